// Package audit logs EncryptionContext operations the way the teacher's
// internal/audit package logged S3 object operations: an in-memory ring
// buffer of recent events plus a pluggable EventWriter (stdout/file/http,
// optionally batched). The bucket/key/client-IP shape that made sense for
// an HTTP gateway has no analog here, so AuditEvent instead carries the
// operation name, the KeyInfo key name, algorithm, and key version that
// identify an EncryptionContext call.
package audit

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/kenchrcum/xmlenc/internal/config"
)

// EventType represents the category of audit event.
type EventType string

const (
	// EventTypeOperation covers the five EncryptionContext top-level
	// operations (BinaryEncrypt, XmlEncrypt, UriEncrypt, Decrypt,
	// DecryptToBuffer).
	EventTypeOperation EventType = "operation"
	// EventTypeKeyRotation represents a key manager rotation event.
	EventTypeKeyRotation EventType = "key_rotation"
)

// AuditEvent represents a single audit log event.
type AuditEvent struct {
	Timestamp      time.Time              `json:"timestamp"`
	EventType      EventType              `json:"event_type"`
	Operation      string                 `json:"operation"`
	URI            string                 `json:"uri,omitempty"`
	KeyName        string                 `json:"key_name,omitempty"`
	Algorithm      string                 `json:"algorithm,omitempty"`
	KeyVersion     int                    `json:"key_version,omitempty"`
	Success        bool                   `json:"success"`
	Error          string                 `json:"error,omitempty"`
	Duration       time.Duration          `json:"duration_ms"`
	BytesProcessed int64                  `json:"bytes_processed,omitempty"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
}

// Logger is the interface for audit logging.
type Logger interface {
	// Log logs an audit event.
	Log(event *AuditEvent) error

	// LogOperation logs one EncryptionContext top-level operation.
	LogOperation(operation, keyName, algorithm string, keyVersion int, uri string, bytesProcessed int64, success bool, err error, duration time.Duration, metadata map[string]interface{})

	// LogKeyRotation logs a key manager rotation event.
	LogKeyRotation(keyVersion int, success bool, err error)

	// GetEvents returns all buffered audit events (for testing/querying).
	GetEvents() []*AuditEvent

	// Close closes the logger and its underlying writer.
	Close() error
}

// auditLogger implements the Logger interface.
type auditLogger struct {
	mu         sync.Mutex
	events     []*AuditEvent
	maxEvents  int
	writer     EventWriter
	redactKeys []string
}

// EventWriter is an interface for writing audit events.
type EventWriter interface {
	WriteEvent(event *AuditEvent) error
}

// NewLogger creates a new audit logger.
func NewLogger(maxEvents int, writer EventWriter) Logger {
	return NewLoggerWithRedaction(maxEvents, writer, nil)
}

// NewLoggerWithRedaction creates a new audit logger with redaction keys.
func NewLoggerWithRedaction(maxEvents int, writer EventWriter, redactKeys []string) Logger {
	if writer == nil {
		writer = &defaultWriter{}
	}

	return &auditLogger{
		events:     make([]*AuditEvent, 0, maxEvents),
		maxEvents:  maxEvents,
		writer:     writer,
		redactKeys: redactKeys,
	}
}

// NewLoggerFromConfig creates a new audit logger from configuration.
func NewLoggerFromConfig(cfg config.AuditConfig) (Logger, error) {
	var writer EventWriter

	switch cfg.Sink.Type {
	case "http":
		writer = NewHTTPSink(cfg.Sink.Endpoint, cfg.Sink.Headers)
	case "file":
		writer = NewFileSink(cfg.Sink.FilePath)
	case "stdout", "":
		writer = &defaultWriter{}
	default:
		return nil, fmt.Errorf("unknown sink type: %s", cfg.Sink.Type)
	}

	if cfg.Sink.BatchSize > 0 || cfg.Sink.FlushInterval > 0 {
		writer = NewBatchSink(writer, cfg.Sink.BatchSize, cfg.Sink.FlushInterval, cfg.Sink.RetryCount, cfg.Sink.RetryBackoff)
	}

	return NewLoggerWithRedaction(cfg.MaxEvents, writer, cfg.RedactKeys), nil
}

// Log logs an audit event.
func (l *auditLogger) Log(event *AuditEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.writer != nil {
		// Best effort: a sink outage should never fail the encryption
		// operation it's describing.
		_ = l.writer.WriteEvent(event)
	}

	l.events = append(l.events, event)
	if len(l.events) > l.maxEvents {
		l.events = l.events[len(l.events)-l.maxEvents:]
	}

	return nil
}

// Close closes the logger and its underlying writer.
func (l *auditLogger) Close() error {
	if closer, ok := l.writer.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}

// redactMetadata removes sensitive keys from metadata.
func (l *auditLogger) redactMetadata(metadata map[string]interface{}) map[string]interface{} {
	if len(l.redactKeys) == 0 || len(metadata) == 0 {
		return metadata
	}

	needsRedaction := false
	for _, k := range l.redactKeys {
		if _, ok := metadata[k]; ok {
			needsRedaction = true
			break
		}
	}
	if !needsRedaction {
		return metadata
	}

	clone := make(map[string]interface{}, len(metadata))
	for k, v := range metadata {
		clone[k] = v
	}
	for _, key := range l.redactKeys {
		if _, ok := clone[key]; ok {
			clone[key] = "[REDACTED]"
		}
	}
	return clone
}

// LogOperation logs one EncryptionContext top-level operation.
func (l *auditLogger) LogOperation(operation, keyName, algorithm string, keyVersion int, uri string, bytesProcessed int64, success bool, err error, duration time.Duration, metadata map[string]interface{}) {
	event := &AuditEvent{
		Timestamp:      time.Now(),
		EventType:      EventTypeOperation,
		Operation:      operation,
		URI:            uri,
		KeyName:        keyName,
		Algorithm:      algorithm,
		KeyVersion:     keyVersion,
		Success:        success,
		Duration:       duration,
		BytesProcessed: bytesProcessed,
		Metadata:       l.redactMetadata(metadata),
	}

	if err != nil {
		event.Error = err.Error()
	}

	l.Log(event)
}

// LogKeyRotation logs a key manager rotation event.
func (l *auditLogger) LogKeyRotation(keyVersion int, success bool, err error) {
	event := &AuditEvent{
		Timestamp:  time.Now(),
		EventType:  EventTypeKeyRotation,
		Operation:  "key_rotation",
		KeyVersion: keyVersion,
		Success:    success,
	}

	if err != nil {
		event.Error = err.Error()
	}

	l.Log(event)
}

// GetEvents returns all buffered audit events (for testing/querying).
func (l *auditLogger) GetEvents() []*AuditEvent {
	l.mu.Lock()
	defer l.mu.Unlock()

	events := make([]*AuditEvent, len(l.events))
	for i, e := range l.events {
		ev := *e
		events[i] = &ev
	}
	return events
}

// defaultWriter writes events to stdout as JSON.
type defaultWriter struct{}

func (w *defaultWriter) WriteEvent(event *AuditEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	fmt.Printf("%s\n", string(data))
	return nil
}
