package transform

import (
	"crypto/rsa"
	"io"

	"github.com/beevik/etree"

	"github.com/kenchrcum/xmlenc/internal/buffer"
	"github.com/kenchrcum/xmlenc/internal/xerr"
)

// Status is the lifecycle state of a Transform instance, per the None ->
// Working -> Finished|Failed state machine: a transform starts at None,
// moves to Working on its first Execute call, and reaches Finished only once
// an Execute call made with last=true has consumed every byte of inBuf. Any
// error along the way is terminal: Failed never recovers.
type Status int

const (
	StatusNone Status = iota
	StatusWorking
	StatusFinished
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusNone:
		return "none"
	case StatusWorking:
		return "working"
	case StatusFinished:
		return "finished"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Transform is one link in a chain: a klass-produced Instance plus the input
// and output buffers that carry data between links. Chains are doubly
// linked so PushBin can walk forward and Pump can walk backward.
type Transform struct {
	Klass *Klass
	Impl  Instance
	ID    string // the node Id attribute, if any, for error location strings

	Status Status

	InBuf  *buffer.Buffer
	OutBuf *buffer.Buffer

	Prev *Transform
	Next *Transform

	pool *buffer.Pool
}

// New builds a Transform from klass with freshly allocated buffers. pool
// (may be nil) is recorded on the Transform; the buffers are not drawn from
// it.
func New(klass *Klass, pool *buffer.Pool) *Transform {
	return &Transform{
		Klass:  klass,
		Impl:   klass.New(),
		InBuf:  buffer.New(0),
		OutBuf: buffer.New(0),
		pool:   pool,
	}
}

func (t *Transform) location() string {
	if t.ID != "" {
		return t.ID
	}
	return t.Klass.ID
}

// ReadNode delegates to the klass implementation's ReadNode, if it has one.
// Klasses with no per-node configuration (e.g. base64) silently accept any
// node.
func (t *Transform) ReadNode(el *etree.Element) error {
	nr, ok := t.Impl.(NodeReader)
	if !ok {
		return nil
	}
	if err := nr.ReadNode(el); err != nil {
		return xerr.Wrap(xerr.InvalidNodeContent, t.location(), err)
	}
	return nil
}

// KeyRequirement reports the key this transform needs, if any.
func (t *Transform) KeyRequirement() (KeyRequirement, bool, error) {
	kr, ok := t.Impl.(KeyRequirer)
	if !ok {
		return KeyRequirement{}, false, nil
	}
	req, err := kr.KeyRequirement()
	if err != nil {
		return KeyRequirement{}, true, xerr.Wrap(xerr.KeyNotFound, t.location(), err)
	}
	return req, true, nil
}

// SetKey hands resolved key material to the transform.
func (t *Transform) SetKey(k *Key) error {
	ks, ok := t.Impl.(KeySetter)
	if !ok {
		return xerr.New(xerr.InvalidType, t.location(), "klass does not accept a key")
	}
	if err := ks.SetKey(k); err != nil {
		return xerr.Wrap(xerr.KeyNotFound, t.location(), err)
	}
	return nil
}

// SetEncode tells the klass, if it implements Encoder, which direction to
// run. Klasses with no directional difference (base64's encode/decode are
// selected by distinct klass IDs instead) silently ignore this.
func (t *Transform) SetEncode(encode bool) {
	if enc, ok := t.Impl.(Encoder); ok {
		enc.SetEncode(encode)
	}
}

// SetRSAKey hands an asymmetric keypair to a klass implementing
// RSAKeySetter. Returns false if the klass does not accept RSA key material.
func (t *Transform) SetRSAKey(pub *rsa.PublicKey, priv *rsa.PrivateKey) bool {
	rs, ok := t.Impl.(RSAKeySetter)
	if !ok {
		return false
	}
	rs.SetRSAKey(pub, priv)
	return true
}

// Initialize runs the klass's one-time setup, if any.
func (t *Transform) Initialize() error {
	if init, ok := t.Impl.(Initializer); ok {
		if err := init.Initialize(); err != nil {
			return xerr.Wrap(xerr.InvalidData, t.location(), err)
		}
	}
	if v, ok := t.Impl.(Validator); ok {
		if err := v.Validate(); err != nil {
			return xerr.Wrap(xerr.InvalidNodeContent, t.location(), err)
		}
	}
	return nil
}

// Finalize releases any resources the klass holds. Safe to call multiple
// times and regardless of terminal status.
func (t *Transform) Finalize() error {
	if fin, ok := t.Impl.(Finalizer); ok {
		return fin.Finalize()
	}
	return nil
}

// Execute drives the state machine for one step: None moves to Working on
// first call, the klass's Execute consumes InBuf and appends to OutBuf, and
// if last is true the transform is required to have drained InBuf entirely,
// at which point it moves to Finished. A transform already Finished with an
// empty InBuf accepts further no-op calls; one with pending InBuf is an
// INVALID_STATUS error, since nothing may be fed to a finished transform.
func (t *Transform) Execute(last bool) error {
	switch t.Status {
	case StatusFailed:
		return xerr.New(xerr.InvalidStatus, t.location(), "transform previously failed")
	case StatusFinished:
		if t.InBuf.Size() > 0 {
			return xerr.New(xerr.InvalidStatus, t.location(), "data pushed to a finished transform")
		}
		return nil
	case StatusNone:
		t.Status = StatusWorking
	}

	if err := t.Impl.Execute(t, last); err != nil {
		t.Status = StatusFailed
		return xerr.Wrap(xerr.XMLSecFailed, t.location(), err)
	}

	if last {
		if t.InBuf.Size() != 0 {
			t.Status = StatusFailed
			return xerr.New(xerr.InvalidStatus, t.location(), "klass left unconsumed input at last=true")
		}
		t.Status = StatusFinished
	}
	return nil
}

// PushBin is the push-model entry point: data arrives from upstream (an
// external caller, or the previous transform's own PushBin), is appended to
// InBuf, run through Execute, and whatever lands in OutBuf is forwarded to
// Next.PushBin. The tail transform (Next == nil) leaves OutBuf untouched;
// that buffer is the chain's result, aliased by the owning Context.
func (t *Transform) PushBin(data []byte, last bool) error {
	t.InBuf.Append(data)
	if err := t.Execute(last); err != nil {
		return err
	}

	if t.Next == nil {
		return nil
	}

	if t.OutBuf.Size() > 0 {
		out := append([]byte(nil), t.OutBuf.Data()...)
		t.OutBuf.RemoveHead(len(out))
		return t.Next.PushBin(out, last)
	}
	if last {
		return t.Next.PushBin(nil, true)
	}
	return nil
}

// source returns the io.Reader a head transform (Prev == nil) pulls from, if
// its klass implementation is itself a reader (e.g. a CipherReference URI
// fetch stage, or a pre-loaded bytes.Reader wrapping a CipherValue).
func (t *Transform) source() (io.Reader, bool) {
	r, ok := t.Impl.(io.Reader)
	return r, ok
}

// Pump is the pull-model entry point, called on the tail transform and
// recursing upstream: each transform pulls enough bytes from Prev (or, for
// the chain head, from its own klass-provided io.Reader) to make progress,
// runs Execute, and reports whether it has reached Finished. Context.Execute
// loops calling tail.Pump until it reports finished, then reads the result
// out of tail.OutBuf.
func (t *Transform) Pump() (finished bool, err error) {
	if t.Status == StatusFinished {
		return true, nil
	}

	var data []byte
	upstreamEOF := false

	if t.Prev != nil {
		if _, err := t.Prev.Pump(); err != nil {
			return false, err
		}
		data = append([]byte(nil), t.Prev.OutBuf.Data()...)
		t.Prev.OutBuf.RemoveHead(len(data))
		upstreamEOF = t.Prev.Status == StatusFinished && t.Prev.OutBuf.Size() == 0
	} else if r, ok := t.source(); ok {
		chunk := make([]byte, 64*1024)
		n, rerr := r.Read(chunk)
		if n > 0 {
			data = chunk[:n]
		}
		if rerr == io.EOF {
			upstreamEOF = true
		} else if rerr != nil {
			return false, xerr.Wrap(xerr.InvalidURI, t.location(), rerr)
		}
	} else {
		upstreamEOF = true
	}

	if err := t.PushLocal(data, upstreamEOF); err != nil {
		return false, err
	}
	return t.Status == StatusFinished, nil
}

// PushLocal runs Execute for this transform only, without forwarding to
// Next; used by Pump, which manages forwarding itself by leaving produced
// bytes in OutBuf for the caller to collect.
func (t *Transform) PushLocal(data []byte, last bool) error {
	t.InBuf.Append(data)
	return t.Execute(last)
}
