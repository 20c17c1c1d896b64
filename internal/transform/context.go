package transform

import (
	"bytes"
	"io"

	"github.com/beevik/etree"

	"github.com/kenchrcum/xmlenc/internal/buffer"
	"github.com/kenchrcum/xmlenc/internal/xerr"
)

// Source classifies how a Context's URI was resolved, mirroring setUri's
// three-way split in spec.md §4.5.
type SourceKind int

const (
	SourceNone SourceKind = iota
	SourceSameDocument
	SourceFragment
	SourceFetch
)

// URIResolver fetches the octets named by a non-fragment URI. Built-ins live
// in internal/urifetch; tests may supply a stub.
type URIResolver interface {
	Open(uri string) (io.ReadCloser, error)
}

// Context owns one transform chain: its head/tail, the klass registry used
// to instantiate stages from XML, an optional buffer pool, and the URI
// resolver and policy used by setUri. It corresponds to spec.md's Transform
// Context (§4.5), which EncryptionContext embeds and drives.
type Context struct {
	Registry *Registry
	Pool     *buffer.Pool
	Resolver URIResolver

	first *Transform
	last  *Transform

	uri        string
	sourceKind SourceKind

	prepared bool
}

// NewContext builds an empty chain against the given registry. pool and
// resolver may be nil; pool is recorded on each Transform the context
// creates (whose buffers are allocated directly either way), and a nil
// resolver means setUri can only resolve same-document/fragment references.
func NewContext(reg *Registry, pool *buffer.Pool, resolver URIResolver) *Context {
	if reg == nil {
		reg = DefaultRegistry()
	}
	return &Context{Registry: reg, Pool: pool, Resolver: resolver}
}

// Head returns the first transform in the chain, or nil if empty.
func (c *Context) Head() *Transform { return c.first }

// Tail returns the last transform in the chain, or nil if empty.
func (c *Context) Tail() *Transform { return c.last }

// Append links t onto the tail of the chain.
func (c *Context) Append(t *Transform) {
	if c.last == nil {
		c.first = t
		c.last = t
		return
	}
	c.last.Next = t
	t.Prev = c.last
	c.last = t
}

// Prepend links t onto the head of the chain.
func (c *Context) Prepend(t *Transform) {
	if c.first == nil {
		c.first = t
		c.last = t
		return
	}
	c.first.Prev = t
	t.Next = c.first
	c.first = t
}

// CreateAndAppend looks klassID up in the registry, instantiates and
// initializes it, and appends it to the chain.
func (c *Context) CreateAndAppend(klassID string) (*Transform, error) {
	t, err := c.instantiate(klassID)
	if err != nil {
		return nil, err
	}
	c.Append(t)
	return t, nil
}

// CreateAndPrepend is CreateAndAppend's head-side counterpart, used to
// splice a base64 decoder or similar stage before the current head.
func (c *Context) CreateAndPrepend(klassID string) (*Transform, error) {
	t, err := c.instantiate(klassID)
	if err != nil {
		return nil, err
	}
	c.Prepend(t)
	return t, nil
}

func (c *Context) instantiate(klassID string) (*Transform, error) {
	klass, ok := c.Registry.Lookup(klassID)
	if !ok {
		return nil, xerr.New(xerr.InvalidNode, klassID, "no klass registered for this algorithm URI")
	}
	t := New(klass, c.Pool)
	if err := t.Initialize(); err != nil {
		return nil, err
	}
	return t, nil
}

// NodeRead instantiates a transform from an EncryptionMethod or Transform
// element, looked up by its Algorithm (EncryptionMethod) or Algorithm
// (ds:Transform) href attribute, enforcing usage, and appends it to the
// chain. It also feeds the element to the klass's ReadNode hook, if any
// (e.g. XSLT's embedded stylesheet, C14N's InclusiveNamespaces list).
func (c *Context) NodeRead(el *etree.Element, usage Usage) (*Transform, error) {
	href := el.SelectAttrValue("Algorithm", "")
	if href == "" {
		return nil, xerr.New(xerr.InvalidNode, el.Tag, "missing Algorithm attribute")
	}
	klass, ok := c.Registry.Lookup(href)
	if !ok {
		return nil, xerr.New(xerr.InvalidNode, href, "no klass registered for this algorithm URI")
	}
	if klass.Usage&usage == 0 {
		return nil, xerr.New(xerr.UnexpectedNode, href, "klass not permitted in this role")
	}
	t := New(klass, c.Pool)
	if err := t.ReadNode(el); err != nil {
		return nil, err
	}
	if err := t.Initialize(); err != nil {
		return nil, err
	}
	c.Append(t)
	return t, nil
}

// NodesListRead reads a sequence of <Transform> children of node (the
// CipherReference/Transforms element, or a ds:Transforms element), appending
// one Transform per child in document order.
func (c *Context) NodesListRead(node *etree.Element, usage Usage) ([]*Transform, error) {
	var out []*Transform
	for _, child := range node.ChildElements() {
		if child.Tag != "Transform" {
			return nil, xerr.New(xerr.UnexpectedNode, child.Tag, "expected Transform element")
		}
		t, err := c.NodeRead(child, usage)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// SetUri classifies uri per spec.md §4.5 and installs the appropriate source
// transform at the head of the chain: empty means same-document (the caller
// already has the subtree in hand, no source stage is installed); a leading
// '#' means same-document by fragment/XPointer, likewise requiring no fetch
// stage; anything else is a full URI requiring a fetch, subject to the
// resolver's allow/deny policy.
func (c *Context) SetUri(uri string, hintNode *etree.Element) error {
	c.uri = uri
	switch {
	case uri == "":
		c.sourceKind = SourceSameDocument
		return nil
	case len(uri) > 0 && uri[0] == '#':
		c.sourceKind = SourceFragment
		return nil
	}

	if c.Resolver == nil {
		return xerr.New(xerr.InvalidURI, uri, "no URI resolver configured")
	}
	rc, err := c.Resolver.Open(uri)
	if err != nil {
		return xerr.Wrap(xerr.InvalidURI, uri, err)
	}
	c.sourceKind = SourceFetch
	c.Prepend(&Transform{
		Klass:  &Klass{ID: "internal:uri-source", Name: "uri-source", DataType: DataTypeBinary, Usage: UsageGeneric},
		Impl:   &readCloserInstance{rc: rc},
		InBuf:  buffer.New(0),
		OutBuf: buffer.New(0),
	})
	return nil
}

// readCloserInstance adapts an io.ReadCloser into a transform.Instance that
// also satisfies io.Reader, so Pump's source() check finds it: Pump reads
// each chunk via Read and then runs Execute, which moves the chunk from
// InBuf to OutBuf unchanged.
type readCloserInstance struct {
	rc io.ReadCloser
}

func (r *readCloserInstance) Execute(t *Transform, last bool) error {
	t.OutBuf.Append(t.InBuf.Data())
	t.InBuf.RemoveHead(t.InBuf.Size())
	return nil
}

func (r *readCloserInstance) Read(p []byte) (int, error) { return r.rc.Read(p) }

func (r *readCloserInstance) Finalize() error { return r.rc.Close() }

// Prepare materializes the chain against the expected input data type,
// verifying every instantiated klass agrees on the boundary: the head's
// DataType must equal dataType.
func (c *Context) Prepare(dataType DataType) error {
	if c.first == nil {
		return xerr.New(xerr.InvalidData, "", "empty transform chain")
	}
	if c.first.Klass.DataType != DataTypeUnknown && c.first.Klass.DataType != dataType {
		return xerr.New(xerr.InvalidType, c.first.Klass.ID, "chain head data type mismatch")
	}
	c.prepared = true
	return nil
}

// Execute drives the chain using Pump on the tail until it reaches Finished,
// per spec.md's pull model for URI-sourced input (the doc argument in the
// source's signature is implicit here: Go callers pass the subtree directly
// via whichever stage owns it).
func (c *Context) Execute() error {
	if c.last == nil {
		return xerr.New(xerr.InvalidData, "", "empty transform chain")
	}
	for {
		finished, err := c.last.Pump()
		if err != nil {
			return err
		}
		if finished {
			return nil
		}
	}
}

// BinaryExecute pushes data into the chain head and immediately signals EOF,
// per spec.md's binaryExecute(data, n): push n bytes into the source, then
// signal EOF with last=true.
func (c *Context) BinaryExecute(data []byte) error {
	if c.first == nil {
		return xerr.New(xerr.InvalidData, "", "empty transform chain")
	}
	return c.first.PushBin(data, true)
}

// outputBuffer is the io.WriteCloser CreateOutputBuffer hands back: every
// Write is forwarded as a non-final PushBin into first, and Close issues the
// final PushBin(nil, last=true) to flush the chain.
type outputBuffer struct {
	first *Transform
}

func (w *outputBuffer) Write(p []byte) (int, error) {
	if err := w.first.PushBin(p, false); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (w *outputBuffer) Close() error {
	return w.first.PushBin(nil, true)
}

// CreateOutputBuffer returns a handle whose writes feed the chain headed by
// first, closing out with last=true once the caller is done serializing.
func (c *Context) CreateOutputBuffer(first *Transform) io.WriteCloser {
	return &outputBuffer{first: first}
}

// Result returns the chain's accumulated output: the tail transform's
// outBuf, which nothing downstream ever drains.
func (c *Context) Result() []byte {
	if c.last == nil {
		return nil
	}
	return c.last.OutBuf.Data()
}

// ResultReader exposes the result as a bytes.Reader for callers that want to
// stream it onward (e.g. an HTTP response body) without copying.
func (c *Context) ResultReader() *bytes.Reader {
	return bytes.NewReader(c.Result())
}

// Finalize releases every transform in the chain, in chain order, collecting
// (but not stopping on) the first error encountered.
func (c *Context) Finalize() error {
	var firstErr error
	for t := c.first; t != nil; t = t.Next {
		if err := t.Finalize(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
