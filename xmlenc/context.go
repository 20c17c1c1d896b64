// Package xmlenc implements the encryption context described in spec.md
// §4.6: a transform-chain-driven reader/writer of EncryptedData and
// EncryptedKey elements. It parses a template, resolves the cipher and its
// key, drives the transform chain to completion, and records the ciphertext
// (or recovered plaintext) back into the host document or a buffer for the
// caller.
//
// Field layout follows the W3C schema as other_examples' readium-lcp-server
// xmlenc package already expresses it in Go
// (EncryptionMethod/KeyInfo/CipherData/CipherReference/CipherValue/
// EncryptionProperties/ReferenceList/CarriedKeyName/Recipient), re-expressed
// against github.com/beevik/etree instead of encoding/xml so a CipherData
// write can mutate the caller's live document in place.
package xmlenc

import (
	"context"
	"crypto/rand"
	"strings"

	"github.com/beevik/etree"
	"github.com/sirupsen/logrus"

	"github.com/kenchrcum/xmlenc/internal/audit"
	"github.com/kenchrcum/xmlenc/internal/buffer"
	"github.com/kenchrcum/xmlenc/internal/keyinfo"
	"github.com/kenchrcum/xmlenc/internal/keymanager"
	"github.com/kenchrcum/xmlenc/internal/metrics"
	"github.com/kenchrcum/xmlenc/internal/transform"
	"github.com/kenchrcum/xmlenc/internal/urifetch"
	"github.com/kenchrcum/xmlenc/internal/xerr"
)

// Mode selects whether a Context reads/writes an EncryptedData or an
// EncryptedKey element — spec.md §4.6.1's "for EncryptedKey mode also
// Recipient" branch, and the ReferenceList/CarriedKeyName children that
// only appear on EncryptedKey.
type Mode int

const (
	ModeEncryptedData Mode = iota
	ModeEncryptedKey
)

// Type attribute values recognized by XmlEncrypt/Decrypt (spec.md §4.6.3).
const (
	TypeElement = "http://www.w3.org/2001/04/xmlenc#Element"
	TypeContent = "http://www.w3.org/2001/04/xmlenc#Content"
)

// Factory owns the collaborators every Context it builds shares: the
// transform registry, buffer pool, URI fetcher, key manager, and the
// observability stack. It is the long-lived object an embedding process
// constructs once; NewContext then builds a fresh, single-use Context per
// operation — the same split as the teacher's api.Handler holding durable
// collaborators (s3Client, encryptionEngine, logger, metrics) while each
// request gets its own short-lived state.
type Factory struct {
	Registry   *transform.Registry
	Pool       *buffer.Pool
	Fetcher    *urifetch.Fetcher
	KeyManager keymanager.KeyManager
	Metrics    *metrics.Metrics
	Audit      audit.Logger
	Logger     *logrus.Logger
}

// NewContext builds a fresh, single-use Context in the given mode and
// direction.
func (f *Factory) NewContext(mode Mode, encrypt bool) *Context {
	logger := f.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	var resolver transform.URIResolver
	if f.Fetcher != nil {
		resolver = f.Fetcher
	}
	return &Context{
		factory:         f,
		mode:            mode,
		encrypt:         encrypt,
		logger:          logger,
		encTransformCtx: transform.NewContext(f.Registry, f.Pool, resolver),
	}
}

// Context is spec.md §4.6's Encryption Context: one encrypt/decrypt
// operation's worth of parsed template state plus the transform chain
// driving it. A Context is single-use — any top-level operation called with
// encResult already set fails fast (spec.md §8 "Single-use").
type Context struct {
	factory *Factory
	logger  *logrus.Logger

	mode    Mode
	encrypt bool

	id, typ, mimeType, encoding, recipient, carriedKeyName string

	encMethodNode   *etree.Element
	keyInfoNode     *etree.Element
	cipherValueNode *etree.Element

	encMethod            *transform.Transform
	dontDestroyEncMethod bool

	encKey   *transform.Key
	envelope *keymanager.KeyEnvelope

	encTransformCtx *transform.Context

	encResult           []byte
	replaced            bool
	resultBase64Encoded bool
}

// SetEncMethod presets the encryption method transform, per spec.md
// §4.6.1's first branch: the context does not instantiate one from the
// template and must not finalize this caller-owned instance.
func (c *Context) SetEncMethod(t *transform.Transform) { c.encMethod = t }

// SetKey presets the resolved key, bypassing KeyInfo/KeyManager resolution.
func (c *Context) SetKey(k *transform.Key) { c.encKey = k }

// Replaced reports whether a host-document splice has taken place
// (XmlEncrypt/Decrypt's CipherData or DOM mutation steps).
func (c *Context) Replaced() bool { return c.replaced }

// Finalize releases the transform chain and the encryption method, honoring
// a caller-preset encMethod's ownership (spec.md §5 "Cancellation"; §9's
// "ownership variant" design note).
func (c *Context) Finalize() error {
	if !c.dontDestroyEncMethod {
		return c.encTransformCtx.Finalize()
	}
	var firstErr error
	for t := c.encTransformCtx.Head(); t != nil; t = t.Next {
		if t == c.encMethod {
			continue
		}
		if err := t.Finalize(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// encDataNodeRead implements spec.md §4.6.1: parses an EncryptedData or
// EncryptedKey element in strict child order, instantiates the encryption
// method, resolves and installs the key, and — on encrypt, with a
// CipherValue sink — appends the base64 encoder feeding it.
func (c *Context) encDataNodeRead(ctx context.Context, node *etree.Element) error {
	c.id = node.SelectAttrValue("Id", "")
	c.typ = node.SelectAttrValue("Type", "")
	c.mimeType = node.SelectAttrValue("MimeType", "")
	c.encoding = node.SelectAttrValue("Encoding", "")
	if c.mode == ModeEncryptedKey {
		c.recipient = node.SelectAttrValue("Recipient", "")
	}

	var cipherDataEl *etree.Element
	for _, child := range node.ChildElements() {
		switch child.Tag {
		case "EncryptionMethod":
			if c.keyInfoNode != nil || cipherDataEl != nil {
				return xerr.New(xerr.UnexpectedNode, child.Tag, "EncryptionMethod must precede KeyInfo/CipherData")
			}
			c.encMethodNode = child
		case "KeyInfo":
			if cipherDataEl != nil {
				return xerr.New(xerr.UnexpectedNode, child.Tag, "KeyInfo must precede CipherData")
			}
			c.keyInfoNode = child
		case "CipherData":
			if cipherDataEl != nil {
				return xerr.New(xerr.UnexpectedNode, child.Tag, "duplicate CipherData")
			}
			cipherDataEl = child
		case "EncryptionProperties":
			// ignored, spec.md §4.6.1 step 5
		case "ReferenceList":
			if c.mode != ModeEncryptedKey {
				return xerr.New(xerr.UnexpectedNode, child.Tag, "ReferenceList only valid on EncryptedKey")
			}
		case "CarriedKeyName":
			if c.mode != ModeEncryptedKey {
				return xerr.New(xerr.UnexpectedNode, child.Tag, "CarriedKeyName only valid on EncryptedKey")
			}
			c.carriedKeyName = child.Text()
		default:
			return xerr.New(xerr.UnexpectedNode, child.Tag, "unrecognized child of "+node.Tag)
		}
	}
	if cipherDataEl == nil {
		return xerr.New(xerr.InvalidNode, "CipherData", "required child missing")
	}
	if err := c.cipherDataNodeParse(cipherDataEl); err != nil {
		return err
	}

	if err := c.installEncMethod(); err != nil {
		return err
	}
	c.encMethod.SetEncode(c.encrypt)

	if err := c.resolveAndInstallKey(ctx); err != nil {
		return err
	}

	if c.encrypt && c.cipherValueNode != nil {
		if _, err := c.encTransformCtx.CreateAndAppend(transform.Base64EncodeID); err != nil {
			return err
		}
		c.resultBase64Encoded = true
	}
	return nil
}

func (c *Context) installEncMethod() error {
	if c.encMethod != nil {
		c.encTransformCtx.Append(c.encMethod)
		c.dontDestroyEncMethod = true
		return nil
	}
	if c.encMethodNode == nil {
		return xerr.New(xerr.InvalidData, "EncryptionMethod", "no cipher configured")
	}
	t, err := c.encTransformCtx.NodeRead(c.encMethodNode, transform.UsageEncryptionMethod|transform.UsageKeyTransport)
	if err != nil {
		return err
	}
	c.encMethod = t
	return nil
}

func (c *Context) resolveAndInstallKey(ctx context.Context) error {
	req, hasReq, err := c.encMethod.KeyRequirement()
	if err != nil {
		return err
	}
	if !hasReq {
		return nil
	}

	if c.encKey == nil {
		if err := c.resolveKey(ctx, req); err != nil {
			return err
		}
	}

	if c.encKey == nil || !req.Matches(c.encKey) {
		return xerr.New(xerr.KeyNotFound, "KeyInfo", "no key satisfies "+req.Algorithm)
	}

	if strings.HasPrefix(req.Algorithm, "rsa-") {
		if c.encKey.RSAPublic == nil && c.encKey.RSAPrivate == nil {
			return xerr.New(xerr.KeyNotFound, "KeyInfo", "rsa key transport requires a keypair")
		}
		if !c.encMethod.SetRSAKey(c.encKey.RSAPublic, c.encKey.RSAPrivate) {
			return xerr.New(xerr.InvalidType, c.encMethod.Klass.ID, "klass does not accept an rsa key")
		}
		return nil
	}
	return c.encMethod.SetKey(c.encKey)
}

// resolveKey implements the "KeyInfo node exists and the key manager
// provides a getKey hook" branch of spec.md §4.6.1. On decrypt it resolves
// the caller's wrapped key via internal/keyinfo. On encrypt it generates a
// fresh symmetric key and wraps it through the key manager so
// cipherDataNodeWrite has an envelope to record into KeyInfo — the DEK
// generation/wrap workflow keyinfo.Write's envelope parameter exists for.
func (c *Context) resolveKey(ctx context.Context, req transform.KeyRequirement) error {
	if c.keyInfoNode == nil || c.factory == nil || c.factory.KeyManager == nil {
		return nil
	}
	if c.encrypt {
		return c.generateAndWrapKey(ctx, req)
	}
	key, err := keyinfo.Read(ctx, c.keyInfoNode, &keyinfo.ReadContext{
		KeyManager: c.factory.KeyManager,
		Fetcher:    c.factory.Fetcher,
	})
	if err != nil {
		return err
	}
	c.encKey = key
	return nil
}

func (c *Context) generateAndWrapKey(ctx context.Context, req transform.KeyRequirement) error {
	bits := req.KeyBits
	if bits == 0 {
		bits = 256
	}
	raw := make([]byte, bits/8)
	if _, err := rand.Read(raw); err != nil {
		return xerr.Wrap(xerr.MallocFailed, "KeyInfo", err)
	}
	keyName := c.id
	if keyName == "" {
		keyName = "dek"
	}
	envelope, err := c.factory.KeyManager.WrapKey(ctx, raw, keyName)
	if err != nil {
		return xerr.Wrap(xerr.KeyNotFound, "KeyInfo", err)
	}
	c.encKey = &transform.Key{Name: keyName, Algorithm: req.Algorithm, Bits: bits, Raw: raw}
	c.envelope = envelope
	return nil
}

// cipherDataNodeParse implements spec.md §4.6.2.
func (c *Context) cipherDataNodeParse(cd *etree.Element) error {
	children := cd.ChildElements()
	if len(children) == 0 {
		return xerr.New(xerr.InvalidNode, "CipherData", "missing CipherValue/CipherReference")
	}
	if len(children) > 1 {
		return xerr.New(xerr.UnexpectedNode, children[1].Tag, "no further sibling permitted in CipherData")
	}

	switch children[0].Tag {
	case "CipherValue":
		c.cipherValueNode = children[0]
		if !c.encrypt {
			if _, err := c.encTransformCtx.CreateAndPrepend(transform.Base64DecodeID); err != nil {
				return err
			}
		}
	case "CipherReference":
		if c.encrypt {
			return xerr.New(xerr.InvalidData, "CipherReference", "CipherReference is not valid on an encrypt operation")
		}
		cr := children[0]
		uri := cr.SelectAttrValue("URI", "")
		if err := c.encTransformCtx.SetUri(uri, cr); err != nil {
			return err
		}
		if tr := cr.FindElement("Transforms"); tr != nil {
			if _, err := c.encTransformCtx.NodesListRead(tr, transform.UsageGeneric); err != nil {
				return err
			}
		}
	default:
		return xerr.New(xerr.InvalidNode, children[0].Tag, "expected CipherValue or CipherReference")
	}
	return nil
}

// cipherDataNodeWrite implements spec.md §4.6.4.
func (c *Context) cipherDataNodeWrite(template *etree.Element) error {
	if c.cipherValueNode != nil {
		c.cipherValueNode.SetText(string(c.encResult))
	}
	if c.keyInfoNode != nil {
		wc := &keyinfo.WriteContext{}
		if c.factory != nil && c.factory.KeyManager != nil {
			wc.Provider = c.factory.KeyManager.Provider()
		}
		if err := keyinfo.Write(c.keyInfoNode, c.encKey, c.envelope, wc); err != nil {
			return err
		}
	}
	c.replaced = true
	return nil
}
