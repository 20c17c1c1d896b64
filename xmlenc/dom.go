package xmlenc

import (
	"bytes"

	"github.com/beevik/etree"

	"github.com/kenchrcum/xmlenc/internal/xerr"
)

// serializeElement renders el's own subtree as standalone XML bytes — the
// plaintext XmlEncrypt feeds into the transform chain for Type=Element. A
// deep copy keeps el attached to its live parent; XmlEncrypt's later
// replaceElement splice still needs to find it there.
func serializeElement(el *etree.Element) ([]byte, error) {
	doc := etree.NewDocument()
	doc.AddChild(el.Copy())
	var buf bytes.Buffer
	if _, err := doc.WriteTo(&buf); err != nil {
		return nil, xerr.Wrap(xerr.XMLFailed, el.Tag, err)
	}
	return buf.Bytes(), nil
}

// serializeChildren renders the concatenated child tokens of el — the
// plaintext XmlEncrypt feeds into the transform chain for Type=Content.
func serializeChildren(el *etree.Element) ([]byte, error) {
	cp := el.Copy()
	doc := etree.NewDocument()
	doc.Child = cp.Child
	var buf bytes.Buffer
	if _, err := doc.WriteTo(&buf); err != nil {
		return nil, xerr.Wrap(xerr.XMLFailed, el.Tag, err)
	}
	return buf.Bytes(), nil
}

// parseFragment re-parses plaintext bytes produced by serializeElement or
// serializeChildren back into a token list, the inverse Decrypt uses to
// splice recovered content back into the host document.
func parseFragment(data []byte) ([]etree.Token, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(data); err != nil {
		return nil, xerr.Wrap(xerr.XMLFailed, "", err)
	}
	return doc.Child, nil
}

// firstElement returns the first Element token in tokens, ignoring any
// leading/trailing whitespace CharData.
func firstElement(tokens []etree.Token) (*etree.Element, bool) {
	for _, t := range tokens {
		if el, ok := t.(*etree.Element); ok {
			return el, true
		}
	}
	return nil, false
}

// replaceElement splices replacement into node's parent in node's place.
func replaceElement(node, replacement *etree.Element) error {
	parent := node.Parent()
	if parent == nil {
		return xerr.New(xerr.XMLSecFailed, node.Tag, "node has no parent to replace")
	}
	parent.InsertChild(node, replacement)
	parent.RemoveChild(node)
	return nil
}

// replaceElementWithTokens splices tokens into node's parent in node's
// place, preserving order — Decrypt's Content-mode splice.
func replaceElementWithTokens(node *etree.Element, tokens []etree.Token) error {
	parent := node.Parent()
	if parent == nil {
		return xerr.New(xerr.XMLSecFailed, node.Tag, "node has no parent to replace")
	}
	for _, t := range tokens {
		parent.InsertChild(node, t)
	}
	parent.RemoveChild(node)
	return nil
}

// replaceChildren replaces node's own children with a single child,
// preserving node's tag/attributes — XmlEncrypt's Content-mode splice.
func replaceChildren(node, child *etree.Element) {
	node.Child = nil
	node.AddChild(child)
}
