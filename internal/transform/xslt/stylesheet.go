// Package xslt implements the representative pluggable node-set transform
// described in spec.md §4.4: a single-shot stage that compiles an embedded
// stylesheet on readNode and applies it to a complete input document on
// execute(last=true).
//
// No XSLT engine exists anywhere in the retrieved dependency corpus, so
// rather than fabricate one this package implements the literal-result
// subset of XSLT 1.0 directly on top of github.com/beevik/etree (the DOM
// library grounded on the ma314smith/signedxml XMLDSig implementation):
// literal result elements, xsl:value-of, xsl:copy-of, and xsl:apply-templates
// with a match="/" root template, each select/match expression evaluated
// through etree's own simplified path syntax. It is not a conformant XSLT
// processor; it is enough to exercise the transform-chain boundary the spec
// describes.
package xslt

import (
	"bytes"
	"fmt"

	"github.com/beevik/etree"
)

const xslNS = "http://www.w3.org/1999/XSL/Transform"

// OutputMethod mirrors xsl:output/@method.
type OutputMethod string

const (
	OutputXML  OutputMethod = "xml"
	OutputText OutputMethod = "text"
	OutputHTML OutputMethod = "html"
)

// Stylesheet is the compiled, opaque handle produced by Compile. It owns the
// parsed stylesheet document for its lifetime; Close releases it.
type Stylesheet struct {
	doc          *etree.Document
	rootTemplate *etree.Element
	output       OutputMethod
}

// Compile serializes the element children of transformNode, reparses them
// as a standalone document, and locates the xsl:output method and the
// match="/" root template. It returns XML_FAILED-flavored errors (via the
// returned error's message; callers wrap with xerr at the call site) on
// malformed stylesheet markup.
func Compile(transformNode *etree.Element) (*Stylesheet, error) {
	var buf bytes.Buffer
	tmp := etree.NewDocument()
	root := tmp.CreateElement("stylesheet-root")
	for _, child := range transformNode.ChildElements() {
		root.AddChild(child.Copy())
	}
	if _, err := tmp.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("serializing embedded stylesheet: %w", err)
	}

	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(buf.Bytes()); err != nil {
		return nil, fmt.Errorf("reparsing embedded stylesheet: %w", err)
	}

	wrapper := doc.Root()
	var stylesheetEl *etree.Element
	for _, el := range wrapper.ChildElements() {
		if el.Tag == "stylesheet" || el.Tag == "transform" {
			stylesheetEl = el
			break
		}
	}
	if stylesheetEl == nil {
		return nil, fmt.Errorf("no xsl:stylesheet element found in transform content")
	}

	s := &Stylesheet{doc: doc, output: OutputXML}
	if out := stylesheetEl.SelectElement("output"); out != nil {
		if m := out.SelectAttrValue("method", ""); m != "" {
			s.output = OutputMethod(m)
		}
	}
	for _, tmpl := range stylesheetEl.SelectElements("template") {
		if tmpl.SelectAttrValue("match", "") == "/" {
			s.rootTemplate = tmpl
			break
		}
	}
	return s, nil
}

// Close releases the compiled stylesheet. Safe to call more than once.
func (s *Stylesheet) Close() error {
	s.doc = nil
	s.rootTemplate = nil
	return nil
}

// Apply runs the stylesheet against input, returning the transformed
// document. With no match="/" template it falls back to an identity copy of
// the input's root element, which keeps the stage usable as a structural
// passthrough (e.g. for chains that apply XSLT purely to normalize
// whitespace via a pass-through stylesheet).
func (s *Stylesheet) Apply(input *etree.Document) (*etree.Document, error) {
	out := etree.NewDocument()
	if s.rootTemplate == nil {
		if input.Root() == nil {
			return nil, fmt.Errorf("input document has no root element")
		}
		out.SetRoot(input.Root().Copy())
		return out, nil
	}

	var resultRoot *etree.Element
	for _, child := range s.rootTemplate.ChildElements() {
		if child.Space == "xsl" {
			continue
		}
		resultRoot = instantiate(child, &input.Element)
		break
	}
	if resultRoot == nil {
		return nil, fmt.Errorf("root template produced no output element")
	}
	out.SetRoot(resultRoot)
	return out, nil
}

// instantiate builds one output element from a literal-result template
// element tmpl, evaluated against the current context node ctx.
func instantiate(tmpl *etree.Element, ctx *etree.Element) *etree.Element {
	out := etree.NewElement(tmpl.Tag)
	for _, attr := range tmpl.Attr {
		out.CreateAttr(attr.Key, attr.Value)
	}
	for _, child := range tmpl.Child {
		switch c := child.(type) {
		case *etree.Element:
			if c.Space == "xsl" {
				instantiateInstruction(out, c, ctx)
				continue
			}
			out.AddChild(instantiate(c, ctx))
		case *etree.CharData:
			out.AddChild(c.Copy())
		}
	}
	return out
}

func instantiateInstruction(out *etree.Element, instr *etree.Element, ctx *etree.Element) {
	select_ := instr.SelectAttrValue("select", ".")
	switch instr.Tag {
	case "value-of":
		out.CreateText(evalTextSelect(ctx, select_))
	case "copy-of":
		if node := evalElementSelect(ctx, select_); node != nil {
			out.AddChild(node.Copy())
		}
	case "apply-templates":
		// The literal-result subset has no template dispatch table beyond
		// the root template, so apply-templates degenerates to copying the
		// selected node's children verbatim.
		if node := evalElementSelect(ctx, select_); node != nil {
			for _, gc := range node.ChildElements() {
				out.AddChild(gc.Copy())
			}
		}
	}
}

func evalTextSelect(ctx *etree.Element, path string) string {
	if path == "." {
		return ctx.Text()
	}
	if el := ctx.FindElement(path); el != nil {
		return el.Text()
	}
	return ""
}

func evalElementSelect(ctx *etree.Element, path string) *etree.Element {
	if path == "." {
		return ctx
	}
	return ctx.FindElement(path)
}
