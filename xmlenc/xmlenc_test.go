package xmlenc

import (
	"context"
	"testing"

	"github.com/beevik/etree"

	"github.com/kenchrcum/xmlenc/internal/keymanager"
	"github.com/kenchrcum/xmlenc/internal/transform"
	"github.com/kenchrcum/xmlenc/internal/xerr"
)

func newFactory(t *testing.T, mgr keymanager.KeyManager) *Factory {
	t.Helper()
	return &Factory{
		Registry:   transform.DefaultRegistry(),
		KeyManager: mgr,
	}
}

func staticManager(t *testing.T) *keymanager.StaticManager {
	t.Helper()
	mgr, err := keymanager.NewStaticManager()
	if err != nil {
		t.Fatalf("NewStaticManager failed: %v", err)
	}
	t.Cleanup(func() { _ = mgr.Close(context.Background()) })
	return mgr
}

// binaryTemplate builds a bare EncryptedData element with an AES-CBC
// EncryptionMethod, an empty KeyInfo (so the key manager wraps a fresh DEK
// on encrypt), and an empty CipherValue sink.
func binaryTemplate(algorithm string) *etree.Element {
	return typedTemplate(algorithm, TypeElement)
}

func typedTemplate(algorithm, typ string) *etree.Element {
	doc := etree.NewDocument()
	ed := doc.CreateElement("EncryptedData")
	ed.CreateAttr("Type", typ)
	em := ed.CreateElement("EncryptionMethod")
	em.CreateAttr("Algorithm", algorithm)
	ki := ed.CreateElement("KeyInfo")
	ki.Space = "ds"
	cd := ed.CreateElement("CipherData")
	cd.CreateElement("CipherValue")
	return ed
}

func TestBinaryEncryptDecryptRoundTrip(t *testing.T) {
	mgr := staticManager(t)
	plaintext := []byte("Hello, World!")

	encTemplate := binaryTemplate(transform.AES128CBCID)
	encFactory := newFactory(t, mgr)
	encCtx := encFactory.NewContext(ModeEncryptedData, true)
	if err := encCtx.BinaryEncrypt(context.Background(), encTemplate, plaintext); err != nil {
		t.Fatalf("BinaryEncrypt failed: %v", err)
	}
	if err := encCtx.Finalize(); err != nil {
		t.Fatalf("Finalize (encrypt) failed: %v", err)
	}

	cv := encTemplate.FindElement("CipherData/CipherValue")
	if cv == nil || cv.Text() == "" {
		t.Fatal("expected CipherValue to carry base64 ciphertext")
	}
	ek := encTemplate.FindElement("KeyInfo/EncryptedKey")
	if ek == nil {
		t.Fatal("expected KeyInfo to carry a generated/wrapped EncryptedKey")
	}

	decFactory := newFactory(t, mgr)
	decCtx := decFactory.NewContext(ModeEncryptedData, false)
	result, err := decCtx.DecryptToBuffer(context.Background(), encTemplate)
	if err != nil {
		t.Fatalf("DecryptToBuffer failed: %v", err)
	}
	if err := decCtx.Finalize(); err != nil {
		t.Fatalf("Finalize (decrypt) failed: %v", err)
	}
	if string(result) != string(plaintext) {
		t.Fatalf("decrypted %q, want %q", result, plaintext)
	}
}

func TestXmlEncryptDecryptElementRoundTrip(t *testing.T) {
	mgr := staticManager(t)

	doc := etree.NewDocument()
	root := doc.CreateElement("Document")
	secret := root.CreateElement("Secret")
	secret.CreateAttr("id", "s1")
	secret.SetText("classified payload")

	template := typedTemplate(transform.AES256CBCID, TypeElement)

	encFactory := newFactory(t, mgr)
	encCtx := encFactory.NewContext(ModeEncryptedData, true)
	if err := encCtx.XmlEncrypt(context.Background(), template, secret); err != nil {
		t.Fatalf("XmlEncrypt failed: %v", err)
	}
	if !encCtx.Replaced() {
		t.Fatal("expected Replaced() true after XmlEncrypt")
	}
	if err := encCtx.Finalize(); err != nil {
		t.Fatalf("Finalize (encrypt) failed: %v", err)
	}

	if root.FindElement("Secret") != nil {
		t.Fatal("expected Secret element to be spliced out of the host document")
	}
	spliced := root.FindElement("EncryptedData")
	if spliced == nil {
		t.Fatal("expected EncryptedData to be spliced into the host document")
	}

	decFactory := newFactory(t, mgr)
	decCtx := decFactory.NewContext(ModeEncryptedData, false)
	if err := decCtx.Decrypt(context.Background(), spliced); err != nil {
		t.Fatalf("Decrypt failed: %v", err)
	}
	if err := decCtx.Finalize(); err != nil {
		t.Fatalf("Finalize (decrypt) failed: %v", err)
	}

	recovered := root.FindElement("Secret")
	if recovered == nil {
		t.Fatal("expected Secret element to be spliced back into the host document")
	}
	if recovered.Text() != "classified payload" {
		t.Fatalf("recovered text = %q, want %q", recovered.Text(), "classified payload")
	}
	if recovered.SelectAttrValue("id", "") != "s1" {
		t.Fatalf("recovered attribute lost: %+v", recovered.Attr)
	}
}

func TestXmlEncryptContentRoundTrip(t *testing.T) {
	mgr := staticManager(t)

	doc := etree.NewDocument()
	root := doc.CreateElement("Document")
	body := root.CreateElement("Body")
	body.CreateElement("Line").SetText("one")
	body.CreateElement("Line").SetText("two")

	template := typedTemplate(transform.AES128CBCID, TypeContent)

	encFactory := newFactory(t, mgr)
	encCtx := encFactory.NewContext(ModeEncryptedData, true)
	if err := encCtx.XmlEncrypt(context.Background(), template, body); err != nil {
		t.Fatalf("XmlEncrypt (content) failed: %v", err)
	}

	if len(body.ChildElements()) != 1 || body.ChildElements()[0].Tag != "EncryptedData" {
		t.Fatalf("expected Body's children replaced with a single EncryptedData, got %+v", body.ChildElements())
	}

	decFactory := newFactory(t, mgr)
	decCtx := decFactory.NewContext(ModeEncryptedData, false)
	if err := decCtx.Decrypt(context.Background(), body.ChildElements()[0]); err != nil {
		t.Fatalf("Decrypt (content) failed: %v", err)
	}

	lines := body.ChildElements()
	if len(lines) != 2 || lines[0].Text() != "one" || lines[1].Text() != "two" {
		t.Fatalf("recovered children = %+v, want [one two]", lines)
	}
}

func TestDecryptMissingKeyFails(t *testing.T) {
	mgr1 := staticManager(t)
	mgr2 := staticManager(t)

	plaintext := []byte("need the right key manager")
	template := binaryTemplate(transform.AES128CBCID)

	encFactory := newFactory(t, mgr1)
	encCtx := encFactory.NewContext(ModeEncryptedData, true)
	if err := encCtx.BinaryEncrypt(context.Background(), template, plaintext); err != nil {
		t.Fatalf("BinaryEncrypt failed: %v", err)
	}

	decFactory := newFactory(t, mgr2)
	decCtx := decFactory.NewContext(ModeEncryptedData, false)
	_, err := decCtx.DecryptToBuffer(context.Background(), template)
	if err == nil {
		t.Fatal("expected decrypt under a different key manager to fail")
	}
}

func TestEncDataNodeReadMalformedTemplateMissingCipherData(t *testing.T) {
	mgr := staticManager(t)
	doc := etree.NewDocument()
	ed := doc.CreateElement("EncryptedData")
	em := ed.CreateElement("EncryptionMethod")
	em.CreateAttr("Algorithm", transform.AES128CBCID)

	f := newFactory(t, mgr)
	c := f.NewContext(ModeEncryptedData, true)
	err := c.BinaryEncrypt(context.Background(), ed, []byte("x"))
	if err == nil {
		t.Fatal("expected error for a template missing CipherData")
	}
	xe, ok := err.(*xerr.Error)
	if !ok {
		t.Fatalf("expected *xerr.Error, got %T: %v", err, err)
	}
	if xe.Kind != xerr.InvalidNode {
		t.Fatalf("Kind = %v, want %v", xe.Kind, xerr.InvalidNode)
	}
}

func TestEncDataNodeReadOutOfOrderChildrenFails(t *testing.T) {
	mgr := staticManager(t)
	doc := etree.NewDocument()
	ed := doc.CreateElement("EncryptedData")
	ki := ed.CreateElement("KeyInfo")
	ki.Space = "ds"
	em := ed.CreateElement("EncryptionMethod")
	em.CreateAttr("Algorithm", transform.AES128CBCID)
	cd := ed.CreateElement("CipherData")
	cd.CreateElement("CipherValue")

	f := newFactory(t, mgr)
	c := f.NewContext(ModeEncryptedData, true)
	err := c.BinaryEncrypt(context.Background(), ed, []byte("x"))
	if err == nil {
		t.Fatal("expected error for EncryptionMethod appearing after KeyInfo")
	}
	xe, ok := err.(*xerr.Error)
	if !ok || xe.Kind != xerr.UnexpectedNode {
		t.Fatalf("expected UnexpectedNode, got %v", err)
	}
}

func TestSingleUseContextRejectsSecondOperation(t *testing.T) {
	mgr := staticManager(t)
	template := binaryTemplate(transform.AES128CBCID)

	f := newFactory(t, mgr)
	c := f.NewContext(ModeEncryptedData, true)
	if err := c.BinaryEncrypt(context.Background(), template, []byte("once")); err != nil {
		t.Fatalf("first BinaryEncrypt failed: %v", err)
	}

	err := c.BinaryEncrypt(context.Background(), binaryTemplate(transform.AES128CBCID), []byte("twice"))
	if err == nil {
		t.Fatal("expected second operation on the same Context to fail")
	}
	xe, ok := err.(*xerr.Error)
	if !ok || xe.Kind != xerr.InvalidStatus {
		t.Fatalf("expected InvalidStatus, got %v", err)
	}
}

func TestBinaryEncryptAutoInsertsBase64ForCipherValue(t *testing.T) {
	mgr := staticManager(t)
	template := binaryTemplate(transform.AES128CBCID)

	f := newFactory(t, mgr)
	c := f.NewContext(ModeEncryptedData, true)
	if err := c.BinaryEncrypt(context.Background(), template, []byte("payload")); err != nil {
		t.Fatalf("BinaryEncrypt failed: %v", err)
	}
	if !c.resultBase64Encoded {
		t.Fatal("expected resultBase64Encoded to be set for a CipherValue sink")
	}
	cv := template.FindElement("CipherData/CipherValue")
	if _, err := base64DecodeForTest(cv.Text()); err != nil {
		t.Fatalf("CipherValue text is not valid base64: %v", err)
	}
}

func base64DecodeForTest(s string) ([]byte, error) {
	const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789+/="
	for _, r := range s {
		if r == '\n' || r == '\r' {
			continue
		}
		found := false
		for _, a := range alphabet {
			if r == a {
				found = true
				break
			}
		}
		if !found {
			return nil, xerr.New(xerr.InvalidData, "CipherValue", "non-base64 character")
		}
	}
	return []byte(s), nil
}

func TestKeyMismatchRejected(t *testing.T) {
	mgr := staticManager(t)
	template := binaryTemplate(transform.AES128CBCID)

	f := newFactory(t, mgr)
	c := f.NewContext(ModeEncryptedData, true)
	c.SetKey(&transform.Key{Name: "wrong-size", Algorithm: "aes-128-cbc", Bits: 256, Raw: make([]byte, 32)})

	err := c.BinaryEncrypt(context.Background(), template, []byte("payload"))
	if err == nil {
		t.Fatal("expected a preset key of the wrong size to be rejected")
	}
	xe, ok := err.(*xerr.Error)
	if !ok || xe.Kind != xerr.KeyNotFound {
		t.Fatalf("expected KeyNotFound, got %v", err)
	}
}

func TestSetEncMethodSkipsFinalizeForOwnedTransform(t *testing.T) {
	mgr := staticManager(t)
	reg := transform.DefaultRegistry()
	klass, ok := reg.Lookup(transform.AES128CBCID)
	if !ok {
		t.Fatal("AES-128-CBC klass not registered")
	}
	shared := transform.New(klass, nil)
	if err := shared.Initialize(); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if err := shared.SetKey(&transform.Key{Algorithm: "aes-128-cbc", Bits: 128, Raw: make([]byte, 16)}); err != nil {
		t.Fatalf("SetKey failed: %v", err)
	}

	template := binaryTemplate(transform.AES128CBCID)
	template.RemoveChild(template.FindElement("KeyInfo"))

	f := newFactory(t, mgr)
	c := f.NewContext(ModeEncryptedData, true)
	c.SetEncMethod(shared)
	c.SetKey(&transform.Key{Algorithm: "aes-128-cbc", Bits: 128, Raw: make([]byte, 16)})
	if err := c.BinaryEncrypt(context.Background(), template, []byte("reused cipher instance")); err != nil {
		t.Fatalf("BinaryEncrypt with preset encMethod failed: %v", err)
	}
	if err := c.Finalize(); err != nil {
		t.Fatalf("Finalize should not fail or tear down the caller-owned transform: %v", err)
	}

	if err := shared.Finalize(); err != nil {
		t.Fatalf("caller should still own and be able to finalize shared: %v", err)
	}
}
