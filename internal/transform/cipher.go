package transform

import (
	"crypto/aes"
	gocipher "crypto/cipher"
	"crypto/des"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"errors"
	"io"
)

// Algorithm URIs for the built-in cipher family, matching the XML
// Encryption REC's EncryptionMethod Algorithm attribute values.
const (
	AES128CBCID  = "http://www.w3.org/2001/04/xmlenc#aes128-cbc"
	AES192CBCID  = "http://www.w3.org/2001/04/xmlenc#aes192-cbc"
	AES256CBCID  = "http://www.w3.org/2001/04/xmlenc#aes256-cbc"
	AES128GCMID  = "http://www.w3.org/2009/xmlenc11#aes128-gcm"
	AES256GCMID  = "http://www.w3.org/2009/xmlenc11#aes256-gcm"
	TripleDESID  = "http://www.w3.org/2001/04/xmlenc#tripledes-cbc"
	AESKW128ID   = "http://www.w3.org/2001/04/xmlenc#kw-aes128"
	AESKW256ID   = "http://www.w3.org/2001/04/xmlenc#kw-aes256"
	RSA15ID      = "http://www.w3.org/2001/04/xmlenc#rsa-1_5"
	RSAOAEPID    = "http://www.w3.org/2001/04/xmlenc#rsa-oaep-mgf1p"
)

func init() {
	for _, desc := range []struct {
		id      string
		bits    int
		mode    blockMode
		keyAlgo string
	}{
		{AES128CBCID, 128, modeCBC, "aes-128-cbc"},
		{AES192CBCID, 192, modeCBC, "aes-192-cbc"},
		{AES256CBCID, 256, modeCBC, "aes-256-cbc"},
		{AES128GCMID, 128, modeGCM, "aes-128-gcm"},
		{AES256GCMID, 256, modeGCM, "aes-256-gcm"},
		{TripleDESID, 192, modeDES3CBC, "tripledes-cbc"},
	} {
		d := desc
		DefaultRegistry().Register(&Klass{
			ID:       d.id,
			Name:     d.keyAlgo,
			DataType: DataTypeBinary,
			Usage:    UsageEncryptionMethod,
			New: func() Instance {
				return &blockCipherTransform{mode: d.mode, keyBits: d.bits, keyAlgo: d.keyAlgo}
			},
		})
	}
	DefaultRegistry().Register(&Klass{
		ID:       AESKW128ID,
		Name:     "aes-128-kw",
		DataType: DataTypeBinary,
		Usage:    UsageKeyTransport,
		New:      func() Instance { return &keyWrapTransform{keyBits: 128, keyAlgo: "aes-128-kw"} },
	})
	DefaultRegistry().Register(&Klass{
		ID:       AESKW256ID,
		Name:     "aes-256-kw",
		DataType: DataTypeBinary,
		Usage:    UsageKeyTransport,
		New:      func() Instance { return &keyWrapTransform{keyBits: 256, keyAlgo: "aes-256-kw"} },
	})
	DefaultRegistry().Register(&Klass{
		ID:       RSA15ID,
		Name:     "rsa-1_5",
		DataType: DataTypeBinary,
		Usage:    UsageKeyTransport,
		New:      func() Instance { return &rsaTransport{oaep: false} },
	})
	DefaultRegistry().Register(&Klass{
		ID:       RSAOAEPID,
		Name:     "rsa-oaep-mgf1p",
		DataType: DataTypeBinary,
		Usage:    UsageKeyTransport,
		New:      func() Instance { return &rsaTransport{oaep: true} },
	})
}

type blockMode int

const (
	modeCBC blockMode = iota
	modeGCM
	modeDES3CBC
)

// blockCipherTransform implements the AES-CBC/AES-GCM/3DES-CBC family.
// Like the XSLT stage it is single-shot: CBC/GCM need the whole ciphertext
// (to validate padding or the GCM tag) before producing plaintext, so it
// gates real work on last=true exactly like decrypt_reader.go's
// accumulate-then-emit model, generalized to cover encryption too.
type blockCipherTransform struct {
	mode    blockMode
	keyBits int
	keyAlgo string

	encode bool
	key    *Key
}

func (c *blockCipherTransform) SetEncode(encode bool) { c.encode = encode }

func (c *blockCipherTransform) KeyRequirement() (KeyRequirement, error) {
	return KeyRequirement{Algorithm: c.keyAlgo, KeyBits: c.keyBits}, nil
}

func (c *blockCipherTransform) SetKey(k *Key) error {
	if !(KeyRequirement{Algorithm: c.keyAlgo, KeyBits: c.keyBits}).Matches(k) {
		return errors.New("key does not match algorithm/size requirement")
	}
	c.key = k
	return nil
}

func (c *blockCipherTransform) Execute(t *Transform, last bool) error {
	if !last {
		return nil
	}
	if c.key == nil {
		return errors.New("no key installed")
	}
	in := t.InBuf.Data()
	var out []byte
	var err error
	switch c.mode {
	case modeCBC:
		out, err = c.executeCBC(in)
	case modeGCM:
		out, err = c.executeGCM(in)
	case modeDES3CBC:
		out, err = c.executeDES3CBC(in)
	}
	if err != nil {
		return err
	}
	t.OutBuf.Append(out)
	t.InBuf.RemoveHead(len(in))
	return nil
}

func (c *blockCipherTransform) newAESBlock() (gocipher.Block, error) {
	return aes.NewCipher(c.key.Raw)
}

func (c *blockCipherTransform) executeCBC(in []byte) ([]byte, error) {
	block, err := c.newAESBlock()
	if err != nil {
		return nil, err
	}
	blockSize := block.BlockSize()
	if c.encode {
		iv := make([]byte, blockSize)
		if _, err := io.ReadFull(rand.Reader, iv); err != nil {
			return nil, err
		}
		padded := pkcs7Pad(in, blockSize)
		ciphertext := make([]byte, len(padded))
		gocipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)
		return append(iv, ciphertext...), nil
	}
	if len(in) < blockSize || (len(in)-blockSize)%blockSize != 0 {
		return nil, errors.New("ciphertext is not a whole number of blocks after the IV")
	}
	iv := in[:blockSize]
	ciphertext := in[blockSize:]
	plainPadded := make([]byte, len(ciphertext))
	gocipher.NewCBCDecrypter(block, iv).CryptBlocks(plainPadded, ciphertext)
	return pkcs7Unpad(plainPadded, blockSize)
}

func (c *blockCipherTransform) executeGCM(in []byte) ([]byte, error) {
	block, err := c.newAESBlock()
	if err != nil {
		return nil, err
	}
	gcm, err := gocipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonceSize := gcm.NonceSize()
	if c.encode {
		nonce := make([]byte, nonceSize)
		if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
			return nil, err
		}
		return gcm.Seal(nonce, nonce, in, nil), nil
	}
	if len(in) < nonceSize {
		return nil, errors.New("ciphertext shorter than GCM nonce")
	}
	nonce, ciphertext := in[:nonceSize], in[nonceSize:]
	return gcm.Open(nil, nonce, ciphertext, nil)
}

func (c *blockCipherTransform) executeDES3CBC(in []byte) ([]byte, error) {
	block, err := des.NewTripleDESCipher(c.key.Raw)
	if err != nil {
		return nil, err
	}
	blockSize := block.BlockSize()
	if c.encode {
		iv := make([]byte, blockSize)
		if _, err := io.ReadFull(rand.Reader, iv); err != nil {
			return nil, err
		}
		padded := pkcs7Pad(in, blockSize)
		ciphertext := make([]byte, len(padded))
		gocipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)
		return append(iv, ciphertext...), nil
	}
	if len(in) < blockSize || (len(in)-blockSize)%blockSize != 0 {
		return nil, errors.New("ciphertext is not a whole number of blocks after the IV")
	}
	iv := in[:blockSize]
	ciphertext := in[blockSize:]
	plainPadded := make([]byte, len(ciphertext))
	gocipher.NewCBCDecrypter(block, iv).CryptBlocks(plainPadded, ciphertext)
	return pkcs7Unpad(plainPadded, blockSize)
}

func pkcs7Pad(in []byte, blockSize int) []byte {
	padLen := blockSize - len(in)%blockSize
	padded := make([]byte, len(in)+padLen)
	copy(padded, in)
	for i := len(in); i < len(padded); i++ {
		padded[i] = byte(padLen)
	}
	return padded
}

func pkcs7Unpad(in []byte, blockSize int) ([]byte, error) {
	if len(in) == 0 || len(in)%blockSize != 0 {
		return nil, errors.New("invalid padded length")
	}
	padLen := int(in[len(in)-1])
	if padLen == 0 || padLen > blockSize || padLen > len(in) {
		return nil, errors.New("invalid PKCS#7 padding")
	}
	for _, b := range in[len(in)-padLen:] {
		if int(b) != padLen {
			return nil, errors.New("invalid PKCS#7 padding")
		}
	}
	return in[:len(in)-padLen], nil
}

// keyWrapTransform implements AES Key Wrap (RFC 3394), used to wrap/unwrap a
// symmetric data-encryption key inside an EncryptedKey element.
type keyWrapTransform struct {
	keyBits int
	keyAlgo string
	encode  bool
	key     *Key
}

func (k *keyWrapTransform) SetEncode(encode bool) { k.encode = encode }

func (k *keyWrapTransform) KeyRequirement() (KeyRequirement, error) {
	return KeyRequirement{Algorithm: k.keyAlgo, KeyBits: k.keyBits, ForWrap: true}, nil
}

func (k *keyWrapTransform) SetKey(key *Key) error {
	k.key = key
	return nil
}

func (k *keyWrapTransform) Execute(t *Transform, last bool) error {
	if !last {
		return nil
	}
	if k.key == nil {
		return errors.New("no key-encryption key installed")
	}
	block, err := aes.NewCipher(k.key.Raw)
	if err != nil {
		return err
	}
	in := t.InBuf.Data()
	var out []byte
	if k.encode {
		out, err = aesKeyWrap(block, in)
	} else {
		out, err = aesKeyUnwrap(block, in)
	}
	if err != nil {
		return err
	}
	t.OutBuf.Append(out)
	t.InBuf.RemoveHead(len(in))
	return nil
}

var kwDefaultIV = []byte{0xA6, 0xA6, 0xA6, 0xA6, 0xA6, 0xA6, 0xA6, 0xA6}

// aesKeyWrap implements RFC 3394 key wrap; plaintext must be a multiple of
// 8 bytes (true for 128/192/256-bit key material).
func aesKeyWrap(block gocipher.Block, plaintext []byte) ([]byte, error) {
	if len(plaintext)%8 != 0 || len(plaintext) == 0 {
		return nil, errors.New("key wrap input must be a non-empty multiple of 8 bytes")
	}
	n := len(plaintext) / 8
	r := make([][]byte, n)
	for i := 0; i < n; i++ {
		r[i] = append([]byte(nil), plaintext[i*8:(i+1)*8]...)
	}
	a := append([]byte(nil), kwDefaultIV...)
	buf := make([]byte, 16)
	for j := 0; j <= 5; j++ {
		for i := 0; i < n; i++ {
			copy(buf[:8], a)
			copy(buf[8:], r[i])
			block.Encrypt(buf, buf)
			t := uint64(n*j + i + 1)
			xorUint64(buf[:8], t)
			a = append([]byte(nil), buf[:8]...)
			r[i] = append([]byte(nil), buf[8:]...)
		}
	}
	out := make([]byte, 0, 8+len(plaintext))
	out = append(out, a...)
	for i := 0; i < n; i++ {
		out = append(out, r[i]...)
	}
	return out, nil
}

func aesKeyUnwrap(block gocipher.Block, ciphertext []byte) ([]byte, error) {
	if len(ciphertext)%8 != 0 || len(ciphertext) < 16 {
		return nil, errors.New("key wrap ciphertext must be at least 16 bytes and a multiple of 8")
	}
	n := len(ciphertext)/8 - 1
	a := append([]byte(nil), ciphertext[:8]...)
	r := make([][]byte, n)
	for i := 0; i < n; i++ {
		r[i] = append([]byte(nil), ciphertext[(i+1)*8:(i+2)*8]...)
	}
	buf := make([]byte, 16)
	for j := 5; j >= 0; j-- {
		for i := n - 1; i >= 0; i-- {
			t := uint64(n*j + i + 1)
			copy(buf[:8], a)
			xorUint64(buf[:8], t)
			copy(buf[8:], r[i])
			block.Decrypt(buf, buf)
			a = append([]byte(nil), buf[:8]...)
			r[i] = append([]byte(nil), buf[8:]...)
		}
	}
	for i, b := range kwDefaultIV {
		if a[i] != b {
			return nil, errors.New("key unwrap integrity check failed")
		}
	}
	out := make([]byte, 0, n*8)
	for i := 0; i < n; i++ {
		out = append(out, r[i]...)
	}
	return out, nil
}

func xorUint64(dst []byte, v uint64) {
	for i := 0; i < 8; i++ {
		dst[7-i] ^= byte(v >> (8 * i))
	}
}

// rsaTransport implements RSA-1_5 and RSA-OAEP-MGF1P key transport, used to
// wrap/unwrap a symmetric key inside an EncryptedKey with an asymmetric KEK.
type rsaTransport struct {
	oaep bool

	encode bool
	pub    *rsa.PublicKey
	priv   *rsa.PrivateKey
}

func (r *rsaTransport) SetEncode(encode bool) { r.encode = encode }

func (r *rsaTransport) KeyRequirement() (KeyRequirement, error) {
	algo := "rsa-1_5"
	if r.oaep {
		algo = "rsa-oaep-mgf1p"
	}
	return KeyRequirement{Algorithm: algo, ForWrap: true}, nil
}

// SetRSAKey installs the asymmetric key material; the EncryptionContext
// calls this directly (rather than through the generic KeySetter interface)
// because RSA key transport's key is never raw symmetric bytes.
func (r *rsaTransport) SetRSAKey(pub *rsa.PublicKey, priv *rsa.PrivateKey) {
	r.pub = pub
	r.priv = priv
}

func (r *rsaTransport) Execute(t *Transform, last bool) error {
	if !last {
		return nil
	}
	in := t.InBuf.Data()
	var out []byte
	var err error
	switch {
	case r.encode && r.oaep:
		out, err = rsa.EncryptOAEP(sha1.New(), rand.Reader, r.pub, in, nil)
	case r.encode && !r.oaep:
		out, err = rsa.EncryptPKCS1v15(rand.Reader, r.pub, in)
	case !r.encode && r.oaep:
		out, err = rsa.DecryptOAEP(sha1.New(), rand.Reader, r.priv, in, nil)
	default:
		out, err = rsa.DecryptPKCS1v15(rand.Reader, r.priv, in)
	}
	if err != nil {
		return err
	}
	t.OutBuf.Append(out)
	t.InBuf.RemoveHead(len(in))
	return nil
}
