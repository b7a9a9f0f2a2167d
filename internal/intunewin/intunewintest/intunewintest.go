// Package intunewintest builds encrypted installer packages for tests: the
// zip layout, metadata document, staging header, and AES-CBC payload of the
// real packaging tool, with optional corruption knobs.
package intunewintest

import (
	"archive/zip"
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"os"
	"testing"
)

// Fixture describes one package to build. The zero value produces a small
// valid package.
type Fixture struct {
	FileName  string // declared payload name; defaults to "app.intunewin"
	Plaintext []byte

	BadMAC      bool   // declare a MAC that does not match the stream
	BadDigest   bool   // declare a digest that does not match the plaintext
	EntryName   string // payload entry name when it must differ from FileName
	OmitPayload bool   // write metadata only, no content entries

	Decoys [][]byte // extra content entries, for fallback-by-size cases
}

// Write builds the package at path and returns the encrypted payload bytes,
// staging header included, for byte-identity assertions against uploads.
func Write(tb testing.TB, path string, f Fixture) []byte {
	tb.Helper()

	if f.FileName == "" {
		f.FileName = "app.intunewin"
	}
	key := randBytes(tb, 32)
	iv := randBytes(tb, aes.BlockSize)
	macKey := randBytes(tb, 32)

	payload, mac := EncryptPayload(tb, f.Plaintext, key, iv, macKey)
	digest := sha256.Sum256(f.Plaintext)

	declMAC := mac
	declDigest := digest[:]
	if f.BadMAC {
		declMAC = randBytes(tb, 32)
	}
	if f.BadDigest {
		declDigest = randBytes(tb, 32)
	}

	b64 := base64.StdEncoding.EncodeToString
	doc := fmt.Sprintf(`<ApplicationInfo ToolVersion="1.8.4.0">`+
		`<Name>%s</Name>`+
		`<UnencryptedContentSize>%d</UnencryptedContentSize>`+
		`<FileName>%s</FileName>`+
		`<SetupFile>setup.exe</SetupFile>`+
		`<EncryptionInfo>`+
		`<EncryptionKey>%s</EncryptionKey>`+
		`<MacKey>%s</MacKey>`+
		`<InitializationVector>%s</InitializationVector>`+
		`<Mac>%s</Mac>`+
		`<ProfileIdentifier>ProfileVersion1</ProfileIdentifier>`+
		`<FileDigest>%s</FileDigest>`+
		`<FileDigestAlgorithm>SHA256</FileDigestAlgorithm>`+
		`</EncryptionInfo>`+
		`</ApplicationInfo>`,
		f.FileName, len(f.Plaintext), f.FileName,
		b64(key), b64(macKey), b64(iv), b64(declMAC), b64(declDigest))

	entry := f.EntryName
	if entry == "" {
		entry = f.FileName
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	writeEntry(tb, zw, "IntuneWinPackage/Metadata/Detection.xml", []byte(doc))
	if !f.OmitPayload {
		writeEntry(tb, zw, "IntuneWinPackage/Contents/"+entry, payload)
		for i, d := range f.Decoys {
			writeEntry(tb, zw, fmt.Sprintf("IntuneWinPackage/Contents/decoy-%d.bin", i), d)
		}
	}
	if err := zw.Close(); err != nil {
		tb.Fatalf("close zip: %v", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		tb.Fatalf("write fixture: %v", err)
	}
	return payload
}

// EncryptPayload produces an encrypted payload the way the packaging tool
// does: 32-byte HMAC over (IV || ciphertext), the 16-byte IV, then the
// AES-CBC ciphertext of the PKCS#7-padded plaintext.
func EncryptPayload(tb testing.TB, plaintext, key, iv, macKey []byte) (payload, mac []byte) {
	tb.Helper()

	block, err := aes.NewCipher(key)
	if err != nil {
		tb.Fatalf("cipher: %v", err)
	}
	padded := pkcs7Pad(plaintext)
	ct := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ct, padded)

	h := hmac.New(sha256.New, macKey)
	h.Write(iv)
	h.Write(ct)
	mac = h.Sum(nil)

	payload = make([]byte, 0, len(mac)+len(iv)+len(ct))
	payload = append(payload, mac...)
	payload = append(payload, iv...)
	payload = append(payload, ct...)
	return payload, mac
}

func pkcs7Pad(b []byte) []byte {
	pad := aes.BlockSize - len(b)%aes.BlockSize
	out := make([]byte, len(b)+pad)
	copy(out, b)
	for i := len(b); i < len(out); i++ {
		out[i] = byte(pad)
	}
	return out
}

func writeEntry(tb testing.TB, zw *zip.Writer, name string, data []byte) {
	tb.Helper()
	w, err := zw.Create(name)
	if err != nil {
		tb.Fatalf("create %s: %v", name, err)
	}
	if _, err := w.Write(data); err != nil {
		tb.Fatalf("write %s: %v", name, err)
	}
}

func randBytes(tb testing.TB, n int) []byte {
	tb.Helper()
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		tb.Fatalf("rand: %v", err)
	}
	return b
}
