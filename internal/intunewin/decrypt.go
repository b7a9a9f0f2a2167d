package intunewin

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/fleetpack/fleetpack/internal/xerrors"
)

const (
	// HeaderSize is the staging header prefixed to the ciphertext: a 32-byte
	// HMAC over the rest of the payload followed by a 16-byte IV copy.
	HeaderSize = 48

	// macSkip is where MAC coverage begins: the embedded IV and ciphertext
	// are authenticated, the leading HMAC field is not.
	macSkip = 32

	// DefaultWindow is the streaming window for decrypt and upload passes.
	DefaultWindow = 4 << 20
)

// Result reports what one decrypt-and-verify pass observed.
type Result struct {
	Bytes       int64  // decrypted plaintext bytes, padding stripped
	Digest      []byte // computed over the plaintext
	MAC         []byte // computed over the encrypted stream, diagnostics only
	MACVerified bool   // computed MAC matched the declared one
}

// DecryptVerify streams the encrypted payload through AES-CBC in windows of
// the given size (DefaultWindow when <= 0), writing plaintext to dst. The
// plaintext digest and the ciphertext MAC are computed in the same pass.
//
// A digest mismatch returns IntegrityError: the content is untrustworthy
// and must not be uploaded. A MAC mismatch is reported via Result.MACVerified
// only; the declared MAC is what gets forwarded remotely either way.
func DecryptVerify(dst io.Writer, src io.Reader, meta Metadata, window int) (Result, error) {
	var res Result

	if window <= 0 {
		window = DefaultWindow
	}
	if window%aes.BlockSize != 0 {
		return res, xerrors.Newf("window %d is not a multiple of the cipher block size", window)
	}
	if meta.Encryption.FileDigestAlgorithm != "SHA256" {
		return res, &FormatError{Reason: fmt.Sprintf("unsupported digest algorithm %q", meta.Encryption.FileDigestAlgorithm)}
	}
	if len(meta.IV) != aes.BlockSize {
		return res, &FormatError{Reason: fmt.Sprintf("initialization vector is %d bytes, want %d", len(meta.IV), aes.BlockSize)}
	}
	block, err := aes.NewCipher(meta.Key)
	if err != nil {
		return res, &FormatError{Reason: fmt.Sprintf("encryption key rejected: %v", err)}
	}

	var header [HeaderSize]byte
	if _, err := io.ReadFull(src, header[:]); err != nil {
		return res, &FormatError{Reason: "payload shorter than staging header"}
	}

	cbc := cipher.NewCBCDecrypter(block, meta.IV)
	digest := sha256.New()
	mac := hmac.New(sha256.New, meta.MACKey)
	mac.Write(header[macSkip:])

	emit := func(b []byte) error {
		if len(b) == 0 {
			return nil
		}
		digest.Write(b)
		if _, werr := dst.Write(b); werr != nil {
			return xerrors.Wrap(werr, "write plaintext")
		}
		res.Bytes += int64(len(b))
		return nil
	}

	// The final ciphertext block carries padding, but the stream end isn't
	// known until a read comes up short. Hold the most recent decrypted
	// block back and only flush it once another block follows; whatever is
	// still held at EOF is the padded tail.
	buf := make([]byte, window)
	var held []byte
	heldBuf := make([]byte, aes.BlockSize)

	for {
		n, rerr := io.ReadFull(src, buf)
		if rerr == io.EOF {
			break
		}
		if rerr != nil && rerr != io.ErrUnexpectedEOF {
			return res, xerrors.Wrap(rerr, "read ciphertext")
		}
		if n%aes.BlockSize != 0 {
			return res, &FormatError{Reason: fmt.Sprintf("ciphertext length not a multiple of %d", aes.BlockSize)}
		}

		chunk := buf[:n]
		mac.Write(chunk)
		cbc.CryptBlocks(chunk, chunk)

		if held != nil {
			if err := emit(held); err != nil {
				return res, err
			}
		}
		if err := emit(chunk[:n-aes.BlockSize]); err != nil {
			return res, err
		}
		copy(heldBuf, chunk[n-aes.BlockSize:])
		held = heldBuf

		if rerr == io.ErrUnexpectedEOF {
			break
		}
	}

	if held != nil {
		tail, perr := pkcs7Strip(held)
		if perr != nil {
			return res, perr
		}
		if err := emit(tail); err != nil {
			return res, err
		}
	}

	res.Digest = digest.Sum(nil)
	res.MAC = mac.Sum(nil)
	res.MACVerified = len(meta.MAC) > 0 && hmac.Equal(res.MAC, meta.MAC)

	if !hmac.Equal(res.Digest, meta.Digest) {
		return res, &IntegrityError{Declared: meta.Digest, Computed: res.Digest}
	}
	return res, nil
}

func pkcs7Strip(b []byte) ([]byte, error) {
	if len(b) == 0 || len(b)%aes.BlockSize != 0 {
		return nil, &FormatError{Reason: "padded block has wrong length"}
	}
	pad := int(b[len(b)-1])
	if pad == 0 || pad > aes.BlockSize {
		return nil, &FormatError{Reason: fmt.Sprintf("invalid padding byte %d", pad)}
	}
	for _, c := range b[len(b)-pad:] {
		if int(c) != pad {
			return nil, &FormatError{Reason: "inconsistent padding bytes"}
		}
	}
	return b[:len(b)-pad], nil
}
