package intunewin

import (
	"encoding/base64"
	"fmt"
)

// FormatError reports a malformed package: missing or unparseable metadata,
// bad key material, or a ciphertext that does not line up with the cipher.
type FormatError struct {
	Reason string
}

func (e *FormatError) Error() string {
	return "package format: " + e.Reason
}

// PayloadNotFoundError reports that no encrypted payload entry could be
// located, neither by declared file name nor by content-directory fallback.
type PayloadNotFoundError struct {
	FileName string
}

func (e *PayloadNotFoundError) Error() string {
	if e.FileName == "" {
		return "no payload entry in package content directory"
	}
	return fmt.Sprintf("payload entry %q not found in package", e.FileName)
}

// IntegrityError reports a content digest mismatch after decryption. The
// decrypted bytes cannot be trusted and nothing may be uploaded.
type IntegrityError struct {
	Declared []byte
	Computed []byte
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("content digest mismatch: declared %s, computed %s",
		base64.StdEncoding.EncodeToString(e.Declared),
		base64.StdEncoding.EncodeToString(e.Computed))
}
