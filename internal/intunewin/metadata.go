package intunewin

import (
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// EncryptionInfo carries the base64 fields of the metadata document exactly
// as they appear in the package. They are forwarded verbatim when the remote
// file record is committed, so the raw strings are kept alongside the
// decoded forms in Metadata.
type EncryptionInfo struct {
	EncryptionKey        string `xml:"EncryptionKey"`
	MacKey               string `xml:"MacKey"`
	InitializationVector string `xml:"InitializationVector"`
	Mac                  string `xml:"Mac"`
	ProfileIdentifier    string `xml:"ProfileIdentifier"`
	FileDigest           string `xml:"FileDigest"`
	FileDigestAlgorithm  string `xml:"FileDigestAlgorithm"`
}

// Metadata is the parsed metadata document of a package. Immutable after
// parsing.
type Metadata struct {
	FileName        string
	UnencryptedSize int64
	Encryption      EncryptionInfo

	// decoded key material
	Key    []byte
	IV     []byte
	MACKey []byte
	MAC    []byte // declared MAC; empty when the document omits it
	Digest []byte
}

// detectionDoc matches the metadata XML. The root element name is not
// matched so tool-version differences in the producer don't break parsing.
type detectionDoc struct {
	FileName               string          `xml:"FileName"`
	UnencryptedContentSize string          `xml:"UnencryptedContentSize"`
	EncryptionInfo         *EncryptionInfo `xml:"EncryptionInfo"`
}

// ParseMetadata decodes and validates a metadata document. Every field
// except the declared MAC is mandatory; the digest algorithm defaults to
// SHA256 when absent.
func ParseMetadata(r io.Reader) (Metadata, error) {
	var meta Metadata

	var doc detectionDoc
	if err := xml.NewDecoder(r).Decode(&doc); err != nil {
		return meta, &FormatError{Reason: fmt.Sprintf("metadata document: %v", err)}
	}

	if doc.FileName == "" {
		return meta, &FormatError{Reason: "metadata missing FileName"}
	}
	if strings.TrimSpace(doc.UnencryptedContentSize) == "" {
		return meta, &FormatError{Reason: "metadata missing UnencryptedContentSize"}
	}
	size, err := strconv.ParseInt(strings.TrimSpace(doc.UnencryptedContentSize), 10, 64)
	if err != nil {
		return meta, &FormatError{Reason: fmt.Sprintf("UnencryptedContentSize %q is not an integer", doc.UnencryptedContentSize)}
	}
	if size < 0 {
		return meta, &FormatError{Reason: fmt.Sprintf("UnencryptedContentSize %d is negative", size)}
	}
	if doc.EncryptionInfo == nil {
		return meta, &FormatError{Reason: "metadata missing EncryptionInfo"}
	}

	enc := *doc.EncryptionInfo
	if enc.FileDigestAlgorithm == "" {
		enc.FileDigestAlgorithm = "SHA256"
	}

	meta = Metadata{
		FileName:        doc.FileName,
		UnencryptedSize: size,
		Encryption:      enc,
	}

	for _, f := range []struct {
		name     string
		value    string
		dst      *[]byte
		required bool
	}{
		{"EncryptionKey", enc.EncryptionKey, &meta.Key, true},
		{"InitializationVector", enc.InitializationVector, &meta.IV, true},
		{"MacKey", enc.MacKey, &meta.MACKey, true},
		{"Mac", enc.Mac, &meta.MAC, false},
		{"FileDigest", enc.FileDigest, &meta.Digest, true},
	} {
		if f.value == "" {
			if f.required {
				return Metadata{}, &FormatError{Reason: "metadata missing " + f.name}
			}
			continue
		}
		b, err := base64.StdEncoding.DecodeString(f.value)
		if err != nil {
			return Metadata{}, &FormatError{Reason: fmt.Sprintf("%s is not valid base64: %v", f.name, err)}
		}
		*f.dst = b
	}

	return meta, nil
}
