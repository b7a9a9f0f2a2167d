// Package intunewin reads encrypted Win32 installer packages: a zip archive
// holding a metadata document with key material and one encrypted payload
// entry. The package is decrypted locally only to verify integrity; the
// payload is uploaded still encrypted.
package intunewin

import (
	"archive/zip"
	"io"
	"strings"

	"github.com/fleetpack/fleetpack/internal/xerrors"
)

const (
	metadataEntry = "IntuneWinPackage/Metadata/Detection.xml"
	contentPrefix = "IntuneWinPackage/Contents/"
)

// Package is an opened installer package. Close releases the underlying
// archive; payload readers obtained before Close become invalid.
type Package struct {
	Meta Metadata

	zr      *zip.ReadCloser
	payload *zip.File
}

// Open reads the archive at path, parses its metadata document, and locates
// the encrypted payload entry. The payload is found by the declared file
// name, falling back to the largest non-directory entry under the content
// directory when the declared name matches nothing.
func Open(path string) (*Package, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, &FormatError{Reason: "not a zip archive: " + err.Error()}
	}

	p := &Package{zr: zr}
	if err := p.init(); err != nil {
		zr.Close()
		return nil, err
	}
	return p, nil
}

func (p *Package) init() error {
	var metaFile *zip.File
	for _, f := range p.zr.File {
		if f.Name == metadataEntry {
			metaFile = f
			break
		}
	}
	if metaFile == nil {
		return &FormatError{Reason: "missing " + metadataEntry}
	}

	rc, err := metaFile.Open()
	if err != nil {
		return &FormatError{Reason: "open metadata entry: " + err.Error()}
	}
	meta, perr := ParseMetadata(rc)
	rc.Close()
	if perr != nil {
		return perr
	}
	p.Meta = meta

	p.payload = p.findPayload(meta.FileName)
	if p.payload == nil {
		return &PayloadNotFoundError{FileName: meta.FileName}
	}
	return nil
}

// findPayload prefers the declared name under the content directory, then
// the largest non-directory content entry.
func (p *Package) findPayload(fileName string) *zip.File {
	want := contentPrefix + fileName
	var largest *zip.File
	for _, f := range p.zr.File {
		if f.Name == want {
			return f
		}
		if !strings.HasPrefix(f.Name, contentPrefix) || isDir(f) {
			continue
		}
		if largest == nil || f.UncompressedSize64 > largest.UncompressedSize64 {
			largest = f
		}
	}
	return largest
}

func isDir(f *zip.File) bool {
	return strings.HasSuffix(f.Name, "/") || f.FileInfo().IsDir()
}

// PayloadName returns the archive entry name of the located payload.
func (p *Package) PayloadName() string {
	return p.payload.Name
}

// PayloadSize returns the byte size of the encrypted payload, staging
// header included. This is the size registered remotely and uploaded.
func (p *Package) PayloadSize() int64 {
	return int64(p.payload.UncompressedSize64)
}

// OpenPayload returns a fresh reader over the encrypted payload. Callers
// may open it more than once: the verify pass and the upload pass each take
// their own.
func (p *Package) OpenPayload() (io.ReadCloser, error) {
	rc, err := p.payload.Open()
	if err != nil {
		return nil, xerrors.Wrapf(err, "open payload entry %q", p.payload.Name)
	}
	return rc, nil
}

func (p *Package) Close() error {
	return p.zr.Close()
}
