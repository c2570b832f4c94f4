// Package candidate normalizes the three accepted face-input encodings
// (file path, base64 string, uploaded bytes) into canonical image bytes.
package candidate

import (
	"encoding/base64"
	"fmt"
	"os"

	"github.com/example/face-kyc/internal/imaging"
)

// Source tags which encoding a Candidate was supplied in.
type Source int

const (
	sourceUnset Source = iota
	SourcePath
	SourceBase64
	SourceUpload
)

func (s Source) String() string {
	switch s {
	case SourcePath:
		return "path"
	case SourceBase64:
		return "base64"
	case SourceUpload:
		return "upload"
	}
	return "unknown"
}

// Candidate is a face to be matched against the reference image. Exactly
// one source form is populated; construct via FromPath, FromBase64, or
// FromUpload rather than literal structs.
type Candidate struct {
	source Source
	path   string
	b64    string
	data   []byte
}

// FromPath builds a candidate backed by a file on disk.
func FromPath(path string) Candidate {
	return Candidate{source: SourcePath, path: path}
}

// FromBase64 builds a candidate from a base64-encoded image string.
func FromBase64(encoded string) Candidate {
	return Candidate{source: SourceBase64, b64: encoded}
}

// FromUpload builds a candidate from raw uploaded bytes.
func FromUpload(data []byte) Candidate {
	return Candidate{source: SourceUpload, data: data}
}

// Source reports the encoding this candidate was supplied in.
func (c Candidate) Source() Source { return c.source }

// Normalize resolves the candidate to raw image bytes, validating that the
// payload carries a supported image signature. It has no side effects.
func (c Candidate) Normalize() ([]byte, error) {
	var (
		data []byte
		err  error
	)
	switch c.source {
	case SourcePath:
		data, err = os.ReadFile(c.path)
		if err != nil {
			return nil, &ValidationError{Message: fmt.Sprintf("unreadable face path %q", c.path)}
		}
	case SourceBase64:
		data, err = base64.StdEncoding.DecodeString(c.b64)
		if err != nil {
			return nil, &ValidationError{Message: "malformed base64 face data"}
		}
	case SourceUpload:
		data = c.data
	default:
		return nil, &ValidationError{Message: "candidate has no source"}
	}

	if _, err := imaging.SniffFormat(data); err != nil {
		return nil, &ValidationError{Message: fmt.Sprintf("%s candidate is not a supported image", c.source)}
	}
	return data, nil
}
