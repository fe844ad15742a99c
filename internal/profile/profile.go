// Package profile loads profile documents from the profile directory and
// resolves which named profile a set of leases asks for.
package profile

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"

	"codeberg.org/mutker/powerd/internal/errors"
	"codeberg.org/mutker/powerd/internal/hardware"
	"github.com/tidwall/jsonc"
)

// Document is a profile file: the named profile it stands for and the
// hardware patch it applies.
type Document struct {
	Named Named `json:"ppd_name"`
	hardware.Config
}

// Snapshot is a loaded document together with the path it was loaded from,
// relative to the profile directory.
type Snapshot struct {
	Document *Document
	Path     string
}

type Loader struct {
	root string
}

func NewLoader(root string) *Loader {
	return &Loader{root: root}
}

func (l *Loader) Root() string {
	return l.root
}

// Resolve maps a profile path to a file inside the profile directory.
func (l *Loader) Resolve(path string) (string, error) {
	clean := filepath.Clean(path)
	if !filepath.IsLocal(clean) {
		return "", errors.New().WithData(errors.ErrProfilePath, path)
	}
	return filepath.Join(l.root, clean), nil
}

func (l *Loader) Load(path string) (*Snapshot, error) {
	errFactory := errors.New()

	full, err := l.Resolve(path)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(full)
	if err != nil {
		return nil, errFactory.Wrap(errors.ErrProfileRead, err)
	}

	doc, err := Decode(data)
	if err != nil {
		return nil, err
	}

	return &Snapshot{Document: doc, Path: path}, nil
}

// Decode parses a profile document. Comments and trailing commas are allowed.
func Decode(data []byte) (*Document, error) {
	errFactory := errors.New()

	dec := json.NewDecoder(bytes.NewReader(jsonc.ToJSON(data)))
	dec.DisallowUnknownFields()

	doc := &Document{}
	if err := dec.Decode(doc); err != nil {
		return nil, errFactory.Wrap(errors.ErrProfileDecode, err)
	}
	if doc.Named == "" {
		return nil, errFactory.WithMessage(errors.ErrProfileInvalid, "profile does not declare a ppd_name")
	}

	return doc, nil
}

func Encode(doc *Document) ([]byte, error) {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, errors.New().Wrap(errors.ErrInternal, err)
	}
	return data, nil
}
