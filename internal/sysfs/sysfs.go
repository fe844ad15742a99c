// Package sysfs reads and writes kernel attribute files. Paths are relative to
// a configurable root so the hardware backends can run against a fake tree.
package sysfs

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"codeberg.org/mutker/powerd/internal/errors"
)

const DefaultRoot = "/sys"

type FS struct {
	root string
}

func New(root string) FS {
	if root == "" {
		root = DefaultRoot
	}
	return FS{root: root}
}

func (fs FS) Root() string {
	return fs.root
}

func (fs FS) Path(rel string) string {
	return filepath.Join(fs.root, rel)
}

func (fs FS) Exists(rel string) (bool, error) {
	_, err := os.Stat(fs.Path(rel))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}

	return false, errors.New().Wrap(errors.ErrSysfsRead, err).
		WithMessage("failed to check if sysfs path exists")
}

// List returns the names of the entries in a sysfs directory.
func (fs FS) List(rel string) ([]string, error) {
	entries, err := os.ReadDir(fs.Path(rel))
	if err != nil {
		return nil, errors.New().Wrap(errors.ErrSysfsRead, err).
			WithMessage("failed to list sysfs " + rel)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		names = append(names, entry.Name())
	}

	return names, nil
}

func (fs FS) ReadString(rel string) (string, error) {
	data, err := os.ReadFile(fs.Path(rel))
	if err != nil {
		return "", errors.New().Wrap(errors.ErrSysfsRead, err).
			WithMessage("failed to read sysfs " + rel)
	}

	return strings.TrimSpace(string(data)), nil
}

func (fs FS) ReadUint(rel string) (uint64, error) {
	s, err := fs.ReadString(rel)
	if err != nil {
		return 0, err
	}

	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, errors.New().Wrap(errors.ErrSysfsRead, err).
			WithMessage("failed to parse sysfs " + rel)
	}

	return v, nil
}

// Write stores the decimal or string form of v in the attribute file.
func (fs FS) Write(rel string, v any) error {
	s := fmt.Sprint(v)
	if err := os.WriteFile(fs.Path(rel), []byte(s), 0o644); err != nil {
		return errors.New().Wrap(errors.ErrSysfsWrite, err).
			WithMessage(fmt.Sprintf("failed to write sysfs value %q to %s", s, rel))
	}

	return nil
}
