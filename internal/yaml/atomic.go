// Package yaml converts cascade documents to and from their YAML text form
// and stores them on disk with atomic writes, backups and quarantine.
package yaml

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/msageha/cascadeview/internal/model"
)

// BackupSuffix is appended to a file's name to hold its previous version.
const BackupSuffix = ".bak"

const defaultFileMode fs.FileMode = 0o644

// LoadFile reads and parses a cascade file.
func LoadFile(path string) (model.Document, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return model.Document{}, fmt.Errorf("read cascade: %w", err)
	}
	return Parse(content)
}

// SaveFile serializes doc and replaces path with it. The text is parsed back
// as a cascade before anything on disk changes.
func SaveFile(path string, doc model.Document) error {
	content, err := Serialize(doc)
	if err != nil {
		return err
	}
	return replaceFile(path, content, func(b []byte) error {
		_, err := Parse(b)
		return err
	})
}

// AtomicWrite marshals any value and writes it like AtomicWriteRaw.
func AtomicWrite(path string, data any) error {
	content, err := yamlv3.Marshal(data)
	if err != nil {
		return fmt.Errorf("yaml marshal: %w", err)
	}
	return AtomicWriteRaw(path, content)
}

// AtomicWriteRaw replaces path with content if content is well-formed YAML.
// The previous file, if any, is kept at path+BackupSuffix and the new file
// keeps its permissions. Readers see either the old or the new content.
func AtomicWriteRaw(path string, content []byte) error {
	return replaceFile(path, content, wellFormed)
}

func wellFormed(content []byte) error {
	var v any
	return yamlv3.Unmarshal(content, &v)
}

func replaceFile(path string, content []byte, check func([]byte) error) error {
	if err := check(content); err != nil {
		return fmt.Errorf("refusing to write %s: %w", filepath.Base(path), err)
	}

	mode := defaultFileMode
	info, err := os.Stat(path)
	switch {
	case err == nil:
		mode = info.Mode().Perm()
		if err := backup(path); err != nil {
			return fmt.Errorf("back up %s: %w", filepath.Base(path), err)
		}
	case !errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("stat %s: %w", path, err)
	}

	tmpName, err := writeTemp(filepath.Dir(path), content, mode)
	if err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("replace %s: %w", filepath.Base(path), err)
	}
	return nil
}

// writeTemp leaves a synced copy of content next to its destination and
// returns its name. Nothing is left behind on failure.
func writeTemp(dir string, content []byte, mode fs.FileMode) (name string, err error) {
	f, err := os.CreateTemp(dir, ".cascadeview-*.tmp")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	defer func() {
		if err != nil {
			_ = f.Close()
			_ = os.Remove(f.Name())
		}
	}()

	if _, err = f.Write(content); err != nil {
		return "", fmt.Errorf("write temp file: %w", err)
	}
	if err = f.Chmod(mode); err != nil {
		return "", fmt.Errorf("chmod temp file: %w", err)
	}
	if err = f.Sync(); err != nil {
		return "", fmt.Errorf("sync temp file: %w", err)
	}
	if err = f.Close(); err != nil {
		return "", fmt.Errorf("close temp file: %w", err)
	}
	return f.Name(), nil
}

func backup(path string) error {
	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.Create(path + BackupSuffix)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		return err
	}
	if err := dst.Sync(); err != nil {
		_ = dst.Close()
		return err
	}
	return dst.Close()
}
