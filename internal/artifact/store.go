package artifact

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrMissing is returned by Verify when the file is gone or its digest no
// longer matches the record.
var ErrMissing = errors.New("artifact missing or modified")

// Store keeps generated skill sources under Dir/<proposal id>/skill.go, so
// proposals sharing a slug never share a file.
type Store struct {
	Dir string
}

func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func (s Store) PathFor(proposalID string) string {
	return filepath.Join(s.Dir, proposalID, "skill.go")
}

// Write stores data for a proposal and returns its path and digest.
func (s Store) Write(proposalID string, data []byte) (string, string, error) {
	if proposalID == "" || proposalID != filepath.Base(proposalID) || proposalID == ".." {
		return "", "", fmt.Errorf("invalid artifact key %q", proposalID)
	}
	path := s.PathFor(proposalID)
	if err := atomicWrite(path, data); err != nil {
		return "", "", err
	}
	return path, Digest(data), nil
}

// Verify reads path and checks it against digest.
func (s Store) Verify(path, digest string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrMissing
		}
		return nil, err
	}
	if Digest(data) != digest {
		return nil, ErrMissing
	}
	return data, nil
}

func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".tmp-")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	ok := false
	defer func() {
		if !ok {
			_ = os.Remove(tmpPath)
		}
	}()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write artifact: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename artifact: %w", err)
	}
	ok = true
	return nil
}
