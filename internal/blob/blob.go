// Package blob stores the bytes of file versions, addressed by the file
// entry's generated name and a version label.
package blob

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"
)

var ErrNotFound = errors.New("blob not found")

type Store interface {
	Put(ctx context.Context, name, version string, r io.Reader, size int64) error
	Get(ctx context.Context, name, version string) (io.ReadCloser, error)
	Has(ctx context.Context, name, version string) (bool, error)
	Copy(ctx context.Context, name, fromVersion, toVersion string) error
	Move(ctx context.Context, name, fromVersion, toVersion string) error
	Delete(ctx context.Context, name, version string) error
	DeleteAll(ctx context.Context, name string) error
}

// Revision is one change recorded by a store that keeps history.
type Revision struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
}

type Historian interface {
	History(ctx context.Context, name string, limit int) ([]Revision, error)
}

// Digester counts and digests the bytes written to it.
type Digester struct {
	hash hash.Hash
	size int64
}

func NewDigester() *Digester {
	// New256 only fails for oversized keys.
	h, _ := blake2b.New256(nil)
	return &Digester{hash: h}
}

func (d *Digester) Write(p []byte) (int, error) {
	d.size += int64(len(p))
	return d.hash.Write(p)
}

func (d *Digester) Size() int64 { return d.size }

// Checksum returns the hex BLAKE2b-256 digest of everything written.
func (d *Digester) Checksum() string {
	return hex.EncodeToString(d.hash.Sum(nil))
}

// Checksum returns the hex BLAKE2b-256 digest of r.
func Checksum(r io.Reader) (string, error) {
	d := NewDigester()
	if _, err := io.Copy(d, r); err != nil {
		return "", fmt.Errorf("digest blob: %w", err)
	}
	return d.Checksum(), nil
}

// ChecksumOf digests a stored version.
func ChecksumOf(ctx context.Context, s Store, name, version string) (string, error) {
	rc, err := s.Get(ctx, name, version)
	if err != nil {
		return "", err
	}
	defer rc.Close()
	return Checksum(rc)
}

func validLabel(value string) error {
	if value == "" || value == "." || value == ".." || strings.ContainsAny(value, `/\`) {
		return fmt.Errorf("invalid blob label %q", value)
	}
	return nil
}

func validName(name string) error {
	if name == "" || strings.HasPrefix(name, "/") {
		return fmt.Errorf("invalid blob name %q", name)
	}
	for _, part := range strings.Split(name, "/") {
		if err := validLabel(part); err != nil {
			return fmt.Errorf("invalid blob name %q", name)
		}
	}
	return nil
}
