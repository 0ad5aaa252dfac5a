// Package inbox writes received files and directory trees to disk.
//
// Everything a peer sends lands under <root>/<host_port>/. Names coming off
// the wire are treated as untrusted: absolute paths and ".." segments are
// rejected, and existing files are never overwritten.
package inbox

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/andres-erbsen/clock"

	"p2pshare/internal/peer"
	"p2pshare/internal/protocol"
)

var ErrUnsafePath = errors.New("unsafe path")

// Store saves transfers below Root.
type Store struct {
	Root  string
	Clock clock.Clock
}

// New creates the root directory if needed.
func New(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create inbox directory: %w", err)
	}
	return &Store{Root: root, Clock: clock.New()}, nil
}

// SaveFile writes f into the sender's folder and returns the path used.
func (s *Store) SaveFile(from peer.Address, f protocol.File) (string, error) {
	name, err := cleanName(f.Name)
	if err != nil {
		return "", err
	}
	dir, err := s.peerDir(from)
	if err != nil {
		return "", err
	}

	target, err := createUnique(dir, name, func(p string) error {
		return writeNew(p, f.Data)
	})
	if err != nil {
		return "", fmt.Errorf("failed to save %s: %w", name, err)
	}
	return target, nil
}

// SaveDirectory writes every entry of d into a fresh folder. The tree is
// assembled in a temporary directory and renamed into place, so a failure
// leaves nothing behind.
func (s *Store) SaveDirectory(from peer.Address, d protocol.Directory) (string, error) {
	rels := make([]string, len(d.Entries))
	for i, e := range d.Entries {
		rel, err := cleanRelative(e.Path)
		if err != nil {
			return "", err
		}
		rels[i] = rel
	}

	dir, err := s.peerDir(from)
	if err != nil {
		return "", err
	}
	tmp, err := os.MkdirTemp(dir, ".incoming-")
	if err != nil {
		return "", fmt.Errorf("failed to stage directory: %w", err)
	}
	defer os.RemoveAll(tmp)

	for i, e := range d.Entries {
		p := filepath.Join(tmp, filepath.FromSlash(rels[i]))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return "", fmt.Errorf("failed to stage %s: %w", rels[i], err)
		}
		if err := writeNew(p, e.Data); err != nil {
			return "", fmt.Errorf("failed to stage %s: %w", rels[i], err)
		}
	}

	name := "dir-" + s.now().UTC().Format("20060102-150405")
	target, err := createUnique(dir, name, func(p string) error {
		return os.Rename(tmp, p)
	})
	if err != nil {
		return "", fmt.Errorf("failed to save directory: %w", err)
	}
	return target, nil
}

func (s *Store) peerDir(from peer.Address) (string, error) {
	dir := filepath.Join(s.Root, folderName(from))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create peer folder: %w", err)
	}
	return dir, nil
}

func (s *Store) now() time.Time {
	if s.Clock == nil {
		return time.Now()
	}
	return s.Clock.Now()
}

func folderName(a peer.Address) string {
	r := strings.NewReplacer(":", "_", "[", "", "]", "", "%", "_")
	return r.Replace(a.String())
}

func cleanName(name string) (string, error) {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return "", fmt.Errorf("%w: file name %q", ErrUnsafePath, name)
	}
	return name, nil
}

func cleanRelative(rel string) (string, error) {
	if rel == "" || strings.HasPrefix(rel, "/") || strings.Contains(rel, `\`) || filepath.IsAbs(rel) {
		return "", fmt.Errorf("%w: %q", ErrUnsafePath, rel)
	}
	for _, part := range strings.Split(rel, "/") {
		if part == ".." {
			return "", fmt.Errorf("%w: %q", ErrUnsafePath, rel)
		}
	}
	cleaned := path.Clean(rel)
	if cleaned == "." {
		return "", fmt.Errorf("%w: %q", ErrUnsafePath, rel)
	}
	return cleaned, nil
}

// createUnique calls create with dir/name, or "name (n)" variants when the
// path is already taken.
func createUnique(dir, name string, create func(string) error) (string, error) {
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for i := 0; i < 1000; i++ {
		candidate := name
		if i > 0 {
			candidate = fmt.Sprintf("%s (%d)%s", stem, i, ext)
		}
		p := filepath.Join(dir, candidate)
		if _, err := os.Lstat(p); err == nil {
			continue
		}
		err := create(p)
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return "", err
		}
	}
	return "", fmt.Errorf("too many copies of %s", name)
}

func writeNew(p string, data []byte) error {
	f, err := os.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
