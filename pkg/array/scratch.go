package array

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
)

// Scratch is a scoped temporary directory for arrays spilled to disk.
// Close releases every tracked resource and removes the directory.
type Scratch struct {
	mu      sync.Mutex
	dir     string
	closers []io.Closer
	closed  bool
}

// NewScratch creates a scratch directory under parent (os.TempDir when empty).
func NewScratch(parent string) (*Scratch, error) {
	dir, err := os.MkdirTemp(parent, "neuroplot-scratch-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create scratch directory: %w", err)
	}
	return &Scratch{dir: dir}, nil
}

// Dir returns the scratch directory.
func (s *Scratch) Dir() string { return s.dir }

// Path returns a fresh, unused file path with the given extension.
func (s *Scratch) Path(ext string) string {
	return filepath.Join(s.dir, uuid.NewString()+ext)
}

// Track registers c to be closed before the directory is removed.
func (s *Scratch) Track(c io.Closer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closers = append(s.closers, c)
}

// Close closes tracked resources in reverse order and removes the directory.
func (s *Scratch) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	if err := os.RemoveAll(s.dir); err != nil {
		errs = append(errs, fmt.Errorf("failed to remove scratch directory: %w", err))
	}
	return errors.Join(errs...)
}
