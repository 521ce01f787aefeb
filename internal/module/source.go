package module

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"pce/internal/apperrors"
	"slices"
	"strings"
	"sync"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/hashicorp/go-getter"
)

// Source checks out a module tree into dst, which must not exist yet.
type Source interface {
	Checkout(ctx context.Context, loc SourceLocation, dst string) error
}

// SourceFunc adapts an ordinary function to the Source interface.
type SourceFunc func(ctx context.Context, loc SourceLocation, dst string) error

// Checkout calls f(ctx, loc, dst).
func (f SourceFunc) Checkout(ctx context.Context, loc SourceLocation, dst string) error {
	return f(ctx, loc, dst)
}

// Sources maps source types to their implementation.
type Sources struct {
	mu      sync.RWMutex
	sources map[string]Source
}

// NewSources creates an empty source registry.
func NewSources() *Sources {
	return &Sources{sources: make(map[string]Source)}
}

// DefaultSources returns a registry with the "local" and "git" sources.
func DefaultSources() *Sources {
	s := NewSources()
	s.Register("local", LocalSource{})
	s.Register("git", GitSource{})
	return s
}

// Register adds or replaces the source for typ.
func (s *Sources) Register(typ string, src Source) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sources[typ] = src
}

// Get returns the source for typ.
func (s *Sources) Get(typ string) (Source, error) {
	s.mu.RLock()
	src, ok := s.sources[typ]
	s.mu.RUnlock()
	if !ok {
		return nil, apperrors.InvalidParams("source_location.type", apperrors.ReasonUnknownSource,
			fmt.Sprintf("unknown source type %q (available: %s)", typ, strings.Join(s.Types(), ", ")))
	}
	return src, nil
}

// Types returns the registered source types, sorted.
func (s *Sources) Types() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	types := make([]string, 0, len(s.sources))
	for t := range s.sources {
		types = append(types, t)
	}
	slices.Sort(types)
	return types
}

// LocalSource copies a directory on the PCE's filesystem.
type LocalSource struct{}

// Checkout implements Source.
func (LocalSource) Checkout(ctx context.Context, loc SourceLocation, dst string) error {
	return CopyTree(ctx, loc.Path, dst)
}

// CopyTree recursively copies the directory src to dst, preserving file
// modes. dst must not exist.
func CopyTree(ctx context.Context, src, dst string) error {
	abs, err := filepath.Abs(src)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", src, err)
	}
	if _, err := os.Lstat(dst); err == nil {
		return fmt.Errorf("destination %s already exists", dst)
	}

	client := &getter.Client{
		Ctx:  ctx,
		Src:  "file::" + abs,
		Dst:  dst,
		Mode: getter.ClientModeDir,
		Getters: map[string]getter.Getter{
			"file": &getter.FileGetter{Copy: true},
		},
		Decompressors: map[string]getter.Decompressor{},
	}
	if err := client.Get(); err != nil {
		return fmt.Errorf("failed to copy %s: %w", src, err)
	}
	return nil
}

// GitSource clones a git repository. A ref may be selected with a
// "#branch" suffix on the path.
type GitSource struct{}

// Checkout implements Source.
func (GitSource) Checkout(ctx context.Context, loc SourceLocation, dst string) error {
	url, ref, _ := strings.Cut(loc.Path, "#")
	opts := &git.CloneOptions{URL: url}
	if ref != "" {
		opts.ReferenceName = plumbing.NewBranchReferenceName(ref)
		opts.SingleBranch = true
	}
	if _, err := git.PlainCloneContext(ctx, dst, false, opts); err != nil {
		_ = os.RemoveAll(dst)
		return fmt.Errorf("failed to clone %s: %w", loc.Path, err)
	}
	return nil
}
