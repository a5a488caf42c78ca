// Package engine wires together the Artifact Store, Dependency Cache,
// language registry and Issue Stack into one explicit Context value, the
// replacement for the teacher's (and the original Python package's)
// ambient process-global state.
package engine

import (
	"fmt"
	"os"
	"path/filepath"

	"judgebox/internal/cache"
	"judgebox/internal/issues"
	"judgebox/internal/lang"
	"judgebox/internal/sandbox"
	"judgebox/internal/store"
)

// Context bundles the services every pipeline stage needs. It is passed
// explicitly rather than read from package-level globals.
type Context struct {
	Store    *store.Store
	Cache    *cache.Cache
	Sandbox  sandbox.Adapter
	Langs    *lang.Registry
	Issues   *issues.Scope
	Warnings *issues.WarningStack

	// CacheLevel is the default caching mode for this Context. A stage
	// that needs a different mode for one call (e.g. disabling the cache
	// for a non-deterministic generator) uses WithCacheLevel to derive a
	// scoped copy rather than mutating this field.
	CacheLevel cache.Level

	// BuildRoot is the scratch parent directory for compile, interactor,
	// verify and stress work directories. The built test tree is not
	// written here; the Materializer writes it under the package root.
	BuildRoot string
}

// New opens the Store and Cache rooted at root and returns a ready
// Context with a fresh Issue Stack and Warning Stack.
func New(root string) (*Context, error) {
	st, err := store.New(filepath.Join(root, ".judgebox", "store"))
	if err != nil {
		return nil, fmt.Errorf("engine: open store: %w", err)
	}
	ca, err := cache.Open(filepath.Join(root, ".judgebox", "cache.db"))
	if err != nil {
		return nil, fmt.Errorf("engine: open cache: %w", err)
	}
	buildRoot := filepath.Join(root, ".judgebox", "build")
	if err := os.MkdirAll(buildRoot, 0o755); err != nil {
		return nil, fmt.Errorf("engine: create build root: %w", err)
	}
	return &Context{
		Store:      st,
		Cache:      ca,
		Sandbox:    &sandbox.ProcessAdapter{},
		Langs:      lang.DefaultRegistry(),
		Issues:     issues.NewScope(),
		Warnings:   issues.NewWarningStack(),
		CacheLevel: cache.Full,
		BuildRoot:  buildRoot,
	}, nil
}

// Close releases the Cache's database handle. The Store holds no open
// handles and needs no explicit close.
func (c *Context) Close() error {
	return c.Cache.Close()
}

// WithScope returns a derived Context sharing every service but with a
// pushed Issue Stack scope, mirroring push_issue_accumulator/
// pop_issue_accumulator from the original implementation: the caller
// keeps using the returned Context for the nested operation and reverts
// to c afterward simply by discarding it.
func (c *Context) WithScope() *Context {
	derived := *c
	derived.Issues = c.Issues.Push()
	return &derived
}

// WithCacheLevel returns a derived Context whose CacheLevel is overridden,
// e.g. to disable caching around a non-deterministic generator call or a
// solution run under timing measurement.
func (c *Context) WithCacheLevel(level cache.Level) *Context {
	derived := *c
	derived.CacheLevel = level
	return &derived
}
