package engine

import (
	"testing"

	"judgebox/internal/cache"
)

func TestNewOpensStoreAndCache(t *testing.T) {
	ctx, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer ctx.Close()

	if ctx.Store == nil || ctx.Cache == nil || ctx.Langs == nil || ctx.Issues == nil {
		t.Fatal("expected every service to be initialized")
	}
	if ctx.CacheLevel != cache.Full {
		t.Errorf("expected default cache level Full, got %v", ctx.CacheLevel)
	}
}

func TestWithCacheLevelDoesNotMutateParent(t *testing.T) {
	ctx, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer ctx.Close()

	derived := ctx.WithCacheLevel(cache.NoCache)
	if ctx.CacheLevel != cache.Full {
		t.Error("expected parent Context's CacheLevel to be untouched")
	}
	if derived.CacheLevel != cache.NoCache {
		t.Error("expected derived Context to carry the overridden cache level")
	}
}

func TestWithScopeIsolatesIssueAccumulator(t *testing.T) {
	ctx, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer ctx.Close()

	child := ctx.WithScope()
	if child.Issues == ctx.Issues {
		t.Error("expected WithScope to derive a distinct issue scope")
	}
}
