// Package cache implements the Dependency Cache: a fingerprint -> output
// digests index backed by a pure-Go sqlite database (modernc.org/sqlite),
// gating re-execution of deterministic sandbox steps.
package cache

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	_ "modernc.org/sqlite"

	"judgebox/internal/logging"
	"judgebox/internal/sandbox"
)

// Level is the process-scoped caching mode a caller opens an execution
// under.
type Level int

const (
	// Full caches and reuses hits.
	Full Level = iota
	// NoCache never reads or writes the cache (non-deterministic generators).
	NoCache
	// NoWriteOnlyRead consults the cache but never writes new entries
	// (used when measuring solutions under a verification pass that
	// should not poison the cache with timing-sensitive results).
	NoWriteOnlyRead
)

// adapterVersion is folded into every fingerprint; bumping it invalidates
// every previously cached entry when the Sandbox Adapter's semantics
// change incompatibly.
const adapterVersion = "1"

// FingerprintInput is the material hashed into a cache key. Fingerprint
// sorts copies of SortedInputs and SortedOutputs before hashing, so
// identical logical executions always hash identically regardless of the
// order the caller lists them in.
type FingerprintInput struct {
	Command        string
	SortedInputs   []string // "digest:sandbox_path" pairs
	SortedOutputs  []string // sandbox_path list
	Limits         sandbox.Limits
}

// Fingerprint computes the Dependency Cache key for an execution.
func Fingerprint(in FingerprintInput) string {
	inputs := append([]string(nil), in.SortedInputs...)
	outputs := append([]string(nil), in.SortedOutputs...)
	sort.Strings(inputs)
	sort.Strings(outputs)

	h := sha256.New()
	fmt.Fprintf(h, "cmd:%s\n", in.Command)
	for _, i := range inputs {
		fmt.Fprintf(h, "in:%s\n", i)
	}
	for _, o := range outputs {
		fmt.Fprintf(h, "out:%s\n", o)
	}
	fmt.Fprintf(h, "limits:%d,%d,%d,%d,%d\n",
		in.Limits.WallTimeMS, in.Limits.CPUTimeMS, in.Limits.AddressSpaceMB,
		in.Limits.OutputKB, in.Limits.StackMB)
	fmt.Fprintf(h, "adapter:%s\n", adapterVersion)
	return hex.EncodeToString(h.Sum(nil))
}

// Entry is a cached execution result: the digests of every declared output
// plus the RunLog the original execution produced.
type Entry struct {
	Outputs map[string]string // sandbox_path -> digest
	RunLog  sandbox.RunLog
}

// Cache is the Dependency Cache index. Safe for concurrent lookup/insert
// from multiple workers.
type Cache struct {
	mu sync.RWMutex
	db *sql.DB
}

// Open creates or opens the cache database at dbPath, creating its parent
// directory and schema if necessary.
func Open(dbPath string) (*Cache, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("cache: create directory: %w", err)
	}
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("cache: open database: %w", err)
	}
	c := &Cache{db: db}
	if err := c.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("cache: init schema: %w", err)
	}
	return c, nil
}

// Close closes the underlying database connection.
func (c *Cache) Close() error {
	return c.db.Close()
}

func (c *Cache) initSchema() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS cache_entries (
		fingerprint TEXT PRIMARY KEY,
		outputs_json TEXT NOT NULL,
		run_log_json TEXT NOT NULL,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	`
	_, err := c.db.Exec(schema)
	return err
}

// Lookup returns the cached Entry for fingerprint, if present. The second
// return is false on a cache miss.
func (c *Cache) Lookup(level Level, fingerprint string) (Entry, bool) {
	if level == NoCache {
		return Entry{}, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	var outputsJSON, runLogJSON string
	err := c.db.QueryRow(
		"SELECT outputs_json, run_log_json FROM cache_entries WHERE fingerprint = ?",
		fingerprint,
	).Scan(&outputsJSON, &runLogJSON)
	if err != nil {
		logging.CacheDebug("miss %s", fingerprint)
		return Entry{}, false
	}

	var entry Entry
	if err := json.Unmarshal([]byte(outputsJSON), &entry.Outputs); err != nil {
		logging.CacheDebug("corrupt outputs for %s: %v", fingerprint, err)
		return Entry{}, false
	}
	if err := json.Unmarshal([]byte(runLogJSON), &entry.RunLog); err != nil {
		logging.CacheDebug("corrupt run log for %s: %v", fingerprint, err)
		return Entry{}, false
	}
	logging.CacheDebug("hit %s", fingerprint)
	return entry, true
}

// Insert records entry under fingerprint. It is a no-op under NoCache and
// NoWriteOnlyRead. A SandboxError result must never be passed here — the
// caller is responsible for only inserting successful, cacheable runs.
func (c *Cache) Insert(level Level, fingerprint string, entry Entry) error {
	if level != Full {
		return nil
	}
	if entry.RunLog.ExitStatus == sandbox.SandboxErrorState {
		return fmt.Errorf("cache: refusing to cache a sandbox-error result for %s", fingerprint)
	}

	outputsJSON, err := json.Marshal(entry.Outputs)
	if err != nil {
		return fmt.Errorf("cache: marshal outputs: %w", err)
	}
	runLogJSON, err := json.Marshal(entry.RunLog)
	if err != nil {
		return fmt.Errorf("cache: marshal run log: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	_, err = c.db.Exec(
		"INSERT OR REPLACE INTO cache_entries (fingerprint, outputs_json, run_log_json) VALUES (?, ?, ?)",
		fingerprint, string(outputsJSON), string(runLogJSON),
	)
	if err != nil {
		return fmt.Errorf("cache: insert: %w", err)
	}
	logging.CacheDebug("stored %s (%d outputs)", fingerprint, len(entry.Outputs))
	return nil
}
