package main

import (
	"os"
	"path/filepath"
	"strconv"

	"judgebox/internal/engine"
	"judgebox/internal/judgeerr"
	"judgebox/internal/manifest"
	"judgebox/internal/runner"
	"judgebox/internal/testplan"
)

// loadPackage reads and validates the manifest at path, returning the
// decoded Package plus the directory every relative CodeItem path in it
// is resolved against.
func loadPackage(path string) (*testplan.Package, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", judgeerr.NewUser("reading manifest "+path, judgeerr.ErrOutsidePackage)
	}
	pkg, err := manifest.Decode(data)
	if err != nil {
		return nil, "", judgeerr.NewUser("decoding manifest "+path, err)
	}
	if err := manifest.Validate(pkg); err != nil {
		return nil, "", judgeerr.NewUser("validating manifest "+path, err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	return pkg, filepath.Dir(abs), nil
}

func newEngineContext(ws string) (*engine.Context, error) {
	return engine.New(ws)
}

// envTimeMultiplier reads RBX_TIME_MULTIPLIER, the environment override
// spec.md §6 describes as scaling every time limit at the matcher layer.
// An unset or unparsable value leaves limits unscaled.
func envTimeMultiplier() float64 {
	raw := os.Getenv("RBX_TIME_MULTIPLIER")
	if raw == "" {
		return 1
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || v <= 0 {
		return 1
	}
	return v
}

// buildLimitConfig derives one language's LimitConfig from the package's
// base limits and its per-language override, if any.
func buildLimitConfig(pkg *testplan.Package, language string) runner.LimitConfig {
	lc := runner.LimitConfig{
		BaseCPUTimeMS: pkg.TimeLimitMS,
		MemoryLimitMB: pkg.MemoryLimitMB,
		OutputLimitKB: pkg.OutputLimitKB,
		EnvMultiplier: envTimeMultiplier(),
	}
	if mod, ok := pkg.LanguageLimits[language]; ok {
		lc.LanguageMultiplier = mod.TimeMultiplier
		lc.LanguageOverrideMS = mod.TimeOverrideMS
	}
	return lc
}

// exitCodeFor selects the process exit code for a fatal top-level error,
// per spec.md §6/§7's error-kind taxonomy: a non-zero code on any fatal
// error, with the specific value left unspecified beyond "non-zero" — 1
// is used uniformly here since no caller branches on a specific code.
func exitCodeFor(err error) int {
	if err == nil {
		return 0
	}
	return 1
}
