// Package lang is the language registry: per-language compile/run command
// templates keyed by extension or explicit name, with the {compilable}/
// {executable} placeholder substitution the Compile/Run steps rely on.
package lang

import (
	"path/filepath"
	"strings"
)

// FileMapping names the sandbox-relative paths a language's commands
// reference via placeholders.
type FileMapping struct {
	Compilable string // e.g. "compilable.cpp", "Main.java"
	Executable string // e.g. "executable", "Main"
	Input      string
	Output     string
	Error      string
}

// Language is one entry in the registry: its file mapping and the command
// templates used to compile and run a CodeItem written in it.
type Language struct {
	Name string

	// CompileCommands is empty for languages that need no compile step
	// (the source itself becomes the "executable" digest).
	CompileCommands []string

	// RunCommand is the template used to execute the compiled (or
	// interpreted) artifact.
	RunCommand string

	Mapping FileMapping
}

// Registry maps extensions and explicit language names to Language entries.
type Registry struct {
	byName map[string]Language
	byExt  map[string]string // extension (no dot) -> name
}

// DefaultRegistry returns the registry of languages the reference judge
// ships with: C++ (several standard revisions), C, Java and Python.
func DefaultRegistry() *Registry {
	r := &Registry{byName: map[string]Language{}, byExt: map[string]string{}}

	cppMapping := FileMapping{Compilable: "compilable.cpp", Executable: "executable", Input: "stdin.txt", Output: "stdout.txt", Error: "stderr.txt"}
	r.register(Language{
		Name:            "cpp",
		CompileCommands: []string{"g++ -std=c++17 -O2 -o {executable} {compilable}"},
		RunCommand:      "./{executable}",
		Mapping:         cppMapping,
	}, "cpp", "cc", "cxx", "c++")
	r.register(Language{
		Name:            "cpp17",
		CompileCommands: []string{"g++ -std=c++17 -O2 -o {executable} {compilable}"},
		RunCommand:      "./{executable}",
		Mapping:         cppMapping,
	})
	r.register(Language{
		Name:            "cpp20",
		CompileCommands: []string{"g++ -std=c++20 -O2 -o {executable} {compilable}"},
		RunCommand:      "./{executable}",
		Mapping:         cppMapping,
	})

	r.register(Language{
		Name:            "c",
		CompileCommands: []string{"gcc -std=c17 -O2 -o {executable} {compilable}"},
		RunCommand:      "./{executable}",
		Mapping:         FileMapping{Compilable: "compilable.c", Executable: "executable", Input: "stdin.txt", Output: "stdout.txt", Error: "stderr.txt"},
	}, "c")

	r.register(Language{
		Name:            "java",
		CompileCommands: []string{"javac -d . {compilable}"},
		RunCommand:      "java -Xss64m -cp . {executable}",
		Mapping:         FileMapping{Compilable: "Main.java", Executable: "Main", Input: "stdin.txt", Output: "stdout.txt", Error: "stderr.txt"},
	}, "java")

	r.register(Language{
		Name:            "python",
		CompileCommands: nil,
		RunCommand:      "python3 {compilable}",
		Mapping:         FileMapping{Compilable: "compilable.py", Executable: "compilable.py", Input: "stdin.txt", Output: "stdout.txt", Error: "stderr.txt"},
	}, "py", "python", "python3")

	return r
}

func (r *Registry) register(l Language, extensions ...string) {
	r.byName[l.Name] = l
	for _, ext := range extensions {
		r.byExt[ext] = l.Name
	}
}

// Resolve looks up a Language by explicit name (preferred) or, failing
// that, by the extension of path. The second return is false when neither
// resolves.
func (r *Registry) Resolve(explicitName, path string) (Language, bool) {
	if explicitName != "" {
		if l, ok := r.byName[strings.ToLower(explicitName)]; ok {
			return l, true
		}
	}
	ext := strings.TrimPrefix(filepath.Ext(path), ".")
	name, ok := r.byExt[strings.ToLower(ext)]
	if !ok {
		return Language{}, false
	}
	l, ok := r.byName[name]
	return l, ok
}

// IsCompiled reports whether the language requires a compile step.
func (l Language) IsCompiled() bool {
	return len(l.CompileCommands) > 0
}

// IsCxxCommand reports whether command invokes a C/C++ family compiler,
// the gate used to decide whether sanitizer and warning flags apply.
func IsCxxCommand(command string) bool {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return false
	}
	bin := filepath.Base(fields[0])
	switch {
	case strings.HasPrefix(bin, "g++"), strings.HasPrefix(bin, "clang++"):
		return true
	case strings.HasPrefix(bin, "gcc"), strings.HasPrefix(bin, "clang"):
		return true
	default:
		return false
	}
}

// Substitute replaces {compilable} and {executable} placeholders in
// command using m.
func Substitute(command string, m FileMapping) string {
	repl := strings.NewReplacer(
		"{compilable}", m.Compilable,
		"{executable}", m.Executable,
		"{input}", m.Input,
		"{output}", m.Output,
		"{error}", m.Error,
	)
	return repl.Replace(command)
}

// CxxWarningFlags are appended to C/C++ compile commands when warnings are
// forced or enabled by config.
const CxxWarningFlags = "-Wall -Wshadow -Wno-unused-result -Wno-sign-compare -Wno-char-subscripts"

// SanitizerFlags are appended to C/C++ compile commands when the
// instrumented (sanitized) build is requested.
const SanitizerFlags = "-fsanitize=address,undefined -fno-omit-frame-pointer -g"
