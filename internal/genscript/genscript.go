// Package genscript implements the two generator-script surface
// grammars — line-oriented "rbx" and "N ; CMD ARGS..." "box" — both
// producing the common CallRecord the Testplan Walker consumes. Hand
// written as a small recursive-descent/line scanner rather than through a
// parser-generator library: no PEG/parser-combinator library exists
// anywhere in the example pack to ground one on.
package genscript

import (
	"fmt"
	"strconv"
	"strings"
)

// CallRecord is the common output of both surface grammars.
type CallRecord struct {
	GeneratorName string
	Args          string
	SourceLine    int // 1-based
	GroupOverride string // set by @testgroup (rbx) or the leading N (box); "" if ungrouped
	CopiedFrom    string // set instead of GeneratorName for @copy / normalized "copy"
}

// splitShellWords is a minimal shlex.split/shlex.join stand-in: splits on
// unquoted whitespace, honoring single and double quotes, and rejoins the
// remainder with single spaces (mirroring shlex.join(shlex.split(...))
// used throughout the original for argument normalization).
func splitShellWords(s string) []string {
	var words []string
	var cur strings.Builder
	var quote rune
	inWord := false
	flush := func() {
		if inWord {
			words = append(words, cur.String())
			cur.Reset()
			inWord = false
		}
	}
	for _, r := range s {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			} else {
				cur.WriteRune(r)
			}
			inWord = true
		case r == '\'' || r == '"':
			quote = r
			inWord = true
		case r == ' ' || r == '\t':
			flush()
		default:
			cur.WriteRune(r)
			inWord = true
		}
	}
	flush()
	return words
}

func joinShellWords(words []string) string {
	return strings.Join(words, " ")
}

// ParseRbx parses the line-oriented "rbx" grammar:
//
//	start      := (statement | NEWLINE)*
//	statement  := COMMENT | copy | testgroup | call
//	comment    := ('#' | '//') to_end_of_line
//	copy       := '@copy' WS filepath
//	testgroup  := '@testgroup' WS name '{' statement* '}'
//	call       := FILEPATH (WS REST_OF_LINE)?
//
// Arguments after the generator name are taken as a single free-form
// string (trimmed), not further tokenized. @testgroup blocks nest; the
// innermost group name wins for nested records; ungrouped statements
// carry "".
func ParseRbx(src, scriptPath string) ([]CallRecord, error) {
	p := &rbxParser{lines: strings.Split(src, "\n")}
	records, err := p.parseBlock(nil)
	if err != nil {
		return nil, fmt.Errorf("genscript: %s: %w", scriptPath, err)
	}
	if len(p.groupStack) != 0 {
		return nil, fmt.Errorf("genscript: %s: unclosed @testgroup block", scriptPath)
	}
	return records, nil
}

type rbxParser struct {
	lines      []string
	pos        int // 0-based index into lines
	groupStack []string
}

func (p *rbxParser) currentGroup() string {
	if len(p.groupStack) == 0 {
		return ""
	}
	return p.groupStack[len(p.groupStack)-1]
}

// parseBlock consumes statements until EOF or a line consisting solely of
// "}" (the close of an enclosing @testgroup), returning the records
// collected in source order.
func (p *rbxParser) parseBlock(openedAt *int) ([]CallRecord, error) {
	var records []CallRecord
	for p.pos < len(p.lines) {
		lineNo := p.pos + 1
		raw := p.lines[p.pos]
		line := strings.TrimSpace(raw)
		p.pos++

		if line == "" {
			continue
		}
		if line == "}" {
			if openedAt == nil {
				return nil, fmt.Errorf("line %d: unmatched '}'", lineNo)
			}
			return records, nil
		}
		if strings.HasPrefix(line, "#") || strings.HasPrefix(line, "//") {
			continue
		}
		if strings.HasPrefix(line, "@testgroup") {
			rest := strings.TrimSpace(strings.TrimPrefix(line, "@testgroup"))
			name, hasBrace := strings.CutSuffix(rest, "{")
			name = strings.TrimSpace(name)
			if !hasBrace || name == "" {
				return nil, fmt.Errorf("line %d: malformed @testgroup statement", lineNo)
			}
			p.groupStack = append(p.groupStack, name)
			opened := lineNo
			nested, err := p.parseBlock(&opened)
			if err != nil {
				return nil, err
			}
			p.groupStack = p.groupStack[:len(p.groupStack)-1]
			records = append(records, nested...)
			continue
		}
		if strings.HasPrefix(line, "@copy") {
			rest := strings.TrimSpace(strings.TrimPrefix(line, "@copy"))
			if rest == "" {
				return nil, fmt.Errorf("line %d: @copy requires a filepath argument", lineNo)
			}
			records = append(records, CallRecord{
				CopiedFrom:    rest,
				SourceLine:    lineNo,
				GroupOverride: p.currentGroup(),
			})
			continue
		}
		if strings.HasPrefix(line, "@") {
			return nil, fmt.Errorf("line %d: unknown directive %q", lineNo, strings.Fields(line)[0])
		}

		words := splitShellWords(line)
		if len(words) == 0 {
			continue
		}
		name := words[0]
		args := joinShellWords(words[1:])
		records = append(records, CallRecord{
			GeneratorName: name,
			Args:          args,
			SourceLine:    lineNo,
			GroupOverride: p.currentGroup(),
		})
	}
	if openedAt != nil {
		return nil, fmt.Errorf("line %d: @testgroup block never closed", *openedAt)
	}
	return records, nil
}

// ParseBox parses the "box" grammar: each non-comment line is
// "N ; CMD ARGS..." where N is a 1-based group number. A CMD of "copy" is
// normalized to "@copy"; a trailing ".exe" on CMD is stripped. The group
// number is carried as GroupOverride.
func ParseBox(src, scriptPath string) ([]CallRecord, error) {
	var records []CallRecord
	for i, raw := range strings.Split(src, "\n") {
		lineNo := i + 1
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.SplitN(line, ";", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("genscript: %s: line %d: invalid testplan line %q", scriptPath, lineNo, line)
		}
		groupStr := strings.TrimSpace(parts[0])
		_, err := strconv.Atoi(groupStr)
		if err != nil {
			return nil, fmt.Errorf("genscript: %s: line %d: invalid group number %q", scriptPath, lineNo, groupStr)
		}

		rest := strings.TrimSpace(parts[1])
		if rest == "" {
			return nil, fmt.Errorf("genscript: %s: line %d: missing command", scriptPath, lineNo)
		}
		words := splitShellWords(rest)
		call := words[0]
		args := joinShellWords(words[1:])

		if call == "copy" {
			records = append(records, CallRecord{
				CopiedFrom:    args,
				SourceLine:    lineNo,
				GroupOverride: groupStr,
			})
			continue
		}
		call = strings.TrimSuffix(call, ".exe")

		records = append(records, CallRecord{
			GeneratorName: call,
			Args:          args,
			SourceLine:    lineNo,
			GroupOverride: groupStr,
		})
	}
	return records, nil
}

// ResolveGeneratorName looks up a script-referenced name first against
// declared generator aliases, then against declared generator paths, per
// spec.md §4.5's resolution rule.
func ResolveGeneratorName(name string, aliases map[string]string, paths map[string]bool) (string, bool) {
	if resolved, ok := aliases[name]; ok {
		return resolved, true
	}
	if paths[name] {
		return name, true
	}
	return "", false
}
