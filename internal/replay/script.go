// Package replay implements the .ad replay-script format: one recorded
// action per line, encoded as `<command> <positionals...> <flags...>`.
package replay

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/agent-device/agent-device/internal/domain"
)

// Step is one parsed script line.
type Step struct {
	Line        int
	Command     string
	Positionals []string
	Flags       map[string]any
}

// EncodeLine renders one action as a script line. Flag order is sorted
// so round-trips are stable.
func EncodeLine(command string, positionals []string, flags map[string]any) string {
	var b strings.Builder
	b.WriteString(command)
	for _, p := range positionals {
		b.WriteByte(' ')
		b.WriteString(quote(p))
	}
	keys := make([]string, 0, len(flags))
	for k := range flags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := flags[k]
		switch t := v.(type) {
		case bool:
			if t {
				fmt.Fprintf(&b, " --%s", k)
			}
		case nil:
		default:
			fmt.Fprintf(&b, " --%s %s", k, quote(fmt.Sprintf("%v", t)))
		}
	}
	return b.String()
}

// quote wraps s in double quotes when it contains whitespace or quoting
// characters, escaping embedded quotes and backslashes.
func quote(s string) string {
	if s != "" && !strings.ContainsAny(s, " \t\"\\'") {
		return s
	}
	var b strings.Builder
	b.WriteByte('"')
	for _, r := range s {
		if r == '"' || r == '\\' {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	b.WriteByte('"')
	return b.String()
}

// ParseLine tokenizes one script line into a step. Empty lines and
// comment lines (leading '#') yield nil.
func ParseLine(lineNo int, line string) (*Step, error) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" || strings.HasPrefix(trimmed, "#") {
		return nil, nil
	}
	tokens, err := tokenize(trimmed)
	if err != nil {
		return nil, fmt.Errorf("line %d: %w", lineNo, err)
	}
	step := &Step{Line: lineNo, Command: tokens[0], Flags: map[string]any{}}
	i := 1
	for i < len(tokens) {
		tok := tokens[i]
		if strings.HasPrefix(tok, "--") {
			name := strings.TrimPrefix(tok, "--")
			if name == "" {
				return nil, fmt.Errorf("line %d: empty flag name", lineNo)
			}
			if eq := strings.IndexByte(name, '='); eq >= 0 {
				step.Flags[name[:eq]] = name[eq+1:]
				i++
				continue
			}
			// A flag followed by another flag (or end of line) is boolean.
			if i+1 < len(tokens) && !strings.HasPrefix(tokens[i+1], "--") {
				step.Flags[name] = tokens[i+1]
				i += 2
			} else {
				step.Flags[name] = true
				i++
			}
			continue
		}
		step.Positionals = append(step.Positionals, tok)
		i++
	}
	return step, nil
}

func tokenize(line string) ([]string, error) {
	var tokens []string
	var cur strings.Builder
	inQuote := false
	escaped := false
	pending := false
	for _, r := range line {
		switch {
		case escaped:
			cur.WriteRune(r)
			escaped = false
			pending = true
		case r == '\\' && inQuote:
			escaped = true
		case r == '"':
			inQuote = !inQuote
			pending = true
		case (r == ' ' || r == '\t') && !inQuote:
			if pending {
				tokens = append(tokens, cur.String())
				cur.Reset()
				pending = false
			}
		default:
			cur.WriteRune(r)
			pending = true
		}
	}
	if inQuote {
		return nil, fmt.Errorf("unterminated quote")
	}
	if pending {
		tokens = append(tokens, cur.String())
	}
	if len(tokens) == 0 {
		return nil, fmt.Errorf("empty line")
	}
	return tokens, nil
}

// ParseScript reads a .ad file into steps.
func ParseScript(path string) ([]Step, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open script: %w", err)
	}
	defer f.Close()

	var steps []Step
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		step, err := ParseLine(lineNo, scanner.Text())
		if err != nil {
			return nil, err
		}
		if step != nil {
			steps = append(steps, *step)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read script: %w", err)
	}
	return steps, nil
}

// Request converts a step to a daemon request against the given session.
func (s *Step) Request(session string) *domain.Request {
	flags := make(map[string]any, len(s.Flags))
	for k, v := range s.Flags {
		flags[k] = v
	}
	return &domain.Request{
		Session:     session,
		Command:     s.Command,
		Positionals: append([]string(nil), s.Positionals...),
		Flags:       flags,
	}
}

// RewriteScript atomically replaces the script at path with the given
// lines (write-to-temp then rename).
func RewriteScript(path string, lines []string) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".ad-rewrite-*")
	if err != nil {
		return fmt.Errorf("create temp script: %w", err)
	}
	tmpName := tmp.Name()
	for _, line := range lines {
		if _, err := fmt.Fprintln(tmp, line); err != nil {
			tmp.Close()
			os.Remove(tmpName)
			return fmt.Errorf("write temp script: %w", err)
		}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp script: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace script: %w", err)
	}
	return nil
}
