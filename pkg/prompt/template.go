// Copyright 2026 © The Fabula Authors
// SPDX-License-Identifier: Apache-2.0

// Package prompt parses user-message templates with {name} placeholders.
//
// Literal braces are written doubled ("{{" and "}}"). A placeholder name is any
// text without '.', '[', ':' or '!', taken verbatim, so "{a-b}" and "{ name }"
// name the keys "a-b" and " name ". A placeholder may carry a "!s" or "!r"
// conversion; attribute access, indexing, format specs and positional fields
// are rejected at parse time. Values must not be nil.
package prompt

import (
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/jllopis/fabula/pkg/errors"
)

type segment struct {
	literal    string
	field      string
	conversion byte
}

// Template is a parsed prompt template. It is immutable and safe for concurrent use.
type Template struct {
	source   string
	segments []segment
	vars     []string
}

// Parse scans text once and returns the template with its required variables.
func Parse(text string) (*Template, error) {
	t := &Template{source: text}
	seen := make(map[string]bool)
	var lit strings.Builder

	flush := func() {
		if lit.Len() > 0 {
			t.segments = append(t.segments, segment{literal: lit.String()})
			lit.Reset()
		}
	}

	for i := 0; i < len(text); i++ {
		c := text[i]
		switch c {
		case '{':
			if i+1 < len(text) && text[i+1] == '{' {
				lit.WriteByte('{')
				i++
				continue
			}
			end := strings.IndexByte(text[i+1:], '}')
			if end < 0 {
				return nil, parseError(text, i, "unclosed '{'")
			}
			raw := text[i+1 : i+1+end]
			if strings.ContainsRune(raw, '{') {
				return nil, parseError(text, i, "nested replacement fields are not supported")
			}
			seg, err := parseField(raw)
			if err != nil {
				return nil, parseError(text, i, err.Error())
			}
			flush()
			t.segments = append(t.segments, seg)
			if !seen[seg.field] {
				seen[seg.field] = true
				t.vars = append(t.vars, seg.field)
			}
			i += end + 1
		case '}':
			if i+1 < len(text) && text[i+1] == '}' {
				lit.WriteByte('}')
				i++
				continue
			}
			return nil, parseError(text, i, "single '}' encountered")
		default:
			lit.WriteByte(c)
		}
	}
	flush()
	sort.Strings(t.vars)
	return t, nil
}

// MustParse is like Parse but panics on error. Intended for package-level defaults.
func MustParse(text string) *Template {
	t, err := Parse(text)
	if err != nil {
		panic(err)
	}
	return t
}

func parseField(raw string) (segment, error) {
	name := raw
	var conv byte
	if idx := strings.IndexByte(raw, '!'); idx >= 0 {
		name = raw[:idx]
		rest := raw[idx+1:]
		if rest != "s" && rest != "r" {
			return segment{}, fmt.Errorf("unsupported conversion %q in field %q", rest, raw)
		}
		conv = rest[0]
	}
	if strings.ContainsAny(name, ":") {
		return segment{}, fmt.Errorf("format specs are not supported in field %q", raw)
	}
	if strings.ContainsAny(name, ".[") {
		return segment{}, fmt.Errorf("attribute and index access are not supported in field %q", raw)
	}
	if name == "" || isDigits(name) {
		return segment{}, fmt.Errorf("positional fields are not supported")
	}
	return segment{field: name, conversion: conv}, nil
}

func parseError(text string, pos int, reason string) error {
	line := 1 + strings.Count(text[:pos], "\n")
	return errors.Newf(errors.CodeInvalidInput, "invalid prompt template (line %d): %s", line, reason)
}

func isDigits(s string) bool {
	for _, r := range s {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

// Source returns the template text as parsed.
func (t *Template) Source() string { return t.source }

// Variables returns the sorted set of placeholder names.
func (t *Template) Variables() []string {
	return append([]string(nil), t.vars...)
}

// Missing returns the sorted placeholder names absent from vars.
func (t *Template) Missing(vars map[string]any) []string {
	var missing []string
	for _, name := range t.vars {
		if _, ok := vars[name]; !ok {
			missing = append(missing, name)
		}
	}
	return missing
}

// Validate fails with MISSING_VARIABLE if any placeholder is absent from vars.
func (t *Template) Validate(vars map[string]any) error {
	missing := t.Missing(vars)
	if len(missing) == 0 {
		return nil
	}
	return errors.Newf(errors.CodeMissingVariable, "missing template variables: %s", strings.Join(missing, ", ")).
		WithContext("missing", missing)
}

// Format substitutes vars into the template. Extra keys are ignored. A nil
// value fails with INVALID_INPUT naming the sorted nil placeholders.
func (t *Template) Format(vars map[string]any) (string, error) {
	if err := t.Validate(vars); err != nil {
		return "", err
	}
	var nils []string
	for _, name := range t.vars {
		if vars[name] == nil {
			nils = append(nils, name)
		}
	}
	if len(nils) > 0 {
		return "", errors.Newf(errors.CodeInvalidInput, "nil template values: %s", strings.Join(nils, ", ")).
			WithContext("nil", nils)
	}
	var b strings.Builder
	b.Grow(len(t.source))
	for _, seg := range t.segments {
		if seg.field == "" {
			b.WriteString(seg.literal)
			continue
		}
		b.WriteString(render(vars[seg.field], seg.conversion))
	}
	return b.String(), nil
}

func render(value any, conv byte) string {
	if conv == 'r' {
		if s, ok := value.(string); ok {
			return fmt.Sprintf("%q", s)
		}
		return fmt.Sprintf("%#v", value)
	}
	switch v := value.(type) {
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}
