// Copyright (C) 2025 Schemawatch Labs, Inc.
// See LICENSE for copying information.

// Package normalize canonicalizes SQL text before hashing so that
// irrelevant formatting does not produce spurious differences.
//
// The pipeline is deterministic and pure. It is versioned: snapshots
// record the version they were normalized with, so older snapshots can
// be re-normalized on load when the pipeline changes.
package normalize

import (
	"sort"
	"strings"
	"unicode"
)

// Version is the current normalization pipeline version.
const Version = 2

// Options selects the stricter normalization passes.
type Options struct {
	// StripComments removes line and block comments.
	StripComments bool
	// CollapseWhitespace replaces runs of whitespace outside string
	// literals and quoted identifiers with a single space.
	CollapseWhitespace bool
}

// Normalize canonicalizes a SQL text.
//
// String literals, double-quoted identifiers and bracketed identifiers
// are always preserved verbatim.
func Normalize(sql string, opts Options) string {
	text := normalizeNewlines(sql)
	if opts.StripComments {
		text = stripComments(text)
	}
	if opts.CollapseWhitespace {
		text = collapseWhitespace(text)
	} else {
		text = trimLineEndings(text)
	}
	text = normalizeIndexOptions(text)
	return strings.TrimSpace(text)
}

func normalizeNewlines(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\r", "\n")
}

// trimLineEndings removes trailing whitespace from every line and
// trailing blank lines from the text.
func trimLineEndings(s string) string {
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRightFunc(line, unicode.IsSpace)
	}
	return strings.Join(lines, "\n")
}

// scanner walks SQL text and tracks literal and comment state so the
// passes never touch quoted content.
type scanner struct {
	src string
	pos int
}

func (s *scanner) done() bool { return s.pos >= len(s.src) }

func (s *scanner) peek(offset int) byte {
	if s.pos+offset >= len(s.src) {
		return 0
	}
	return s.src[s.pos+offset]
}

// copyQuoted copies a quoted region verbatim into out and returns true
// when the current position starts one. Handles '...' with doubled
// quotes, "..." identifiers, and [...] identifiers with ]] escapes.
func (s *scanner) copyQuoted(out *strings.Builder) bool {
	switch c := s.peek(0); c {
	case '\'', '"':
		out.WriteByte(c)
		s.pos++
		for !s.done() {
			cur := s.peek(0)
			out.WriteByte(cur)
			s.pos++
			if cur == c {
				if s.peek(0) == c { // doubled quote stays inside
					out.WriteByte(c)
					s.pos++
					continue
				}
				break
			}
		}
		return true
	case '[':
		out.WriteByte(c)
		s.pos++
		for !s.done() {
			cur := s.peek(0)
			out.WriteByte(cur)
			s.pos++
			if cur == ']' {
				if s.peek(0) == ']' {
					out.WriteByte(']')
					s.pos++
					continue
				}
				break
			}
		}
		return true
	}
	return false
}

// stripComments removes -- line comments and /* */ block comments
// (T-SQL block comments nest). Each removed comment becomes a single
// space so adjacent tokens stay separated.
func stripComments(sql string) string {
	var out strings.Builder
	out.Grow(len(sql))
	s := &scanner{src: sql}

	for !s.done() {
		if s.copyQuoted(&out) {
			continue
		}
		switch {
		case s.peek(0) == '-' && s.peek(1) == '-':
			for !s.done() && s.peek(0) != '\n' {
				s.pos++
			}
			out.WriteByte(' ')
		case s.peek(0) == '/' && s.peek(1) == '*':
			depth := 1
			s.pos += 2
			for !s.done() && depth > 0 {
				switch {
				case s.peek(0) == '/' && s.peek(1) == '*':
					depth++
					s.pos += 2
				case s.peek(0) == '*' && s.peek(1) == '/':
					depth--
					s.pos += 2
				default:
					s.pos++
				}
			}
			out.WriteByte(' ')
		default:
			out.WriteByte(s.peek(0))
			s.pos++
		}
	}
	return out.String()
}

// collapseWhitespace replaces every run of whitespace outside quoted
// regions with a single space.
func collapseWhitespace(sql string) string {
	var out strings.Builder
	out.Grow(len(sql))
	s := &scanner{src: sql}
	inRun := false

	for !s.done() {
		if s.copyQuoted(&out) {
			inRun = false
			continue
		}
		c := s.peek(0)
		if c == ' ' || c == '\t' || c == '\n' || c == '\v' || c == '\f' {
			if !inRun {
				out.WriteByte(' ')
				inRun = true
			}
			s.pos++
			continue
		}
		inRun = false
		out.WriteByte(c)
		s.pos++
	}
	return strings.TrimSpace(out.String())
}

// normalizeIndexOptions sorts the option clauses inside WITH (...) of
// index statements so option ordering does not affect the hash.
func normalizeIndexOptions(sql string) string {
	upper := strings.ToUpper(sql)
	if !strings.Contains(upper, "INDEX") || !strings.Contains(upper, "WITH") {
		return sql
	}

	var out strings.Builder
	out.Grow(len(sql))
	pos := 0
	for {
		idx := indexOfKeyword(upper[pos:], "WITH")
		if idx < 0 {
			out.WriteString(sql[pos:])
			break
		}
		idx += pos
		open := idx + len("WITH")
		for open < len(sql) && isSpace(sql[open]) {
			open++
		}
		if open >= len(sql) || sql[open] != '(' {
			out.WriteString(sql[pos : idx+len("WITH")])
			pos = idx + len("WITH")
			continue
		}
		closing := matchParen(sql, open)
		if closing < 0 {
			out.WriteString(sql[pos:])
			break
		}
		out.WriteString(sql[pos:idx])
		out.WriteString("WITH (")
		out.WriteString(sortedOptionList(sql[open+1 : closing]))
		out.WriteString(")")
		pos = closing + 1
	}
	return out.String()
}

// indexOfKeyword finds the keyword as a standalone word, outside quoted
// regions.
func indexOfKeyword(upper, keyword string) int {
	for start := 0; ; {
		idx := strings.Index(upper[start:], keyword)
		if idx < 0 {
			return -1
		}
		idx += start
		before := byte(' ')
		if idx > 0 {
			before = upper[idx-1]
		}
		after := byte(' ')
		if idx+len(keyword) < len(upper) {
			after = upper[idx+len(keyword)]
		}
		if !isWordByte(before) && !isWordByte(after) {
			return idx
		}
		start = idx + len(keyword)
	}
}

func isWordByte(c byte) bool {
	return c == '_' || c == '@' || c == '#' ||
		(c >= '0' && c <= '9') || (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z')
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\v' || c == '\f'
}

// matchParen returns the index of the parenthesis closing the one at
// open, or -1.
func matchParen(s string, open int) int {
	depth := 0
	for i := open; i < len(s); i++ {
		switch s[i] {
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// sortedOptionList sorts a comma-separated option list, splitting only
// at top-level commas.
func sortedOptionList(list string) string {
	var parts []string
	depth, start := 0, 0
	for i := 0; i < len(list); i++ {
		switch list[i] {
		case '(':
			depth++
		case ')':
			depth--
		case ',':
			if depth == 0 {
				parts = append(parts, strings.TrimSpace(list[start:i]))
				start = i + 1
			}
		}
	}
	parts = append(parts, strings.TrimSpace(list[start:]))
	sort.Strings(parts)
	return strings.Join(parts, ", ")
}
