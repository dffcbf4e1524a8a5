// Copyright (C) 2025 Schemawatch Labs, Inc.
// See LICENSE for copying information.

package filemodel

import (
	"path"
	"strings"

	"github.com/schemawatch/schemawatch/observer/schema"
	"github.com/schemawatch/schemawatch/observer/subscriptions"
)

// typeDirNames maps the folder names a by-type layout uses to object
// types. Both singular and plural spellings are accepted.
var typeDirNames = map[string]schema.ObjectType{
	"table":            schema.TypeTable,
	"tables":           schema.TypeTable,
	"view":             schema.TypeView,
	"views":            schema.TypeView,
	"procedure":        schema.TypeStoredProcedure,
	"procedures":       schema.TypeStoredProcedure,
	"storedprocedure":  schema.TypeStoredProcedure,
	"storedprocedures": schema.TypeStoredProcedure,
	"function":         schema.TypeScalarFunction,
	"functions":        schema.TypeScalarFunction,
	"trigger":          schema.TypeTrigger,
	"triggers":         schema.TypeTrigger,
	"user":             schema.TypeUser,
	"users":            schema.TypeUser,
	"role":             schema.TypeRole,
	"roles":            schema.TypeRole,
	"security":         schema.TypeUser,
}

// classify derives (schema, object-name, object-type) for a project
// file. relPath is slash-separated and relative to the folder root.
// The layout gives the first hint; the leading statement of the content
// refines or overrides it. Files that resist classification come back
// with type unknown, never an error.
func classify(relPath, content string, layout subscriptions.LayoutKind) (schemaName, objectName string, objectType schema.ObjectType) {
	schemaName = "dbo"
	objectType = schema.TypeUnknown

	dir, file := path.Split(relPath)
	base := strings.TrimSuffix(file, path.Ext(file))
	if dotted := strings.SplitN(base, ".", 2); len(dotted) == 2 && dotted[0] != "" && dotted[1] != "" {
		schemaName, objectName = dotted[0], dotted[1]
	} else {
		objectName = base
	}

	parts := splitPath(dir)
	switch layout {
	case subscriptions.LayoutBySchema:
		if len(parts) > 0 {
			schemaName = parts[len(parts)-1]
		}
	case subscriptions.LayoutByType:
		if len(parts) > 0 {
			if t, ok := typeDirNames[strings.ToLower(parts[len(parts)-1])]; ok {
				objectType = t
			}
		}
	case subscriptions.LayoutBySchemaAndType:
		if len(parts) > 1 {
			schemaName = parts[len(parts)-2]
			if t, ok := typeDirNames[strings.ToLower(parts[len(parts)-1])]; ok {
				objectType = t
			}
		} else if len(parts) == 1 {
			schemaName = parts[0]
		}
	}

	if stmtSchema, stmtName, stmtType, ok := classifyStatement(content); ok {
		if stmtSchema != "" {
			schemaName = stmtSchema
		}
		if stmtName != "" {
			objectName = stmtName
		}
		objectType = stmtType
	}
	return schemaName, objectName, objectType
}

func splitPath(dir string) []string {
	dir = strings.Trim(dir, "/")
	if dir == "" {
		return nil
	}
	return strings.Split(dir, "/")
}

// classifyStatement parses the leading CREATE statement of a script.
// It tolerates leading comments, GO separators and CREATE OR ALTER.
func classifyStatement(content string) (schemaName, objectName string, objectType schema.ObjectType, ok bool) {
	words := newWordScanner(content)

	for {
		word, exists := words.peek()
		if !exists {
			return "", "", schema.TypeUnknown, false
		}
		if strings.EqualFold(word, "go") || strings.EqualFold(word, "use") ||
			strings.EqualFold(word, "set") {
			words.skipStatement()
			continue
		}
		break
	}

	if word, _ := words.next(); !strings.EqualFold(word, "create") {
		return "", "", schema.TypeUnknown, false
	}

	keyword, exists := words.next()
	if !exists {
		return "", "", schema.TypeUnknown, false
	}
	if strings.EqualFold(keyword, "or") {
		if alter, _ := words.next(); !strings.EqualFold(alter, "alter") {
			return "", "", schema.TypeUnknown, false
		}
		keyword, exists = words.next()
		if !exists {
			return "", "", schema.TypeUnknown, false
		}
	}

	name, exists := words.next()
	if !exists {
		return "", "", schema.TypeUnknown, false
	}
	schemaName, objectName = splitQualifiedName(name)

	switch strings.ToLower(keyword) {
	case "table":
		return schemaName, objectName, schema.TypeTable, true
	case "view":
		return schemaName, objectName, schema.TypeView, true
	case "procedure", "proc":
		return schemaName, objectName, schema.TypeStoredProcedure, true
	case "trigger":
		return schemaName, objectName, schema.TypeTrigger, true
	case "user":
		return schemaName, objectName, schema.TypeUser, true
	case "role":
		return schemaName, objectName, schema.TypeRole, true
	case "function":
		return schemaName, objectName, classifyFunction(words.rest()), true
	}
	return "", "", schema.TypeUnknown, false
}

// classifyFunction distinguishes the three function flavors by the
// shape of the RETURNS clause: RETURNS TABLE is inline, RETURNS
// @variable TABLE is multi-statement table-valued, anything else is
// scalar.
func classifyFunction(body string) schema.ObjectType {
	idx := indexKeyword(body, "returns")
	if idx < 0 {
		return schema.TypeScalarFunction
	}
	words := newWordScanner(body[idx+len("returns"):])
	word, exists := words.next()
	if !exists {
		return schema.TypeScalarFunction
	}
	if strings.EqualFold(word, "table") {
		return schema.TypeInlineTableValuedFunction
	}
	if strings.HasPrefix(word, "@") {
		if next, _ := words.next(); strings.EqualFold(next, "table") {
			return schema.TypeTableValuedFunction
		}
	}
	return schema.TypeScalarFunction
}

// splitQualifiedName splits "schema.name" into its parts, stripping
// [brackets] and "quotes" from each. A bare name defaults to dbo.
func splitQualifiedName(name string) (schemaName, objectName string) {
	parts := splitDotted(name)
	switch len(parts) {
	case 0:
		return "dbo", ""
	case 1:
		return "dbo", unquoteIdent(parts[0])
	default:
		// for database.schema.name the last two parts matter
		return unquoteIdent(parts[len(parts)-2]), unquoteIdent(parts[len(parts)-1])
	}
}

// splitDotted splits on dots outside [brackets] and "quotes".
func splitDotted(name string) []string {
	var parts []string
	var current strings.Builder
	depth := 0
	quoted := false
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c == '[' && !quoted:
			depth++
		case c == ']' && !quoted && depth > 0:
			depth--
		case c == '"' && depth == 0:
			quoted = !quoted
		case c == '.' && depth == 0 && !quoted:
			parts = append(parts, current.String())
			current.Reset()
			continue
		}
		current.WriteByte(c)
	}
	parts = append(parts, current.String())
	return parts
}

func unquoteIdent(ident string) string {
	ident = strings.TrimSpace(ident)
	if len(ident) >= 2 && ident[0] == '[' && ident[len(ident)-1] == ']' {
		return strings.ReplaceAll(ident[1:len(ident)-1], "]]", "]")
	}
	if len(ident) >= 2 && ident[0] == '"' && ident[len(ident)-1] == '"' {
		return strings.ReplaceAll(ident[1:len(ident)-1], `""`, `"`)
	}
	return ident
}

// wordScanner yields whitespace-separated tokens, skipping -- and
// /* */ comments.
type wordScanner struct {
	text string
	pos  int
}

func newWordScanner(text string) *wordScanner {
	return &wordScanner{text: text}
}

func (w *wordScanner) next() (string, bool) {
	w.skipSpaceAndComments()
	if w.pos >= len(w.text) {
		return "", false
	}
	start := w.pos
	for w.pos < len(w.text) && !isSpace(w.text[w.pos]) {
		w.pos++
	}
	return w.text[start:w.pos], true
}

func (w *wordScanner) peek() (string, bool) {
	saved := w.pos
	word, exists := w.next()
	w.pos = saved
	return word, exists
}

// skipStatement advances past the current line, which is enough for the
// GO, USE and SET preambles scripts commonly start with.
func (w *wordScanner) skipStatement() {
	for w.pos < len(w.text) && w.text[w.pos] != '\n' {
		w.pos++
	}
}

// rest returns the unconsumed remainder.
func (w *wordScanner) rest() string {
	return w.text[w.pos:]
}

func (w *wordScanner) skipSpaceAndComments() {
	for w.pos < len(w.text) {
		c := w.text[w.pos]
		switch {
		case isSpace(c):
			w.pos++
		case c == '-' && w.pos+1 < len(w.text) && w.text[w.pos+1] == '-':
			for w.pos < len(w.text) && w.text[w.pos] != '\n' {
				w.pos++
			}
		case c == '/' && w.pos+1 < len(w.text) && w.text[w.pos+1] == '*':
			end := strings.Index(w.text[w.pos+2:], "*/")
			if end < 0 {
				w.pos = len(w.text)
				return
			}
			w.pos += 2 + end + 2
		default:
			return
		}
	}
}

// indexKeyword finds keyword as a standalone word, case-insensitively.
func indexKeyword(text, keyword string) int {
	lower := strings.ToLower(text)
	keyword = strings.ToLower(keyword)
	from := 0
	for {
		idx := strings.Index(lower[from:], keyword)
		if idx < 0 {
			return -1
		}
		idx += from
		beforeOK := idx == 0 || !isWordByte(lower[idx-1])
		after := idx + len(keyword)
		afterOK := after >= len(lower) || !isWordByte(lower[after])
		if beforeOK && afterOK {
			return idx
		}
		from = idx + len(keyword)
	}
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

func isWordByte(c byte) bool {
	return c == '_' || c >= '0' && c <= '9' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
}
