// Copyright (C) 2025 Schemawatch Labs, Inc.
// See LICENSE for copying information.

// Package schema contains the shared schema object model: object
// summaries extracted from a database or a project folder, and the
// snapshots built from them.
package schema

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// ObjectType is the kind of a schema object.
type ObjectType string

// Object types recognized by the observer. The supported set
// participates in comparisons; the rest is carried only through the
// unsupported channel.
const (
	TypeTable                     ObjectType = "table"
	TypeView                      ObjectType = "view"
	TypeStoredProcedure           ObjectType = "stored-procedure"
	TypeScalarFunction            ObjectType = "scalar-function"
	TypeTableValuedFunction       ObjectType = "table-valued-function"
	TypeInlineTableValuedFunction ObjectType = "inline-table-valued-function"
	TypeTrigger                   ObjectType = "trigger"
	TypeUser                      ObjectType = "user"
	TypeRole                      ObjectType = "role"

	TypeLogin   ObjectType = "login"
	TypeUnknown ObjectType = "unknown"
)

// SupportedTypes lists the object types that participate in comparisons,
// in their canonical sort order.
func SupportedTypes() []ObjectType {
	return []ObjectType{
		TypeTable,
		TypeView,
		TypeStoredProcedure,
		TypeScalarFunction,
		TypeTableValuedFunction,
		TypeInlineTableValuedFunction,
		TypeTrigger,
		TypeUser,
		TypeRole,
	}
}

// Supported reports whether the type participates in comparisons.
func (t ObjectType) Supported() bool {
	switch t {
	case TypeTable, TypeView, TypeStoredProcedure,
		TypeScalarFunction, TypeTableValuedFunction, TypeInlineTableValuedFunction,
		TypeTrigger, TypeUser, TypeRole:
		return true
	}
	return false
}

// ObjectKey identifies a schema object within a subscription.
type ObjectKey struct {
	Type   ObjectType `json:"type"`
	Schema string     `json:"schema"`
	Name   string     `json:"name"`
}

// Less orders keys by (type, schema, name).
func (k ObjectKey) Less(other ObjectKey) bool {
	if k.Type != other.Type {
		return k.Type < other.Type
	}
	if k.Schema != other.Schema {
		return k.Schema < other.Schema
	}
	return k.Name < other.Name
}

// ObjectSummary is a single schema object's fingerprint.
type ObjectSummary struct {
	SchemaName     string     `json:"schemaName"`
	ObjectName     string     `json:"objectName"`
	Type           ObjectType `json:"type"`
	DefinitionHash string     `json:"definitionHash"`
	Definition     string     `json:"definition"`
	ModifiedAt     *time.Time `json:"modifiedAt,omitempty"`
}

// Key returns the identity of the summary.
func (s ObjectSummary) Key() ObjectKey {
	return ObjectKey{Type: s.Type, Schema: s.SchemaName, Name: s.ObjectName}
}

// Equal reports whether two summaries describe the same object with the
// same definition.
func (s ObjectSummary) Equal(other ObjectSummary) bool {
	return s.Type == other.Type &&
		s.SchemaName == other.SchemaName &&
		s.ObjectName == other.ObjectName &&
		s.DefinitionHash == other.DefinitionHash
}

// HashDefinition computes the hex-encoded SHA-256 of a normalized
// definition script.
func HashDefinition(normalized string) string {
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}
