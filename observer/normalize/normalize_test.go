// Copyright (C) 2025 Schemawatch Labs, Inc.
// See LICENSE for copying information.

package normalize_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/schemawatch/schemawatch/observer/normalize"
)

func TestNormalize_Newlines(t *testing.T) {
	got := normalize.Normalize("SELECT 1\r\nFROM t\r", normalize.Options{})
	require.Equal(t, "SELECT 1\nFROM t", got)
}

func TestNormalize_TrailingWhitespace(t *testing.T) {
	got := normalize.Normalize("SELECT 1   \nFROM t\t\n\n\n", normalize.Options{})
	require.Equal(t, "SELECT 1\nFROM t", got)
}

func TestNormalize_CollapseWhitespace(t *testing.T) {
	opts := normalize.Options{CollapseWhitespace: true}

	a := normalize.Normalize("SELECT   col1,\n\t\tcol2  FROM   t", opts)
	b := normalize.Normalize("SELECT col1, col2 FROM t", opts)
	require.Equal(t, b, a)
}

func TestNormalize_PreservesLiterals(t *testing.T) {
	opts := normalize.Options{CollapseWhitespace: true, StripComments: true}

	got := normalize.Normalize("SELECT 'a  --  b' AS [c  d], \"e  f\"", opts)
	require.Equal(t, `SELECT 'a  --  b' AS [c  d], "e  f"`, got)
}

func TestNormalize_StripLineComments(t *testing.T) {
	opts := normalize.Options{StripComments: true, CollapseWhitespace: true}

	a := normalize.Normalize("SELECT 1 -- the answer\nFROM t", opts)
	b := normalize.Normalize("SELECT 1 FROM t", opts)
	require.Equal(t, b, a)
}

func TestNormalize_StripNestedBlockComments(t *testing.T) {
	opts := normalize.Options{StripComments: true, CollapseWhitespace: true}

	a := normalize.Normalize("SELECT /* outer /* inner */ still outer */ 1", opts)
	b := normalize.Normalize("SELECT 1", opts)
	require.Equal(t, b, a)
}

func TestNormalize_EscapedQuotes(t *testing.T) {
	opts := normalize.Options{CollapseWhitespace: true}

	got := normalize.Normalize("SELECT 'it''s  fine'", opts)
	require.Equal(t, "SELECT 'it''s  fine'", got)
}

func TestNormalize_IndexOptionOrdering(t *testing.T) {
	a := normalize.Normalize(
		"CREATE INDEX ix_t ON t (a) WITH (PAD_INDEX = ON, FILLFACTOR = 80)",
		normalize.Options{})
	b := normalize.Normalize(
		"CREATE INDEX ix_t ON t (a) WITH (FILLFACTOR = 80, PAD_INDEX = ON)",
		normalize.Options{})
	require.Equal(t, b, a)
}

func TestNormalize_Idempotent(t *testing.T) {
	inputs := []string{
		"SELECT 1",
		"SELECT   1  \n\n FROM  t -- c\n/* d */",
		"CREATE INDEX ix ON t (a, b) WITH (B = 2, A = 1)",
		"CREATE VIEW v AS SELECT 'x  y' AS c",
	}
	for _, variant := range []normalize.Options{
		{},
		{StripComments: true},
		{CollapseWhitespace: true},
		{StripComments: true, CollapseWhitespace: true},
	} {
		for _, input := range inputs {
			once := normalize.Normalize(input, variant)
			twice := normalize.Normalize(once, variant)
			require.Equal(t, once, twice, "input %q options %+v", input, variant)
		}
	}
}
