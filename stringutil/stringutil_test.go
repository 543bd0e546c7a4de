// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package stringutil

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFieldsN(t *testing.T) {
	tests := map[string]struct {
		input     string
		expected  []string
		maxFields int
	}{
		"empty":          {"", []string{}, 2},
		"only spaces":    {" \t ", []string{}, 2},
		"single":         {" main ", []string{"main"}, 2},
		"two":            {"0x10 4", []string{"0x10", "4"}, 2},
		"remainder":      {"0x10 4  Foo bar", []string{"0x10", "4  Foo bar"}, 2},
		"dexlist method": {"0x2c 12 LFoo; run ()V Foo.java 7", []string{"0x2c", "12", "LFoo;", "run", "()V", "Foo.java", "7"}, 7},
		"under capacity": {"a b", []string{"a", "b"}, 4},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			var fields [8]string
			n := FieldsN(tc.input, fields[:tc.maxFields])
			require.Equal(t, tc.expected, fields[:n])
		})
	}
}

func TestSplitList(t *testing.T) {
	tests := map[string]struct {
		input    string
		expected []string
	}{
		"empty":    {"", []string{}},
		"one":      {"17", []string{"17"}},
		"spaces":   {" 1 , 2,3 ", []string{"1", "2", "3"}},
		"holes":    {"1,,2,", []string{"1", "2"}},
		"capacity": {"1,2,3,4,5", []string{"1", "2", "3", "4"}},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			var fields [4]string
			n := SplitList(tc.input, ",", fields[:])
			require.Equal(t, tc.expected, fields[:n])
		})
	}
}
