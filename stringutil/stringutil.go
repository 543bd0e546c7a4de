// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package stringutil holds allocation free helpers for parsing text listings.
package stringutil // import "github.com/emutrace/qtrace/stringutil"

import "strings"

var asciiSpace = [256]uint8{'\t': 1, '\n': 1, '\v': 1, '\f': 1, '\r': 1, ' ': 1}

// skipSpace returns the index of the first non-space byte at or after i.
func skipSpace(s string, i int) int {
	for i < len(s) && asciiSpace[s[i]] != 0 {
		i++
	}
	return i
}

// FieldsN splits s around runs of white space into f and returns the number
// of fields filled in. When s has more fields than len(f), the last element
// receives the remainder of s starting at its first non-space byte.
func FieldsN(s string, f []string) int {
	n := len(f)
	if n == 0 {
		return 0
	}
	i := 0
	for field := 0; field < n-1; field++ {
		i = skipSpace(s, i)
		start := i
		for i < len(s) && asciiSpace[s[i]] == 0 {
			i++
		}
		if start == i {
			return field
		}
		f[field] = s[start:i]
	}
	i = skipSpace(s, i)
	if i == len(s) {
		return n - 1
	}
	f[n-1] = s[i:]
	return n
}

// SplitList splits a separated list into f, dropping empty elements and
// surrounding white space. It returns the number of elements stored.
// Elements beyond len(f) are ignored.
func SplitList(s, sep string, f []string) int {
	n := 0
	for n < len(f) && s != "" {
		elem, rest, _ := strings.Cut(s, sep)
		s = rest
		if elem = strings.TrimSpace(elem); elem != "" {
			f[n] = elem
			n++
		}
	}
	return n
}
