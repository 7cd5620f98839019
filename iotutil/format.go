// Package iotutil contains helpers shared by transports and command line tools.
package iotutil

import (
	"fmt"
	"sort"
	"strings"
	"unicode"
)

// IsPrintable reports whether the given slice
// of bytes can be safely printed to console.
func IsPrintable(b []byte) bool {
	for _, r := range string(b) {
		if !unicode.IsPrint(r) {
			return false
		}
	}
	return true
}

// FormatPayload converts b into sequence of hex words if it's not printable.
func FormatPayload(b []byte) string {
	if IsPrintable(b) {
		return string(b)
	}
	return fmt.Sprintf("% x", b)
}

// FormatPropertiesShort formats the given map of properties to a one-line string
// sorted by keys.
func FormatPropertiesShort(m map[string]string) string {
	b := &strings.Builder{}
	for i, k := range sortedKeys(m) {
		if i != 0 {
			b.WriteByte(' ')
		}
		b.WriteString(k + ":" + FormatPayload([]byte(m[k])))
	}
	return b.String()
}

// FormatProperties formats the given map of properties to a per key line string.
func FormatProperties(m map[string]string) string {
	p := 0
	for k := range m {
		if p < len(k) {
			p = len(k)
		}
	}
	b := &strings.Builder{}
	for i, k := range sortedKeys(m) {
		if i != 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(b, "%-*s : %s", p, k, FormatPayload([]byte(m[k])))
	}
	return b.String()
}

func sortedKeys(m map[string]string) []string {
	o := make([]string, 0, len(m))
	for k := range m {
		o = append(o, k)
	}
	sort.Strings(o)
	return o
}
