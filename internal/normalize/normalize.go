// Package normalize turns OpenSSL-style extension text into a MultiMap.
package normalize

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrMalformedEntry is returned by NormalizeStrict for an entry without a colon.
var ErrMalformedEntry = errors.New("normalize: entry has no key/value separator")

// Separator selects how extension text is split into entries.
type Separator int

const (
	// Lines splits on \r\n, \r or \n (certificatePolicies).
	Lines Separator = iota
	// Commas splits on "," (subjectAltName).
	Commas
)

var lineBreak = regexp.MustCompile(`\r\n|\r|\n`)

// MultiMap maps a normalized key to its values in insertion order.
// A key present in the map always has at least one value.
type MultiMap map[string][]string

// Add appends value to key. The key is stored as given.
func (m MultiMap) Add(key, value string) {
	m[key] = append(m[key], value)
}

// First returns the first value for key, or "" when absent.
func (m MultiMap) First(key string) string {
	if v := m[key]; len(v) > 0 {
		return v[0]
	}
	return ""
}

// Values returns the values for key. The returned slice must not be modified.
func (m MultiMap) Values(key string) []string { return m[key] }

// Normalize splits text on sep and collects "key: value" entries.
// Entries without a colon are skipped.
func Normalize(text string, sep Separator) MultiMap {
	m, _ := normalize(text, sep, false)
	return m
}

// NormalizeStrict is Normalize but fails on the first entry without a colon.
func NormalizeStrict(text string, sep Separator) (MultiMap, error) {
	return normalize(text, sep, true)
}

func normalize(text string, sep Separator, strict bool) (MultiMap, error) {
	out := MultiMap{}
	text = strings.TrimSpace(text)
	if text == "" {
		return out, nil
	}
	for i, entry := range split(text, sep) {
		key, value, ok := strings.Cut(entry, ":")
		if !ok {
			if strict {
				return MultiMap{}, fmt.Errorf("%w: entry %d %q", ErrMalformedEntry, i, strings.TrimSpace(entry))
			}
			continue
		}
		out.Add(Key(key), strings.TrimSpace(value))
	}
	return out, nil
}

func split(text string, sep Separator) []string {
	if sep == Commas {
		return strings.Split(text, ",")
	}
	return lineBreak.Split(text, -1)
}

// Key trims and lowercases k and replaces spaces with underscores.
func Key(k string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(k)), " ", "_")
}
