// Package signature normalizes raw CI failure messages into stable,
// comparable signatures (spec.md §4.5): strip the parts of a message
// that vary run-to-run (paths, line numbers, hex addresses, timestamps,
// numeric IDs) so that two failures with the same root cause collapse to
// the same signature even when their incidental detail differs.
package signature

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
)

// Category is a coarse failure classification used for clustering and
// rationale text.
type Category string

const (
	CategoryTimeout    Category = "timeout"
	CategoryAssertion  Category = "assertion"
	CategoryConnection Category = "connection"
	CategoryResource   Category = "resource"
	CategoryUnknown    Category = "unknown"
)

var (
	filePathRe  = regexp.MustCompile(`(?:[a-zA-Z]:)?(?:[/\\][\w.\-]+)+\.\w+`)
	lineNumRe   = regexp.MustCompile(`:\d+(:\d+)?\b`)
	hexAddrRe   = regexp.MustCompile(`\b0x[0-9a-fA-F]+\b`)
	timestampRe = regexp.MustCompile(`\b\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}:\d{2}(\.\d+)?(Z|[+-]\d{2}:?\d{2})?\b`)
	numericIDRe = regexp.MustCompile(`\b\d{4,}\b`)
	uuidRe      = regexp.MustCompile(`\b[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}\b`)
	whitespaceRe = regexp.MustCompile(`\s+`)
)

var categoryKeywords = map[Category][]string{
	CategoryTimeout:    {"timeout", "timed out", "deadline exceeded", "context deadline"},
	CategoryConnection: {"connection refused", "connection reset", "no route to host", "broken pipe", "econnrefused", "dial tcp"},
	CategoryResource:   {"out of memory", "oom", "too many open files", "disk full", "no space left", "resource exhausted"},
	CategoryAssertion:  {"assert", "expected", "but was", "expect(", "assertionerror", "mismatch"},
}

// Normalize strips variable content from a raw failure message, lowercases
// it, and collapses whitespace. The result is suitable for hashing and
// equality comparison across occurrences of "the same" failure.
func Normalize(raw string) string {
	s := uuidRe.ReplaceAllString(raw, "<id>")
	s = timestampRe.ReplaceAllString(s, "<ts>")
	s = hexAddrRe.ReplaceAllString(s, "<hex>")
	s = filePathRe.ReplaceAllString(s, "<path>")
	s = lineNumRe.ReplaceAllString(s, "")
	s = numericIDRe.ReplaceAllString(s, "<n>")
	s = strings.ToLower(s)
	s = whitespaceRe.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// Classify assigns a coarse category to a raw failure message by keyword
// match against the normalized text, checked in a fixed priority order so
// a message mentioning both a timeout and an assertion is classified as
// the more specific timeout.
func Classify(raw string) Category {
	norm := strings.ToLower(raw)
	order := []Category{CategoryTimeout, CategoryConnection, CategoryResource, CategoryAssertion}
	for _, cat := range order {
		for _, kw := range categoryKeywords[cat] {
			if strings.Contains(norm, kw) {
				return cat
			}
		}
	}
	return CategoryUnknown
}

// Hash returns a stable, short hex digest of a normalized signature,
// suitable for storage in FailureCluster.FailureMsgSignature and
// Occurrence.MessageSig.
func Hash(normalized string) string {
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])[:16]
}

// Of is a convenience that normalizes, classifies, and hashes raw in one
// call, returning the signature hash and its category.
func Of(raw string) (sig string, category Category) {
	norm := Normalize(raw)
	return Hash(norm), Classify(raw)
}
