package utils

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Tokenize splits text on whitespace, lowercases each token and trims
// surrounding punctuation. Empty and duplicate tokens are dropped; the
// order of first appearance is kept.
func Tokenize(text string) []string {
	fields := strings.Fields(strings.ToLower(text))
	tokens := make([]string, 0, len(fields))
	seen := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		tok := strings.TrimFunc(f, func(r rune) bool {
			return unicode.IsPunct(r) || unicode.IsSymbol(r)
		})
		if tok == "" {
			continue
		}
		if _, ok := seen[tok]; ok {
			continue
		}
		seen[tok] = struct{}{}
		tokens = append(tokens, tok)
	}
	return tokens
}

// IsShortFollowUp reports whether text looks like a continuation of the
// previous question ("and in surah 3?", "more") rather than a standalone one.
func IsShortFollowUp(text string, maxWords int) bool {
	n := len(strings.Fields(text))
	return n > 0 && n <= maxWords
}

// Truncate shortens s to at most n runes, appending "..." when cut.
func Truncate(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n]) + "..."
}

// UniqueStrings concatenates lists, dropping blanks and case-insensitive
// duplicates while keeping the first spelling seen.
func UniqueStrings(lists ...[]string) []string {
	out := []string{}
	seen := map[string]struct{}{}
	for _, l := range lists {
		for _, s := range l {
			s = strings.TrimSpace(s)
			if s == "" {
				continue
			}
			k := strings.ToLower(s)
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = struct{}{}
			out = append(out, s)
		}
	}
	return out
}
