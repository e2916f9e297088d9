package template

import (
	"strings"

	"github.com/rendis/testpilot/pkg/schema"
)

// Namespace identifies the data source an expression resolves against.
// Closed set with exhaustive switches so adding a namespace is a
// compile-time-checked change.
type Namespace int

const (
	NamespaceResponse Namespace = iota
	NamespaceProcessed
	NamespaceParameter
	NamespaceEnvironment
	NamespaceFunction
)

// String returns the wire prefix for the namespace.
func (n Namespace) String() string {
	switch n {
	case NamespaceResponse:
		return "res"
	case NamespaceProcessed:
		return "proc"
	case NamespaceParameter:
		return "param"
	case NamespaceEnvironment:
		return "env"
	case NamespaceFunction:
		return "func"
	default:
		return "unknown"
	}
}

// namespaceByPrefix maps the five known wire prefixes to their namespace.
var namespaceByPrefix = map[string]Namespace{
	"res":   NamespaceResponse,
	"proc":  NamespaceProcessed,
	"param": NamespaceParameter,
	"env":   NamespaceEnvironment,
	"func":  NamespaceFunction,
}

// Expression is one parsed {{...}} or {{{...}}} token.
type Expression struct {
	Raw          string    // original token text, braces included
	PreserveType bool      // triple-brace form
	Namespace    Namespace
	Path         string    // token content after the namespace prefix
	Offset       int       // byte offset of the opening braces in the source string
}

// Segment is one element of a parsed template string: either literal text or
// an expression. Concatenating resolved segments in order reproduces the
// final string for stringify substitution.
type Segment struct {
	Literal string
	Expr    *Expression
}

// Parse scans a template string left to right and splits it into literal and
// expression segments. A token opens at {{ and closes at the first following
// }} (greedy-to-first-match); {{{...}}} is the preserve-type form. Nested
// braces inside a token are not supported.
//
// A token whose content does not begin with one of the known namespace
// prefixes is passed through verbatim, braces included. This fail-soft policy
// lets templates carry brace-bearing payloads (CSS, snippets) untouched and
// is applied consistently everywhere.
//
// An unterminated {{ is reported as a malformed-template error naming the
// offending fragment and its byte offset. The error applies to this string
// only; the engine isolates it from sibling values in the same document.
func Parse(text string) ([]Segment, error) {
	if text == "" {
		return []Segment{{Literal: ""}}, nil
	}

	var segments []Segment
	i := 0
	for i < len(text) {
		idx := strings.Index(text[i:], "{{")
		if idx == -1 {
			segments = append(segments, Segment{Literal: text[i:]})
			break
		}

		if idx > 0 {
			segments = append(segments, Segment{Literal: text[i : i+idx]})
		}
		open := i + idx

		// Triple-brace preserve-type form takes precedence when a matching
		// }}} exists; otherwise fall back to the double-brace reading.
		if strings.HasPrefix(text[open:], "{{{") {
			if closeIdx := strings.Index(text[open+3:], "}}}"); closeIdx != -1 {
				end := open + 3 + closeIdx
				segments = append(segments, tokenSegment(text[open:end+3], text[open+3:end], true, open))
				i = end + 3
				continue
			}
		}

		closeIdx := strings.Index(text[open+2:], "}}")
		if closeIdx == -1 {
			fragment := text[open:]
			if len(fragment) > 40 {
				fragment = fragment[:40] + "..."
			}
			return segments, schema.NewErrorf(schema.ErrCodeMalformedExpression,
				"unterminated expression %q at offset %d", fragment, open).
				WithDetails(map[string]any{"fragment": fragment, "offset": open})
		}
		end := open + 2 + closeIdx
		segments = append(segments, tokenSegment(text[open:end+2], text[open+2:end], false, open))
		i = end + 2
	}

	if len(segments) == 0 {
		segments = append(segments, Segment{Literal: ""})
	}
	return segments, nil
}

// tokenSegment classifies one token's content. Content with a known namespace
// prefix becomes an Expression segment; anything else is passed through as a
// literal carrying the raw token text.
func tokenSegment(raw, content string, preserveType bool, offset int) Segment {
	trimmed := strings.TrimSpace(content)

	prefix, rest, found := strings.Cut(trimmed, ":")
	if !found {
		return Segment{Literal: raw}
	}
	ns, known := namespaceByPrefix[prefix]
	if !known {
		return Segment{Literal: raw}
	}

	return Segment{Expr: &Expression{
		Raw:          raw,
		PreserveType: preserveType,
		Namespace:    ns,
		Path:         strings.TrimSpace(rest),
		Offset:       offset,
	}}
}

// HasExpressions reports whether a string contains any {{ marker. Rendering a
// value with no expressions is the identity function, so callers can use this
// as a cheap pre-check.
func HasExpressions(s string) bool {
	return strings.Contains(s, "{{")
}
