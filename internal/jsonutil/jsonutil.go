// Package jsonutil extracts structured JSON from the freeform stdout of
// external coding agents.
//
// Agent CLIs wrap their structured payloads in prose, markdown code fences,
// and terminal escape codes. The dispatcher relies on Extract and ExtractInto
// to recover the first valid JSON value from that noise before schema
// validation.
package jsonutil

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// maxInputBytes caps the input size. Larger payloads are rejected rather
// than scanned, preventing memory exhaustion on runaway agent output.
const maxInputBytes = 10 * 1024 * 1024

// ErrNoJSON is returned when no valid JSON value can be located in the text.
var ErrNoJSON = errors.New("no valid JSON found in text")

// reANSI matches CSI escape sequences that agent CLIs embed in their output.
var reANSI = regexp.MustCompile(`\x1b\[[0-9;]*[mGKHF]`)

// reFence matches a markdown code fence, optionally tagged "json". The fence
// body is capture group 1. (?s) lets .*? span newlines; the non-greedy
// quantifier stops at the first closing fence.
var reFence = regexp.MustCompile("(?s)```(?:json)?[ \\t]*\n(.*?)\n```")

// Extract returns the first valid JSON object or array in text. Strategies
// are tried in order of reliability: markdown code fences first, then
// delimiter matching over the raw text. ANSI escapes and a leading BOM are
// stripped before scanning.
func Extract(text string) (json.RawMessage, error) {
	cleaned, err := sanitize(text)
	if err != nil {
		return nil, err
	}
	all := scan(cleaned)
	if len(all) == 0 {
		return nil, fmt.Errorf("jsonutil: %w", ErrNoJSON)
	}
	return all[0], nil
}

// ExtractAll returns every valid top-level JSON value in text in order of
// appearance. Oversized input yields nil.
func ExtractAll(text string) []json.RawMessage {
	cleaned, err := sanitize(text)
	if err != nil {
		return nil
	}
	return scan(cleaned)
}

// ExtractInto extracts the first JSON value from text and unmarshals it into
// target.
func ExtractInto(text string, target any) error {
	raw, err := Extract(text)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return fmt.Errorf("jsonutil: unmarshal: %w", err)
	}
	return nil
}

// sanitize strips a leading UTF-8 BOM and ANSI escapes, enforcing the size cap.
func sanitize(text string) (string, error) {
	if len(text) > maxInputBytes {
		return "", fmt.Errorf("jsonutil: input exceeds %d bytes", maxInputBytes)
	}
	text = strings.TrimPrefix(text, "\xef\xbb\xbf")
	return reANSI.ReplaceAllString(text, ""), nil
}

// span records the byte range [start, end) of a processed code fence so the
// delimiter-matching pass does not re-extract its content.
type span struct{ start, end int }

// scan applies both extraction strategies to pre-sanitized text.
func scan(text string) []json.RawMessage {
	var results []json.RawMessage
	var fences []span

	for _, loc := range reFence.FindAllStringSubmatchIndex(text, -1) {
		if len(loc) < 4 {
			continue
		}
		body := strings.TrimSpace(text[loc[2]:loc[3]])
		if body == "" || !json.Valid([]byte(body)) {
			continue
		}
		fences = append(fences, span{loc[0], loc[1]})
		results = append(results, json.RawMessage(body))
	}

	for i := 0; i < len(text); i++ {
		ch := text[i]
		if ch != '{' && ch != '[' {
			continue
		}
		if inFence(i, fences) {
			continue
		}
		end := matchDelimiter(text, i)
		if end < 0 {
			continue
		}
		candidate := text[i : end+1]
		if json.Valid([]byte(candidate)) {
			results = append(results, json.RawMessage(candidate))
		}
	}

	return results
}

func inFence(pos int, fences []span) bool {
	for _, f := range fences {
		if pos >= f.start && pos < f.end {
			return true
		}
	}
	return false
}

// matchDelimiter returns the index of the closer balancing the '{' or '['
// at start, or -1. Delimiters inside double-quoted strings are ignored and
// escape sequences within strings are skipped.
func matchDelimiter(text string, start int) int {
	open := text[start]
	var closer byte
	switch open {
	case '{':
		closer = '}'
	case '[':
		closer = ']'
	default:
		return -1
	}

	depth := 0
	inString := false
	for i := start; i < len(text); i++ {
		ch := text[i]
		if inString {
			switch ch {
			case '\\':
				i++
			case '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case open:
			depth++
		case closer:
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}
