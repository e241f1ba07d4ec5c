// Package sseutil holds the SSE plumbing shared by the provider adapters:
// a line scanner sized for upstream stream frames, field parsing, and
// builders for chunks in the gateway's chat completion wire dialect.
package sseutil

import (
	"bufio"
	"io"
	"strings"
)

// Upstream data lines carry one JSON chunk each; 64KB covers the largest
// tool-call argument deltas seen in practice.
const maxLineSize = 64 * 1024

// NewScanner returns a line scanner for an upstream SSE body. Scan yields
// one line at a time without the trailing newline.
func NewScanner(r io.Reader) *bufio.Scanner {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 4096), maxLineSize)
	return s
}

// ParseLine splits one SSE line into its event name and data payload.
// Blank lines, comments, and unknown fields report ok=false, so adapter
// stream loops can skip them without caring which kind they were.
func ParseLine(line string) (event, data string, ok bool) {
	if line == "" {
		return "", "", false
	}
	if line[0] == ':' {
		return "", "", false
	}

	field, value, found := strings.Cut(line, ":")
	if !found {
		return "", "", false
	}
	// One optional space after the colon per the SSE grammar.
	value = strings.TrimPrefix(value, " ")

	switch field {
	case "event":
		return value, "", true
	case "data":
		return "", value, true
	default:
		return "", "", false
	}
}
