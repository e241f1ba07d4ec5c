package guardrails

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	conduit "github.com/conduitproxy/conduit/internal"
)

// PIIType labels one class of detected PII.
type PIIType string

const (
	PIIEmail      PIIType = "email"
	PIIPhone      PIIType = "phone"
	PIISSN        PIIType = "ssn"
	PIICreditCard PIIType = "credit_card"
	PIIIPv4       PIIType = "ipv4"
	PIIAWSKey     PIIType = "aws_key"
	PIIAPIKey     PIIType = "api_key"
)

// PIIMatch is a single detected PII value.
type PIIMatch struct {
	Type  PIIType
	Value string
}

// PIIResult holds the matches and the redacted form of the scanned text.
type PIIResult struct {
	Matches      []PIIMatch
	RedactedText string
}

// HasPII reports whether any PII was detected.
func (r *PIIResult) HasPII() bool { return len(r.Matches) > 0 }

// Types returns the distinct detected PII type names.
func (r *PIIResult) Types() []string {
	seen := make(map[PIIType]bool, len(r.Matches))
	var types []string
	for _, m := range r.Matches {
		if !seen[m.Type] {
			seen[m.Type] = true
			types = append(types, string(m.Type))
		}
	}
	return types
}

type piiDetector struct {
	typ PIIType
	re  *regexp.Regexp
	// valid suppresses false positives (Luhn for cards, octet range for IPs).
	valid func(string) bool
}

// Detector order matters: credit cards run before phones so a card number is
// consumed whole instead of partially matching the looser phone pattern.
var piiDetectors = []piiDetector{
	{typ: PIIEmail, re: regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)},
	{typ: PIIAWSKey, re: regexp.MustCompile(`\b(?:AKIA|ASIA)[0-9A-Z]{16}\b`)},
	{typ: PIIAPIKey, re: regexp.MustCompile(`\bsk-[A-Za-z0-9_-]{16,}\b`)},
	{typ: PIISSN, re: regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)},
	{typ: PIICreditCard, re: regexp.MustCompile(`\b(?:\d[ -]?){12,18}\d\b`), valid: luhnValid},
	{typ: PIIPhone, re: regexp.MustCompile(`\+?\d{0,3}[-. ]?\(?\d{3}\)?[-. ]?\d{3}[-. ]?\d{4}\b`)},
	{typ: PIIIPv4, re: regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`), valid: validIPv4},
}

// ScanPII detects PII in text and returns the matches together with the text
// rewritten so every match reads [<TYPE>_REDACTED]. Running the scan over
// already-redacted text finds nothing, so redaction is idempotent.
func ScanPII(text string) *PIIResult {
	return scanPII(text, nil)
}

func scanPII(text string, only map[PIIType]bool) *PIIResult {
	res := &PIIResult{}
	for _, d := range piiDetectors {
		if only != nil && !only[d.typ] {
			continue
		}
		token := "[" + strings.ToUpper(string(d.typ)) + "_REDACTED]"
		text = d.re.ReplaceAllStringFunc(text, func(m string) string {
			if d.valid != nil && !d.valid(m) {
				return m
			}
			res.Matches = append(res.Matches, PIIMatch{Type: d.typ, Value: m})
			return token
		})
	}
	res.RedactedText = text
	return res
}

// RedactMessages scans every message and returns a copy with PII rewritten.
// Non-text content blocks (images, tool results) pass through untouched.
func RedactMessages(messages []conduit.Message) ([]conduit.Message, []PIIMatch) {
	out := make([]conduit.Message, len(messages))
	copy(out, messages)
	var all []PIIMatch
	for i := range out {
		matches := redactMessage(&out[i])
		all = append(all, matches...)
	}
	return out, all
}

func redactMessage(m *conduit.Message) []PIIMatch {
	if len(m.Content) == 0 {
		return nil
	}
	v := gjson.ParseBytes(m.Content)
	switch {
	case v.Type == gjson.String:
		res := ScanPII(v.String())
		if res.HasPII() {
			m.Content, _ = json.Marshal(res.RedactedText)
		}
		return res.Matches
	case v.IsArray():
		return redactBlocks(m, v)
	}
	return nil
}

func redactBlocks(m *conduit.Message, v gjson.Result) []PIIMatch {
	var all []PIIMatch
	var blocks []json.RawMessage
	changed := false
	for _, block := range v.Array() {
		t := block.Get("text")
		if !t.Exists() {
			blocks = append(blocks, json.RawMessage(block.Raw))
			continue
		}
		res := ScanPII(t.String())
		if !res.HasPII() {
			blocks = append(blocks, json.RawMessage(block.Raw))
			continue
		}
		all = append(all, res.Matches...)
		var decoded map[string]any
		if err := json.Unmarshal([]byte(block.Raw), &decoded); err != nil {
			blocks = append(blocks, json.RawMessage(block.Raw))
			continue
		}
		decoded["text"] = res.RedactedText
		raw, _ := json.Marshal(decoded)
		blocks = append(blocks, raw)
		changed = true
	}
	if changed {
		m.Content, _ = json.Marshal(blocks)
	}
	return all
}

// luhnValid checks the Luhn digit over a card-like match with separators.
func luhnValid(s string) bool {
	var digits []int
	for _, r := range s {
		if r >= '0' && r <= '9' {
			digits = append(digits, int(r-'0'))
		}
	}
	if len(digits) < 13 || len(digits) > 19 {
		return false
	}
	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := digits[i]
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}

func validIPv4(s string) bool {
	for _, part := range strings.Split(s, ".") {
		n, err := strconv.Atoi(part)
		if err != nil || n > 255 {
			return false
		}
	}
	return true
}
