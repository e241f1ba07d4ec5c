package guardrails

import (
	"regexp"
	"sort"
	"strings"

	conduit "github.com/conduitproxy/conduit/internal"
)

// Severity levels for content filter hits.
const (
	SeverityLow    = "low"
	SeverityMedium = "medium"
	SeverityHigh   = "high"
)

var severityRank = map[string]int{SeverityLow: 1, SeverityMedium: 2, SeverityHigh: 3}

// FilterMatch is one blocklist hit.
type FilterMatch struct {
	Rule     string
	Word     string
	Category string
	Severity string
}

// FilterResult aggregates content filter hits over one text or conversation.
type FilterResult struct {
	Matches []FilterMatch
}

// Flagged reports whether anything matched.
func (r *FilterResult) Flagged() bool { return len(r.Matches) > 0 }

// Categories returns the sorted distinct categories that matched.
func (r *FilterResult) Categories() []string {
	seen := make(map[string]bool)
	var cats []string
	for _, m := range r.Matches {
		if !seen[m.Category] {
			seen[m.Category] = true
			cats = append(cats, m.Category)
		}
	}
	sort.Strings(cats)
	return cats
}

// HighestSeverity returns the top severity among matches, or "none".
func (r *FilterResult) HighestSeverity() string {
	best := "none"
	rank := 0
	for _, m := range r.Matches {
		if severityRank[m.Severity] > rank {
			rank = severityRank[m.Severity]
			best = m.Severity
		}
	}
	return best
}

// Blocklist is a named phrase list with a category and severity.
type Blocklist struct {
	Name     string
	Words    []string
	Category string
	Severity string
}

// defaultBlocklists ship with the gateway; operators extend them with
// word_list and regex rules via the admin API.
var defaultBlocklists = []Blocklist{
	{
		Name: "violence_extreme",
		Words: []string{
			"how to make a bomb", "build an explosive", "synthesize poison",
			"create a weapon", "manufacture drugs",
		},
		Category: "violence",
		Severity: SeverityHigh,
	},
	{
		Name: "harmful_instructions",
		Words: []string{
			"how to hack into", "bypass security", "steal credentials",
			"pick a lock", "exploit vulnerability",
		},
		Category: "harmful",
		Severity: SeverityMedium,
	},
}

// FilterText checks text against the built-in blocklists plus optional
// operator words (severity medium) and regex patterns.
func FilterText(text string, customWords []string, customPatterns []string) *FilterResult {
	res := &FilterResult{}
	lower := strings.ToLower(text)

	for _, bl := range defaultBlocklists {
		for _, word := range bl.Words {
			if strings.Contains(lower, strings.ToLower(word)) {
				res.Matches = append(res.Matches, FilterMatch{
					Rule: bl.Name, Word: word, Category: bl.Category, Severity: bl.Severity,
				})
			}
		}
	}

	for _, word := range customWords {
		if strings.Contains(lower, strings.ToLower(word)) {
			res.Matches = append(res.Matches, FilterMatch{
				Rule: "custom_blocklist", Word: word, Category: "custom", Severity: SeverityMedium,
			})
		}
	}

	for _, pattern := range customPatterns {
		re, err := regexp.Compile("(?i)" + pattern)
		if err != nil {
			continue
		}
		if m := re.FindString(text); m != "" {
			res.Matches = append(res.Matches, FilterMatch{
				Rule: "custom_pattern", Word: truncate(m, 100), Category: "custom", Severity: SeverityMedium,
			})
		}
	}
	return res
}

// FilterMessages runs the content filter over every message in the
// conversation.
func FilterMessages(messages []conduit.Message) *FilterResult {
	res := &FilterResult{}
	for i := range messages {
		one := FilterText(messages[i].Text(), nil, nil)
		res.Matches = append(res.Matches, one.Matches...)
	}
	return res
}
