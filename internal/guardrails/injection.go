package guardrails

import (
	"encoding/base64"
	"regexp"
	"strings"

	conduit "github.com/conduitproxy/conduit/internal"
)

// DefaultInjectionThreshold is the score at or above which input is flagged.
const DefaultInjectionThreshold = 0.70

// InjectionDetection is the result of a single detector layer.
type InjectionDetection struct {
	Name    string
	Score   float64
	Pattern string
}

// InjectionResult aggregates all detector hits. The overall score is the max
// over detections.
type InjectionResult struct {
	Flagged    bool
	Score      float64
	Threshold  float64
	Detections []InjectionDetection
}

// HighestRisk returns the detection with the top score, or nil.
func (r *InjectionResult) HighestRisk() *InjectionDetection {
	var top *InjectionDetection
	for i := range r.Detections {
		if top == nil || r.Detections[i].Score > top.Score {
			top = &r.Detections[i]
		}
	}
	return top
}

type injectionPattern struct {
	name  string
	re    *regexp.Regexp
	score float64
}

var injectionPatterns = []injectionPattern{
	{
		"ignore_instructions",
		regexp.MustCompile(`(?i)(?:ignore|disregard|forget|override|bypass)\s+(?:all\s+)?(?:previous|above|prior|earlier|your|the)\s+(?:instructions?|prompts?|rules?|guidelines?|directions?|system\s+(?:prompt|message))`),
		0.95,
	},
	{
		"new_instructions",
		regexp.MustCompile(`(?i)(?:your\s+)?new\s+(?:instructions?|role|task|objective|mission)\s*(?:is|are|:)`),
		0.90,
	},
	{
		"do_not_follow",
		regexp.MustCompile(`(?i)(?:do\s+not|don'?t|never)\s+follow\s+(?:your|the|any)\s+(?:original|previous|initial|system)`),
		0.90,
	},
	{
		"pretend_to_be",
		regexp.MustCompile(`(?i)(?:pretend|act|behave|respond)\s+(?:as\s+if\s+)?(?:you\s+are|you're|like)\s+(?:a\s+)?(?:different|new|unrestricted|evil|jailbroken)`),
		0.85,
	},
	{
		"you_are_now",
		regexp.MustCompile(`(?i)you\s+are\s+now\s+(?:a\s+)?(?:different|new|unrestricted|DAN|evil|jailbroken)`),
		0.90,
	},
	{
		"reveal_system_prompt",
		regexp.MustCompile(`(?i)(?:reveal|show|display|print|output|tell\s+me|what\s+(?:is|are)|repeat)\s+(?:your\s+)?(?:system\s+(?:prompt|message|instructions?)|initial\s+instructions?|hidden\s+(?:prompt|instructions?))`),
		0.80,
	},
	{
		"delimiter_injection",
		regexp.MustCompile(`(?i)(?:` + "```" + `system|<\|(?:im_start|system|endofprompt)\|>|\[SYSTEM\]|<<SYS>>|### (?:System|Instruction):)`),
		0.90,
	},
	{
		"jailbreak_dan",
		regexp.MustCompile(`(?i)(?:DAN\s+mode|do\s+anything\s+now|jailbreak|developer\s+mode\s+(?:enabled|on)|DUDE\s+mode)`),
		0.95,
	},
	{
		"token_smuggling",
		regexp.MustCompile(`(?is)(?:complete\s+the\s+(?:sentence|phrase|text)\s*:|continue\s+(?:this|the\s+following)\s*:)\s*.*(?:ignore|override|bypass|disregard)`),
		0.75,
	},
}

// base64InjectionKeywords are re-scanned inside decoded base64 payloads.
var base64InjectionKeywords = []string{
	"ignore", "override", "system", "prompt", "instructions",
	"bypass", "disregard", "jailbreak", "unrestricted",
}

var (
	base64Candidate = regexp.MustCompile(`[A-Za-z0-9+/]{20,}={0,2}`)
	cyrillicScript  = regexp.MustCompile(`[\x{0400}-\x{04FF}]`)
	latinScript     = regexp.MustCompile(`[a-zA-Z]`)
)

var structuralMarkers = []injectionPattern{
	{"role_header", regexp.MustCompile(`(?i)#{3,}\s*(?:System|Human|Assistant|User)\s*:`), 0.80},
	{"role_tag", regexp.MustCompile(`(?i)<(?:system|human|assistant|user)>`), 0.85},
	{"inst_marker", regexp.MustCompile(`(?i)\[(?:INST|SYS|SYSTEM)\]`), 0.80},
	{"role_line", regexp.MustCompile(`(?:Human|User|System|Assistant)\s*:\s*\n`), 0.50},
}

// ScanInjection scans one text for prompt injection. Three layers run: known
// patterns, encoding evasion (base64 payloads and mixed scripts), and
// structural role markers. The final score is the max over all hits.
func ScanInjection(text string, threshold float64) *InjectionResult {
	res := &InjectionResult{Threshold: threshold}

	for _, p := range injectionPatterns {
		if m := p.re.FindString(text); m != "" {
			res.Detections = append(res.Detections, InjectionDetection{
				Name:    p.name,
				Score:   p.score,
				Pattern: truncate(m, 100),
			})
		}
	}

	if d := detectEncodedInjection(text); d.Score > 0 {
		res.Detections = append(res.Detections, d)
	}
	if d := detectStructuralInjection(text); d.Score > 0 {
		res.Detections = append(res.Detections, d)
	}

	for _, d := range res.Detections {
		if d.Score > res.Score {
			res.Score = d.Score
		}
	}
	res.Flagged = res.Score >= threshold
	return res
}

// ScanMessagesInjection scans all non-system messages. System messages are
// trusted configuration, not user input.
func ScanMessagesInjection(messages []conduit.Message, threshold float64) *InjectionResult {
	res := &InjectionResult{Threshold: threshold}
	for i := range messages {
		if messages[i].Role == "system" {
			continue
		}
		one := ScanInjection(messages[i].Text(), threshold)
		res.Detections = append(res.Detections, one.Detections...)
		if one.Score > res.Score {
			res.Score = one.Score
		}
	}
	res.Flagged = res.Score >= threshold
	return res
}

func detectEncodedInjection(text string) InjectionDetection {
	for _, candidate := range base64Candidate.FindAllString(text, -1) {
		decoded, err := base64.StdEncoding.DecodeString(candidate)
		if err != nil {
			if decoded, err = base64.RawStdEncoding.DecodeString(candidate); err != nil {
				continue
			}
		}
		lower := strings.ToLower(string(decoded))
		for _, kw := range base64InjectionKeywords {
			if strings.Contains(lower, kw) {
				return InjectionDetection{
					Name:    "encoding_evasion",
					Score:   0.85,
					Pattern: "base64(" + truncate(candidate, 30) + "...)",
				}
			}
		}
	}

	if cyrillicScript.MatchString(text) && latinScript.MatchString(text) {
		return InjectionDetection{Name: "encoding_evasion", Score: 0.60, Pattern: "mixed_scripts"}
	}
	return InjectionDetection{Name: "encoding_evasion"}
}

func detectStructuralInjection(text string) InjectionDetection {
	best := InjectionDetection{Name: "structural_injection"}
	for _, p := range structuralMarkers {
		if p.re.MatchString(text) && p.score > best.Score {
			best.Score = p.score
			best.Pattern = p.re.String()
		}
	}
	return best
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
