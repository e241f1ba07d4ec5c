package guardrails

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"

	conduit "github.com/conduitproxy/conduit/internal"
	"github.com/conduitproxy/conduit/internal/tokencount"
)

// CustomResult is the outcome of evaluating one operator-defined rule.
type CustomResult struct {
	Triggered bool
	RuleName  string
	RuleType  string
	Action    string
	Details   string
}

const defaultMaxTokens = 100000

// evaluateCustomRule dispatches on the rule type. Unknown types and invalid
// patterns never trigger.
func evaluateCustomRule(rule *conduit.GuardrailRule, text string, counter *tokencount.Counter) CustomResult {
	res := CustomResult{RuleName: rule.Name, RuleType: rule.Type, Action: rule.Action}
	cfg := gjson.ParseBytes(rule.Config)

	switch rule.Type {
	case conduit.RuleTypeRegex:
		re, err := regexp.Compile("(?i)" + cfg.Get("pattern").String())
		if err != nil {
			return res
		}
		if m := re.FindString(text); m != "" {
			res.Triggered = true
			res.Details = "matched pattern: " + truncate(m, 100)
		}

	case conduit.RuleTypeWordList:
		lower := strings.ToLower(text)
		for _, w := range cfg.Get("words").Array() {
			if word := w.String(); word != "" && strings.Contains(lower, strings.ToLower(word)) {
				res.Triggered = true
				res.Details = "matched word: " + word
				return res
			}
		}

	case conduit.RuleTypeMaxTokens:
		limit := cfg.Get("max_tokens").Int()
		if limit <= 0 {
			limit = defaultMaxTokens
		}
		model := cfg.Get("model").String()
		count := counter.CountText(model, text)
		if int64(count) > limit {
			res.Triggered = true
			res.Details = fmt.Sprintf("token count %d exceeds limit %d", count, limit)
		}
	}
	return res
}
