// Package cache implements the two-tier response cache: an exact tier keyed
// by prompt hash in Redis and a semantic tier doing cosine search over
// embedded prompts in the store. Cache failures are logged and treated as
// misses; they never fail the request.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/tidwall/gjson"

	conduit "github.com/conduitproxy/conduit/internal"
)

// Normalize flattens a conversation into the newline-joined "{role}: {text}"
// form used for both cache keys and embeddings. System messages are skipped;
// they are stable per app and would only partition the cache.
func Normalize(messages []conduit.Message) string {
	var parts []string
	for i := range messages {
		m := &messages[i]
		if m.Role == "system" {
			continue
		}
		if len(m.Content) == 0 {
			continue
		}
		v := gjson.ParseBytes(m.Content)
		switch {
		case v.Type == gjson.String:
			parts = append(parts, m.Role+": "+v.String())
		case v.IsArray():
			for _, block := range v.Array() {
				if t := block.Get("text"); t.Exists() {
					parts = append(parts, m.Role+": "+t.String())
				}
			}
		}
	}
	return strings.Join(parts, "\n")
}

// ComputeHash returns the exact-tier key material for a normalized prompt.
func ComputeHash(model, normalized string) string {
	sum := sha256.Sum256([]byte(model + "::" + normalized))
	return hex.EncodeToString(sum[:])
}
