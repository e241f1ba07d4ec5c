package pricing

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
)

func TestCost(t *testing.T) {
	t.Parallel()
	tbl := NewTable()

	tests := []struct {
		name       string
		model      string
		prompt     int
		completion int
		want       string
	}{
		// 1000 * 2.50/1M + 500 * 10.00/1M
		{name: "gpt-4o", model: "gpt-4o", prompt: 1000, completion: 500, want: "0.0075"},
		{name: "zero tokens", model: "gpt-4o", prompt: 0, completion: 0, want: "0"},
		{name: "unknown model", model: "made-up-model", prompt: 1000, completion: 1000, want: "0"},
		// Sub-cent amounts keep 8dp precision: 3 * 3.00/1M = 0.000009
		{name: "tiny claude request", model: "claude-sonnet-4", prompt: 3, completion: 0, want: "0.000009"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := tbl.Cost(tt.model, tt.prompt, tt.completion)
			if !got.Equal(decimal.RequireFromString(tt.want)) {
				t.Errorf("Cost(%s, %d, %d) = %s, want %s",
					tt.model, tt.prompt, tt.completion, got, tt.want)
			}
		})
	}
}

func TestCostQuantization(t *testing.T) {
	t.Parallel()
	tbl := NewTable()
	got := tbl.Cost("gpt-4o-mini", 1, 1)
	// 0.15/1M + 0.60/1M = 0.00000075, already within 8dp
	if got.Exponent() < -8 {
		t.Errorf("cost exponent = %d, want >= -8", got.Exponent())
	}
	if !got.Equal(decimal.RequireFromString("0.00000075")) {
		t.Errorf("cost = %s", got)
	}
}

func TestOutputCostPer1M(t *testing.T) {
	t.Parallel()
	tbl := NewTable()

	out, ok := tbl.OutputCostPer1M("claude-sonnet-4")
	if !ok || !out.Equal(decimal.RequireFromString("15.00")) {
		t.Errorf("claude output cost = %s, ok=%v", out, ok)
	}
	if _, ok := tbl.OutputCostPer1M("unknown"); ok {
		t.Error("unknown model should not resolve")
	}
}

func TestLoadMergesOverDefaults(t *testing.T) {
	t.Parallel()
	tbl := NewTable()

	path := filepath.Join(t.TempDir(), "models.json")
	doc := `{"models": {
		"gpt-4o": {"input_cost_per_1m": "5.00", "output_cost_per_1m": "20.00"},
		"custom-model": {"input_cost_per_1m": "1.00", "output_cost_per_1m": "2.00"}
	}}`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := tbl.Load(path); err != nil {
		t.Fatal(err)
	}

	// Override applied.
	p, ok := tbl.Lookup("gpt-4o")
	if !ok || !p.InputCostPer1M.Equal(decimal.RequireFromString("5.00")) {
		t.Errorf("override not applied: %+v", p)
	}
	// New model added, defaults retained.
	if _, ok := tbl.Lookup("custom-model"); !ok {
		t.Error("custom model missing")
	}
	if _, ok := tbl.Lookup("gemini-2.0-flash"); !ok {
		t.Error("default model lost after load")
	}
}

func TestLoadEmptyPathIsNoop(t *testing.T) {
	t.Parallel()
	tbl := NewTable()
	if err := tbl.Load(""); err != nil {
		t.Errorf("empty path: %v", err)
	}
}
