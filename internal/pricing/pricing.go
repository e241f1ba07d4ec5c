// Package pricing holds the per-model token pricing table and the cost
// calculator used by the spend ledger, the cache, and the cost router
// strategy.
package pricing

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/shopspring/decimal"
)

// ModelPricing is the per-1M-token USD price pair for one model.
type ModelPricing struct {
	InputCostPer1M  decimal.Decimal `json:"input_cost_per_1m"`
	OutputCostPer1M decimal.Decimal `json:"output_cost_per_1m"`
}

// Table resolves model names to prices. Safe for concurrent use after Load.
type Table struct {
	mu     sync.RWMutex
	models map[string]ModelPricing
}

// million and the quantization exponent for USD amounts (8 decimal places).
var million = decimal.New(1, 6)

const costExponent = -8

// defaultModels seeds the table when no pricing file is configured.
var defaultModels = map[string]ModelPricing{
	"gpt-4o":            price("2.50", "10.00"),
	"gpt-4o-mini":       price("0.15", "0.60"),
	"gpt-4.1":           price("2.00", "8.00"),
	"o3-mini":           price("1.10", "4.40"),
	"claude-sonnet-4":   price("3.00", "15.00"),
	"claude-haiku-3.5":  price("0.80", "4.00"),
	"claude-opus-4":     price("15.00", "75.00"),
	"gemini-2.0-flash":  price("0.10", "0.40"),
	"gemini-2.5-pro":    price("1.25", "10.00"),
	"text-embedding-3-small": price("0.02", "0"),
}

func price(in, out string) ModelPricing {
	return ModelPricing{
		InputCostPer1M:  decimal.RequireFromString(in),
		OutputCostPer1M: decimal.RequireFromString(out),
	}
}

// NewTable returns a table seeded with the built-in defaults.
func NewTable() *Table {
	models := make(map[string]ModelPricing, len(defaultModels))
	for k, v := range defaultModels {
		models[k] = v
	}
	return &Table{models: models}
}

// Load reads a pricing JSON file of the shape {"models": {name: {...}}} and
// merges it over the defaults. Missing file is not an error when path is empty.
func (t *Table) Load(path string) error {
	if path == "" {
		return nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read pricing file: %w", err)
	}
	var doc struct {
		Models map[string]ModelPricing `json:"models"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("parse pricing file: %w", err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for name, p := range doc.Models {
		t.models[name] = p
	}
	return nil
}

// Lookup returns the pricing for model, or false when unknown.
func (t *Table) Lookup(model string) (ModelPricing, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.models[model]
	return p, ok
}

// OutputCostPer1M returns the output price for the cost router strategy, or
// false when the model is unknown (unknown models rank last).
func (t *Table) OutputCostPer1M(model string) (decimal.Decimal, bool) {
	p, ok := t.Lookup(model)
	if !ok {
		return decimal.Zero, false
	}
	return p.OutputCostPer1M, true
}

// Cost computes the USD cost of a request, quantized to 8 decimal places.
// Unknown models cost zero.
func (t *Table) Cost(model string, promptTokens, completionTokens int) decimal.Decimal {
	p, ok := t.Lookup(model)
	if !ok {
		return decimal.Zero
	}
	in := p.InputCostPer1M.Mul(decimal.New(int64(promptTokens), 0)).Div(million)
	out := p.OutputCostPer1M.Mul(decimal.New(int64(completionTokens), 0)).Div(million)
	return in.Add(out).Round(-costExponent)
}
