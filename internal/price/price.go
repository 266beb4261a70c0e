// Package price holds the model price table used to cost usage reads.
package price

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// ModelPrice is per-million-token pricing for one model.
type ModelPrice struct {
	DisplayName           string  `json:"display_name"`
	InputPricePerMillion  float64 `json:"input_price_per_million"`
	OutputPricePerMillion float64 `json:"output_price_per_million"`
}

// Table maps model ids to prices. Prices are consulted only at read time;
// usage rows store raw token counts.
type Table struct {
	Models   map[string]ModelPrice `json:"models"`
	Currency string                `json:"currency"`
}

// Default returns the built-in price table.
func Default() *Table {
	return &Table{
		Currency: "USD",
		Models: map[string]ModelPrice{
			"claude-sonnet-4-20250514":   {DisplayName: "Claude Sonnet 4", InputPricePerMillion: 3.0, OutputPricePerMillion: 15.0},
			"claude-opus-4-20250514":     {DisplayName: "Claude Opus 4", InputPricePerMillion: 15.0, OutputPricePerMillion: 75.0},
			"claude-opus-4-5-20251101":   {DisplayName: "Claude Opus 4.5", InputPricePerMillion: 15.0, OutputPricePerMillion: 75.0},
			"claude-sonnet-4-5-20250929": {DisplayName: "Claude Sonnet 4.5", InputPricePerMillion: 3.0, OutputPricePerMillion: 15.0},
			"claude-haiku-4-5-20251001":  {DisplayName: "Claude Haiku 4.5", InputPricePerMillion: 0.8, OutputPricePerMillion: 4.0},
			"claude-sonnet-4.5":          {DisplayName: "Claude Sonnet 4.5", InputPricePerMillion: 3.0, OutputPricePerMillion: 15.0},
			"claude-opus-4.5":            {DisplayName: "Claude Opus 4.5", InputPricePerMillion: 15.0, OutputPricePerMillion: 75.0},
			"claude-haiku-4.5":           {DisplayName: "Claude Haiku 4.5", InputPricePerMillion: 0.8, OutputPricePerMillion: 4.0},
			"claude-3-5-sonnet":          {DisplayName: "Claude 3.5 Sonnet", InputPricePerMillion: 3.0, OutputPricePerMillion: 15.0},
			"claude-3-5-haiku":           {DisplayName: "Claude 3.5 Haiku", InputPricePerMillion: 0.8, OutputPricePerMillion: 4.0},
			"claude-3-opus":              {DisplayName: "Claude 3 Opus", InputPricePerMillion: 15.0, OutputPricePerMillion: 75.0},
			"claude-3-sonnet":            {DisplayName: "Claude 3 Sonnet", InputPricePerMillion: 3.0, OutputPricePerMillion: 15.0},
			"claude-3-haiku":             {DisplayName: "Claude 3 Haiku", InputPricePerMillion: 0.25, OutputPricePerMillion: 1.25},
		},
	}
}

// Load reads a table from path. A missing file yields the defaults; a
// present but malformed file is an error.
func Load(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read price table: %w", err)
	}

	var table Table
	if err := json.Unmarshal(data, &table); err != nil {
		return nil, fmt.Errorf("failed to parse price table %s: %w", path, err)
	}
	if table.Models == nil {
		table.Models = map[string]ModelPrice{}
	}
	return &table, nil
}

// Lookup finds the price for a model: exact match first, then the longest
// table key that is a prefix of the model. Dated ids like
// claude-opus-4.5-20251101 thus fall back to their undated entry.
func (t *Table) Lookup(model string) (ModelPrice, bool) {
	if price, ok := t.Models[model]; ok {
		return price, true
	}

	// Longest matching key wins so the tie-break is deterministic across
	// map iteration orders.
	var (
		best    ModelPrice
		bestLen = -1
	)
	for key, price := range t.Models {
		if strings.HasPrefix(model, key) && len(key) > bestLen {
			best = price
			bestLen = len(key)
		}
	}
	return best, bestLen >= 0
}

// Cost prices one usage row. Unknown models cost zero.
func (t *Table) Cost(model string, inputTokens, outputTokens int64) float64 {
	price, ok := t.Lookup(model)
	if !ok {
		return 0
	}
	in := float64(inputTokens) * price.InputPricePerMillion
	out := float64(outputTokens) * price.OutputPricePerMillion
	return (in + out) / 1_000_000
}
