package backend

import (
	_ "embed"
	"sync"

	"gopkg.in/yaml.v3"

	"modelgate/internal/core"
)

//go:embed prices.yaml
var pricesYAML []byte

// ModelRate holds USD-per-million-token rates for one model.
type ModelRate struct {
	Input  float64 `yaml:"input"`
	Output float64 `yaml:"output"`
}

// PriceTable maps model names to rates for one backend type, with a default
// rate for models without an explicit row.
type PriceTable struct {
	Default ModelRate            `yaml:"default"`
	Models  map[string]ModelRate `yaml:"models"`
}

// Rate returns the rate for model, falling back to the table default.
func (t PriceTable) Rate(model string) ModelRate {
	if r, ok := t.Models[model]; ok {
		return r
	}
	return t.Default
}

var (
	priceTablesOnce sync.Once
	priceTables     map[string]PriceTable
)

// loadPriceTables parses the embedded price document once. The document is
// part of the build, so a parse failure is a programming error.
func loadPriceTables() map[string]PriceTable {
	priceTablesOnce.Do(func() {
		if err := yaml.Unmarshal(pricesYAML, &priceTables); err != nil {
			panic("backend: embedded prices.yaml is invalid: " + err.Error())
		}
	})
	return priceTables
}

// EstimateCost computes the estimated USD cost of one call from token usage.
// Unknown backend types cost zero; unknown models use the backend default rate.
func EstimateCost(backendType, model string, usage core.Usage) float64 {
	table, ok := loadPriceTables()[backendType]
	if !ok {
		return 0
	}
	rate := table.Rate(model)
	return float64(usage.InputTokens)*rate.Input/1_000_000 +
		float64(usage.OutputTokens)*rate.Output/1_000_000
}
