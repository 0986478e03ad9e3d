package analyzer

import (
	"strings"

	"github.com/jimmypocock/reporeconnoiter.com/internal/money"
)

// Price is the cost per million tokens.
type Price struct {
	Input  money.Amount
	Output money.Amount
}

// Prices are keyed by model name without any "vendor/" prefix.
var defaultPrices = map[string]Price{
	"claude-haiku-4-5":  {Input: money.FromUSD(1.00), Output: money.FromUSD(5.00)},
	"claude-3-5-haiku":  {Input: money.FromUSD(0.80), Output: money.FromUSD(4.00)},
	"claude-3.5-haiku":  {Input: money.FromUSD(0.80), Output: money.FromUSD(4.00)},
	"claude-sonnet-4-5": {Input: money.FromUSD(3.00), Output: money.FromUSD(15.00)},
	"claude-sonnet-4":   {Input: money.FromUSD(3.00), Output: money.FromUSD(15.00)},
	"gpt-4o-mini":       {Input: money.FromUSD(0.15), Output: money.FromUSD(0.60)},
	"gpt-4o":            {Input: money.FromUSD(2.50), Output: money.FromUSD(10.00)},
}

// PriceTable computes the cost of a completion.
type PriceTable map[string]Price

func DefaultPrices() PriceTable {
	t := make(PriceTable, len(defaultPrices))
	for k, v := range defaultPrices {
		t[k] = v
	}
	return t
}

// Cost returns the cost of the given token counts on model. ok is false
// for an unknown model.
func (t PriceTable) Cost(model string, inputTokens, outputTokens int) (cost money.Amount, ok bool) {
	p, ok := t.lookup(model)
	if !ok {
		return 0, false
	}
	return perMillion(p.Input, inputTokens) + perMillion(p.Output, outputTokens), true
}

func (t PriceTable) lookup(model string) (Price, bool) {
	if i := strings.LastIndex(model, "/"); i >= 0 {
		model = model[i+1:]
	}
	if p, ok := t[model]; ok {
		return p, true
	}
	// Dated snapshots such as claude-3-5-haiku-20241022. Longest name wins.
	var best string
	for name := range t {
		if strings.HasPrefix(model, name+"-") && len(name) > len(best) {
			best = name
		}
	}
	if best == "" {
		return Price{}, false
	}
	return t[best], true
}

func perMillion(price money.Amount, tokens int) money.Amount {
	return (price*money.Amount(tokens) + 500_000) / 1_000_000
}
