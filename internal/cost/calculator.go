// Package cost holds the model catalog: which provider serves a model, how
// many concurrent calls that provider tolerates, and what tokens cost.
package cost

// ModelRate holds per-model token pricing (per million tokens).
type ModelRate struct {
	Input         float64 `yaml:"input" mapstructure:"input"`
	Output        float64 `yaml:"output" mapstructure:"output"`
	CacheWriteMul float64 `yaml:"cache_write_mul" mapstructure:"cache_write_mul"`
	CacheReadMul  float64 `yaml:"cache_read_mul" mapstructure:"cache_read_mul"`
}

// Usage is the token consumption of one model call.
type Usage struct {
	InputTokens      int64 `json:"input_tokens"`
	OutputTokens     int64 `json:"output_tokens"`
	CacheWriteTokens int64 `json:"cache_write_tokens"`
	CacheReadTokens  int64 `json:"cache_read_tokens"`
}

// Add returns the sum of two usages.
func (u Usage) Add(o Usage) Usage {
	return Usage{
		InputTokens:      u.InputTokens + o.InputTokens,
		OutputTokens:     u.OutputTokens + o.OutputTokens,
		CacheWriteTokens: u.CacheWriteTokens + o.CacheWriteTokens,
		CacheReadTokens:  u.CacheReadTokens + o.CacheReadTokens,
	}
}

// Price computes the USD cost of usage at this rate.
func (r ModelRate) Price(u Usage) float64 {
	inCost := (float64(u.InputTokens) / 1e6) * r.Input
	outCost := (float64(u.OutputTokens) / 1e6) * r.Output
	cwCost := (float64(u.CacheWriteTokens) / 1e6) * r.Input * r.CacheWriteMul
	crCost := (float64(u.CacheReadTokens) / 1e6) * r.Input * r.CacheReadMul
	return inCost + outCost + cwCost + crCost
}
