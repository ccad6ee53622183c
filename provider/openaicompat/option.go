package openaicompat

import "encoding/json"

// Params holds the generation parameters sent with every request.
type Params struct {
	Temperature      *float64 `json:"temperature,omitempty"`
	TopP             *float64 `json:"top_p,omitempty"`
	MaxTokens        int      `json:"max_tokens,omitempty"`
	FrequencyPenalty *float64 `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64 `json:"presence_penalty,omitempty"`
	Stop             []string `json:"stop,omitempty"`
	Seed             *int     `json:"seed,omitempty"`
	ToolChoice       any      `json:"tool_choice,omitempty"`
}

// Option configures the generation parameters of a request.
type Option func(*Params)

// WithTemperature sets the sampling temperature (0.0–2.0).
func WithTemperature(t float64) Option {
	return func(p *Params) { p.Temperature = &t }
}

// WithTopP sets nucleus sampling top-p (0.0–1.0).
func WithTopP(v float64) Option {
	return func(p *Params) { p.TopP = &v }
}

// WithMaxTokens sets the maximum number of output tokens.
func WithMaxTokens(n int) Option {
	return func(p *Params) { p.MaxTokens = n }
}

// WithFrequencyPenalty sets the frequency penalty (-2.0–2.0).
func WithFrequencyPenalty(v float64) Option {
	return func(p *Params) { p.FrequencyPenalty = &v }
}

// WithPresencePenalty sets the presence penalty (-2.0–2.0).
func WithPresencePenalty(v float64) Option {
	return func(p *Params) { p.PresencePenalty = &v }
}

// WithStop sets one or more stop sequences.
func WithStop(s ...string) Option {
	return func(p *Params) { p.Stop = s }
}

// WithSeed sets a deterministic seed for reproducible outputs.
func WithSeed(s int) Option {
	return func(p *Params) { p.Seed = &s }
}

// WithToolChoice controls how the model selects tools.
// Accepts "none", "auto", "required", or a specific tool object
// like map[string]any{"type": "function", "function": map[string]any{"name": "my_func"}}.
func WithToolChoice(choice any) Option {
	return func(p *Params) { p.ToolChoice = choice }
}

// fields returns the set parameters keyed by their wire names.
func (p Params) fields() map[string]any {
	data, err := json.Marshal(p)
	if err != nil {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil
	}
	return m
}
