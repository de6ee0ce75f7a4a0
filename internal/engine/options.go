package engine

import (
	"encoding/json"
	"fmt"

	"pocketd/pkg/types"
)

// GenerateOption customizes one generation call.
type GenerateOption func(*generateConfig)

type generateConfig struct {
	systemPrompt string
	jsonSchema   any
	params       types.GenerationParams
}

// WithSystemPrompt prepends a system message to the conversation.
func WithSystemPrompt(s string) GenerateOption {
	return func(c *generateConfig) { c.systemPrompt = s }
}

// WithJSONSchema constrains the output to a JSON schema, given either as a
// serialized string or as a value that marshals to one.
func WithJSONSchema(schema any) GenerateOption {
	return func(c *generateConfig) { c.jsonSchema = schema }
}

// WithParams overlays every field set in p.
func WithParams(p types.GenerationParams) GenerateOption {
	return func(c *generateConfig) { c.params = c.params.Merge(p) }
}

func WithTemperature(v float64) GenerateOption {
	return func(c *generateConfig) { c.params.Temperature = &v }
}

func WithTopP(v float64) GenerateOption {
	return func(c *generateConfig) { c.params.TopP = &v }
}

func WithMaxTokens(n int) GenerateOption {
	return func(c *generateConfig) { c.params.MaxTokens = &n }
}

func WithSeed(n int64) GenerateOption {
	return func(c *generateConfig) { c.params.Seed = &n }
}

func WithStop(stop ...string) GenerateOption {
	return func(c *generateConfig) { c.params.Stop = append([]string(nil), stop...) }
}

// WithParam passes an opaque runtime-specific parameter through unchanged.
func WithParam(key string, value any) GenerateOption {
	return func(c *generateConfig) {
		c.params = c.params.Merge(types.GenerationParams{Extra: map[string]any{key: value}})
	}
}

// buildRequest assembles the runtime request for input. Model defaults apply
// first; options override them in order.
func buildRequest(m types.Model, in Input, stream bool, opts []GenerateOption) (types.ChatRequest, error) {
	cfg := generateConfig{params: m.Defaults.Merge(types.GenerationParams{})}
	for _, o := range opts {
		o(&cfg)
	}
	req := types.ChatRequest{
		Model:            m.ID,
		Messages:         in.Normalize(cfg.systemPrompt),
		Stream:           stream,
		GenerationParams: cfg.params,
	}
	if stream {
		req.StreamOptions = &types.StreamOptions{IncludeUsage: true}
	}
	if cfg.jsonSchema != nil {
		schema, err := schemaString(cfg.jsonSchema)
		if err != nil {
			return types.ChatRequest{}, err
		}
		req.ResponseFormat = &types.ResponseFormat{Type: "json_object", Schema: schema}
	}
	return req, nil
}

func schemaString(v any) (string, error) {
	switch s := v.(type) {
	case string:
		return s, nil
	case []byte:
		return string(s), nil
	case json.RawMessage:
		return string(s), nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode json schema: %w", err)
	}
	return string(b), nil
}

// LoadOption customizes one LoadModel call.
type LoadOption func(*loadConfig)

type loadConfig struct {
	useWorker  bool
	onProgress func(types.LoadingProgress)
}

// WithWorker hosts the model in a freshly spawned worker.
func WithWorker(on bool) LoadOption {
	return func(c *loadConfig) { c.useWorker = on }
}

// WithProgress receives translated load progress.
func WithProgress(fn func(types.LoadingProgress)) LoadOption {
	return func(c *loadConfig) { c.onProgress = fn }
}
