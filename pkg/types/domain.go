package types

import (
	"bytes"
	"encoding/json"
)

// Model describes a loadable LLM model: either a local file (Path) or a set of
// remote shards (Repo + Files) fetched into the shard cache on first load.
type Model struct {
	// Stable identifier for the model.
	// example: Llama-3.2-1B-Instruct-q4_k_m
	ID string `json:"id" yaml:"id" toml:"id" example:"Llama-3.2-1B-Instruct-q4_k_m"`
	// Human-friendly name.
	// example: Llama 3.2 1B Instruct
	Name string `json:"name" yaml:"name" toml:"name" example:"Llama 3.2 1B Instruct"`
	// Absolute path to a local model file. Takes precedence over Repo/Files.
	// example: /home/user/models/TinyLlama.Q4_K_M.gguf
	Path string `json:"path,omitempty" yaml:"path,omitempty" toml:"path,omitempty" example:"/home/user/models/TinyLlama.Q4_K_M.gguf"`
	// Base URL the shard files are fetched from.
	// example: https://huggingface.co/org/model/resolve/main/
	Repo string `json:"repo,omitempty" yaml:"repo,omitempty" toml:"repo,omitempty"`
	// Shard file names relative to Repo, in load order.
	Files []string `json:"files,omitempty" yaml:"files,omitempty" toml:"files,omitempty"`
	// Quantization level or variant string.
	// example: q4_k_m
	Quant string `json:"quant" yaml:"quant" toml:"quant" example:"q4_k_m"`
	// Optional family (e.g., llama, mistral, phi).
	// example: llama
	Family string `json:"family,omitempty" yaml:"family,omitempty" toml:"family,omitempty" example:"llama"`
	// Context window in tokens.
	// example: 4096
	ContextLength int `json:"context_length,omitempty" yaml:"context_length,omitempty" toml:"context_length,omitempty" example:"4096"`
	// Estimated VRAM requirement in MB.
	// example: 900
	VRAMMB int `json:"vram_mb,omitempty" yaml:"vram_mb,omitempty" toml:"vram_mb,omitempty" example:"900"`
	// Free-form labels (e.g. chat, code, small).
	Tags []string `json:"tags,omitempty" yaml:"tags,omitempty" toml:"tags,omitempty"`
	// Generation parameters applied before per-request options.
	Defaults GenerationParams `json:"default_params,omitempty" yaml:"default_params,omitempty" toml:"default_params,omitempty"`
}

// Shards returns the number of files that make up the model.
func (m Model) Shards() int {
	if m.Path != "" {
		return 1
	}
	return len(m.Files)
}

// Role is the author of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a single role/content pair sent to the runtime.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// GenerationParams are optional sampling parameters. Nil fields are left to
// the runtime; Extra carries opaque runtime-specific keys.
type GenerationParams struct {
	Temperature      *float64       `json:"temperature,omitempty" yaml:"temperature,omitempty" toml:"temperature,omitempty"`
	TopP             *float64       `json:"top_p,omitempty" yaml:"top_p,omitempty" toml:"top_p,omitempty"`
	TopK             *int           `json:"top_k,omitempty" yaml:"top_k,omitempty" toml:"top_k,omitempty"`
	MaxTokens        *int           `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty" toml:"max_tokens,omitempty"`
	Seed             *int64         `json:"seed,omitempty" yaml:"seed,omitempty" toml:"seed,omitempty"`
	PresencePenalty  *float64       `json:"presence_penalty,omitempty" yaml:"presence_penalty,omitempty" toml:"presence_penalty,omitempty"`
	FrequencyPenalty *float64       `json:"frequency_penalty,omitempty" yaml:"frequency_penalty,omitempty" toml:"frequency_penalty,omitempty"`
	RepeatPenalty    *float64       `json:"repeat_penalty,omitempty" yaml:"repeat_penalty,omitempty" toml:"repeat_penalty,omitempty"`
	Stop             []string       `json:"stop,omitempty" yaml:"stop,omitempty" toml:"stop,omitempty"`
	Extra            map[string]any `json:"-" yaml:"extra,omitempty" toml:"extra,omitempty"`
}

// Merge returns p overridden by every field set in o.
func (p GenerationParams) Merge(o GenerationParams) GenerationParams {
	out := p
	if o.Temperature != nil {
		out.Temperature = o.Temperature
	}
	if o.TopP != nil {
		out.TopP = o.TopP
	}
	if o.TopK != nil {
		out.TopK = o.TopK
	}
	if o.MaxTokens != nil {
		out.MaxTokens = o.MaxTokens
	}
	if o.Seed != nil {
		out.Seed = o.Seed
	}
	if o.PresencePenalty != nil {
		out.PresencePenalty = o.PresencePenalty
	}
	if o.FrequencyPenalty != nil {
		out.FrequencyPenalty = o.FrequencyPenalty
	}
	if o.RepeatPenalty != nil {
		out.RepeatPenalty = o.RepeatPenalty
	}
	if len(o.Stop) > 0 {
		out.Stop = append([]string(nil), o.Stop...)
	}
	if len(o.Extra) > 0 {
		merged := make(map[string]any, len(p.Extra)+len(o.Extra))
		for k, v := range p.Extra {
			merged[k] = v
		}
		for k, v := range o.Extra {
			merged[k] = v
		}
		out.Extra = merged
	}
	return out
}

// ResponseFormat constrains the output shape. Schema is a serialized JSON schema.
type ResponseFormat struct {
	Type   string `json:"type"`
	Schema string `json:"schema,omitempty"`
}

// StreamOptions asks the runtime for a usage report on the terminal chunk.
type StreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

// ChatRequest is the OpenAI-compatible completion request handed to a runtime.
type ChatRequest struct {
	Model          string          `json:"model,omitempty"`
	Messages       []Message       `json:"messages"`
	Stream         bool            `json:"stream"`
	StreamOptions  *StreamOptions  `json:"stream_options,omitempty"`
	ResponseFormat *ResponseFormat `json:"response_format,omitempty"`
	GenerationParams
}

var chatRequestKeys = map[string]struct{}{
	"model": {}, "messages": {}, "stream": {}, "stream_options": {}, "response_format": {},
	"temperature": {}, "top_p": {}, "top_k": {}, "max_tokens": {}, "seed": {},
	"presence_penalty": {}, "frequency_penalty": {}, "repeat_penalty": {}, "stop": {},
}

// MarshalJSON flattens Extra into the top-level object. Known keys win.
func (r ChatRequest) MarshalJSON() ([]byte, error) {
	type plain ChatRequest
	b, err := json.Marshal(plain(r))
	if err != nil || len(r.Extra) == 0 {
		return b, err
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(b, &obj); err != nil {
		return nil, err
	}
	for k, v := range r.Extra {
		if _, known := chatRequestKeys[k]; known {
			continue
		}
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		obj[k] = raw
	}
	return json.Marshal(obj)
}

// UnmarshalJSON collects unknown top-level keys into Extra.
func (r *ChatRequest) UnmarshalJSON(b []byte) error {
	type plain ChatRequest
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	for k, raw := range obj {
		if _, known := chatRequestKeys[k]; known {
			continue
		}
		var v any
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		if err := dec.Decode(&v); err != nil {
			return err
		}
		if p.Extra == nil {
			p.Extra = make(map[string]any)
		}
		p.Extra[k] = v
	}
	*r = ChatRequest(p)
	return nil
}

// Usage reports token accounting for a completion.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens" example:"12"`
	CompletionTokens int `json:"completion_tokens" example:"34"`
	TotalTokens      int `json:"total_tokens" example:"46"`
}

// Delta is the incremental part of a streamed choice.
type Delta struct {
	Role    Role   `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

// ChunkChoice is one choice inside a streamed chunk.
type ChunkChoice struct {
	Index        int    `json:"index"`
	Delta        Delta  `json:"delta"`
	FinishReason string `json:"finish_reason,omitempty"`
}

// ChatChunk is one element of a streamed completion. The terminal chunk may
// carry the finish reason and usage.
type ChatChunk struct {
	ID      string        `json:"id,omitempty"`
	Model   string        `json:"model,omitempty"`
	Choices []ChunkChoice `json:"choices"`
	Usage   *Usage        `json:"usage,omitempty"`
}

// Text returns the delta content of the first choice.
func (c ChatChunk) Text() string {
	if len(c.Choices) == 0 {
		return ""
	}
	return c.Choices[0].Delta.Content
}

// FinishReason returns the finish reason of the first choice, if any.
func (c ChatChunk) FinishReason() string {
	if len(c.Choices) == 0 {
		return ""
	}
	return c.Choices[0].FinishReason
}

// CompletionChoice is one choice of a buffered completion.
type CompletionChoice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason,omitempty"`
}

// ChatCompletion is the result of a non-streaming generation.
type ChatCompletion struct {
	ID      string             `json:"id,omitempty"`
	Model   string             `json:"model,omitempty"`
	Choices []CompletionChoice `json:"choices"`
	Usage   *Usage             `json:"usage,omitempty"`
}

// Text returns the message content of the first choice.
func (c *ChatCompletion) Text() string {
	if c == nil || len(c.Choices) == 0 {
		return ""
	}
	return c.Choices[0].Message.Content
}

// ProgressPhase tells which stage of a model load a progress event belongs to.
type ProgressPhase string

const (
	PhaseFetch ProgressPhase = "fetch"
	PhaseCache ProgressPhase = "cache"
	PhaseStart ProgressPhase = "start"
)

// InitProgress is a raw progress report emitted by a runtime while loading.
// Phase and Shard/Shards are optional; older runtimes only fill Text.
type InitProgress struct {
	Progress    float64       `json:"progress"`
	TimeElapsed float64       `json:"time_elapsed"`
	Text        string        `json:"text"`
	Phase       ProgressPhase `json:"phase,omitempty"`
	Shard       int           `json:"shard,omitempty"`
	Shards      int           `json:"shards,omitempty"`
}

// LoadingProgress is the enriched progress delivered to load callers.
// EstimatedTimeRemaining is nil when no estimate can be made.
type LoadingProgress struct {
	Progress               float64  `json:"progress" example:"0.5"`
	Text                   string   `json:"text"`
	TimeElapsed            float64  `json:"time_elapsed" example:"3.2"`
	EstimatedTimeRemaining *float64 `json:"estimated_time_remaining"`
	IsCacheLoading         bool     `json:"is_cache_loading"`
}

// MessageMeta is attached to an assistant message when its turn finishes.
type MessageMeta struct {
	StopReason string `json:"stop_reason,omitempty" example:"stop"`
	Usage      *Usage `json:"usage,omitempty"`
}

// ChatMessage is an entry of a chat session's visible history.
type ChatMessage struct {
	ID      string       `json:"id" example:"7f1c2f9e-0c1a-4a47-9b7e-2b1c9d4c1a10"`
	Role    Role         `json:"role" example:"assistant"`
	Content string       `json:"content"`
	Meta    *MessageMeta `json:"meta,omitempty"`
}
