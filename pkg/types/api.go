package types

import "encoding/json"

// ModelsResponse wraps the list of models returned by GET /models.
type ModelsResponse struct {
	// List of available models.
	Models []Model `json:"models"`
}

// ModelVariant is one quantization of a grouped model.
type ModelVariant struct {
	// example: q4_k_m
	Quant string `json:"quant" example:"q4_k_m"`
	// example: Llama-3.2-1B-Instruct-q4_k_m
	ModelID string `json:"model_id" example:"Llama-3.2-1B-Instruct-q4_k_m"`
	// example: 900
	VRAMMB int `json:"vram_mb,omitempty" example:"900"`
}

// ModelGroup collects the quantizations of one base model.
type ModelGroup struct {
	// example: llama
	Family string `json:"family,omitempty" example:"llama"`
	// example: Llama-3.2-1B-Instruct
	Base string `json:"base" example:"Llama-3.2-1B-Instruct"`
	// example: Llama 3.2 1B Instruct
	Name          string         `json:"name" example:"Llama 3.2 1B Instruct"`
	ContextLength int            `json:"context_length,omitempty"`
	Tags          []string       `json:"tags,omitempty"`
	Variants      []ModelVariant `json:"variants"`
}

// ModelGroupsResponse is returned by GET /models/groups.
type ModelGroupsResponse struct {
	Groups []ModelGroup `json:"groups"`
}

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	// Error message.
	// example: invalid JSON body
	Error string `json:"error" example:"invalid JSON body"`
	// HTTP status code.
	// example: 400
	Code int `json:"code" example:"400"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	// Engine state: idle, loading, ready or error.
	// example: ready
	State string `json:"state" example:"ready"`
	// Model currently loaded, if any.
	// example: Llama-3.2-1B-Instruct-q4_k_m
	CurrentModel string `json:"current_model,omitempty" example:"Llama-3.2-1B-Instruct-q4_k_m"`
	// Last error observed by the engine (if any).
	LastError string `json:"last_error,omitempty"`
	// True when the loaded model is hosted in a worker process.
	Worker bool `json:"worker"`
	// True when the engine can probe the model cache.
	Caching bool `json:"caching"`
	// Generations waiting for the in-flight slot.
	// example: 0
	QueueLen int `json:"queue_len" example:"0"`
	// Generations currently running.
	// example: 1
	Inflight int `json:"inflight" example:"1"`
	// Maximum queued generations before backpressure triggers.
	// example: 32
	MaxQueueDepth int `json:"max_queue_depth" example:"32"`
	// Total number of successful model loads.
	// example: 3
	LoadsTotal uint64 `json:"loads_total" example:"3"`
	// Total number of generations started.
	// example: 12
	GenerationsTotal uint64 `json:"generations_total" example:"12"`
	// Uptime of the server in seconds.
	// example: 3600
	UptimeSeconds int64 `json:"uptime_seconds" example:"3600"`
	// Server time in unix seconds.
	// example: 1700000000
	ServerTimeUnix int64 `json:"server_time_unix" example:"1700000000"`
}

// LoadRequest is the body of POST /load.
type LoadRequest struct {
	// example: Llama-3.2-1B-Instruct-q4_k_m
	Model string `json:"model" example:"Llama-3.2-1B-Instruct-q4_k_m"`
	// Host the model in a worker process. Defaults to the server setting.
	UseWorker *bool `json:"use_worker,omitempty"`
}

// LoadEvent is one NDJSON line written by POST /load.
type LoadEvent struct {
	Progress *LoadingProgress `json:"progress,omitempty"`
	Done     bool             `json:"done,omitempty"`
	Model    string           `json:"model,omitempty"`
	Error    string           `json:"error,omitempty"`
	Code     int              `json:"code,omitempty"`
}

// GenerateRequest is the body of POST /generate. Either Prompt or Messages is required.
type GenerateRequest struct {
	// example: Write a haiku about the ocean.
	Prompt   string    `json:"prompt,omitempty" example:"Write a haiku about the ocean."`
	Messages []Message `json:"messages,omitempty"`
	// Stream chunks as NDJSON.
	Stream       bool            `json:"stream,omitempty"`
	SystemPrompt string          `json:"system_prompt,omitempty"`
	JSONSchema   json.RawMessage `json:"json_schema,omitempty" swaggertype:"object"`
	GenerationParams
}

// ChatSendRequest is the body of POST /chat/send.
type ChatSendRequest struct {
	// example: Hello!
	Text string `json:"text" example:"Hello!"`
	GenerationParams
}

// ChatMessagesResponse is returned by GET /chat/messages.
type ChatMessagesResponse struct {
	Messages  []ChatMessage `json:"messages"`
	Streaming bool          `json:"streaming"`
}

// ChatEvent is one NDJSON line (or websocket frame) describing a chat session change.
type ChatEvent struct {
	// messages, delta, finish, error or stop
	Type     string        `json:"type" example:"delta"`
	Delta    string        `json:"delta,omitempty"`
	Content  string        `json:"content,omitempty"`
	Meta     *MessageMeta  `json:"meta,omitempty"`
	Messages []ChatMessage `json:"messages,omitempty"`
	Error    string        `json:"error,omitempty"`
}

// ChatCommand is a client frame on the chat websocket.
type ChatCommand struct {
	// send, stop, regenerate or clear
	Type string `json:"type" example:"send"`
	Text string `json:"text,omitempty"`
	GenerationParams
}

// CacheResponse is returned by GET /cache.
type CacheResponse struct {
	Supported bool     `json:"supported"`
	Models    []string `json:"models"`
}

// CacheEntryResponse is returned by GET /cache/{id}.
type CacheEntryResponse struct {
	Model  string `json:"model"`
	Cached bool   `json:"cached"`
}

// LogEntry is one captured log line.
type LogEntry struct {
	ID      string         `json:"id"`
	Time    int64          `json:"time_unix_ms"`
	Level   string         `json:"level"`
	Message string         `json:"message"`
	Fields  map[string]any `json:"fields,omitempty"`
}

// LogsResponse is returned by GET /logs.
type LogsResponse struct {
	Entries []LogEntry `json:"entries"`
}
