// Package openai talks to any OpenAI-compatible chat completions server
// (llama-server, vLLM, LM Studio, ...). It is used directly as a runtime and
// as the transport of spawned llama-server processes.
package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"pocketd/internal/llm"
	"pocketd/pkg/types"
)

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("openai http error: %d %s: %s", e.Status, http.StatusText(e.Status), e.Body)
}

// Client is a minimal OpenAI-compatible HTTP client.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     zerolog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(h *http.Client) Option { return func(c *Client) { c.httpClient = h } }

// WithLogger installs a structured logger.
func WithLogger(l zerolog.Logger) Option { return func(c *Client) { c.logger = l } }

// NewClient constructs a client for baseURL (without the /v1 suffix).
func NewClient(baseURL, apiKey string, opts ...Option) *Client {
	tr := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	c := &Client{
		baseURL: strings.TrimSuffix(strings.TrimRight(baseURL, "/"), "/v1"),
		apiKey:  apiKey,
		// Timeout=0: every request carries its own context deadline.
		httpClient: &http.Client{Transport: tr, Timeout: 0},
		logger:     zerolog.Nop(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// BaseURL returns the server root.
func (c *Client) BaseURL() string { return c.baseURL }

type modelList struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

// Models lists the model ids the server reports.
func (c *Client) Models(ctx context.Context) ([]string, error) {
	resp, err := c.do(ctx, http.MethodGet, "/v1/models", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var ml modelList
	if err := json.NewDecoder(resp.Body).Decode(&ml); err != nil {
		return nil, fmt.Errorf("decode models: %w", err)
	}
	ids := make([]string, 0, len(ml.Data))
	for _, d := range ml.Data {
		ids = append(ids, d.ID)
	}
	return ids, nil
}

// Healthy reports whether /v1/models answers 2xx within timeout.
func (c *Client) Healthy(ctx context.Context, timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	resp, err := c.do(ctx, http.MethodGet, "/v1/models", nil)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return true
}

// Complete posts a buffered chat completion.
func (c *Client) Complete(ctx context.Context, req types.ChatRequest) (*types.ChatCompletion, error) {
	req.Stream = false
	req.StreamOptions = nil
	resp, err := c.do(ctx, http.MethodPost, "/v1/chat/completions", req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var out types.ChatCompletion
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode completion: %w", err)
	}
	return &out, nil
}

// Stream posts a streaming chat completion and returns the SSE reader.
// onClose, if set, runs once when the stream is closed.
func (c *Client) Stream(ctx context.Context, req types.ChatRequest, onClose func()) (llm.Stream, error) {
	req.Stream = true
	resp, err := c.do(ctx, http.MethodPost, "/v1/chat/completions", req)
	if err != nil {
		return nil, err
	}
	return &sseStream{
		ctx:     ctx,
		body:    resp.Body,
		r:       bufio.NewReader(resp.Body),
		onClose: onClose,
		logger:  c.logger,
	}, nil
}

func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, llm.Cause(ctx, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &StatusError{Status: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	return resp, nil
}

// sseStream parses "data:" lines of a Server-Sent Events body.
type sseStream struct {
	ctx     context.Context
	body    io.ReadCloser
	r       *bufio.Reader
	onClose func()
	logger  zerolog.Logger

	done      bool
	closeOnce sync.Once
}

type streamError struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (s *sseStream) Recv() (types.ChatChunk, error) {
	if s.done {
		return types.ChatChunk{}, io.EOF
	}
	for {
		line, err := s.r.ReadString('\n')
		if l := strings.TrimSpace(line); l != "" && strings.HasPrefix(strings.ToLower(l), "data:") {
			data := strings.TrimSpace(l[len("data:"):])
			if data == "[DONE]" {
				s.done = true
				return types.ChatChunk{}, io.EOF
			}
			if chunk, ok, perr := parseData(data); perr != nil {
				return types.ChatChunk{}, perr
			} else if ok {
				return chunk, nil
			}
			s.logger.Debug().Str("line", l).Msg("unknown_stream_line")
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.done = true
				return types.ChatChunk{}, io.EOF
			}
			return types.ChatChunk{}, llm.Cause(s.ctx, err)
		}
	}
}

// parseData decodes one SSE payload. Servers that stream raw {"content": ...}
// objects (llama.cpp native) are accepted too.
func parseData(data string) (types.ChatChunk, bool, error) {
	var chunk types.ChatChunk
	if err := json.Unmarshal([]byte(data), &chunk); err == nil && (len(chunk.Choices) > 0 || chunk.Usage != nil) {
		return chunk, true, nil
	}
	var se streamError
	if err := json.Unmarshal([]byte(data), &se); err == nil && se.Error.Message != "" {
		return types.ChatChunk{}, false, errors.New(se.Error.Message)
	}
	var generic map[string]any
	if err := json.Unmarshal([]byte(data), &generic); err == nil {
		if tok, ok := generic["content"].(string); ok {
			fr := ""
			if stop, _ := generic["stop"].(bool); stop {
				fr = "stop"
			}
			return llm.Chunk(tok, fr), true, nil
		}
	}
	return types.ChatChunk{}, false, nil
}

func (s *sseStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.body.Close()
		if s.onClose != nil {
			s.onClose()
		}
	})
	return err
}
