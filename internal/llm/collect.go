package llm

import (
	"errors"
	"io"
	"strings"

	"pocketd/pkg/types"
)

// Collect drains s into a buffered completion and closes it.
func Collect(s Stream) (*types.ChatCompletion, error) {
	defer s.Close()
	var (
		sb     strings.Builder
		out    types.ChatCompletion
		finish string
	)
	for {
		c, err := s.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if out.ID == "" {
			out.ID = c.ID
		}
		if out.Model == "" {
			out.Model = c.Model
		}
		sb.WriteString(c.Text())
		if fr := c.FinishReason(); fr != "" {
			finish = fr
		}
		if c.Usage != nil {
			u := *c.Usage
			out.Usage = &u
		}
	}
	out.Choices = []types.CompletionChoice{{
		Message:      types.Message{Role: types.RoleAssistant, Content: sb.String()},
		FinishReason: finish,
	}}
	return &out, nil
}

// Chunk builds a single-choice streamed chunk.
func Chunk(content, finishReason string) types.ChatChunk {
	return types.ChatChunk{Choices: []types.ChunkChoice{{
		Delta:        types.Delta{Content: content},
		FinishReason: finishReason,
	}}}
}
