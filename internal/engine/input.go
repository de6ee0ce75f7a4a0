package engine

import "pocketd/pkg/types"

// Input is what a generation is asked about: a bare prompt, one message or
// a conversation. Build one with Text, Msg or Msgs.
type Input struct {
	msgs []types.Message
}

// Text is a single user prompt.
func Text(s string) Input {
	return Input{msgs: []types.Message{{Role: types.RoleUser, Content: s}}}
}

// Msg is a single message.
func Msg(m types.Message) Input { return Input{msgs: []types.Message{m}} }

// Msgs is an ordered conversation.
func Msgs(ms ...types.Message) Input {
	return Input{msgs: append([]types.Message(nil), ms...)}
}

// Normalize returns the runtime message list, prefixed with one system
// message when systemPrompt is set. Existing system messages are kept.
func (in Input) Normalize(systemPrompt string) []types.Message {
	out := make([]types.Message, 0, len(in.msgs)+1)
	if systemPrompt != "" {
		out = append(out, types.Message{Role: types.RoleSystem, Content: systemPrompt})
	}
	return append(out, in.msgs...)
}
