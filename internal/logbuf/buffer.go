// Package logbuf keeps the most recent log entries in memory and notifies
// subscribers when the set changes. It is installed as a zerolog writer.
package logbuf

import (
	"bytes"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"pocketd/pkg/types"
)

// DefaultMax is the retained entry count when New is given n <= 0.
const DefaultMax = 1000

// Buffer is a bounded, observable log store. Safe for concurrent use.
type Buffer struct {
	mu      sync.Mutex
	max     int
	entries []types.LogEntry
	subs    map[uint64]func([]types.LogEntry)
	nextSub uint64
	partial []byte
}

// New returns a buffer retaining at most n entries.
func New(n int) *Buffer {
	if n <= 0 {
		n = DefaultMax
	}
	return &Buffer{max: n, subs: make(map[uint64]func([]types.LogEntry))}
}

// Add appends an entry, dropping the oldest ones beyond the limit.
func (b *Buffer) Add(level, msg string, fields map[string]any) {
	e := types.LogEntry{
		ID:      uuid.NewString(),
		Time:    time.Now().UnixMilli(),
		Level:   level,
		Message: msg,
		Fields:  fields,
	}
	b.mu.Lock()
	b.entries = append(b.entries, e)
	if over := len(b.entries) - b.max; over > 0 {
		b.entries = append(b.entries[:0:0], b.entries[over:]...)
	}
	snap, subs := b.snapshotLocked()
	b.mu.Unlock()
	notify(subs, snap)
}

// Entries returns a copy of the retained entries, oldest first.
func (b *Buffer) Entries() []types.LogEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]types.LogEntry, len(b.entries))
	copy(out, b.entries)
	return out
}

// Len reports the number of retained entries.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// Clear drops every entry and notifies subscribers.
func (b *Buffer) Clear() {
	b.mu.Lock()
	b.entries = nil
	snap, subs := b.snapshotLocked()
	b.mu.Unlock()
	notify(subs, snap)
}

// Subscribe registers fn to receive a snapshot after every change. The
// returned func unsubscribes and is safe to call more than once.
func (b *Buffer) Subscribe(fn func([]types.LogEntry)) (unsubscribe func()) {
	b.mu.Lock()
	id := b.nextSub
	b.nextSub++
	b.subs[id] = fn
	b.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}

func (b *Buffer) snapshotLocked() ([]types.LogEntry, []func([]types.LogEntry)) {
	snap := make([]types.LogEntry, len(b.entries))
	copy(snap, b.entries)
	subs := make([]func([]types.LogEntry), 0, len(b.subs))
	for _, fn := range b.subs {
		subs = append(subs, fn)
	}
	return snap, subs
}

func notify(subs []func([]types.LogEntry), snap []types.LogEntry) {
	for _, fn := range subs {
		fn(snap)
	}
}

// Write implements io.Writer for zerolog JSON output. Each complete line is
// decoded into an entry; lines that are not JSON are kept verbatim at info level.
func (b *Buffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	b.partial = append(b.partial, p...)
	var lines [][]byte
	for {
		idx := bytes.IndexByte(b.partial, '\n')
		if idx < 0 {
			break
		}
		lines = append(lines, append([]byte(nil), b.partial[:idx]...))
		b.partial = b.partial[idx+1:]
	}
	b.mu.Unlock()
	for _, line := range lines {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		b.addLine(line)
	}
	return len(p), nil
}

func (b *Buffer) addLine(line []byte) {
	var fields map[string]any
	if err := json.Unmarshal(line, &fields); err != nil {
		b.Add(zerolog.InfoLevel.String(), string(line), nil)
		return
	}
	level, _ := fields[zerolog.LevelFieldName].(string)
	msg, _ := fields[zerolog.MessageFieldName].(string)
	delete(fields, zerolog.LevelFieldName)
	delete(fields, zerolog.MessageFieldName)
	delete(fields, zerolog.TimestampFieldName)
	if level == "" {
		level = zerolog.InfoLevel.String()
	}
	if len(fields) == 0 {
		fields = nil
	}
	b.Add(level, msg, fields)
}
