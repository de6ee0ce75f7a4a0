package proc

import "sync"

// DefaultTail is the number of bytes a Tail keeps when created with n <= 0.
const DefaultTail = 4096

// Tail is an io.Writer keeping only the last n bytes written to it.
type Tail struct {
	mu  sync.Mutex
	n   int
	buf []byte
}

// NewTail returns a writer retaining the last n bytes.
func NewTail(n int) *Tail {
	if n <= 0 {
		n = DefaultTail
	}
	return &Tail{n: n}
}

func (t *Tail) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.n; over > 0 {
		t.buf = append(t.buf[:0:0], t.buf[over:]...)
	}
	return len(p), nil
}

// String returns the retained bytes.
func (t *Tail) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
