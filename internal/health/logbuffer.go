package health

import (
	"strings"
	"sync"
)

// LogBuffer keeps the most recent log lines in a ring for the status surface.
// It is installed as an extra log output alongside stderr; writes never block
// or fail.
type LogBuffer struct {
	mu    sync.Mutex
	lines []string
	next  int
	full  bool
	part  strings.Builder
}

func NewLogBuffer(capacity int) *LogBuffer {
	if capacity <= 0 {
		capacity = 500
	}
	return &LogBuffer{lines: make([]string, capacity)}
}

// Write implements io.Writer. Input is split on newlines; an unterminated
// trailing fragment is held until the rest of the line arrives.
func (b *LogBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, c := range string(p) {
		if c == '\n' {
			b.append(b.part.String())
			b.part.Reset()
			continue
		}
		b.part.WriteRune(c)
	}
	return len(p), nil
}

func (b *LogBuffer) append(line string) {
	if line == "" {
		return
	}
	b.lines[b.next] = line
	b.next = (b.next + 1) % len(b.lines)
	if b.next == 0 {
		b.full = true
	}
}

// Tail returns up to n of the most recent lines, oldest first.
func (b *LogBuffer) Tail(n int) []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	size := b.next
	if b.full {
		size = len(b.lines)
	}
	if n <= 0 || n > size {
		n = size
	}

	out := make([]string, 0, n)
	start := b.next - n
	if start < 0 {
		start += len(b.lines)
	}
	for i := 0; i < n; i++ {
		out = append(out, b.lines[(start+i)%len(b.lines)])
	}
	return out
}
