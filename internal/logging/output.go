package logging

import (
	"bytes"
	"sync"
)

const (
	// MaxLineLength is the maximum length of a single captured line before truncation.
	MaxLineLength = 4096

	// DefaultBufferedLines is the number of lines kept when no size is given.
	DefaultBufferedLines = 100

	truncatedSuffix = "...(truncated)"
)

// OutputBuffer is an io.Writer that keeps the most recent lines written to it.
// The server's stdout and stderr are teed into one each so a startup failure
// can report what the server printed before it died.
type OutputBuffer struct {
	mu      sync.Mutex
	lines   []string
	next    int
	full    bool
	partial []byte
}

// NewOutputBuffer returns a buffer holding up to size lines.
func NewOutputBuffer(size int) *OutputBuffer {
	if size <= 0 {
		size = DefaultBufferedLines
	}
	return &OutputBuffer{lines: make([]string, size)}
}

// Write implements io.Writer. It never fails.
func (b *OutputBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(p)
	for len(p) > 0 {
		i := bytes.IndexByte(p, '\n')
		if i < 0 {
			b.partial = append(b.partial, p...)
			// Bound memory for output that never ends a line.
			if len(b.partial) > MaxLineLength {
				b.push(b.partial)
				b.partial = b.partial[:0]
			}
			break
		}
		b.partial = append(b.partial, p[:i]...)
		b.push(b.partial)
		b.partial = b.partial[:0]
		p = p[i+1:]
	}
	return n, nil
}

func (b *OutputBuffer) push(raw []byte) {
	line := string(bytes.TrimSuffix(raw, []byte{'\r'}))
	if len(line) > MaxLineLength {
		line = line[:MaxLineLength] + truncatedSuffix
	}
	b.lines[b.next] = line
	b.next = (b.next + 1) % len(b.lines)
	if b.next == 0 {
		b.full = true
	}
}

// Lines returns the buffered lines, oldest first, including any trailing
// partial line.
func (b *OutputBuffer) Lines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []string
	if b.full {
		out = make([]string, 0, len(b.lines)+1)
		out = append(out, b.lines[b.next:]...)
		out = append(out, b.lines[:b.next]...)
	} else {
		out = make([]string, 0, b.next+1)
		out = append(out, b.lines[:b.next]...)
	}
	if len(b.partial) > 0 {
		out = append(out, string(b.partial))
	}
	return out
}
