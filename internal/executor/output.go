package executor

import "bytes"

// DefaultOutputLimit caps each of stdout and stderr.
const DefaultOutputLimit = 64 * 1024

// OutputBuffer keeps the first limit bytes written to it and drops the rest.
// Writes never fail, so a child process is never blocked on a full pipe.
// It is not safe for concurrent writers.
type OutputBuffer struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
}

// NewOutputBuffer returns a buffer holding at most limit bytes.
// A non-positive limit uses DefaultOutputLimit.
func NewOutputBuffer(limit int) *OutputBuffer {
	if limit <= 0 {
		limit = DefaultOutputLimit
	}
	return &OutputBuffer{limit: limit}
}

func (b *OutputBuffer) Write(p []byte) (int, error) {
	if room := b.limit - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
			b.truncated = true
		} else {
			b.buf.Write(p)
		}
	} else if len(p) > 0 {
		b.truncated = true
	}
	return len(p), nil
}

// Truncated reports whether any output was dropped.
func (b *OutputBuffer) Truncated() bool {
	return b.truncated
}

// String returns the kept output, marked when it was truncated.
func (b *OutputBuffer) String() string {
	if b.truncated {
		return b.buf.String() + "\n... (output truncated)"
	}
	return b.buf.String()
}
