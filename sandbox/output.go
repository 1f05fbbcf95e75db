package sandbox

import (
	"bytes"
	"strings"
)

// OutputTruncatedNotice is appended to a stream that hit the output cap
const OutputTruncatedNotice = "\n[output truncated]\n"

// limitedBuffer keeps the first limit bytes written to it and discards the
// rest while still reporting full writes, so the producer never blocks on a
// closed pipe. A limit of zero or less keeps everything.
type limitedBuffer struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func newLimitedBuffer(limit int) *limitedBuffer {
	return &limitedBuffer{limit: limit}
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	if b.limit <= 0 {
		return b.buf.Write(p)
	}
	room := b.limit - b.buf.Len()
	if room <= 0 {
		if len(p) > 0 {
			b.truncated = true
		}
		return len(p), nil
	}
	if len(p) > room {
		b.buf.Write(p[:room])
		b.truncated = true
		return len(p), nil
	}
	return b.buf.Write(p)
}

// Truncated reports whether any bytes were dropped
func (b *limitedBuffer) Truncated() bool {
	return b.truncated
}

// String returns the kept bytes, followed by OutputTruncatedNotice when
// anything was dropped.
func (b *limitedBuffer) String() string {
	if b.truncated {
		return b.buf.String() + OutputTruncatedNotice
	}
	return b.buf.String()
}

// IsTruncated reports whether s was cut at the output cap
func IsTruncated(s string) bool {
	return strings.HasSuffix(s, OutputTruncatedNotice)
}

// stripStartMarker removes the leading marker line the runner writes to
// stderr before the program starts. The second return reports whether the
// marker was present.
func stripStartMarker(stderr, marker string) (string, bool) {
	if marker == "" {
		return stderr, false
	}
	if rest, ok := strings.CutPrefix(stderr, marker+"\n"); ok {
		return rest, true
	}
	if stderr == marker {
		return "", true
	}
	return stderr, false
}
