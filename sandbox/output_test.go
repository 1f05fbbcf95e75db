package sandbox

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimitedBuffer(t *testing.T) {
	t.Run("UnderLimit", func(t *testing.T) {
		buf := newLimitedBuffer(16)
		n, err := buf.Write([]byte("hello"))
		require.NoError(t, err)
		assert.Equal(t, 5, n)
		assert.False(t, buf.Truncated())
		assert.Equal(t, "hello", buf.String())
	})

	t.Run("OverLimitKeepsPrefixAndReportsFullWrite", func(t *testing.T) {
		buf := newLimitedBuffer(4)
		n, err := buf.Write([]byte("abcdef"))
		require.NoError(t, err)
		assert.Equal(t, 6, n)
		n, err = buf.Write([]byte("ghi"))
		require.NoError(t, err)
		assert.Equal(t, 3, n)

		assert.True(t, buf.Truncated())
		assert.Equal(t, "abcd"+OutputTruncatedNotice, buf.String())
		assert.True(t, IsTruncated(buf.String()))
	})

	t.Run("ZeroLimitKeepsEverything", func(t *testing.T) {
		buf := newLimitedBuffer(0)
		_, _ = buf.Write([]byte(strings.Repeat("x", 1000)))
		assert.False(t, buf.Truncated())
		assert.Len(t, buf.String(), 1000)
	})
}

func TestStripStartMarker(t *testing.T) {
	tests := []struct {
		name    string
		stderr  string
		marker  string
		want    string
		started bool
	}{
		{"NoMarkerRequested", "boom", "", "boom", false},
		{"MarkerLine", "m:1\nTraceback", "m:1", "Traceback", true},
		{"MarkerOnly", "m:1", "m:1", "", true},
		{"MarkerMissing", "Error response from daemon: gone", "m:1", "Error response from daemon: gone", false},
		{"MarkerNotAtStart", "x\nm:1\n", "m:1", "x\nm:1\n", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, started := stripStartMarker(tt.stderr, tt.marker)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.started, started)
		})
	}
}

func TestRealCommandRunnerCapsOutput(t *testing.T) {
	runner := RealCommandRunner{MaxOutputBytes: 1024}

	stdout, stderr, exitCode, err := runner.RunCommand(context.Background(),
		[]string{"sh", "-c", "head -c 100000 /dev/zero | tr '\\0' a; echo done >&2"}, "")
	require.NoError(t, err)
	assert.Equal(t, 0, exitCode)
	assert.True(t, IsTruncated(stdout))
	assert.Len(t, stdout, 1024+len(OutputTruncatedNotice))
	assert.Equal(t, "done\n", stderr)
}
