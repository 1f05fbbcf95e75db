package extract

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	pngA = "iVBORw0KGgoAAAANSUhEUgAAAAEAAAABCAYAAAAfFcSJAAAADUlEQVR42mNkYPhfDwAChwGA60e6kgAAAABJRU5ErkJggg=="
	pngB = "iVBORw0KGgo="
)

func TestExtract(t *testing.T) {
	t.Run("NoMarkers", func(t *testing.T) {
		res := Extract("hello\nworld\n")
		assert.Equal(t, "hello\nworld\n", res.Stdout)
		assert.Empty(t, res.Artifacts)
		assert.Empty(t, res.Errors)
	})

	t.Run("PlotMarkerOnOwnLine", func(t *testing.T) {
		res := Extract("before\n[PLOT_B64:" + pngA + "]\nafter\n")
		assert.Equal(t, "before\nafter\n", res.Stdout)
		require.Len(t, res.Artifacts, 1)
		assert.Equal(t, DataURIPrefix+pngA, res.Artifacts[0])
	})

	t.Run("FrameMarker", func(t *testing.T) {
		res := Extract("[PYGAME_FRAME:30]data:image/png;base64," + pngB + "[/PYGAME_FRAME]\n")
		assert.Equal(t, "", res.Stdout)
		assert.Equal(t, []string{DataURIPrefix + pngB}, res.Artifacts)
	})

	t.Run("MixedGrammarsKeepOrder", func(t *testing.T) {
		stdout := "[PYGAME_FRAME:1]data:image/png;base64," + pngB + "[/PYGAME_FRAME]\n" +
			"score 10\n" +
			"[PLOT_B64:" + pngA + "]\n" +
			"[PYGAME_FRAME:60]data:image/png;base64," + pngA + "[/PYGAME_FRAME]\n"
		res := Extract(stdout)

		assert.Equal(t, "score 10\n", res.Stdout)
		assert.Equal(t, []string{
			DataURIPrefix + pngB,
			DataURIPrefix + pngA,
			DataURIPrefix + pngA,
		}, res.Artifacts)
	})

	t.Run("InlineMarkerKeepsSurroundingText", func(t *testing.T) {
		res := Extract("value=[PLOT_B64:" + pngB + "]\nnext\n")
		assert.Equal(t, "value=\nnext\n", res.Stdout)
		assert.Len(t, res.Artifacts, 1)
	})

	t.Run("MalformedMarkerIsSkipped", func(t *testing.T) {
		res := Extract("[PLOT_B64:not*base64]\n[PLOT_B64:" + pngA + "]\ndone\n")

		assert.Equal(t, "done\n", res.Stdout)
		assert.Equal(t, []string{DataURIPrefix + pngA}, res.Artifacts)
		require.Len(t, res.Errors, 1)
		assert.Equal(t, "PLOT_B64", res.Errors[0].Marker)
		assert.Contains(t, res.Errors[0].Error(), "invalid base64")
	})

	t.Run("EmptyPayloadIsSkipped", func(t *testing.T) {
		res := Extract("[PLOT_B64:]\n")
		assert.Empty(t, res.Artifacts)
		require.Len(t, res.Errors, 1)
		assert.Contains(t, res.Errors[0].Reason, "empty")
	})

	t.Run("PlotErrorIsStrippedAndReported", func(t *testing.T) {
		res := Extract("a\n[PLOT_ERROR:cannot save figure]\nb\n")
		assert.Equal(t, "a\nb\n", res.Stdout)
		assert.Empty(t, res.Artifacts)
		require.Len(t, res.Errors, 1)
		assert.Equal(t, "PLOT_ERROR", res.Errors[0].Marker)
	})

	t.Run("UnterminatedMarkerIsLeftAlone", func(t *testing.T) {
		stdout := "[PLOT_B64:" + pngA + "\n"
		res := Extract(stdout)
		assert.Equal(t, stdout, res.Stdout)
		assert.Empty(t, res.Artifacts)
	})

	t.Run("SimilarBracketTextIsUntouched", func(t *testing.T) {
		stdout := "[PLOT] [GPU_INFO: x] [PYGAME_FRAME:x]\n"
		assert.Equal(t, stdout, Extract(stdout).Stdout)
	})
}
