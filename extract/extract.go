package extract

import (
	"encoding/base64"
	"fmt"
	"regexp"
	"strings"
)

// DataURIPrefix starts every artifact returned by Extract
const DataURIPrefix = "data:image/png;base64,"

// markerPattern matches, in one pass so order of appearance is kept:
// [PLOT_B64:<base64>], [PYGAME_FRAME:<n>]<data-uri>[/PYGAME_FRAME] and
// [PLOT_ERROR:<message>].
var markerPattern = regexp.MustCompile(
	`\[PLOT_B64:([^\]]*)\]` +
		`|\[PYGAME_FRAME:(\d+)\](data:image/png;base64,[^\[]*)\[/PYGAME_FRAME\]` +
		`|\[PLOT_ERROR:([^\]]*)\]`)

// ExtractionError describes a marker that was removed from stdout but did
// not yield an artifact.
type ExtractionError struct {
	Marker string
	Reason string
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("malformed %s marker: %s", e.Marker, e.Reason)
}

// Result is the clean transcript and the artifacts found in it
type Result struct {
	Stdout    string
	Artifacts []string
	Errors    []*ExtractionError
}

// Extract removes every artifact marker from stdout and returns the decoded
// artifacts as data URIs in order of appearance. A marker that sits on a
// line of its own takes its newline with it. Malformed marker bodies are
// skipped and reported in Errors.
func Extract(stdout string) Result {
	matches := markerPattern.FindAllStringSubmatchIndex(stdout, -1)
	if len(matches) == 0 {
		return Result{Stdout: stdout}
	}

	var (
		res  Result
		b    strings.Builder
		last int
	)
	b.Grow(len(stdout))

	for _, m := range matches {
		start, end := m[0], m[1]
		b.WriteString(stdout[last:start])

		switch {
		case m[2] >= 0:
			payload := stdout[m[2]:m[3]]
			if err := checkPayload(payload); err != nil {
				res.Errors = append(res.Errors, &ExtractionError{Marker: "PLOT_B64", Reason: err.Error()})
			} else {
				res.Artifacts = append(res.Artifacts, DataURIPrefix+payload)
			}
		case m[4] >= 0:
			uri := stdout[m[6]:m[7]]
			if err := checkPayload(strings.TrimPrefix(uri, DataURIPrefix)); err != nil {
				res.Errors = append(res.Errors, &ExtractionError{
					Marker: "PYGAME_FRAME:" + stdout[m[4]:m[5]],
					Reason: err.Error(),
				})
			} else {
				res.Artifacts = append(res.Artifacts, uri)
			}
		case m[8] >= 0:
			res.Errors = append(res.Errors, &ExtractionError{Marker: "PLOT_ERROR", Reason: stdout[m[8]:m[9]]})
		}

		if (start == 0 || stdout[start-1] == '\n') && end < len(stdout) && stdout[end] == '\n' {
			end++
		}
		last = end
	}
	b.WriteString(stdout[last:])
	res.Stdout = b.String()

	return res
}

func checkPayload(payload string) error {
	if payload == "" {
		return fmt.Errorf("empty payload")
	}
	if _, err := base64.StdEncoding.DecodeString(payload); err != nil {
		return fmt.Errorf("invalid base64: %w", err)
	}
	return nil
}
