package evaluate

import (
	"context"
	"strings"
	"time"

	"github.com/isdmx/pysandbox/model"
)

// RunFunc runs code once with stdin
type RunFunc func(ctx context.Context, code, stdin string) (model.ExecutionResult, error)

// Normalize trims surrounding whitespace and converts CRLF and CR line
// endings to LF. Normalize(Normalize(s)) == Normalize(s).
func Normalize(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	return strings.TrimSpace(s)
}

// Evaluate runs code against each case in order and compares normalized
// output. A run that errors or times out ends the evaluation: the remaining
// cases are not attempted and the verdict reflects the crash. An error from
// run is returned with the partial result and status InternalError.
func Evaluate(ctx context.Context, run RunFunc, code string, cases []model.TestCase) (model.SubmissionResult, error) {
	start := time.Now()
	result := model.SubmissionResult{
		TotalCount: len(cases),
		Cases:      make([]model.CaseResult, 0, len(cases)),
	}

	var stopped model.SubmissionStatus
	for i, tc := range cases {
		res, err := run(ctx, code, tc.Input)
		if err != nil {
			result.Status = model.InternalError
			result.DurationMs = time.Since(start).Milliseconds()
			return result, err
		}

		cr := model.CaseResult{
			Index:      i,
			Status:     res.Status,
			Actual:     res.Stdout,
			Expected:   tc.ExpectedOutput,
			Stderr:     res.Stderr,
			DurationMs: res.DurationMs,
			Error:      res.Error,
		}

		switch res.Status {
		case model.StatusSuccess:
			cr.Passed = Normalize(res.Stdout) == Normalize(tc.ExpectedOutput)
			if cr.Passed {
				result.PassedCount++
			}
		case model.StatusTimeout:
			stopped = model.TimeLimitExceeded
		default:
			stopped = model.RuntimeError
		}
		result.Cases = append(result.Cases, cr)

		if stopped != "" {
			break
		}
	}

	switch {
	case stopped != "":
		result.Status = stopped
	case len(cases) > 0 && result.PassedCount == len(cases):
		result.Status = model.Accepted
	default:
		result.Status = model.WrongAnswer
	}
	result.DurationMs = time.Since(start).Milliseconds()
	return result, nil
}
