package model

import "github.com/isdmx/pysandbox/pyerror"

// Status is the outcome of a single run
type Status string

const (
	StatusSuccess Status = "Success"
	StatusError   Status = "Error"
	StatusTimeout Status = "Timeout"
)

// SubmissionStatus is the verdict of a graded submission
type SubmissionStatus string

const (
	Accepted          SubmissionStatus = "Accepted"
	WrongAnswer       SubmissionStatus = "WrongAnswer"
	RuntimeError      SubmissionStatus = "RuntimeError"
	TimeLimitExceeded SubmissionStatus = "TimeLimitExceeded"
	InternalError     SubmissionStatus = "InternalError"
)

// ExecutionRequest is an ad hoc run of code with stdin
type ExecutionRequest struct {
	Code  string `json:"code" validate:"required"`
	Stdin string `json:"stdin"`
}

// ExecutionResult is what a caller sees for one run. Stdout and stderr are
// the program's own text with artifact markers removed; Error augments
// stderr and never replaces it.
type ExecutionResult struct {
	Stdout     string               `json:"stdout"`
	Stderr     string               `json:"stderr"`
	Status     Status               `json:"status"`
	DurationMs int64                `json:"durationMs"`
	Artifacts  []string             `json:"artifacts"`
	UsedGPU    bool                 `json:"usedGPU"`
	Truncated  bool                 `json:"truncated,omitempty"`
	Error      *pyerror.ParsedError `json:"error,omitempty"`
}

// TestCase is one input and the output a correct program prints for it
type TestCase struct {
	Input          string `json:"input"`
	ExpectedOutput string `json:"expectedOutput"`
}

// SubmissionRequest is code graded against ordered test cases
type SubmissionRequest struct {
	Code      string     `json:"code" validate:"required"`
	TestCases []TestCase `json:"testCases" validate:"required,min=1,dive"`
}

// CaseResult is the outcome of one attempted test case
type CaseResult struct {
	Index      int                  `json:"index"`
	Passed     bool                 `json:"passed"`
	Status     Status               `json:"status"`
	Actual     string               `json:"actual"`
	Expected   string               `json:"expected"`
	Stderr     string               `json:"stderr,omitempty"`
	DurationMs int64                `json:"durationMs"`
	Error      *pyerror.ParsedError `json:"error,omitempty"`
}

// SubmissionResult aggregates a graded submission. TotalCount is always the
// number of cases supplied; Cases holds only the ones attempted.
type SubmissionResult struct {
	Status      SubmissionStatus `json:"status"`
	PassedCount int              `json:"passedCount"`
	TotalCount  int              `json:"totalCount"`
	Cases       []CaseResult     `json:"cases"`
	DurationMs  int64            `json:"durationMs"`
}
