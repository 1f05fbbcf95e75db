package pyerror

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Category is the coarse class an error is reported under
type Category string

const (
	CategorySyntax       Category = "SyntaxError"
	CategoryIndentation  Category = "IndentationError"
	CategoryName         Category = "NameError"
	CategoryType         Category = "TypeError"
	CategoryZeroDivision Category = "ZeroDivisionError"
	CategoryRuntime      Category = "RuntimeError"
	CategoryTimeout      Category = "Timeout"
	CategoryMemory       Category = "MemoryError"
	CategoryUnclassified Category = "Unclassified"
)

// KilledMessage is reported when the interpreter is killed without writing
// anything, which in practice means it hit its memory ceiling.
const KilledMessage = "Process was killed (memory limit exceeded)"

const timeoutMessageTemplate = "Code execution timed out (%s seconds limit)"

// TimeoutMessage is the stderr text of a run that exceeded its budget
func TimeoutMessage(seconds float64) string {
	return fmt.Sprintf(timeoutMessageTemplate, strconv.FormatFloat(seconds, 'f', -1, 64))
}

// ParsedError is the classified view of a program's stderr
type ParsedError struct {
	Category        Category `json:"category"`
	ErrorType       string   `json:"errorType"`
	LineNumber      *int     `json:"lineNumber,omitempty"`
	RawMessage      string   `json:"rawMessage"`
	FriendlyMessage string   `json:"friendlyMessage"`
	Suggestion      string   `json:"suggestion,omitempty"`
}

var (
	timeoutPattern   = regexp.MustCompile(`Code execution timed out \((\d+(?:\.\d+)?) seconds limit\)`)
	framePattern     = regexp.MustCompile(`(?m)^\s*File "([^"]+)", line (\d+)`)
	exceptionPattern = regexp.MustCompile(`(?m)^([A-Za-z_][A-Za-z0-9_.]*(?:Error|Exception|Exit|Interrupt|Warning)):?\s?(.*)$`)
	nameErrorPattern = regexp.MustCompile(`name '([^']+)' is not defined`)
)

var libraryMarkers = []string{"site-packages", "dist-packages", "/usr/lib/python", "/usr/local/lib/python", "<frozen", "sitecustomize.py"}

// Parse classifies stderr. Text that matches no known pattern is returned
// with CategoryUnclassified and the raw text intact.
func Parse(stderr string) ParsedError {
	raw := strings.TrimSpace(stderr)
	p := ParsedError{RawMessage: raw, Category: CategoryUnclassified}

	if m := timeoutPattern.FindStringSubmatch(raw); m != nil {
		p.Category = CategoryTimeout
		p.ErrorType = string(CategoryTimeout)
		p.FriendlyMessage = fmt.Sprintf("Your program ran longer than the %s second limit and was stopped.", m[1])
		p.Suggestion = "Look for loops that never finish or input() calls waiting for more input than was given."
		return p
	}
	if strings.Contains(raw, KilledMessage) {
		p.Category = CategoryMemory
		p.ErrorType = "MemoryError"
		p.FriendlyMessage = "Your program used more memory than it is allowed and was stopped."
		p.Suggestion = "Avoid building very large lists or strings; process data in smaller pieces."
		return p
	}

	p.LineNumber = deepestLine(raw)

	excType, excMsg, ok := lastException(raw)
	if !ok {
		if strings.Contains(raw, "Traceback (most recent call last)") {
			p.Category = CategoryRuntime
			p.ErrorType = string(CategoryRuntime)
			p.FriendlyMessage = "Your program stopped with an error."
		}
		return p
	}
	p.ErrorType = excType

	switch shortName(excType) {
	case "IndentationError", "TabError":
		p.Category = CategoryIndentation
		p.FriendlyMessage = "The indentation of your code is not consistent" + lineSuffix(p.LineNumber) + "."
		p.Suggestion = "Use the same number of spaces for every line in a block and do not mix tabs and spaces."
	case "SyntaxError":
		p.Category = CategorySyntax
		p.FriendlyMessage = "Python could not understand your code" + lineSuffix(p.LineNumber) + ": " + sentence(excMsg)
		p.Suggestion = "Check for missing colons, brackets or quotes on that line and the one before it."
	case "NameError", "UnboundLocalError":
		p.Category = CategoryName
		if m := nameErrorPattern.FindStringSubmatch(excMsg); m != nil {
			p.FriendlyMessage = fmt.Sprintf("The name '%s' is used but has not been defined%s.", m[1], lineSuffix(p.LineNumber))
		} else {
			p.FriendlyMessage = "A variable is used before it has a value" + lineSuffix(p.LineNumber) + "."
		}
		p.Suggestion = "Check that the name is defined before use and spelled the same way everywhere."
	case "TypeError":
		p.Category = CategoryType
		p.FriendlyMessage = "An operation was used with a value of the wrong type" + lineSuffix(p.LineNumber) + ": " + sentence(excMsg)
		p.Suggestion = "Convert values explicitly, for example int(text) or str(number), before combining them."
	case "ZeroDivisionError":
		p.Category = CategoryZeroDivision
		p.FriendlyMessage = "Your program divided a number by zero" + lineSuffix(p.LineNumber) + "."
		p.Suggestion = "Check that the divisor is not zero before dividing."
	case "MemoryError":
		p.Category = CategoryMemory
		p.FriendlyMessage = "Your program ran out of memory" + lineSuffix(p.LineNumber) + "."
		p.Suggestion = "Avoid building very large lists or strings; process data in smaller pieces."
	default:
		p.Category = CategoryRuntime
		if excMsg != "" {
			p.FriendlyMessage = fmt.Sprintf("Your program raised %s%s: %s", shortName(excType), lineSuffix(p.LineNumber), sentence(excMsg))
		} else {
			p.FriendlyMessage = fmt.Sprintf("Your program raised %s%s.", shortName(excType), lineSuffix(p.LineNumber))
		}
	}
	return p
}

// Format renders p as a short multi-line block for display
func Format(p ParsedError) string {
	var b strings.Builder
	if p.ErrorType != "" {
		b.WriteString(p.ErrorType)
		b.WriteString(": ")
	}
	b.WriteString(p.FriendlyMessage)
	if p.FriendlyMessage == "" {
		b.WriteString("The program reported an error.")
	}
	b.WriteString("\n")
	if p.LineNumber != nil {
		fmt.Fprintf(&b, "Line: %d\n", *p.LineNumber)
	}
	if p.Suggestion != "" {
		fmt.Fprintf(&b, "Suggestion: %s\n", p.Suggestion)
	}
	if p.RawMessage != "" {
		b.WriteString("\nDetails:\n")
		b.WriteString(p.RawMessage)
		b.WriteString("\n")
	}
	return b.String()
}

// deepestLine returns the line of the innermost frame that belongs to the
// program, falling back to the innermost frame of any file.
func deepestLine(raw string) *int {
	frames := framePattern.FindAllStringSubmatch(raw, -1)
	var fallback *int
	for i := len(frames) - 1; i >= 0; i-- {
		n, err := strconv.Atoi(frames[i][2])
		if err != nil {
			continue
		}
		if fallback == nil {
			fallback = &n
		}
		if !isLibraryFile(frames[i][1]) {
			return &n
		}
	}
	return fallback
}

func isLibraryFile(file string) bool {
	for _, marker := range libraryMarkers {
		if strings.Contains(file, marker) {
			return true
		}
	}
	return false
}

// lastException finds the final "Type: message" line, which is the one
// Python prints for the exception that ended the program.
func lastException(raw string) (string, string, bool) {
	matches := exceptionPattern.FindAllStringSubmatch(raw, -1)
	if len(matches) == 0 {
		return "", "", false
	}
	m := matches[len(matches)-1]
	return m[1], strings.TrimSpace(m[2]), true
}

func shortName(excType string) string {
	if i := strings.LastIndex(excType, "."); i >= 0 {
		return excType[i+1:]
	}
	return excType
}

func lineSuffix(line *int) string {
	if line == nil {
		return ""
	}
	return fmt.Sprintf(" on line %d", *line)
}

func sentence(s string) string {
	if s == "" || strings.ContainsAny(s[len(s)-1:], ".!?") {
		return s
	}
	return s + "."
}
