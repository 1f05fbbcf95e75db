package pyerror

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name      string
		stderr    string
		category  Category
		errorType string
		line      int
	}{
		{
			name: "SyntaxError",
			stderr: `  File "/tmp/pysandbox-1/main.py", line 5
    print("Hello World"
                       ^
SyntaxError: unexpected EOF while parsing`,
			category:  CategorySyntax,
			errorType: "SyntaxError",
			line:      5,
		},
		{
			name: "IndentationError",
			stderr: `  File "/tmp/pysandbox-1/main.py", line 3
    print("Hello")
    ^
IndentationError: unexpected indent`,
			category:  CategoryIndentation,
			errorType: "IndentationError",
			line:      3,
		},
		{
			name: "TabErrorIsIndentation",
			stderr: `  File "main.py", line 4
    x = 1
TabError: inconsistent use of tabs and spaces in indentation`,
			category:  CategoryIndentation,
			errorType: "TabError",
			line:      4,
		},
		{
			name: "NameError",
			stderr: `Traceback (most recent call last):
  File "/tmp/pysandbox-1/main.py", line 2, in <module>
    print(my_variable)
NameError: name 'my_variable' is not defined`,
			category:  CategoryName,
			errorType: "NameError",
			line:      2,
		},
		{
			name: "TypeError",
			stderr: `Traceback (most recent call last):
  File "/tmp/pysandbox-1/main.py", line 3, in <module>
    result = "5" + 3
TypeError: can only concatenate str (not "int") to str`,
			category:  CategoryType,
			errorType: "TypeError",
			line:      3,
		},
		{
			name: "ZeroDivisionError",
			stderr: `Traceback (most recent call last):
  File "/tmp/pysandbox-1/main.py", line 1, in <module>
    result = 10 / 0
             ~~~^~~
ZeroDivisionError: division by zero`,
			category:  CategoryZeroDivision,
			errorType: "ZeroDivisionError",
			line:      1,
		},
		{
			name: "DeepestProgramFrameWins",
			stderr: `Traceback (most recent call last):
  File "/tmp/pysandbox-1/main.py", line 9, in <module>
    main()
  File "/tmp/pysandbox-1/main.py", line 6, in main
    helper(values)
  File "/tmp/pysandbox-1/main.py", line 2, in helper
    return int(values[0])
ValueError: invalid literal for int() with base 10: 'x'`,
			category:  CategoryRuntime,
			errorType: "ValueError",
			line:      2,
		},
		{
			name: "LibraryFramesAreSkipped",
			stderr: `Traceback (most recent call last):
  File "/tmp/pysandbox-1/main.py", line 4, in <module>
    np.reshape(a, (3, 3))
  File "/usr/local/lib/python3.11/site-packages/numpy/core/fromnumeric.py", line 285, in reshape
    return _wrapfunc(a, 'reshape', newshape, order=order)
ValueError: cannot reshape array of size 4 into shape (3,3)`,
			category:  CategoryRuntime,
			errorType: "ValueError",
			line:      4,
		},
		{
			name: "DottedExceptionName",
			stderr: `Traceback (most recent call last):
  File "main.py", line 7, in <module>
    json.loads("{")
json.decoder.JSONDecodeError: Expecting property name enclosed in double quotes: line 1 column 2 (char 1)`,
			category:  CategoryRuntime,
			errorType: "json.decoder.JSONDecodeError",
			line:      7,
		},
		{
			name: "MemoryErrorException",
			stderr: `Traceback (most recent call last):
  File "main.py", line 1, in <module>
MemoryError`,
			category:  CategoryMemory,
			errorType: "MemoryError",
			line:      1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := Parse(tt.stderr)
			assert.Equal(t, tt.category, p.Category)
			assert.Equal(t, tt.errorType, p.ErrorType)
			require.NotNil(t, p.LineNumber)
			assert.Equal(t, tt.line, *p.LineNumber)
			assert.NotEmpty(t, p.FriendlyMessage)
			assert.Equal(t, strings.TrimSpace(tt.stderr), p.RawMessage)
		})
	}
}

func TestParseSpecialCases(t *testing.T) {
	t.Run("Timeout", func(t *testing.T) {
		p := Parse(TimeoutMessage(10))
		assert.Equal(t, CategoryTimeout, p.Category)
		assert.Equal(t, "Timeout", p.ErrorType)
		assert.Nil(t, p.LineNumber)
		assert.Contains(t, p.FriendlyMessage, "10 second limit")
		assert.NotEmpty(t, p.Suggestion)
	})

	t.Run("FractionalTimeout", func(t *testing.T) {
		assert.Equal(t, "Code execution timed out (2.5 seconds limit)", TimeoutMessage(2.5))
		assert.Equal(t, CategoryTimeout, Parse(TimeoutMessage(2.5)).Category)
	})

	t.Run("KilledIsMemory", func(t *testing.T) {
		p := Parse(KilledMessage)
		assert.Equal(t, CategoryMemory, p.Category)
		assert.NotEmpty(t, p.Suggestion)
	})

	t.Run("NameErrorMentionsName", func(t *testing.T) {
		p := Parse("Traceback (most recent call last):\n  File \"main.py\", line 3, in <module>\n    print(score)\nNameError: name 'score' is not defined")
		assert.Contains(t, p.FriendlyMessage, "'score'")
		assert.Contains(t, p.FriendlyMessage, "line 3")
		assert.Contains(t, p.Suggestion, "defined before use")
	})

	t.Run("UnknownTextIsKept", func(t *testing.T) {
		p := Parse("something odd happened\n")
		assert.Equal(t, CategoryUnclassified, p.Category)
		assert.Empty(t, p.ErrorType)
		assert.Equal(t, "something odd happened", p.RawMessage)
	})

	t.Run("TracebackWithoutExceptionLine", func(t *testing.T) {
		p := Parse("Traceback (most recent call last):\n  File \"main.py\", line 8, in <module>")
		assert.Equal(t, CategoryRuntime, p.Category)
		require.NotNil(t, p.LineNumber)
		assert.Equal(t, 8, *p.LineNumber)
	})
}

func TestFormat(t *testing.T) {
	t.Run("FullBlock", func(t *testing.T) {
		line := 4
		out := Format(ParsedError{
			Category:        CategoryZeroDivision,
			ErrorType:       "ZeroDivisionError",
			LineNumber:      &line,
			RawMessage:      "ZeroDivisionError: division by zero",
			FriendlyMessage: "Your program divided a number by zero on line 4.",
			Suggestion:      "Check that the divisor is not zero before dividing.",
		})
		assert.Equal(t, "ZeroDivisionError: Your program divided a number by zero on line 4.\n"+
			"Line: 4\n"+
			"Suggestion: Check that the divisor is not zero before dividing.\n"+
			"\nDetails:\nZeroDivisionError: division by zero\n", out)
	})

	t.Run("UnclassifiedKeepsRaw", func(t *testing.T) {
		out := Format(Parse("weird output"))
		assert.Contains(t, out, "The program reported an error.")
		assert.Contains(t, out, "Details:\nweird output")
	})
}
