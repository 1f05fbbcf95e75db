package preprocess

import "regexp"

var (
	plottingPattern = regexp.MustCompile(`(?i)import\s+matplotlib|from\s+matplotlib|plt\.|pyplot\.`)
	graphicsPattern = regexp.MustCompile(`(?i)import\s+pygame|from\s+pygame`)

	torchPattern      = regexp.MustCompile(`import\s+torch|from\s+torch|torch\.(cuda|device|tensor)|\.to\(['"]cuda|\.cuda\(\)`)
	tensorflowPattern = regexp.MustCompile(`import\s+tensorflow|from\s+tensorflow|tf\.device\(['"]/?GPU`)
	cupyPattern       = regexp.MustCompile(`import\s+cupy|from\s+cupy|\bcp\.`)
	numbaCUDAPattern  = regexp.MustCompile(`@cuda\.jit|from\s+numba\s+import\s+cuda`)
)

// Framework is a GPU compute library recognized in source text
type Framework string

const (
	Torch      Framework = "torch"
	TensorFlow Framework = "tensorflow"
	CuPy       Framework = "cupy"
	NumbaCUDA  Framework = "numba.cuda"
)

// Capabilities is the set of instrumented features a program appears to use.
// Detection is textual: a false negative skips instrumentation and a false
// positive adds a preamble the program never exercises.
type Capabilities struct {
	Plotting   bool
	Graphics   bool
	Frameworks []Framework
}

// GPU reports whether any GPU framework was detected
func (c Capabilities) GPU() bool {
	return len(c.Frameworks) > 0
}

// Uses reports whether framework f was detected
func (c Capabilities) Uses(f Framework) bool {
	for _, got := range c.Frameworks {
		if got == f {
			return true
		}
	}
	return false
}

// Detect scans code for plotting, headless graphics and GPU framework usage
func Detect(code string) Capabilities {
	caps := Capabilities{
		Plotting: plottingPattern.MatchString(code),
		Graphics: graphicsPattern.MatchString(code),
	}
	if torchPattern.MatchString(code) {
		caps.Frameworks = append(caps.Frameworks, Torch)
	}
	if tensorflowPattern.MatchString(code) {
		caps.Frameworks = append(caps.Frameworks, TensorFlow)
	}
	if cupyPattern.MatchString(code) {
		caps.Frameworks = append(caps.Frameworks, CuPy)
	}
	if numbaCUDAPattern.MatchString(code) {
		caps.Frameworks = append(caps.Frameworks, NumbaCUDA)
	}
	return caps
}
