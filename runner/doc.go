// Package runner executes one Python program inside a leased environment.
//
// Every run gets its own session directory under the configured workdir
// holding main.py, stdin.txt and, when instrumentation applies, the
// sitecustomize preamble. The interpreter runs under coreutils timeout in
// the container and under an orchestration timer in the caller, whichever
// fires first. On timeout the session's processes are killed with pkill and
// the result carries a standard timeout message. The session directory is
// removed after every run; a failed removal is reported as *CleanupError so
// the environment is evicted rather than reused.
package runner
