// Package preprocess detects what a Python program uses and builds the
// instrumentation that runs before it.
//
// Detection is a best-effort pattern match over import and call syntax for
// plotting (matplotlib), headless graphics (pygame) and GPU frameworks
// (torch, tensorflow, cupy, numba.cuda). Each detected capability adds one
// preamble:
//
//   - plotting: plt.show saves the current figure, prints it as
//     [PLOT_B64:<base64>] and closes it; figures never shown are flushed at
//     exit the same way.
//   - graphics: display.flip and display.update snapshot frames 1, 30, 60,
//     90 and 120 as [PYGAME_FRAME:<n>]<data-uri>[/PYGAME_FRAME] under the
//     dummy video driver and end the program after 120 frames or 8 seconds.
//   - GPU: a device report written to stderr. Failures are swallowed.
//
// The preamble is a prefix only. The runner materializes it as a
// sitecustomize module next to the program so that tracebacks keep the
// program's own line numbers.
package preprocess
