// Package extract pulls artifact markers out of a program's stdout.
//
// Two marker grammars carry images through stdout:
//
//	[PLOT_B64:<base64>]
//	[PYGAME_FRAME:<n>]data:image/png;base64,<base64>[/PYGAME_FRAME]
//
// Extract returns the transcript with every marker removed and the images as
// data:image/png;base64 URIs in the order they were printed. [PLOT_ERROR:...]
// markers are removed and reported like any other malformed marker.
package extract
