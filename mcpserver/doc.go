// Package mcpserver exposes the executor as Model Context Protocol tools.
//
// Tools:
//
//   - run_python: code and optional stdin; returns the ExecutionResult as
//     JSON, the formatted error when the run failed and each captured image
//     as image content.
//   - evaluate_submission: code and ordered testCases; returns the
//     SubmissionResult as JSON.
//   - pool_stats: warm pool occupancy.
//
// The server supports both stdio and streamable HTTP transports as
// configured by the application configuration.
//
// Usage:
//
//	server, err := mcpserver.New(cfg, logger, executor)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	err = server.ServeStdio() // or server.ServeHTTP()
package mcpserver
