// Package httpapi is the REST transport, built on fiber.
//
// Routes:
//
//	POST /api/run         model.ExecutionRequest  -> model.ExecutionResult
//	POST /api/submit      model.SubmissionRequest -> model.SubmissionResult
//	GET  /api/pool/stats  pool.Stats
//	GET  /healthz
//
// Invalid requests get 400 with the validation message. Control-plane
// failures get a generic 500 and are logged.
package httpapi
