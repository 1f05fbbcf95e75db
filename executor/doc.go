// Package executor is the entry point the transports call.
//
// RunOnce and EvaluateSubmission validate the request, pick a GPU
// environment only when the code uses a GPU framework and a GPU is
// available, prepare the preamble, lease an environment, run, extract
// artifacts and classify errors. A control-plane failure on a pooled
// environment evicts it and retries once on a fresh ephemeral environment.
package executor
