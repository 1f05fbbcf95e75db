// Package natsserver is the NATS request/reply transport.
//
// Requests are JSON bodies on three subjects (run, submit, stats) joined
// through one queue group. Replies are {"result": ...} or {"error": "..."}.
package natsserver
