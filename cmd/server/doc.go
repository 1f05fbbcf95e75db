// Package main is the entry point for the pysandbox server.
//
// pysandbox runs untrusted Python in pooled, network-less containers and
// exposes it over one of four transports chosen by server.transport: MCP on
// stdio or streamable HTTP, a JSON REST API, or NATS request/reply.
//
// The application uses Uber's fx framework for dependency injection and
// lifecycle management, with zap for structured logging and viper for
// configuration. Running it with the config argument prints the effective
// configuration as YAML and exits.
package main
