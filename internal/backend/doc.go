// Package backend starts the worker that runs one task instance attempt.
// A backend hands back the worker's stdin and the stream its requests arrive
// on; the supervisor drives the protocol over those two streams.
package backend
