// Package errors provides the AppError type shared by every streamkit
// package: machine-readable codes, HTTP status mapping, retryable detection,
// and the envelope codes (serialization, untrusted type, malformed envelope)
// used by the Kafka layer.
package errors
