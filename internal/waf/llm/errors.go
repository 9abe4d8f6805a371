// Package llm implements the LLM Gateway: typed, bounded calls to a
// text-completion backend for judging requests and learning new rules.
package llm

import "errors"

// ErrTimeout is returned when a call exceeds its bounded deadline.
var ErrTimeout = errors.New("llm: timeout")

// ErrTransport is returned for a transport-level failure (connection
// refused, reset, DNS) before a retry has been attempted.
var ErrTransport = errors.New("llm: transport failure")

// ErrParse is returned when the backend's response could not be parsed
// into the expected JSON shape.
var ErrParse = errors.New("llm: response parse failure")
