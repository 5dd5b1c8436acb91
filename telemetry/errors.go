package telemetry

import "errors"

var (
	// ErrInvalidTopic is returned when a topic does not match the expected grammar.
	ErrInvalidTopic = errors.New("telemetry: invalid topic")

	// ErrInvalidPayload is returned when a payload is not a JSON object or
	// lacks a required field.
	ErrInvalidPayload = errors.New("telemetry: invalid payload")
)
