package meter

import "errors"

// Sentinel errors for meter operations.
//
// These errors can be checked using errors.Is() for specific handling:
//
//	if errors.Is(err, meter.ErrIdentificationFailed) {
//	    // This meter never came up; siblings keep running
//	}
var (
	// ErrIdentificationFailed indicates hardware identification did not
	// succeed within the retry budget. Fatal for this meter only.
	ErrIdentificationFailed = errors.New("meter: hardware identification failed")

	// ErrQueryFailed indicates an endpoint query exhausted its retry budget.
	ErrQueryFailed = errors.New("meter: endpoint query failed")

	// ErrParseFailed indicates the meter returned malformed XML.
	// Not retried; the poll cycle is a no-op for that endpoint.
	ErrParseFailed = errors.New("meter: response parse failed")

	// ErrSchemaInvalid indicates the endpoint schema file is malformed.
	ErrSchemaInvalid = errors.New("meter: invalid endpoint schema")

	// ErrTopicCollision indicates two sensors resolved to the same state
	// topic. This is a configuration error and is never retried.
	ErrTopicCollision = errors.New("meter: state topic collision")

	// ErrNotReady indicates Run was called before Setup completed.
	ErrNotReady = errors.New("meter: not set up")
)
