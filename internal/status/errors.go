// Package status defines the error taxonomy shared by the routing core.
//
// Every error that crosses a retry boundary is a value: the transport layer
// produces a *RequestError carrying the service's status and sub-status pair,
// and Classify maps any error onto a Category that retry policies switch on.
// Nothing in this package panics or relies on unwinding.
package status

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Status codes reported by the service.
const (
	StatusBadRequest         = http.StatusBadRequest
	StatusNotFound           = http.StatusNotFound
	StatusGone               = http.StatusGone
	StatusTooManyRequests    = http.StatusTooManyRequests
	StatusServiceUnavailable = http.StatusServiceUnavailable
)

// Sub-status codes. Values below 20000 come from the service; 21xxx values are
// raised by the client itself.
const (
	SubStatusNone                         = 0
	SubStatusNameCacheStale               = 1000
	SubStatusPartitionKeyRangeGone        = 1002
	SubStatusCompletingSplit              = 1007
	SubStatusCompletingPartitionMigration = 1008
	SubStatusIncompleteRoutingMap         = 1010

	SubStatusTopologyRetryExhausted = 21010
	SubStatusMissingContext         = 21011
	SubStatusInvalidEndpointFormat  = 21012
)

// Category is the coarse classification retry policies act on.
type Category int

const (
	CategoryNone Category = iota
	CategoryTopologyStaleness
	CategoryMissingContext
	CategoryInvalidEndpoint
	CategoryThrottled
	CategoryRetryExhausted
	CategoryOpaque
)

func (c Category) String() string {
	switch c {
	case CategoryNone:
		return "none"
	case CategoryTopologyStaleness:
		return "topology_staleness"
	case CategoryMissingContext:
		return "missing_context"
	case CategoryInvalidEndpoint:
		return "invalid_endpoint"
	case CategoryThrottled:
		return "throttled"
	case CategoryRetryExhausted:
		return "retry_exhausted"
	default:
		return "opaque"
	}
}

// Sentinel kinds usable with errors.Is.
var (
	ErrTopologyStaleness     = errors.New("partition topology is stale")
	ErrMissingContext        = errors.New("request is missing a resolved partition key range")
	ErrInvalidEndpointFormat = errors.New("invalid endpoint format")
	ErrRetryExhausted        = errors.New("topology retry exhausted")
)

// TopologyStalenessError reports that the client's view of a collection's
// partition key ranges no longer matches the service.
type TopologyStalenessError struct {
	Collection    string
	RangeID       string
	StatusCode    int
	SubStatusCode int
	// MapVersion is the routing map version the staleness was observed
	// against, 0 when unknown.
	MapVersion uint64
	Cause      error
}

// NewTopologyStalenessError builds a client-side staleness error for an
// incomplete routing map.
func NewTopologyStalenessError(collection, rangeID string, cause error) *TopologyStalenessError {
	return &TopologyStalenessError{
		Collection:    collection,
		RangeID:       rangeID,
		StatusCode:    StatusGone,
		SubStatusCode: SubStatusIncompleteRoutingMap,
		Cause:         cause,
	}
}

func (e *TopologyStalenessError) Error() string {
	msg := fmt.Sprintf("topology stale for collection %q (status %d/%d)", e.Collection, e.StatusCode, e.SubStatusCode)
	if e.RangeID != "" {
		msg += fmt.Sprintf(" range %s", e.RangeID)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *TopologyStalenessError) Is(target error) bool { return target == ErrTopologyStaleness }
func (e *TopologyStalenessError) Unwrap() error        { return e.Cause }

// MissingContextError is a sequencing defect in the caller: session token
// resolution was attempted before the partition key range was resolved.
type MissingContextError struct {
	Operation string
	Field     string
}

func (e *MissingContextError) Error() string {
	return fmt.Sprintf("%s: missing %s (status %d/%d)", e.Operation, e.Field, StatusBadRequest, SubStatusMissingContext)
}

func (e *MissingContextError) Is(target error) bool { return target == ErrMissingContext }

// InvalidEndpointFormatError reports a global endpoint whose host has no
// account label.
type InvalidEndpointFormatError struct {
	Endpoint string
	Reason   string
}

func (e *InvalidEndpointFormatError) Error() string {
	return fmt.Sprintf("invalid endpoint format %q: %s", e.Endpoint, e.Reason)
}

func (e *InvalidEndpointFormatError) Is(target error) bool { return target == ErrInvalidEndpointFormat }

// RequestError is an error returned by the transport with the service's
// status pair. Errors this subsystem does not handle pass through as-is.
type RequestError struct {
	StatusCode    int
	SubStatusCode int
	RetryAfter    time.Duration
	Message       string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("request failed with status %d/%d: %s", e.StatusCode, e.SubStatusCode, e.Message)
}

// IsTopologyStaleness reports whether the status pair signals a split, merge
// or migration the client has not observed yet.
func (e *RequestError) IsTopologyStaleness() bool {
	if e.StatusCode != StatusGone {
		return false
	}
	switch e.SubStatusCode {
	case SubStatusPartitionKeyRangeGone, SubStatusCompletingSplit,
		SubStatusCompletingPartitionMigration, SubStatusIncompleteRoutingMap:
		return true
	}
	return false
}

// OpaqueRequestError wraps errors outside this subsystem's concern so they
// carry an activity id back to the caller unchanged otherwise.
type OpaqueRequestError struct {
	ActivityID string
	Err        error
}

func (e *OpaqueRequestError) Error() string {
	return fmt.Sprintf("request %s failed: %v", e.ActivityID, e.Err)
}

func (e *OpaqueRequestError) Unwrap() error { return e.Err }

// RetryExhaustedError is the terminal form of a topology staleness that
// recurred after the single permitted refresh.
type RetryExhaustedError struct {
	ActivityID    string
	Attempts      int
	StatusCode    int
	SubStatusCode int
	Last          error
}

// NewRetryExhaustedError wraps the last staleness error.
func NewRetryExhaustedError(activityID string, attempts int, last error) *RetryExhaustedError {
	return &RetryExhaustedError{
		ActivityID:    activityID,
		Attempts:      attempts,
		StatusCode:    StatusServiceUnavailable,
		SubStatusCode: SubStatusTopologyRetryExhausted,
		Last:          last,
	}
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("request %s exhausted topology retry after %d attempts (status %d/%d): %v",
		e.ActivityID, e.Attempts, e.StatusCode, e.SubStatusCode, e.Last)
}

func (e *RetryExhaustedError) Is(target error) bool { return target == ErrRetryExhausted }
func (e *RetryExhaustedError) Unwrap() error        { return e.Last }

// Classify maps err onto a Category. A nil error is CategoryNone.
func Classify(err error) Category {
	if err == nil {
		return CategoryNone
	}

	// Exhaustion wraps the staleness that caused it, so it must be checked first.
	if errors.Is(err, ErrRetryExhausted) {
		return CategoryRetryExhausted
	}
	if errors.Is(err, ErrTopologyStaleness) {
		return CategoryTopologyStaleness
	}
	if errors.Is(err, ErrMissingContext) {
		return CategoryMissingContext
	}
	if errors.Is(err, ErrInvalidEndpointFormat) {
		return CategoryInvalidEndpoint
	}

	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		if reqErr.IsTopologyStaleness() {
			return CategoryTopologyStaleness
		}
		if reqErr.StatusCode == StatusTooManyRequests {
			return CategoryThrottled
		}
	}
	return CategoryOpaque
}

// IsRetryableInfrastructure reports whether err is a transient infrastructure
// condition some retry policy may recover from.
func IsRetryableInfrastructure(err error) bool {
	switch Classify(err) {
	case CategoryTopologyStaleness, CategoryThrottled:
		return true
	}
	return false
}

// IsContractViolation reports whether err means proceeding would break
// session consistency or misroute traffic.
func IsContractViolation(err error) bool {
	switch Classify(err) {
	case CategoryMissingContext, CategoryInvalidEndpoint:
		return true
	}
	return false
}

// Codes extracts the status pair from any error in the taxonomy. Unknown
// errors report (0, 0).
func Codes(err error) (int, int) {
	var (
		stale     *TopologyStalenessError
		exhausted *RetryExhaustedError
		missing   *MissingContextError
		endpoint  *InvalidEndpointFormatError
		reqErr    *RequestError
	)
	switch {
	case errors.As(err, &exhausted):
		return exhausted.StatusCode, exhausted.SubStatusCode
	case errors.As(err, &stale):
		return stale.StatusCode, stale.SubStatusCode
	case errors.As(err, &missing):
		return StatusBadRequest, SubStatusMissingContext
	case errors.As(err, &endpoint):
		return StatusBadRequest, SubStatusInvalidEndpointFormat
	case errors.As(err, &reqErr):
		return reqErr.StatusCode, reqErr.SubStatusCode
	}
	return 0, 0
}
