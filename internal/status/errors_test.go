package status

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Category
	}{
		{"nil", nil, CategoryNone},
		{"incomplete routing map", NewTopologyStalenessError("c1", "", nil), CategoryTopologyStaleness},
		{"wrapped staleness", fmt.Errorf("lookup: %w", NewTopologyStalenessError("c1", "3", nil)), CategoryTopologyStaleness},
		{"range gone", &RequestError{StatusCode: StatusGone, SubStatusCode: SubStatusPartitionKeyRangeGone}, CategoryTopologyStaleness},
		{"completing split", &RequestError{StatusCode: StatusGone, SubStatusCode: SubStatusCompletingSplit}, CategoryTopologyStaleness},
		{"completing migration", &RequestError{StatusCode: StatusGone, SubStatusCode: SubStatusCompletingPartitionMigration}, CategoryTopologyStaleness},
		{"plain gone", &RequestError{StatusCode: StatusGone}, CategoryOpaque},
		{"throttled", &RequestError{StatusCode: StatusTooManyRequests}, CategoryThrottled},
		{"missing context", &MissingContextError{Operation: "resolve", Field: "range id"}, CategoryMissingContext},
		{"invalid endpoint", &InvalidEndpointFormatError{Endpoint: "x", Reason: "no dot"}, CategoryInvalidEndpoint},
		{"exhausted", NewRetryExhaustedError("a1", 2, NewTopologyStalenessError("c1", "", nil)), CategoryRetryExhausted},
		{"generic", errors.New("boom"), CategoryOpaque},
		{"opaque wrapper", &OpaqueRequestError{ActivityID: "a", Err: errors.New("boom")}, CategoryOpaque},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestFamilies(t *testing.T) {
	assert.True(t, IsRetryableInfrastructure(NewTopologyStalenessError("c", "", nil)))
	assert.True(t, IsRetryableInfrastructure(&RequestError{StatusCode: StatusTooManyRequests}))
	assert.False(t, IsRetryableInfrastructure(&MissingContextError{}))

	assert.True(t, IsContractViolation(&MissingContextError{}))
	assert.True(t, IsContractViolation(&InvalidEndpointFormatError{}))
	assert.False(t, IsContractViolation(NewTopologyStalenessError("c", "", nil)))
	assert.False(t, IsContractViolation(nil))
}

func TestCodes(t *testing.T) {
	stale := NewTopologyStalenessError("c1", "", nil)

	code, sub := Codes(stale)
	assert.Equal(t, StatusGone, code)
	assert.Equal(t, SubStatusIncompleteRoutingMap, sub)

	code, sub = Codes(NewRetryExhaustedError("a1", 2, stale))
	assert.Equal(t, StatusServiceUnavailable, code)
	assert.Equal(t, SubStatusTopologyRetryExhausted, sub)

	code, sub = Codes(&MissingContextError{})
	assert.Equal(t, StatusBadRequest, code)
	assert.Equal(t, SubStatusMissingContext, sub)

	code, sub = Codes(errors.New("other"))
	assert.Zero(t, code)
	assert.Zero(t, sub)
}

func TestRetryExhaustedUnwrap(t *testing.T) {
	stale := NewTopologyStalenessError("c1", "7", nil)
	err := NewRetryExhaustedError("a1", 2, stale)

	var got *TopologyStalenessError
	assert.True(t, errors.As(err, &got))
	assert.Equal(t, "7", got.RangeID)
	assert.ErrorIs(t, err, ErrRetryExhausted)
	assert.Contains(t, err.Error(), "21010")
}
