package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/docdb-driver/drc/internal/logging"
	"github.com/docdb-driver/drc/internal/models"
	"github.com/docdb-driver/drc/internal/request"
	"github.com/docdb-driver/drc/internal/retry"
	"github.com/docdb-driver/drc/internal/session"
	"github.com/docdb-driver/drc/internal/status"
	"github.com/docdb-driver/drc/internal/topology"
)

const globalEndpoint = "https://acct.documents.example.com:443"

type outcomeRecorder struct {
	mu        sync.Mutex
	outcomes  []string
	decisions []string
}

func (r *outcomeRecorder) RecordRetryDecision(ctx context.Context, policy, decision string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decisions = append(r.decisions, policy+":"+decision)
}

func (r *outcomeRecorder) RecordRequest(ctx context.Context, outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, outcome)
}

type fixture struct {
	source   *topology.StaticSource
	cache    *topology.Cache
	sessions *session.Container
	recorder *outcomeRecorder
	exec     *Executor
}

func newFixture(t *testing.T, chain *retry.Chain) *fixture {
	t.Helper()
	src := topology.NewStaticSource()
	src.SetRanges("orders", topology.UniformRanges(2)...)

	logger := logging.NewFromZap(zaptest.NewLogger(t))
	cache := topology.NewCache(src, topology.CacheConfig{RefreshRate: 1000, RefreshBurst: 100}, topology.WithLogger(logger))
	sessions := session.NewContainer(nil)
	rec := &outcomeRecorder{}

	exec, err := NewExecutor(Config{
		GlobalEndpoint:     globalEndpoint,
		PreferredRegions:   []string{"East US", "west-europe"},
		SessionConsistency: true,
	}, cache, sessions, chain, WithLogger(logger), WithRecorder(rec))
	require.NoError(t, err)

	return &fixture{source: src, cache: cache, sessions: sessions, recorder: rec, exec: exec}
}

// keyFor finds a partition key whose hash falls in [min, max).
func keyFor(t *testing.T, min, max uint64) string {
	t.Helper()
	for i := 0; i < 100000; i++ {
		key := fmt.Sprintf("pk-%d", i)
		if h := topology.HashPartitionKey(key); h >= min && h < max {
			return key
		}
	}
	t.Fatalf("no key in [%x, %x)", min, max)
	return ""
}

func tokenResponse(rangeID string, seq uint64) *Response {
	return &Response{
		StatusCode: 200,
		Headers: map[string]string{
			request.HeaderSessionToken: fmt.Sprintf("%s:%d", rangeID, seq),
		},
	}
}

func TestExecute_RoutesAndTracksSession(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	key := keyFor(t, 0, models.MaxHash/2)

	var seen []*request.Request
	op := func(ctx context.Context, req *request.Request) (*Response, error) {
		cp := *req
		cp.Headers = map[string]string{}
		for k, v := range req.Headers {
			cp.Headers[k] = v
		}
		seen = append(seen, &cp)
		return tokenResponse(req.ResolvedRangeID, 10), nil
	}

	_, err := f.exec.Execute(ctx, request.New("orders", "create", key), op)
	require.NoError(t, err)
	_, err = f.exec.Execute(ctx, request.New("orders", "read", key), op)
	require.NoError(t, err)

	require.Len(t, seen, 2)
	first, second := seen[0], seen[1]
	assert.Equal(t, "0", first.ResolvedRangeID)
	assert.Equal(t, "0", first.Headers[request.HeaderRangeID])
	assert.Empty(t, first.Headers[request.HeaderSessionToken])
	assert.Equal(t, "https://acct-east-us.documents.example.com:443", first.Endpoint)
	assert.Equal(t, "east-us", first.Region)
	assert.NotEmpty(t, first.Headers[request.HeaderActivityID])

	assert.Equal(t, "0:10", second.Headers[request.HeaderSessionToken])

	store, ok := f.sessions.Lookup("orders")
	require.True(t, ok)
	tok, ok := store.Token("0")
	require.True(t, ok)
	assert.Equal(t, uint64(10), tok.Seq())
	assert.Equal(t, []string{OutcomeSuccess, OutcomeSuccess}, f.recorder.outcomes)
}

func TestExecute_RecoversFromUnseenSplit(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	half := models.MaxHash / 2
	key := keyFor(t, half, models.MaxHash)

	_, err := f.exec.Execute(ctx, request.New("orders", "create", key), func(ctx context.Context, req *request.Request) (*Response, error) {
		return tokenResponse(req.ResolvedRangeID, 42), nil
	})
	require.NoError(t, err)

	left, right, err := f.source.Split("orders", "1", half+half/2)
	require.NoError(t, err)

	var attempts []string
	var headers []string
	op := func(ctx context.Context, req *request.Request) (*Response, error) {
		attempts = append(attempts, req.ResolvedRangeID)
		headers = append(headers, req.Headers[request.HeaderSessionToken])
		if req.ResolvedRangeID == "1" {
			return nil, &status.RequestError{StatusCode: status.StatusGone, SubStatusCode: status.SubStatusPartitionKeyRangeGone}
		}
		return &Response{StatusCode: 200}, nil
	}

	_, err = f.exec.Execute(ctx, request.New("orders", "read", key), op)
	require.NoError(t, err)

	require.Len(t, attempts, 2)
	assert.Equal(t, "1", attempts[0])
	assert.Contains(t, []string{left, right}, attempts[1])
	assert.Equal(t, "1:42", headers[0])
	// the child inherits its parent's token
	assert.Equal(t, attempts[1]+":42", headers[1])
	assert.Equal(t, uint64(2), f.cache.Version("orders"))
	assert.Contains(t, f.recorder.decisions, "topology:retry_now")
}

func TestExecute_RecurringStalenessIsExhausted(t *testing.T) {
	f := newFixture(t, nil)

	calls := 0
	op := func(ctx context.Context, req *request.Request) (*Response, error) {
		calls++
		return nil, &status.RequestError{StatusCode: status.StatusGone, SubStatusCode: status.SubStatusCompletingSplit}
	}

	_, err := f.exec.Execute(context.Background(), request.New("orders", "read", "k"), op)
	require.Error(t, err)
	assert.Equal(t, 2, calls)

	var exhausted *status.RetryExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 2, exhausted.Attempts)
	code, sub := status.Codes(err)
	assert.Equal(t, status.StatusServiceUnavailable, code)
	assert.Equal(t, status.SubStatusTopologyRetryExhausted, sub)
	assert.True(t, status.IsRetryableInfrastructure(exhausted.Last))
	assert.False(t, status.IsContractViolation(err))
	assert.Equal(t, []string{OutcomeExhausted}, f.recorder.outcomes)
}

func TestExecute_GenericErrorIsNotRetried(t *testing.T) {
	f := newFixture(t, nil)
	boom := errors.New("connection reset")

	calls := 0
	_, err := f.exec.Execute(context.Background(), request.New("orders", "read", "k"), func(ctx context.Context, req *request.Request) (*Response, error) {
		calls++
		return nil, boom
	})
	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, err, boom)

	var opaque *status.OpaqueRequestError
	require.ErrorAs(t, err, &opaque)
	assert.NotEmpty(t, opaque.ActivityID)
	assert.Equal(t, []string{OutcomeFailed}, f.recorder.outcomes)
}

func TestExecute_ThrottleRetriesAfterDelay(t *testing.T) {
	f := newFixture(t, retry.NewChain(retry.NewTopologyPolicy(), retry.NewThrottlePolicy(3, time.Second)))

	calls := 0
	start := time.Now()
	_, err := f.exec.Execute(context.Background(), request.New("orders", "read", "k"), func(ctx context.Context, req *request.Request) (*Response, error) {
		calls++
		if calls == 1 {
			return nil, &status.RequestError{StatusCode: status.StatusTooManyRequests, RetryAfter: 20 * time.Millisecond}
		}
		return &Response{StatusCode: 200}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestExecute_CancelDuringBackoff(t *testing.T) {
	f := newFixture(t, retry.NewChain(retry.NewThrottlePolicy(3, time.Hour)))

	ctx, cancel := context.WithCancel(context.Background())
	_, err := f.exec.Execute(ctx, request.New("orders", "read", "k"), func(ctx context.Context, req *request.Request) (*Response, error) {
		time.AfterFunc(10*time.Millisecond, cancel)
		return nil, &status.RequestError{StatusCode: status.StatusTooManyRequests, RetryAfter: time.Hour}
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []string{OutcomeCanceled}, f.recorder.outcomes)
}

func TestExecute_CrossPartitionCompositeHeader(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	store := f.sessions.Store("orders")
	_, err := store.RecordToken("0", session.Token{GlobalSeq: 3})
	require.NoError(t, err)
	_, err = store.RecordToken("1", session.Token{GlobalSeq: 9})
	require.NoError(t, err)

	req := request.New("orders", "query", "")
	req.CrossPartition = true

	var header string
	var targets []string
	_, err = f.exec.Execute(ctx, req, func(ctx context.Context, req *request.Request) (*Response, error) {
		header = req.Headers[request.HeaderSessionToken]
		targets = append([]string(nil), req.TargetRangeIDs...)
		return &Response{Headers: map[string]string{request.HeaderSessionToken: "0:4,1:8"}}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "0:3,1:9", header)
	assert.Equal(t, []string{"0", "1"}, targets)

	tok, _ := store.Token("0")
	assert.Equal(t, uint64(4), tok.Seq())
	tok, _ = store.Token("1")
	assert.Equal(t, uint64(9), tok.Seq())
}

func TestExecute_MissingCollection(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.exec.Execute(context.Background(), &request.Request{PartitionKey: "k"}, nil)
	assert.ErrorIs(t, err, status.ErrMissingContext)
}

func TestNewExecutor_InvalidEndpoint(t *testing.T) {
	cache := topology.NewCache(topology.NewStaticSource(), topology.CacheConfig{})
	_, err := NewExecutor(Config{GlobalEndpoint: "https://localhost", PreferredRegions: []string{"east-us"}}, cache, nil, nil)
	assert.ErrorIs(t, err, status.ErrInvalidEndpointFormat)

	_, err = NewExecutor(Config{}, nil, nil, nil)
	assert.Error(t, err)
}

func TestNewExecutor_Targets(t *testing.T) {
	f := newFixture(t, nil)
	targets := f.exec.Targets()
	require.Len(t, targets, 2)
	assert.Equal(t, "east-us", targets[0].Region)
	assert.Equal(t, "https://acct-west-europe.documents.example.com:443", targets[1].URL)
}

func TestExecute_ConcurrentRequestsShareOneRefresh(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	half := models.MaxHash / 2
	key := keyFor(t, half, models.MaxHash)

	ok := func(ctx context.Context, req *request.Request) (*Response, error) { return &Response{}, nil }
	_, err := f.exec.Execute(ctx, request.New("orders", "read", key), ok)
	require.NoError(t, err)
	fetches := f.source.Fetches()

	_, _, err = f.source.Split("orders", "1", half+1)
	require.NoError(t, err)

	op := func(ctx context.Context, req *request.Request) (*Response, error) {
		if req.ResolvedRangeID == "1" {
			return nil, &status.RequestError{StatusCode: status.StatusGone, SubStatusCode: status.SubStatusPartitionKeyRangeGone}
		}
		return &Response{}, nil
	}

	const n = 16
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.exec.Execute(ctx, request.New("orders", "read", key), op)
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, uint64(2), f.cache.Version("orders"))
	assert.Equal(t, fetches+1, f.source.Fetches())
}
