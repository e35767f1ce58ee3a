// Package pipeline executes logical requests against the routing core: it
// resolves the partition key range, attaches the session token, calls the
// transport and acts on the retry chain's decisions.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/docdb-driver/drc/internal/endpoint"
	"github.com/docdb-driver/drc/internal/logging"
	"github.com/docdb-driver/drc/internal/models"
	"github.com/docdb-driver/drc/internal/request"
	"github.com/docdb-driver/drc/internal/retry"
	"github.com/docdb-driver/drc/internal/session"
	"github.com/docdb-driver/drc/internal/status"
	"github.com/docdb-driver/drc/internal/telemetry"
	"github.com/docdb-driver/drc/internal/topology"
)

// Request outcomes reported to the recorder.
const (
	OutcomeSuccess   = "success"
	OutcomeExhausted = "exhausted"
	OutcomeFailed    = "failed"
	OutcomeCanceled  = "canceled"
)

// Response is what the transport returns for a successful attempt.
type Response struct {
	StatusCode int
	Headers    map[string]string
	Body       []byte
}

// Operation performs one physical attempt of req. Failures carrying a service
// status are returned as *status.RequestError.
type Operation func(ctx context.Context, req *request.Request) (*Response, error)

// RangeResolver is the part of the topology cache the executor needs.
type RangeResolver interface {
	LookupRange(ctx context.Context, collection, partitionKey string) (topology.Resolution, error)
	LookupRanges(ctx context.Context, collection string, min, max uint64) ([]*models.PartitionKeyRange, uint64, error)
	Refresh(ctx context.Context, collection string, observed uint64) (*topology.RoutingMap, error)
	MarkRangeGone(collection, rangeID string) bool
}

// Recorder observes retry decisions and request outcomes.
type Recorder interface {
	RecordRetryDecision(ctx context.Context, policy, decision string)
	RecordRequest(ctx context.Context, outcome string)
}

// Config holds executor configuration
type Config struct {
	GlobalEndpoint   string
	PreferredRegions []string
	// SessionConsistency attaches and records session tokens.
	SessionConsistency bool
	// MaxAttempts caps physical attempts per logical request regardless of
	// what the chain decides.
	MaxAttempts int
}

// Executor runs logical requests. It is safe for concurrent use.
type Executor struct {
	config   Config
	targets  []endpoint.Endpoint
	resolver RangeResolver
	sessions *session.Container
	chain    *retry.Chain
	logger   logging.Logger
	recorder Recorder
	tracer   trace.Tracer
}

// Option configures an Executor.
type Option func(*Executor)

func WithLogger(logger logging.Logger) Option {
	return func(e *Executor) { e.logger = logger }
}

func WithRecorder(recorder Recorder) Option {
	return func(e *Executor) { e.recorder = recorder }
}

func WithTracer(tracer trace.Tracer) Option {
	return func(e *Executor) { e.tracer = tracer }
}

// NewExecutor creates an executor. The regional targets are derived up front,
// so a malformed endpoint or region fails here rather than per request.
func NewExecutor(config Config, resolver RangeResolver, sessions *session.Container, chain *retry.Chain, opts ...Option) (*Executor, error) {
	if resolver == nil {
		return nil, fmt.Errorf("range resolver is required")
	}
	if chain == nil {
		chain = retry.NewChain(retry.NewTopologyPolicy())
	}
	if sessions == nil {
		sessions = session.NewContainer(nil)
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 10
	}

	targets, err := endpoint.RegionalEndpoints(config.GlobalEndpoint, config.PreferredRegions)
	if err != nil {
		return nil, err
	}
	if len(targets) == 0 && config.GlobalEndpoint != "" {
		targets = []endpoint.Endpoint{{URL: config.GlobalEndpoint}}
	}

	e := &Executor{
		config:   config,
		targets:  targets,
		resolver: resolver,
		sessions: sessions,
		chain:    chain,
		logger:   logging.NewNop(),
		recorder: telemetry.NopMetrics(),
		tracer:   noop.NewTracerProvider().Tracer("pipeline"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Targets returns the regional endpoints in preference order.
func (e *Executor) Targets() []endpoint.Endpoint {
	return append([]endpoint.Endpoint(nil), e.targets...)
}

// Execute runs req until it succeeds, the chain declines to retry, or ctx
// ends. A topology staleness that recurs after the one permitted refresh is
// returned as *status.RetryExhaustedError.
func (e *Executor) Execute(ctx context.Context, req *request.Request, op Operation) (*Response, error) {
	if req == nil || req.Collection == "" {
		return nil, &status.MissingContextError{Operation: "execute request", Field: "collection"}
	}
	if req.ActivityID == "" {
		req.ActivityID = uuid.NewString()
	}
	req.SetHeader(request.HeaderActivityID, req.ActivityID)

	ctx = logging.WithActivityID(ctx, req.ActivityID)
	ctx, span := e.tracer.Start(ctx, "pipeline.execute", trace.WithAttributes(
		attribute.String("activity_id", req.ActivityID),
		attribute.String("collection", req.Collection),
		attribute.String("operation", req.Operation),
		attribute.Bool("cross_partition", req.CrossPartition),
	))
	defer span.End()

	resp, rc, err := e.run(ctx, req, op)
	span.SetAttributes(attribute.Int("attempts", rc.Attempts()))

	outcome := OutcomeSuccess
	switch {
	case err == nil:
	case errors.Is(err, status.ErrRetryExhausted):
		outcome = OutcomeExhausted
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		outcome = OutcomeCanceled
	default:
		outcome = OutcomeFailed
	}
	e.recorder.RecordRequest(ctx, outcome)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		code, sub := status.Codes(err)
		e.logger.Warn(ctx, "Request failed",
			zap.String("collection", req.Collection),
			zap.String("operation", req.Operation),
			zap.Int("attempts", rc.Attempts()),
			zap.Int("status", code),
			zap.Int("sub_status", sub),
			zap.String("category", status.Classify(err).String()),
			zap.Error(err))
		return nil, err
	}
	return resp, nil
}

func (e *Executor) run(ctx context.Context, req *request.Request, op Operation) (*Response, *retry.RequestContext, error) {
	rc := retry.NewRequestContext(req.ActivityID)
	var observed uint64

	for {
		attempt := rc.BeginAttempt()
		if err := ctx.Err(); err != nil {
			return nil, rc, err
		}

		resp, version, err := e.attempt(ctx, req, op)
		if err == nil {
			return resp, rc, nil
		}
		if version != 0 {
			observed = version
		}

		var stale *status.TopologyStalenessError
		if errors.As(err, &stale) && stale.MapVersion != 0 {
			observed = stale.MapVersion
		}
		if status.IsContractViolation(err) {
			return nil, rc, err
		}
		if status.Classify(err) == status.CategoryTopologyStaleness && req.ResolvedRangeID != "" {
			e.resolver.MarkRangeGone(req.Collection, req.ResolvedRangeID)
		}

		d, policy := e.chain.Evaluate(err, rc)
		if policy == "" {
			policy = "chain"
		}
		e.recorder.RecordRetryDecision(ctx, policy, d.Label())
		e.logger.Debug(ctx, "Retry decision",
			zap.Int("attempt", attempt),
			zap.String("policy", policy),
			zap.String("decision", d.String()),
			zap.String("topology_state", rc.TopologyState().String()),
			zap.Error(err))

		if !d.ShouldRetry() {
			return nil, rc, e.terminal(req, rc, err)
		}
		if attempt >= e.config.MaxAttempts {
			return nil, rc, e.terminal(req, rc, err)
		}

		switch d.Action {
		case retry.ActionRetryNow:
			if status.Classify(err) == status.CategoryTopologyStaleness {
				if _, rerr := e.resolver.Refresh(ctx, req.Collection, observed); rerr != nil {
					if cerr := ctx.Err(); cerr != nil {
						return nil, rc, cerr
					}
					e.logger.Warn(ctx, "Topology refresh failed before retry",
						zap.String("collection", req.Collection),
						zap.Uint64("observed_version", observed),
						zap.Error(rerr))
					return nil, rc, &status.OpaqueRequestError{
						ActivityID: req.ActivityID,
						Err:        fmt.Errorf("refresh topology of %q: %w", req.Collection, rerr),
					}
				}
			}
		case retry.ActionRetryAfter:
			timer := time.NewTimer(d.Delay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return nil, rc, ctx.Err()
			}
		}
	}
}

// attempt performs one physical attempt. It returns the routing map version
// the attempt was routed with, 0 when resolution failed.
func (e *Executor) attempt(ctx context.Context, req *request.Request, op Operation) (*Response, uint64, error) {
	req.ClearResolution()

	version, err := e.resolve(ctx, req)
	if err != nil {
		return nil, 0, err
	}

	var store *session.Store
	if e.config.SessionConsistency {
		store = e.sessions.Store(req.Collection)
		if err := store.AttachHeader(req); err != nil {
			return nil, version, err
		}
	}

	if len(e.targets) > 0 {
		// Physical attempts are sequential and always start at the most
		// preferred region.
		req.Endpoint = e.targets[0].URL
		req.Region = e.targets[0].Region
	}

	resp, err := op(ctx, req)
	if err != nil {
		return nil, version, err
	}

	if store != nil && resp != nil {
		if value := resp.Headers[request.HeaderSessionToken]; value != "" {
			if err := store.ExtractHeader(value); err != nil {
				e.logger.Warn(ctx, "Ignoring malformed session token header",
					zap.String("collection", req.Collection),
					zap.String("value", value),
					zap.Error(err))
			}
		}
	}
	return resp, version, nil
}

func (e *Executor) resolve(ctx context.Context, req *request.Request) (uint64, error) {
	if req.CrossPartition {
		ranges, version, err := e.resolver.LookupRanges(ctx, req.Collection, models.MinHash, models.MaxHash)
		if err != nil {
			return 0, err
		}
		for _, r := range ranges {
			req.TargetRangeIDs = append(req.TargetRangeIDs, r.ID)
		}
		return version, nil
	}

	res, err := e.resolver.LookupRange(ctx, req.Collection, req.PartitionKey)
	if err != nil {
		return 0, err
	}
	req.ResolvedRangeID = res.Range.ID
	req.ResolvedRangeParents = append([]string(nil), res.Range.Parents...)
	req.TargetRangeIDs = []string{res.Range.ID}
	req.SetHeader(request.HeaderRangeID, res.Range.ID)
	return res.MapVersion, nil
}

// terminal shapes the error returned to the caller once retrying stops.
func (e *Executor) terminal(req *request.Request, rc *retry.RequestContext, err error) error {
	switch status.Classify(err) {
	case status.CategoryTopologyStaleness:
		if rc.TopologyState() == retry.TopologyRetried {
			return status.NewRetryExhaustedError(req.ActivityID, rc.Attempts(), err)
		}
		return err
	case status.CategoryOpaque:
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		var opaque *status.OpaqueRequestError
		if errors.As(err, &opaque) {
			return err
		}
		return &status.OpaqueRequestError{ActivityID: req.ActivityID, Err: err}
	default:
		return err
	}
}
