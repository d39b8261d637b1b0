package usecase

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"hash"
	"io"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/example/faceshape-relay/internal/config"
	"github.com/example/faceshape-relay/internal/logging"
	"github.com/example/faceshape-relay/internal/repository"
	"github.com/example/faceshape-relay/internal/upload"
	"github.com/example/faceshape-relay/internal/upstream"
)

// ErrInvalidUpstreamResponse is returned when a 2xx provider payload cannot be relayed:
// it is not JSON, or the face_shape field is missing in face_shape mode.
var ErrInvalidUpstreamResponse = errors.New("invalid upstream response")

// Detector sends one image to the detection provider.
type Detector interface {
	Detect(ctx context.Context, img upstream.Image) (*upstream.Response, error)
}

// ImageStore releases stored uploads.
type ImageStore interface {
	Remove(img *upload.Image) error
}

// Journal records relay metadata.
type Journal interface {
	SaveLog(ctx context.Context, log *repository.RelayLog) error
	FindByRequestID(ctx context.Context, requestID string) (*repository.RelayLog, error)
}

// Result is the shaped JSON payload returned to the caller.
type Result struct {
	RequestID string
	Body      []byte
}

// RelayUseCase forwards stored uploads to the provider and shapes the response.
type RelayUseCase struct {
	detector     Detector
	store        ImageStore
	journal      Journal
	cache        StatusCache
	responseMode string
	recordTTL    time.Duration
	logger       *zap.Logger
	tracer       trace.Tracer
	metrics      *relayMetrics
	now          func() time.Time
}

// Option customizes a RelayUseCase.
type Option func(*RelayUseCase)

// WithJournal enables the relay journal.
func WithJournal(journal Journal) Option {
	return func(uc *RelayUseCase) { uc.journal = journal }
}

// WithStatusCache enables status tracking.
func WithStatusCache(cache StatusCache) Option {
	return func(uc *RelayUseCase) { uc.cache = cache }
}

// WithResponseMode selects config.ResponseModeFull or config.ResponseModeFaceShape.
func WithResponseMode(mode string) Option {
	return func(uc *RelayUseCase) { uc.responseMode = mode }
}

// WithTracer sets the tracer used for relay spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(uc *RelayUseCase) { uc.tracer = tracer }
}

// WithMeter sets the meter used for relay metrics. A meter that rejects the instruments
// is logged and the no-op instruments stay in place.
func WithMeter(meter metric.Meter) Option {
	return func(uc *RelayUseCase) {
		m, err := newRelayMetrics(meter)
		if err != nil {
			uc.logger.Warn("failed to register relay metrics, keeping no-op instruments", zap.Error(err))
			return
		}
		uc.metrics = m
	}
}

// NewRelayUseCase constructs a new use case instance.
func NewRelayUseCase(detector Detector, store ImageStore, logger *zap.Logger, opts ...Option) *RelayUseCase {
	defaultMetrics, _ := newRelayMetrics(metricnoop.NewMeterProvider().Meter("relay"))
	uc := &RelayUseCase{
		detector:     detector,
		store:        store,
		responseMode: config.ResponseModeFull,
		recordTTL:    2 * time.Second,
		logger:       logger.Named("relay_usecase"),
		tracer:       tracenoop.NewTracerProvider().Tracer("relay"),
		metrics:      defaultMetrics,
		now:          time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(uc)
		}
	}
	return uc
}

// Relay forwards img to the provider and returns the shaped payload. The stored file
// is removed once the provider call resolves, whatever the outcome.
func (uc *RelayUseCase) Relay(ctx context.Context, requestID string, img *upload.Image) (*Result, error) {
	opLogger := logging.WithOperation(uc.logger, "usecase.relay", requestID,
		zap.String("filename", img.Filename), zap.Int64("size", img.Size))

	ctx, span := uc.tracer.Start(ctx, "relay.detect_face_shape", trace.WithAttributes(
		attribute.String("relay.request_id", requestID),
		attribute.String("relay.mime_type", img.MIMEType),
		attribute.Int64("relay.size_bytes", img.Size),
	))
	defer span.End()

	defer func() {
		if err := uc.store.Remove(img); err != nil {
			opLogger.Warn("failed to remove scratch file", zap.String("path", img.Path), zap.Error(err))
		}
	}()

	uc.markProcessing(ctx, requestID)
	entry := &repository.RelayLog{
		RequestID: requestID,
		Filename:  img.Filename,
		MIMEType:  img.MIMEType,
		SizeBytes: img.Size,
		CreatedAt: uc.now().UTC(),
	}

	file, err := img.Open()
	if err != nil {
		wrapped := logging.NewOperationError("scratch.open", requestID, err)
		opLogger.Error("failed to open scratch file", zap.Error(wrapped))
		uc.finish(ctx, span, entry, repository.OutcomeLocalIOError, 0, 0, wrapped)
		return nil, wrapped
	}
	defer file.Close()

	hasher := sha1.New()
	opLogger.Info("sending image to upstream")
	started := uc.now()
	resp, err := uc.detector.Detect(ctx, upstream.Image{
		Filename:    img.Filename,
		ContentType: img.MIMEType,
		Content:     io.TeeReader(file, hasher),
	})
	elapsed := uc.now().Sub(started)
	entry.SHA1Hash = hexDigest(hasher)

	if err != nil {
		outcome, status := classifyUpstreamError(err)
		wrapped := logging.NewOperationError("upstream.detect", requestID, err)
		if outcome == repository.OutcomeUpstreamRejected {
			opLogger.Warn("upstream rejected image", zap.Int("upstream_status", status), zap.Duration("latency", elapsed))
		} else {
			opLogger.Error("face shape detection failed", zap.Error(wrapped), zap.Duration("latency", elapsed))
		}
		uc.finish(ctx, span, entry, outcome, status, elapsed, wrapped)
		return nil, wrapped
	}

	body, err := uc.shape(resp.Body)
	if err != nil {
		wrapped := logging.NewOperationError("usecase.shape_response", requestID, err)
		opLogger.Error("unusable upstream payload", zap.Error(wrapped), zap.Int("upstream_status", resp.StatusCode))
		uc.finish(ctx, span, entry, repository.OutcomeInvalidResponse, resp.StatusCode, elapsed, wrapped)
		return nil, wrapped
	}

	opLogger.Info("upstream responded", zap.Int("upstream_status", resp.StatusCode), zap.Duration("latency", elapsed))
	uc.finish(ctx, span, entry, repository.OutcomeSuccess, resp.StatusCode, elapsed, nil)
	return &Result{RequestID: requestID, Body: body}, nil
}

func (uc *RelayUseCase) shape(payload []byte) ([]byte, error) {
	if !json.Valid(payload) {
		return nil, ErrInvalidUpstreamResponse
	}
	if uc.responseMode != config.ResponseModeFaceShape {
		return payload, nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, fmt.Errorf("%w: payload is not an object", ErrInvalidUpstreamResponse)
	}
	shape, ok := fields["face_shape"]
	if !ok {
		return nil, fmt.Errorf("%w: face_shape missing", ErrInvalidUpstreamResponse)
	}
	return json.Marshal(map[string]json.RawMessage{"face_shape": shape})
}

func classifyUpstreamError(err error) (string, int) {
	var rejected *upstream.RejectedError
	if errors.As(err, &rejected) {
		return repository.OutcomeUpstreamRejected, rejected.StatusCode
	}
	var unreachable *upstream.UnreachableError
	if errors.As(err, &unreachable) {
		return repository.OutcomeUpstreamUnreachable, 0
	}
	return repository.OutcomeLocalIOError, 0
}

// finish records the outcome on the span, metrics, status cache and journal. Recording
// failures are logged and never change the relay result.
func (uc *RelayUseCase) finish(ctx context.Context, span trace.Span, entry *repository.RelayLog, outcome string, upstreamStatus int, elapsed time.Duration, relayErr error) {
	entry.Outcome = outcome
	entry.UpstreamStatus = upstreamStatus
	entry.LatencyMs = elapsed.Milliseconds()

	span.SetAttributes(attribute.String("relay.outcome", outcome), attribute.Int("relay.upstream_status", upstreamStatus))
	if relayErr != nil {
		span.RecordError(relayErr)
		span.SetStatus(codes.Error, outcome)
	}
	uc.metrics.record(ctx, outcome, upstreamStatus, elapsed)

	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), uc.recordTTL)
	defer cancel()
	opLogger := logging.WithOperation(uc.logger, "usecase.record", entry.RequestID)

	if uc.cache != nil {
		if err := uc.cache.Store(recordCtx, statusFromLog(entry)); err != nil {
			opLogger.Warn("failed to cache relay status", zap.Error(err))
		}
	}
	if uc.journal != nil {
		if err := uc.journal.SaveLog(recordCtx, entry); err != nil {
			opLogger.Warn("failed to journal relay", zap.Error(err))
		}
	}
}

func (uc *RelayUseCase) markProcessing(ctx context.Context, requestID string) {
	if uc.cache == nil {
		return
	}
	if err := uc.cache.MarkProcessing(ctx, requestID); err != nil {
		logging.WithOperation(uc.logger, "cache.set.processing", requestID).Warn("failed to set processing flag", zap.Error(err))
	}
}

func hexDigest(h hash.Hash) string {
	return hex.EncodeToString(h.Sum(nil))
}
