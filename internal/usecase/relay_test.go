package usecase

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/example/faceshape-relay/internal/config"
	"github.com/example/faceshape-relay/internal/logging"
	"github.com/example/faceshape-relay/internal/repository"
	"github.com/example/faceshape-relay/internal/upload"
	"github.com/example/faceshape-relay/internal/upstream"
)

type stubDetector struct {
	resp     *upstream.Response
	err      error
	calls    int
	filename string
	content  []byte
}

func (s *stubDetector) Detect(ctx context.Context, img upstream.Image) (*upstream.Response, error) {
	s.calls++
	s.filename = img.Filename
	data, err := io.ReadAll(img.Content)
	if err != nil {
		return nil, err
	}
	s.content = data
	if s.err != nil {
		return nil, s.err
	}
	return s.resp, nil
}

type stubJournal struct {
	saved   []*repository.RelayLog
	saveErr error
	findLog *repository.RelayLog
	findErr error
}

func (s *stubJournal) SaveLog(ctx context.Context, log *repository.RelayLog) error {
	s.saved = append(s.saved, log)
	return s.saveErr
}

func (s *stubJournal) FindByRequestID(ctx context.Context, requestID string) (*repository.RelayLog, error) {
	if s.findErr != nil {
		return nil, s.findErr
	}
	if s.findLog == nil {
		return nil, repository.ErrNotFound
	}
	return s.findLog, nil
}

type stubCache struct {
	statuses  map[string]Status
	markErr   error
	storeErr  error
	lookupErr error
	marked    []string
	stored    []Status
}

func (s *stubCache) MarkProcessing(ctx context.Context, requestID string) error {
	s.marked = append(s.marked, requestID)
	if s.markErr != nil {
		return s.markErr
	}
	if s.statuses == nil {
		s.statuses = map[string]Status{}
	}
	s.statuses[requestID] = Status{RequestID: requestID, State: StateProcessing}
	return nil
}

func (s *stubCache) Store(ctx context.Context, status Status) error {
	s.stored = append(s.stored, status)
	if s.storeErr != nil {
		return s.storeErr
	}
	if s.statuses == nil {
		s.statuses = map[string]Status{}
	}
	s.statuses[status.RequestID] = status
	return nil
}

func (s *stubCache) Lookup(ctx context.Context, requestID string) (*Status, error) {
	if s.lookupErr != nil {
		return nil, s.lookupErr
	}
	status, ok := s.statuses[requestID]
	if !ok {
		return nil, ErrStatusNotFound
	}
	return &status, nil
}

type rejectingMeter struct {
	metricnoop.Meter
}

func (rejectingMeter) Int64Counter(name string, _ ...metric.Int64CounterOption) (metric.Int64Counter, error) {
	return nil, errors.New("instrument conflict")
}

type failingStore struct{ calls int }

func (f *failingStore) Remove(img *upload.Image) error {
	f.calls++
	return errors.New("permission denied")
}

func storedImage(t *testing.T, content string) (*upload.Scratch, *upload.Image) {
	t.Helper()
	scratch, err := upload.NewScratch(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create scratch: %v", err)
	}
	path := filepath.Join(scratch.Dir(), "stored.png")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write image: %v", err)
	}
	return scratch, &upload.Image{Filename: "me.png", MIMEType: "image/png", Size: int64(len(content)), Path: path}
}

func assertRemoved(t *testing.T, img *upload.Image) {
	t.Helper()
	if _, err := os.Stat(img.Path); !os.IsNotExist(err) {
		t.Fatalf("expected scratch file to be removed, stat err: %v", err)
	}
}

func TestRelayReturnsFullPayload(t *testing.T) {
	scratch, img := storedImage(t, "image-bytes")
	detector := &stubDetector{resp: &upstream.Response{StatusCode: http.StatusOK, Body: []byte(`{"face_shape":"oval","confidence":0.93}`)}}
	journal := &stubJournal{}
	uc := NewRelayUseCase(detector, scratch, zap.NewNop(), WithJournal(journal))

	result, err := uc.Relay(context.Background(), "req-1", img)
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if string(result.Body) != `{"face_shape":"oval","confidence":0.93}` {
		t.Fatalf("unexpected body: %s", result.Body)
	}
	if detector.calls != 1 || detector.filename != "me.png" || string(detector.content) != "image-bytes" {
		t.Fatalf("unexpected upstream call: calls=%d filename=%s content=%q", detector.calls, detector.filename, detector.content)
	}
	assertRemoved(t, img)

	if len(journal.saved) != 1 {
		t.Fatalf("expected one journal entry, got %d", len(journal.saved))
	}
	entry := journal.saved[0]
	if entry.Outcome != repository.OutcomeSuccess || entry.UpstreamStatus != http.StatusOK {
		t.Fatalf("unexpected journal entry: %+v", entry)
	}
	if entry.SHA1Hash != "e39f8d3aefbb12f7996b21b2c7a7ce445eb8468a" {
		t.Fatalf("unexpected hash: %s", entry.SHA1Hash)
	}
}

func TestRelayExtractsFaceShape(t *testing.T) {
	scratch, img := storedImage(t, "x")
	detector := &stubDetector{resp: &upstream.Response{StatusCode: http.StatusOK, Body: []byte(`{"face_shape":"square","landmarks":[1,2]}`)}}
	uc := NewRelayUseCase(detector, scratch, zap.NewNop(), WithResponseMode(config.ResponseModeFaceShape))

	result, err := uc.Relay(context.Background(), "req-2", img)
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if string(result.Body) != `{"face_shape":"square"}` {
		t.Fatalf("unexpected body: %s", result.Body)
	}
}

func TestRelayFaceShapeMissingIsInvalid(t *testing.T) {
	scratch, img := storedImage(t, "x")
	detector := &stubDetector{resp: &upstream.Response{StatusCode: http.StatusOK, Body: []byte(`{"faces":[]}`)}}
	uc := NewRelayUseCase(detector, scratch, zap.NewNop(), WithResponseMode(config.ResponseModeFaceShape))

	_, err := uc.Relay(context.Background(), "req-3", img)
	if !errors.Is(err, ErrInvalidUpstreamResponse) {
		t.Fatalf("expected ErrInvalidUpstreamResponse, got %v", err)
	}
	assertRemoved(t, img)
}

func TestRelayNonJSONPayloadIsInvalid(t *testing.T) {
	scratch, img := storedImage(t, "x")
	detector := &stubDetector{resp: &upstream.Response{StatusCode: http.StatusOK, Body: []byte("<html>ok</html>")}}
	uc := NewRelayUseCase(detector, scratch, zap.NewNop())

	if _, err := uc.Relay(context.Background(), "req-4", img); !errors.Is(err, ErrInvalidUpstreamResponse) {
		t.Fatalf("expected ErrInvalidUpstreamResponse, got %v", err)
	}
}

func TestRelayRemovesFileOnUpstreamErrors(t *testing.T) {
	cases := map[string]struct {
		err     error
		outcome string
	}{
		"rejected":    {&upstream.RejectedError{StatusCode: http.StatusServiceUnavailable}, repository.OutcomeUpstreamRejected},
		"unreachable": {&upstream.UnreachableError{Err: errors.New("dial tcp: refused")}, repository.OutcomeUpstreamUnreachable},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			scratch, img := storedImage(t, "x")
			journal := &stubJournal{}
			uc := NewRelayUseCase(&stubDetector{err: tc.err}, scratch, zap.NewNop(), WithJournal(journal))

			_, err := uc.Relay(context.Background(), "req-5", img)
			if !errors.Is(err, tc.err) {
				t.Fatalf("expected %v, got %v", tc.err, err)
			}
			var opErr *logging.OperationError
			if !errors.As(err, &opErr) || opErr.Operation != "upstream.detect" {
				t.Fatalf("expected upstream.detect OperationError, got %v", err)
			}
			assertRemoved(t, img)
			if len(journal.saved) != 1 || journal.saved[0].Outcome != tc.outcome {
				t.Fatalf("unexpected journal entries: %+v", journal.saved)
			}
		})
	}
}

func TestRelayMissingFileIsLocalIOError(t *testing.T) {
	scratch, img := storedImage(t, "x")
	if err := os.Remove(img.Path); err != nil {
		t.Fatalf("failed to remove: %v", err)
	}
	detector := &stubDetector{}
	uc := NewRelayUseCase(detector, scratch, zap.NewNop())

	_, err := uc.Relay(context.Background(), "req-6", img)
	var opErr *logging.OperationError
	if !errors.As(err, &opErr) || opErr.Operation != "scratch.open" {
		t.Fatalf("expected scratch.open OperationError, got %v", err)
	}
	if detector.calls != 0 {
		t.Fatalf("expected no upstream call, got %d", detector.calls)
	}
}

func TestRelayIgnoresRemoveAndRecordFailures(t *testing.T) {
	_, img := storedImage(t, "x")
	store := &failingStore{}
	cache := &stubCache{markErr: errors.New("redis down"), storeErr: errors.New("redis down")}
	journal := &stubJournal{saveErr: errors.New("db down")}
	detector := &stubDetector{resp: &upstream.Response{StatusCode: http.StatusOK, Body: []byte(`{}`)}}
	uc := NewRelayUseCase(detector, store, zap.NewNop(), WithJournal(journal), WithStatusCache(cache))

	if _, err := uc.Relay(context.Background(), "req-7", img); err != nil {
		t.Fatalf("expected success despite cleanup failures, got %v", err)
	}
	if store.calls != 1 {
		t.Fatalf("expected one remove attempt, got %d", store.calls)
	}
}

func TestGetStatusFromCache(t *testing.T) {
	scratch, img := storedImage(t, "x")
	cache := &stubCache{}
	detector := &stubDetector{resp: &upstream.Response{StatusCode: http.StatusOK, Body: []byte(`{}`)}}
	uc := NewRelayUseCase(detector, scratch, zap.NewNop(), WithStatusCache(cache))

	if _, err := uc.Relay(context.Background(), "req-8", img); err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if len(cache.marked) != 1 || cache.marked[0] != "req-8" || len(cache.stored) != 1 || cache.stored[0].RequestID != "req-8" {
		t.Fatalf("expected processing flag then summary, got marked=%v stored=%+v", cache.marked, cache.stored)
	}

	status, err := uc.GetStatus(context.Background(), "req-8")
	if err != nil {
		t.Fatalf("expected status, got %v", err)
	}
	if status.State != StateCompleted || status.Outcome != repository.OutcomeSuccess || status.UpstreamStatus != http.StatusOK {
		t.Fatalf("unexpected status: %+v", status)
	}
}

func TestGetStatusProcessing(t *testing.T) {
	cache := &stubCache{statuses: map[string]Status{"req-9": {RequestID: "req-9", State: StateProcessing}}}
	uc := NewRelayUseCase(&stubDetector{}, &failingStore{}, zap.NewNop(), WithStatusCache(cache))

	status, err := uc.GetStatus(context.Background(), "req-9")
	if err != nil {
		t.Fatalf("expected status, got %v", err)
	}
	if status.State != StateProcessing {
		t.Fatalf("unexpected state: %s", status.State)
	}
}

func TestGetStatusFallsBackToJournalWhenCacheMiss(t *testing.T) {
	journal := &stubJournal{findLog: &repository.RelayLog{RequestID: "req-10", Outcome: repository.OutcomeUpstreamRejected, UpstreamStatus: 503}}
	uc := NewRelayUseCase(&stubDetector{}, &failingStore{}, zap.NewNop(),
		WithStatusCache(&stubCache{lookupErr: errors.New("timeout")}), WithJournal(journal))

	status, err := uc.GetStatus(context.Background(), "req-10")
	if err != nil {
		t.Fatalf("expected status, got %v", err)
	}
	if status.Outcome != repository.OutcomeUpstreamRejected || status.UpstreamStatus != 503 {
		t.Fatalf("unexpected status: %+v", status)
	}
}

func TestGetStatusNotFound(t *testing.T) {
	uc := NewRelayUseCase(&stubDetector{}, &failingStore{}, zap.NewNop())
	if _, err := uc.GetStatus(context.Background(), "missing"); !errors.Is(err, ErrStatusNotFound) {
		t.Fatalf("expected ErrStatusNotFound, got %v", err)
	}

	uc = NewRelayUseCase(&stubDetector{}, &failingStore{}, zap.NewNop(), WithJournal(&stubJournal{}))
	if _, err := uc.GetStatus(context.Background(), "missing"); !errors.Is(err, ErrStatusNotFound) {
		t.Fatalf("expected ErrStatusNotFound from journal, got %v", err)
	}
}

func TestWithMeterLogsRejectedInstruments(t *testing.T) {
	scratch, img := storedImage(t, "x")
	core, logs := observer.New(zapcore.WarnLevel)
	detector := &stubDetector{resp: &upstream.Response{StatusCode: http.StatusOK, Body: []byte(`{}`)}}
	uc := NewRelayUseCase(detector, scratch, zap.New(core), WithMeter(rejectingMeter{}))

	if logs.FilterMessage("failed to register relay metrics, keeping no-op instruments").Len() != 1 {
		t.Fatalf("expected a warning about rejected instruments, got %v", logs.All())
	}
	if _, err := uc.Relay(context.Background(), "req-11", img); err != nil {
		t.Fatalf("expected relay to work with no-op instruments, got %v", err)
	}
}
