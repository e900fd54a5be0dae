package pipeline

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"creatorforge/internal/capability"
	"creatorforge/internal/domain"
	"creatorforge/internal/notify"
	"creatorforge/internal/pricing"
	"creatorforge/internal/providers/prompt"
)

// ---- in-memory fakes -------------------------------------------------------

type memJobs struct {
	mu   sync.Mutex
	rows map[string]domain.Job
}

func newMemJobs() *memJobs { return &memJobs{rows: make(map[string]domain.Job)} }

func (m *memJobs) Create(ctx context.Context, job *domain.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[job.ID] = *job
	return nil
}

func (m *memJobs) GetByID(ctx context.Context, id string) (*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	out := row
	return &out, nil
}

func (m *memJobs) GetForAccount(ctx context.Context, id, accountID string) (*domain.Job, error) {
	job, err := m.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.AccountID != accountID {
		return nil, domain.ErrNotFound
	}
	return job, nil
}

func (m *memJobs) Update(ctx context.Context, job *domain.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[job.ID]
	if !ok {
		return domain.ErrNotFound
	}
	if row.Status.IsTerminal() {
		return domain.ErrJobTerminal
	}
	m.rows[job.ID] = *job
	return nil
}

func (m *memJobs) RequestCancel(ctx context.Context, id, accountID string) (*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[id]
	if !ok || row.AccountID != accountID {
		return nil, domain.ErrNotFound
	}
	if row.Status.IsTerminal() || row.Status == domain.JobStatusReview {
		return nil, domain.ErrNotCancelable
	}
	row.CancelRequested = true
	m.rows[id] = row
	out := row
	return &out, nil
}

type memHandles struct {
	mu   sync.Mutex
	rows map[string]domain.RequestHandle
}

func newMemHandles() *memHandles { return &memHandles{rows: make(map[string]domain.RequestHandle)} }

func (m *memHandles) Create(ctx context.Context, h *domain.RequestHandle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[h.ID] = *h
	return nil
}

func (m *memHandles) GetByExternalID(ctx context.Context, provider, externalID string) (*domain.RequestHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, h := range m.rows {
		if h.Provider == provider && h.ExternalID == externalID {
			out := h
			return &out, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (m *memHandles) GetByJobID(ctx context.Context, jobID string) (*domain.RequestHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, h := range m.rows {
		if h.JobID == jobID {
			out := h
			return &out, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (m *memHandles) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rows, id)
	return nil
}

func (m *memHandles) ListExpired(ctx context.Context, now time.Time, limit int) ([]domain.RequestHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.RequestHandle
	for _, h := range m.rows {
		if h.Expired(now) {
			out = append(out, h)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

type memLedger struct {
	mu       sync.Mutex
	balances map[string]int64
	entries  []domain.LedgerEntry
}

func newMemLedger() *memLedger { return &memLedger{balances: make(map[string]int64)} }

func (m *memLedger) ReserveAndDebit(ctx context.Context, accountID string, amount int64, reason, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.balances[accountID] < amount {
		return domain.ErrInsufficientFunds
	}
	m.balances[accountID] -= amount
	m.entries = append(m.entries, domain.LedgerEntry{
		ID: uuid.NewString(), AccountID: accountID, JobID: jobID, Amount: -amount, Reason: reason,
	})
	return nil
}

func (m *memLedger) Refund(ctx context.Context, accountID, jobID string, amount int64, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[accountID] += amount
	m.entries = append(m.entries, domain.LedgerEntry{
		ID: uuid.NewString(), AccountID: accountID, JobID: jobID, Amount: amount, Reason: reason,
	})
	return nil
}

func (m *memLedger) Balance(ctx context.Context, accountID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[accountID], nil
}

func (m *memLedger) EntriesForJob(ctx context.Context, jobID string) ([]domain.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.LedgerEntry
	for _, e := range m.entries {
		if e.JobID == jobID {
			out = append(out, e)
		}
	}
	return out, nil
}

type memStore struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

func newMemStore() *memStore { return &memStore{blobs: make(map[string][]byte)} }

func (m *memStore) Write(ctx context.Context, key string, data []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[key] = data
	return key, nil
}

func (m *memStore) Read(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.blobs[key]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return data, nil
}

// stubGateway routes capabilities to test functions and persists async
// handles the way the real gateway does.
type stubGateway struct {
	handles      *memHandles
	deadline     time.Duration
	syncFn       func(cap capability.Capability, in capability.Input) (*capability.Result, error)
	asyncErr     error
	syncCalls    []capability.Capability
	asyncCalls   []capability.Capability
	lastExternal string
}

func (g *stubGateway) InvokeSync(ctx context.Context, cap capability.Capability, in capability.Input) (*capability.Result, error) {
	g.syncCalls = append(g.syncCalls, cap)
	return g.syncFn(cap, in)
}

func (g *stubGateway) InvokeAsync(ctx context.Context, cap capability.Capability, in capability.Input, jobID string, step domain.Step) (*domain.RequestHandle, error) {
	g.asyncCalls = append(g.asyncCalls, cap)
	if g.asyncErr != nil {
		return nil, g.asyncErr
	}
	now := time.Now().UTC()
	h := &domain.RequestHandle{
		ID:         uuid.NewString(),
		Provider:   string(cap),
		ExternalID: uuid.NewString(),
		JobID:      jobID,
		Step:       step,
		IssuedAt:   now,
		Deadline:   now.Add(g.deadline),
	}
	if err := g.handles.Create(ctx, h); err != nil {
		return nil, err
	}
	g.lastExternal = h.ExternalID
	return h, nil
}

// ---- harness ---------------------------------------------------------------

type env struct {
	jobs    *memJobs
	handles *memHandles
	ledger  *memLedger
	store   *memStore
	gateway *stubGateway
	orch    *Orchestrator
	server  *httptest.Server
}

func newEnv(t *testing.T) *env {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("artifact-bytes"))
	}))
	t.Cleanup(server.Close)

	e := &env{
		jobs:    newMemJobs(),
		handles: newMemHandles(),
		ledger:  newMemLedger(),
		store:   newMemStore(),
		server:  server,
	}
	e.gateway = &stubGateway{
		handles:  e.handles,
		deadline: time.Hour,
		syncFn: func(cap capability.Capability, in capability.Input) (*capability.Result, error) {
			return &capability.Result{URL: server.URL + "/out.png", MIME: "image/png"}, nil
		},
	}
	e.orch = New(Options{
		Jobs:     e.jobs,
		Handles:  e.handles,
		Ledger:   e.ledger,
		Gateway:  e.gateway,
		Store:    e.store,
		Prompts:  prompt.NewStaticSynthesizer(),
		Notifier: notify.NopNotifier{},
		Logger:   zerolog.Nop(),
	})
	return e
}

// submit mirrors the API handler contract: price, reserve the full total,
// create the job queued, then claim it into processing.
func (e *env) submit(t *testing.T, accountID string, balance int64, cfg domain.JobConfig, jobType domain.JobType) *domain.Job {
	t.Helper()
	ctx := context.Background()
	e.ledger.mu.Lock()
	e.ledger.balances[accountID] = balance
	e.ledger.mu.Unlock()

	job := &domain.Job{
		ID:          uuid.NewString(),
		AccountID:   accountID,
		Type:        jobType,
		Status:      domain.JobStatusQueued,
		Config:      cfg,
		PricedTotal: pricing.Total(cfg),
	}
	require.NoError(t, e.ledger.ReserveAndDebit(ctx, accountID, job.PricedTotal, domain.ReasonJobReserve, job.ID))
	require.NoError(t, e.jobs.Create(ctx, job))
	return job
}

func genConfig(mut func(*domain.GenerationConfig)) domain.JobConfig {
	gen := &domain.GenerationConfig{Prompt: "a portrait", AspectRatio: "1:1", CharacterID: "char-1"}
	if mut != nil {
		mut(gen)
	}
	return domain.JobConfig{Version: domain.ConfigVersion, Generation: gen}
}

func (e *env) reload(t *testing.T, id string) *domain.Job {
	t.Helper()
	job, err := e.jobs.GetByID(context.Background(), id)
	require.NoError(t, err)
	return job
}

// ---- tests -----------------------------------------------------------------

func TestRunBaseGenerationCompletes(t *testing.T) {
	e := newEnv(t)
	job := e.submit(t, "acct-1", 10, genConfig(nil), domain.JobTypeGeneration)
	require.Equal(t, int64(1), job.PricedTotal)

	require.NoError(t, e.orch.Run(context.Background(), job.ID))

	got := e.reload(t, job.ID)
	require.Equal(t, domain.JobStatusCompleted, got.Status)
	require.Equal(t, 100, got.Progress)
	require.Len(t, got.Outputs, 1)
	require.Equal(t, domain.StepBaseGen, got.Outputs[0].Step)
	require.Equal(t, int64(1), got.CostAccrued)

	data, err := e.store.Read(context.Background(), got.Outputs[0].StorageKey)
	require.NoError(t, err)
	require.Equal(t, "artifact-bytes", string(data))

	balance, _ := e.ledger.Balance(context.Background(), "acct-1")
	require.Equal(t, int64(9), balance)
}

func TestRunSwapFailureIsBestEffort(t *testing.T) {
	e := newEnv(t)
	e.gateway.syncFn = func(cap capability.Capability, in capability.Input) (*capability.Result, error) {
		if cap == capability.ClothSwap {
			return nil, errors.New("try-on unavailable")
		}
		return &capability.Result{URL: e.server.URL + "/out.png", MIME: "image/png"}, nil
	}
	cfg := genConfig(func(g *domain.GenerationConfig) {
		g.ChangeClothes = true
		g.ClothesURL = "https://cdn.example/garment.png"
		g.UpscaleFactor = 4
	})
	job := e.submit(t, "acct-1", 10, cfg, domain.JobTypeGeneration)
	require.Equal(t, int64(3), job.PricedTotal)

	require.NoError(t, e.orch.Run(context.Background(), job.ID))

	got := e.reload(t, job.ID)
	require.Equal(t, domain.JobStatusCompleted, got.Status)
	require.False(t, got.StepCharged(domain.StepClothSwap))
	require.Nil(t, got.OutputFor(domain.StepClothSwap))
	require.NotNil(t, got.OutputFor(domain.StepUpscale))
	require.Equal(t, int64(2), got.CostAccrued)

	// The skipped swap's share of the reservation comes back.
	balance, _ := e.ledger.Balance(context.Background(), "acct-1")
	require.Equal(t, int64(10-3+1), balance)
}

func TestRunCriticalFailureRefundsUnconsumed(t *testing.T) {
	e := newEnv(t)
	e.gateway.syncFn = func(cap capability.Capability, in capability.Input) (*capability.Result, error) {
		if cap == capability.Upscale {
			return nil, errors.New("upstream 500")
		}
		return &capability.Result{URL: e.server.URL + "/out.png", MIME: "image/png"}, nil
	}
	cfg := genConfig(func(g *domain.GenerationConfig) { g.UpscaleFactor = 2 })
	job := e.submit(t, "acct-1", 10, cfg, domain.JobTypeGeneration)
	require.Equal(t, int64(2), job.PricedTotal)

	require.NoError(t, e.orch.Run(context.Background(), job.ID))

	got := e.reload(t, job.ID)
	require.Equal(t, domain.JobStatusFailed, got.Status)
	require.NotEmpty(t, got.ErrorMessage)
	require.True(t, got.Progress < 100)

	// Base gen stays charged; the failed upscale charge comes back.
	balance, _ := e.ledger.Balance(context.Background(), "acct-1")
	require.Equal(t, int64(9), balance)
}

func TestVideoSuspendsAndCallbackCompletes(t *testing.T) {
	e := newEnv(t)
	cfg := genConfig(func(g *domain.GenerationConfig) {
		g.Video = true
		g.VideoDuration = 5
		g.VideoRes = domain.Resolution720p
		g.VideoTier = domain.VideoTierFast
	})
	job := e.submit(t, "acct-1", 20, cfg, domain.JobTypeGeneration)
	require.Equal(t, int64(6), job.PricedTotal)

	require.NoError(t, e.orch.Run(context.Background(), job.ID))

	got := e.reload(t, job.ID)
	require.Equal(t, domain.JobStatusAwaitingCallback, got.Status)
	require.Equal(t, domain.StepVideoGen, got.CurrentStep)
	require.NotEmpty(t, got.MotionPrompt)
	require.True(t, got.Progress < 100)
	_, err := e.handles.GetByJobID(context.Background(), job.ID)
	require.NoError(t, err)

	res := CallbackResult{Succeeded: true, OutputURL: e.server.URL + "/clip.mp4", MIME: "video/mp4"}
	require.NoError(t, e.orch.HandleCallback(context.Background(), string(capability.VideoRender), e.gateway.lastExternal, res))

	got = e.reload(t, job.ID)
	require.Equal(t, domain.JobStatusCompleted, got.Status)
	require.Equal(t, 100, got.Progress)
	require.NotNil(t, got.OutputFor(domain.StepVideoGen))
	require.Equal(t, int64(6), got.CostAccrued)

	// Duplicate delivery: handle is gone, receiver sees not-found, state and
	// ledger stay put.
	err = e.orch.HandleCallback(context.Background(), string(capability.VideoRender), e.gateway.lastExternal, res)
	require.ErrorIs(t, err, domain.ErrNotFound)
	entries, _ := e.ledger.EntriesForJob(context.Background(), job.ID)
	require.Len(t, entries, 1)
}

func TestCallbackFailureRefundsAsyncStep(t *testing.T) {
	e := newEnv(t)
	cfg := genConfig(func(g *domain.GenerationConfig) {
		g.Video = true
		g.VideoDuration = 5
		g.VideoRes = domain.Resolution1080p
		g.VideoTier = domain.VideoTierPro
	})
	job := e.submit(t, "acct-1", 20, cfg, domain.JobTypeGeneration)
	require.Equal(t, int64(13), job.PricedTotal)
	require.NoError(t, e.orch.Run(context.Background(), job.ID))

	res := CallbackResult{Succeeded: false, Error: "render rejected"}
	require.NoError(t, e.orch.HandleCallback(context.Background(), string(capability.VideoRender), e.gateway.lastExternal, res))

	got := e.reload(t, job.ID)
	require.Equal(t, domain.JobStatusFailed, got.Status)
	require.Contains(t, got.ErrorMessage, "render rejected")

	// Image-stage credit retained, video-stage credit refunded.
	balance, _ := e.ledger.Balance(context.Background(), "acct-1")
	require.Equal(t, int64(19), balance)
}

func TestSweepFailsTimedOutJob(t *testing.T) {
	e := newEnv(t)
	e.gateway.deadline = -time.Minute
	cfg := genConfig(func(g *domain.GenerationConfig) {
		g.Video = true
		g.VideoDuration = 5
		g.VideoRes = domain.Resolution720p
		g.VideoTier = domain.VideoTierFast
	})
	job := e.submit(t, "acct-1", 20, cfg, domain.JobTypeGeneration)
	require.NoError(t, e.orch.Run(context.Background(), job.ID))
	require.Equal(t, domain.JobStatusAwaitingCallback, e.reload(t, job.ID).Status)

	sweeper := NewSweeper(e.handles, e.orch, time.Minute, zerolog.Nop())
	n, err := sweeper.Sweep(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)

	got := e.reload(t, job.ID)
	require.Equal(t, domain.JobStatusFailed, got.Status)
	require.Contains(t, got.ErrorMessage, "deadline")

	// Video-stage credits refunded, image-stage retained.
	balance, _ := e.ledger.Balance(context.Background(), "acct-1")
	require.Equal(t, int64(19), balance)

	// The late callback after the sweep is a no-op.
	res := CallbackResult{Succeeded: true, OutputURL: e.server.URL + "/clip.mp4"}
	err = e.orch.HandleCallback(context.Background(), string(capability.VideoRender), e.gateway.lastExternal, res)
	require.ErrorIs(t, err, domain.ErrNotFound)
	require.Equal(t, domain.JobStatusFailed, e.reload(t, job.ID).Status)
}

func TestCancelBeforeFirstStepRefundsFully(t *testing.T) {
	e := newEnv(t)
	job := e.submit(t, "acct-1", 10, genConfig(nil), domain.JobTypeGeneration)
	_, err := e.jobs.RequestCancel(context.Background(), job.ID, "acct-1")
	require.NoError(t, err)

	require.NoError(t, e.orch.Run(context.Background(), job.ID))

	got := e.reload(t, job.ID)
	require.Equal(t, domain.JobStatusFailed, got.Status)
	require.Contains(t, got.ErrorMessage, "canceled")
	require.Empty(t, got.Outputs)

	balance, _ := e.ledger.Balance(context.Background(), "acct-1")
	require.Equal(t, int64(10), balance)
}

func TestExplicitJobPausesInReview(t *testing.T) {
	e := newEnv(t)
	cfg := genConfig(func(g *domain.GenerationConfig) { g.Explicit = true })
	job := e.submit(t, "acct-1", 10, cfg, domain.JobTypeGeneration)

	require.NoError(t, e.orch.Run(context.Background(), job.ID))

	got := e.reload(t, job.ID)
	require.Equal(t, domain.JobStatusReview, got.Status)
	require.True(t, got.Progress < 100)
	require.Len(t, got.Outputs, 1)

	approved, err := e.orch.ApproveReview(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, domain.JobStatusCompleted, approved.Status)
	require.Equal(t, 100, approved.Progress)

	_, err = e.orch.ApproveReview(context.Background(), job.ID)
	require.ErrorIs(t, err, domain.ErrJobTerminal)
}

func TestRejectReviewKeepsCharges(t *testing.T) {
	e := newEnv(t)
	cfg := genConfig(func(g *domain.GenerationConfig) { g.Explicit = true })
	job := e.submit(t, "acct-1", 10, cfg, domain.JobTypeGeneration)
	require.NoError(t, e.orch.Run(context.Background(), job.ID))

	rejected, err := e.orch.RejectReview(context.Background(), job.ID, "policy violation")
	require.NoError(t, err)
	require.Equal(t, domain.JobStatusFailed, rejected.Status)
	require.Equal(t, "policy violation", rejected.ErrorMessage)

	// The completed base step stays charged.
	balance, _ := e.ledger.Balance(context.Background(), "acct-1")
	require.Equal(t, int64(9), balance)
}

func TestTrainingFansOutToReferencePreview(t *testing.T) {
	e := newEnv(t)
	var refInput capability.Input
	e.gateway.syncFn = func(cap capability.Capability, in capability.Input) (*capability.Result, error) {
		refInput = in
		return &capability.Result{URL: e.server.URL + "/preview.png", MIME: "image/png"}, nil
	}
	cfg := domain.JobConfig{
		Version:  domain.ConfigVersion,
		Training: &domain.TrainingConfig{CharacterID: "char-9", Steps: domain.TrainingStepsFast},
	}
	job := e.submit(t, "acct-1", 100, cfg, domain.JobTypeTraining)
	require.Equal(t, int64(75), job.PricedTotal)

	require.NoError(t, e.orch.Run(context.Background(), job.ID))
	require.Equal(t, domain.JobStatusAwaitingCallback, e.reload(t, job.ID).Status)
	require.Equal(t, []capability.Capability{capability.TrainIdentity}, e.gateway.asyncCalls)

	res := CallbackResult{Succeeded: true, OutputURL: "tune-12345"}
	require.NoError(t, e.orch.HandleCallback(context.Background(), string(capability.TrainIdentity), e.gateway.lastExternal, res))

	got := e.reload(t, job.ID)
	require.Equal(t, domain.JobStatusCompleted, got.Status)
	require.Equal(t, 100, got.Progress)
	require.NotNil(t, got.OutputFor(domain.StepTrain))
	require.NotNil(t, got.OutputFor(domain.StepReferenceGen))
	require.Equal(t, "tune-12345", refInput.ModelRef)
	require.Equal(t, int64(75), got.CostAccrued)

	balance, _ := e.ledger.Balance(context.Background(), "acct-1")
	require.Equal(t, int64(25), balance)
}

// flakyJobs fails the next N Update calls, standing in for a DB fault or a
// crash mid-write.
type flakyJobs struct {
	*memJobs
	failUpdates int
}

func (f *flakyJobs) Update(ctx context.Context, job *domain.Job) error {
	if f.failUpdates > 0 {
		f.failUpdates--
		return errors.New("connection reset")
	}
	return f.memJobs.Update(ctx, job)
}

func (e *env) orchWithJobs(jobs domain.JobRepository) *Orchestrator {
	return New(Options{
		Jobs:     jobs,
		Handles:  e.handles,
		Ledger:   e.ledger,
		Gateway:  e.gateway,
		Store:    e.store,
		Prompts:  prompt.NewStaticSynthesizer(),
		Notifier: notify.NopNotifier{},
		Logger:   zerolog.Nop(),
	})
}

func TestCallbackKeepsHandleWhenResumeCannotPersist(t *testing.T) {
	e := newEnv(t)
	cfg := genConfig(func(g *domain.GenerationConfig) {
		g.Video = true
		g.VideoDuration = 5
		g.VideoRes = domain.Resolution720p
		g.VideoTier = domain.VideoTierFast
	})
	job := e.submit(t, "acct-1", 20, cfg, domain.JobTypeGeneration)
	require.NoError(t, e.orch.Run(context.Background(), job.ID))
	require.Equal(t, domain.JobStatusAwaitingCallback, e.reload(t, job.ID).Status)

	// Both the resume write and the failure fallback write fault.
	flaky := &flakyJobs{memJobs: e.jobs, failUpdates: 2}
	orch := e.orchWithJobs(flaky)

	res := CallbackResult{Succeeded: true, OutputURL: e.server.URL + "/clip.mp4", MIME: "video/mp4"}
	require.Error(t, orch.HandleCallback(context.Background(), string(capability.VideoRender), e.gateway.lastExternal, res))

	// Nothing durable changed, and the handle survives, so the provider retry
	// and the sweep both still have a record to resolve.
	got := e.reload(t, job.ID)
	require.Equal(t, domain.JobStatusAwaitingCallback, got.Status)
	_, err := e.handles.GetByExternalID(context.Background(), string(capability.VideoRender), e.gateway.lastExternal)
	require.NoError(t, err)

	// The provider redelivers once writes work again.
	require.NoError(t, orch.HandleCallback(context.Background(), string(capability.VideoRender), e.gateway.lastExternal, res))
	got = e.reload(t, job.ID)
	require.Equal(t, domain.JobStatusCompleted, got.Status)
	require.Equal(t, 100, got.Progress)
	require.NotNil(t, got.OutputFor(domain.StepVideoGen))
	_, err = e.handles.GetByExternalID(context.Background(), string(capability.VideoRender), e.gateway.lastExternal)
	require.ErrorIs(t, err, domain.ErrNotFound)

	balance, _ := e.ledger.Balance(context.Background(), "acct-1")
	require.Equal(t, int64(14), balance)
}

func TestCallbackShedsStaleHandleAfterResumedWrite(t *testing.T) {
	e := newEnv(t)
	cfg := genConfig(func(g *domain.GenerationConfig) {
		g.Video = true
		g.VideoDuration = 5
		g.VideoRes = domain.Resolution720p
		g.VideoTier = domain.VideoTierFast
	})
	job := e.submit(t, "acct-1", 20, cfg, domain.JobTypeGeneration)
	require.NoError(t, e.orch.Run(context.Background(), job.ID))

	// The earlier delivery persisted the resumed job but stopped before
	// shedding the handle.
	resumed := e.reload(t, job.ID)
	resumed.Status = domain.JobStatusProcessing
	resumed.Outputs = append(resumed.Outputs, domain.Artifact{
		Step: domain.StepVideoGen, StorageKey: "jobs/x/video_gen.mp4", MIME: "video/mp4",
	})
	resumed.Progress = lastStepProgress
	require.NoError(t, e.jobs.Update(context.Background(), resumed))

	res := CallbackResult{Succeeded: true, OutputURL: e.server.URL + "/clip.mp4", MIME: "video/mp4"}
	require.NoError(t, e.orch.HandleCallback(context.Background(), string(capability.VideoRender), e.gateway.lastExternal, res))

	got := e.reload(t, job.ID)
	require.Equal(t, domain.JobStatusCompleted, got.Status)
	// The landed output is reused, not recorded twice.
	require.Len(t, got.Outputs, 2)
	_, err := e.handles.GetByExternalID(context.Background(), string(capability.VideoRender), e.gateway.lastExternal)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSweepRetriesWhenExpirePersistFails(t *testing.T) {
	e := newEnv(t)
	e.gateway.deadline = -time.Minute
	cfg := genConfig(func(g *domain.GenerationConfig) {
		g.Video = true
		g.VideoDuration = 5
		g.VideoRes = domain.Resolution720p
		g.VideoTier = domain.VideoTierFast
	})
	job := e.submit(t, "acct-1", 20, cfg, domain.JobTypeGeneration)
	require.NoError(t, e.orch.Run(context.Background(), job.ID))

	flaky := &flakyJobs{memJobs: e.jobs, failUpdates: 1}
	sweeper := NewSweeper(e.handles, e.orchWithJobs(flaky), time.Minute, zerolog.Nop())

	// The first pass cannot persist the failure; the handle must survive so a
	// later pass gets another shot.
	n, err := sweeper.Sweep(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, n)
	require.Equal(t, domain.JobStatusAwaitingCallback, e.reload(t, job.ID).Status)
	_, err = e.handles.GetByJobID(context.Background(), job.ID)
	require.NoError(t, err)

	n, err = sweeper.Sweep(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)
	got := e.reload(t, job.ID)
	require.Equal(t, domain.JobStatusFailed, got.Status)
	_, err = e.handles.GetByJobID(context.Background(), job.ID)
	require.ErrorIs(t, err, domain.ErrNotFound)

	balance, _ := e.ledger.Balance(context.Background(), "acct-1")
	require.Equal(t, int64(19), balance)
}

func TestChargeTopupGrowsPricedTotal(t *testing.T) {
	e := newEnv(t)
	e.ledger.mu.Lock()
	e.ledger.balances["acct-1"] = 10
	e.ledger.mu.Unlock()

	// A job whose reservation undershoots the step price forces the top-up.
	job := &domain.Job{
		ID:        uuid.NewString(),
		AccountID: "acct-1",
		Type:      domain.JobTypeGeneration,
		Status:    domain.JobStatusProcessing,
		Config:    genConfig(nil),
	}
	require.NoError(t, e.jobs.Create(context.Background(), job))

	require.NoError(t, e.orch.chargeStep(context.Background(), job, domain.StepBaseGen))
	require.Equal(t, int64(1), job.CostAccrued)
	require.Equal(t, job.CostAccrued, job.PricedTotal)

	balance, _ := e.ledger.Balance(context.Background(), "acct-1")
	require.Equal(t, int64(9), balance)
	entries, _ := e.ledger.EntriesForJob(context.Background(), job.ID)
	require.Len(t, entries, 1)
	require.Equal(t, domain.ReasonStepTopup, entries[0].Reason)
}

func TestProgressMonotoneAcrossPlan(t *testing.T) {
	cfg := genConfig(func(g *domain.GenerationConfig) {
		g.ChangeClothes = true
		g.ClothesURL = "https://cdn.example/garment.png"
		g.UpscaleFactor = 2
		g.Video = true
		g.VideoDuration = 5
		g.VideoRes = domain.Resolution720p
		g.VideoTier = domain.VideoTierFast
	})
	job := &domain.Job{Type: domain.JobTypeGeneration, Config: cfg}
	pl := planFor(job)
	require.Equal(t, []domain.Step{
		domain.StepBaseGen, domain.StepClothSwap, domain.StepUpscale,
		domain.StepVideoPrep, domain.StepVideoGen,
	}, pl.steps)

	prev := 0
	for _, s := range pl.steps {
		cp := pl.checkpoint(s)
		require.Greater(t, cp, prev, "checkpoint for %s", s)
		prev = cp
	}
	require.Equal(t, lastStepProgress, pl.checkpoint(domain.StepVideoGen))
}

func TestPlanOmitsUnrequestedSteps(t *testing.T) {
	job := &domain.Job{Type: domain.JobTypeGeneration, Config: genConfig(nil)}
	pl := planFor(job)
	require.Equal(t, []domain.Step{domain.StepBaseGen}, pl.steps)
	require.Equal(t, lastStepProgress, pl.checkpoint(domain.StepBaseGen))

	next, ok := pl.next(0)
	require.True(t, ok)
	require.Equal(t, domain.StepBaseGen, next)
	_, ok = pl.next(lastStepProgress)
	require.False(t, ok)
}
