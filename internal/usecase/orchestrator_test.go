package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vidbatch/internal/domain"
	"vidbatch/internal/infra/docstore"
	"vidbatch/internal/infra/taskstore"
	"vidbatch/internal/ports"
)

// fakeProvider scripts poll responses per job and counts calls.
type fakeProvider struct {
	mu       sync.Mutex
	submitFn func(req ports.SubmitRequest) (string, error)
	polls    map[string][]ports.PollResult
	requests []ports.SubmitRequest

	submitCalls atomic.Int32
	pollCalls   atomic.Int32

	// concurrency instrumentation, paired with fakeDownloader
	inflight    atomic.Int32
	maxInflight atomic.Int32
	hold        time.Duration
}

func (f *fakeProvider) Submit(ctx context.Context, apiKey string, req ports.SubmitRequest) (string, error) {
	f.submitCalls.Add(1)
	cur := f.inflight.Add(1)
	for {
		m := f.maxInflight.Load()
		if cur <= m || f.maxInflight.CompareAndSwap(m, cur) {
			break
		}
	}
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	if f.submitFn != nil {
		id, err := f.submitFn(req)
		if err != nil {
			f.inflight.Add(-1)
		}
		return id, err
	}
	return "job-" + req.Prompt, nil
}

func (f *fakeProvider) Poll(ctx context.Context, apiKey, jobID string) (ports.PollResult, error) {
	f.pollCalls.Add(1)
	if f.hold > 0 {
		time.Sleep(f.hold)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	seq := f.polls[jobID]
	if len(seq) == 0 {
		return ports.PollResult{State: ports.PollSucceeded, ResultURLs: []string{"https://cdn.example/" + jobID + ".mp4"}}, nil
	}
	res := seq[0]
	if len(seq) > 1 {
		f.polls[jobID] = seq[1:]
	}
	if res.State == ports.PollFailed {
		f.inflight.Add(-1)
	}
	return res, nil
}

type fakeDownloader struct {
	provider *fakeProvider
	err      error
	calls    atomic.Int32
	dirs     sync.Map
}

func (d *fakeDownloader) Download(ctx context.Context, url, number, dir string) (ports.Download, error) {
	d.calls.Add(1)
	d.dirs.Store(number, dir)
	if d.provider != nil {
		d.provider.inflight.Add(-1)
	}
	if d.err != nil {
		return ports.Download{}, d.err
	}
	name := number + "_1_video.mp4"
	return ports.Download{RelativePath: "/videos/" + name, Filename: name}, nil
}

// recordingStore wraps the real store and keeps every patch result.
type recordingStore struct {
	*taskstore.Store
	mu      sync.Mutex
	history map[string][]domain.VideoTask
}

func (s *recordingStore) Patch(ctx context.Context, number string, p domain.TaskPatch) (*domain.VideoTask, error) {
	t, err := s.Store.Patch(ctx, number, p)
	if err == nil {
		s.mu.Lock()
		s.history[number] = append(s.history[number], *t)
		s.mu.Unlock()
	}
	return t, err
}

type countingSettings struct {
	ports.SettingsStore
	calls atomic.Int32
}

func (s *countingSettings) LoadAppData(ctx context.Context) (domain.AppData, error) {
	s.calls.Add(1)
	return s.SettingsStore.LoadAppData(ctx)
}

type harness struct {
	orch     *Orchestrator
	store    *recordingStore
	docs     *docstore.Store
	provider *fakeProvider
	dl       *fakeDownloader
	settings *countingSettings
}

func newHarness(t *testing.T, threads int, apiKey string, tasks ...domain.VideoTask) *harness {
	t.Helper()
	docs := docstore.New(t.TempDir())
	require.NoError(t, docs.Write(docstore.Config, domain.Config{
		ApiSettings:   domain.ApiSettings{ThreadCount: threads},
		VideoSettings: domain.VideoSettings{APIKey: apiKey, SavePath: "public/custom"},
	}))

	store := &recordingStore{Store: taskstore.New(docs), history: map[string][]domain.VideoTask{}}
	for _, task := range tasks {
		_, err := store.Create(context.Background(), task)
		require.NoError(t, err)
	}

	provider := &fakeProvider{polls: map[string][]ports.PollResult{}}
	dl := &fakeDownloader{provider: provider}
	settings := &countingSettings{SettingsStore: taskstore.NewSettings(docs)}
	orch := NewOrchestrator(store, settings, provider, dl, OrchestratorConfig{
		Model:           "veo3_fast",
		PollInterval:    time.Millisecond,
		PollMaxAttempts: 5,
	})
	return &harness{orch: orch, store: store, docs: docs, provider: provider, dl: dl, settings: settings}
}

func waiting(number string) domain.VideoTask {
	return domain.VideoTask{Number: number, Prompt: number, Status: domain.PhaseWaiting}
}

func (h *harness) task(t *testing.T, number string) domain.VideoTask {
	t.Helper()
	got, err := h.store.Get(context.Background(), number)
	require.NoError(t, err)
	return *got
}

func TestBatchRunsTaskToSuccess(t *testing.T) {
	h := newHarness(t, 2, "sk", waiting("A"))
	pending := ports.PollResult{State: ports.PollPending}
	h.provider.polls["job-A"] = []ports.PollResult{pending, pending, pending,
		{State: ports.PollSucceeded, ResultURLs: []string{"https://cdn.example/a.mp4", "https://cdn.example/b.mp4"}}}

	res, err := h.orch.StartBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 1, res.Succeeded)
	assert.Equal(t, "processed 1 task(s): 1 succeeded, 0 failed", res.Message)

	got := h.task(t, "A")
	assert.Equal(t, domain.PhaseSucceeded, got.Status)
	assert.Equal(t, 100, got.Progress)
	assert.Equal(t, "/videos/A_1_video.mp4", got.LocalPath)
	assert.Equal(t, "A_1_video.mp4", got.ActualFilename)
	assert.Equal(t, "https://cdn.example/a.mp4", got.RemoteURL)
	assert.Equal(t, "job-A", got.ProviderTaskID)
	assert.Empty(t, got.ErrorMsg)

	dir, _ := h.dl.dirs.Load("A")
	assert.Equal(t, "public/custom", dir)

	history := h.store.history["A"]
	phases := make([]domain.Phase, 0, len(history))
	last := 0
	for _, step := range history {
		phases = append(phases, step.Status)
		assert.GreaterOrEqual(t, step.Progress, last)
		last = step.Progress
	}
	assert.Equal(t, []domain.Phase{
		domain.PhaseSubmitting, domain.PhaseSubmitted,
		domain.PhasePolling, domain.PhasePolling, domain.PhasePolling,
		domain.PhaseDownloading, domain.PhaseSucceeded,
	}, phases)
	assert.Equal(t, "Generating (poll 3/5)", history[4].StatusLabel)
	assert.Less(t, history[4].Progress, progressPollCeiling)
}

func TestBatchNoEligibleTasksIsNoop(t *testing.T) {
	done := waiting("done")
	done.Status = domain.PhaseSucceeded
	busy := waiting("busy")
	busy.Status = domain.PhasePolling
	h := newHarness(t, 1, "", done, busy)

	res, err := h.orch.StartBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 0, res.Total)
	assert.Equal(t, int32(0), h.settings.calls.Load())
	assert.Equal(t, int32(0), h.provider.submitCalls.Load())
	assert.Equal(t, int32(0), h.provider.pollCalls.Load())
	assert.Equal(t, int32(0), h.dl.calls.Load())
	assert.Empty(t, h.store.history)
}

func TestBatchNeverResubmitsSucceededOrInFlight(t *testing.T) {
	done := waiting("done")
	done.Status = domain.PhaseSucceeded
	busy := waiting("busy")
	busy.Status = domain.PhaseSubmitted
	h := newHarness(t, 2, "sk", done, busy, waiting("new"))

	_, err := h.orch.StartBatch(context.Background(), []string{"done", "busy", "new"})
	require.NoError(t, err)

	assert.Equal(t, int32(1), h.provider.submitCalls.Load())
	require.Len(t, h.provider.requests, 1)
	assert.Equal(t, "new", h.provider.requests[0].Prompt)
	assert.Equal(t, domain.PhaseSubmitted, h.task(t, "busy").Status)
}

func TestBatchWithoutCredentialAbortsBeforeWork(t *testing.T) {
	h := newHarness(t, 1, "", waiting("A"))

	res, err := h.orch.StartBatch(context.Background(), nil)
	require.ErrorIs(t, err, ErrNoCredential)
	assert.False(t, res.Success)
	assert.Equal(t, int32(0), h.provider.submitCalls.Load())
	assert.Empty(t, h.store.history)
	assert.Equal(t, domain.PhaseWaiting, h.task(t, "A").Status)
}

func TestBatchUsesOverrideCredential(t *testing.T) {
	h := newHarness(t, 1, "", waiting("A"))
	h.orch.Cfg.APIKeyOverride = "sk-env"

	res, err := h.orch.StartBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Succeeded)
}

func TestSubmitWithoutJobIDFailsWithoutPolling(t *testing.T) {
	h := newHarness(t, 1, "sk", waiting("A"))
	h.provider.submitFn = func(req ports.SubmitRequest) (string, error) {
		return "", errors.New(`submit rejected: response carries no taskId (response: {"code":500,"msg":"oops"})`)
	}

	res, err := h.orch.StartBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)

	got := h.task(t, "A")
	assert.Equal(t, domain.PhaseFailed, got.Status)
	assert.Contains(t, got.ErrorMsg, `"msg":"oops"`)
	assert.Equal(t, progressSubmitting, got.Progress)
	assert.Equal(t, int32(0), h.provider.pollCalls.Load())
}

func TestProviderFailureRecordsMessage(t *testing.T) {
	h := newHarness(t, 1, "sk", waiting("A"))
	h.provider.polls["job-A"] = []ports.PollResult{
		{State: ports.PollPending},
		{State: ports.PollFailed, Error: "content policy violation"},
	}

	_, err := h.orch.StartBatch(context.Background(), nil)
	require.NoError(t, err)

	got := h.task(t, "A")
	assert.Equal(t, domain.PhaseFailed, got.Status)
	assert.Equal(t, "content policy violation", got.ErrorMsg)
	assert.Greater(t, got.Progress, progressSubmitted-1)
	assert.Equal(t, int32(0), h.dl.calls.Load())
}

func TestPollingTimesOut(t *testing.T) {
	h := newHarness(t, 1, "sk", waiting("A"))
	seq := make([]ports.PollResult, 10)
	for i := range seq {
		seq[i] = ports.PollResult{State: ports.PollPending}
	}
	h.provider.polls["job-A"] = seq

	res, err := h.orch.StartBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)

	got := h.task(t, "A")
	assert.Equal(t, domain.PhaseFailed, got.Status)
	assert.Contains(t, got.ErrorMsg, "timed out")
	assert.Equal(t, int32(5), h.provider.pollCalls.Load())
	assert.Equal(t, pollProgress(5, 5), got.Progress)
}

func TestDownloadFailureMarksTaskFailed(t *testing.T) {
	h := newHarness(t, 1, "sk", waiting("A"))
	h.dl.err = fmt.Errorf("download https://cdn.example/job-A.mp4: %w", errors.New("HTTP 404: not found"))

	_, err := h.orch.StartBatch(context.Background(), nil)
	require.NoError(t, err)

	got := h.task(t, "A")
	assert.Equal(t, domain.PhaseFailed, got.Status)
	assert.Contains(t, got.ErrorMsg, "404")
	assert.Equal(t, progressDownloading, got.Progress)
	assert.Empty(t, got.LocalPath)
}

func TestFailedTaskIsRetriedAndErrorCleared(t *testing.T) {
	prev := waiting("A")
	prev.Status = domain.PhaseFailed
	prev.ErrorMsg = "old failure"
	h := newHarness(t, 1, "sk", prev)

	_, err := h.orch.StartBatch(context.Background(), []string{"A"})
	require.NoError(t, err)

	got := h.task(t, "A")
	assert.Equal(t, domain.PhaseSucceeded, got.Status)
	assert.Empty(t, got.ErrorMsg)
	assert.Empty(t, h.store.history["A"][0].ErrorMsg)
}

func TestRetriedTaskStartsProgressOver(t *testing.T) {
	prev := waiting("A")
	prev.Status = domain.PhaseFailed
	prev.Progress = 89
	prev.ErrorMsg = "polling timed out after 120 attempts"
	h := newHarness(t, 1, "sk", prev)
	pending := ports.PollResult{State: ports.PollPending}
	h.provider.polls["job-A"] = []ports.PollResult{pending,
		{State: ports.PollSucceeded, ResultURLs: []string{"https://cdn.example/a.mp4"}}}

	_, err := h.orch.StartBatch(context.Background(), nil)
	require.NoError(t, err)

	history := h.store.history["A"]
	require.NotEmpty(t, history)
	assert.Equal(t, domain.PhaseSubmitting, history[0].Status)
	assert.Equal(t, progressSubmitting, history[0].Progress)
	assert.Equal(t, progressSubmitted, history[1].Progress)
	last := 0
	for _, step := range history {
		assert.GreaterOrEqual(t, step.Progress, last)
		last = step.Progress
	}
	assert.Equal(t, 100, h.task(t, "A").Progress)
}

func TestConcurrencyCapIsRespected(t *testing.T) {
	const threads, total = 3, 10
	tasks := make([]domain.VideoTask, 0, total)
	for i := 0; i < total; i++ {
		tasks = append(tasks, waiting(fmt.Sprintf("T%02d", i)))
	}
	h := newHarness(t, threads, "sk", tasks...)
	h.provider.hold = 5 * time.Millisecond
	for _, task := range tasks {
		h.provider.polls["job-"+task.Number] = []ports.PollResult{
			{State: ports.PollPending},
			{State: ports.PollSucceeded, ResultURLs: []string{"https://cdn.example/x.mp4"}},
		}
	}

	res, err := h.orch.StartBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, total, res.Succeeded)
	assert.LessOrEqual(t, h.provider.maxInflight.Load(), int32(threads))
	assert.Equal(t, int32(threads), h.provider.maxInflight.Load())
	assert.Equal(t, int32(0), h.provider.inflight.Load())
}

func TestCancelledBatchMarksInFlightTasksFailed(t *testing.T) {
	h := newHarness(t, 1, "sk", waiting("A"), waiting("B"))
	seq := make([]ports.PollResult, 5)
	for i := range seq {
		seq[i] = ports.PollResult{State: ports.PollPending}
	}
	h.provider.polls["job-A"] = seq
	h.orch.Cfg.PollInterval = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	h.provider.submitFn = func(req ports.SubmitRequest) (string, error) {
		cancel()
		return "job-" + req.Prompt, nil
	}

	res, err := h.orch.StartBatch(ctx, nil)
	require.ErrorIs(t, err, context.Canceled)
	assert.False(t, res.Success)

	a := h.task(t, "A")
	assert.Equal(t, domain.PhaseFailed, a.Status)
	assert.Contains(t, a.ErrorMsg, "cancelled")
	b := h.task(t, "B")
	assert.Equal(t, domain.PhaseWaiting, b.Status)
	assert.Equal(t, "Waiting", b.StatusLabel)
	assert.Equal(t, int32(1), h.provider.submitCalls.Load())
}

func TestOverlappingBatchSkipsClaimedTasks(t *testing.T) {
	h := newHarness(t, 1, "sk", waiting("A"))
	claimed, err := h.store.Claim(context.Background(), "other-run", func(tasks []domain.VideoTask) []domain.VideoTask {
		return tasks
	})
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	res, err := h.orch.StartBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Total)
	assert.Equal(t, int32(0), h.provider.submitCalls.Load())
	assert.Equal(t, "other-run", h.task(t, "A").RunID)
}

// Each orchestrator has its own docstore.Store on the same directory, the way
// the api, worker and batch processes share DATA_DIR.
func TestBatchesInSeparateProcessesRunEachTaskOnce(t *testing.T) {
	dir := t.TempDir()
	seed := docstore.New(dir)
	require.NoError(t, seed.Write(docstore.Config, domain.Config{
		ApiSettings:   domain.ApiSettings{ThreadCount: 1},
		VideoSettings: domain.VideoSettings{APIKey: "sk"},
	}))
	for _, n := range []string{"A", "B", "C"} {
		_, err := taskstore.New(seed).Create(context.Background(), waiting(n))
		require.NoError(t, err)
	}

	provider := &fakeProvider{polls: map[string][]ports.PollResult{}, hold: 5 * time.Millisecond}
	newOrch := func() *Orchestrator {
		docs := docstore.New(dir)
		return NewOrchestrator(taskstore.New(docs), taskstore.NewSettings(docs), provider,
			&fakeDownloader{provider: provider}, OrchestratorConfig{PollInterval: time.Millisecond, PollMaxAttempts: 5})
	}

	const processes = 3
	results := make([]domain.BatchResult, processes)
	var wg sync.WaitGroup
	for i := 0; i < processes; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := newOrch().StartBatch(context.Background(), nil)
			assert.NoError(t, err)
			results[i] = res
		}()
	}
	wg.Wait()

	total, succeeded := 0, 0
	for _, res := range results {
		total += res.Total
		succeeded += res.Succeeded
	}
	assert.Equal(t, 3, total)
	assert.Equal(t, 3, succeeded)
	assert.Equal(t, int32(3), provider.submitCalls.Load())

	tasks, err := taskstore.New(docstore.New(dir)).List(context.Background())
	require.NoError(t, err)
	for _, task := range tasks {
		assert.Equal(t, domain.PhaseSucceeded, task.Status, task.Number)
		assert.NotEmpty(t, task.RunID, task.Number)
	}
}

func TestBuildSubmitRequest(t *testing.T) {
	req := BuildSubmitRequest(domain.VideoTask{
		Prompt:         "p",
		Seeds:          " 12345 ",
		Watermark:      "  ",
		EnableFallback: true,
	}, "veo3")
	assert.Equal(t, DefaultAspectRatio, req.AspectRatio)
	require.NotNil(t, req.Seeds)
	assert.Equal(t, 12345.0, *req.Seeds)
	assert.Empty(t, req.Watermark)
	assert.Equal(t, []string{}, req.ImageURLs)
	assert.True(t, req.EnableFallback)
	assert.Equal(t, "veo3", req.Model)

	for _, seeds := range []string{"abc", "Inf", "NaN", "1e400"} {
		req = BuildSubmitRequest(domain.VideoTask{Seeds: seeds, AspectRatio: "9:16"}, "veo3")
		assert.Nil(t, req.Seeds, seeds)
		assert.Equal(t, "9:16", req.AspectRatio)
	}
}

func TestPollProgressStaysBelowCeiling(t *testing.T) {
	last := progressSubmitted
	for attempt := 1; attempt <= 120; attempt++ {
		p := pollProgress(attempt, 120)
		assert.GreaterOrEqual(t, p, last)
		assert.Less(t, p, progressPollCeiling)
		last = p
	}
}
