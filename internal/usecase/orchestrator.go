package usecase

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"vidbatch/internal/domain"
	"vidbatch/internal/ports"
)

const (
	DefaultAspectRatio = "16:9"
	DefaultSavePath    = "public/videos"

	progressSubmitting  = 5
	progressSubmitted   = 10
	progressPollCeiling = 90
	progressDownloading = 95
	progressDone        = 100
)

type OrchestratorConfig struct {
	// APIKeyOverride is the process-level credential, checked first.
	APIKeyOverride  string
	Model           string
	PollInterval    time.Duration
	PollMaxAttempts int
}

// Orchestrator drives eligible video tasks through submit, poll and download
// with a bounded number of tasks in flight. Tasks are claimed in the store
// before they run, so orchestrators in other processes sharing the store skip
// them.
type Orchestrator struct {
	Tasks      ports.TaskStore
	Settings   ports.SettingsStore
	Provider   ports.VideoProvider
	Downloader ports.Downloader
	Cfg        OrchestratorConfig
}

func NewOrchestrator(tasks ports.TaskStore, settings ports.SettingsStore, provider ports.VideoProvider,
	downloader ports.Downloader, cfg OrchestratorConfig) *Orchestrator {
	if cfg.PollMaxAttempts <= 0 {
		cfg.PollMaxAttempts = 120
	}
	if cfg.PollInterval < 0 {
		cfg.PollInterval = 0
	}
	return &Orchestrator{
		Tasks:      tasks,
		Settings:   settings,
		Provider:   provider,
		Downloader: downloader,
		Cfg:        cfg,
	}
}

// StartBatch runs every eligible task among numbers (all tasks when empty)
// and returns once each of them is terminal. Only configuration and store
// errors are returned; per-task failures are recorded on the task.
func (o *Orchestrator) StartBatch(ctx context.Context, numbers []string) (domain.BatchResult, error) {
	all, err := o.Tasks.List(ctx)
	if err != nil {
		return domain.BatchResult{}, fmt.Errorf("load video tasks: %w", err)
	}
	if len(SelectEligible(all, numbers)) == 0 {
		return domain.BatchResult{Success: true, Message: "no eligible video tasks"}, nil
	}

	app, err := o.Settings.LoadAppData(ctx)
	if err != nil {
		return domain.BatchResult{}, fmt.Errorf("load settings: %w", err)
	}
	cred, err := ResolveCredential(o.Cfg.APIKeyOverride, app)
	if err != nil {
		return domain.BatchResult{Success: false, Message: err.Error()}, err
	}

	runID := uuid.NewString()
	claimed, err := o.Tasks.Claim(ctx, runID, func(tasks []domain.VideoTask) []domain.VideoTask {
		return SelectEligible(tasks, numbers)
	})
	if err != nil {
		return domain.BatchResult{}, fmt.Errorf("claim video tasks: %w", err)
	}
	if len(claimed) == 0 {
		log.Ctx(ctx).Info().Msg("eligible tasks were claimed by another batch")
		return domain.BatchResult{Success: true, Message: "no eligible video tasks"}, nil
	}
	ctx = log.Ctx(ctx).With().Str("run", runID).Logger().WithContext(ctx)

	n := app.Concurrency()
	log.Ctx(ctx).Info().
		Int("tasks", len(claimed)).
		Int("concurrency", n).
		Str("credential", cred.Provenance).
		Msg("starting video batch")

	var (
		succeeded atomic.Int32
		failed    atomic.Int32
		started   atomic.Int32
		g         errgroup.Group
	)
	g.SetLimit(n)
	for _, t := range claimed {
		if ctx.Err() != nil {
			o.release(ctx, t)
			continue
		}
		g.Go(func() error {
			// a cancelled batch starts nothing new
			if ctx.Err() != nil {
				o.release(ctx, t)
				return nil
			}
			started.Add(1)
			if o.runTask(ctx, cred, app, t) {
				succeeded.Add(1)
			} else {
				failed.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	res := domain.BatchResult{
		Success:   true,
		Total:     len(claimed),
		Succeeded: int(succeeded.Load()),
		Failed:    int(failed.Load()),
	}
	res.Message = fmt.Sprintf("processed %d task(s): %d succeeded, %d failed", started.Load(), res.Succeeded, res.Failed)
	if err := ctx.Err(); err != nil {
		res.Success = false
		res.Message = fmt.Sprintf("batch cancelled, %s", res.Message)
		log.Ctx(ctx).Warn().Err(err).Msg(res.Message)
		return res, err
	}

	log.Ctx(ctx).Info().
		Int("succeeded", res.Succeeded).
		Int("failed", res.Failed).
		Msg("video batch finished")
	return res, nil
}

// taskRun tracks one task's pipeline.
type taskRun struct {
	o      *Orchestrator
	number string
	phase  domain.Phase
}

func (o *Orchestrator) runTask(ctx context.Context, cred Credential, app domain.AppData, t domain.VideoTask) bool {
	logger := log.Ctx(ctx).With().Str("number", t.Number).Logger()
	ctx = logger.WithContext(ctx)

	r := &taskRun{o: o, number: t.Number, phase: domain.PhaseQueued}
	if err := r.pipeline(ctx, cred, app, t); err != nil {
		msg := failureMessage(err)
		logger.Error().Err(err).Str("phase", string(r.phase)).Msg("video task failed")
		if terr := r.transition(ctx, domain.PhaseFailed, domain.TaskPatch{ErrorMsg: &msg}); terr != nil {
			logger.Error().Err(terr).Msg("could not record task failure")
		}
		return false
	}
	logger.Info().Msg("video task succeeded")
	return true
}

func (r *taskRun) pipeline(ctx context.Context, cred Credential, app domain.AppData, t domain.VideoTask) error {
	o := r.o

	if err := r.transition(ctx, domain.PhaseSubmitting, domain.TaskPatch{
		ErrorMsg:      domain.Ptr(""),
		Progress:      domain.Ptr(progressSubmitting),
		ResetProgress: true,
	}); err != nil {
		return err
	}

	jobID, err := o.Provider.Submit(ctx, cred.Secret, BuildSubmitRequest(t, o.Cfg.Model))
	if err != nil {
		return fmt.Errorf("submit: %w", err)
	}
	if err := r.transition(ctx, domain.PhaseSubmitted, domain.TaskPatch{
		ProviderTaskID: &jobID,
		Progress:       domain.Ptr(progressSubmitted),
	}); err != nil {
		return err
	}

	urls, err := r.poll(ctx, cred, jobID)
	if err != nil {
		return err
	}

	if err := r.transition(ctx, domain.PhaseDownloading, domain.TaskPatch{
		Progress: domain.Ptr(progressDownloading),
	}); err != nil {
		return err
	}

	dir := strings.TrimSpace(app.VideoSettings.SavePath)
	if dir == "" {
		dir = DefaultSavePath
	}
	dl, err := o.Downloader.Download(ctx, urls[0], t.Number, dir)
	if err != nil {
		return err
	}

	return r.transition(ctx, domain.PhaseSucceeded, domain.TaskPatch{
		Progress:       domain.Ptr(progressDone),
		ErrorMsg:       domain.Ptr(""),
		LocalPath:      &dl.RelativePath,
		ActualFilename: &dl.Filename,
		RemoteURL:      &urls[0],
	})
}

// poll waits for the provider to finish jobID and returns its result URLs.
func (r *taskRun) poll(ctx context.Context, cred Credential, jobID string) ([]string, error) {
	o := r.o
	limit := o.Cfg.PollMaxAttempts

	for attempt := 1; attempt <= limit; attempt++ {
		if err := sleep(ctx, o.Cfg.PollInterval); err != nil {
			return nil, err
		}

		res, err := o.Provider.Poll(ctx, cred.Secret, jobID)
		if err != nil {
			return nil, fmt.Errorf("poll: %w", err)
		}

		switch {
		case res.State == ports.PollSucceeded && len(res.ResultURLs) > 0:
			return res.ResultURLs, nil
		case res.State == ports.PollFailed:
			msg := res.Error
			if msg == "" {
				msg = "provider reported generation failure"
			}
			return nil, errors.New(msg)
		}

		log.Ctx(ctx).Debug().Int("attempt", attempt).Str("job_id", jobID).Msg("video still generating")
		label := domain.PhasePolling.Label(attempt, limit)
		if err := r.transition(ctx, domain.PhasePolling, domain.TaskPatch{
			StatusLabel: &label,
			Progress:    domain.Ptr(pollProgress(attempt, limit)),
		}); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("polling timed out after %d attempts", limit)
}

// release hands a claimed task that never started back to the phase it was
// claimed from.
func (o *Orchestrator) release(ctx context.Context, t domain.VideoTask) {
	r := &taskRun{o: o, number: t.Number, phase: domain.PhaseQueued}
	if err := r.transition(ctx, t.Status, domain.TaskPatch{}); err != nil {
		log.Ctx(ctx).Error().Err(err).Str("number", t.Number).Msg("could not release claimed task")
	}
}

// transition validates and persists a phase change. The write is not bound to
// ctx so failures caused by cancellation are still recorded.
func (r *taskRun) transition(ctx context.Context, to domain.Phase, p domain.TaskPatch) error {
	if !domain.CanTransition(r.phase, to) {
		return fmt.Errorf("invalid task transition %q -> %q", r.phase, to)
	}
	p.Status = &to
	if p.StatusLabel == nil {
		p.StatusLabel = domain.Ptr(to.Label(0, 0))
	}
	if _, err := r.o.Tasks.Patch(context.WithoutCancel(ctx), r.number, p); err != nil {
		return fmt.Errorf("persist %s: %w", to, err)
	}
	r.phase = to
	return nil
}

// BuildSubmitRequest maps a task onto the provider generate body.
func BuildSubmitRequest(t domain.VideoTask, model string) ports.SubmitRequest {
	req := ports.SubmitRequest{
		Prompt:            t.Prompt,
		ImageURLs:         t.ImageURLs,
		Model:             model,
		AspectRatio:       strings.TrimSpace(t.AspectRatio),
		EnableFallback:    t.EnableFallback,
		EnableTranslation: t.EnableTranslation,
		Watermark:         strings.TrimSpace(t.Watermark),
		CallbackURL:       strings.TrimSpace(t.CallbackURL),
	}
	if req.ImageURLs == nil {
		req.ImageURLs = []string{}
	}
	if req.AspectRatio == "" {
		req.AspectRatio = DefaultAspectRatio
	}
	if s := strings.TrimSpace(t.Seeds); s != "" {
		if v, err := strconv.ParseFloat(s, 64); err == nil && !math.IsInf(v, 0) && !math.IsNaN(v) {
			req.Seeds = &v
		}
	}
	return req
}

// pollProgress climbs from the submitted value toward the poll ceiling
// without reaching it.
func pollProgress(attempt, max int) int {
	span := progressPollCeiling - progressSubmitted
	p := progressSubmitted + attempt*span/max
	return min(p, progressPollCeiling-1)
}

func failureMessage(err error) string {
	if errors.Is(err, context.Canceled) {
		return "batch cancelled before the task finished"
	}
	return err.Error()
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
