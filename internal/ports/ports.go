package ports

import (
	"context"
	"time"

	"vidbatch/internal/domain"
)

type TaskStore interface {
	List(ctx context.Context) ([]domain.VideoTask, error)
	Get(ctx context.Context, number string) (*domain.VideoTask, error)
	Create(ctx context.Context, t domain.VideoTask) (*domain.VideoTask, error)
	// Patch locates the first task with number, merges p and stamps UpdatedAt.
	Patch(ctx context.Context, number string, p domain.TaskPatch) (*domain.VideoTask, error)
	Delete(ctx context.Context, number string) error
	// Reset returns a terminal task to waiting so a later batch picks it up.
	// force also resets tasks left mid-run by a process that died.
	Reset(ctx context.Context, number string, force bool) (*domain.VideoTask, error)
	// Claim runs pick over the stored tasks and marks every eligible task it
	// returns as queued for runID, all under one document lock. It returns
	// the claimed tasks as they were before the claim.
	Claim(ctx context.Context, runID string, pick func([]domain.VideoTask) []domain.VideoTask) ([]domain.VideoTask, error)
}

type SettingsStore interface {
	LoadAppData(ctx context.Context) (domain.AppData, error)
}

// SubmitRequest is the provider generate body.
type SubmitRequest struct {
	Prompt            string   `json:"prompt"`
	ImageURLs         []string `json:"imageUrls"`
	Model             string   `json:"model"`
	AspectRatio       string   `json:"aspectRatio"`
	EnableFallback    bool     `json:"enableFallback"`
	EnableTranslation bool     `json:"enableTranslation"`
	Watermark         string   `json:"watermark,omitempty"`
	CallbackURL       string   `json:"callBackUrl,omitempty"`
	Seeds             *float64 `json:"seeds,omitempty"`
}

type PollState int

const (
	PollPending PollState = iota
	PollSucceeded
	PollFailed
)

type PollResult struct {
	State      PollState
	ResultURLs []string
	Error      string
}

type VideoProvider interface {
	Submit(ctx context.Context, apiKey string, req SubmitRequest) (jobID string, err error)
	Poll(ctx context.Context, apiKey, jobID string) (PollResult, error)
}

type Download struct {
	RelativePath string
	Filename     string
}

type Downloader interface {
	Download(ctx context.Context, url, number, dir string) (Download, error)
}

type Queue interface {
	Enqueue(ctx context.Context, j domain.BatchJob) (string, error)
	EnqueueDelayed(ctx context.Context, j domain.BatchJob, runAt time.Time) (string, error)
	Claim(ctx context.Context, consumer string, block time.Duration) (*domain.BatchJob, string /*streamID*/, error)
	Ack(ctx context.Context, streamID string) error
	Fail(ctx context.Context, streamID string, j domain.BatchJob, err error) error
	ToDLQ(ctx context.Context, streamID string, j domain.BatchJob, reason string) error
	SaveState(ctx context.Context, j domain.BatchJob) error
	Get(ctx context.Context, id string) (*domain.BatchJob, error)
}

type Scheduler interface {
	// moves due batches from ZSET into the stream
	Run(ctx context.Context) error
}
