package domain

import (
	"fmt"
	"time"
)

// Phase is the machine state of a video task.
type Phase string

const (
	PhaseWaiting     Phase = "waiting"
	PhaseQueued      Phase = "queued"
	PhaseSubmitting  Phase = "submitting"
	PhaseSubmitted   Phase = "submitted"
	PhasePolling     Phase = "polling"
	PhaseDownloading Phase = "downloading"
	PhaseSucceeded   Phase = "succeeded"
	PhaseFailed      Phase = "failed"
)

var allowedTransitions = map[Phase]map[Phase]bool{
	PhaseWaiting: {
		PhaseQueued: true,
	},
	// claimed by a batch run, released back when the run never starts it
	PhaseQueued: {
		PhaseSubmitting: true,
		PhaseWaiting:    true,
		PhaseFailed:     true,
	},
	PhaseSubmitting: {
		PhaseSubmitted: true,
		PhaseFailed:    true,
	},
	PhaseSubmitted: {
		PhasePolling:     true,
		PhaseDownloading: true,
		PhaseFailed:      true,
	},
	PhasePolling: {
		PhasePolling:     true,
		PhaseDownloading: true,
		PhaseFailed:      true,
	},
	PhaseDownloading: {
		PhaseSucceeded: true,
		PhaseFailed:    true,
	},
	PhaseSucceeded: {
		PhaseWaiting: true, // operator reset
	},
	PhaseFailed: {
		PhaseQueued:  true,
		PhaseWaiting: true,
	},
}

func (p Phase) Known() bool {
	_, ok := allowedTransitions[p]
	return ok
}

// Eligible reports whether a new batch may pick the task up.
func (p Phase) Eligible() bool {
	return p == PhaseWaiting || p == PhaseFailed
}

func (p Phase) Terminal() bool {
	return p == PhaseSucceeded || p == PhaseFailed
}

func CanTransition(from, to Phase) bool {
	return allowedTransitions[from][to]
}

// Label renders the human readable status. attempt and maxAttempts are only
// used while polling.
func (p Phase) Label(attempt, maxAttempts int) string {
	switch p {
	case PhaseWaiting:
		return "Waiting"
	case PhaseQueued:
		return "Queued"
	case PhaseSubmitting:
		return "Generating"
	case PhaseSubmitted:
		return "Submitted, awaiting processing"
	case PhasePolling:
		if maxAttempts > 0 {
			return fmt.Sprintf("Generating (poll %d/%d)", attempt, maxAttempts)
		}
		return "Generating"
	case PhaseDownloading:
		return "Downloading"
	case PhaseSucceeded:
		return "Succeeded"
	case PhaseFailed:
		return "Failed"
	default:
		return string(p)
	}
}

type VideoTask struct {
	Number            string    `json:"number"`
	Prompt            string    `json:"prompt"`
	ImageURLs         []string  `json:"imageUrls"`
	AspectRatio       string    `json:"aspectRatio,omitempty"`
	Watermark         string    `json:"watermark,omitempty"`
	CallbackURL       string    `json:"callbackUrl,omitempty"`
	Seeds             string    `json:"seeds,omitempty"`
	EnableFallback    bool      `json:"enableFallback"`
	EnableTranslation bool      `json:"enableTranslation"`
	Status            Phase     `json:"status"`
	StatusLabel       string    `json:"statusLabel,omitempty"`
	Progress          int       `json:"progress"`
	ProviderTaskID    string    `json:"providerTaskId,omitempty"`
	ErrorMsg          string    `json:"errorMsg"`
	LocalPath         string    `json:"localPath,omitempty"`
	ActualFilename    string    `json:"actualFilename,omitempty"`
	RemoteURL         string    `json:"remoteUrl,omitempty"`
	RunID             string    `json:"runId,omitempty"`
	CreatedAt         time.Time `json:"createdAt"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

// TaskPatch carries the fields a phase transition changes. Nil fields are
// left untouched.
type TaskPatch struct {
	Status         *Phase
	StatusLabel    *string
	Progress       *int
	ProviderTaskID *string
	ErrorMsg       *string
	LocalPath      *string
	ActualFilename *string
	RemoteURL      *string

	// ResetProgress assigns Progress as given. A new run starts over from it.
	ResetProgress bool
}

// Apply merges p into t. Progress never decreases unless ResetProgress is
// set.
func (p TaskPatch) Apply(t *VideoTask) {
	if p.Status != nil {
		t.Status = *p.Status
	}
	if p.StatusLabel != nil {
		t.StatusLabel = *p.StatusLabel
	}
	if p.Progress != nil {
		v := min(max(*p.Progress, 0), 100)
		if p.ResetProgress {
			t.Progress = v
		} else {
			t.Progress = max(t.Progress, v)
		}
	}
	if p.ProviderTaskID != nil {
		t.ProviderTaskID = *p.ProviderTaskID
	}
	if p.ErrorMsg != nil {
		t.ErrorMsg = *p.ErrorMsg
	}
	if p.LocalPath != nil {
		t.LocalPath = *p.LocalPath
	}
	if p.ActualFilename != nil {
		t.ActualFilename = *p.ActualFilename
	}
	if p.RemoteURL != nil {
		t.RemoteURL = *p.RemoteURL
	}
}

func Ptr[T any](v T) *T { return &v }
