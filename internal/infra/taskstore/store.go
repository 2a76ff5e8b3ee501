package taskstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"vidbatch/internal/domain"
	"vidbatch/internal/infra/docstore"
	"vidbatch/internal/ports"
)

var (
	ErrTaskNotFound    = errors.New("video task not found")
	ErrDuplicateNumber = errors.New("video task number already exists")
	ErrNumberRequired  = errors.New("video task number is required")
	ErrTaskBusy        = errors.New("video task is being generated")
)

var _ ports.TaskStore = (*Store)(nil)

type tasksDoc struct {
	Tasks []domain.VideoTask `json:"tasks"`
}

// Store is the video task collection kept in the tasks document. Every
// mutation splices a single record into the latest copy of the document.
type Store struct {
	docs *docstore.Store
	now  func() time.Time
}

func New(docs *docstore.Store) *Store {
	return &Store{docs: docs, now: time.Now}
}

func (s *Store) List(ctx context.Context) ([]domain.VideoTask, error) {
	var doc tasksDoc
	if err := s.docs.Read(docstore.Tasks, &doc); err != nil {
		return nil, err
	}
	if doc.Tasks == nil {
		doc.Tasks = []domain.VideoTask{}
	}
	return doc.Tasks, nil
}

// Get returns the first task whose number matches.
func (s *Store) Get(ctx context.Context, number string) (*domain.VideoTask, error) {
	tasks, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	if i := indexOf(tasks, number); i >= 0 {
		return &tasks[i], nil
	}
	return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, number)
}

func (s *Store) Create(ctx context.Context, t domain.VideoTask) (*domain.VideoTask, error) {
	t.Number = strings.TrimSpace(t.Number)
	if t.Number == "" {
		return nil, ErrNumberRequired
	}

	now := s.now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	if t.Status == "" {
		t.Status = domain.PhaseWaiting
	}
	if t.StatusLabel == "" {
		t.StatusLabel = t.Status.Label(0, 0)
	}
	if t.ImageURLs == nil {
		t.ImageURLs = []string{}
	}

	var doc tasksDoc
	err := s.docs.Update(docstore.Tasks, &doc, func() error {
		if indexOf(doc.Tasks, t.Number) >= 0 {
			return fmt.Errorf("%w: %s", ErrDuplicateNumber, t.Number)
		}
		doc.Tasks = append(doc.Tasks, t)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *Store) Patch(ctx context.Context, number string, p domain.TaskPatch) (*domain.VideoTask, error) {
	var (
		doc     tasksDoc
		updated domain.VideoTask
	)
	err := s.docs.Update(docstore.Tasks, &doc, func() error {
		i := indexOf(doc.Tasks, number)
		if i < 0 {
			return fmt.Errorf("%w: %s", ErrTaskNotFound, number)
		}
		p.Apply(&doc.Tasks[i])
		doc.Tasks[i].UpdatedAt = s.now()
		updated = doc.Tasks[i]
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

// Delete removes the first task whose number matches.
func (s *Store) Delete(ctx context.Context, number string) error {
	var doc tasksDoc
	return s.docs.Update(docstore.Tasks, &doc, func() error {
		i := indexOf(doc.Tasks, number)
		if i < 0 {
			return fmt.Errorf("%w: %s", ErrTaskNotFound, number)
		}
		doc.Tasks = append(doc.Tasks[:i], doc.Tasks[i+1:]...)
		return nil
	})
}

func (s *Store) Reset(ctx context.Context, number string, force bool) (*domain.VideoTask, error) {
	var (
		doc     tasksDoc
		updated domain.VideoTask
	)
	err := s.docs.Update(docstore.Tasks, &doc, func() error {
		i := indexOf(doc.Tasks, number)
		if i < 0 {
			return fmt.Errorf("%w: %s", ErrTaskNotFound, number)
		}
		t := &doc.Tasks[i]
		if !force && t.Status != domain.PhaseWaiting && !t.Status.Terminal() {
			return fmt.Errorf("%w: %s is %s", ErrTaskBusy, number, t.Status)
		}
		t.Status = domain.PhaseWaiting
		t.StatusLabel = domain.PhaseWaiting.Label(0, 0)
		t.Progress = 0
		t.ErrorMsg = ""
		t.ProviderTaskID = ""
		t.LocalPath = ""
		t.ActualFilename = ""
		t.RemoteURL = ""
		t.RunID = ""
		t.UpdatedAt = s.now()
		updated = *t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

var errNothingClaimed = errors.New("nothing claimed")

func (s *Store) Claim(ctx context.Context, runID string, pick func([]domain.VideoTask) []domain.VideoTask) ([]domain.VideoTask, error) {
	var (
		doc     tasksDoc
		claimed []domain.VideoTask
	)
	err := s.docs.Update(docstore.Tasks, &doc, func() error {
		now := s.now()
		for _, p := range pick(doc.Tasks) {
			i := indexOf(doc.Tasks, p.Number)
			if i < 0 || !doc.Tasks[i].Status.Eligible() {
				continue
			}
			t := &doc.Tasks[i]
			claimed = append(claimed, *t)
			t.Status = domain.PhaseQueued
			t.StatusLabel = domain.PhaseQueued.Label(0, 0)
			t.RunID = runID
			t.UpdatedAt = now
		}
		if len(claimed) == 0 {
			return errNothingClaimed
		}
		return nil
	})
	if errors.Is(err, errNothingClaimed) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func indexOf(tasks []domain.VideoTask, number string) int {
	for i := range tasks {
		if tasks[i].Number == number {
			return i
		}
	}
	return -1
}
