package taskstore

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vidbatch/internal/domain"
	"vidbatch/internal/infra/docstore"
)

func newStore(t *testing.T) (*Store, *docstore.Store) {
	t.Helper()
	docs := docstore.New(t.TempDir())
	return New(docs), docs
}

func TestCreateAndGetRoundTrip(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	in := domain.VideoTask{
		Number:            "A-1",
		Prompt:            "a cat surfing",
		ImageURLs:         []string{"https://img.example/1.png", "https://img.example/2.png"},
		AspectRatio:       "9:16",
		Watermark:         "studio",
		CallbackURL:       "https://hook.example",
		Seeds:             "42",
		EnableFallback:    true,
		EnableTranslation: true,
		CreatedAt:         time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	created, err := s.Create(ctx, in)
	require.NoError(t, err)

	got, err := s.Get(ctx, "A-1")
	require.NoError(t, err)

	assert.False(t, got.UpdatedAt.IsZero())
	got.UpdatedAt = created.UpdatedAt
	assert.True(t, created.CreatedAt.Equal(got.CreatedAt))
	got.CreatedAt = created.CreatedAt
	assert.Equal(t, *created, *got)
	assert.Equal(t, domain.PhaseWaiting, got.Status)
	assert.Equal(t, in.ImageURLs, got.ImageURLs)
}

func TestCreateRejectsDuplicateNumber(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	_, err := s.Create(ctx, domain.VideoTask{Number: "A-1"})
	require.NoError(t, err)
	_, err = s.Create(ctx, domain.VideoTask{Number: " A-1 "})
	assert.ErrorIs(t, err, ErrDuplicateNumber)

	_, err = s.Create(ctx, domain.VideoTask{Number: "  "})
	assert.ErrorIs(t, err, ErrNumberRequired)
}

func TestGetFirstMatchWins(t *testing.T) {
	s, docs := newStore(t)
	require.NoError(t, docs.Write(docstore.Tasks, tasksDoc{Tasks: []domain.VideoTask{
		{Number: "dup", Prompt: "first"},
		{Number: "dup", Prompt: "second"},
	}}))

	got, err := s.Get(context.Background(), "dup")
	require.NoError(t, err)
	assert.Equal(t, "first", got.Prompt)

	_, err = s.Patch(context.Background(), "dup", domain.TaskPatch{ErrorMsg: domain.Ptr("x")})
	require.NoError(t, err)
	tasks, err := s.List(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "x", tasks[0].ErrorMsg)
	assert.Empty(t, tasks[1].ErrorMsg)
}

func TestPatchMissingTask(t *testing.T) {
	s, _ := newStore(t)
	_, err := s.Patch(context.Background(), "nope", domain.TaskPatch{})
	assert.ErrorIs(t, err, ErrTaskNotFound)
	assert.ErrorIs(t, s.Delete(context.Background(), "nope"), ErrTaskNotFound)
}

func TestConcurrentPatchesKeepOtherTasks(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	const n = 20
	for i := 0; i < n; i++ {
		_, err := s.Create(ctx, domain.VideoTask{Number: fmt.Sprintf("T-%d", i)})
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			number := fmt.Sprintf("T-%d", i)
			for p := 1; p <= 5; p++ {
				_, err := s.Patch(ctx, number, domain.TaskPatch{
					Progress: domain.Ptr(p * 10),
					ErrorMsg: domain.Ptr(number),
				})
				assert.NoError(t, err)
			}
		}(i)
	}
	wg.Wait()

	tasks, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, tasks, n)
	for _, task := range tasks {
		assert.Equal(t, 50, task.Progress, task.Number)
		assert.Equal(t, task.Number, task.ErrorMsg)
	}
}

func TestDelete(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()
	_, err := s.Create(ctx, domain.VideoTask{Number: "a"})
	require.NoError(t, err)
	_, err = s.Create(ctx, domain.VideoTask{Number: "b"})
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, "a"))
	tasks, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "b", tasks[0].Number)
}

func TestLoadAppData(t *testing.T) {
	docs := docstore.New(t.TempDir())
	require.NoError(t, docs.Write(docstore.Config, domain.Config{
		ApiSettings:   domain.ApiSettings{ThreadCount: 4},
		VideoSettings: domain.VideoSettings{APIKey: "sk-cfg", SavePath: "public/out"},
	}))
	require.NoError(t, docs.Write(docstore.Keys, keysDoc{Keys: []domain.KeyEntry{
		{Name: "main", Platform: "KIE", Key: "sk-lib"},
	}}))

	app, err := NewSettings(docs).LoadAppData(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, app.Concurrency())
	assert.Equal(t, "sk-cfg", app.VideoSettings.APIKey)
	require.Len(t, app.KeyLibrary, 1)
	assert.Equal(t, "sk-lib", app.KeyLibrary[0].Key)
}

func TestResetTerminalTask(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()
	_, err := s.Create(ctx, domain.VideoTask{
		Number:    "done",
		Status:    domain.PhaseSucceeded,
		Progress:  100,
		LocalPath: "/videos/done.mp4",
	})
	require.NoError(t, err)
	_, err = s.Create(ctx, domain.VideoTask{Number: "busy", Status: domain.PhasePolling, Progress: 40})
	require.NoError(t, err)

	got, err := s.Reset(ctx, "done", false)
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseWaiting, got.Status)
	assert.Equal(t, 0, got.Progress)
	assert.Empty(t, got.LocalPath)

	_, err = s.Reset(ctx, "busy", false)
	assert.ErrorIs(t, err, ErrTaskBusy)

	got, err = s.Reset(ctx, "busy", true)
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseWaiting, got.Status)
	assert.Equal(t, 0, got.Progress)
}

func pickAll(tasks []domain.VideoTask) []domain.VideoTask {
	return tasks
}

func TestClaimMarksEligibleTasksQueued(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()
	for _, task := range []domain.VideoTask{
		{Number: "new"},
		{Number: "retry", Status: domain.PhaseFailed, Progress: 89, ErrorMsg: "boom"},
		{Number: "done", Status: domain.PhaseSucceeded},
		{Number: "busy", Status: domain.PhasePolling},
	} {
		_, err := s.Create(ctx, task)
		require.NoError(t, err)
	}

	claimed, err := s.Claim(ctx, "run-1", pickAll)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	assert.Equal(t, "new", claimed[0].Number)
	assert.Equal(t, domain.PhaseWaiting, claimed[0].Status)
	assert.Equal(t, domain.PhaseFailed, claimed[1].Status)

	retry, err := s.Get(ctx, "retry")
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseQueued, retry.Status)
	assert.Equal(t, "run-1", retry.RunID)
	assert.Equal(t, "boom", retry.ErrorMsg)

	busy, err := s.Get(ctx, "busy")
	require.NoError(t, err)
	assert.Equal(t, domain.PhasePolling, busy.Status)
	assert.Empty(t, busy.RunID)

	again, err := s.Claim(ctx, "run-2", pickAll)
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestConcurrentClaimsNeverShareATask(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	seed := New(docstore.New(dir))
	const total = 20
	for i := 0; i < total; i++ {
		_, err := seed.Create(ctx, domain.VideoTask{Number: fmt.Sprintf("T%02d", i)})
		require.NoError(t, err)
	}

	var (
		mu    sync.Mutex
		owner = map[string]string{}
		wg    sync.WaitGroup
	)
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			runID := fmt.Sprintf("run-%d", r)
			claimed, err := New(docstore.New(dir)).Claim(ctx, runID, pickAll)
			assert.NoError(t, err)
			mu.Lock()
			defer mu.Unlock()
			for _, c := range claimed {
				assert.Empty(t, owner[c.Number], c.Number)
				owner[c.Number] = runID
			}
		}()
	}
	wg.Wait()
	assert.Len(t, owner, total)
}
