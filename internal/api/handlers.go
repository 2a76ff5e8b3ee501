package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"

	"vidbatch/internal/domain"
	"vidbatch/internal/infra/docstore"
	"vidbatch/internal/infra/taskstore"
	"vidbatch/internal/usecase"
)

const maxBodyBytes = 4 << 20

type createTaskReq struct {
	Number            string   `json:"number" validate:"required,max=128"`
	Prompt            string   `json:"prompt" validate:"required"`
	ImageURLs         []string `json:"imageUrls" validate:"dive,url"`
	AspectRatio       string   `json:"aspectRatio" validate:"omitempty,max=16"`
	Watermark         string   `json:"watermark"`
	CallbackURL       string   `json:"callbackUrl" validate:"omitempty,url"`
	Seeds             string   `json:"seeds"`
	EnableFallback    bool     `json:"enableFallback"`
	EnableTranslation bool     `json:"enableTranslation"`
}

type batchReq struct {
	Numbers []string `json:"numbers"`
	RunAt   *int64   `json:"run_at_ms"` // optional delayed
}

type messageResp struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) getDocument(w http.ResponseWriter, r *http.Request) {
	raw, err := s.deps.Docs.ReadRaw(chi.URLParam(r, "name"))
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(raw)
}

func (s *Server) putDocument(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if name == docstore.Tasks {
		writeError(w, http.StatusBadRequest, "video tasks are changed through /api/video/tasks")
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.deps.Docs.WriteRaw(name, body); err != nil {
		if errors.Is(err, docstore.ErrUnknownDocument) {
			writeStoreError(w, r, err)
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, messageResp{Success: true})
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.deps.Tasks.List(r.Context())
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskReq
	if !s.decode(w, r, &req) {
		return
	}

	t, err := s.deps.Tasks.Create(r.Context(), domain.VideoTask{
		Number:            req.Number,
		Prompt:            req.Prompt,
		ImageURLs:         req.ImageURLs,
		AspectRatio:       req.AspectRatio,
		Watermark:         req.Watermark,
		CallbackURL:       req.CallbackURL,
		Seeds:             req.Seeds,
		EnableFallback:    req.EnableFallback,
		EnableTranslation: req.EnableTranslation,
		Status:            domain.PhaseWaiting,
	})
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.deps.Tasks.Get(r.Context(), chi.URLParam(r, "number"))
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) deleteTask(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Tasks.Delete(r.Context(), chi.URLParam(r, "number")); err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResp{Success: true})
}

// resetTask returns a task to waiting. ?force=true also resets a task stuck
// mid-run after its process died.
func (s *Server) resetTask(w http.ResponseWriter, r *http.Request) {
	force, _ := strconv.ParseBool(r.URL.Query().Get("force"))
	t, err := s.deps.Tasks.Reset(r.Context(), chi.URLParam(r, "number"), force)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// startBatch blocks until every task of the batch is terminal. The batch
// keeps running if the client goes away.
func (s *Server) startBatch(w http.ResponseWriter, r *http.Request) {
	var req batchReq
	if !s.decode(w, r, &req) {
		return
	}

	ctx := context.WithoutCancel(r.Context())
	res, err := s.deps.Runner.StartBatch(ctx, req.Numbers)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, usecase.ErrNoCredential) {
			status = http.StatusBadRequest
		}
		log.Ctx(ctx).Error().Err(err).Msg("batch aborted")
		writeJSON(w, status, messageResp{Success: false, Message: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) enqueueBatch(w http.ResponseWriter, r *http.Request) {
	if s.deps.Enqueuer == nil {
		writeError(w, http.StatusServiceUnavailable, "asynchronous batches need Redis_Address to be configured")
		return
	}
	var req batchReq
	if !s.decode(w, r, &req) {
		return
	}

	j := domain.BatchJob{Numbers: req.Numbers}
	var (
		id  string
		err error
	)
	if req.RunAt != nil {
		id, err = s.deps.Enqueuer.At(r.Context(), j, time.UnixMilli(*req.RunAt))
	} else {
		id, err = s.deps.Enqueuer.Now(r.Context(), j)
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"id": id})
}

func (s *Server) getBatch(w http.ResponseWriter, r *http.Request) {
	if s.deps.Queue == nil {
		writeError(w, http.StatusServiceUnavailable, "asynchronous batches need Redis_Address to be configured")
		return
	}
	j, err := s.deps.Queue.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if j == nil {
		writeError(w, http.StatusNotFound, "batch not found")
		return
	}
	writeJSON(w, http.StatusOK, j)
}

// decode reads and validates a JSON body. An empty body decodes to the zero
// value.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v)
	if err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, err.Error())
		return false
	}
	if err := s.validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			writeError(w, http.StatusBadRequest, verrs.Error())
			return false
		}
		var invalid *validator.InvalidValidationError
		if !errors.As(err, &invalid) {
			writeError(w, http.StatusBadRequest, err.Error())
			return false
		}
	}
	return true
}

func writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, taskstore.ErrTaskNotFound), errors.Is(err, docstore.ErrUnknownDocument):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, taskstore.ErrDuplicateNumber), errors.Is(err, taskstore.ErrTaskBusy):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, taskstore.ErrNumberRequired):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		log.Ctx(r.Context()).Error().Err(err).Msg("store failure")
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, messageResp{Success: false, Message: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
