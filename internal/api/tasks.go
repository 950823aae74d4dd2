package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/nightshade-ops/warden/internal/scheduler"
	"github.com/nightshade-ops/warden/internal/store"
)

type TasksHandler struct {
	store     store.Store
	scheduler *scheduler.Scheduler
}

func NewTasksHandler(s store.Store, sched *scheduler.Scheduler) *TasksHandler {
	return &TasksHandler{store: s, scheduler: sched}
}

type CreateTaskRequest struct {
	Type         string                 `json:"type"`
	Priority     string                 `json:"priority,omitempty"`
	Config       map[string]interface{} `json:"config,omitempty"`
	RequiredTags []string               `json:"required_capability_tags,omitempty"`
	MemoryMB     int64                  `json:"memory_mb"`
	Slots        int                    `json:"slots,omitempty"`
	AffinityHint string                 `json:"affinity_hint,omitempty"`
	MaxRetries   int                    `json:"max_retries,omitempty"`
}

var validPriorities = map[store.PriorityClass]bool{
	store.PriorityCritical: true,
	store.PriorityHigh:     true,
	store.PriorityNormal:   true,
	store.PriorityLow:      true,
	store.PriorityIdle:     true,
}

func (h *TasksHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.Type == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "type required"})
		return
	}
	if req.MemoryMB <= 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "memory_mb must be positive"})
		return
	}
	if req.Priority != "" && !validPriorities[store.PriorityClass(req.Priority)] {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown priority class"})
		return
	}

	task := &store.Task{
		Type:         req.Type,
		Priority:     store.PriorityClass(req.Priority),
		Config:       req.Config,
		RequiredTags: req.RequiredTags,
		MemoryMB:     req.MemoryMB,
		Slots:        req.Slots,
		AffinityHint: req.AffinityHint,
		MaxRetries:   req.MaxRetries,
	}
	if task.Slots == 0 {
		task.Slots = 1
	}

	if err := h.scheduler.Submit(r.Context(), task); err != nil {
		if errors.Is(err, scheduler.ErrInfeasibleConfig) {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]string{
				"error":  "no resource can ever satisfy this configuration",
				"reason": scheduler.ReasonInfeasible,
			})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusAccepted, task)
}

func (h *TasksHandler) List(w http.ResponseWriter, r *http.Request) {
	filter := store.TaskFilter{
		Type: r.URL.Query().Get("type"),
	}
	if s := r.URL.Query().Get("status"); s != "" {
		status := store.TaskStatus(s)
		filter.Status = &status
	}

	tasks, err := h.store.ListTasks(r.Context(), filter)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if tasks == nil {
		tasks = []*store.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (h *TasksHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid task id"})
		return
	}

	task, err := h.store.GetTask(r.Context(), id)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if task == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "task not found"})
		return
	}
	writeJSON(w, http.StatusOK, task)
}
