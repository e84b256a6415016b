package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/jagc-sh/jagc/internal/store"
	"github.com/jagc-sh/jagc/internal/tasks"
)

type createTaskRequest struct {
	Title            string                `json:"title"`
	Instructions     string                `json:"instructions"`
	ScheduleKind     string                `json:"schedule_kind"`
	OnceAt           *time.Time            `json:"once_at,omitempty"`
	CronExpr         string                `json:"cron_expr,omitempty"`
	RRuleExpr        string                `json:"rrule_expr,omitempty"`
	Timezone         string                `json:"timezone,omitempty"`
	Enabled          *bool                 `json:"enabled,omitempty"`
	CreatorThreadKey string                `json:"creator_thread_key"`
	OwnerUserKey     string                `json:"owner_user_key,omitempty"`
	DeliveryTarget   *store.DeliveryTarget `json:"delivery_target,omitempty"`
}

type updateTaskRequest struct {
	Title          *string               `json:"title,omitempty"`
	Instructions   *string               `json:"instructions,omitempty"`
	ScheduleKind   *string               `json:"schedule_kind,omitempty"`
	OnceAt         *time.Time            `json:"once_at,omitempty"`
	CronExpr       *string               `json:"cron_expr,omitempty"`
	RRuleExpr      *string               `json:"rrule_expr,omitempty"`
	Timezone       *string               `json:"timezone,omitempty"`
	Enabled        *bool                 `json:"enabled,omitempty"`
	DeliveryTarget *store.DeliveryTarget `json:"delivery_target,omitempty"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed body: "+err.Error())
		return
	}
	if req.Title == "" || req.Instructions == "" {
		writeError(w, http.StatusBadRequest, "invalid_task_payload", "title and instructions are required")
		return
	}
	if req.Timezone == "" {
		req.Timezone = "UTC"
	}

	kind := store.ScheduleKind(req.ScheduleKind)
	next, err := tasks.ValidateSchedule(kind, req.OnceAt, req.CronExpr, req.RRuleExpr, req.Timezone, time.Now())
	if err != nil {
		respondError(w, err)
		return
	}

	target := store.DeliveryTarget{Provider: "none"}
	if req.DeliveryTarget != nil {
		target = *req.DeliveryTarget
	}
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	task, err := s.store.CreateTask(r.Context(), &store.NewTask{
		Title:            req.Title,
		Instructions:     req.Instructions,
		ScheduleKind:     kind,
		OnceAt:           req.OnceAt,
		CronExpr:         req.CronExpr,
		RRuleExpr:        req.RRuleExpr,
		Timezone:         req.Timezone,
		Enabled:          enabled,
		NextRunAt:        next,
		CreatorThreadKey: req.CreatorThreadKey,
		OwnerUserKey:     req.OwnerUserKey,
		DeliveryTarget:   target,
	})
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]*store.ScheduledTask{"task": task})
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	var filter store.TaskFilter
	if v := r.URL.Query().Get("enabled"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "enabled must be a boolean")
			return
		}
		filter.Enabled = &enabled
	}
	filter.CreatorThreadKey = r.URL.Query().Get("thread")
	filter.OwnerUserKey = r.URL.Query().Get("owner")

	list, err := s.store.ListTasks(r.Context(), filter)
	if err != nil {
		respondError(w, err)
		return
	}
	if list == nil {
		list = []*store.ScheduledTask{}
	}
	writeJSON(w, http.StatusOK, map[string][]*store.ScheduledTask{"tasks": list})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.store.GetTask(r.Context(), r.PathValue("id"))
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]*store.ScheduledTask{"task": task})
}

// handleUpdateTask applies a partial update. Any schedule-field change
// re-validates the whole schedule and recomputes next_run_at.
func (s *Server) handleUpdateTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req updateTaskRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed body: "+err.Error())
		return
	}

	current, err := s.store.GetTask(r.Context(), id)
	if err != nil {
		respondError(w, err)
		return
	}

	upd := &store.TaskUpdate{
		Title:          req.Title,
		Instructions:   req.Instructions,
		Enabled:        req.Enabled,
		DeliveryTarget: req.DeliveryTarget,
	}

	scheduleTouched := req.ScheduleKind != nil || req.OnceAt != nil ||
		req.CronExpr != nil || req.RRuleExpr != nil || req.Timezone != nil
	if scheduleTouched {
		kind := current.ScheduleKind
		if req.ScheduleKind != nil {
			kind = store.ScheduleKind(*req.ScheduleKind)
		}
		onceAt := current.OnceAt
		if req.OnceAt != nil {
			onceAt = req.OnceAt
		}
		cronExpr := current.CronExpr
		if req.CronExpr != nil {
			cronExpr = *req.CronExpr
		}
		rruleExpr := current.RRuleExpr
		if req.RRuleExpr != nil {
			rruleExpr = *req.RRuleExpr
		}
		tz := current.Timezone
		if req.Timezone != nil {
			tz = *req.Timezone
		}

		next, err := tasks.ValidateSchedule(kind, onceAt, cronExpr, rruleExpr, tz, time.Now())
		if err != nil {
			respondError(w, err)
			return
		}
		upd.ScheduleKind = &kind
		upd.OnceAt = onceAt
		upd.CronExpr = &cronExpr
		upd.RRuleExpr = &rruleExpr
		upd.Timezone = &tz
		if next != nil {
			upd.NextRunAt = next
		} else {
			upd.ClearNextRunAt = true
		}
	}

	task, err := s.store.UpdateTask(r.Context(), id, upd)
	if err != nil {
		respondError(w, err)
		return
	}
	if req.Title != nil && *req.Title != current.Title && s.engine != nil {
		s.engine.RenameTaskTopic(r.Context(), task)
	}
	writeJSON(w, http.StatusOK, map[string]*store.ScheduledTask{"task": task})
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteTask(r.Context(), r.PathValue("id")); err != nil {
		respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRunTaskNow(w http.ResponseWriter, r *http.Request) {
	if s.engine == nil {
		writeError(w, http.StatusServiceUnavailable, "tasks_unavailable", "task engine is not running")
		return
	}
	taskRun, err := s.engine.RunNow(r.Context(), r.PathValue("id"))
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]*store.TaskRun{"task_run": taskRun})
}

func (s *Server) handleListTaskRuns(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.store.GetTask(r.Context(), id); err != nil {
		respondError(w, err)
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
			return
		}
		limit = n
	}
	list, err := s.store.ListTaskRunsForTask(r.Context(), id, limit)
	if err != nil {
		respondError(w, err)
		return
	}
	if list == nil {
		list = []*store.TaskRun{}
	}
	writeJSON(w, http.StatusOK, map[string][]*store.TaskRun{"task_runs": list})
}
