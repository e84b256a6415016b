package httpapi

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/jagc-sh/jagc/internal/runner"
	"github.com/jagc-sh/jagc/internal/store"
)

const (
	defaultWaitTimeout = 60 * time.Second
	maxWaitTimeout     = 10 * time.Minute
	maxRequestBody     = 32 << 20
)

type imagePayload struct {
	MimeType   string `json:"mime_type"`
	Filename   string `json:"filename,omitempty"`
	DataBase64 string `json:"data_base64"`
}

type createRunRequest struct {
	Source         string         `json:"source"`
	ThreadKey      string         `json:"thread_key"`
	UserKey        string         `json:"user_key,omitempty"`
	DeliveryMode   string         `json:"delivery_mode,omitempty"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	InputText      string         `json:"input_text"`
	Images         []imagePayload `json:"images,omitempty"`
}

type runResponse struct {
	Run          *store.Run `json:"run"`
	Deduplicated bool       `json:"deduplicated,omitempty"`
}

func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req createRunRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed body: "+err.Error())
		return
	}
	if req.ThreadKey == "" || req.InputText == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "thread_key and input_text are required")
		return
	}
	if req.Source == "" {
		req.Source = "api"
	}
	mode := store.DeliveryMode(req.DeliveryMode)
	switch mode {
	case "", store.DeliveryFollowUp, store.DeliverySteer:
	default:
		writeError(w, http.StatusBadRequest, "invalid_request", fmt.Sprintf("unknown delivery_mode %q", req.DeliveryMode))
		return
	}

	images := make([]store.IngestImage, 0, len(req.Images))
	for i, img := range req.Images {
		data, err := base64.StdEncoding.DecodeString(img.DataBase64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", fmt.Sprintf("images[%d]: bad base64", i))
			return
		}
		images = append(images, store.IngestImage{
			MimeType: img.MimeType, Filename: img.Filename, Bytes: data,
		})
	}

	res, err := s.svc.Ingest(r.Context(), &store.IngestMessage{
		Source:         req.Source,
		ThreadKey:      req.ThreadKey,
		UserKey:        req.UserKey,
		DeliveryMode:   mode,
		IdempotencyKey: req.IdempotencyKey,
		InputText:      req.InputText,
		Images:         images,
	})
	if err != nil {
		respondError(w, err)
		return
	}
	status := http.StatusCreated
	if res.Deduplicated {
		status = http.StatusOK
	}
	writeJSON(w, status, runResponse{Run: res.Run, Deduplicated: res.Deduplicated})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.svc.GetRun(r.Context(), r.PathValue("id"))
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, runResponse{Run: run})
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.svc.Cancel(r.Context(), id); err != nil {
		respondError(w, err)
		return
	}
	run, err := s.svc.GetRun(r.Context(), id)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, runResponse{Run: run})
}

// handleWaitRun blocks until the run settles or the timeout passes. A
// timeout is not an error: the caller gets the still-running run back.
func (s *Server) handleWaitRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	timeout := defaultWaitTimeout
	if v := r.URL.Query().Get("timeout_ms"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil || ms <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_request", "timeout_ms must be a positive integer")
			return
		}
		timeout = min(time.Duration(ms)*time.Millisecond, maxWaitTimeout)
	}

	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()
	run, err := s.svc.WaitTerminal(ctx, id)
	if errors.Is(err, context.DeadlineExceeded) {
		run, err = s.svc.GetRun(r.Context(), id)
	}
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, runResponse{Run: run})
}

// handleRunEvents streams the run's progress as server-sent events and
// closes after the terminal marker.
func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal", "streaming unsupported")
		return
	}

	// Subscribe before the terminal check so a settle between the two is
	// never missed.
	progress, unsubscribe := s.svc.Subscribe(id)
	defer unsubscribe()

	run, err := s.svc.GetRun(r.Context(), id)
	if err != nil {
		respondError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	writeEvent := func(p runner.Progress) {
		data, err := json.Marshal(p)
		if err != nil {
			return
		}
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", p.Type, data)
		flusher.Flush()
	}

	if run.Status.Terminal() {
		writeEvent(runner.Progress{RunID: id, Type: runner.EventTerminal})
		return
	}

	for {
		select {
		case p, ok := <-progress:
			if !ok {
				return
			}
			writeEvent(p)
			if p.Type == runner.EventTerminal {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}

func (s *Server) handleCancelThread(w http.ResponseWriter, r *http.Request) {
	run, err := s.svc.CancelThread(r.Context(), r.PathValue("key"))
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, runResponse{Run: run})
}

func (s *Server) handleActiveRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.svc.ActiveRun(r.Context(), r.PathValue("key"))
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, runResponse{Run: run})
}

func (s *Server) handleResetSession(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.ResetSession(r.Context(), r.PathValue("key")); err != nil {
		respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleShareSession(w http.ResponseWriter, r *http.Request) {
	path, err := s.svc.ShareSession(r.Context(), r.PathValue("key"))
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"path": path})
}
