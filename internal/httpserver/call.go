package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/xogh7882/webRTC-Demo/internal/call"
	"github.com/xogh7882/webRTC-Demo/internal/metrics"
)

const maxControlBodyBytes = 4 << 10

// CallController is the subset of *call.Manager the control API drives.
type CallController interface {
	Connect(roomID string) error
	Disconnect() error
	ToggleMute() (bool, error)
	ToggleVideo() (bool, error)
	Status() call.Status
	Subscribe() (<-chan call.Status, func())
}

type connectRequest struct {
	RoomID string `json:"roomId"`
}

// RegisterCallRoutes mounts /call/* for c. All of them go through the origin
// policy.
func (s *Server) RegisterCallRoutes(c CallController) {
	s.mux.HandleFunc("GET /call/state", s.withOriginPolicy(func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, c.Status())
	}))

	s.mux.HandleFunc("GET /call/events", s.withOriginPolicy(func(w http.ResponseWriter, r *http.Request) {
		s.streamStatus(w, r, c)
	}))

	s.mux.HandleFunc("POST /call/connect", s.withOriginPolicy(func(w http.ResponseWriter, r *http.Request) {
		var req connectRequest
		if err := decodeBody(r, &req); err != nil {
			WriteJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
			return
		}
		if err := c.Connect(req.RoomID); err != nil {
			if errors.Is(err, call.ErrSessionActive) {
				s.metrics.Inc(metrics.ControlConnectsRejected)
			}
			writeCallError(w, err)
			return
		}
		WriteJSON(w, http.StatusAccepted, c.Status())
	}))

	s.mux.HandleFunc("POST /call/disconnect", s.withOriginPolicy(func(w http.ResponseWriter, r *http.Request) {
		if err := c.Disconnect(); err != nil {
			writeCallError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, c.Status())
	}))

	s.mux.HandleFunc("POST /call/mute", s.withOriginPolicy(func(w http.ResponseWriter, r *http.Request) {
		enabled, err := c.ToggleMute()
		if err != nil {
			writeCallError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"audioEnabled": enabled})
	}))

	s.mux.HandleFunc("POST /call/video", s.withOriginPolicy(func(w http.ResponseWriter, r *http.Request) {
		enabled, err := c.ToggleVideo()
		if err != nil {
			writeCallError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"videoEnabled": enabled})
	}))
}

// decodeBody accepts an empty body as the zero value.
func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxControlBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func writeCallError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, call.ErrSessionActive):
		status = http.StatusConflict
	case errors.Is(err, call.ErrNoRoom):
		status = http.StatusBadRequest
	case errors.Is(err, call.ErrClosed):
		status = http.StatusServiceUnavailable
	}
	WriteJSON(w, status, map[string]any{"error": err.Error()})
}

// streamStatus writes every status change as a server-sent event until the
// client goes away.
func (s *Server) streamStatus(w http.ResponseWriter, r *http.Request, c CallController) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	updates, cancel := c.Subscribe()
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case st := <-updates:
			data, err := json.Marshal(st)
			if err != nil {
				s.log.Warn("encode status", "err", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "event: status\ndata: %s\n\n", data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
