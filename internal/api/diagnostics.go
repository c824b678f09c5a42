package api

import (
	"net/http"
	"runtime"
	"time"
)

type DiagnosticsInfo struct {
	HTTPAddr string `json:"http_addr"`
	NATSURL  string `json:"nats_url"`
	DBPath   string `json:"db_path"`
	WorkerID int    `json:"worker_id"`
}

type DiagnosticsResponse struct {
	Time          time.Time       `json:"time"`
	StartedAt     time.Time       `json:"started_at"`
	UptimeSeconds int64           `json:"uptime_seconds"`
	GoVersion     string          `json:"go_version"`
	Info          DiagnosticsInfo `json:"info"`
	Gateway       map[string]any  `json:"gateway"`
}

func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	now := time.Now().UTC()
	started := s.StartedAt
	if started.IsZero() {
		started = now
	}
	resp := DiagnosticsResponse{
		Time:          now,
		StartedAt:     started,
		UptimeSeconds: int64(now.Sub(started).Seconds()),
		GoVersion:     runtime.Version(),
		Info:          s.Info,
		Gateway:       map[string]any{},
	}
	if s.Gateway != nil {
		resp.Gateway["connections"] = s.Gateway.ConnCount()
	}
	writeJSON(w, http.StatusOK, resp)
}
