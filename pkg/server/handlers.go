package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/yleoer/mp3proxy/pkg/relay"
	"github.com/yleoer/mp3proxy/pkg/stations"
	"github.com/yleoer/mp3proxy/pkg/transcode"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 200
)

type errorBody struct {
	Error  string `json:"error"`
	Song   string `json:"song,omitempty"`
	Artist string `json:"artist,omitempty"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("-> failed to write response", "err", err)
	}
}

// statusOf 把 relay 的错误映射为 HTTP 状态码
func statusOf(err error) int {
	var bad *relay.BadRequestError
	var nf *relay.NotFoundError
	switch {
	case errors.As(err, &bad):
		return http.StatusBadRequest
	case errors.As(err, &nf):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	song := r.URL.Query().Get("song")
	artist := r.URL.Query().Get("artist")

	res, err := s.svc.Search(r.Context(), song, artist)
	if err != nil {
		status := statusOf(err)
		body := errorBody{Song: song, Artist: artist}
		switch status {
		case http.StatusBadRequest:
			body.Error = "Missing song parameter"
		case http.StatusNotFound:
			body.Error = "Song not found"
		default:
			body.Error = "Search failed"
			s.logger.Error("-> search failed", "song", song, "artist", artist, "err", err, "request_id", middleware.GetReqID(r.Context()))
		}
		s.writeJSON(w, status, body)
		return
	}

	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleAudio(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	// stream 参数优先于 id
	if token := q.Get("stream"); token != "" {
		if st, ok := s.svc.Station(token); ok {
			s.serveLive(w, r, st)
			return
		}
	}

	id := q.Get("id")
	if id == "" {
		http.Error(w, "missing id or stream parameter", http.StatusBadRequest)
		return
	}

	data, err := s.svc.FetchAudio(r.Context(), id)
	if err != nil {
		if r.Context().Err() != nil {
			return
		}
		s.logger.Error("-> audio fetch failed", "id", id, "err", err, "request_id", middleware.GetReqID(r.Context()))
		http.Error(w, "failed to fetch audio", statusOf(err))
		return
	}

	h := w.Header()
	h.Set("Content-Type", "audio/mpeg")
	h.Set("Accept-Ranges", "bytes")
	h.Set("Cache-Control", "public, max-age=3600")
	http.ServeContent(w, r, "", time.Time{}, bytes.NewReader(data))
	s.metrics.BytesServed("cache", len(data))
}

func (s *Server) serveLive(w http.ResponseWriter, r *http.Request, st stations.Station) {
	err := s.live.Serve(w, r, st)
	if err == nil {
		return
	}

	var se *transcode.StartError
	if errors.As(err, &se) {
		if errors.Is(err, transcode.ErrShutdown) {
			s.logger.Info("-> live stream refused during shutdown", "station", st.Token)
			http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
			return
		}
		s.logger.Error("-> live stream failed to start", "station", st.Token, "err", err, "request_id", middleware.GetReqID(r.Context()))
		http.Error(w, "failed to start live stream", http.StatusInternalServerError)
		return
	}
	// 已经开始发送数据，只能结束响应
	s.logger.Warn("-> live stream ended with error", "station", st.Token, "err", err)
}

func (s *Server) handleLyric(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")

	text, err := s.svc.FetchLyric(r.Context(), id)
	if err != nil {
		status := statusOf(err)
		if status == http.StatusBadRequest {
			http.Error(w, "missing id parameter", status)
			return
		}
		http.Error(w, "lyric not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(text))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.svc.Health())
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeJSON(w, http.StatusBadRequest, errorBody{Error: "Invalid limit parameter"})
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	entries, err := s.svc.History(r.Context(), limit)
	if err != nil {
		s.logger.Error("-> history query failed", "err", err)
		s.writeJSON(w, http.StatusInternalServerError, errorBody{Error: "History unavailable"})
		return
	}
	s.writeJSON(w, http.StatusOK, entries)
}

// handleStations 没有 q 时列出目录，有 q 时按 ID 或名称查找一个电台
func (s *Server) handleStations(w http.ResponseWriter, r *http.Request) {
	if !r.URL.Query().Has("q") {
		s.writeJSON(w, http.StatusOK, s.svc.Stations())
		return
	}

	q := r.URL.Query().Get("q")
	st, err := s.svc.FindStation(q)
	if err != nil {
		status := statusOf(err)
		msg := "Missing q parameter"
		if status == http.StatusNotFound {
			msg = "Station '" + strings.TrimSpace(q) + "' not found."
		}
		s.writeJSON(w, status, errorBody{Error: msg})
		return
	}
	s.writeJSON(w, http.StatusOK, st)
}
