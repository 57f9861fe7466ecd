package server

import (
	"net/http"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/klauspost/compress/gzhttp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/yleoer/mp3proxy/pkg/metrics"
	"github.com/yleoer/mp3proxy/pkg/relay"
	"github.com/yleoer/mp3proxy/pkg/stations"
)

// LiveServer 把直播电台实时转码给一个客户端
type LiveServer interface {
	Serve(w http.ResponseWriter, r *http.Request, st stations.Station) error
}

// Server HTTP 入口
type Server struct {
	svc     *relay.Service
	live    LiveServer
	metrics *metrics.Metrics
	logger  *log.Logger

	router chi.Router
}

// New 创建一个新的 Server 实例。gatherer 为空时不注册 /metrics。
func New(svc *relay.Service, live LiveServer, gatherer prometheus.Gatherer, m *metrics.Metrics, logger *log.Logger) *Server {
	s := &Server{
		svc:     svc,
		live:    live,
		metrics: m,
		logger:  logger,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// JSON 接口压缩，音频不压缩
	r.Group(func(r chi.Router) {
		r.Use(gzipJSON)
		r.Get("/stream_pcm", s.handleSearch)
		r.Get("/health", s.handleHealth)
		r.Get("/history", s.handleHistory)
		r.Get("/stations", s.handleStations)
	})

	r.Get("/proxy_audio", s.handleAudio)
	r.Get("/proxy_lyric", s.handleLyric)

	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	s.router = r
	return s
}

func gzipJSON(next http.Handler) http.Handler {
	return gzhttp.GzipHandler(next)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
