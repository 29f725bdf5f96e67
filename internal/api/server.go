// Package api provides the HTTP surface of the deployer: the player-facing
// index and lifecycle endpoints plus the admin and observability routes.
package api

import (
	"embed"
	"html/template"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/ctfdeploy/ctfdeploy/internal/admission"
	"github.com/ctfdeploy/ctfdeploy/internal/captcha"
	"github.com/ctfdeploy/ctfdeploy/internal/config"
	"github.com/ctfdeploy/ctfdeploy/internal/lease"
	"github.com/ctfdeploy/ctfdeploy/internal/log"
	"github.com/ctfdeploy/ctfdeploy/internal/store"
)

//go:embed templates/index.html
var templateFS embed.FS

var indexTemplate = template.Must(template.ParseFS(templateFS, "templates/index.html"))

// Per-IP request ceiling for the whole surface, well above the deployment
// rate limit so it only catches abusive clients.
const (
	requestsPerMinute = 60
	logTailLines      = 200
)

// Server wires the handlers to the manager, the admission controller and the
// store.
type Server struct {
	cfg       config.Config
	store     store.Store
	manager   *lease.Manager
	admission *admission.Controller
	monitor   *admission.Monitor
	captcha   *captcha.Service
	ring      *log.Ring
	logger    zerolog.Logger
	startTime time.Time
}

func NewServer(
	cfg config.Config,
	st store.Store,
	mgr *lease.Manager,
	adm *admission.Controller,
	mon *admission.Monitor,
	captchaSvc *captcha.Service,
	ring *log.Ring,
) *Server {
	return &Server{
		cfg:       cfg,
		store:     st,
		manager:   mgr,
		admission: adm,
		monitor:   mon,
		captcha:   captchaSvc,
		ring:      ring,
		logger:    log.WithComponent("api"),
		startTime: time.Now(),
	}
}

// Routes builds the router. Action endpoints are POST only; admin routes sit
// behind the private-network-or-key gate.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(httprate.LimitByIP(requestsPerMinute, time.Minute))

	r.Get("/", s.handleIndex)
	r.Get("/get_captcha", s.handleCaptcha)
	r.Post("/deploy", s.handleDeploy)
	r.Post("/stop", s.handleStop)
	r.Post("/restart", s.handleRestart)
	r.Post("/extend", s.handleExtend)
	r.Get("/status", s.handleStatus)
	r.Get("/health", s.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(s.adminOnly)
		r.Get("/metrics", promhttp.Handler().ServeHTTP)
		r.Get("/logs", s.handleLogs)
		r.Get("/admin/status", s.handleAdminStatus)
	})

	return r
}
