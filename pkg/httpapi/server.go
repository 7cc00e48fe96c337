package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/cuemby/hvorchestrator/pkg/auth"
	"github.com/cuemby/hvorchestrator/pkg/inventory"
	"github.com/cuemby/hvorchestrator/pkg/jobservice"
	"github.com/cuemby/hvorchestrator/pkg/log"
	"github.com/cuemby/hvorchestrator/pkg/metrics"
	"github.com/cuemby/hvorchestrator/pkg/notification"
	"github.com/cuemby/hvorchestrator/pkg/wshub"
)

// BuildInfo carries the process version/build metadata exposed on
// /healthz. It is populated by the cmd/ layer from ldflags, matching
// the teacher's cmd/warren version variables.
type BuildInfo struct {
	Version string
	Build   string
}

// ReadinessChecker reports whether the background services the API
// depends on have completed enough startup work to serve traffic.
// *inventory.Service satisfies this via its Ready method.
type ReadinessChecker interface {
	Ready() bool
}

// Server wires the job, inventory, notification, and WebSocket
// services, plus the auth core, onto a chi router. It is deliberately
// thin: every piece of real behavior lives in the wired services.
type Server struct {
	Jobs          *jobservice.Service
	Inventory     *inventory.Service
	Notifications *notification.Service
	Hub           *wshub.Hub
	Validator     *auth.Validator
	Sessions      *auth.SessionStore
	OIDC          OIDCConfig
	Build         BuildInfo
	ConfigError   error

	logger zerolog.Logger
}

// OIDCConfig carries the external IdP endpoints and client credentials
// the login/callback handlers need to drive an authorization-code
// flow. The discovery/parsing of these values from issuer metadata is
// left to the excluded configuration-file collaborator (spec §1); this
// struct only holds the resolved values.
type OIDCConfig struct {
	AuthorizeURL string
	TokenURL     string
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string
}

// Router builds the complete handler tree described in spec §6.
func (s *Server) Router() http.Handler {
	if s.logger == (zerolog.Logger{}) {
		s.logger = log.WithComponent("httpapi")
	}
	authN := &authenticator{validator: s.Validator, sessions: s.Sessions}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(CorrelationMiddleware)
	r.Use(MetricsMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(authN.RequirePermission(auth.PermissionReader))
			r.Get("/inventory", s.handleInventorySnapshot)
			r.Get("/hosts", s.handleListHosts)
			r.Get("/hosts/{host}/vms", s.handleHostVMs)
			r.Get("/vms", s.handleListVMs)
			r.Get("/vms/{host}/{name}", s.handleGetVM)
			r.Get("/vms/by-id/{id}", s.handleGetVMByID)
			r.Get("/jobs", s.handleListJobs)
			r.Get("/jobs/{id}", s.handleGetJob)
			r.Get("/notifications", s.handleListNotifications)
		})
		r.Group(func(r chi.Router) {
			r.Use(authN.RequirePermission(auth.PermissionWriter))
			r.Post("/vms/create", s.handleCreateVM)
			r.Post("/vms/delete", s.handleDeleteVM)
			r.Post("/deployments", s.handleCreateDeployment)
			r.Post("/notifications/{id}/read", s.handleMarkNotificationRead)
			r.Post("/notifications/read-all", s.handleMarkAllNotificationsRead)
		})
	})

	r.Route("/auth", func(r chi.Router) {
		r.Get("/login", s.handleAuthLogin)
		r.Get("/callback", s.handleAuthCallback)
		r.Get("/token", s.handleAuthToken)
		r.Post("/logout", s.handleAuthLogout)
	})

	r.Get("/ws/{path:.*}", s.handleWebSocket)
	r.Get("/ws", s.handleWebSocket)

	return r
}

type healthzResponse struct {
	Status    string    `json:"status"`
	Version   string    `json:"version"`
	Build     string    `json:"build"`
	Timestamp time.Time `json:"timestamp"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthzResponse{
		Status:    "ok",
		Version:   s.Build.Version,
		Build:     s.Build.Build,
		Timestamp: time.Now().UTC(),
	})
}

type readyzResponse struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// handleReadyz returns 503 until the inventory service's first refresh
// has completed or a startup config error is present (spec §6, §7
// ConfigError policy).
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if s.ConfigError != nil {
		writeJSON(w, http.StatusServiceUnavailable, readyzResponse{Status: "config_error", Reason: s.ConfigError.Error()})
		return
	}
	if s.Inventory == nil || !s.Inventory.Ready() {
		writeJSON(w, http.StatusServiceUnavailable, readyzResponse{Status: "not_ready", Reason: "initial inventory refresh not yet complete"})
		return
	}
	writeJSON(w, http.StatusOK, readyzResponse{Status: "ready"})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error         string `json:"error"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

func writeError(w http.ResponseWriter, r *http.Request, code int, message string) {
	writeJSON(w, code, errorBody{Error: message, CorrelationID: CorrelationID(r.Context())})
}
