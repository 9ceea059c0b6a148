package controller

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aiperf/aiperf/internal/observability"
)

// adminStatusView is the read-only snapshot served at GET /status.
type adminStatusView struct {
	ServiceID     string   `json:"service_id"`
	Registered    []string `json:"registered_services"`
	ExpectedCount int      `json:"expected_registrations"`
	ExitErrors    []string `json:"exit_errors,omitempty"`
}

// AdminServer is the System Controller's read-only HTTP surface: run
// status, and an on-demand export trigger. Grounded on the teacher's
// chi-based httpserver, reused here instead of one more bespoke mux.
type AdminServer struct {
	controller *Controller
	router     *chi.Mux
	addr       string
	srv        *http.Server
}

// NewAdminServer builds the admin surface bound to addr (e.g. ":5559").
func NewAdminServer(c *Controller, addr string) *AdminServer {
	a := &AdminServer{controller: c, addr: addr}
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(observability.HTTPMetricsMiddleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST"},
		AllowedHeaders: []string{"*"},
		MaxAge:         300,
	}))
	r.Get("/status", a.handleStatus)
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(wr chi.Router) {
		wr.Use(httprate.LimitByIP(30, time.Minute))
		wr.Post("/export", a.handleExport)
	})

	a.router = r
	return a
}

func (a *AdminServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	a.controller.mu.Lock()
	ids := make([]string, 0, len(a.controller.registrations))
	for id := range a.controller.registrations {
		ids = append(ids, id)
	}
	expected := a.controller.expectedRegistrations
	a.controller.mu.Unlock()

	exitErrs := a.controller.ExitErrors()
	msgs := make([]string, len(exitErrs))
	for i, e := range exitErrs {
		msgs[i] = e.Error()
	}

	view := adminStatusView{
		ServiceID:     a.controller.ID,
		Registered:    ids,
		ExpectedCount: expected,
		ExitErrors:    msgs,
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(view)
}

func (a *AdminServer) handleExport(w http.ResponseWriter, r *http.Request) {
	if err := a.controller.exportResults(r.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// Start begins serving in the background.
func (a *AdminServer) Start(ctx context.Context) error {
	a.srv = &http.Server{Addr: a.addr, Handler: a.router}
	go func() {
		_ = a.srv.ListenAndServe()
	}()
	return nil
}

// Close gracefully shuts the HTTP listener down.
func (a *AdminServer) Close() error {
	if a.srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return a.srv.Shutdown(ctx)
}
