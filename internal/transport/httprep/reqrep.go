// Package httprep implements the synchronous request/reply transport over
// HTTP using chi, grounded on the teacher's internal/adapter/httpserver.
// It backs the DatasetManagerProxyFrontend address (conversation-turn and
// fixed-schedule-timing requests).
package httprep

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/aiperf/aiperf/internal/transport"
)

// Client is an HTTP-backed transport.Requester.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient builds a client targeting baseURL (e.g. "http://host:5561").
func NewClient(baseURL string) *Client {
	return &Client{baseURL: baseURL, http: &http.Client{}}
}

// Request performs a synchronous POST, surfacing transport.ErrTimeout if the
// deadline elapses before a reply arrives. A timeout of zero or less adds no
// deadline beyond ctx's own.
func (c *Client) Request(ctx context.Context, payload []byte, timeout time.Duration) ([]byte, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/rpc", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", transport.ErrTimeout, err)
		}
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("httprep: unexpected status %d: %s", resp.StatusCode, string(body))
	}
	return body, nil
}

// RequestAsync fires Request in a goroutine and hands the result to
// callback, enabling request fan-out.
func (c *Client) RequestAsync(ctx context.Context, payload []byte, callback func([]byte, error)) {
	go func() {
		b, err := c.Request(ctx, payload, 0)
		callback(b, err)
	}()
}

// Close is a no-op; http.Client has no persistent connection to release
// beyond its idle pool.
func (c *Client) Close() error { return nil }

// Server is an HTTP-backed transport.Replier: exactly one process binds per
// address, answering requests on /rpc.
type Server struct {
	router  *chi.Mux
	addr    string
	handler func(ctx context.Context, payload []byte) ([]byte, error)
	srv     *http.Server
}

// NewServer builds a replier bound to addr (e.g. ":5561").
func NewServer(addr string) *Server {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	return &Server{router: r, addr: addr}
}

// Handle registers the single RPC handler for this replier. AIPerf's
// req/rep addresses carry one logical RPC each, so path is accepted for
// symmetry with transport.Replier but always mounted at /rpc.
func (s *Server) Handle(path string, h func(ctx context.Context, payload []byte) ([]byte, error)) {
	s.handler = h
	s.router.Post("/rpc", func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		resp, err := s.handler(r.Context(), body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(resp)
	})
}

// Start begins serving in the background.
func (s *Server) Start(ctx context.Context) error {
	s.srv = &http.Server{Addr: s.addr, Handler: s.router}
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("httprep server error", slog.String("addr", s.addr), slog.Any("error", err))
		}
	}()
	return nil
}

// Close gracefully shuts the HTTP listener down.
func (s *Server) Close() error {
	if s.srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.srv.Shutdown(ctx)
}
