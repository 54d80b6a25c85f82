// Package tokenproxy mints short-lived session credentials on behalf of
// clients that must not hold the account API key.
//
// GET /session posts {"model","voice"} to the upstream sessions endpoint with
// the server-side key and relays the response, status included. GET /health
// reports liveness.
package tokenproxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/1ureka/rtcvoice/internal/util"
)

const (
	maxUpstreamBody = 1 << 20
	upstreamTimeout = 15 * time.Second
	shutdownTimeout = 5 * time.Second
)

// Options configures a Server.
type Options struct {
	UpstreamURL string
	APIKey      string
	Model       string
	Voice       string
	// Client performs the upstream request. Defaults to a client with a
	// 15 second timeout.
	Client *http.Client
}

// Server is the proxy's HTTP handler.
type Server struct {
	opts Options
	mux  *http.ServeMux
}

// New validates opts and builds the handler.
func New(opts Options) (*Server, error) {
	if opts.APIKey == "" {
		return nil, errors.New("missing upstream API key")
	}
	if opts.UpstreamURL == "" {
		return nil, errors.New("missing upstream URL")
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: upstreamTimeout}
	}

	s := &Server{opts: opts, mux: http.NewServeMux()}
	s.mux.HandleFunc("GET /session", s.handleSession)
	s.mux.HandleFunc("GET /health", s.handleHealth)
	return s, nil
}

// ServeHTTP applies permissive CORS and routes the request.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "*")
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	util.LogDebug("%s %s from %s", r.Method, r.URL.Path, r.RemoteAddr)
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	payload, _ := json.Marshal(map[string]string{
		"model": s.opts.Model,
		"voice": s.opts.Voice,
	})

	req, err := http.NewRequestWithContext(r.Context(), http.MethodPost, s.opts.UpstreamURL, bytes.NewReader(payload))
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	req.Header.Set("Authorization", "Bearer "+s.opts.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.opts.Client.Do(req)
	if err != nil {
		util.LogWarning("upstream session request failed: %v", err)
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "upstream unavailable"})
		return
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxUpstreamBody))
	if err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "upstream read failed"})
		return
	}

	if resp.StatusCode >= 300 {
		util.LogWarning("upstream session request returned %s", resp.Status)
	} else {
		util.LogInfo("minted session credential")
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/json"
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// ListenAndServe serves h on addr until ctx is cancelled, then shuts down
// gracefully. ready, if non-nil, receives the bound address.
func ListenAndServe(ctx context.Context, addr string, h http.Handler, ready func(net.Addr)) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	if ready != nil {
		ready(ln.Addr())
	}

	srv := &http.Server{Handler: h, ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
