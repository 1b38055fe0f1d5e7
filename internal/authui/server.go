// Package authui serves a small web page that runs the OAuth web flow and
// stores the resulting token where the poller reads it.
package authui

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"ytplaylist/internal/youtube"
)

const stateCookie = "ytplaylist_oauth_state"

// Config configures the auth UI.
type Config struct {
	// Addr is the listen address, e.g. ":5000".
	Addr string
	// Auth locates the client secret and the token file to write.
	Auth youtube.AuthConfig
	// HTTPClient is used for the code exchange. Nil uses http.DefaultClient.
	HTTPClient *http.Client
}

// Server is the auth UI HTTP server.
type Server struct {
	cfg      Config
	log      *slog.Logger
	server   *http.Server
	listener net.Listener
}

// New creates the auth UI server.
func New(cfg Config, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{cfg: cfg, log: log}
	s.server = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the routes of the auth UI.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.index)
	mux.HandleFunc("GET /auth", s.auth)
	mux.HandleFunc("GET /callback", s.callback)
	mux.HandleFunc("GET /success", s.success)
	mux.HandleFunc("GET /health", s.health)
	return mux
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("authui: listen %s: %w", s.server.Addr, err)
	}
	s.listener = ln
	s.log.Info("auth UI started", slog.String("addr", ln.Addr().String()))

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("auth UI server error", slog.String("error", err.Error()))
		}
	}()
	return nil
}

// Addr returns the bound address, or the configured one before Start.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.server.Addr
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(); err != nil {
		return err
	}
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("authui: shutdown: %w", err)
	}
	s.log.Info("auth UI stopped")
	return nil
}

func (s *Server) index(w http.ResponseWriter, r *http.Request) {
	_, tokErr := youtube.ReadToken(s.cfg.Auth.TokenFile)
	s.render(w, indexPage, map[string]any{
		"Authenticated": tokErr == nil,
		"Error":         r.URL.Query().Get("error"),
		"TokenFile":     s.cfg.Auth.TokenFile,
	})
}

func (s *Server) auth(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.oauthConfig(r)
	if err != nil {
		s.fail(w, r, "load client credentials", err)
		return
	}

	state := uuid.NewString()
	http.SetCookie(w, &http.Cookie{
		Name:     stateCookie,
		Value:    state,
		Path:     "/",
		MaxAge:   600,
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
	})

	s.log.Info("starting OAuth flow", slog.String("redirect_uri", cfg.RedirectURL))
	http.Redirect(w, r, cfg.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce), http.StatusFound)
}

func (s *Server) callback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	cookie, err := r.Cookie(stateCookie)
	if err != nil || cookie.Value == "" || cookie.Value != q.Get("state") {
		s.fail(w, r, "verify state", errors.New("invalid state parameter"))
		return
	}
	http.SetCookie(w, &http.Cookie{Name: stateCookie, Path: "/", MaxAge: -1})

	if e := q.Get("error"); e != "" {
		s.fail(w, r, "authorize", fmt.Errorf("authorization denied: %s", e))
		return
	}
	code := q.Get("code")
	if code == "" {
		s.fail(w, r, "authorize", errors.New("missing authorization code"))
		return
	}

	cfg, err := s.oauthConfig(r)
	if err != nil {
		s.fail(w, r, "load client credentials", err)
		return
	}

	ctx := r.Context()
	if s.cfg.HTTPClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, s.cfg.HTTPClient)
	}
	tok, err := cfg.Exchange(ctx, code)
	if err != nil {
		s.fail(w, r, "exchange code", err)
		return
	}
	if tok.RefreshToken == "" {
		s.fail(w, r, "exchange code", errors.New("no refresh token returned, revoke the app's access and retry"))
		return
	}

	if err := youtube.WriteToken(s.cfg.Auth.TokenFile, tok, cfg); err != nil {
		s.fail(w, r, "save token", err)
		return
	}

	s.log.Info("authenticated and saved token", slog.String("path", s.cfg.Auth.TokenFile))
	http.Redirect(w, r, "/success", http.StatusFound)
}

func (s *Server) success(w http.ResponseWriter, r *http.Request) {
	s.render(w, successPage, map[string]any{"TokenFile": s.cfg.Auth.TokenFile})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
}

// oauthConfig loads the client configuration and sets the redirect URI,
// derived from the request unless configured explicitly.
func (s *Server) oauthConfig(r *http.Request) (*oauth2.Config, error) {
	cfg, err := youtube.LoadOAuthConfig(s.cfg.Auth)
	if err != nil {
		return nil, err
	}
	if s.cfg.Auth.RedirectURL == "" {
		cfg.RedirectURL = callbackURL(r)
	}
	return cfg, nil
}

func callbackURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if p := r.Header.Get("X-Forwarded-Proto"); p != "" {
		scheme = p
	}
	host := r.Host
	if h := r.Header.Get("X-Forwarded-Host"); h != "" {
		host = h
	}
	return (&url.URL{Scheme: scheme, Host: host, Path: "/callback"}).String()
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, step string, err error) {
	s.log.Error("OAuth flow failed", slog.String("step", step), slog.String("error", err.Error()))
	http.Redirect(w, r, "/?error="+url.QueryEscape(step+": "+err.Error()), http.StatusFound)
}

func (s *Server) render(w http.ResponseWriter, t *template.Template, data any) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := t.Execute(w, data); err != nil {
		s.log.Error("render page", slog.String("error", err.Error()))
	}
}

var indexPage = template.Must(template.New("index").Parse(`<!DOCTYPE html>
<html>
<head><title>YouTube Playlist Manager - Authentication</title></head>
<body>
<h1>YouTube Playlist Manager</h1>
{{if .Error}}<p class="error">Error: {{.Error}}</p>{{end}}
{{if .Authenticated}}
<p class="status">Authenticated. A token is stored in {{.TokenFile}}.</p>
<p><a href="/auth">Re-authenticate</a></p>
{{else}}
<p class="status">Not authenticated.</p>
<p><a href="/auth">Sign in with Google</a></p>
{{end}}
</body>
</html>
`))

var successPage = template.Must(template.New("success").Parse(`<!DOCTYPE html>
<html>
<head><title>Authentication successful</title></head>
<body>
<h1>Authentication successful</h1>
<p>The token was saved to {{.TokenFile}}. The playlist manager picks it up on its next attempt.</p>
<p><a href="/">Back</a></p>
</body>
</html>
`))
