package youtube

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"
	"google.golang.org/api/youtube/v3"

	"ytplaylist/internal/retry"
	"ytplaylist/internal/storage"
)

// Scope grants read/write access to the account's playlists.
const Scope = youtube.YoutubeScope

// ErrNoCredentials is returned when no OAuth client secret can be found.
var ErrNoCredentials = errors.New("youtube: no client credentials")

// AuthConfig locates the OAuth client secret and the token file.
type AuthConfig struct {
	// ClientSecretJSON is the client secret document itself. Takes precedence.
	ClientSecretJSON string
	// CredentialsFile is a client secret file downloaded from the Cloud console.
	CredentialsFile string
	// TokenFile holds the authorized user token.
	TokenFile string
	// RedirectURL overrides the redirect URI from the client secret.
	RedirectURL string
}

// LoadOAuthConfig builds the OAuth client configuration. The client secret
// comes from ClientSecretJSON, then CredentialsFile, then the client fields
// stored in a legacy token file.
func LoadOAuthConfig(ac AuthConfig) (*oauth2.Config, error) {
	var data []byte
	switch {
	case ac.ClientSecretJSON != "":
		data = []byte(ac.ClientSecretJSON)
	case ac.CredentialsFile != "":
		b, err := os.ReadFile(ac.CredentialsFile)
		if err == nil {
			data = b
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("read credentials file: %w", err)
		}
	}

	if data == nil {
		cfg, err := configFromTokenFile(ac.TokenFile)
		if err != nil {
			return nil, err
		}
		if ac.RedirectURL != "" {
			cfg.RedirectURL = ac.RedirectURL
		}
		return cfg, nil
	}

	cfg, err := google.ConfigFromJSON(data, Scope)
	if err != nil {
		return nil, fmt.Errorf("parse client secret: %w", err)
	}
	if ac.RedirectURL != "" {
		cfg.RedirectURL = ac.RedirectURL
	}
	return cfg, nil
}

func configFromTokenFile(path string) (*oauth2.Config, error) {
	if path == "" {
		return nil, ErrNoCredentials
	}
	tf, err := readTokenFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNoCredentials
		}
		return nil, err
	}
	if tf.ClientID == "" || tf.ClientSecret == "" {
		return nil, ErrNoCredentials
	}

	endpoint := google.Endpoint
	if tf.TokenURI != "" {
		endpoint.TokenURL = tf.TokenURI
	}
	scopes := tf.Scopes
	if len(scopes) == 0 {
		scopes = []string{Scope}
	}
	return &oauth2.Config{
		ClientID:     tf.ClientID,
		ClientSecret: tf.ClientSecret,
		Endpoint:     endpoint,
		Scopes:       scopes,
	}, nil
}

// tokenFile is the on-disk token. It accepts both the oauth2 field names and
// the authorized-user format written by Google's Python client, and writes
// both so either tool can read it.
type tokenFile struct {
	AccessToken  string   `json:"access_token,omitempty"`
	Token        string   `json:"token,omitempty"`
	RefreshToken string   `json:"refresh_token,omitempty"`
	TokenType    string   `json:"token_type,omitempty"`
	TokenURI     string   `json:"token_uri,omitempty"`
	ClientID     string   `json:"client_id,omitempty"`
	ClientSecret string   `json:"client_secret,omitempty"`
	Scopes       []string `json:"scopes,omitempty"`
	Expiry       string   `json:"expiry,omitempty"`
}

func readTokenFile(path string) (*tokenFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var tf tokenFile
	if err := json.Unmarshal(data, &tf); err != nil {
		return nil, fmt.Errorf("parse token file %s: %w", path, err)
	}
	return &tf, nil
}

// expiry layouts seen in token files; the Python client omits the zone.
var expiryLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
}

func parseExpiry(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range expiryLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

// ReadToken loads the token at path. A missing file, or a token that cannot
// be refreshed, yields ErrNoToken.
func ReadToken(path string) (*oauth2.Token, error) {
	tf, err := readTokenFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s does not exist", ErrNoToken, path)
		}
		return nil, err
	}

	access := tf.AccessToken
	if access == "" {
		access = tf.Token
	}
	if tf.RefreshToken == "" {
		return nil, fmt.Errorf("%w: %s is missing refresh_token", ErrNoToken, path)
	}

	tok := &oauth2.Token{
		AccessToken:  access,
		RefreshToken: tf.RefreshToken,
		TokenType:    tf.TokenType,
		Expiry:       parseExpiry(tf.Expiry),
	}
	if tok.AccessToken == "" && tok.Expiry.IsZero() {
		// Force a refresh on first use.
		tok.Expiry = time.Unix(1, 0)
	}
	return tok, nil
}

// WriteToken stores tok at path with mode 0600. cfg, when set, adds the
// client fields of the authorized-user format.
func WriteToken(path string, tok *oauth2.Token, cfg *oauth2.Config) error {
	tf := tokenFile{
		AccessToken:  tok.AccessToken,
		Token:        tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
	}
	if !tok.Expiry.IsZero() {
		tf.Expiry = tok.Expiry.UTC().Format(time.RFC3339Nano)
	}
	if cfg != nil {
		tf.TokenURI = cfg.Endpoint.TokenURL
		tf.ClientID = cfg.ClientID
		tf.ClientSecret = cfg.ClientSecret
		tf.Scopes = cfg.Scopes
	}

	data, err := json.MarshalIndent(tf, "", "  ")
	if err != nil {
		return fmt.Errorf("encode token: %w", err)
	}
	if err := storage.WriteFileAtomic(path, data, 0600); err != nil {
		return fmt.Errorf("write token file %s: %w", path, err)
	}
	return nil
}

// FileTokenSource serves tokens from a token file, refreshing through the
// OAuth config and saving refreshed tokens back. When a refresh fails it
// re-reads the file, so a token written by the auth UI is picked up without
// a restart.
type FileTokenSource struct {
	ctx  context.Context
	cfg  *oauth2.Config
	path string
	log  *slog.Logger

	mu  sync.Mutex
	tok *oauth2.Token
}

// NewFileTokenSource creates a token source for path. ctx is used for token
// refresh requests and may carry an *http.Client under oauth2.HTTPClient.
func NewFileTokenSource(ctx context.Context, cfg *oauth2.Config, path string, log *slog.Logger) *FileTokenSource {
	if log == nil {
		log = slog.Default()
	}
	return &FileTokenSource{ctx: ctx, cfg: cfg, path: path, log: log}
}

// Token implements oauth2.TokenSource.
func (s *FileTokenSource) Token() (*oauth2.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tok.Valid() {
		return s.tok, nil
	}

	if s.tok == nil {
		tok, err := ReadToken(s.path)
		if err != nil {
			return nil, err
		}
		s.tok = tok
		if tok.Valid() {
			return tok, nil
		}
	}

	tok, err := s.refresh(s.tok)
	if err == nil {
		return tok, nil
	}

	// The refresh token may have been revoked and replaced on disk.
	onDisk, readErr := ReadToken(s.path)
	if readErr != nil || onDisk.RefreshToken == s.tok.RefreshToken {
		return nil, err
	}
	s.log.Info("token file changed, retrying with new credentials", slog.String("path", s.path))
	s.tok = onDisk
	if onDisk.Valid() {
		return onDisk, nil
	}
	return s.refresh(onDisk)
}

// refresh must be called with mu held.
func (s *FileTokenSource) refresh(old *oauth2.Token) (*oauth2.Token, error) {
	tok, err := s.cfg.TokenSource(s.ctx, old).Token()
	if err != nil {
		return nil, fmt.Errorf("refresh token: %w", err)
	}
	if tok.RefreshToken == "" {
		tok.RefreshToken = old.RefreshToken
	}
	s.tok = tok

	if err := WriteToken(s.path, tok, s.cfg); err != nil {
		s.log.Warn("could not save refreshed token", slog.String("error", err.Error()))
	} else {
		s.log.Debug("saved refreshed token", slog.String("path", s.path))
	}
	return tok, nil
}

// NewService builds an authorized YouTube service backed by a FileTokenSource.
// Extra options (e.g. option.WithEndpoint) are appended.
func NewService(ctx context.Context, cfg *oauth2.Config, tokenPath string, log *slog.Logger, opts ...option.ClientOption) (*youtube.Service, error) {
	ts := NewFileTokenSource(ctx, cfg, tokenPath, log)
	client := oauth2.NewClient(ctx, ts)

	opts = append([]option.ClientOption{option.WithHTTPClient(client)}, opts...)
	service, err := youtube.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create youtube service: %w", err)
	}
	return service, nil
}

// TokenWaitPolicy is the backoff used while waiting for a token file.
var TokenWaitPolicy = retry.Config{
	InitialBackoff: 10 * time.Second,
	MaxBackoff:     300 * time.Second,
	Multiplier:     1.5,
}

// WaitForToken blocks until a usable token exists at path, checking with
// policy's backoff between attempts.
func WaitForToken(ctx context.Context, path string, policy retry.Config, log *slog.Logger) (*oauth2.Token, error) {
	for attempt := 1; ; attempt++ {
		tok, err := ReadToken(path)
		if err == nil {
			return tok, nil
		}
		if !errors.Is(err, ErrNoToken) {
			log.Error("could not read token file", slog.String("path", path), slog.String("error", err.Error()))
		}

		delay := policy.Backoff(attempt)
		log.Info("waiting for valid credentials",
			slog.String("reason", err.Error()),
			slog.Duration("retry_in", delay))

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
