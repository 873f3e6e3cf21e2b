package runtime

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	gc "github.com/joshsymonds/gmailexport/internal/gmail"
)

const (
	CredentialsFile = "credentials.json"
	TokenFile       = "token.json"
)

// AuthError reports that credentials could not be obtained or refreshed.
// It is fatal for a run.
type AuthError struct {
	Op  string
	Err error
}

func (e *AuthError) Error() string { return fmt.Sprintf("gmail auth: %s: %v", e.Op, e.Err) }

func (e *AuthError) Unwrap() error { return e.Err }

// IsAuthError reports whether err wraps an AuthError.
func IsAuthError(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// Prompt asks the user to visit authURL and returns the pasted authorization code.
type Prompt func(ctx context.Context, authURL string) (string, error)

// ConsolePrompt prints the URL to out and reads the code from in.
func ConsolePrompt(in io.Reader, out io.Writer) Prompt {
	return func(ctx context.Context, authURL string) (string, error) {
		_ = ctx
		fmt.Fprintf(out, "Open the following link in your browser, then paste the authorization code:\n%s\n> ", authURL)
		line, err := bufio.NewReader(in).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return "", fmt.Errorf("read authorization code: %w", err)
		}
		code := strings.TrimSpace(line)
		if code == "" {
			return "", errors.New("empty authorization code")
		}
		return code, nil
	}
}

// TokenStore acquires an OAuth token for the configured directory once per
// process. Refreshed tokens are written back to token.json.
type TokenStore struct {
	Dir    string
	Scopes []string
	Prompt Prompt
	Logger *slog.Logger

	once sync.Once
	src  oauth2.TokenSource
	err  error
}

// NewTokenStore returns a store rooted at dir requesting the read-only Gmail scope.
func NewTokenStore(dir string, prompt Prompt, logger *slog.Logger) *TokenStore {
	if logger == nil {
		logger = DefaultLogger()
	}
	return &TokenStore{
		Dir:    dir,
		Scopes: []string{gmail.GmailReadonlyScope},
		Prompt: prompt,
		Logger: logger,
	}
}

// Config loads the OAuth client configuration from credentials.json.
func (s *TokenStore) Config() (*oauth2.Config, error) {
	path := filepath.Join(s.Dir, CredentialsFile)
	data, err := os.ReadFile(path) // #nosec G304 - path built from user config dir
	if err != nil {
		return nil, &AuthError{Op: "read credentials", Err: err}
	}
	cfg, err := google.ConfigFromJSON(data, s.Scopes...)
	if err != nil {
		return nil, &AuthError{Op: "parse credentials", Err: err}
	}
	return cfg, nil
}

// TokenSource returns a token source backed by the persisted token, running
// the interactive flow when no token exists yet.
func (s *TokenStore) TokenSource(ctx context.Context) (oauth2.TokenSource, error) {
	s.once.Do(func() {
		s.src, s.err = s.acquire(ctx)
	})
	return s.src, s.err
}

func (s *TokenStore) acquire(ctx context.Context) (oauth2.TokenSource, error) {
	cfg, err := s.Config()
	if err != nil {
		return nil, err
	}
	tok, err := s.load()
	switch {
	case err == nil:
		s.Logger.Debug("loaded token", "path", s.tokenPath())
	case errors.Is(err, os.ErrNotExist):
		tok, err = s.authorize(ctx, cfg)
		if err != nil {
			return nil, err
		}
		if err := s.save(tok); err != nil {
			return nil, err
		}
	default:
		return nil, err
	}
	src := &persistingSource{
		base:   cfg.TokenSource(ctx, tok),
		last:   tok,
		save:   s.save,
		logger: s.Logger,
	}
	if !tok.Valid() {
		// refresh eagerly so an expired refresh token fails before any export work
		if _, err := src.Token(); err != nil {
			return nil, err
		}
	}
	return src, nil
}

func (s *TokenStore) authorize(ctx context.Context, cfg *oauth2.Config) (*oauth2.Token, error) {
	if s.Prompt == nil {
		return nil, &AuthError{Op: "authorize", Err: errors.New("no token and no interactive prompt")}
	}
	url := cfg.AuthCodeURL("state-token", oauth2.AccessTypeOffline)
	code, err := s.Prompt(ctx, url)
	if err != nil {
		return nil, &AuthError{Op: "authorize", Err: err}
	}
	tok, err := cfg.Exchange(ctx, code)
	if err != nil {
		return nil, &AuthError{Op: "exchange code", Err: err}
	}
	s.Logger.Info("authorized", "path", s.tokenPath())
	return tok, nil
}

func (s *TokenStore) tokenPath() string { return filepath.Join(s.Dir, TokenFile) }

func (s *TokenStore) load() (*oauth2.Token, error) {
	f, err := os.Open(s.tokenPath())
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	var tok oauth2.Token
	if err := json.NewDecoder(f).Decode(&tok); err != nil {
		return nil, &AuthError{Op: "decode token", Err: err}
	}
	return &tok, nil
}

func (s *TokenStore) save(tok *oauth2.Token) error {
	if err := os.MkdirAll(s.Dir, 0o700); err != nil {
		return fmt.Errorf("create credentials dir: %w", err)
	}
	f, err := os.OpenFile(s.tokenPath(), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("create %s: %w", s.tokenPath(), err)
	}
	defer func() { _ = f.Close() }()
	if err := json.NewEncoder(f).Encode(tok); err != nil {
		return fmt.Errorf("encode token: %w", err)
	}
	return nil
}

type persistingSource struct {
	mu     sync.Mutex
	base   oauth2.TokenSource
	last   *oauth2.Token
	save   func(*oauth2.Token) error
	logger *slog.Logger
}

func (p *persistingSource) Token() (*oauth2.Token, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	tok, err := p.base.Token()
	if err != nil {
		return nil, &AuthError{Op: "refresh token", Err: err}
	}
	if p.last == nil || tok.AccessToken != p.last.AccessToken {
		if err := p.save(tok); err != nil {
			p.logger.Warn("persist refreshed token failed", "error", err)
		}
		p.last = tok
	}
	return tok, nil
}

// NewGmailClient authenticates through store and returns the API adapter.
func NewGmailClient(ctx context.Context, store *TokenStore) (gc.Client, error) {
	src, err := store.TokenSource(ctx)
	if err != nil {
		return nil, err
	}
	svc, err := gmail.NewService(ctx, option.WithTokenSource(src))
	if err != nil {
		return nil, fmt.Errorf("create gmail service: %w", err)
	}
	return NewGoogleAPIClient(svc), nil
}
