// Package auth manages per-owner OAuth credentials for the calendar provider.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/calendar/v3"
)

const (
	// ClientSecretsFile is the downloaded Google API credentials.json,
	// expected inside the credentials directory.
	ClientSecretsFile = "credentials.json"

	tokensDir = "tokens"

	// RefreshMargin is how close to expiry a token may get before it is
	// refreshed ahead of use.
	RefreshMargin = 60 * time.Second
)

// Scopes are the calendar permissions the engine requests.
var Scopes = []string{
	calendar.CalendarEventsScope,
	calendar.CalendarReadonlyScope,
}

// AuthExpiredError means the provider rejected the refresh token itself.
// The owner must re-authorize; retrying is pointless, so auto-sync for the
// owner is disabled until StoreTokens is called again.
type AuthExpiredError struct {
	OwnerID string
	Err     error
}

func (e *AuthExpiredError) Error() string {
	return fmt.Sprintf("authorization expired for owner %s: %v", e.OwnerID, e.Err)
}

func (e *AuthExpiredError) Unwrap() error { return e.Err }

// Store holds OAuth tokens per owner as JSON files under the credentials
// directory, the way the single-user token.json used to work.
type Store struct {
	dir    string
	logger *log.Logger

	mu      sync.Mutex
	refresh map[string]*sync.Mutex
}

// NewStore creates a credential store rooted at dir. If logger is nil, a
// default logger writing to stderr is used.
func NewStore(dir string, logger *log.Logger) *Store {
	if logger == nil {
		logger = log.New(os.Stderr, "[auth] ", log.LstdFlags)
	}
	return &Store{
		dir:     dir,
		logger:  logger,
		refresh: make(map[string]*sync.Mutex),
	}
}

// OAuthConfig builds the oauth2.Config from the client secrets file.
func (s *Store) OAuthConfig() (*oauth2.Config, error) {
	secretsFile := filepath.Join(s.dir, ClientSecretsFile)
	b, err := os.ReadFile(secretsFile)
	if err != nil {
		return nil, fmt.Errorf("unable to read client secret file %s: %w", secretsFile, err)
	}
	config, err := google.ConfigFromJSON(b, Scopes...)
	if err != nil {
		return nil, fmt.Errorf("unable to parse client secret file to config: %w", err)
	}
	return config, nil
}

func (s *Store) tokenPath(ownerID string) string {
	return filepath.Join(s.dir, tokensDir, ownerID+".json")
}

func (s *Store) disabledPath(ownerID string) string {
	return filepath.Join(s.dir, tokensDir, ownerID+".disabled")
}

// refreshLock returns the per-owner mutex guarding token refresh. Two
// in-flight runs must never refresh the same owner concurrently: some
// providers invalidate the first token when a duplicate refresh lands.
func (s *Store) refreshLock(ownerID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.refresh[ownerID]
	if !ok {
		m = &sync.Mutex{}
		s.refresh[ownerID] = m
	}
	return m
}

// StoreTokens persists the owner's tokens and clears any auto-sync disable
// marker left by a failed refresh.
func (s *Store) StoreTokens(ownerID string, tok *oauth2.Token) error {
	path := s.tokenPath(ownerID)
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create token directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("unable to cache OAuth token to %s: %w", path, err)
	}
	defer f.Close()
	if err := json.NewEncoder(f).Encode(tok); err != nil {
		return fmt.Errorf("failed to encode token: %w", err)
	}
	os.Remove(s.disabledPath(ownerID))
	return nil
}

// LoadTokens reads the owner's cached tokens from disk.
func (s *Store) LoadTokens(ownerID string) (*oauth2.Token, error) {
	f, err := os.Open(s.tokenPath(ownerID))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	tok := &oauth2.Token{}
	if err := json.NewDecoder(f).Decode(tok); err != nil {
		return nil, fmt.Errorf("failed to decode token for owner %s: %w", ownerID, err)
	}
	return tok, nil
}

// AutoSyncDisabled reports whether a previous refresh failure disabled
// automatic syncing for this owner.
func (s *Store) AutoSyncDisabled(ownerID string) bool {
	_, err := os.Stat(s.disabledPath(ownerID))
	return err == nil
}

// GetValidToken returns a token valid for at least RefreshMargin,
// transparently refreshing an expiring one.
func (s *Store) GetValidToken(ctx context.Context, ownerID string) (*oauth2.Token, error) {
	tok, err := s.LoadTokens(ownerID)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &AuthExpiredError{OwnerID: ownerID, Err: errors.New("no stored token")}
		}
		return nil, err
	}
	if tok.AccessToken != "" && time.Until(tok.Expiry) > RefreshMargin {
		return tok, nil
	}
	return s.Refresh(ctx, ownerID)
}

// Refresh exchanges the refresh token for a fresh access token and stores
// the result. Waiters on the per-owner lock re-read the stored token instead
// of issuing a duplicate refresh request.
func (s *Store) Refresh(ctx context.Context, ownerID string) (*oauth2.Token, error) {
	lock := s.refreshLock(ownerID)
	lock.Lock()
	defer lock.Unlock()

	// Another run may have finished the refresh while we waited.
	tok, err := s.LoadTokens(ownerID)
	if err != nil {
		return nil, err
	}
	if tok.AccessToken != "" && time.Until(tok.Expiry) > RefreshMargin {
		return tok, nil
	}
	if tok.RefreshToken == "" {
		return nil, &AuthExpiredError{OwnerID: ownerID, Err: errors.New("no refresh token")}
	}

	config, err := s.OAuthConfig()
	if err != nil {
		return nil, err
	}

	fresh, err := config.TokenSource(ctx, &oauth2.Token{RefreshToken: tok.RefreshToken}).Token()
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) && retrieveErr.Response != nil &&
			(retrieveErr.Response.StatusCode == http.StatusBadRequest ||
				retrieveErr.Response.StatusCode == http.StatusUnauthorized) {
			s.disableAutoSync(ownerID)
			return nil, &AuthExpiredError{OwnerID: ownerID, Err: err}
		}
		return nil, fmt.Errorf("token refresh failed for owner %s: %w", ownerID, err)
	}

	// Providers may rotate the refresh token; keep the old one when the
	// response omits it.
	if fresh.RefreshToken == "" {
		fresh.RefreshToken = tok.RefreshToken
	}
	if err := s.StoreTokens(ownerID, fresh); err != nil {
		s.logger.Printf("Warning: could not persist refreshed token for %s: %v", ownerID, err)
	}
	return fresh, nil
}

func (s *Store) disableAutoSync(ownerID string) {
	path := s.disabledPath(ownerID)
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return
	}
	if err := os.WriteFile(path, []byte(time.Now().UTC().Format(time.RFC3339)+"\n"), 0600); err != nil {
		s.logger.Printf("Warning: could not write auto-sync disable marker for %s: %v", ownerID, err)
	}
}

// TokenSource returns an oauth2.TokenSource backed by GetValidToken, so the
// HTTP layer always sees a current token and refreshes funnel through the
// per-owner lock.
func (s *Store) TokenSource(ctx context.Context, ownerID string) oauth2.TokenSource {
	return &storeTokenSource{ctx: ctx, store: s, ownerID: ownerID}
}

type storeTokenSource struct {
	ctx     context.Context
	store   *Store
	ownerID string
}

func (ts *storeTokenSource) Token() (*oauth2.Token, error) {
	return ts.store.GetValidToken(ts.ctx, ts.ownerID)
}
