package auth

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/oauth2"
)

// LocalhostAuthPort is the port the local web server listens on to capture
// the OAuth redirect. It must match a redirect URI registered with the
// provider.
const LocalhostAuthPort = "6789"

// Authorize runs the browser-based authorization-code flow for an owner and
// stores the resulting tokens. It is a CLI-time operation; sync runs only
// ever read and refresh what it saved.
func (s *Store) Authorize(ctx context.Context, ownerID string) (*oauth2.Token, error) {
	config, err := s.OAuthConfig()
	if err != nil {
		return nil, err
	}
	normalizeRedirectURL(config)

	tok, err := s.tokenFromWeb(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to get token from web: %w", err)
	}
	if err := s.StoreTokens(ownerID, tok); err != nil {
		return nil, err
	}
	return tok, nil
}

// normalizeRedirectURL forces the localhost redirect onto LocalhostAuthPort
// so it matches the listener below regardless of what credentials.json says.
func normalizeRedirectURL(config *oauth2.Config) {
	if config.RedirectURL == "urn:ietf:wg:oauth:2.0:oob" || config.RedirectURL == "" {
		config.RedirectURL = fmt.Sprintf("http://localhost:%s/oauth2callback", LocalhostAuthPort)
		return
	}
	parsedURL, err := url.Parse(config.RedirectURL)
	if err != nil {
		return
	}
	if parsedURL.Hostname() == "localhost" || parsedURL.Hostname() == "127.0.0.1" {
		parsedURL.Host = fmt.Sprintf("%s:%s", parsedURL.Hostname(), LocalhostAuthPort)
		config.RedirectURL = parsedURL.String()
	}
}

// tokenFromWeb starts a local HTTP server, sends the user to the consent
// page, and exchanges the captured authorization code for tokens.
func (s *Store) tokenFromWeb(ctx context.Context, config *oauth2.Config) (*oauth2.Token, error) {
	codeCh := make(chan string)
	errCh := make(chan error)

	listener, err := net.Listen("tcp", fmt.Sprintf(":%s", LocalhostAuthPort))
	if err != nil {
		return nil, fmt.Errorf("failed to start listener on port %s: %w", LocalhostAuthPort, err)
	}
	defer listener.Close()

	server := &http.Server{
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			code := r.URL.Query().Get("code")
			if code == "" {
				http.Error(w, "Authorization code not found", http.StatusBadRequest)
				errCh <- fmt.Errorf("authorization code not found in redirect URL")
				return
			}
			fmt.Fprintf(w, "Authentication successful! You can close this window.")
			codeCh <- code
		}),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  15 * time.Second,
	}

	go func() {
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	// AccessTypeOffline is what gets us a refresh token.
	authURL := config.AuthCodeURL("state-token", oauth2.AccessTypeOffline, oauth2.SetAuthURLParam("prompt", "consent"))
	fmt.Printf("Please open the following URL in your browser to authorize calsync:\n%s\n", authURL)
	s.logger.Println("Waiting for authorization code...")

	select {
	case authCode := <-codeCh:
		exchangeCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		tok, err := config.Exchange(exchangeCtx, authCode)
		if err != nil {
			return nil, fmt.Errorf("unable to retrieve token from provider: %w", err)
		}
		server.Shutdown(exchangeCtx)
		return tok, nil
	case err := <-errCh:
		return nil, err
	case <-time.After(5 * time.Minute):
		server.Shutdown(context.Background())
		return nil, fmt.Errorf("authorization timed out. Please try again")
	case <-ctx.Done():
		server.Shutdown(context.Background())
		return nil, ctx.Err()
	}
}
