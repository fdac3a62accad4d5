// Package credentials resolves account credential handles into usable
// OAuth2 token sources, refreshing expired tokens transparently.
//
// The sync core never touches raw secrets; it carries only the opaque
// credential ref stored on each account and hands it to a Provider.
package credentials

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	calendar "google.golang.org/api/calendar/v3"
)

// Provider exchanges a credential ref for a valid token source.
type Provider interface {
	// TokenSource returns a refreshing token source for the credential ref.
	// Tokens it yields are always valid at the time of use.
	TokenSource(ctx context.Context, ref string) (oauth2.TokenSource, error)
}

// FileProvider stores one OAuth2 token per credential ref as
// token-<ref>.json under a directory, the ref being the opaque handle
// recorded on the account.
type FileProvider struct {
	dir    string
	config *oauth2.Config
}

// NewFileProvider creates a file-backed provider.
//
// clientID and clientSecret identify the OAuth2 application; dir is where
// token files live (created on demand).
func NewFileProvider(dir, clientID, clientSecret string) *FileProvider {
	return &FileProvider{
		dir: dir,
		config: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint:     google.Endpoint,
			Scopes:       []string{calendar.CalendarScope},
			RedirectURL:  "urn:ietf:wg:oauth:2.0:oob",
		},
	}
}

// AuthCodeURL returns the URL a user visits to authorize a new account.
func (p *FileProvider) AuthCodeURL() string {
	return p.config.AuthCodeURL("state-token", oauth2.AccessTypeOffline)
}

// Exchange trades an authorization code for a token and stores it under
// the given ref. Returns the stored token.
func (p *FileProvider) Exchange(ctx context.Context, ref, authCode string) (*oauth2.Token, error) {
	token, err := p.config.Exchange(ctx, authCode)
	if err != nil {
		return nil, fmt.Errorf("unable to retrieve token from web: %w", err)
	}
	if err := p.saveToken(ref, token); err != nil {
		return nil, err
	}
	return token, nil
}

// TokenSource implements Provider. The returned source refreshes expired
// tokens using the stored refresh token and persists the result so the
// next process start doesn't need to refresh again.
func (p *FileProvider) TokenSource(ctx context.Context, ref string) (oauth2.TokenSource, error) {
	token, err := p.loadToken(ref)
	if err != nil {
		return nil, err
	}
	return &savingTokenSource{
		provider: p,
		ref:      ref,
		base:     p.config.TokenSource(ctx, token),
		last:     token,
	}, nil
}

// Remove deletes the stored token for a ref.
func (p *FileProvider) Remove(ref string) error {
	path := p.tokenPath(ref)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove token %s: %w", ref, err)
	}
	return nil
}

func (p *FileProvider) tokenPath(ref string) string {
	return filepath.Join(p.dir, "token-"+ref+".json")
}

func (p *FileProvider) loadToken(ref string) (*oauth2.Token, error) {
	data, err := os.ReadFile(p.tokenPath(ref))
	if err != nil {
		return nil, fmt.Errorf("failed to read token for ref %s: %w", ref, err)
	}
	var token oauth2.Token
	if err := json.Unmarshal(data, &token); err != nil {
		return nil, fmt.Errorf("failed to parse token for ref %s: %w", ref, err)
	}
	return &token, nil
}

func (p *FileProvider) saveToken(ref string, token *oauth2.Token) error {
	if err := os.MkdirAll(p.dir, 0700); err != nil {
		return fmt.Errorf("failed to create token directory: %w", err)
	}
	data, err := json.MarshalIndent(token, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal token: %w", err)
	}
	// 0600: token files carry refresh tokens.
	if err := os.WriteFile(p.tokenPath(ref), data, 0600); err != nil {
		return fmt.Errorf("failed to write token for ref %s: %w", ref, err)
	}
	return nil
}

// savingTokenSource persists tokens whenever the underlying source
// refreshes them.
type savingTokenSource struct {
	provider *FileProvider
	ref      string
	base     oauth2.TokenSource
	last     *oauth2.Token
}

func (s *savingTokenSource) Token() (*oauth2.Token, error) {
	token, err := s.base.Token()
	if err != nil {
		return nil, err
	}
	if s.last == nil || token.AccessToken != s.last.AccessToken {
		s.last = token
		if err := s.provider.saveToken(s.ref, token); err != nil {
			// Refresh succeeded; failing to persist shouldn't fail the call.
			fmt.Fprintf(os.Stderr, "Warning: failed to persist refreshed token: %v\n", err)
		}
	}
	return token, nil
}
