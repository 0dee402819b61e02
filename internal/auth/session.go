package auth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"github.com/orbitdeploy/orbit/internal/credentials"
	"github.com/orbitdeploy/orbit/internal/hosting"
)

// CredentialStore is the slice of the credential store the session needs.
type CredentialStore interface {
	Load() (credentials.Credential, error)
	Save(token, invitationCode string)
	Delete()
}

// ControlPlane is the slice of the hosting client the session needs.
type ControlPlane interface {
	ValidateToken(ctx context.Context, token string) error
	FetchToken(ctx context.Context, requestID string) (token, invitationCode string, err error)
}

// BrowserOpener launches the user's browser at the given URL. Success means
// only that the launch call succeeded, not that a page loaded.
type BrowserOpener func(target string) error

// Session builds an authenticated session: cached credential first, browser
// handshake as the fallback. The on-disk credential is only ever deleted on
// an explicit denial from the server, never on a transient failure.
type Session struct {
	store       CredentialStore
	api         ControlPlane
	openBrowser BrowserOpener
	webURL      string
	retries     int
	sleep       time.Duration
	out         io.Writer
	log         *slog.Logger
}

// NewSession wires a Session from its collaborators.
func NewSession(store CredentialStore, api ControlPlane, openBrowser BrowserOpener, webURL string, retries int, sleep time.Duration, out io.Writer, logger *slog.Logger) *Session {
	return &Session{
		store:       store,
		api:         api,
		openBrowser: openBrowser,
		webURL:      webURL,
		retries:     retries,
		sleep:       sleep,
		out:         out,
		log:         logger,
	}
}

// Ensure returns a validated access token, falling back to the interactive
// browser flow when no cached credential works.
func (s *Session) Ensure(ctx context.Context) (string, error) {
	cred, err := s.store.Load()
	if err == nil {
		err = s.api.ValidateToken(ctx, cred.AccessToken)
		switch {
		case err == nil:
			return cred.AccessToken, nil
		case errors.Is(err, hosting.ErrAccessDenied):
			s.log.Debug("cached token rejected by server, deleting it")
			s.store.Delete()
		default:
			// Transient: the cached token may still be valid, keep it.
			s.log.Debug("unable to validate cached token", "error", err)
			return "", err
		}
	}
	return s.interactive(ctx, cred.InvitationCode)
}

// Authenticated returns a validated token from the cache without ever
// opening a browser. Used by operations where an interactive detour would
// be surprising, such as list or delete.
func (s *Session) Authenticated(ctx context.Context) (string, error) {
	cred, err := s.store.Load()
	if err != nil {
		return "", hosting.ErrNotAuthenticated
	}
	if err := s.api.ValidateToken(ctx, cred.AccessToken); err != nil {
		if errors.Is(err, hosting.ErrAccessDenied) {
			s.store.Delete()
			return "", hosting.ErrNotAuthenticated
		}
		return "", err
	}
	return cred.AccessToken, nil
}

func (s *Session) interactive(ctx context.Context, invitationCode string) (string, error) {
	requestID := strings.ReplaceAll(uuid.NewString(), "-", "")
	target := fmt.Sprintf("%s?request-id=%s&code=%s", s.webURL, requestID, url.QueryEscape(invitationCode))
	fmt.Fprintf(s.out, "Opening %s ...\n", s.webURL)
	if err := s.openBrowser(target); err != nil {
		return "", fmt.Errorf("unable to open the browser to authenticate: %w", err)
	}

	fmt.Fprintln(s.out, "Waiting for access token ...")
	var token, code string
	backoff := retry.WithMaxRetries(uint64(s.retries), retry.NewConstant(s.sleep))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		var fetchErr error
		token, code, fetchErr = s.api.FetchToken(ctx, requestID)
		if fetchErr != nil {
			s.log.Debug("token not available yet", "error", fetchErr)
			return retry.RetryableError(fetchErr)
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: browser authentication did not complete", hosting.ErrNotAuthenticated)
	}

	s.store.Save(token, code)
	if err := s.validateWithRetries(ctx, token); err != nil {
		return "", err
	}
	return token, nil
}

// validateWithRetries confirms a freshly acquired token. A denial is final
// and removes the stored credential; transient failures are retried up to
// the session's budget.
func (s *Session) validateWithRetries(ctx context.Context, token string) error {
	fmt.Fprintln(s.out, "Validating access token ...")
	backoff := retry.WithMaxRetries(uint64(s.retries), retry.NewConstant(s.sleep))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := s.api.ValidateToken(ctx, token)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, hosting.ErrAccessDenied):
			s.store.Delete()
			return err
		default:
			s.log.Debug("unable to validate token", "error", err)
			return retry.RetryableError(err)
		}
	})
}

// Logout opens the browser at the logout page, carrying whatever invitation
// code is cached so the user is not asked for it again. No local credential
// is deleted here.
func (s *Session) Logout() error {
	var invitationCode string
	if cred, err := s.store.Load(); err == nil {
		s.log.Debug("found existing invitation code in config")
		invitationCode = cred.InvitationCode
	}
	fmt.Fprintf(s.out, "Opening %s ...\n", s.webURL)
	if err := s.openBrowser(fmt.Sprintf("%s?code=%s", s.webURL, url.QueryEscape(invitationCode))); err != nil {
		return fmt.Errorf("unable to open the browser to log out: %w", err)
	}
	return nil
}
