package auth

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/lila/deviceconnect/internal/credstore"
	"github.com/lila/deviceconnect/internal/logging"
)

// ErrUnauthorized means the user has no usable credential: never linked,
// unlinked, or the vendor refused to refresh. Callers skip the user.
var ErrUnauthorized = errors.New("user not authorized")

// RecordStore is the part of the credential store the provider reads and
// writes: one token record per identity.
type RecordStore interface {
	Get(ctx context.Context, identity string) (*credstore.TokenRecord, error)
	Put(ctx context.Context, identity string, rec credstore.TokenRecord) error
}

// Provider turns a stored token record into a currently-valid access token,
// refreshing against the vendor token endpoint when it has expired.
type Provider struct {
	store RecordStore
	oauth *oauth2.Config
	log   *slog.Logger
}

func NewProvider(log *slog.Logger, store RecordStore, clientID, clientSecret, apiBase string) *Provider {
	return &Provider{
		store: store,
		log:   log,
		oauth: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Scopes:       []string{"offline_access"},
			Endpoint: oauth2.Endpoint{
				AuthURL:  apiBase + "/v2/oauth2/login",
				TokenURL: apiBase + "/v2/oauth2/token",
			},
		},
	}
}

// IsAuthorized reports whether a token record exists for identity.
func (p *Provider) IsAuthorized(ctx context.Context, identity string) (bool, error) {
	rec, err := p.store.Get(ctx, identity)
	if err != nil {
		return false, err
	}
	return rec != nil, nil
}

// ValidToken returns a bearer token for identity that is valid right now.
//
// A fresh token source is built on every call from the persisted record, so no
// token state ever carries over from one user to the next. When the record has
// expired, x/oauth2 refreshes it against the vendor token endpoint and the new
// record (including a rotated refresh token, when issued) is written back to the
// store before the token is handed out. Any failure along the way is logged and
// collapsed into ErrUnauthorized; it never aborts a caller iterating many users.
func (p *Provider) ValidToken(ctx context.Context, identity string) (string, error) {
	rec, err := p.store.Get(ctx, identity)
	if err != nil {
		p.log.Warn("token_lookup_failed", "identity", identity, "error", err)
		return "", ErrUnauthorized
	}
	if rec == nil {
		return "", ErrUnauthorized
	}

	stale := &oauth2.Token{
		AccessToken:  rec.AccessToken,
		RefreshToken: rec.RefreshToken,
		Expiry:       rec.ExpiresAt,
	}

	fresh, err := p.oauth.TokenSource(ctx, stale).Token()
	if err != nil {
		if isPermanentRefreshError(err) {
			p.log.Warn("token_refresh_rejected", "identity", identity, "error", err)
		} else {
			p.log.Warn("token_refresh_failed", "identity", identity, "error", err)
		}
		return "", ErrUnauthorized
	}

	if fresh.AccessToken != rec.AccessToken {
		updated := credstore.TokenRecord{
			AccessToken:  fresh.AccessToken,
			RefreshToken: rec.RefreshToken,
			ExpiresAt:    fresh.Expiry,
			ExpiresIn:    int64(time.Until(fresh.Expiry).Seconds()),
		}
		// rotated refresh token must replace the old one or the next refresh fails
		if fresh.RefreshToken != "" && fresh.RefreshToken != rec.RefreshToken {
			updated.RefreshToken = fresh.RefreshToken
		}
		if err := p.store.Put(ctx, identity, updated); err != nil {
			p.log.Warn("token_persist_failed", "identity", identity, "error", err)
			return "", ErrUnauthorized
		}
		p.log.Debug("token_refreshed",
			"identity", identity,
			"token", logging.MaskToken(fresh.AccessToken),
			"expires_at", fresh.Expiry.Format(time.RFC3339),
		)
	}

	return fresh.AccessToken, nil
}

// isPermanentRefreshError distinguishes revoked consent from transient
// network trouble, for log signal only; both map to ErrUnauthorized.
func isPermanentRefreshError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"invalid_grant", "invalid_client", "unauthorized_client", "revoked"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
