package token

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"golang.org/x/oauth2"

	"github.com/hivemail/syncd/internal/models"
)

var (
	// ErrCredentialUnavailable means no token is stored for the account
	ErrCredentialUnavailable = errors.New("no credential stored for account")
	// ErrReauthRequired means the refresh token was rejected upstream and
	// the account owner must reconnect
	ErrReauthRequired = errors.New("token refresh failed, re-authentication required")
)

// expirySkew treats tokens expiring within this window as already expired
// so a credential handed out is usable for the whole upstream call.
const expirySkew = 5 * time.Minute

const (
	googleTokenURL    = "https://oauth2.googleapis.com/token"
	microsoftTokenFmt = "https://login.microsoftonline.com/%s/oauth2/v2.0/token"
)

// Credential is a usable bearer token for one account
type Credential struct {
	AccessToken string
	ExpiresAt   time.Time
}

// AccountStore is the subset of account persistence the provider needs
type AccountStore interface {
	GetByID(ctx context.Context, accountID string) (*models.Account, error)
	UpdateTokens(ctx context.Context, accountID string, accessToken string, refreshToken string, expiresAt time.Time) error
}

// Provider returns usable bearer credentials, refreshing and persisting
// them transparently when expired.
type Provider struct {
	accounts AccountStore

	googleClientID     string
	googleClientSecret string
	msClientID         string
	msClientSecret     string
	msTenantID         string
}

func NewProvider(accounts AccountStore, googleClientID, googleClientSecret, msClientID, msClientSecret, msTenantID string) *Provider {
	return &Provider{
		accounts:           accounts,
		googleClientID:     googleClientID,
		googleClientSecret: googleClientSecret,
		msClientID:         msClientID,
		msClientSecret:     msClientSecret,
		msTenantID:         msTenantID,
	}
}

// GetUsableCredential loads the account and returns a bearer credential,
// refreshing and persisting a new token if the stored one is expired.
func (p *Provider) GetUsableCredential(ctx context.Context, accountID string) (*Credential, *models.Account, error) {
	account, err := p.accounts.GetByID(ctx, accountID)
	if err != nil {
		return nil, nil, err
	}

	if account.AccessToken == nil || *account.AccessToken == "" {
		return nil, account, fmt.Errorf("account %s: %w", accountID, ErrCredentialUnavailable)
	}

	// IMAP credentials are static app passwords; nothing expires or refreshes.
	if account.Provider == models.ProviderIMAP {
		return &Credential{AccessToken: *account.AccessToken}, account, nil
	}

	if !p.isExpired(account.AccessTokenExpiresAt) {
		cred := &Credential{AccessToken: *account.AccessToken}
		if account.AccessTokenExpiresAt != nil {
			cred.ExpiresAt = *account.AccessTokenExpiresAt
		}
		return cred, account, nil
	}

	log.Printf("Access token expired for account %s, refreshing...", accountID)
	cred, err := p.refresh(ctx, account)
	if err != nil {
		return nil, account, err
	}
	return cred, account, nil
}

// isExpired checks if access token is expired or will expire within the skew
func (p *Provider) isExpired(expiresAt *time.Time) bool {
	if expiresAt == nil {
		return true // assume expired if no expiry time
	}
	return time.Now().Add(expirySkew).After(*expiresAt)
}

func (p *Provider) refresh(ctx context.Context, account *models.Account) (*Credential, error) {
	if account.RefreshToken == nil || *account.RefreshToken == "" {
		return nil, fmt.Errorf("account %s: %w", account.ID, ErrCredentialUnavailable)
	}

	cfg, err := p.oauthConfig(account.Provider)
	if err != nil {
		return nil, err
	}

	src := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: *account.RefreshToken})
	newToken, err := src.Token()
	if err != nil {
		return nil, fmt.Errorf("account %s: %w: %v", account.ID, ErrReauthRequired, err)
	}

	// Some providers rotate the refresh token on use; keep whichever is live.
	refreshToken := *account.RefreshToken
	if newToken.RefreshToken != "" && newToken.RefreshToken != refreshToken {
		refreshToken = newToken.RefreshToken
	}

	if err := p.accounts.UpdateTokens(ctx, account.ID, newToken.AccessToken, refreshToken, newToken.Expiry); err != nil {
		return nil, fmt.Errorf("failed to persist refreshed tokens: %w", err)
	}

	log.Printf("Token refreshed for account %s, expires at %s", account.ID, newToken.Expiry)

	return &Credential{AccessToken: newToken.AccessToken, ExpiresAt: newToken.Expiry}, nil
}

func (p *Provider) oauthConfig(kind models.ProviderKind) (*oauth2.Config, error) {
	switch kind {
	case models.ProviderGoogle:
		return &oauth2.Config{
			ClientID:     p.googleClientID,
			ClientSecret: p.googleClientSecret,
			Endpoint:     oauth2.Endpoint{TokenURL: googleTokenURL},
		}, nil
	case models.ProviderMicrosoft:
		return &oauth2.Config{
			ClientID:     p.msClientID,
			ClientSecret: p.msClientSecret,
			Endpoint:     oauth2.Endpoint{TokenURL: fmt.Sprintf(microsoftTokenFmt, p.msTenantID)},
		}, nil
	case models.ProviderIMAP:
		// IMAP accounts carry a static credential; there is nothing to refresh.
		return nil, fmt.Errorf("account provider %s: %w", kind, ErrCredentialUnavailable)
	default:
		return nil, fmt.Errorf("unsupported provider %q", kind)
	}
}
