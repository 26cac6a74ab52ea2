package syncer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/hivemail/syncd/internal/models"
	"github.com/hivemail/syncd/internal/queue"
	"github.com/hivemail/syncd/internal/token"
)

// TokenSource supplies a usable credential for the job's account
type TokenSource interface {
	GetUsableCredential(ctx context.Context, accountID string) (*token.Credential, *models.Account, error)
}

// AccountStore records sync completion on the account row
type AccountStore interface {
	MarkSynced(ctx context.Context, accountID string, syncedAt time.Time) error
}

// Runner executes claimed sync jobs. It owns the orchestration side of a
// sync: making sure a valid credential exists (refreshing and persisting
// it when needed) and stamping the account once the job completes. The
// content fetch itself runs in the downstream workers consuming the job
// stream; a job here succeeds when the account is ready for them.
type Runner struct {
	tokens   TokenSource
	accounts AccountStore
}

func NewRunner(tokens TokenSource, accounts AccountStore) *Runner {
	return &Runner{tokens: tokens, accounts: accounts}
}

// Perform readies the account for the sync the job describes. Credential
// failures are permanent: retrying cannot fix a revoked grant, the account
// needs the user to re-authenticate.
func (r *Runner) Perform(ctx context.Context, job models.SyncJob) error {
	_, account, err := r.tokens.GetUsableCredential(ctx, job.AccountID)
	if err != nil {
		// A throttled token endpoint is not a revoked grant; leave those
		// retryable so the backoff schedule applies.
		if (errors.Is(err, token.ErrCredentialUnavailable) || errors.Is(err, token.ErrReauthRequired)) && !queue.IsRateLimited(err) {
			return fmt.Errorf("account %s needs re-authentication: %v: %w", job.AccountID, err, queue.ErrPermanent)
		}
		return fmt.Errorf("credential for account %s: %w", job.AccountID, err)
	}

	if err := r.accounts.MarkSynced(ctx, account.ID, time.Now()); err != nil {
		return err
	}

	log.Printf("Sync job done: account=%s provider=%s mode=%s lane=%s",
		account.ID, account.Provider, job.SyncMode, job.Priority)
	return nil
}
