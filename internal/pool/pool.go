// Package pool manages the rotating set of synthesis credentials: quota
// accounting, per-run quarantine, and best-candidate selection.
package pool

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/book-expert/narration-service/internal/core"
)

// Balance refresh throttling defaults: one check in flight at a time
// with a short inter-call delay, to respect provider rate limits.
const (
	DefaultRefreshLimit = 1
	DefaultRefreshDelay = 250 * time.Millisecond
)

// Static errors.
var (
	// ErrExhausted indicates that no credential is currently eligible
	// for selection.
	ErrExhausted = errors.New("credential pool exhausted")
	// ErrEmpty indicates the pool holds no credentials at all.
	ErrEmpty = errors.New("credential pool is empty")
)

// Pool tracks credentials in insertion order. It is safe for concurrent
// use, although the conversion loop itself is strictly sequential.
type Pool struct {
	mu          sync.Mutex
	credentials []*core.Credential
}

// New builds a pool from a persisted credential list. Quarantine flags
// are reset: quarantine never outlives a run.
func New(credentials []core.Credential) *Pool {
	pool := &Pool{
		mu:          sync.Mutex{},
		credentials: make([]*core.Credential, 0, len(credentials)),
	}

	for i := range credentials {
		credential := credentials[i]
		credential.SessionInvalid = false

		if credential.Status == "" {
			credential.Status = core.CredentialActive
		}

		pool.credentials = append(pool.credentials, &credential)
	}

	return pool
}

// Size returns the number of credentials in the pool, eligible or not.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.credentials)
}

// SelectNext returns the eligible credential with the highest known
// balance; ties and unknown balances fall back to insertion order, with
// unknown balances ranked after every known positive one. When nothing
// is eligible it returns ErrExhausted (or ErrEmpty for an empty pool)
// rather than panicking, so callers can surface a clear message.
func (p *Pool) SelectNext() (*core.Credential, error) {
	return p.SelectNextExcluding(nil)
}

// SelectNextExcluding is SelectNext restricted to credentials whose
// secret is not in excluded. The conversion loop passes the set of
// credentials already tried for the current segment, so a segment
// rotates through every eligible credential instead of re-selecting the
// best one it just failed with.
func (p *Pool) SelectNextExcluding(excluded map[string]struct{}) (*core.Credential, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.credentials) == 0 {
		return nil, ErrEmpty
	}

	var (
		best        *core.Credential
		bestUnknown *core.Credential
	)

	for _, credential := range p.credentials {
		if !eligible(credential) {
			continue
		}

		if _, skip := excluded[credential.Secret]; skip {
			continue
		}

		if credential.Balance == core.BalanceUnknown {
			if bestUnknown == nil {
				bestUnknown = credential
			}

			continue
		}

		if best == nil || credential.Balance > best.Balance {
			best = credential
		}
	}

	if best != nil {
		return best, nil
	}

	if bestUnknown != nil {
		return bestUnknown, nil
	}

	return nil, ErrExhausted
}

// HasEligible reports whether SelectNext would succeed.
func (p *Pool) HasEligible() bool {
	_, err := p.SelectNext()

	return err == nil
}

// RecordSuccess decrements the credential's balance by the number of
// characters sent, floored at zero. A credential that reaches zero is
// flipped to Inactive. Unknown balances stay unknown: only a remote
// check turns them into a number.
func (p *Pool) RecordSuccess(credential *core.Credential, charsSent int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if credential.Balance == core.BalanceUnknown {
		return
	}

	credential.Balance -= charsSent
	if credential.Balance <= 0 {
		credential.Balance = 0
		credential.Status = core.CredentialInactive
	}
}

// RecordFailure applies the provider's verdict for a failed call. An
// authorization failure quarantines the credential for the remainder of
// the run without touching its persisted state; any other failure
// leaves the credential usable.
func (p *Pool) RecordFailure(credential *core.Credential, httpStatus int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if httpStatus == http.StatusUnauthorized {
		credential.SessionInvalid = true
	}
}

// RefreshBalance overwrites the credential's balance and status from a
// remote check. This is the only place a balance can increase.
func (p *Pool) RefreshBalance(
	ctx context.Context,
	provider core.SynthesisProvider,
	credential *core.Credential,
) error {
	info, err := provider.CheckBalance(ctx, credential.Secret)

	p.mu.Lock()
	defer p.mu.Unlock()

	if err != nil {
		if isAuthStatus(err) {
			credential.Status = core.CredentialInactive
			credential.Balance = 0
		} else {
			credential.Status = core.CredentialError
		}

		return fmt.Errorf("balance check failed: %w", err)
	}

	credential.Balance = info.Remaining()
	if credential.Balance > 0 {
		credential.Status = core.CredentialActive
	} else {
		credential.Status = core.CredentialInactive
	}

	return nil
}

// RefreshAll checks every credential with bounded concurrency and a
// fixed delay between launches. Individual failures are recorded on the
// credential and do not abort the sweep; the last error is returned.
func (p *Pool) RefreshAll(
	ctx context.Context,
	provider core.SynthesisProvider,
	limit int,
	delay time.Duration,
) error {
	if limit < 1 {
		limit = DefaultRefreshLimit
	}

	credentials := p.snapshotPointers()

	var (
		waitGroup sync.WaitGroup
		errMu     sync.Mutex
		lastErr   error
	)

	slots := semaphore.NewWeighted(int64(limit))

	for i, credential := range credentials {
		if i > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("balance sweep cancelled: %w", ctx.Err())
			case <-time.After(delay):
			}
		}

		acquireErr := slots.Acquire(ctx, 1)
		if acquireErr != nil {
			return fmt.Errorf("balance sweep cancelled: %w", acquireErr)
		}

		waitGroup.Add(1)

		go func(c *core.Credential) {
			defer waitGroup.Done()
			defer slots.Release(1)

			err := p.RefreshBalance(ctx, provider, c)
			if err != nil {
				errMu.Lock()
				lastErr = err
				errMu.Unlock()
			}
		}(credential)
	}

	waitGroup.Wait()

	return lastErr
}

// Credentials returns a copy of the pool suitable for persistence.
// Quarantine flags are transient and not part of the copy's JSON form.
func (p *Pool) Credentials() []core.Credential {
	p.mu.Lock()
	defer p.mu.Unlock()

	credentials := make([]core.Credential, 0, len(p.credentials))
	for _, credential := range p.credentials {
		credentials = append(credentials, *credential)
	}

	return credentials
}

func (p *Pool) snapshotPointers() []*core.Credential {
	p.mu.Lock()
	defer p.mu.Unlock()

	credentials := make([]*core.Credential, len(p.credentials))
	copy(credentials, p.credentials)

	return credentials
}

func eligible(credential *core.Credential) bool {
	if credential.SessionInvalid {
		return false
	}

	if credential.Status == core.CredentialInactive {
		return false
	}

	if credential.Balance != core.BalanceUnknown && credential.Balance <= 0 {
		return false
	}

	return true
}

// isAuthStatus reports whether err carries an HTTP 401 status.
func isAuthStatus(err error) bool {
	var statusErr interface{ HTTPStatus() int }

	if errors.As(err, &statusErr) {
		return statusErr.HTTPStatus() == http.StatusUnauthorized
	}

	return false
}
