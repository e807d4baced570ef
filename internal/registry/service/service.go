package service

import (
	"context"
	"errors"
	"iter"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"quickex/internal/registry/metrics"
	"quickex/internal/registry/models"
	"quickex/pkg/domain"
	dErrors "quickex/pkg/domain-errors"
	"quickex/pkg/platform/audit"
	"quickex/pkg/platform/sentinel"
	"quickex/pkg/requestcontext"
)

const (
	DefaultReleaseCooldown = 24 * time.Hour
	DefaultTransferTimeout = 60 * time.Second
	DefaultClaimAttempts   = 3
	defaultClaimBackoff    = 10 * time.Millisecond
)

// BindingStore persists bindings with conditional writes.
type BindingStore interface {
	Find(ctx context.Context, username domain.Username) (*models.Binding, error)
	Insert(ctx context.Context, b *models.Binding) (*models.Binding, error)
	Update(ctx context.Context, b *models.Binding) (*models.Binding, error)
	ListByAddress(ctx context.Context, address domain.Address) ([]*models.Binding, error)
	ListTransferring(ctx context.Context) iter.Seq2[*models.Binding, error]
}

// TokenHasher hashes and verifies owner tokens.
type TokenHasher interface {
	Hash(token string) (string, error)
	Verify(token, hash string) error
}

// Service owns username bindings. Uniqueness is enforced by the store's
// conditional writes; the service holds no locks.
type Service struct {
	store           BindingStore
	hasher          TokenHasher
	logger          *slog.Logger
	metrics         *metrics.Metrics
	releaseCooldown time.Duration
	transferTimeout time.Duration
	claimAttempts   int
	claimBackoff    time.Duration
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithReleaseCooldown sets how long a released username stays unclaimable.
func WithReleaseCooldown(d time.Duration) Option {
	return func(s *Service) {
		if d >= 0 {
			s.releaseCooldown = d
		}
	}
}

// WithTransferTimeout sets the age after which an in-flight transfer is reverted.
func WithTransferTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.transferTimeout = d
		}
	}
}

// WithClaimRetry sets the total claim attempts and the initial backoff between them.
func WithClaimRetry(attempts int, initial time.Duration) Option {
	return func(s *Service) {
		if attempts > 0 {
			s.claimAttempts = attempts
		}
		if initial > 0 {
			s.claimBackoff = initial
		}
	}
}

func New(store BindingStore, hasher TokenHasher, opts ...Option) *Service {
	s := &Service{
		store:           store,
		hasher:          hasher,
		releaseCooldown: DefaultReleaseCooldown,
		transferTimeout: DefaultTransferTimeout,
		claimAttempts:   DefaultClaimAttempts,
		claimBackoff:    defaultClaimBackoff,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// TransferTimeout reports the configured transfer timeout.
func (s *Service) TransferTimeout() time.Duration {
	return s.transferTimeout
}

// Claim binds username to address for the holder of ownerToken.
func (s *Service) Claim(ctx context.Context, rawUsername, rawAddress, ownerToken string) (*models.Binding, error) {
	username, err := domain.ParseUsername(rawUsername)
	if err != nil {
		s.metrics.IncrementClaim("invalid")
		return nil, err
	}
	address, err := domain.ParseAddress(rawAddress)
	if err != nil {
		s.metrics.IncrementClaim("invalid")
		return nil, err
	}
	tokenHash, err := s.hasher.Hash(ownerToken)
	if err != nil {
		s.metrics.IncrementClaim("invalid")
		return nil, s.hashErr(err)
	}
	now := requestcontext.Now(ctx)

	attempt := func() (*models.Binding, error) {
		existing, err := s.store.Find(ctx, username)
		if errors.Is(err, sentinel.ErrNotFound) {
			b, err := models.NewBinding(username, address, tokenHash, now)
			if err != nil {
				return nil, backoff.Permanent(err)
			}
			return s.claimWrite(s.store.Insert(ctx, b))
		}
		if err != nil {
			return nil, backoff.Permanent(dErrors.Transient(err, "failed to load username"))
		}
		if !existing.CanBeReclaimed(now, s.releaseCooldown) {
			return nil, backoff.Permanent(dErrors.New(dErrors.CodeAlreadyTaken, "username is already taken"))
		}
		existing.Reclaim(address, tokenHash, now)
		return s.claimWrite(s.store.Update(ctx, existing))
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = s.claimBackoff
	eb.MaxInterval = 10 * s.claimBackoff
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(s.claimAttempts-1)), ctx)

	binding, err := backoff.RetryNotifyWithData(attempt, policy, func(error, time.Duration) {
		s.metrics.IncrementClaimRetry()
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			s.metrics.IncrementClaim("error")
			return nil, dErrors.Transient(ctxErr, "claim timed out")
		}
		if errors.Is(err, sentinel.ErrConflict) {
			err = dErrors.New(dErrors.CodeAlreadyTaken, "username is already taken")
		}
		if dErrors.HasCode(err, dErrors.CodeAlreadyTaken) {
			s.metrics.IncrementClaim("taken")
		} else {
			s.metrics.IncrementClaim("error")
		}
		return nil, err
	}

	s.metrics.IncrementClaim("claimed")
	audit.Log(ctx, s.logger, audit.EventUsernameClaimed,
		"username", binding.Username,
		"address", binding.Address,
		"version", binding.Version,
	)
	return binding, nil
}

// claimWrite keeps lost races retryable and stops on everything else.
func (s *Service) claimWrite(b *models.Binding, err error) (*models.Binding, error) {
	if err == nil {
		return b, nil
	}
	if errors.Is(err, sentinel.ErrConflict) {
		return nil, err
	}
	return nil, backoff.Permanent(dErrors.Transient(err, "failed to store username"))
}

// Resolve returns the address bound to username. Released usernames are not found.
func (s *Service) Resolve(ctx context.Context, rawUsername string) (domain.Address, error) {
	b, err := s.Lookup(ctx, rawUsername)
	if err != nil {
		return "", err
	}
	return b.Address, nil
}

// Lookup returns the resolvable binding for username.
func (s *Service) Lookup(ctx context.Context, rawUsername string) (*models.Binding, error) {
	username, err := domain.ParseUsername(rawUsername)
	if err != nil {
		return nil, err
	}
	b, err := s.store.Find(ctx, username)
	if err != nil {
		return nil, s.storeErr(err, "failed to load username")
	}
	if !b.Resolvable() {
		return nil, dErrors.New(dErrors.CodeNotFound, "username not found")
	}
	return b, nil
}

// ListByAddress returns the resolvable usernames bound to address, in username order.
func (s *Service) ListByAddress(ctx context.Context, rawAddress string) ([]*models.Binding, error) {
	address, err := domain.ParseAddress(rawAddress)
	if err != nil {
		return nil, err
	}
	all, err := s.store.ListByAddress(ctx, address)
	if err != nil {
		return nil, dErrors.Transient(err, "failed to list usernames")
	}
	out := make([]*models.Binding, 0, len(all))
	for _, b := range all {
		if b.Resolvable() {
			out = append(out, b)
		}
	}
	return out, nil
}

// Transfer hands username to the holder of newOwnerToken in two conditional writes.
// A failure after the first write leaves the binding Transferring until it is
// completed or reverted by RecoverStaleTransfers.
func (s *Service) Transfer(ctx context.Context, rawUsername, ownerToken, newOwnerToken string) (*models.Binding, error) {
	username, err := domain.ParseUsername(rawUsername)
	if err != nil {
		return nil, err
	}
	pendingHash, err := s.hasher.Hash(newOwnerToken)
	if err != nil {
		return nil, s.hashErr(err)
	}
	b, err := s.authorized(ctx, username, ownerToken)
	if err != nil {
		s.transferOutcome(err)
		return nil, err
	}
	if err := b.CanBeginTransfer(); err != nil {
		s.transferOutcome(err)
		return nil, err
	}
	now := requestcontext.Now(ctx)

	b.ApplyBeginTransfer(pendingHash, now)
	pending, err := s.store.Update(ctx, b)
	if err != nil {
		err = s.storeErr(err, "failed to begin transfer")
		s.transferOutcome(err)
		return nil, err
	}

	if err := pending.CompleteTransfer(now); err != nil {
		return nil, err
	}
	done, err := s.store.Update(ctx, pending)
	if err != nil {
		s.metrics.IncrementTransfer("interrupted")
		audit.Log(ctx, s.logger, audit.EventUsernameTransferInterrupted,
			"username", username,
			"version", pending.Version,
			"error", err,
		)
		return nil, s.storeErr(err, "failed to complete transfer")
	}

	s.metrics.IncrementTransfer("transferred")
	audit.Log(ctx, s.logger, audit.EventUsernameTransferred,
		"username", done.Username,
		"version", done.Version,
	)
	return done, nil
}

// Release marks username Released. The record is kept; the name becomes claimable after the cooldown.
func (s *Service) Release(ctx context.Context, rawUsername, ownerToken string) (*models.Binding, error) {
	username, err := domain.ParseUsername(rawUsername)
	if err != nil {
		return nil, err
	}
	b, err := s.authorized(ctx, username, ownerToken)
	if err != nil {
		return nil, err
	}
	if err := b.Release(requestcontext.Now(ctx)); err != nil {
		return nil, err
	}
	released, err := s.store.Update(ctx, b)
	if err != nil {
		return nil, s.storeErr(err, "failed to release username")
	}

	s.metrics.IncrementRelease()
	audit.Log(ctx, s.logger, audit.EventUsernameReleased,
		"username", released.Username,
		"version", released.Version,
	)
	return released, nil
}

// RecoverStaleTransfers reverts transfers older than the transfer timeout to
// their original owner. Bindings changed concurrently are skipped.
func (s *Service) RecoverStaleTransfers(ctx context.Context) (int, error) {
	now := requestcontext.Now(ctx)
	recovered := 0
	defer func() { s.metrics.AddRecovered(recovered) }()

	for b, err := range s.store.ListTransferring(ctx) {
		if err != nil {
			return recovered, dErrors.Transient(err, "failed to list transfers")
		}
		if !b.TransferExpired(now, s.transferTimeout) {
			continue
		}
		if err := b.RevertTransfer(now); err != nil {
			continue
		}
		reverted, err := s.store.Update(ctx, b)
		if errors.Is(err, sentinel.ErrConflict) {
			// phase two or another sweeper got there first
			continue
		}
		if err != nil {
			return recovered, dErrors.Transient(err, "failed to revert transfer")
		}
		recovered++
		audit.Log(ctx, s.logger, audit.EventUsernameTransferRecovered,
			"username", reverted.Username,
			"version", reverted.Version,
		)
	}
	return recovered, nil
}

// authorized loads a resolvable binding and checks the owner token against it.
func (s *Service) authorized(ctx context.Context, username domain.Username, ownerToken string) (*models.Binding, error) {
	b, err := s.store.Find(ctx, username)
	if err != nil {
		return nil, s.storeErr(err, "failed to load username")
	}
	if !b.Resolvable() {
		return nil, dErrors.New(dErrors.CodeNotFound, "username not found")
	}
	if err := s.hasher.Verify(ownerToken, b.OwnerTokenHash); err != nil {
		if dErrors.HasCode(err, dErrors.CodeUnauthorized) {
			return nil, err
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to verify owner token")
	}
	return b, nil
}

func (s *Service) storeErr(err error, msg string) error {
	switch {
	case errors.Is(err, sentinel.ErrNotFound):
		return dErrors.New(dErrors.CodeNotFound, "username not found")
	case errors.Is(err, sentinel.ErrConflict):
		return dErrors.New(dErrors.CodeConflict, "username was modified concurrently")
	default:
		return dErrors.Transient(err, msg)
	}
}

func (s *Service) hashErr(err error) error {
	if dErrors.IsDomain(err) {
		return err
	}
	return dErrors.Wrap(err, dErrors.CodeInternal, "failed to hash owner token")
}

func (s *Service) transferOutcome(err error) {
	switch {
	case dErrors.HasCode(err, dErrors.CodeUnauthorized):
		s.metrics.IncrementTransfer("unauthorized")
	case dErrors.HasCode(err, dErrors.CodeConflict):
		s.metrics.IncrementTransfer("conflict")
	default:
		s.metrics.IncrementTransfer("error")
	}
}
