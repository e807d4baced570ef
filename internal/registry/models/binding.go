package models

import (
	"time"

	"quickex/pkg/domain"
	dErrors "quickex/pkg/domain-errors"
)

// Status of a username binding.
type Status string

const (
	StatusActive       Status = "active"
	StatusReleased     Status = "released"
	StatusTransferring Status = "transferring"
)

func (s Status) IsValid() bool {
	switch s {
	case StatusActive, StatusReleased, StatusTransferring:
		return true
	}
	return false
}

// Binding is the aggregate root for a username alias.
//
// Invariants:
//   - Username is normalized; at most one Active or Transferring binding exists per username
//   - OwnerTokenHash is always set; PendingOwnerTokenHash only while Transferring
//   - TransferStartedAt is set only while Transferring, ReleasedAt only while Released
//   - Version equals the storage record version and grows on every mutation
//   - Transitions: Active -> Transferring -> Active, Active -> Released -> Active (reclaim)
type Binding struct {
	Username              domain.Username `json:"username"`
	Address               domain.Address  `json:"address"`
	OwnerTokenHash        string          `json:"owner_token_hash"`
	PendingOwnerTokenHash string          `json:"pending_owner_token_hash,omitempty"`
	Status                Status          `json:"status"`
	Version               int64           `json:"-"`
	CreatedAt             time.Time       `json:"created_at"`
	UpdatedAt             time.Time       `json:"updated_at"`
	TransferStartedAt     *time.Time      `json:"transfer_started_at,omitempty"`
	ReleasedAt            *time.Time      `json:"released_at,omitempty"`
}

// NewBinding creates an Active binding. Version is assigned by the store.
func NewBinding(username domain.Username, address domain.Address, ownerTokenHash string, now time.Time) (*Binding, error) {
	if username == "" || address == "" {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "binding requires username and address")
	}
	if ownerTokenHash == "" {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "binding requires an owner token hash")
	}
	return &Binding{
		Username:       username,
		Address:        address,
		OwnerTokenHash: ownerTokenHash,
		Status:         StatusActive,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

// Resolvable reports whether lookups should return the bound address.
// A Transferring binding still resolves to its address.
func (b *Binding) Resolvable() bool {
	return b.Status == StatusActive || b.Status == StatusTransferring
}

// CanBeReclaimed reports whether a released binding has cooled down enough to be claimed again.
func (b *Binding) CanBeReclaimed(now time.Time, cooldown time.Duration) bool {
	if b.Status != StatusReleased || b.ReleasedAt == nil {
		return false
	}
	return !now.Before(b.ReleasedAt.Add(cooldown))
}

// Reclaim rebinds a cooled-down released username to a new owner.
func (b *Binding) Reclaim(address domain.Address, ownerTokenHash string, now time.Time) {
	b.Address = address
	b.OwnerTokenHash = ownerTokenHash
	b.PendingOwnerTokenHash = ""
	b.Status = StatusActive
	b.CreatedAt = now
	b.UpdatedAt = now
	b.TransferStartedAt = nil
	b.ReleasedAt = nil
}

// CanBeginTransfer checks that the binding is Active.
func (b *Binding) CanBeginTransfer() error {
	switch b.Status {
	case StatusActive:
		return nil
	case StatusTransferring:
		return dErrors.New(dErrors.CodeConflict, "a transfer is already in progress")
	default:
		return dErrors.New(dErrors.CodeNotFound, "username not found")
	}
}

// ApplyBeginTransfer moves the binding to Transferring with the new owner's token hash pending.
// Call CanBeginTransfer first.
func (b *Binding) ApplyBeginTransfer(pendingHash string, now time.Time) {
	b.Status = StatusTransferring
	b.PendingOwnerTokenHash = pendingHash
	b.TransferStartedAt = &now
	b.UpdatedAt = now
}

// CompleteTransfer promotes the pending token to owner.
func (b *Binding) CompleteTransfer(now time.Time) error {
	if b.Status != StatusTransferring || b.PendingOwnerTokenHash == "" {
		return dErrors.New(dErrors.CodeConflict, "binding is not transferring")
	}
	b.OwnerTokenHash = b.PendingOwnerTokenHash
	b.PendingOwnerTokenHash = ""
	b.Status = StatusActive
	b.TransferStartedAt = nil
	b.UpdatedAt = now
	return nil
}

// RevertTransfer returns a Transferring binding to Active under the original token.
func (b *Binding) RevertTransfer(now time.Time) error {
	if b.Status != StatusTransferring {
		return dErrors.New(dErrors.CodeConflict, "binding is not transferring")
	}
	b.PendingOwnerTokenHash = ""
	b.Status = StatusActive
	b.TransferStartedAt = nil
	b.UpdatedAt = now
	return nil
}

// TransferExpired reports whether an in-flight transfer is older than timeout.
func (b *Binding) TransferExpired(now time.Time, timeout time.Duration) bool {
	if b.Status != StatusTransferring || b.TransferStartedAt == nil {
		return false
	}
	return now.Sub(*b.TransferStartedAt) >= timeout
}

// Release marks the binding Released. Released bindings are kept, never deleted.
func (b *Binding) Release(now time.Time) error {
	switch b.Status {
	case StatusActive:
	case StatusTransferring:
		return dErrors.New(dErrors.CodeConflict, "cannot release during a transfer")
	default:
		return dErrors.New(dErrors.CodeNotFound, "username not found")
	}
	b.Status = StatusReleased
	b.ReleasedAt = &now
	b.UpdatedAt = now
	return nil
}
