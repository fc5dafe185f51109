package domain

import "errors"

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrConflict      = errors.New("concurrent modification")
	ErrRateLimited   = errors.New("rate limited")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrLockHeld      = errors.New("lock already held")

	ErrInsufficientFunds     = errors.New("insufficient funds")
	ErrInvalidGoal           = errors.New("invalid goal")
	ErrInvalidActivityTypes  = errors.New("invalid activity types")
	ErrInvalidInput          = errors.New("invalid input")
	ErrInvitationUnavailable = errors.New("invitation unavailable")
	ErrNotAParticipant       = errors.New("not a participant")
	ErrSelfInviteForbidden   = errors.New("cannot invite yourself")
	ErrNoActiveChallenge     = errors.New("no active challenge")
	ErrDuplicatePact         = errors.New("a pact already exists between these players")
	ErrInvalidState          = errors.New("operation not allowed in current state")
	ErrChestAlreadyClaimed   = errors.New("daily chest already claimed")
)
