package domain

import "errors"

// Engine error taxonomy. Every engine operation fails with exactly one of
// these; callers match with errors.Is.
var (
	ErrInvalidCollateral    = errors.New("unregistered collateral type")
	ErrInvalidSeries        = errors.New("unregistered series")
	ErrNotAuthorized        = errors.New("caller is not owner or delegate")
	ErrBelowDust            = errors.New("resulting amount below dust threshold")
	ErrUndercollateralized  = errors.New("position would be undercollateralized")
	ErrTooMuchDebt          = errors.New("borrow exceeds borrowing power")
	ErrCollateralized       = errors.New("position is healthy")
	ErrAlreadyInLiquidation = errors.New("user already has an active auction")
	ErrNotInLiquidation     = errors.New("no active auction for user")
	ErrNotReady             = errors.New("settlement prerequisite not completed")
	ErrNotLive              = errors.New("engine is shut down")
	ErrStillLive            = errors.New("engine has not shut down")
)

// Infrastructure errors shared by stores, caches and collaborators.
var (
	ErrNotFound            = errors.New("not found")
	ErrAlreadyExists       = errors.New("already exists")
	ErrInsufficientFunds   = errors.New("insufficient funds")
	ErrInsufficientBalance = errors.New("insufficient token balance")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrLockHeld            = errors.New("lock already held")
	ErrRateLimited         = errors.New("rate limited")
	ErrStalePrice          = errors.New("cached price is stale")
	ErrNotMatured          = errors.New("series has not matured")
)
