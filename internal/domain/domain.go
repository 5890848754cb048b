// Package domain holds the core entities and ports of the task and
// scan-pipeline runtime. Adapters implement the repository, broker, and
// data-source interfaces declared here.
package domain

import (
	"context"
	"errors"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrNetwork         = errors.New("network error")
	ErrRateLimited     = errors.New("rate limited")
	ErrCancelled       = errors.New("cancelled")
	ErrNotConfigured   = errors.New("not configured")
	ErrInternal        = errors.New("internal error")
)

// Context is an alias so ports read uniformly; adapters pass context.Context.
type Context = context.Context
