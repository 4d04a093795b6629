package domain

import (
	"errors"

	"github.com/smallbiznis/balancer/internal/cache"
	ledgerdomain "github.com/smallbiznis/balancer/internal/ledger/domain"
	"github.com/smallbiznis/balancer/internal/lock"
)

var (
	ErrNoDeductions          = errors.New("no_deductions")
	ErrDuplicateFeature      = errors.New("duplicate_feature")
	ErrUnknownFeature        = errors.New("unknown_feature")
	ErrLockTimeout           = lock.ErrLockTimeout
	ErrTransientStore        = ledgerdomain.ErrTransientStore
	ErrOverageBlocked        = ledgerdomain.ErrOverageBlocked
	ErrInternalInconsistency = ledgerdomain.ErrInternalInconsistency
	ErrStaleCacheWrite       = cache.ErrStaleCacheWrite
)

// IsRetryable reports whether the caller may retry the same request.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrLockTimeout) || errors.Is(err, ErrTransientStore)
}
