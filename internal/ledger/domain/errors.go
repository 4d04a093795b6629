package domain

import "errors"

var (
	ErrInvalidOrganization   = errors.New("invalid_organization")
	ErrInvalidEnvironment    = errors.New("invalid_environment")
	ErrInvalidCustomer       = errors.New("invalid_customer")
	ErrInvalidFeature        = errors.New("invalid_feature")
	ErrInvalidAmount         = errors.New("invalid_amount")
	ErrInvalidCandidate      = errors.New("invalid_candidate")
	ErrInvalidTargetField    = errors.New("invalid_target_field")
	ErrNoCandidates          = errors.New("no_candidates")
	ErrNotFound              = errors.New("not_found")
	ErrOverageBlocked        = errors.New("overage_blocked")
	ErrInternalInconsistency = errors.New("internal_inconsistency")
	ErrTransientStore        = errors.New("transient_store_failure")
)
