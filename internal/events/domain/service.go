package domain

import (
	"context"

	"gorm.io/gorm"
)

type AllocationInvoicer interface {
	InvoiceAllocations(ctx context.Context, inv AllocationInvoice) error
}

type ThresholdNotifier interface {
	NotifyThreshold(ctx context.Context, crossing ThresholdCrossing) error
}

type Repository interface {
	// Insert stores the event unless one with the same dedupe key exists.
	Insert(ctx context.Context, db *gorm.DB, event *Event) (bool, error)
}
