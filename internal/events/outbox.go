package events

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/samber/lo"
	"github.com/smallbiznis/balancer/internal/clock"
	"github.com/smallbiznis/balancer/internal/events/domain"
	ledgerdomain "github.com/smallbiznis/balancer/internal/ledger/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type OutboxParams struct {
	fx.In

	DB     *gorm.DB
	Log    *zap.Logger
	GenID  *snowflake.Node
	Repo   domain.Repository
	Ledger ledgerdomain.Repository
	Clock  clock.Clock
}

// Outbox records billing side effects as balance_events rows. Writes are
// keyed so retried deliveries collapse into one row.
type Outbox struct {
	db     *gorm.DB
	log    *zap.Logger
	genID  *snowflake.Node
	repo   domain.Repository
	ledger ledgerdomain.Repository
	clock  clock.Clock
}

func NewOutbox(p OutboxParams) *Outbox {
	return &Outbox{
		db:     p.DB,
		log:    p.Log.Named("events.outbox"),
		genID:  p.GenID,
		repo:   p.Repo,
		ledger: p.Ledger,
		clock:  p.Clock,
	}
}

func ProvideInvoicer(o *Outbox) domain.AllocationInvoicer { return o }

func ProvideNotifier(o *Outbox) domain.ThresholdNotifier { return o }

func (o *Outbox) InvoiceAllocations(ctx context.Context, inv domain.AllocationInvoice) error {
	if len(inv.AllocationIDs) == 0 {
		return nil
	}
	ids := slices.Clone(inv.AllocationIDs)
	slices.Sort(ids)
	inv.AllocationIDs = ids

	key := "allocation:" + strings.Join(lo.Map(ids, func(id snowflake.ID, _ int) string { return id.String() }), ",")

	// the event row and the status flip commit together, so a pending
	// allocation never has an invoice event
	return o.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := o.publish(ctx, tx, inv.Key, domain.EventAllocationInvoice, key, inv); err != nil {
			return err
		}
		return o.ledger.UpdateAllocationStatus(ctx, tx, ids, ledgerdomain.AllocationStatusInvoiced, o.clock.Now())
	})
}

func (o *Outbox) NotifyThreshold(ctx context.Context, crossing domain.ThresholdCrossing) error {
	period := "lifetime"
	if crossing.PeriodResetAt != nil {
		period = fmt.Sprintf("%d", crossing.PeriodResetAt.UnixMilli())
	}
	key := fmt.Sprintf("threshold:%s:%s:%s", crossing.CustomerEntitlementID, crossing.Threshold.String(), period)

	inserted, err := o.publish(ctx, o.db, crossing.Key, domain.EventThresholdCrossed, key, crossing)
	if err != nil {
		return err
	}
	if !inserted {
		o.log.Debug("threshold already notified for period", zap.String("dedupe_key", key))
	}
	return nil
}

func (o *Outbox) publish(ctx context.Context, db *gorm.DB, key ledgerdomain.CustomerKey, typ domain.EventType, dedupeKey string, payload any) (bool, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return false, err
	}
	event := &domain.Event{
		ID:         o.genID.Generate(),
		OrgID:      key.OrgID,
		Env:        key.Env,
		CustomerID: key.CustomerID,
		Type:       typ,
		DedupeKey:  dedupeKey,
		Payload:    datatypes.JSON(raw),
		CreatedAt:  o.clock.Now(),
	}
	return o.repo.Insert(ctx, db, event)
}
