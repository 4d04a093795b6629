// Package ledgertest provides an in-memory ledger for tests.
package ledgertest

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/balancer/internal/clock"
	ledgerdomain "github.com/smallbiznis/balancer/internal/ledger/domain"
	"github.com/smallbiznis/balancer/internal/ledger/repository"
	"github.com/smallbiznis/balancer/internal/ledger/service"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var Epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// OpenDB returns a migrated in-memory sqlite database private to t. Extra
// models are migrated alongside the ledger tables.
func OpenDB(t testing.TB, models ...any) *gorm.DB {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_", "#", "_").Replace(t.Name())
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(append([]any{
		&ledgerdomain.Entitlement{},
		&ledgerdomain.CustomerEntitlement{},
		&ledgerdomain.Rollover{},
		&ledgerdomain.AllocationRecord{},
	}, models...)...))
	return db
}

type Fixture struct {
	DB     *gorm.DB
	Node   *snowflake.Node
	Clock  *clock.FakeClock
	Repo   ledgerdomain.Repository
	Ledger ledgerdomain.Service
	Key    ledgerdomain.CustomerKey
}

func New(t testing.TB) *Fixture {
	t.Helper()

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	db := OpenDB(t)
	clk := clock.NewFakeClock(Epoch)
	repo := repository.Provide()
	retry := service.RetryPolicy{
		MaxTries:        3,
		MaxElapsed:      time.Second,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
	}

	return &Fixture{
		DB:    db,
		Node:  node,
		Clock: clk,
		Repo:  repo,
		Ledger: service.NewService(service.Params{
			DB:    db,
			Log:   zap.NewNop(),
			GenID: node,
			Repo:  repo,
			Clock: clk,
			Retry: &retry,
		}),
		Key: ledgerdomain.CustomerKey{
			OrgID:      node.Generate(),
			Env:        "live",
			CustomerID: node.Generate(),
		},
	}
}

// Grant describes an entitlement to create and attach to the fixture customer.
type Grant struct {
	FeatureID      snowflake.ID
	Allowance      int64
	Interval       ledgerdomain.Interval
	UsageAllowed   bool
	UsageLimit     *int64
	PaidAllocated  bool
	Unlimited      bool
	AlertThreshold *int64
	EntityIDs      []string
	Rollover       ledgerdomain.RolloverConfig
}

func (f *Fixture) Grant(t testing.TB, g Grant) ledgerdomain.CustomerEntitlement {
	t.Helper()
	ctx := context.Background()

	if g.Interval == "" {
		g.Interval = ledgerdomain.IntervalMonth
	}
	ent := &ledgerdomain.Entitlement{
		OrgID:         f.Key.OrgID,
		FeatureID:     g.FeatureID,
		Allowance:     decimal.NewFromInt(g.Allowance),
		Unlimited:     g.Unlimited,
		Interval:      g.Interval,
		IntervalCount: 1,
		UsageAllowed:  g.UsageAllowed,
		PaidAllocated: g.PaidAllocated,
		Rollover:      g.Rollover,
		CreatedAt:     f.Clock.Now(),
	}
	if g.UsageLimit != nil {
		ent.UsageLimit = decimal.NewNullDecimal(decimal.NewFromInt(*g.UsageLimit))
	}
	if g.AlertThreshold != nil {
		ent.AlertThreshold = decimal.NewNullDecimal(decimal.NewFromInt(*g.AlertThreshold))
	}
	if len(g.EntityIDs) > 0 {
		entityFeature := f.Node.Generate()
		ent.EntityFeatureID = &entityFeature
	}
	require.NoError(t, f.Ledger.CreateEntitlement(ctx, ent))

	ce, err := f.Ledger.Attach(ctx, ledgerdomain.AttachRequest{
		Key:               f.Key,
		CustomerProductID: f.Node.Generate(),
		EntitlementID:     ent.ID,
		PrepaidQuantity:   decimal.Zero,
		EntityIDs:         g.EntityIDs,
	})
	require.NoError(t, err)
	return *ce
}

// Load reads the current durable state of one customer entitlement.
func (f *Fixture) Load(t testing.TB, id snowflake.ID) ledgerdomain.CustomerEntitlement {
	t.Helper()

	var ce ledgerdomain.CustomerEntitlement
	err := f.DB.
		Preload("Entitlement").
		Preload("Rollovers", func(tx *gorm.DB) *gorm.DB { return tx.Order("id ASC") }).
		First(&ce, "id = ?", id).Error
	require.NoError(t, err)
	return ce
}

// AddRollover inserts a rollover bucket directly.
func (f *Fixture) AddRollover(t testing.TB, ce ledgerdomain.CustomerEntitlement, balance int64, expiresAt *time.Time) ledgerdomain.Rollover {
	t.Helper()

	r := ledgerdomain.Rollover{
		ID:                    f.Node.Generate(),
		CustomerEntitlementID: ce.ID,
		Balance:               decimal.NewFromInt(balance),
		ExpiresAt:             expiresAt,
		CreatedAt:             f.Clock.Now(),
	}
	require.NoError(t, f.DB.Create(&r).Error)
	return r
}

func Int(v int64) *int64 { return &v }
