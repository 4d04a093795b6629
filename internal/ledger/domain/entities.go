package domain

import (
	"database/sql/driver"
	"fmt"
	"slices"
	"strings"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/schema"
)

// EntityBalance is the independent sub-balance of one entity (for example a seat).
type EntityBalance struct {
	EntityID          string          `json:"entity_id"`
	Balance           decimal.Decimal `json:"balance"`
	AdditionalBalance decimal.Decimal `json:"additional_balance"`
	Adjustment        decimal.Decimal `json:"adjustment"`
}

func (b EntityBalance) Field(field BalanceField) decimal.Decimal {
	if field == FieldAdditionalBalance {
		return b.AdditionalBalance
	}
	return b.Balance
}

func (b *EntityBalance) SetField(field BalanceField, value decimal.Decimal) {
	if field == FieldAdditionalBalance {
		b.AdditionalBalance = value
		return
	}
	b.Balance = value
}

func (b EntityBalance) isZero() bool {
	return b.Balance.IsZero() && b.AdditionalBalance.IsZero() && b.Adjustment.IsZero()
}

// EntityBalances is kept sorted by EntityID and stored as a JSON column.
type EntityBalances []EntityBalance

func compareEntity(a EntityBalance, id string) int { return strings.Compare(a.EntityID, id) }

func (e EntityBalances) index(id string) (int, bool) {
	return slices.BinarySearchFunc(e, id, compareEntity)
}

func (e EntityBalances) Get(id string) (EntityBalance, bool) {
	i, ok := e.index(id)
	if !ok {
		return EntityBalance{EntityID: id}, false
	}
	return e[i], true
}

// Upsert returns a copy with b inserted or replaced, preserving order.
func (e EntityBalances) Upsert(b EntityBalance) EntityBalances {
	out := e.Clone()
	i, ok := out.index(b.EntityID)
	if ok {
		out[i] = b
		return out
	}
	return slices.Insert(out, i, b)
}

func (e EntityBalances) IDs() []string {
	ids := make([]string, len(e))
	for i, b := range e {
		ids[i] = b.EntityID
	}
	return ids
}

func (e EntityBalances) Sum(field BalanceField) decimal.Decimal {
	total := decimal.Zero
	for _, b := range e {
		total = total.Add(b.Field(field))
	}
	return total
}

func (e EntityBalances) Clone() EntityBalances {
	if e == nil {
		return nil
	}
	return slices.Clone(e)
}

// Normalize sorts by entity id and drops blank ids.
func (e EntityBalances) Normalize() EntityBalances {
	out := make(EntityBalances, 0, len(e))
	for _, b := range e {
		b.EntityID = strings.TrimSpace(b.EntityID)
		if b.EntityID == "" {
			continue
		}
		out = append(out, b)
	}
	slices.SortFunc(out, func(a, b EntityBalance) int { return strings.Compare(a.EntityID, b.EntityID) })
	return slices.CompactFunc(out, func(a, b EntityBalance) bool { return a.EntityID == b.EntityID })
}

// Value stores nil as an empty array so the column never holds JSON null.
func (e EntityBalances) Value() (driver.Value, error) {
	if e == nil {
		e = EntityBalances{}
	}
	return datatypes.NewJSONSlice(e).Value()
}

// Scan accepts SQL NULL and returns the entries normalized, so lookups can
// binary search rows written in any order.
func (e *EntityBalances) Scan(src any) error {
	if src == nil {
		*e = nil
		return nil
	}
	var raw datatypes.JSONSlice[EntityBalance]
	if err := raw.Scan(src); err != nil {
		return fmt.Errorf("entity balances: %w", err)
	}
	if len(raw) == 0 {
		*e = nil
		return nil
	}
	*e = EntityBalances(raw).Normalize()
	return nil
}

func (EntityBalances) GormDataType() string { return "json" }

func (EntityBalances) GormDBDataType(db *gorm.DB, _ *schema.Field) string {
	switch db.Dialector.Name() {
	case "postgres":
		return "JSONB"
	case "mysql":
		return "JSON"
	default:
		return "TEXT"
	}
}
