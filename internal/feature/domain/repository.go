package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Create(ctx context.Context, db *gorm.DB, feature *Feature) error
	FindByID(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID) (*Feature, error)
	ListActiveByType(ctx context.Context, db *gorm.DB, orgID snowflake.ID, typ FeatureType) ([]Feature, error)
}
