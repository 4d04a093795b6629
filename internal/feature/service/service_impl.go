package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/balancer/internal/cache"
	"github.com/smallbiznis/balancer/internal/clock"
	"github.com/smallbiznis/balancer/internal/feature/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const relevantTTL = time.Minute

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Repo  domain.Repository
	Clock clock.Clock
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	repo     domain.Repository
	genID    *snowflake.Node
	clock    clock.Clock
	relevant *cache.TTLCache[string, []domain.Relevant]
}

func New(p Params) domain.Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("feature.service"),
		repo:     p.Repo,
		genID:    p.GenID,
		clock:    p.Clock,
		relevant: cache.NewTTLCacheWithClock[string, []domain.Relevant](p.Clock.Now),
	}
}

func (s *Service) Create(ctx context.Context, req domain.CreateRequest) (*domain.Feature, error) {
	if req.OrgID == 0 {
		return nil, domain.ErrInvalidOrganization
	}
	code := strings.TrimSpace(req.Code)
	if code == "" {
		return nil, domain.ErrInvalidCode
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, domain.ErrInvalidName
	}
	featureType, err := normalizeFeatureType(req.FeatureType)
	if err != nil {
		return nil, err
	}
	usageType, err := normalizeUsageType(req.UsageType)
	if err != nil {
		return nil, err
	}
	if featureType != domain.FeatureTypeCreditSystem && len(req.CreditSchema) > 0 {
		return nil, domain.ErrInvalidCreditSchema
	}
	if err := domain.ValidateCreditSchema(req.CreditSchema); err != nil {
		return nil, err
	}

	now := s.clock.Now()
	record := &domain.Feature{
		ID:           s.genID.Generate(),
		OrgID:        req.OrgID,
		Code:         code,
		Name:         name,
		Type:         featureType,
		UsageType:    usageType,
		Active:       true,
		CreditSchema: datatypes.NewJSONType(req.CreditSchema),
		Metadata:     datatypes.JSONMap(req.Metadata),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.repo.Create(ctx, s.db, record); err != nil {
		return nil, err
	}

	// new credit systems change the answer for every metered feature they price
	if featureType == domain.FeatureTypeCreditSystem {
		s.relevant.Purge()
	}
	return record, nil
}

func (s *Service) Relevant(ctx context.Context, orgID, featureID snowflake.ID) ([]domain.Relevant, error) {
	if orgID == 0 {
		return nil, domain.ErrInvalidOrganization
	}
	cacheKey := orgID.String() + ":" + featureID.String()
	if cached, ok := s.relevant.Get(cacheKey); ok {
		return cached, nil
	}

	feature, err := s.repo.FindByID(ctx, s.db, orgID, featureID)
	if err != nil {
		return nil, err
	}
	if feature == nil || !feature.Active {
		return nil, domain.ErrNotFound
	}

	out := []domain.Relevant{{
		FeatureID:  feature.ID,
		Type:       feature.Type,
		CreditCost: decimal.NewFromInt(1),
		Continuous: feature.UsageType == domain.UsageContinuous,
	}}
	if feature.Type == domain.FeatureTypeMetered {
		systems, err := s.repo.ListActiveByType(ctx, s.db, orgID, domain.FeatureTypeCreditSystem)
		if err != nil {
			return nil, err
		}
		for _, system := range systems {
			if cost, ok := system.CreditCost(featureID); ok {
				out = append(out, domain.Relevant{
					FeatureID:  system.ID,
					Type:       system.Type,
					CreditCost: cost,
					Continuous: system.UsageType == domain.UsageContinuous,
				})
			}
		}
	}

	s.relevant.Set(cacheKey, out, relevantTTL)
	return out, nil
}

func normalizeFeatureType(value domain.FeatureType) (domain.FeatureType, error) {
	switch domain.FeatureType(strings.ToLower(strings.TrimSpace(string(value)))) {
	case domain.FeatureTypeBoolean:
		return domain.FeatureTypeBoolean, nil
	case domain.FeatureTypeMetered, "":
		return domain.FeatureTypeMetered, nil
	case domain.FeatureTypeCreditSystem:
		return domain.FeatureTypeCreditSystem, nil
	default:
		return "", domain.ErrInvalidType
	}
}

func normalizeUsageType(value domain.UsageType) (domain.UsageType, error) {
	switch domain.UsageType(strings.ToLower(strings.TrimSpace(string(value)))) {
	case domain.UsageSingle, "":
		return domain.UsageSingle, nil
	case domain.UsageContinuous:
		return domain.UsageContinuous, nil
	default:
		return "", domain.ErrInvalidUsageType
	}
}
