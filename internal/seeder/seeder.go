package seeder

import (
	"context"
	"time"

	"github.com/uptrace/bun"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/khayson/storefront/internal/database"
	"github.com/khayson/storefront/internal/entity"
	"github.com/khayson/storefront/internal/versioned"
)

// Seeder performs database seeding for local/dev setups.
type Seeder struct {
	db       *bun.DB
	products *versioned.Store[entity.Product, *entity.Product]
	logger   *zap.Logger
}

// New constructs a Seeder backed by the primary database connection.
func New(conns *database.Connections, logger *zap.Logger) *Seeder {
	return &Seeder{
		db:       conns.Writer,
		products: versioned.NewStore[entity.Product](conns, "product"),
		logger:   logger,
	}
}

// Catalog seeds demo store products that are missing, inserting through the
// versioned store so seeded rows start life at version 0 like any other.
func (s *Seeder) Catalog(ctx context.Context) error {
	now := time.Now().UTC()
	samples := []entity.Product{
		{StoreID: 1, Name: "Raw Beef Blend 1kg", Price: 1499, StockQuantity: 120, CreatedAt: now, UpdatedAt: now},
		{StoreID: 1, Name: "Chicken & Veg Mix 1kg", Price: 1299, StockQuantity: 80, CreatedAt: now, UpdatedAt: now},
		{StoreID: 2, Name: "Salmon Treats 250g", Price: 799, StockQuantity: 200, CreatedAt: now, UpdatedAt: now},
	}

	seeded := 0
	for _, sample := range samples {
		product := sample
		exists, err := s.db.NewSelect().
			Model((*entity.Product)(nil)).
			Where("store_id = ?", product.StoreID).
			Where("name = ?", product.Name).
			Exists(ctx)
		if err != nil {
			return err
		}
		if exists {
			continue
		}
		if err := s.products.Insert(ctx, &product); err != nil {
			return err
		}
		seeded++
	}

	if s.logger != nil {
		s.logger.Info("seeded products", zap.Int("count", seeded))
	}
	return nil
}

// Module provides the seeder to Fx.
var Module = fx.Provide(New)
