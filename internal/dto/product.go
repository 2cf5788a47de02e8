package dto

import (
	"time"

	"github.com/khayson/storefront/internal/entity"
)

// ProductResponse represents a catalog entry as exposed via transport layers.
type ProductResponse struct {
	ID            int64     `json:"id"`
	StoreID       int64     `json:"store_id"`
	Name          string    `json:"name"`
	Price         int64     `json:"price"`
	StockQuantity int64     `json:"stock_quantity"`
	Version       int64     `json:"version"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// NewProductResponse maps a product entity onto its transport shape.
func NewProductResponse(p *entity.Product) ProductResponse {
	return ProductResponse{
		ID:            p.ID,
		StoreID:       p.StoreID,
		Name:          p.Name,
		Price:         p.Price,
		StockQuantity: p.StockQuantity,
		Version:       p.Version,
		CreatedAt:     p.CreatedAt,
		UpdatedAt:     p.UpdatedAt,
	}
}
