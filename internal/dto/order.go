package dto

import (
	"time"

	"github.com/khayson/storefront/internal/entity"
)

// OrderItemResponse is one order line as exposed via transport layers.
type OrderItemResponse struct {
	ProductID int64 `json:"product_id"`
	Quantity  int64 `json:"quantity"`
	UnitPrice int64 `json:"unit_price"`
}

// OrderResponse represents an order as exposed via transport layers.
// Version is returned so clients can hand it back on writes.
type OrderResponse struct {
	ID              int64               `json:"id"`
	Number          string              `json:"number"`
	UserID          int64               `json:"user_id"`
	StoreID         int64               `json:"store_id"`
	Status          string              `json:"status"`
	Total           int64               `json:"total"`
	TrackingNumber  string              `json:"tracking_number,omitempty"`
	ShippingAddress string              `json:"shipping_address,omitempty"`
	Version         int64               `json:"version"`
	Items           []OrderItemResponse `json:"items,omitempty"`
	CreatedAt       time.Time           `json:"created_at"`
	UpdatedAt       time.Time           `json:"updated_at"`
}

// NewOrderResponse maps an order entity onto its transport shape.
func NewOrderResponse(order *entity.Order) OrderResponse {
	resp := OrderResponse{
		ID:              order.ID,
		Number:          order.Number,
		UserID:          order.UserID,
		StoreID:         order.StoreID,
		Status:          string(order.Status),
		Total:           order.Total,
		TrackingNumber:  order.TrackingNumber,
		ShippingAddress: order.ShippingAddress,
		Version:         order.Version,
		CreatedAt:       order.CreatedAt,
		UpdatedAt:       order.UpdatedAt,
	}
	for _, item := range order.Items {
		resp.Items = append(resp.Items, OrderItemResponse{
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
		})
	}
	return resp
}
