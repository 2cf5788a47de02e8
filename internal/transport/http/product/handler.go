package product

import (
	"errors"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/khayson/storefront/internal/dto"
	"github.com/khayson/storefront/internal/presentation/http/response"
	repo "github.com/khayson/storefront/internal/repository/product"
	"github.com/khayson/storefront/pkg/errorbank"
)

// Handler exposes catalog reads over HTTP. Products are read-only at this
// surface; stock moves only through order placement and payment outcomes.
type Handler struct {
	repo *repo.Repository
}

// NewHandler constructs a product Handler.
func NewHandler(repo *repo.Repository) *Handler {
	return &Handler{repo: repo}
}

// Register routes with provided Echo group.
func Register(e *echo.Echo, h *Handler) {
	g := e.Group("/products")
	g.GET("/:id", h.getByID)
}

func (h *Handler) getByID(c echo.Context) error {
	b := response.New(c)

	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return b.WithError(errorbank.BadRequest("invalid id", errorbank.WithCause(err))).Build()
	}

	product, err := h.repo.GetByID(c.Request().Context(), id)
	if errors.Is(err, repo.ErrNotFound) {
		return b.WithError(errorbank.NotFound("product not found")).Build()
	}
	if err != nil {
		return b.WithError(errorbank.Internal("failed to load product", errorbank.WithCause(err))).Build()
	}

	return b.WithData(dto.NewProductResponse(product)).Build()
}
