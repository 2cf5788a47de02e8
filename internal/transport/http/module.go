package http

import (
	"go.uber.org/fx"

	ordertransport "github.com/khayson/storefront/internal/transport/http/order"
	paymenttransport "github.com/khayson/storefront/internal/transport/http/payment"
	producttransport "github.com/khayson/storefront/internal/transport/http/product"
)

// Module aggregates all HTTP transport handlers.
var Module = fx.Options(
	ordertransport.Module,
	paymenttransport.Module,
	producttransport.Module,
)
