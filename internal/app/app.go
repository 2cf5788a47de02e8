package app

import (
	"go.uber.org/fx"

	"github.com/khayson/storefront/internal/cache"
	"github.com/khayson/storefront/internal/config"
	"github.com/khayson/storefront/internal/database"
	"github.com/khayson/storefront/internal/logger"
	"github.com/khayson/storefront/internal/messaging"
	"github.com/khayson/storefront/internal/notification"
	"github.com/khayson/storefront/internal/observability"
	repositoryorder "github.com/khayson/storefront/internal/repository/order"
	repositorypayment "github.com/khayson/storefront/internal/repository/payment"
	repositoryproduct "github.com/khayson/storefront/internal/repository/product"
	httpserver "github.com/khayson/storefront/internal/server/http"
	serviceorder "github.com/khayson/storefront/internal/service/order"
	servicepayment "github.com/khayson/storefront/internal/service/payment"
	transporthttp "github.com/khayson/storefront/internal/transport/http"
	"github.com/khayson/storefront/internal/worker"
	workerorder "github.com/khayson/storefront/internal/worker/order"
	workerpayment "github.com/khayson/storefront/internal/worker/payment"
)

// Core provides the foundational modules shared across executables.
var Core = fx.Options(
	config.Module,
	cache.Module,
	database.Module,
	logger.Module,
	messaging.Module,
	notification.Module,
	observability.Module,
	repositoryorder.Module,
	repositorypayment.Module,
	repositoryproduct.Module,
	serviceorder.Module,
	servicepayment.Module,
)

// HTTP wires the HTTP transport on top of the core modules.
var HTTP = fx.Options(
	Core,
	httpserver.Module,
	transporthttp.Module,
)

// Worker exposes background worker processing.
var Worker = fx.Options(
	Core,
	worker.Module,
	workerorder.Module,
	workerpayment.Module,
)

// Module is the default application wiring (HTTP only).
var Module = HTTP
