package payment

import "go.uber.org/fx"

// Module provides the payment state machine to Fx.
var Module = fx.Provide(NewService)
