// Package biz contains the admission-control business logic.
package biz

import "github.com/google/wire"

// ProviderSet is biz providers.
var ProviderSet = wire.NewSet(
	NewCircuitBreakerUseCase,
	NewThrottleUseCase,
	NewRateLimitUseCase,
	NewThreatUseCase,
	NewAutoResponseUseCase,
	NewGatewayUseCase,
)
