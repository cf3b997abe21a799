//go:build wireinject
// +build wireinject

// The build tag makes sure the stub is not built in the final build.

package main

import (
	"AccessGate/internal/biz"
	"AccessGate/internal/conf"
	"AccessGate/internal/data"
	"AccessGate/internal/observability"
	"AccessGate/internal/server"
	"AccessGate/internal/service"

	"github.com/go-kratos/kratos/v2"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/wire"
)

// wireApp init kratos application.
func wireApp(*conf.Bootstrap, *conf.Server, *conf.Data, log.Logger) (*kratos.App, func(), error) {
	panic(wire.Build(
		data.ProviderSet,
		biz.ProviderSet,
		observability.ProviderSet,
		service.ProviderSet,
		server.ProviderSet,
		NewBlockCensus,
		newApp,
	))
}
