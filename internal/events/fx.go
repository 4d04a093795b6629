package events

import (
	"github.com/smallbiznis/balancer/internal/events/repository"
	"go.uber.org/fx"
)

var Module = fx.Module("events",
	fx.Provide(repository.Provide),
	fx.Provide(NewOutbox),
	fx.Provide(ProvideInvoicer),
	fx.Provide(ProvideNotifier),
	fx.Provide(NewDispatcher),
)
