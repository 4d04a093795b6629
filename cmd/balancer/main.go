package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/balancer/internal/balance"
	"github.com/smallbiznis/balancer/internal/cache"
	"github.com/smallbiznis/balancer/internal/clock"
	"github.com/smallbiznis/balancer/internal/config"
	"github.com/smallbiznis/balancer/internal/events"
	"github.com/smallbiznis/balancer/internal/feature"
	"github.com/smallbiznis/balancer/internal/ledger"
	"github.com/smallbiznis/balancer/internal/lock"
	"github.com/smallbiznis/balancer/internal/migration"
	"github.com/smallbiznis/balancer/internal/observability"
	"github.com/smallbiznis/balancer/internal/ratelimit"
	"github.com/smallbiznis/balancer/internal/scheduler"
	"github.com/smallbiznis/balancer/internal/server"
	"github.com/smallbiznis/balancer/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core Infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		migration.Module,
		clock.Module,
		cache.Module,
		lock.Module,
		ratelimit.Module,

		// Functional Domains
		ledger.Module,
		feature.Module,
		events.Module,
		balance.Module,
		scheduler.Module,

		server.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
