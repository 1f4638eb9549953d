//go:build wireinject
// +build wireinject

package di

import (
	"github.com/google/wire"

	"MarketPulse/pkg/config"
	"MarketPulse/pkg/server"
)

// InitializeApp wires up all dependencies and returns the application.
// Wire will generate the implementation of this function.
func InitializeApp(cfg *config.Config) (*server.App, error) {
	wire.Build(
		// Infrastructure clients
		ProvideKafkaProducer,
		ProvideLogger,
		ProvideMetrics,
		ProvideClickHouseClient,
		ProvideRedisCache,
		ProvideMemoryCache,
		ProvideHTTPClient,

		// Market data and analysis
		ProvideMarketData,
		ProvidePriceCache,
		ProvideBarFetcher,
		ProvideSentiment,
		ProvideAdvisor,
		ProvideAnalyzer,

		// State, fan-out and persistence
		ProvideSession,
		ProvideBroadcastManager,
		ProvideSnapshotStore,
		ProvideRecordPipeline,

		// Use cases
		ProvideTradeService,
		ProvideKafkaConsumer,
		ProvideTickCollector,
		ProvideScheduler,

		// Transport
		ProvideWSHandler,
		ProvideAPIHandler,
		ProvideHTTPServer,

		// Application server
		ProvideApp,
	)
	return &server.App{}, nil
}
