// Package app wires the pipeline components into runnable process
// roles: ingest (collectors), aggregate (CVD worker) and alert
// (queue dispatcher). All roles share one SQLite store file.
package app

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"binance-cvd-pipeline/binance"
	"binance-cvd-pipeline/cache"
	"binance-cvd-pipeline/collectors"
	"binance-cvd-pipeline/config"
	"binance-cvd-pipeline/database"
	"binance-cvd-pipeline/notifications"
	"binance-cvd-pipeline/ratelimit"
	"binance-cvd-pipeline/websocket"
)

// App represents the main application
type App struct {
	config  *config.Config
	db      *database.Database
	repo    *database.Repository
	redis   *cache.RedisClient
	limiter *ratelimit.Limiter
	rest    *binance.Client
	assets  *database.AssetStoreManager

	// Ingest role
	symbolRegistry *SymbolRegistry
	tradeCollector *collectors.TradeCollector
	liqCollector   *collectors.LiquidationCollector
	historical     *collectors.HistoricalCollector
	ratio          *collectors.RatioCollector
	candles        *collectors.CandleCollector
	backup         *BackupScheduler

	// Aggregate role
	cvdWorker *CvdWorker

	// Alert role
	dispatcher *AlertDispatcher
}

// New creates a new application instance
func New(cfg *config.Config) *App {
	return &App{config: cfg}
}

// Start brings up the store and the components of the configured role,
// then blocks until a shutdown signal arrives
func (a *App) Start() error {
	log.Printf("🗄️  Opening database %s...", a.config.DatabasePath)
	db, err := database.Open(a.config.DatabasePath)
	if err != nil {
		return fmt.Errorf("database open failed: %w", err)
	}
	a.db = db

	if err := db.Migrate(); err != nil {
		return fmt.Errorf("schema migration failed: %w", err)
	}
	a.repo = database.NewRepository(db)

	a.redis = cache.NewRedisClient(a.config.RedisHost, a.config.RedisPort, a.config.RedisPassword)
	if a.redis == nil {
		log.Println("⚠️  Redis unavailable, caching disabled")
	}

	a.limiter = ratelimit.New()
	a.rest = binance.NewClient(binance.Endpoints{
		SpotURL:  a.config.SpotRestURL,
		USDMURL:  a.config.USDMRestURL,
		CoinMURL: a.config.CoinMRestURL,
	}, a.limiter, a.config.RateLimitBuffer)

	switch a.config.Role {
	case config.RoleIngest:
		err = a.startIngest()
	case config.RoleAggregate:
		err = a.startAggregate()
	case config.RoleAlert:
		err = a.startAlert()
	default:
		err = fmt.Errorf("unknown role %q", a.config.Role)
	}
	if err != nil {
		return err
	}

	log.Printf("✅ Pipeline started (role: %s)", a.config.Role)
	return a.gracefulShutdown()
}

// startIngest runs the symbol registry, push collectors, historical and
// ratio pullers and the backup scheduler
func (a *App) startIngest() error {
	a.symbolRegistry = NewSymbolRegistry(a.rest, a.repo, a.redis, a.config.SymbolUpdateHourUTC)
	a.symbolRegistry.Start()

	wsURLs := map[string]string{
		binance.VenueSpot:  a.config.SpotWSURL,
		binance.VenueUSDTM: a.config.USDMWSURL,
		binance.VenueCoinM: a.config.CoinMWSURL,
	}

	tradeSubs, liqSubs := a.subscriptions()

	if len(tradeSubs) > 0 {
		a.tradeCollector = collectors.NewTradeCollector(
			websocket.NewClient(wsURLs), a.repo,
			time.Duration(a.config.TradeFlushIntervalMs)*time.Millisecond,
			a.config.TradeMaxBufferSize,
		)
		if err := a.tradeCollector.Start(tradeSubs); err != nil {
			return fmt.Errorf("trade collector failed: %w", err)
		}
	}

	if len(liqSubs) > 0 {
		a.liqCollector = collectors.NewLiquidationCollector(
			websocket.NewClient(wsURLs), a.repo,
			time.Duration(a.config.LiquidationFlushIntervalMs)*time.Millisecond,
			a.config.LiquidationMaxBufferSize,
		)
		if err := a.liqCollector.Start(liqSubs); err != nil {
			return fmt.Errorf("liquidation collector failed: %w", err)
		}
	}

	if a.config.RankedAssetsCSV != "" {
		a.assets = database.NewAssetStoreManager(a.config.AssetDBDir)
		a.historical = collectors.NewHistoricalCollector(a.rest, a.repo, a.redis, a.assets, a.config.Historical, a.config.RankedAssetsCSV)
		a.historical.Start()
	}

	a.ratio = collectors.NewRatioCollector(a.rest, a.repo, a.config.TopTrader)
	a.ratio.Start()

	if a.config.Candles.Enabled {
		a.candles = collectors.NewCandleCollector(a.rest, a.repo, a.config.Candles, a.candleSources())
		a.candles.Start()
	}

	if a.config.Backup.Enabled {
		a.backup = NewBackupScheduler(a.repo, a.config.Backup)
		a.backup.Start()
	}
	return nil
}

func (a *App) startAggregate() error {
	a.cvdWorker = NewCvdWorker(a.repo, a.redis, a.config.CVD)
	return a.cvdWorker.Start()
}

func (a *App) startAlert() error {
	sink := notifications.NewAlertService(a.repo, a.config.Alerts.DiscordWebhookURL,
		a.config.Alerts.SinkMaxRetries, a.config.Alerts.SinkRetryDelayMs)
	a.dispatcher = NewAlertDispatcher(a.repo, sink, a.config.Alerts)
	a.dispatcher.Start()
	return nil
}

// subscriptions derives push subscriptions from the aggregator groups:
// one trade stream per declared (symbol, venue, streamType) and one
// forceOrder stream per futures symbol
func (a *App) subscriptions() (trades, liquidations []websocket.Subscription) {
	seenTrade := make(map[string]bool)
	seenLiq := make(map[string]bool)

	for _, g := range a.config.CVD.Groups {
		for _, s := range g.Streams {
			channel := s.StreamType
			if channel == "" {
				channel = websocket.ChannelAggTrade
			}

			key := s.Symbol + "/" + s.MarketType + "/" + channel
			if !seenTrade[key] {
				seenTrade[key] = true
				trades = append(trades, websocket.Subscription{
					Symbol:  s.Symbol,
					Venue:   s.MarketType,
					Channel: channel,
				})
			}

			// Liquidations only exist on the futures venues
			if s.MarketType == config.MarketUSDTM || s.MarketType == config.MarketCoinM {
				key := s.Symbol + "/" + s.MarketType
				if !seenLiq[key] {
					seenLiq[key] = true
					liquidations = append(liquidations, websocket.Subscription{
						Symbol:  s.Symbol,
						Venue:   s.MarketType,
						Channel: websocket.ChannelForceOrder,
					})
				}
			}
		}
	}
	return trades, liquidations
}

// candleSources derives the kline polling set: one (symbol, venue) per
// distinct trade stream in the aggregator groups
func (a *App) candleSources() []collectors.CandleSource {
	seen := make(map[string]bool)
	var sources []collectors.CandleSource
	for _, g := range a.config.CVD.Groups {
		for _, s := range g.Streams {
			key := s.Symbol + "/" + s.MarketType
			if seen[key] {
				continue
			}
			seen[key] = true
			sources = append(sources, collectors.CandleSource{Symbol: s.Symbol, Venue: s.MarketType})
		}
	}
	return sources
}

// gracefulShutdown waits for SIGINT/SIGTERM and stops everything with a
// timeout
func (a *App) gracefulShutdown() error {
	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)
	<-interrupt
	log.Println("🛑 Shutdown signal received, initiating graceful shutdown...")

	shutdownComplete := make(chan struct{})
	go func() {
		defer close(shutdownComplete)

		if a.symbolRegistry != nil {
			a.symbolRegistry.Stop()
		}
		if a.tradeCollector != nil {
			a.tradeCollector.Stop()
		}
		if a.liqCollector != nil {
			a.liqCollector.Stop()
		}
		if a.historical != nil {
			a.historical.Stop()
		}
		if a.ratio != nil {
			a.ratio.Stop()
		}
		if a.candles != nil {
			a.candles.Stop()
		}
		if a.backup != nil {
			a.backup.Stop()
		}
		if a.cvdWorker != nil {
			a.cvdWorker.Stop()
		}
		if a.dispatcher != nil {
			a.dispatcher.Stop()
		}

		a.limiter.Close()
		if a.assets != nil {
			a.assets.CloseAll()
		}
		if a.redis != nil {
			if err := a.redis.Close(); err != nil {
				log.Printf("Error closing redis: %v", err)
			}
		}
		if err := a.db.Close(); err != nil {
			log.Printf("Error closing database: %v", err)
		} else {
			log.Println("✅ Database connection closed")
		}
	}()

	select {
	case <-shutdownComplete:
		log.Println("✅ Graceful shutdown completed")
		return nil
	case <-time.After(10 * time.Second):
		log.Println("⚠️  Shutdown timeout exceeded, forcing exit")
		return fmt.Errorf("shutdown timeout")
	}
}
