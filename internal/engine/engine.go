// Package engine wires the exchange client, market data feeds, the
// user-data stream, per-symbol trading contexts and the strategy into
// one runnable trading job.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"futures-trading-engine/internal/binance"
	"futures-trading-engine/internal/events"
	"futures-trading-engine/internal/feed"
	"futures-trading-engine/internal/indicator"
	"futures-trading-engine/internal/portfolio"
	"futures-trading-engine/internal/risk"
	"futures-trading-engine/internal/store"
	"futures-trading-engine/internal/strategy"
	"futures-trading-engine/internal/stream"
	"futures-trading-engine/internal/trading"
)

const (
	defaultSeedBars = 1000

	// stopDrainTimeout bounds how long in-flight order tasks may run
	// once stop is requested.
	stopDrainTimeout = 5 * time.Second
)

// Stream names one (symbol, interval) kline subscription beyond the
// symbols' trading intervals, used for indicator-only data.
type Stream struct {
	Symbol   string
	Interval string
}

// Config describes one trading job.
type Config struct {
	JobID        string
	Strategy     string
	Symbols      []trading.SymbolConfig
	ExtraStreams []Stream
	// Risk holds the portfolio-level limits shared across symbols.
	Risk     risk.Config
	SeedBars int
}

// Deps carries the engine's collaborators. Strategy overrides the
// registry lookup when set, which tests use.
type Deps struct {
	Client   binance.FuturesAPI
	Strategy strategy.Strategy
	Bus      *events.Bus
	Store    store.Store
	Logger   zerolog.Logger
}

// streamState is one kline subscription with its indicator window and
// the symbol context it drives.
type streamState struct {
	symbol   string
	interval string
	// primary marks the stream matching the symbol's trading interval;
	// only the primary stream advances bar time and the cooldown clock.
	primary    bool
	feed       *feed.PriceFeed
	series     *indicator.Series
	indicators *indicator.Context
	sym        *trading.SymbolContext
}

// Engine runs one job: a strategy over a set of symbols and streams.
type Engine struct {
	cfg    Config
	client binance.FuturesAPI
	bus    *events.Bus
	logger zerolog.Logger
	strat  strategy.Strategy

	portfolio *portfolio.Portfolio
	hub       *stream.Hub
	cron      *cron.Cron

	symbols map[string]*trading.SymbolContext
	tickers map[string]*feed.BookTicker
	streams []*streamState

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	started atomic.Bool
	stopped atomic.Bool
}

// New builds the engine and all per-symbol machinery. Nothing touches
// the network until Start.
func New(ctx context.Context, cfg Config, deps Deps) (*Engine, error) {
	if len(cfg.Symbols) == 0 {
		return nil, errors.New("engine: no symbols configured")
	}
	strat := deps.Strategy
	if strat == nil {
		var err error
		strat, err = strategy.New(cfg.Strategy)
		if err != nil {
			return nil, err
		}
	}
	if cfg.SeedBars <= 0 {
		cfg.SeedBars = defaultSeedBars
	}

	ectx, cancel := context.WithCancel(ctx)
	e := &Engine{
		cfg:    cfg,
		client: deps.Client,
		bus:    deps.Bus,
		logger: deps.Logger.With().
			Str("component", "engine").
			Str("job_id", cfg.JobID).
			Logger(),
		strat:   strat,
		symbols: make(map[string]*trading.SymbolContext),
		tickers: make(map[string]*feed.BookTicker),
		ctx:     ectx,
		cancel:  cancel,
	}

	e.portfolio = portfolio.New(cfg.Risk, deps.Bus, deps.Logger)
	e.hub = stream.NewHub(deps.Client, deps.Bus, deps.Logger)

	for _, sc := range cfg.Symbols {
		ticker := feed.NewBookTicker(deps.Client, sc.Symbol, deps.Logger)
		sym := trading.NewSymbolContext(ectx, sc, trading.SymbolDeps{
			Client: deps.Client,
			Bus:    deps.Bus,
			Store:  deps.Store,
			Logger: deps.Logger,
			JobID:  cfg.JobID,
			Risk:   risk.New(sc.Risk, sc.Symbol, deps.Logger),
			Guard:  e.portfolio,
			Quotes: ticker,
			Trades: e.hub.Processed(),
		})
		if _, dup := e.symbols[sym.Symbol()]; dup {
			sym.Close()
			cancel()
			return nil, fmt.Errorf("engine: symbol %s configured twice", sym.Symbol())
		}
		e.symbols[sym.Symbol()] = sym
		e.tickers[sym.Symbol()] = ticker
		e.portfolio.Register(sym)
		e.addStream(sym.Symbol(), sym.Config().Interval, true, sym, deps.Logger)
	}

	for _, xs := range cfg.ExtraStreams {
		sym, ok := e.symbols[xs.Symbol]
		if !ok {
			cancel()
			return nil, fmt.Errorf("engine: extra stream %s/%s does not match a traded symbol", xs.Symbol, xs.Interval)
		}
		if xs.Interval == sym.Config().Interval {
			continue
		}
		e.addStream(xs.Symbol, xs.Interval, false, sym, deps.Logger)
	}

	e.cron = cron.New(cron.WithLocation(time.UTC))
	if _, err := e.cron.AddFunc("0 0 * * *", e.portfolio.ResetDaily); err != nil {
		cancel()
		return nil, fmt.Errorf("engine: schedule daily reset: %w", err)
	}
	return e, nil
}

func (e *Engine) addStream(symbol, interval string, primary bool, sym *trading.SymbolContext, logger zerolog.Logger) {
	series := indicator.NewSeries(indicator.DefaultWindow)
	e.streams = append(e.streams, &streamState{
		symbol:     symbol,
		interval:   interval,
		primary:    primary,
		feed:       feed.NewPriceFeed(e.client, symbol, interval, logger),
		series:     series,
		indicators: indicator.NewContext(series),
		sym:        sym,
	})
}

// Start brings the job live: symbol initialization, user stream,
// history seeding, strategy initialization, then market data flow. Any
// error leaves the engine stopped.
func (e *Engine) Start(ctx context.Context) error {
	if e.stopped.Load() {
		e.event(events.LevelInfo, events.JobStopped, "job stopped before start", nil)
		return nil
	}
	if e.started.Swap(true) {
		return errors.New("engine: already started")
	}

	for _, sc := range e.cfg.Symbols {
		sym := e.symbols[sc.Symbol]
		if err := sym.Initialize(ctx); err != nil {
			return fmt.Errorf("initialize %s: %w", sym.Symbol(), err)
		}
	}

	for _, sc := range e.cfg.Symbols {
		e.hub.Register(e.symbols[sc.Symbol])
	}
	if err := e.hub.Start(ctx); err != nil {
		return fmt.Errorf("start user stream: %w", err)
	}

	for _, st := range e.streams {
		if err := e.seedStream(ctx, st); err != nil {
			e.hub.Stop()
			return fmt.Errorf("seed %s %s: %w", st.symbol, st.interval, err)
		}
	}

	if err := e.initializeStrategy(); err != nil {
		e.hub.Stop()
		return fmt.Errorf("strategy %s initialize: %w", e.strat.Name(), err)
	}

	for _, st := range e.streams {
		st.feed.Start()
		e.wg.Add(1)
		go e.dispatch(st)
	}
	for _, t := range e.tickers {
		t.Start()
	}
	e.cron.Start()

	symbols := make([]string, 0, len(e.cfg.Symbols))
	for _, sc := range e.cfg.Symbols {
		symbols = append(symbols, sc.Symbol)
	}
	e.logger.Info().
		Strs("symbols", symbols).
		Str("strategy", e.strat.Name()).
		Int("streams", len(e.streams)).
		Msg("trading engine started")
	e.event(events.LevelInfo, events.JobStarted, "trading engine started", map[string]interface{}{
		"strategy": e.strat.Name(),
		"symbols":  symbols,
	})
	return nil
}

// Stop shuts the job down: new orders are blocked immediately, feeds
// close, in-flight order tasks get a bounded drain, then the hub and
// the symbol mailboxes are torn down. Safe to call more than once and
// before Start.
func (e *Engine) Stop() {
	if e.stopped.Swap(true) {
		return
	}
	e.portfolio.RequestStop()

	if !e.started.Load() {
		e.cancel()
		for _, sym := range e.symbols {
			sym.Close()
		}
		e.event(events.LevelInfo, events.JobStopped, "job finalized before start", nil)
		return
	}

	e.cron.Stop()
	for _, st := range e.streams {
		st.feed.Stop()
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(stopDrainTimeout):
		e.logger.Warn().
			Dur("deadline", stopDrainTimeout).
			Msg("order tasks still running at stop deadline, canceling")
	}
	e.cancel()

	for _, t := range e.tickers {
		t.Stop()
	}
	e.hub.Stop()
	for _, sym := range e.symbols {
		sym.Close()
	}

	e.logger.Info().Msg("trading engine stopped")
	e.event(events.LevelInfo, events.JobStopped, "trading engine stopped", nil)
}

// Portfolio exposes the cross-symbol view for the status API.
func (e *Engine) Portfolio() *portfolio.Portfolio { return e.portfolio }

// Hub exposes the user-stream hub for health reporting.
func (e *Engine) Hub() *stream.Hub { return e.hub }

// seedStream loads recent closed bars so indicators are ready before
// the first live tick.
func (e *Engine) seedStream(ctx context.Context, st *streamState) error {
	klines, err := e.client.GetHistoricalKlines(ctx, st.symbol, st.interval, e.cfg.SeedBars)
	if err != nil {
		return err
	}
	now := time.Now().UnixMilli()
	seeded := 0
	for _, k := range klines {
		if k.CloseTime > now {
			// forming bar, the feed will deliver it on close
			continue
		}
		if st.series.Append(klineCandle(k)) {
			seeded++
		}
	}
	e.logger.Info().
		Str("symbol", st.symbol).
		Str("interval", st.interval).
		Int("bars", seeded).
		Msg("seeded indicator history")
	return nil
}

func (e *Engine) initializeStrategy() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	first := e.streams[0]
	return e.strat.Initialize(e.streamContext(first))
}

// dispatch consumes one feed's ticks until the feed closes. Order
// placement triggered by the strategy runs inline here, so a slow
// exchange call back-pressures this stream only.
func (e *Engine) dispatch(st *streamState) {
	defer e.wg.Done()
	for tick := range st.feed.Ticks() {
		e.handleTick(st, tick)
	}
}

func (e *Engine) handleTick(st *streamState, tick feed.Tick) {
	st.series.MarkPrice(tick.Price.InexactFloat64())
	if tick.IsNewBar {
		st.series.Append(tickCandle(tick))
	}

	switch {
	case st.primary && tick.IsNewBar:
		st.sym.OnNewBar(tick.BarTime, tick.Close)
	case st.primary:
		st.sym.OnTick(tick.Price, tick.BarTime)
	default:
		// secondary interval: update the mark but leave the trading
		// interval's bar clock alone
		st.sym.OnTick(tick.Price, 0)
	}

	if tick.IsNewBar || e.strat.RunOnTick() {
		e.invokeStrategy(st, tick)
	}
}

// invokeStrategy shields the engine from strategy bugs: errors and
// panics are reported and the job keeps running.
func (e *Engine) invokeStrategy(st *streamState, tick feed.Tick) {
	defer func() {
		if r := recover(); r != nil {
			e.strategyError(st, fmt.Errorf("panic: %v", r))
		}
	}()
	if err := e.strat.OnBar(e.streamContext(st), barFrom(tick)); err != nil {
		e.strategyError(st, err)
	}
}

func (e *Engine) strategyError(st *streamState, err error) {
	e.logger.Error().
		Err(err).
		Str("strategy", e.strat.Name()).
		Str("symbol", st.symbol).
		Str("interval", st.interval).
		Msg("strategy callback failed")
	e.event(events.LevelError, events.StrategyError, err.Error(), map[string]interface{}{
		"strategy": e.strat.Name(),
		"symbol":   st.symbol,
		"interval": st.interval,
	})
}

func (e *Engine) streamContext(st *streamState) portfolio.StreamContext {
	return portfolio.NewStreamContext(e.portfolio, st.sym, st.indicators, st.interval)
}

func (e *Engine) event(level events.Level, name, message string, payload map[string]interface{}) {
	if e.bus == nil {
		return
	}
	kind := events.KindStatus
	if name == events.StrategyError {
		kind = events.KindLog
	}
	e.bus.Publish(kind, level, name, message, payload)
}

func barFrom(t feed.Tick) strategy.Bar {
	return strategy.Bar{
		Symbol:       t.Symbol,
		Interval:     t.Interval,
		Open:         t.Open,
		High:         t.High,
		Low:          t.Low,
		Close:        t.Close,
		Volume:       t.Volume,
		BarTimestamp: t.BarTime,
		Timestamp:    t.Timestamp,
		IsNewBar:     t.IsNewBar,
	}
}

func tickCandle(t feed.Tick) indicator.Candle {
	return indicator.Candle{
		OpenTime:  t.BarTime,
		CloseTime: t.BarCloseTime,
		Open:      t.Open.InexactFloat64(),
		High:      t.High.InexactFloat64(),
		Low:       t.Low.InexactFloat64(),
		Close:     t.Close.InexactFloat64(),
		Volume:    t.Volume.InexactFloat64(),
	}
}

func klineCandle(k binance.Kline) indicator.Candle {
	return indicator.Candle{
		OpenTime:  k.OpenTime,
		CloseTime: k.CloseTime,
		Open:      k.Open.InexactFloat64(),
		High:      k.High.InexactFloat64(),
		Low:       k.Low.InexactFloat64(),
		Close:     k.Close.InexactFloat64(),
		Volume:    k.Volume.InexactFloat64(),
	}
}
