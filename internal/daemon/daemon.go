package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/harun/agentrun/internal/config"
	"github.com/harun/agentrun/internal/logger"
	"github.com/harun/agentrun/internal/observability"
	"github.com/harun/agentrun/internal/tracing"
	"github.com/harun/agentrun/pkg/agent"
	"github.com/harun/agentrun/pkg/commandqueue"
	"github.com/harun/agentrun/pkg/eventlog"
	"github.com/harun/agentrun/pkg/gateway"
	"github.com/harun/agentrun/pkg/protocol"
	"github.com/harun/agentrun/pkg/toolexecutor"
)

// ToolLane is the pool lane backend tools run on unless configured otherwise.
const ToolLane = "tools"

// Daemon hosts the run engine and the services around it.
type Daemon struct {
	config *config.Config
	logger *logger.Logger

	// Engine
	pool       *commandqueue.CommandQueue
	executor   *toolexecutor.ToolExecutor
	catalog    *toolexecutor.StaticCatalog
	frontend   *toolexecutor.FrontendCoordinator
	dispatcher *toolexecutor.Dispatcher
	providers  *agent.ProviderRegistry
	engine     *agent.Engine

	// Services, nil when disabled
	events        *eventlog.SQLiteStore
	sweeper       *eventlog.RetentionSweeper
	gatewayServer *gateway.Server
	watcher       *config.Watcher

	eventLoop *EventLoop
	lifecycle *LifecycleManager

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startTime time.Time
	running   bool
	closed    bool
	mu        sync.RWMutex

	tracingEnabled bool
}

var newProviderRegistry = func(cfgs []agent.ProviderConfig) (*agent.ProviderRegistry, error) {
	registry := agent.NewProviderRegistry()
	if err := registry.RegisterConfigs(cfgs); err != nil {
		return nil, err
	}
	return registry, nil
}

// New creates a new daemon instance. Nothing listens until Start.
func New(cfg *config.Config, log *logger.Logger) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	for _, err := range config.NewValidator().ValidateConfig(cfg) {
		log.Warn().Err(err).Msg("Config check")
	}

	ctx, cancel := context.WithCancel(context.Background())

	observability.EnsureRegistered()
	d := &Daemon{
		config: cfg,
		logger: log,
		ctx:    ctx,
		cancel: cancel,
	}

	if cfg.Tracing.Enabled {
		if err := tracing.InitOpenTelemetry(cfg.Tracing.ServiceName, cfg.Tracing.SampleRatio); err != nil {
			log.Warn().Err(err).Msg("Failed to initialize tracing, continuing without distributed tracing")
		} else {
			d.tracingEnabled = true
			log.Info().Msg("Tracing initialized successfully")
		}
	}

	d.registerSecrets()

	if err := d.initializeCoreModules(); err != nil {
		d.release()
		return nil, fmt.Errorf("failed to initialize core modules: %w", err)
	}

	if err := d.initializeServices(); err != nil {
		d.release()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	d.eventLoop = NewEventLoop(d)
	d.lifecycle = NewLifecycleManager(d)

	return d, nil
}

// registerSecrets keeps configured credentials out of the log output.
func (d *Daemon) registerSecrets() {
	redactor := d.logger.Redactor()
	if redactor == nil {
		return
	}
	for _, p := range d.config.Providers.ProviderConfigs() {
		redactor.AddSecret(p.APIKey)
	}
	redactor.AddSecret(d.config.Gateway.SharedSecret)
}

// initializeCoreModules wires pool, tools, providers and engine.
func (d *Daemon) initializeCoreModules() error {
	log := d.logger.Zerolog()

	if d.config.Logging.AuditFile != "" {
		if err := observability.InitAuditLogger(d.config.Logging.AuditFile); err != nil {
			log.Warn().Err(err).Msg("Failed to initialize audit logger, using default stderr")
		} else {
			log.Info().Str("path", d.config.Logging.AuditFile).Msg("Audit logger initialized")
		}
	}

	d.pool = commandqueue.New(commandqueue.Config{
		Lanes:              d.config.Engine.Pool.Lanes,
		DefaultConcurrency: d.config.Engine.Pool.Concurrency,
	})
	if err := d.pool.Start(); err != nil {
		return fmt.Errorf("failed to start worker pool: %w", err)
	}

	d.executor = toolexecutor.New()
	if err := d.executor.RegisterPlanTools(); err != nil {
		return fmt.Errorf("failed to register plan tools: %w", err)
	}

	d.catalog = toolexecutor.NewCatalog()
	d.catalog.AddExecutor(d.executor)
	for _, tool := range d.config.Tools {
		if err := d.catalog.Register(tool.Spec()); err != nil {
			return fmt.Errorf("failed to register tool %s: %w", tool.Name, err)
		}
	}
	log.Info().Int("tools", len(d.catalog.List())).Msg("Tool catalog initialized")

	d.frontend = toolexecutor.NewFrontendCoordinator(d.config.Engine.FrontendTimeout)
	d.dispatcher = toolexecutor.NewDispatcher(toolexecutor.DispatcherConfig{
		Pool:         d.pool,
		Executor:     d.executor,
		Catalog:      d.catalog,
		Frontend:     d.frontend,
		Resolver:     toolexecutor.JSONResolver{},
		Lane:         ToolLane,
		RetryBackoff: d.config.Engine.ToolRetryBackoff,
	})

	providers, err := newProviderRegistry(d.config.Providers.ProviderConfigs())
	if err != nil {
		return fmt.Errorf("failed to create providers: %w", err)
	}
	d.providers = providers
	log.Info().Strs("providers", providers.Names()).Msg("Providers initialized")

	engine, err := agent.NewEngine(agent.EngineConfig{
		Providers:  providers,
		Dispatcher: d.dispatcher,
		Catalog:    d.catalog,
		Defaults:   d.config.Engine.Defaults,
	})
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}
	d.engine = engine

	for _, def := range d.config.AgentDefinitions() {
		if err := engine.Check(agent.RunRequest{Agent: def}); err != nil {
			return fmt.Errorf("agent %s: %w", def.ID, err)
		}
	}
	log.Info().Int("agents", len(d.config.Agents)).Msg("Engine initialized")

	return nil
}

// initializeServices opens the event log and builds the gateway.
func (d *Daemon) initializeServices() error {
	log := d.logger.Zerolog()

	if d.config.EventLog.Enabled {
		storeLogger := d.logger.Component("eventlog")
		store, err := eventlog.Open(eventlog.Config{
			Path:   d.config.EventLog.Path,
			Logger: &storeLogger,
		})
		if err != nil {
			return fmt.Errorf("failed to open event log: %w", err)
		}
		d.events = store

		sweeper, err := eventlog.NewRetentionSweeper(store, d.config.EventLog.Retention(), d.config.EventLog.SweepSpec)
		if err != nil {
			return fmt.Errorf("failed to create retention sweeper: %w", err)
		}
		d.sweeper = sweeper
		log.Info().Str("path", d.config.EventLog.Path).Msg("Event log opened")
	}

	if d.config.Gateway.Enabled {
		gw := gateway.Config{
			Host:         d.config.Gateway.Host,
			Port:         d.config.Gateway.Port,
			SharedSecret: d.config.Gateway.SharedSecret,
			TickInterval: d.config.Gateway.TickInterval,
			RateLimit: gateway.RateLimit{
				RequestsPerMinute: d.config.Gateway.RateLimit.RequestsPerMinute,
				Burst:             d.config.Gateway.RateLimit.Burst,
				MaxConcurrent:     d.config.Gateway.RateLimit.MaxConcurrent,
			},
			CancelOnDisconnect: d.config.Gateway.CancelOnDisconnect,
			Engine:             d.engine,
			Tools:              d.catalog,
			Agents:             d.config.AgentDefinitions(),
			Logger:             d.logger.Component("gateway"),
		}
		// A nil *SQLiteStore in the interface would look enabled.
		if d.events != nil {
			gw.Events = d.events
		}
		server, err := gateway.NewServer(gw)
		if err != nil {
			return fmt.Errorf("failed to create gateway server: %w", err)
		}
		d.gatewayServer = server
	}

	return nil
}

// WatchConfig reloads engine defaults whenever the file behind loader
// changes. Other sections need a restart. Call before Start.
func (d *Daemon) WatchConfig(loader *config.Loader) error {
	watcher, err := config.NewWatcher(config.WatcherConfig{
		Loader:   loader,
		OnChange: d.applyConfig,
	})
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.watcher = watcher
	d.mu.Unlock()
	return nil
}

func (d *Daemon) applyConfig(cfg *config.Config) {
	d.engine.SetDefaults(cfg.Engine.Defaults)
	d.frontend.SetDefaultTimeout(cfg.Engine.FrontendTimeout)
	d.logger.Info().
		Int("max_steps", cfg.Engine.Defaults.MaxSteps).
		Int("free_rounds", cfg.Engine.Defaults.FreeRounds).
		Int("forced_rounds", cfg.Engine.Defaults.ForcedRounds).
		Msg("Engine defaults reloaded")
}

// Start starts the daemon service
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	if d.closed {
		d.mu.Unlock()
		return fmt.Errorf("daemon is closed")
	}
	d.running = true
	d.startTime = time.Now()
	watcher := d.watcher
	d.mu.Unlock()

	logger := d.logger.Zerolog().With().Str("trace_id", tracing.NewTraceID()).Logger()
	logger.Info().Msg("Starting agentrun daemon")

	if err := d.lifecycle.Start(); err != nil {
		return fmt.Errorf("failed to start lifecycle manager: %w", err)
	}

	if d.sweeper != nil {
		if err := d.sweeper.Start(); err != nil {
			return fmt.Errorf("failed to start retention sweeper: %w", err)
		}
		logger.Info().Msg("Retention sweeper started")
	}

	if d.gatewayServer != nil {
		if err := d.gatewayServer.Start(); err != nil {
			return fmt.Errorf("failed to start gateway server: %w", err)
		}
		logger.Info().Str("addr", d.gatewayServer.Addr()).Msg("Gateway server started")
	}

	if watcher != nil {
		if err := watcher.Start(); err != nil {
			logger.Warn().Err(err).Msg("Failed to start config watcher")
		}
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.eventLoop.Run(d.ctx)
	}()

	logger.Info().Msg("Daemon started successfully")

	return nil
}

// Stop stops the daemon service gracefully
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is not running")
	}
	d.running = false
	watcher := d.watcher
	d.mu.Unlock()

	logger := d.logger.Zerolog()
	logger.Info().Msg("Stopping agentrun daemon")

	if watcher != nil {
		if err := watcher.Stop(); err != nil {
			logger.Error().Err(err).Msg("Failed to stop config watcher")
		}
	}

	// The gateway cancels the runs it started and waits for them.
	if d.gatewayServer != nil {
		if err := d.gatewayServer.Stop(); err != nil {
			logger.Error().Err(err).Msg("Failed to stop gateway server")
		}
	}

	for _, run := range d.engine.ActiveRuns() {
		d.engine.Cancel(run.RunID)
	}

	d.cancel()
	d.wg.Wait()
	d.eventLoop.HandleShutdown()

	if d.sweeper != nil {
		d.sweeper.Stop()
	}

	d.release()

	if err := d.lifecycle.Stop(); err != nil {
		logger.Error().Err(err).Msg("Failed to stop lifecycle manager")
	}

	logger.Info().Msg("Daemon stopped successfully")

	return nil
}

// Close releases a daemon that was never started.
func (d *Daemon) Close() error {
	d.mu.RLock()
	running := d.running
	d.mu.RUnlock()
	if running {
		return d.Stop()
	}
	d.release()
	return nil
}

// release closes pool, event log, audit log and tracing. It is idempotent.
func (d *Daemon) release() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()

	logger := d.logger.Zerolog()
	d.cancel()

	if d.pool != nil {
		if err := d.pool.Close(5 * time.Second); err != nil {
			logger.Error().Err(err).Msg("Failed to close worker pool")
		}
	}
	if d.events != nil {
		if err := d.events.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close event log")
		}
	}
	if d.tracingEnabled {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := tracing.ShutdownOpenTelemetry(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("Failed to shutdown tracing")
		}
		cancel()
		d.tracingEnabled = false
	}
	if err := observability.GetAuditLogger().Close(); err != nil {
		logger.Error().Err(err).Msg("Failed to close audit logger")
	}
}

// Run executes one run in-process. Events go to sink and, when the event
// log is enabled, to the log as well.
func (d *Daemon) Run(ctx context.Context, req agent.RunRequest, sink protocol.Sink) (*agent.RunResult, error) {
	if req.RunID == "" {
		req.RunID = tracing.NewRunID()
	}
	if req.ChatID == "" {
		req.ChatID = uuid.NewString()
		req.NewChat = true
	}
	if d.events != nil {
		sink = protocol.Fanout(d.events.Sink(ctx, eventlog.RunInfo{
			RunID:   req.RunID,
			AgentID: req.Agent.ID,
			ChatID:  req.ChatID,
		}), sink)
	}
	return d.engine.Run(ctx, req, sink)
}

// Agent returns the configured agent with the given id.
func (d *Daemon) Agent(id string) (agent.AgentDefinition, bool) {
	for _, def := range d.config.AgentDefinitions() {
		if def.ID == id {
			return def, true
		}
	}
	return agent.AgentDefinition{}, false
}

// Status returns the daemon status
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	status := Status{
		Running: d.running,
	}

	if d.running {
		status.Uptime = time.Since(d.startTime)
		status.StartTime = d.startTime
		status.ActiveRuns = len(d.engine.ActiveRuns())
	}

	return status
}

// Wait blocks until SIGINT or SIGTERM and then stops the daemon.
func (d *Daemon) Wait() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	sig := <-sigChan
	d.logger.Info().Str("signal", sig.String()).Msg("Received signal")

	if err := d.Stop(); err != nil {
		d.logger.Error().Err(err).Msg("Failed to stop daemon")
	}
}

// Status represents daemon status
type Status struct {
	Running    bool
	Uptime     time.Duration
	StartTime  time.Time
	ActiveRuns int
}

// GetConfig returns the daemon configuration
func (d *Daemon) GetConfig() *config.Config {
	return d.config
}

// GetLogger returns the daemon logger
func (d *Daemon) GetLogger() *logger.Logger {
	return d.logger
}

// GetEngine returns the run engine
func (d *Daemon) GetEngine() *agent.Engine {
	return d.engine
}

// GetPool returns the worker pool
func (d *Daemon) GetPool() *commandqueue.CommandQueue {
	return d.pool
}

// GetCatalog returns the tool catalog
func (d *Daemon) GetCatalog() *toolexecutor.StaticCatalog {
	return d.catalog
}

// GetEventLog returns the event log, nil when disabled
func (d *Daemon) GetEventLog() *eventlog.SQLiteStore {
	return d.events
}

// GetGatewayServer returns the gateway server, nil when disabled
func (d *Daemon) GetGatewayServer() *gateway.Server {
	return d.gatewayServer
}
