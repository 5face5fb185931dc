// Copyright 2026 The KSI Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package daemon wires every subsystem — transport, event router, message
// bus, subprocess supervisor, permission manager, sandbox manager, agent
// registry, and state store — into the single running ksid process and owns
// its startup/shutdown lifecycle.
package daemon

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ksi-project/ksid/internal/bus"
	"github.com/ksi-project/ksid/internal/event"
	"github.com/ksi-project/ksid/internal/ksipath"
	"github.com/ksi-project/ksid/internal/permission"
	"github.com/ksi-project/ksid/internal/registry"
	"github.com/ksi-project/ksid/internal/sandbox"
	"github.com/ksi-project/ksid/internal/state"
	"github.com/ksi-project/ksid/internal/supervisor"
	"github.com/ksi-project/ksid/internal/transport"
)

// Config controls every wired subsystem. Zero-value fields fall back to
// ksipath-derived defaults in withDefaults.
type Config struct {
	SocketPath       string
	DataDir          string
	SandboxRoot      string
	ProfilesDir      string
	ConversationsDir string
	BusHistoryLog    string
	DatabasePath     string

	EncryptDatabase bool
	EncryptionKey   string

	MaxFrameBytes  int
	WriteQueueSize int
	ShutdownDrain  time.Duration
	OverflowPolicy transport.OverflowPolicy

	OfflineQueueCapacity int
	HistoryCapacity      int

	RouterMaxDepth          int
	MaxInflightSubprocesses int
	SupervisorGrace         time.Duration

	ProfileHotReloadDebounceMs int

	// DebugStackTraces includes a recovered handler panic's stack trace in
	// the error response's details field. Off by default since a stack
	// trace can leak internal paths to whatever is listening on the socket.
	DebugStackTraces bool
}

func (c Config) withDefaults() Config {
	if c.SocketPath == "" {
		c.SocketPath = ksipath.SocketPath()
	}
	if c.DataDir == "" {
		c.DataDir = ksipath.DataDir()
	}
	if c.SandboxRoot == "" {
		c.SandboxRoot = ksipath.SandboxRoot()
	}
	if c.ProfilesDir == "" {
		c.ProfilesDir = ksipath.ProfilesDir()
	}
	if c.ConversationsDir == "" {
		c.ConversationsDir = ksipath.SubDir("conversations")
	}
	if c.BusHistoryLog == "" {
		c.BusHistoryLog = ksipath.SubDir("logs") + "/message_bus.jsonl"
	}
	if c.DatabasePath == "" {
		c.DatabasePath = ksipath.DatabasePath()
	}
	if c.SupervisorGrace <= 0 {
		c.SupervisorGrace = 5 * time.Second
	}
	return c
}

// Daemon is the fully wired process: every subsystem plus the bookkeeping
// needed to bridge transport connections to bus subscriptions and
// in-flight completion requests.
type Daemon struct {
	cfg    Config
	logger *zap.Logger

	transport   *transport.Server
	router      *event.Router
	msgBus      *bus.Bus
	supervisor  *supervisor.Supervisor
	permissions *permission.Manager
	sandboxes   *sandbox.Manager
	agents      *registry.Registry
	convos      *registry.ConversationIndex
	state       *state.Store

	startedAt time.Time

	connMu sync.Mutex
	conns  map[string]*transport.Conn    // conn.ID -> conn, for lookups outside the read loop
	pumps  map[string]context.CancelFunc // subscription id -> pump cancel

	completionsMu sync.Mutex
	completions   map[string]*completionRecord
}

// New builds every subsystem and opens the agent registry database, but
// does not start accepting connections; call Run for that.
func New(cfg Config, logger *zap.Logger) (*Daemon, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()

	if err := ksipath.EnsureLayout(); err != nil {
		return nil, fmt.Errorf("ensuring data directory layout: %w", err)
	}

	db, err := registry.OpenDB(registry.DBConfig{
		Path: cfg.DatabasePath, EncryptDatabase: cfg.EncryptDatabase, EncryptionKey: cfg.EncryptionKey,
	})
	if err != nil {
		return nil, fmt.Errorf("opening agent registry database: %w", err)
	}

	agents, err := registry.New(db, logger.Named("registry"))
	if err != nil {
		return nil, fmt.Errorf("initializing agent registry: %w", err)
	}

	convos, err := registry.NewConversationIndex(cfg.ConversationsDir, logger.Named("conversations"))
	if err != nil {
		return nil, fmt.Errorf("initializing conversation index: %w", err)
	}

	sandboxes, err := sandbox.New(cfg.SandboxRoot, logger.Named("sandbox"))
	if err != nil {
		return nil, fmt.Errorf("initializing sandbox manager: %w", err)
	}

	permissions := permission.New(cfg.ProfilesDir, logger.Named("permission"))
	if err := permissions.LoadProfiles(); err != nil {
		logger.Warn("initial permission profile load failed", zap.Error(err))
	}

	msgBus := bus.New(bus.Config{
		OfflineQueueCapacity: cfg.OfflineQueueCapacity,
		HistoryCapacity:      cfg.HistoryCapacity,
		HistoryLogPath:       cfg.BusHistoryLog,
	}, logger.Named("bus"))
	msgBus.SetCapabilityResolver(agents)

	d := &Daemon{
		cfg:         cfg,
		logger:      logger,
		router:      event.NewRouter(cfg.RouterMaxDepth, logger.Named("router")).WithDebugStackTraces(cfg.DebugStackTraces),
		msgBus:      msgBus,
		supervisor:  supervisor.New(cfg.MaxInflightSubprocesses, logger.Named("supervisor")),
		permissions: permissions,
		sandboxes:   sandboxes,
		agents:      agents,
		convos:      convos,
		state:       state.New(),
		conns:       make(map[string]*transport.Conn),
		pumps:       make(map[string]context.CancelFunc),
		completions: make(map[string]*completionRecord),
	}
	d.transport = transport.New(transport.Config{
		SocketPath:     cfg.SocketPath,
		MaxFrameBytes:  cfg.MaxFrameBytes,
		WriteQueueSize: cfg.WriteQueueSize,
		ShutdownDrain:  cfg.ShutdownDrain,
		OverflowPolicy: cfg.OverflowPolicy,
	}, logger.Named("transport"))
	d.transport.OnAccept(d.onAccept)
	d.transport.OnClose(d.onClose)
	d.msgBus.SetDisconnectHandler(d.onSubscriberUnreachable)

	d.registerHandlers()
	return d, nil
}

// Run starts the permission hot-reloader and the transport accept loop,
// blocking until ctx is canceled or a fatal transport error occurs. It
// always runs Shutdown before returning.
func (d *Daemon) Run(ctx context.Context) error {
	d.startedAt = time.Now().UTC()

	if err := d.permissions.StartWatch(ctx, d.cfg.ProfileHotReloadDebounceMs); err != nil {
		d.logger.Warn("permission profile hot-reload not started", zap.Error(err))
	}

	d.logger.Info("ksid starting", zap.String("socket", d.cfg.SocketPath), zap.String("data_dir", d.cfg.DataDir))
	err := d.transport.Serve(ctx, d.handleFrame)
	d.Shutdown()
	return err
}

// Shutdown tears every subsystem down in dependency order: stop accepting
// new work, drain connections, kill live subprocesses, flush the bus and
// conversation logs, and close the registry database. Idempotent-ish: safe
// to call once after Run returns, as Run itself does.
func (d *Daemon) Shutdown() {
	d.permissions.StopWatch()
	d.transport.Shutdown()
	d.supervisor.Shutdown(d.cfg.SupervisorGrace)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.msgBus.Shutdown(shutdownCtx); err != nil {
		d.logger.Warn("message bus shutdown did not complete cleanly", zap.Error(err))
	}

	if err := d.convos.Close(); err != nil {
		d.logger.Warn("closing conversation index failed", zap.Error(err))
	}
	if err := d.agents.Close(); err != nil {
		d.logger.Warn("closing agent registry failed", zap.Error(err))
	}
	d.logger.Info("ksid shutdown complete")
}

func (d *Daemon) onAccept(conn *transport.Conn) {
	d.connMu.Lock()
	d.conns[conn.ID] = conn
	d.connMu.Unlock()
}

func (d *Daemon) onClose(conn *transport.Conn) {
	d.connMu.Lock()
	delete(d.conns, conn.ID)
	d.connMu.Unlock()

	subscriberID := conn.PeerIdentity
	if subscriberID == "" {
		subscriberID = conn.ID
	}
	d.msgBus.UnsubscribeAll(subscriberID)
	d.stopPumpsFor(subscriberID)
}

// onSubscriberUnreachable is invoked by the bus when a delivery to
// subscriberID fails because its channel is full; the matching transport
// connection, if still open, is sent a SERVICE_UNAVAILABLE error frame so the
// client observes the drop instead of silently missing messages. The
// connection itself is left open.
func (d *Daemon) onSubscriberUnreachable(subscriberID string) {
	d.connMu.Lock()
	defer d.connMu.Unlock()
	for _, c := range d.conns {
		if c.PeerIdentity == subscriberID {
			c.SendError("", "SERVICE_UNAVAILABLE", "subscriber delivery buffer exceeded")
		}
	}
}
