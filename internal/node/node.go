// Package node wires the full datafold stack (C1-C10) into a single
// process-wide handle: load config, construct storage, construct
// dependent services, start background workers, and expose one object
// the CLI drives.
package node

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/datafold/datafold/internal/atomstore"
	"github.com/datafold/datafold/internal/audit"
	"github.com/datafold/datafold/internal/bus"
	"github.com/datafold/datafold/internal/config"
	"github.com/datafold/datafold/internal/engine"
	"github.com/datafold/datafold/internal/kv"
	"github.com/datafold/datafold/internal/observability"
	"github.com/datafold/datafold/internal/peer"
	"github.com/datafold/datafold/internal/resolver"
	"github.com/datafold/datafold/internal/schemaregistry"
	"github.com/datafold/datafold/internal/transform"
)

// Node owns every component of one datafold process: the storage
// substrate, schema registry, query/mutation engine, transform engine,
// peer transport, observability monitor, and audit chain.
type Node struct {
	Config *config.Config
	Logger *slog.Logger

	KV        *kv.Store
	Bus       *bus.Bus
	Atoms     *atomstore.Store
	Schemas   *schemaregistry.Registry
	Resolver  *resolver.Resolver
	Engine    *engine.Engine
	DAG       *transform.DAG
	Transform *transform.Engine
	Monitor   *observability.Monitor
	Audit     *audit.Logger

	Identity    *peer.Identity
	Trust       *peer.TrustGraph
	PeerServer  *peer.Server
	PeerClient  *peer.Client
}

// New constructs and wires a Node from cfg without starting any
// background goroutines beyond the ones its components own internally
// (the transform worker pool, the bus's per-subscription workers).
func New(cfg *config.Config) (*Node, error) {
	logger := newLogger(cfg.Logging)

	identity, err := peer.NewIdentity(cfg.Network.ListenAddress)
	if err != nil {
		return nil, fmt.Errorf("generate node identity: %w", err)
	}

	store := kv.New()
	eventBus := bus.New(cfg.Node.MessageBusBuffer)
	atoms := atomstore.New(store, eventBus)
	schemas := schemaregistry.New(store, eventBus)
	res := resolver.New(schemas, atoms)
	eng := engine.New(schemas, res, eventBus)

	dag := transform.NewDAG()
	texec := transform.New(dag, eng, eventBus,
		transform.WithWorkers(cfg.Transform.MaxWorkers),
		transform.WithHistoryCap(cfg.Transform.HistoryCap),
		transform.WithRetries(cfg.Transform.Retries),
	)

	monitor := observability.New(eventBus)

	var auditLogger *audit.Logger
	if cfg.Audit.Enabled {
		auditLogger = audit.New(audit.Config{
			LogFile:    cfg.Audit.LogFile,
			MaxSizeMB:  cfg.Audit.MaxSizeMB,
			MaxBackups: cfg.Audit.MaxBackups,
			MaxAgeDays: cfg.Audit.RetentionDays,
			Compress:   cfg.Audit.Compress,
		})
	}

	trust := peer.NewTrustGraph()
	trust.SetDefaultDistance(cfg.Node.DefaultTrustDistance)
	for _, p := range cfg.Security.TrustedPeers {
		pubKey, err := peer.DecodePublicKey(p.PubKey)
		if err != nil {
			return nil, fmt.Errorf("trusted peer %s: %w", p.NodeID, err)
		}
		trust.AddPeer(peer.Info{NodeID: p.NodeID, PublicKey: pubKey, Address: p.Address, Distance: p.Distance})
	}

	peerServer := peer.NewServer(identity, trust, eng, eventBus, logger)
	peerClient := peer.NewClient(identity, trust)

	n := &Node{
		Config:     cfg,
		Logger:     logger,
		KV:         store,
		Bus:        eventBus,
		Atoms:      atoms,
		Schemas:    schemas,
		Resolver:   res,
		Engine:     eng,
		DAG:        dag,
		Transform:  texec,
		Monitor:    monitor,
		Audit:      auditLogger,
		Identity:   identity,
		Trust:      trust,
		PeerServer: peerServer,
		PeerClient: peerClient,
	}
	n.wireAudit()
	return n, nil
}

// wireAudit subscribes the audit chain to security-relevant bus events.
// It is a no-op if auditing is disabled.
func (n *Node) wireAudit() {
	if n.Audit == nil {
		return
	}
	record := func(eventType audit.EventType) func(bus.Event) {
		return func(ev bus.Event) {
			if _, err := n.Audit.Append(eventType, ev.Payload); err != nil {
				n.Logger.Error("audit append failed", slog.String("error", err.Error()))
			}
		}
	}
	n.Bus.Subscribe(bus.EventSchemaChanged, record(audit.EventSchemaStateChanged))
	n.Bus.Subscribe(bus.EventAuthFailure, record(audit.EventAuthFailure))
	n.Bus.Subscribe(bus.EventPermissionDenied, record(audit.EventPermissionDenied))
	n.Bus.Subscribe(bus.EventRemoteQueryDecision, record(audit.EventRemoteQueryDecision))
	n.Bus.Subscribe(bus.EventRemoteMutateDecision, record(audit.EventRemoteMutateDecision))
}

// Serve starts the peer transport and blocks until ctx is canceled.
func (n *Node) Serve(ctx context.Context) error {
	n.Logger.Info("datafold node starting",
		slog.String("node_id", n.Identity.NodeID),
		slog.String("address", n.Config.Network.ListenAddress))
	return n.PeerServer.Start(ctx)
}

// Close unsubscribes the transform engine and the observability monitor
// from the bus and closes the audit log sink. The transform worker
// goroutines are not stopped.
func (n *Node) Close() error {
	n.Transform.Close()
	n.Monitor.Close()
	if n.Audit != nil {
		return n.Audit.Close()
	}
	return nil
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
