package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	httpserver "sharddb/internal/http"
	"sharddb/pkg/clock"
	"sharddb/pkg/cluster"
	"sharddb/pkg/health"
	"sharddb/pkg/metrics"
	"sharddb/pkg/query"
	"sharddb/pkg/rebalance"
	"sharddb/pkg/registry"
	"sharddb/pkg/routing"
	"sharddb/pkg/storage"
	"sharddb/pkg/txn"
	"sharddb/pkg/types"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	configPath := flag.String("config", "./config.yaml", "path to config file")
	flag.Parse()

	cfg, err := initConfig(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}
	initLogger(&cfg)

	// идентичность локального шарда
	shardID := types.ShardID(os.Getenv("SHARDDB_SHARD_ID"))
	localAddr := os.Getenv("SHARDDB_NODE_ADDR") // "node1:8080"
	if shardID == "" || localAddr == "" {
		fmt.Println("SHARDDB_SHARD_ID and SHARDDB_NODE_ADDR are required")
		os.Exit(1)
	}

	met := metrics.NewMemory()

	// --- роутинг и членство ---
	ring := routing.NewRing()
	router := routing.NewRouter(ring)
	reg := registry.New()

	manager := rebalance.NewManager(router, reg, storage.HTTPFactory,
		cfg.Rebalance, cfg.Routing.VirtualNodes, met)
	defer manager.Stop()

	monitor := health.NewMonitor(reg, cfg.Health, clock.SystemClock{}, met)
	monitor.SetOnLost(func(id types.ShardID) {
		go manager.ShardLost(id)
	})
	monitor.Start(ctx)
	defer monitor.Stop()

	// --- координаторы ---
	queries := query.NewCoordinator(router, reg, manager, cfg.Query.OpTimeout(), met)

	decisionLog, err := txn.OpenDecisionLog(cfg.Txn.DecisionLogDir)
	if err != nil {
		fmt.Printf("Failed to open decision log: %v\n", err)
		os.Exit(1)
	}
	defer decisionLog.Close()

	resolver := func(id types.ShardID) (txn.Participant, error) {
		rec, err := reg.Get(id)
		if err != nil {
			return nil, err
		}
		return txn.NewHTTPParticipant("http://" + rec.Addr), nil
	}
	txns := txn.NewCoordinator(decisionLog, router, resolver, cfg.Txn, met)
	defer txns.Stop()
	if err := txns.Recover(ctx); err != nil {
		fmt.Printf("Failed to recover transactions: %v\n", err)
		os.Exit(1)
	}

	// --- локальный шард ---
	backend := storage.NewMemory()
	participant := txn.NewLocalParticipant(backend)

	// --- HTTP сервер ---
	server := httpserver.NewServer(strconv.Itoa(cfg.Server.Port))
	server.SetLocalShard(backend, participant)
	server.SetCoordinators(queries, txns, manager, func() httpserver.StatusReport {
		return buildStatus(reg, ring, router, manager, txns, met)
	})
	if err := server.Start(); err != nil {
		fmt.Printf("Failed to start HTTP server: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = server.Stop() }()

	// --- членство: ZooKeeper или статический bootstrap ---
	if cfg.ZooKeeper.Enabled {
		membership, err := cluster.NewZKMembership(cfg.ZooKeeper.Servers, cfg.ZooKeeper.RootPath)
		if err != nil {
			fmt.Printf("Failed to connect to ZooKeeper: %v\n", err)
			os.Exit(1)
		}
		defer membership.Close()

		if err := membership.RegisterShard(shardID, localAddr); err != nil {
			fmt.Printf("Failed to register shard in ZooKeeper: %v\n", err)
			os.Exit(1)
		}
		membership.RunWatch(ctx, manager)
	} else {
		if err := manager.AddShard(shardID, localAddr); err != nil {
			fmt.Printf("Failed to bootstrap local shard: %v\n", err)
			os.Exit(1)
		}
	}

	fmt.Printf("sharddb node started: shard=%s addr=%s port=%d\n", shardID, localAddr, cfg.Server.Port)
	<-ctx.Done()
	fmt.Println("shutting down")
}

func buildStatus(
	reg *registry.Registry,
	ring *routing.Ring,
	router *routing.Router,
	manager *rebalance.Manager,
	txns *txn.Coordinator,
	met *metrics.Memory,
) httpserver.StatusReport {
	shards := make([]httpserver.ShardStatus, 0)
	for _, rec := range reg.All() {
		shards = append(shards, httpserver.ShardStatus{
			ID:        rec.ID,
			Addr:      rec.Addr,
			State:     rec.State.String(),
			Load:      rec.Load,
			LastProbe: rec.LastProbe,
		})
	}
	return httpserver.StatusReport{
		Shards:         shards,
		RingGeneration: ring.Snapshot().Generation(),
		PinnedArcs:     router.Pinned(),
		Migrations:     manager.Tasks(),
		Transactions:   txns.Active(),
		Metrics:        met.Snapshot(),
	}
}
