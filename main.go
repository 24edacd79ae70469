package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"tradeguard/internal/api"
	"tradeguard/internal/audit"
	"tradeguard/internal/breaker"
	"tradeguard/internal/decision"
	"tradeguard/internal/events"
	"tradeguard/internal/executor"
	"tradeguard/internal/gate"
	"tradeguard/internal/killswitch"
	"tradeguard/internal/loop"
	"tradeguard/internal/monitor"
	"tradeguard/internal/registry"
	"tradeguard/internal/state"
	"tradeguard/pkg/config"
	"tradeguard/pkg/db"
	"tradeguard/pkg/exchange"
)

const version = "1.0.0"

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("❌ config load failed: %v", err)
	}
	policy, err := config.LoadPolicy(cfg.PolicyPath)
	if err != nil {
		log.Fatalf("❌ risk policy load failed: %v", err)
	}
	log.Printf("✓ starting tradeguard %s (port %s, dry_run=%v)", version, cfg.Port, cfg.DryRun)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Core services
	bus := events.NewBus()
	defer bus.Close()

	database, err := db.New(cfg.DBPath)
	if err != nil {
		log.Fatalf("❌ db init failed: %v", err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		log.Fatalf("❌ db migrations failed: %v", err)
	}

	auditLog := audit.New(database)

	// In-memory state seeded from DB
	stateMgr := state.NewManager(database)
	if err := stateMgr.Load(ctx); err != nil {
		log.Fatalf("❌ state load failed: %v", err)
	}

	// Exchange gateway: paper venue in dry-run, wrapped in the transport breaker.
	var gateway exchange.Gateway
	if cfg.DryRun {
		gateway = exchange.NewPaperGateway(exchange.PaperConfig{})
		log.Println("✓ dry-run mode: paper exchange gateway")
	} else {
		log.Fatalf("❌ live exchange gateway not configured; set DRY_RUN=true")
	}
	gateway = exchange.NewBreakerGateway(gateway)

	// Safety plane
	breakers := breaker.NewEngine(policy.Breakers, auditLog, bus)
	ks := killswitch.NewManager(auditLog, bus, policy.KillSwitch.GracefulDeadline.Std())
	if err := ks.Recover(ctx); err != nil {
		log.Fatalf("❌ kill switch recovery failed: %v", err)
	}

	riskGate := gate.New(breakers, ks, stateMgr, policy.Limits, auditLog, bus)
	exec := executor.New(database, auditLog, bus, stateMgr, gateway, policy.Executor)
	ks.SetFlattener(exec)
	exec.SetHaltFn(func(ctx context.Context, reason string) {
		err := ks.Activate(ctx, killswitch.ModePause, reason, "system", killswitch.RoleSystem)
		if err != nil && err != killswitch.ErrAlreadySet {
			log.Printf("❌ divergence pause failed: %v", err)
		}
	})

	// Model registry
	reg := registry.New(database, auditLog, bus, policy.Promotion, cfg.ModelDir)

	// Monitoring
	sysMetrics := monitor.NewMetrics()
	mon := monitor.New(riskGate, breakers, ks, exec, reg, sysMetrics)
	go mon.Watch(ctx, bus)

	// Operator bootstrap + API
	if err := api.BootstrapOperator(ctx, database, cfg.BootstrapOperator, cfg.BootstrapPassword, cfg.BootstrapRole); err != nil {
		log.Fatalf("❌ operator bootstrap failed: %v", err)
	}
	server := api.NewServer(database, auditLog, breakers, ks, reg, mon, stateMgr,
		api.SystemMeta{DryRun: cfg.DryRun, Venue: "paper", Version: version}, cfg.JWTSecret)

	// Order-update stream: lower-latency fills; reconciliation stays authoritative.
	stream := exchange.NewUserStream(cfg.ExchangeStreamURL,
		func(u exchange.OrderUpdate) { exec.ApplyUpdate(ctx, u) },
		func() { exec.ReconcileOnce(ctx) })
	stream.Start(ctx)

	// Reconciliation sweep
	go exec.Run(ctx, cfg.ReconcileInterval)

	// Control loop
	rolling := loop.NewRollingMetrics(stateMgr.Equity(), 50)
	runner := loop.NewRunner(rolling, sysMetrics, breakers, riskGate, exec, reg,
		stateMgr, bus, decision.HoldSource{})
	go runner.Run(ctx, cfg.TickInterval)

	// HTTP surface
	go func() {
		if err := server.Start(":" + cfg.Port); err != nil {
			log.Fatalf("❌ api server failed: %v", err)
		}
	}()

	// Graceful shutdown
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Println("🔄 shutting down")
	cancel()
	stream.Stop()
	log.Println("✓ shutdown complete")
}
