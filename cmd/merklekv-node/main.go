// cmd/merklekv-node is the main entrypoint for a MerkleKV Mobile node.
//
// Configuration is entirely via flags/environment/config file so a single
// binary can serve any role in the mesh.
//
// Example — single node against its own in-memory demo bus:
//
//	./merklekv-node --node-id node1 --client-id node1 --addr :8080
//
// The demo bus is an in-memory broker that lives inside one process, and
// this binary has no MQTT client (mqtt_host/mqtt_port are not used). Each
// invocation runs one node on its own broker, so nodes started as separate
// processes do not exchange messages; --peers only seeds the anti-entropy
// peer list.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"merklekv/internal/api"
	"merklekv/internal/bus"
	"merklekv/internal/config"
	"merklekv/internal/metrics"
	"merklekv/internal/node"
)

func main() {
	nodeID := flag.String("node-id", "node1", "Unique node identifier")
	clientID := flag.String("client-id", "", "Bus client id (defaults to node-id)")
	addr := flag.String("addr", ":8080", "Admin HTTP listen address")
	dataDir := flag.String("data-dir", "", "Directory for persistence (empty disables it)")
	configPath := flag.String("config", "", "Optional TOML config file")
	peersFlag := flag.String("peers", "", "Comma-separated list of peer node ids for anti-entropy")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	// Load validates its result, so the identity flags reach it through
	// the MKV_NODE_ID / MKV_CLIENT_ID overrides it already reads.
	effectiveClientID := *clientID
	if effectiveClientID == "" {
		effectiveClientID = *nodeID
	}
	_ = os.Setenv("MKV_NODE_ID", *nodeID)
	_ = os.Setenv("MKV_CLIENT_ID", effectiveClientID)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}
	cfg.NodeID = *nodeID
	if *clientID != "" {
		cfg.ClientID = *clientID
	} else {
		cfg.ClientID = *nodeID
	}
	if *dataDir != "" {
		cfg.PersistenceEnabled = true
		cfg.StoragePath = *dataDir
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}
	if cfg.CredentialsSet() && !cfg.MQTTUseTLS {
		logger.Warn("bus credentials are set without TLS")
	}

	// The demo process has no MQTT client anywhere in the example corpus
	// this module was grounded on (see DESIGN.md); the node attaches to
	// this process's in-memory broker, so it exchanges messages only with
	// nodes running inside the same process.
	n, err := node.New(cfg, bus.NewMemoryBus(demoBroker()), logger, metrics.New(nil))
	if err != nil {
		logger.Fatal("construct node", zap.Error(err))
	}

	if *peersFlag != "" {
		for _, id := range strings.Split(*peersFlag, ",") {
			n.Peers().Add(strings.TrimSpace(id))
		}
	}

	runCtx, cancelRun := context.WithCancel(context.Background())
	go func() {
		if err := n.Run(runCtx); err != nil {
			logger.Error("node run exited", zap.Error(err))
		}
	}()

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(api.Logger(logger), api.Recovery(logger))

	handler := api.NewHandler(n)
	handler.Register(router)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"node": cfg.NodeID, "status": "ok"})
	})

	srv := &http.Server{
		Addr:         *addr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("node listening", zap.String("node_id", cfg.NodeID), zap.String("addr", *addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("admin server error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down", zap.String("node_id", cfg.NodeID))
	cancelRun()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("admin server shutdown error", zap.Error(err))
	}
}
