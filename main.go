package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"meshcoord/addr"
	"meshcoord/applog"
	"meshcoord/auth"
	"meshcoord/bus"
	"meshcoord/config"
	"meshcoord/gateway"
	"meshcoord/registry"
	"meshcoord/resolver"
	"meshcoord/scan"
	"meshcoord/server"
	"meshcoord/topology"
)

// Version info - increment based on change magnitude:
// Major (x.0.0): Breaking changes, major rewrites
// Minor (0.y.0): New features, significant enhancements
// Patch (0.0.z): Bug fixes, minor improvements
var Version = "1.0.0"

func main() {
	configPath := flag.String("config", "config.yaml", "Path to config file")
	flag.Parse()

	log.SetFormatter(&log.TextFormatter{
		FullTimestamp: true,
	})

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	os.MkdirAll(cfg.Logs.Path, 0755)
	logFile, err := os.OpenFile(cfg.Logs.Path+"/meshcoord.log", os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err == nil {
		log.SetOutput(logFile)
	}

	meshLocalPrefix, err := addr.ParsePrefix64(cfg.Mesh.MeshLocalPrefix)
	if err != nil {
		log.Fatalf("Invalid mesh_local_prefix %q: %v", cfg.Mesh.MeshLocalPrefix, err)
	}

	log.Infof("Starting mesh coordinator v%s", Version)
	log.Infof("  Addresses file: %s", cfg.Mesh.AddressesPath)
	log.Infof("  Border routers file: %s", cfg.Mesh.BorderRoutersPath)
	log.Infof("  Mesh-local prefix: %s", cfg.Mesh.MeshLocalPrefix)
	log.Infof("  Web port: %d", cfg.Server.Port)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info("Shutting down...")
		cancel()
	}()

	logWriter := applog.NewWriter(cfg.Logs.Path, cfg.Logs.RetentionDays)
	defer logWriter.Close()

	authStore := auth.NewStore(cfg.Mesh.BorderRoutersPath, cfg.Mesh.ConfigCacheTTL)
	if len(authStore.AllBRIDs()) == 0 {
		log.Warnf("No border routers configured in %s; every connection will be rejected until one is added", cfg.Mesh.BorderRoutersPath)
	}

	topo := topology.New()
	res := resolver.New(cfg.Mesh.AddressesPath, cfg.Mesh.ConfigCacheTTL, meshLocalPrefix, topo)
	reg := registry.New(cfg.Mesh.HeartbeatTimeout)
	defer reg.Stop()

	evBus := bus.New()

	gw := gateway.New(gateway.Config{
		Registry: reg,
		Resolver: res,
		Auth:     authStore,
		Topology: topo,
		Bus:      evBus,
		Log:      logWriter,
	})
	gw.SetScanner(scan.New(gw))

	srv := server.New(cfg.Server.Port, gw, reg, topo, res, evBus, cfg.Mesh.ActiveNodeWindow, Version)

	go func() {
		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				logWriter.Cleanup()
			}
		}
	}()

	if err := srv.Run(ctx); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}
