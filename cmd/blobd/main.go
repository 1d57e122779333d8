package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"blobgate/pkg/app"
	"blobgate/pkg/config"
)

func main() {
	// 1. Load Config
	cfgFile := flag.String("config", "", "config file (default is $HOME/.blobgate/config.yaml)")
	debug := flag.Bool("debug", false, "debug logging")
	flag.Parse()

	if err := config.Load(*cfgFile); err != nil {
		log.Fatalf("❌ Config error: %v", err)
	}
	cfg, err := config.Current()
	if err != nil {
		log.Fatalf("❌ Config error: %v", err)
	}

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	// 2. Catalog, objects and engine
	srv, err := app.NewServer(context.Background(), cfg, logger)
	if err != nil {
		log.Fatalf("❌ Failed to initialize engine: %v", err)
	}
	fmt.Printf("✅ blobgate engine initialized (storage: %s, catalog: %s)\n", cfg.Storage.Type, cfg.Database.Driver)

	// 3. Setup Network
	lis, err := net.Listen("tcp", cfg.Engine.ListenAddr)
	if err != nil {
		log.Fatalf("❌ Failed to listen on %s: %v", cfg.Engine.ListenAddr, err)
	}

	// 4. Serve (Async)
	go func() {
		fmt.Printf("🚀 gRPC Server listening on %s...\n", lis.Addr())
		if err := srv.Serve(lis); err != nil {
			log.Fatalf("❌ Failed to serve: %v", err)
		}
	}()

	// 5. Graceful Shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	fmt.Println("\n⚠️  Shutting down server...")
	if err := srv.Shutdown(); err != nil {
		logger.Error("shutdown", "error", err)
	}
	fmt.Println("👋 Server stopped.")
}
