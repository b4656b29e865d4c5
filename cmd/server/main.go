package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"pocketchat/internal/app"
)

func main() {
	addr := flag.String("addr", envOrDefault("POCKETCHAT_ADDR", ":8080"), "server listen address")
	db := flag.String("db", envOrDefault("POCKETCHAT_DB_PATH", ""), "sqlite database path")
	jwtSecret := flag.String("jwt-secret", envOrDefault("POCKETCHAT_JWT_SECRET", ""), "secret for signing access tokens")
	flag.Parse()

	cfg := app.ServerConfig{
		Addr:      *addr,
		DBPath:    *db,
		JWTSecret: *jwtSecret,
	}
	if cfg.DBPath == "" {
		cfg.DBPath = app.DefaultDBPath()
	}
	if cfg.JWTSecret == "" {
		fmt.Fprintln(os.Stderr, "error: --jwt-secret or POCKETCHAT_JWT_SECRET is required")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	handle, err := app.RunServer(ctx, cfg)
	if err != nil {
		log.Fatalf("server error: %v", err)
	}
	log.Printf("PocketChat server listening on %s (db %s)", handle.Addr(), cfg.DBPath)
	if err := handle.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("server error: %v", err)
	}
}

func envOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
