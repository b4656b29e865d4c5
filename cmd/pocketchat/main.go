package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"pocketchat/internal/app"
)

const (
	modeServer = "server"
	modeClient = "client"
	modeLocal  = "local"
)

func main() {
	mode, args := parseMode(os.Args[1:])
	flagSet := flag.NewFlagSet("pocketchat", flag.ExitOnError)
	addr := flagSet.String("addr", envOrDefault("POCKETCHAT_ADDR", defaultAddrForMode(mode)), "server listen address")
	db := flagSet.String("db", envOrDefault("POCKETCHAT_DB_PATH", ""), "sqlite database path (defaults to a per-user path)")
	jwtSecret := flagSet.String("jwt-secret", envOrDefault("POCKETCHAT_JWT_SECRET", ""), "secret for signing access tokens")
	apiURL := flagSet.String("api-url", envOrDefault("POCKETCHAT_API", "http://localhost:8080"), "API base URL (client mode)")
	socketURL := flagSet.String("socket-url", envOrDefault("POCKETCHAT_SOCKET", ""), "realtime websocket URL (defaults to /ws on the API host)")
	credentials := flagSet.String("credentials", envOrDefault("POCKETCHAT_CREDENTIALS_PATH", ""), "path to the stored credential file")
	quiet := flagSet.Bool("quiet", false, "suppress informational logs")
	flagSet.Parse(args)

	serverCfg := app.ServerConfig{
		Addr:      *addr,
		DBPath:    *db,
		JWTSecret: *jwtSecret,
	}
	if serverCfg.DBPath == "" {
		serverCfg.DBPath = app.DefaultDBPath()
	}

	clientCfg := app.ClientConfig{
		APIURL:          *apiURL,
		SocketURL:       *socketURL,
		CredentialsPath: *credentials,
	}

	infof := func(format string, args ...interface{}) {
		if *quiet {
			return
		}
		log.Printf(format, args...)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch mode {
	case modeServer:
		err = runServerMode(ctx, serverCfg, infof)
	case modeLocal:
		err = runLocalMode(ctx, serverCfg, clientCfg, infof)
	default:
		err = runClientMode(clientCfg)
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "pocketchat: %v\n", err)
		os.Exit(1)
	}
}

func runServerMode(ctx context.Context, cfg app.ServerConfig, infof func(string, ...interface{})) error {
	if cfg.JWTSecret == "" {
		return errors.New("server mode requires --jwt-secret or POCKETCHAT_JWT_SECRET")
	}
	handle, err := app.RunServer(ctx, cfg)
	if err != nil {
		return err
	}
	infof("PocketChat server listening on %s (db %s)", handle.Addr(), cfg.DBPath)
	return handle.Wait()
}

func runClientMode(cfg app.ClientConfig) error {
	if cfg.APIURL == "" {
		return errors.New("client mode requires --api-url or POCKETCHAT_API")
	}
	return app.RunClient(cfg)
}

func runLocalMode(ctx context.Context, serverCfg app.ServerConfig, clientCfg app.ClientConfig, infof func(string, ...interface{})) error {
	if serverCfg.JWTSecret == "" {
		// Local mode is single-process, so an ephemeral secret is fine.
		serverCfg.JWTSecret = uuid.NewString()
	}

	handle, err := app.RunServer(ctx, serverCfg)
	if err != nil {
		return err
	}
	defer stopServer(handle)

	infof("Starting local PocketChat server on %s (db %s)", handle.Addr(), serverCfg.DBPath)
	if err := waitForServer(handle.Addr(), 5*time.Second); err != nil {
		return err
	}

	clientCfg.APIURL = "http://" + handle.Addr()
	clientCfg.SocketURL = ""
	infof("Launching client against %s", clientCfg.APIURL)

	if err := app.RunClient(clientCfg); err != nil {
		return err
	}
	stopServer(handle)
	return handle.Wait()
}

func waitForServer(addr string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		conn, err := net.DialTimeout("tcp", addr, 500*time.Millisecond)
		if err == nil {
			_ = conn.Close()
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("server did not become ready: %w", err)
		}
		time.Sleep(100 * time.Millisecond)
	}
}

func parseMode(args []string) (string, []string) {
	if len(args) == 0 {
		return modeClient, args
	}
	switch strings.ToLower(args[0]) {
	case modeServer, modeClient, modeLocal:
		return strings.ToLower(args[0]), args[1:]
	}
	return modeClient, args
}

func defaultAddrForMode(mode string) string {
	if mode == modeLocal {
		return "127.0.0.1:0"
	}
	return ":8080"
}

func envOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func stopServer(handle *app.ServerHandle) {
	if handle == nil {
		return
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = handle.Stop(shutdownCtx)
}
