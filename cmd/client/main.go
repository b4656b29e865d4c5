package main

import (
	"flag"
	"fmt"
	"os"

	"pocketchat/internal/app"
)

func main() {
	apiURL := flag.String("api-url", envOrDefault("POCKETCHAT_API", "http://localhost:8080"), "API base URL")
	socketURL := flag.String("socket-url", envOrDefault("POCKETCHAT_SOCKET", ""), "realtime websocket URL (defaults to /ws on the API host)")
	credentials := flag.String("credentials", envOrDefault("POCKETCHAT_CREDENTIALS_PATH", ""), "path to the stored credential file")
	flag.Parse()

	cfg := app.ClientConfig{
		APIURL:          *apiURL,
		SocketURL:       *socketURL,
		CredentialsPath: *credentials,
	}

	if err := app.RunClient(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func envOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
