package app

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
)

// ServerConfig defines how the HTTP/WebSocket backend should run.
type ServerConfig struct {
	Addr      string
	DBPath    string
	JWTSecret string
}

// ClientConfig defines the parameters the TUI client needs.
type ClientConfig struct {
	APIURL          string
	SocketURL       string
	CredentialsPath string
}

// DefaultDBPath returns a per-user data path for the bundled SQLite file.
func DefaultDBPath() string {
	if env := os.Getenv("POCKETCHAT_DB_PATH"); env != "" {
		return env
	}
	if env := os.Getenv("POCKETCHAT_DATA_DIR"); env != "" {
		return filepath.Join(env, "pocketchat.db")
	}
	return filepath.Join(dataDir(), "pocketchat.db")
}

// DefaultCredentialsPath returns where the client stores its token pair.
func DefaultCredentialsPath() string {
	if env := os.Getenv("POCKETCHAT_CREDENTIALS_PATH"); env != "" {
		return env
	}
	return filepath.Join(dataDir(), "credentials.json")
}

func dataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "pocketchat")
	}
	if runtime.GOOS == "windows" {
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "Pocketchat")
		}
	}
	if home, err := os.UserHomeDir(); err == nil {
		if runtime.GOOS == "darwin" {
			return filepath.Join(home, "Library", "Application Support", "Pocketchat")
		}
		return filepath.Join(home, ".local", "share", "pocketchat")
	}
	return filepath.Join(".", ".pocketchat")
}

// SocketURLFromAPI derives the realtime endpoint from an API base URL when
// no explicit socket URL is configured.
func SocketURLFromAPI(apiURL string) (string, error) {
	parsed, err := url.Parse(apiURL)
	if err != nil {
		return "", err
	}
	switch parsed.Scheme {
	case "http":
		parsed.Scheme = "ws"
	case "https":
		parsed.Scheme = "wss"
	default:
		return "", fmt.Errorf("invalid scheme for API URL: %s", parsed.Scheme)
	}
	parsed.Path = "/ws"
	parsed.RawQuery = ""
	return parsed.String(), nil
}
