package app

import (
	"errors"

	intrnl "pocketchat/internal"
)

// RunClient launches the Bubble Tea TUI with the provided configuration.
func RunClient(cfg ClientConfig) error {
	if cfg.APIURL == "" {
		return errors.New("API URL is required")
	}
	socketURL := cfg.SocketURL
	if socketURL == "" {
		derived, err := SocketURLFromAPI(cfg.APIURL)
		if err != nil {
			return err
		}
		socketURL = derived
	}
	credentialsPath := cfg.CredentialsPath
	if credentialsPath == "" {
		credentialsPath = DefaultCredentialsPath()
	}
	return intrnl.RunClient(cfg.APIURL, socketURL, credentialsPath)
}
