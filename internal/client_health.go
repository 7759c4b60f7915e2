package internal

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// healthResponse mirrors the body served by HandleHealth.
type healthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

// fetchServerVersion asks the server's health endpoint which build it runs.
func fetchServerVersion(wsURL string) (string, error) {
	base, err := httpBaseFromWSURL(wsURL)
	if err != nil {
		return "", err
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(base + "/health")
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("health endpoint returned status %d", resp.StatusCode)
	}
	var health healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return "", err
	}
	return strings.TrimPrefix(health.Version, "v"), nil
}

// httpBaseFromWSURL turns the websocket dial URL into the http origin the
// REST endpoints live on.
func httpBaseFromWSURL(wsURL string) (string, error) {
	parsed, err := url.Parse(wsURL)
	if err != nil {
		return "", err
	}
	switch parsed.Scheme {
	case "ws":
		parsed.Scheme = "http"
	case "wss":
		parsed.Scheme = "https"
	default:
		return "", fmt.Errorf("unsupported scheme %s", parsed.Scheme)
	}
	parsed.Path = ""
	parsed.RawQuery = ""
	parsed.Fragment = ""
	return strings.TrimRight(parsed.String(), "/"), nil
}

// versionSkewNotice reports a notice when the server build differs from this
// client, or "" when they match.
func versionSkewNotice(server string) string {
	server = strings.TrimPrefix(server, "v")
	local := strings.TrimPrefix(Version, "v")
	if server == "" || server == local {
		return ""
	}
	return fmt.Sprintf("Server runs v%s, this client is v%s.", server, local)
}
