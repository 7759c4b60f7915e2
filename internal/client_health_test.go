package internal

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHTTPBaseFromWSURL(t *testing.T) {
	base, err := httpBaseFromWSURL("ws://127.0.0.1:8080/ws")
	require.NoError(t, err)
	require.Equal(t, "http://127.0.0.1:8080", base)

	base, err = httpBaseFromWSURL("wss://chat.example.com/ws?token=x")
	require.NoError(t, err)
	require.Equal(t, "https://chat.example.com", base)

	_, err = httpBaseFromWSURL("http://chat.example.com/ws")
	require.Error(t, err)
}

func TestVersionSkewNotice(t *testing.T) {
	require.Equal(t, "", versionSkewNotice(Version))
	require.Equal(t, "", versionSkewNotice("v"+Version))
	require.Equal(t, "", versionSkewNotice(""))
	require.Equal(t,
		fmt.Sprintf("Server runs v9.9.9, this client is v%s.", Version),
		versionSkewNotice("9.9.9"))
}

func TestFetchServerVersion(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok","version":"1.2.3"}`))
	})
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	version, err := fetchServerVersion(wsURL)
	require.NoError(t, err)
	require.Equal(t, "1.2.3", version)
}

func TestFetchServerVersionUnhealthy(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(ts.Close)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	_, err := fetchServerVersion(wsURL)
	require.Error(t, err)
}
