package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/Netflix/go-env"
	"github.com/joho/godotenv"

	"clinchat/internal/app"
)

func main() {
	_ = godotenv.Load()

	var cfg app.ClientConfig
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	serverURL := flag.String("server", cfg.ServerURL, "websocket URL (e.g. ws://localhost:8080/ws)")
	username := flag.String("user", cfg.Username, "default username for the login prompt")
	flag.Parse()

	cfg.ServerURL = *serverURL
	cfg.Username = *username

	if err := app.RunClient(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
