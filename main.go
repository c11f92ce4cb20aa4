package main

import (
	"log"

	"binance-cvd-pipeline/app"
	"binance-cvd-pipeline/config"
)

func main() {
	// Load config from .env file
	cfg := config.LoadFromEnv()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("❌ Invalid configuration: %v", err)
	}

	// Create and start app
	application := app.New(cfg)
	if err := application.Start(); err != nil {
		log.Fatal(err)
	}
}
