// Command issue-token mints a bearer token for the dashboard API.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/And03-11/animal-rescue-dashboard/internal/auth"
	"github.com/And03-11/animal-rescue-dashboard/internal/config"
	"github.com/And03-11/animal-rescue-dashboard/internal/pkg/logger"
	"github.com/joho/godotenv"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to the YAML config file")
	subject := flag.String("sub", "", "token subject, usually the user's email")
	admin := flag.Bool("admin", false, "grant admin (manual sync)")
	ttl := flag.Duration("ttl", 24*time.Hour, "token lifetime")
	flag.Parse()
	_ = godotenv.Load()

	if *subject == "" {
		fmt.Fprintln(os.Stderr, "usage: issue-token -sub user@example.org [-admin] [-ttl 24h]")
		os.Exit(2)
	}

	cfg, err := config.LoadFromEnv(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	token, err := auth.NewManager(cfg.Auth).Issue(*subject, *admin, *ttl)
	if err != nil {
		logger.Error("issue token", "error", err)
		os.Exit(1)
	}
	fmt.Println(token)
}
