// Command discover-senders lists the sender identities found under the
// credentials root and, with -verify, authorizes each one against Gmail.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/And03-11/animal-rescue-dashboard/internal/config"
	"github.com/And03-11/animal-rescue-dashboard/internal/credentials"
	"github.com/And03-11/animal-rescue-dashboard/internal/pkg/logger"
	"github.com/joho/godotenv"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to the YAML config file")
	verify := flag.Bool("verify", false, "authorize every identity and print its verified address")
	flag.Parse()
	_ = godotenv.Load()

	cfg, err := config.LoadFromEnv(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	mgr := credentials.NewManager(credentials.Options{
		Root:         cfg.Senders.CredentialsRoot,
		TokenDir:     cfg.Senders.TokenDir,
		GmailBaseURL: cfg.Senders.GmailAPIBaseURL,
	})
	idents, err := mgr.Identities()
	if err != nil {
		logger.Error("discover identities", "root", cfg.Senders.CredentialsRoot, "error", err)
		os.Exit(1)
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tGROUP\tEMAIL\tSTATUS")
	failed := 0
	for _, ident := range idents {
		email, status := ident.VerifiedEmail, "found"
		if *verify {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			s, err := mgr.Sender(ctx, ident.ID)
			cancel()
			if err != nil {
				status = "error: " + err.Error()
				failed++
			} else {
				email, status = s.Email(), "verified"
			}
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", ident.ID, ident.Group, email, status)
	}
	tw.Flush()
	fmt.Printf("Total: %d identities\n", len(idents))

	if failed > 0 {
		os.Exit(1)
	}
}
