// Command token mints and inspects development session tokens.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"socialfeed/internal/config"
	"socialfeed/internal/session"

	"github.com/docopt/docopt-go"
)

const version = "0.1.0"

const usage = `Session token tool.

Tokens are signed with SESSION_SECRET from the environment or config.yml.

Usage:
    token issue [--email=<email>]
    token inspect <token>
    token -h | --help
    token --version

Options:
    -h --help          Show this screen.
    --version          Show version.
    --email=<email>    Identity to sign in as [default: ann@example.com].
`

func main() {
	opts, err := docopt.ParseArgs(usage, os.Args[1:], version)
	if err != nil {
		log.Fatal(err)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	provider := session.NewJWTProvider(session.Config{
		Secret:   cfg.SessionSecret,
		Issuer:   cfg.SessionIssuer,
		Audience: cfg.SessionAudience,
		TTL:      cfg.SessionTTL(),
	}, nil)

	switch {
	case opts["issue"] == true:
		if cfg.IsProduction() {
			log.Fatal("refusing to mint tokens in production")
		}
		email, _ := opts.String("--email")
		token, err := provider.Issue(email)
		if err != nil {
			log.Fatalf("Failed to issue token: %v", err)
		}
		fmt.Println(token)

	case opts["inspect"] == true:
		token, _ := opts.String("<token>")
		id, err := provider.Resolve(context.Background(), token)
		if err != nil {
			log.Fatalf("Invalid token: %v", err)
		}
		fmt.Printf("identity: %s\nexpires:  %s (in %s)\n",
			id.Email, id.ExpiresAt.Format(time.RFC3339), time.Until(id.ExpiresAt).Round(time.Second))
	}
}
