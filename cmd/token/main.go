// Command token mints bearer tokens for local testing. With -create it first
// inserts a user into the configured database.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/Tyrowin/chatd/internal/auth"
	"github.com/Tyrowin/chatd/internal/server"
	"github.com/Tyrowin/chatd/internal/store"
)

func main() {
	userID := flag.String("user", "", "User id to use as the token subject")
	create := flag.String("create", "", "Create a user with this username and mint a token for it")
	email := flag.String("email", "", "Email for -create")
	ttl := flag.Duration("ttl", 0, "Token lifetime (defaults to TOKEN_TTL)")
	flag.Parse()

	if (*userID == "") == (*create == "") {
		fmt.Fprintln(os.Stderr, "Usage: token -user <user-id> [-ttl 2h]")
		fmt.Fprintln(os.Stderr, "       token -create <username> [-email <email>] [-ttl 2h]")
		os.Exit(1)
	}

	cfg, err := server.NewConfigFromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	if *create != "" {
		id, err := createUser(cfg, *create, *email)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to create user: %v\n", err)
			os.Exit(1)
		}
		fmt.Fprintf(os.Stderr, "created user %s\n", id)
		*userID = id
	}

	tokens, err := auth.NewJWTService(auth.Options{Secret: cfg.SigningSecret(), TTL: cfg.TokenTTL})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid signing configuration: %v\n", err)
		os.Exit(1)
	}
	token, err := tokens.Issue(*userID, *ttl)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to sign token: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(token)
}

func createUser(cfg *server.Config, username, email string) (string, error) {
	if cfg.DatabaseURL == "" {
		return "", fmt.Errorf("DATABASE_URL is required to create users; the in-memory server reads SEED_USERS instead")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pg, err := store.NewPostgresStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return "", err
	}
	defer pg.Close()

	if _, err := store.RunMigrations(ctx, pg.Pool()); err != nil {
		return "", err
	}
	u, err := pg.CreateUser(ctx, username, email)
	if err != nil {
		return "", err
	}
	return u.ID, nil
}
