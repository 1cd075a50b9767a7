// Command token signs an access token for an existing user ID with the
// server's AUTH_SECRET. Useful for local testing of the WebSocket endpoint.
package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"

	"kolokol/internal/auth"
	"kolokol/internal/config"
)

func main() {
	if len(os.Args) != 2 {
		fmt.Println("Usage: token <user-id>")
		os.Exit(1)
	}

	cfg, err := config.Load(false)
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	authService, err := auth.NewAuthService(ctx, auth.Config{
		Secret:      base64.StdEncoding.EncodeToString([]byte(cfg.AuthSecret)),
		TokenExpiry: cfg.TokenExpiry,
	}, nil)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}

	token, expires, err := authService.Issue(os.Args[1])
	if err != nil {
		fmt.Printf("Error issuing token: %v\n", err)
		os.Exit(1)
	}

	fmt.Fprintf(os.Stderr, "expires %s\n", expires.Format("2006-01-02 15:04:05 MST"))
	fmt.Println(token)
}
