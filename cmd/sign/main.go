package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/eldtechnologies/roomsync/internal/identity"
)

func main() {
	_ = godotenv.Load()

	secret := flag.String("secret", os.Getenv("JWT_SECRET"), "HMAC secret (defaults to $JWT_SECRET)")
	userID := flag.String("user", "", "User id to put in the token")
	ttl := flag.Duration("ttl", 24*time.Hour, "Token lifetime")
	flag.Parse()

	if *secret == "" || *userID == "" {
		fmt.Fprintln(os.Stderr, "Usage: sign -user <user-id> [-secret <secret>] [-ttl 24h]")
		fmt.Fprintln(os.Stderr, "  Reads the secret from JWT_SECRET if -secret is not given")
		os.Exit(1)
	}

	token, err := identity.NewResolver(*secret).Issue(*userID, *ttl)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to sign token: %v\n", err)
		os.Exit(1)
	}

	fmt.Println(token)
}
