package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"lv-marginbook/internal/auth"
)

// genhash prints the bcrypt hash for INTERNAL_API_TOKEN_HASH and can mint a
// development JWT for a user.
func main() {
	token := flag.String("token", os.Getenv("INTERNAL_API_TOKEN"), "internal API token to hash")
	user := flag.String("jwt-user", "", "also issue a JWT for this user id")
	ttl := flag.Duration("jwt-ttl", 24*time.Hour, "lifetime of the issued JWT")
	flag.Parse()

	if *token == "" && *user == "" {
		fmt.Fprintln(os.Stderr, "usage: genhash -token <value> [-jwt-user <id>]")
		os.Exit(2)
	}

	if *token != "" {
		hash, err := auth.HashInternalToken(*token)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Printf("INTERNAL_API_TOKEN_HASH=%s\n", hash)
	}

	if *user != "" {
		issuer, secret := os.Getenv("JWT_ISSUER"), os.Getenv("JWT_SECRET")
		if issuer == "" || secret == "" {
			fmt.Fprintln(os.Stderr, "JWT_ISSUER and JWT_SECRET must be set to issue a token")
			os.Exit(1)
		}
		jwt, err := auth.NewService(issuer, []byte(secret), *ttl).IssueToken(*user)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Printf("JWT=%s\n", jwt)
	}
}
