package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/eldtechnologies/ridewire/internal/crypto"
	"github.com/eldtechnologies/ridewire/internal/models"
)

func main() {
	keyB64 := pflag.String("key", os.Getenv("TOKEN_PRIVATE_KEY"), "base64 Ed25519 private key (default $TOKEN_PRIVATE_KEY)")
	subject := pflag.String("subject", "", "identity ID")
	kind := pflag.String("kind", string(models.KindRequester), "requester, fulfiller or operator")
	ttl := pflag.Duration("ttl", 24*time.Hour, "token lifetime")
	perms := pflag.StringSlice("perm", nil, "permission to grant (repeatable)")
	pflag.Parse()

	if *keyB64 == "" || *subject == "" {
		fmt.Fprintln(os.Stderr, "Usage: minttoken --subject <id> [--kind fulfiller] [--ttl 1h] [--perm zones:write] [--key <private-key-base64>]")
		os.Exit(1)
	}
	if !models.Kind(*kind).Valid() {
		fmt.Fprintf(os.Stderr, "Unknown kind: %s\n", *kind)
		os.Exit(1)
	}

	key, err := crypto.ParsePrivateKey(*keyB64)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid private key: %v\n", err)
		os.Exit(1)
	}

	now := time.Now()
	token, err := crypto.MintToken(key, &crypto.Claims{
		Subject:     *subject,
		Kind:        models.Kind(*kind),
		Permissions: *perms,
		ID:          crypto.NewULID(),
		IssuedAt:    now.Unix(),
		ExpiresAt:   now.Add(*ttl).Unix(),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Mint failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Println(token)
}
