package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"

	"github.com/spf13/pflag"
	"golang.org/x/crypto/bcrypt"
)

func main() {
	adminKey := pflag.String("admin-key", "", "also print ADMIN_KEY_HASH for this admin key")
	sealKey := pflag.Bool("seal-key", false, "also print a random QUEUE_SEAL_KEY")
	pflag.Parse()

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		panic(err)
	}

	fmt.Printf("TOKEN_PUBLIC_KEY=%s\n", base64.StdEncoding.EncodeToString(pub))
	fmt.Printf("TOKEN_PRIVATE_KEY=%s\n", base64.StdEncoding.EncodeToString(priv.Seed()))

	if *sealKey {
		secret := make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			panic(err)
		}
		fmt.Printf("QUEUE_SEAL_KEY=%s\n", base64.StdEncoding.EncodeToString(secret))
	}

	if *adminKey != "" {
		if len(*adminKey) < 16 {
			fmt.Fprintln(os.Stderr, "admin key must be at least 16 characters")
			os.Exit(1)
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(*adminKey), bcrypt.DefaultCost)
		if err != nil {
			panic(err)
		}
		fmt.Printf("ADMIN_KEY_HASH=%s\n", hash)
	}
}
