// Command hashkey prints the bcrypt hash to put in ADMIN_API_KEY_HASH.
//
//	hashkey -key "$OPERATOR_KEY"
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"golang.org/x/crypto/bcrypt"

	"github.com/spec-kit/relay-access/internal/auth"
)

func main() {
	key := flag.String("key", os.Getenv("ADMIN_API_KEY"), "operator API key to hash")
	cost := flag.Int("cost", bcrypt.DefaultCost, "bcrypt cost")
	flag.Parse()

	if *key == "" {
		log.Fatal("hashkey: -key or ADMIN_API_KEY is required")
	}
	hash, err := auth.HashAPIKey(*key, *cost)
	if err != nil {
		log.Fatalf("hashkey: %v", err)
	}
	fmt.Println(hash)
}
