// Operator token tool for the ops API
// Usage: go run ./cmd/apitoken -subject=alice [-ttl=24h]
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"

	"swingtrader/api"
)

func main() {
	subject := flag.String("subject", "", "Operator name written into the token")
	ttl := flag.Duration("ttl", 24*time.Hour, "Token lifetime")
	flag.Parse()

	_ = godotenv.Load()
	secret := os.Getenv("API_JWT_SECRET")

	if *subject == "" || secret == "" {
		fmt.Println("Usage: go run ./cmd/apitoken -subject=alice [-ttl=24h]")
		fmt.Println("Options:")
		fmt.Println("  -subject   Operator name (required)")
		fmt.Println("  -ttl       Token lifetime (default: 24h)")
		fmt.Println("API_JWT_SECRET must be set in the environment or .env")
		os.Exit(1)
	}

	token, err := api.IssueToken(secret, *subject, *ttl)
	if err != nil {
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(token)
}
