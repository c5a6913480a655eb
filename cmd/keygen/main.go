package main

import (
	"fmt"
	"os"

	"github.com/parametricportal/backend/internal/crypto"
)

func main() {
	key, err := crypto.GenerateMasterKey()
	if err != nil {
		fmt.Printf("Failed to generate key: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("--- COPY BELOW TO .env.local ---")
	fmt.Printf("ENCRYPTION_KEY=\"%s\"\n", key)
	fmt.Println("--------------------------------")
}
