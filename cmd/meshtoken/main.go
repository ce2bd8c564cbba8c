package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
)

func main() {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		fmt.Fprintf(os.Stderr, "generate token: %v\n", err)
		os.Exit(1)
	}
	token := hex.EncodeToString(buf)

	fmt.Printf("Admin token: %s\n", token)
	fmt.Println("\nAdd this to your config.yaml:")
	fmt.Printf("  server:\n")
	fmt.Printf("    admin_token: \"%s\"\n", token)
	fmt.Println("\nOr set it via the environment:")
	fmt.Printf("  MESH_SERVER__ADMIN_TOKEN=%s\n", token)
}
