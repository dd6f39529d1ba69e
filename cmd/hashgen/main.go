package main

import (
	"fmt"
	"log"
	"os"

	"github.com/iliyamo/pixel-grid/internal/utils"
)

// hashgen prints the bcrypt hash of its argument, for provisioning
// ADMIN_PASSWORD_HASH.
func main() {
	if len(os.Args) != 2 {
		log.Fatal("usage: hashgen <password>")
	}
	hash, err := utils.HashPassword(os.Args[1])
	if err != nil {
		log.Fatalf("hash failed: %v", err)
	}
	fmt.Println(hash)
}
