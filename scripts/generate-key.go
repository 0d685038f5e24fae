// Package main is a development utility for generating a master key-encryption
// key. It prints the base64-encoded 32-byte key ready to paste into
// ENCRYPTION_MASTER_KEY (or encryption.master_key in config.yaml). Generate a
// fresh key per environment; losing the master key makes every stored
// credential envelope unrecoverable.
package main

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log"
)

func main() {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		log.Fatal(err)
	}

	encoded := base64.StdEncoding.EncodeToString(key)

	fmt.Println("==========================================================")
	fmt.Println("Master Key Generated")
	fmt.Println("==========================================================")
	fmt.Printf("\nENCRYPTION_MASTER_KEY=%s\n\n", encoded)
	fmt.Println("Store this in your secret manager. Do not commit it.")
	fmt.Println("==========================================================")
}
