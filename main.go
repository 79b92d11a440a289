package main

import (
	"log"

	"github.com/evjund/capguard/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		log.Fatalf("capguard: %v", err)
	}
}
