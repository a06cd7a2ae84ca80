// Command preflight checks a .env before starting a paper session.
package main

import (
	"fmt"
	"os"

	"github.com/chidi150c/governor/internal/config"
)

func main() {
	if err := config.LoadDotEnv(".env"); err != nil {
		fmt.Println("FAIL:", err)
		os.Exit(1)
	}
	cfg, err := config.Load()
	if err != nil {
		fmt.Println("FAIL:", err)
		os.Exit(1)
	}
	if err := config.Preflight(cfg, os.Stdout); err != nil {
		os.Exit(1)
	}
}
