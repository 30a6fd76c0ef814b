// Package main provides the meshd CLI: one agent's coordination daemon.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
)

var (
	version = "dev"
)

func main() {
	// A .env next to the binary is optional; real deployments use the
	// environment directly.
	_ = godotenv.Load()

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "run":
		runCmd(args)
	case "init":
		initCmd(args)
	case "migrate":
		migrateCmd(args)
	case "version":
		fmt.Printf("meshd %s\n", version)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`meshd - decentralized agent coordination daemon

Usage:
  meshd <command> [options]

Commands:
  run      Run the coordination engine against a config file
  init     Write a commented default config file
  migrate  Create or upgrade the persistence schema and exit
  version  Print version information
  help     Show this help message

Examples:
  meshd init --out mesh.yaml
  meshd run --config mesh.yaml
  meshd migrate --config mesh.yaml

Run 'meshd <command> --help' for more information on a command.`)
}
