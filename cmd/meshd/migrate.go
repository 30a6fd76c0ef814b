package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	mesh "github.com/meshfoundry/gomesh"
)

// migrateCmd creates or upgrades the persistence schema and exits.
func migrateCmd(args []string) {
	fs := flag.NewFlagSet("migrate", flag.ExitOnError)
	configPath := fs.String("config", "mesh.yaml", "path to the YAML config")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	cfg, err := mesh.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading %s: %v\n", *configPath, err)
		os.Exit(1)
	}

	s, err := mesh.OpenStore(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer s.Close()

	if err := s.Migrate(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("migrations applied")
}
