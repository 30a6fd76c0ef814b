package main

import (
	"flag"
	"fmt"
	"os"
)

const configTemplate = `# meshd agent configuration

# Chain address identifying this agent (required).
address: ""

# Skills this agent advertises and auto-offers on.
skills:
  - analytics

# Minimum fee and stake, as decimal strings.
minFee: "0.25"
stake: "2"
responseTime: "~5m"

# Telegram group carrying the mesh protocol (required).
meshGroupId: ""
# Optional direct-reply channel advertised in beacons.
replyChat: ""
# Optional chat for operator notifications (accepted-as-executor, disputes).
operatorChatId: ""

# Trust: local | testnet | production | mainnet.
# production/mainnet imply strictChain unless overridden below.
mode: local
# strictChain: false
allowLocalReputationFallback: true
autoRegisterOnStart: true
contractAddress: ""

# Selection behavior.
waitForDeadline: true
enableScheduler: true
schedulerIntervalMs: 1000
expirySweepIntervalMs: 1000
beaconIntervalSeconds: 300

# Outbound retry.
sendRetries: 2
sendRetryBaseMs: 150

# Limits.
maxIntentDeadlineSeconds: 3600
maxPayloadBytes: 16384

# Persistence: set databaseUrl (Postgres) or supabaseUrl+key, or a
# sqlitePath; leave all empty for in-memory (state lost on restart).
databaseUrl: ""
sqlitePath: ""
supabaseUrl: ""
supabaseServiceRoleKey: ""
`

// initCmd writes a starter config file.
func initCmd(args []string) {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	out := fs.String("out", "mesh.yaml", "where to write the config")
	force := fs.Bool("force", false, "overwrite an existing file")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	if _, err := os.Stat(*out); err == nil && !*force {
		fmt.Fprintf(os.Stderr, "Error: %s already exists (use --force to overwrite)\n", *out)
		os.Exit(1)
	}
	if err := os.WriteFile(*out, []byte(configTemplate), 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Wrote %s — fill in address and meshGroupId, then run 'meshd run --config %s'\n", *out, *out)
}
