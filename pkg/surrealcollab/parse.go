package surrealcollab

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/pflag"
	"github.com/surrealdb/surrealcollab/pkg/hub"
)

const usage = `Usage: surrealcollab [flags] <command> [args]

Commands:
  run                     Start the collaboration server
  migrate                 Prepare the store schema
  inspect <documentID>    Print a stored document as JSON
  copy <documentID>...    Copy documents from the mirror primary to the secondary
  token                   Mint a development token (requires JWT_SECRET)

Examples:
  surrealcollab run                                   # bolt file in the working directory
  surrealcollab --store postgres run
  surrealcollab --store surrealdb --debounce 2s run
  surrealcollab --config collab.yaml run

  # Moving documents from PostgreSQL to SurrealDB
  surrealcollab --store mirror --mirror-mode dual_write run
  surrealcollab --store mirror --mirror-mode dual_write copy <documentID>
  surrealcollab --store mirror --mirror-mode switching run
  surrealcollab --store mirror --mirror-mode reversed run

  JWT_SECRET=dev surrealcollab token --subject alice --name Alice

Flags:
`

// Parse parses command line arguments and returns the command to execute and the
// application configuration. Configuration is read from the defaults, the file
// named by --config, the environment, and finally the flags.
func Parse(args []string) (Command, *Config, error) {
	return parse(args, os.Getenv)
}

func parse(args []string, getenv func(string) string) (Command, *Config, error) {
	config := DefaultConfig()

	// --config has to be known before the other flags are applied on top of it.
	pre := pflag.NewFlagSet("surrealcollab", pflag.ContinueOnError)
	pre.ParseErrorsWhitelist.UnknownFlags = true
	pre.SetOutput(io.Discard)
	configPath := pre.String("config", "", "")
	_ = pre.Parse(args)
	if *configPath != "" {
		if err := config.LoadFile(*configPath); err != nil {
			return nil, nil, err
		}
	}
	if err := config.ApplyEnv(getenv); err != nil {
		return nil, nil, err
	}

	var token TokenCommand
	flagSet := newFlagSet(config, &token)
	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil, nil, fmt.Errorf("%w\n\n%s%s", err, usage, flagSet.FlagUsages())
		}
		return nil, nil, err
	}

	remainingArgs := flagSet.Args()
	if len(remainingArgs) == 0 {
		return nil, nil, fmt.Errorf("subcommand required\n\n%s%s", usage, flagSet.FlagUsages())
	}

	var cmd Command
	switch name, rest := remainingArgs[0], remainingArgs[1:]; name {
	case "run":
		cmd = &RunCommand{}
	case "migrate":
		cmd = &MigrateCommand{}
	case "inspect":
		if len(rest) != 1 {
			return nil, nil, fmt.Errorf("inspect takes exactly one document id")
		}
		id, err := hub.ParseDocumentID(rest[0])
		if err != nil {
			return nil, nil, err
		}
		cmd = &InspectCommand{DocumentID: id}
	case "copy":
		if config.Store != StoreMirror {
			return nil, nil, fmt.Errorf("copy requires --store %s", StoreMirror)
		}
		if len(rest) == 0 {
			return nil, nil, fmt.Errorf("copy takes at least one document id")
		}
		c := &CopyCommand{}
		for _, arg := range rest {
			id, err := hub.ParseDocumentID(arg)
			if err != nil {
				return nil, nil, err
			}
			c.DocumentIDs = append(c.DocumentIDs, id)
		}
		cmd = c
	case "token":
		if config.JWTSecret == "" {
			return nil, nil, fmt.Errorf("token requires JWT_SECRET or --jwt-secret")
		}
		if token.Subject == "" {
			return nil, nil, fmt.Errorf("token requires --subject")
		}
		cmd = &token
	default:
		return nil, nil, fmt.Errorf("unknown command: %s\n\nValid commands: run, migrate, inspect, copy, token", name)
	}

	if err := config.Validate(); err != nil {
		return nil, nil, err
	}
	return cmd, config, nil
}

// newFlagSet binds flags to config. Each flag defaults to the value already in
// config, so only flags given on the command line override the file and
// environment.
func newFlagSet(config *Config, token *TokenCommand) *pflag.FlagSet {
	fs := pflag.NewFlagSet("surrealcollab", pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.SortFlags = false

	fs.String("config", "", "YAML configuration file")
	fs.StringVar(&config.Addr, "addr", config.Addr, "HTTP listen address")
	fs.StringSliceVar(&config.AllowedOrigins, "allowed-origins", config.AllowedOrigins, "Browser origins allowed to connect (default: any)")
	fs.Float64Var(&config.UpgradeRate, "upgrade-rate", config.UpgradeRate, "Websocket upgrades per second per IP (0 disables)")
	fs.IntVar(&config.UpgradeBurst, "upgrade-burst", config.UpgradeBurst, "Websocket upgrades a single IP may make at once")
	fs.Float64Var(&config.MessageRate, "message-rate", config.MessageRate, "Messages per second per connection (0 disables)")
	fs.IntVar(&config.MessageBurst, "message-burst", config.MessageBurst, "Messages a connection may send at once")

	fs.StringVar(&config.Store, "store", config.Store, "Store backend: memory, bolt, postgres, surrealdb, redis, mirror")
	fs.StringVar(&config.BoltPath, "bolt-path", config.BoltPath, "Bolt database file")
	fs.StringVar(&config.PostgresDSN, "postgres-dsn", config.PostgresDSN, "PostgreSQL connection string")
	fs.StringVar(&config.SurrealDB.URL, "surrealdb-url", config.SurrealDB.URL, "SurrealDB endpoint")
	fs.StringVar(&config.SurrealDB.Namespace, "surrealdb-ns", config.SurrealDB.Namespace, "SurrealDB namespace")
	fs.StringVar(&config.SurrealDB.Database, "surrealdb-db", config.SurrealDB.Database, "SurrealDB database")
	fs.StringVar(&config.RedisURL, "redis-url", config.RedisURL, "Redis URL")
	fs.StringVar(&config.Mirror.Primary, "mirror-primary", config.Mirror.Primary, "Mirror primary backend")
	fs.StringVar(&config.Mirror.Secondary, "mirror-secondary", config.Mirror.Secondary, "Mirror secondary backend")
	fs.StringVar(&config.Mirror.Mode, "mirror-mode", config.Mirror.Mode, "Mirror mode: single, dual_write, read_only, switching, reversed")
	fs.BoolVar(&config.ReadOnly, "read-only", config.ReadOnly, "Reject all writes to the store")

	fs.StringVar(&config.JWTSecret, "jwt-secret", config.JWTSecret, "HS256 secret for client tokens (default: anonymous access)")

	fs.DurationVar(&config.Debounce, "debounce", config.Debounce, "Quiet period before a document is saved")
	fs.DurationVar(&config.MaxStaleness, "max-staleness", config.MaxStaleness, "Longest a change may stay unsaved while edits continue")
	fs.DurationVar(&config.AwarenessTimeout, "awareness-timeout", config.AwarenessTimeout, "Presence expiry without a heartbeat")
	fs.DurationVar(&config.ShutdownTimeout, "shutdown-timeout", config.ShutdownTimeout, "Time allowed for flushing documents on shutdown")
	fs.IntVar(&config.SendQueueSize, "send-queue-size", config.SendQueueSize, "Per-connection outbound queue length")

	fs.StringVar(&config.LogLevel, "log-level", config.LogLevel, "Log level: debug, info, warn, error")
	fs.StringVar(&config.LogPath, "log-path", config.LogPath, "Append logs to this file instead of stdout")
	fs.BoolVar(&config.LogPretty, "log-pretty", config.LogPretty, "Human-readable log output")

	fs.StringVar(&token.Subject, "subject", "", "token: subject claim")
	fs.StringVar(&token.Email, "email", "", "token: email claim")
	fs.StringVar(&token.DisplayName, "name", "", "token: display name claim")
	fs.DurationVar(&token.TTL, "ttl", 24*time.Hour, "token: lifetime")
	return fs
}
