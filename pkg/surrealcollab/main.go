package surrealcollab

import (
	"context"
	"fmt"
	"io"
	"os"
)

// Main parses args and executes the command. It can be called from tests without
// building the binary; cancelling ctx shuts the server down gracefully.
//
// # Environment Variables
//
//	COLLAB_ADDR, COLLAB_STORE, COLLAB_BOLT_PATH, COLLAB_READ_ONLY
//	COLLAB_DEBOUNCE, COLLAB_MAX_STALENESS, COLLAB_AWARENESS_TIMEOUT, COLLAB_SHUTDOWN_TIMEOUT
//	COLLAB_MIRROR_PRIMARY, COLLAB_MIRROR_SECONDARY, COLLAB_MIRROR_MODE
//	COLLAB_ALLOWED_ORIGINS  - comma separated
//	COLLAB_LOG_LEVEL, COLLAB_LOG_PATH
//	POSTGRES_DSN            - PostgreSQL connection string
//	SURREALDB_URL, SURREALDB_NS, SURREALDB_DB, SURREALDB_USER, SURREALDB_PASS
//	REDIS_ADDR              - host:port or redis:// URL
//	JWT_SECRET              - enables token verification
func Main(ctx context.Context, args []string) error {
	return run(ctx, args, os.Stdout)
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	cmd, config, err := Parse(args)
	if err != nil {
		return fmt.Errorf("failed to parse configuration: %w", err)
	}

	// Tokens need no store.
	if c, ok := cmd.(*TokenCommand); ok {
		return Token(config, c, stdout)
	}

	app, err := New(ctx, config)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}
	defer app.Close()

	switch c := cmd.(type) {
	case *RunCommand:
		if err := app.Run(ctx, c); err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case *MigrateCommand:
		if err := app.Migrate(ctx, c); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	case *InspectCommand:
		if err := app.Inspect(ctx, c, stdout); err != nil {
			return fmt.Errorf("inspect failed: %w", err)
		}
	case *CopyCommand:
		if err := app.Copy(ctx, c); err != nil {
			return fmt.Errorf("copy failed: %w", err)
		}
	default:
		return fmt.Errorf("unknown command type: %T", cmd)
	}
	return nil
}
