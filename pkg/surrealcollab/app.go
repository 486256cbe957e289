package surrealcollab

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/goccy/go-json"
	"github.com/surrealdb/surrealcollab/pkg/auth"
	"github.com/surrealdb/surrealcollab/pkg/crdt"
	"github.com/surrealdb/surrealcollab/pkg/logger"
	"github.com/surrealdb/surrealcollab/pkg/reconciler"
	"github.com/surrealdb/surrealcollab/pkg/store"
	"github.com/surrealdb/surrealcollab/pkg/store/bolt"
	"github.com/surrealdb/surrealcollab/pkg/store/memory"
	"github.com/surrealdb/surrealcollab/pkg/store/mirror"
	"github.com/surrealdb/surrealcollab/pkg/store/postgres"
	"github.com/surrealdb/surrealcollab/pkg/store/redis"
	"github.com/surrealdb/surrealcollab/pkg/store/surrealdb"
)

// App holds the application state shared by every command.
type App struct {
	config *Config
	log    *logger.LogData

	// store is the backend wrapped with the runtime read-only switch.
	store    store.Store
	mirror   *mirror.Store
	readOnly atomic.Bool

	mu   sync.Mutex
	addr string
}

// New opens the configured store and logger.
func New(ctx context.Context, config *Config) (*App, error) {
	log, err := logger.New().
		FromPath(config.LogPath).
		Level(logger.ParseLevel(config.LogLevel)).
		Pretty(config.LogPretty).
		Make()
	if err != nil {
		return nil, fmt.Errorf("failed to open log: %w", err)
	}

	app := &App{config: config, log: log}
	app.readOnly.Store(config.ReadOnly)

	var backend store.Store
	if config.Store == StoreMirror {
		mode, err := mirror.ParseMode(config.Mirror.Mode)
		if err != nil {
			log.Close()
			return nil, err
		}
		primary, err := app.openStore(ctx, config.Mirror.Primary)
		if err != nil {
			log.Close()
			return nil, err
		}
		secondary, err := app.openStore(ctx, config.Mirror.Secondary)
		if err != nil {
			primary.Close()
			log.Close()
			return nil, err
		}
		app.mirror = mirror.New(primary, secondary, mode)
		backend = app.mirror
		log.Info("using mirror store", "primary", config.Mirror.Primary, "secondary", config.Mirror.Secondary, "mode", mode)
	} else {
		backend, err = app.openStore(ctx, config.Store)
		if err != nil {
			log.Close()
			return nil, err
		}
	}

	app.store = store.NewReadOnlyStore(backend, app.IsReadOnly)
	return app, nil
}

func (a *App) openStore(ctx context.Context, name string) (store.Store, error) {
	c := a.config
	var (
		st  store.Store
		err error
	)
	switch name {
	case StoreMemory:
		st = memory.New()
	case StoreBolt:
		st, err = bolt.Open(c.BoltPath)
	case StorePostgres:
		st, err = postgres.Open(c.PostgresDSN)
	case StoreSurrealDB:
		st, err = surrealdb.Open(ctx, surrealdb.Config{
			URL:       c.SurrealDB.URL,
			Namespace: c.SurrealDB.Namespace,
			Database:  c.SurrealDB.Database,
			Username:  c.SurrealDB.Username,
			Password:  c.SurrealDB.Password,
		})
	case StoreRedis:
		url := c.RedisURL
		if !strings.Contains(url, "://") {
			url = "redis://" + url
		}
		st, err = redis.Open(ctx, url)
	default:
		return nil, fmt.Errorf("%w: unknown store %q", ErrInvalidConfig, name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", name, err)
	}
	a.log.Info("connected to store", "store", name)
	return st, nil
}

// Close closes the store and the log.
func (a *App) Close() error {
	var err error
	if a.store != nil {
		err = a.store.Close()
	}
	if cerr := a.log.Close(); err == nil {
		err = cerr
	}
	return err
}

// Store returns the application store (useful for testing).
func (a *App) Store() store.Store {
	return a.store
}

// SetReadOnly freezes or unfreezes all writes to the store. Sessions keep
// accepting edits while frozen; their saves are retried until writes resume.
func (a *App) SetReadOnly(readOnly bool) {
	a.readOnly.Store(readOnly)
	a.log.Info("store read-only mode changed", "read_only", readOnly)
}

func (a *App) IsReadOnly() bool {
	return a.readOnly.Load()
}

// Addr returns the address the server listens on once Run has started.
func (a *App) Addr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.addr
}

// Migrate prepares the schema of the configured store.
func (a *App) Migrate(ctx context.Context, cmd *MigrateCommand) error {
	a.log.Info("running store migrations", "store", a.config.Store)
	if err := a.store.Migrate(ctx); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	a.log.Info("migrations completed")
	return nil
}

// Inspection is the output of the inspect command.
type Inspection struct {
	DocumentID  crdt.DocumentID   `json:"documentId"`
	StateVector crdt.StateVector  `json:"stateVector"`
	Replayed    int               `json:"replayedFromJournal"`
	Text        string            `json:"text"`
	Content     *crdt.ContentTree `json:"content"`
}

// Inspect loads a document the way a session would and writes it to w as JSON.
func (a *App) Inspect(ctx context.Context, cmd *InspectCommand, w io.Writer) error {
	ro := store.NewReadOnlyStore(a.store, store.AlwaysReadOnly)
	doc, replayed, err := reconciler.Hydrate(ctx, ro, cmd.DocumentID, "", a.log)
	if err != nil {
		return err
	}
	out := Inspection{
		DocumentID:  cmd.DocumentID,
		StateVector: doc.Vector(),
		Replayed:    replayed,
		Text:        doc.Text(),
		Content:     doc.Materialize(),
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

// Copy backfills the mirror's secondary store from its primary.
func (a *App) Copy(ctx context.Context, cmd *CopyCommand) error {
	if a.mirror == nil {
		return fmt.Errorf("copy requires the %s store", StoreMirror)
	}
	if a.IsReadOnly() {
		return store.ErrReadOnly
	}
	for _, id := range cmd.DocumentIDs {
		if err := a.mirror.Copy(ctx, id); err != nil {
			return fmt.Errorf("failed to copy %s: %w", id, err)
		}
		a.log.Info("document copied", "document", id)
	}
	return nil
}

// Token writes a signed token for the command's identity to w.
func Token(config *Config, cmd *TokenCommand, w io.Writer) error {
	token, err := auth.IssueToken(config.JWTSecret, auth.Identity{
		Subject: cmd.Subject,
		Email:   cmd.Email,
		Name:    cmd.DisplayName,
	}, cmd.TTL)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, token)
	return err
}
