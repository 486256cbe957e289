package surrealcollab

import (
	"time"

	"github.com/surrealdb/surrealcollab/pkg/crdt"
)

// Command is one operation of the surrealcollab binary. Parse returns one and Main
// dispatches it to the matching App method.
type Command interface {
	// Name returns the sub-command name used on the command line.
	Name() string
}

// RunCommand serves websocket sessions and the HTTP API until the context ends.
//
//	surrealcollab run
//	surrealcollab --store postgres --addr :9000 run
type RunCommand struct{}

func (c *RunCommand) Name() string {
	return "run"
}

// MigrateCommand prepares the schema of the configured store. With the mirror
// store both backends are migrated. It is safe to run repeatedly.
//
//	surrealcollab --store surrealdb migrate
type MigrateCommand struct{}

func (c *MigrateCommand) Name() string {
	return "migrate"
}

// InspectCommand prints the stored content of a document as JSON, including
// operations still in the journal.
//
//	surrealcollab inspect 0b6f3c52-8d1e-4a7b-9c2d-3e4f5a6b7c8d
type InspectCommand struct {
	DocumentID crdt.DocumentID
}

func (c *InspectCommand) Name() string {
	return "inspect"
}

// CopyCommand copies documents from the mirror's primary store to its secondary,
// for backfilling a new backend before switching reads to it.
//
//	surrealcollab --store mirror --mirror-mode dual_write copy <documentID>...
type CopyCommand struct {
	DocumentIDs []crdt.DocumentID
}

func (c *CopyCommand) Name() string {
	return "copy"
}

// TokenCommand mints a signed token for development and testing. It requires a
// JWT secret.
//
//	JWT_SECRET=dev surrealcollab token --subject alice --name Alice
type TokenCommand struct {
	Subject     string
	Email       string
	DisplayName string
	TTL         time.Duration
}

func (c *TokenCommand) Name() string {
	return "token"
}
