// Package surrealcollab is the collaboration server application: configuration,
// store selection, the HTTP and websocket endpoints, and the operational commands.
//
// Clients edit a document by opening a websocket to /ws/{documentID}. The server
// keeps one session per open document, merges the operations every client sends,
// relays them to the other clients, and saves the document to the configured store
// shortly after edits stop.
//
// # Basic Usage
//
//	# Single node with an embedded bolt file
//	surrealcollab run
//
//	# Shared PostgreSQL or SurrealDB backend
//	surrealcollab --store postgres run
//	surrealcollab --store surrealdb run
//
//	# Prepare the schema first
//	surrealcollab --store postgres migrate
//
//	# Look at what is stored for a document
//	surrealcollab inspect 0b6f3c52-8d1e-4a7b-9c2d-3e4f5a6b7c8d
//
// # Moving Between Backends
//
// The mirror store writes to two backends while documents move from one to the
// other:
//
//  1. single: only the primary is used.
//  2. dual_write: writes go to both, reads come from the primary. Older documents
//     are backfilled with the copy command.
//  3. switching: writes go to both, reads prefer the secondary.
//  4. reversed: only the secondary is used.
//
// The mode can be changed at runtime through POST /api/admin/mode.
package surrealcollab
