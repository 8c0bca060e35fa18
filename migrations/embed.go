// Package migrations embeds the goose SQL migrations for the relay database
// and for the local replica database.
package migrations

import "embed"

// FS holds both migration sets. Use RelayDir or ReplicaDir as the root.
//
//go:embed relay/*.sql replica/*.sql
var FS embed.FS

const (
	RelayDir   = "relay"
	ReplicaDir = "replica"
)
