package pgadapter

import "embed"

// migrations holds the goose SQL migrations that establish
// CLOUDKIT_STORE, embedded so the binary carries its own schema (spec
// §3). Grounded on the gophkeeper server's goose.SetBaseFS +
// goose.UpContext wiring, adapted to embed.FS instead of an external
// migrations package.
//
//go:embed migrations/*.sql
var migrations embed.FS
