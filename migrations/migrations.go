// Package migrations embeds the SQL schema and applies it in file-name order.
package migrations

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"sort"

	"escrowflow/db"
)

//go:embed *.sql
var files embed.FS

// lockKey serializes concurrent Apply calls. A multi-statement Exec runs as one
// implicit transaction, so the xact lock is held for the whole file.
const lockKey = 72310000

// Apply executes every embedded .sql file against q. The files are idempotent.
func Apply(ctx context.Context, q db.Querier) error {
	names, err := fs.Glob(files, "*.sql")
	if err != nil {
		return fmt.Errorf("migrations: list: %w", err)
	}
	sort.Strings(names)

	for _, name := range names {
		body, err := files.ReadFile(name)
		if err != nil {
			return fmt.Errorf("migrations: read %s: %w", name, err)
		}
		script := fmt.Sprintf("SELECT pg_advisory_xact_lock(%d);\n%s", lockKey, body)
		if _, err := q.Exec(ctx, script); err != nil {
			return fmt.Errorf("migrations: apply %s: %w", name, err)
		}
	}
	return nil
}

// Names lists embedded migration files in apply order.
func Names() []string {
	names, _ := fs.Glob(files, "*.sql")
	sort.Strings(names)
	return names
}
