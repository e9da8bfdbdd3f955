package cli

import (
	"fmt"
	"io"
)

// Migrator applies schema migrations.
type Migrator interface {
	Up() error
	Down() error
}

// MigrateCommand runs migrations in direction "up" or "down".
func MigrateCommand(m Migrator, direction string, stderr io.Writer) int {
	_, stderr = writers(nil, stderr)
	var err error
	switch direction {
	case "up":
		err = m.Up()
	case "down":
		err = m.Down()
	default:
		_, _ = fmt.Fprintf(stderr, "migrate: unknown direction %q (expected up or down)\n", direction)
		return ExitUsage
	}
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "migrate %s: %v\n", direction, err)
		return ExitFailure
	}
	return ExitOK
}
