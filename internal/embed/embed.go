package embed

import (
	"embed"
	"fmt"
	"io/fs"
	"sort"
)

// migrationsFS contains the postgres schema, applied in file-name order
//
//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migration is one embedded SQL file
type Migration struct {
	Name string
	SQL  string
}

// Migrations returns the embedded migrations sorted by name
func Migrations() ([]Migration, error) {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("read embedded migrations: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	result := make([]Migration, 0, len(names))
	for _, name := range names {
		data, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", name, err)
		}
		result = append(result, Migration{Name: name, SQL: string(data)})
	}
	return result, nil
}
