// Package aggregate materializes the reporting views over the events table.
package aggregate

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/piper/piper/internal/envelope"
	perrors "github.com/piper/piper/internal/errors"
)

//go:embed views/*.sql
var viewsFS embed.FS

// Model is one named view.
type Model struct {
	Name string
	SQL  string
}

// Models returns the views in dependency order.
func Models() ([]Model, error) {
	entries, err := viewsFS.ReadDir("views")
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	known := envelope.KnownEventTypes()
	quoted := make([]string, len(known))
	for i, t := range known {
		quoted[i] = "'" + strings.ReplaceAll(t, "'", "''") + "'"
	}
	r := strings.NewReplacer("{{known_event_types}}", strings.Join(quoted, ", "))

	models := make([]Model, 0, len(entries))
	for _, e := range entries {
		body, err := viewsFS.ReadFile(path.Join("views", e.Name()))
		if err != nil {
			return nil, err
		}
		// 01_daily_event_counts.sql -> daily_event_counts
		name := strings.TrimSuffix(e.Name(), ".sql")
		if _, rest, ok := strings.Cut(name, "_"); ok {
			name = rest
		}
		models = append(models, Model{Name: name, SQL: r.Replace(string(body))})
	}
	return models, nil
}

// Materialize drops and recreates the views. When only is non-empty just
// that view is rebuilt. It returns the names of the rebuilt views.
func Materialize(ctx context.Context, db *sql.DB, only string) ([]string, error) {
	models, err := Models()
	if err != nil {
		return nil, perrors.NewInternalError("failed to load view definitions", err)
	}

	if only != "" {
		var selected []Model
		for _, m := range models {
			if m.Name == only {
				selected = append(selected, m)
			}
		}
		if len(selected) == 0 {
			return nil, perrors.NewConfigError(fmt.Sprintf("unknown model %q", only), nil)
		}
		models = selected
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, perrors.NewStoreError(perrors.CodeQueryFailed, "failed to begin materialize", err)
	}
	defer tx.Rollback()

	built := make([]string, 0, len(models))
	for _, m := range models {
		if _, err := tx.ExecContext(ctx, "DROP VIEW IF EXISTS "+m.Name); err != nil {
			return nil, perrors.NewStoreError(perrors.CodeQueryFailed, fmt.Sprintf("failed to drop view %s", m.Name), err)
		}
		if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
			return nil, perrors.NewStoreError(perrors.CodeQueryFailed, fmt.Sprintf("failed to create view %s", m.Name), err)
		}
		built = append(built, m.Name)
	}
	if err := tx.Commit(); err != nil {
		return nil, perrors.NewStoreError(perrors.CodeQueryFailed, "failed to commit materialize", err)
	}
	return built, nil
}
