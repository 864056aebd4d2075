package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/Mydata-AI/mydata-ai-voice-realtime/pkg/gateway/ledger/migrations"
)

// MigrationState reports one migration's version and whether it is applied.
type MigrationState struct {
	Version   int64
	Path      string
	Applied   bool
	AppliedAt time.Time
}

func newProvider(databaseURL string) (*goose.Provider, *sql.DB, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, nil, fmt.Errorf("database url is required")
	}
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("open postgres db: %w", err)
	}
	provider, err := goose.NewProvider(goose.DialectPostgres, db, migrations.FS)
	if err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("load migrations: %w", err)
	}
	return provider, db, nil
}

// MigrateUp applies every pending migration and returns the versions applied.
func MigrateUp(ctx context.Context, databaseURL string) ([]int64, error) {
	provider, db, err := newProvider(databaseURL)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	results, err := provider.Up(ctx)
	if err != nil {
		return nil, fmt.Errorf("migrate up: %w", err)
	}
	applied := make([]int64, 0, len(results))
	for _, res := range results {
		if res.Source != nil {
			applied = append(applied, res.Source.Version)
		}
	}
	return applied, nil
}

// MigrationStatus lists every known migration with its applied state.
func MigrationStatus(ctx context.Context, databaseURL string) ([]MigrationState, error) {
	provider, db, err := newProvider(databaseURL)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	statuses, err := provider.Status(ctx)
	if err != nil {
		return nil, fmt.Errorf("migration status: %w", err)
	}
	out := make([]MigrationState, 0, len(statuses))
	for _, st := range statuses {
		if st.Source == nil {
			continue
		}
		out = append(out, MigrationState{
			Version:   st.Source.Version,
			Path:      st.Source.Path,
			Applied:   st.State == goose.StateApplied,
			AppliedAt: st.AppliedAt,
		})
	}
	return out, nil
}
