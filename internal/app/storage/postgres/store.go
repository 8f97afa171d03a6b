// Package postgres implements PackageStore backed by PostgreSQL. Payloads
// (scenarios, results, coverage, summary) are stored as JSONB columns; the
// status compare-and-swap is a conditional UPDATE on the status column.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/hermanngeorge15/qawave-automation-sub000/internal/app/domain/qapackage"
	"github.com/hermanngeorge15/qawave-automation-sub000/internal/app/storage"
)

// Store implements storage.PackageStore backed by PostgreSQL.
type Store struct {
	db *sql.DB
}

var _ storage.PackageStore = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open connects to the database URL and verifies the connection.
func Open(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying pool.
func (s *Store) Close() error { return s.db.Close() }

const schema = `
CREATE TABLE IF NOT EXISTS qa_packages (
	id              TEXT PRIMARY KEY,
	name            TEXT NOT NULL,
	description     TEXT NOT NULL DEFAULT '',
	spec_url        TEXT NOT NULL,
	spec_content    TEXT NOT NULL DEFAULT '',
	spec_hash       TEXT NOT NULL DEFAULT '',
	target_base_url TEXT NOT NULL DEFAULT '',
	requirements    TEXT NOT NULL DEFAULT '',
	status          TEXT NOT NULL,
	status_reason   TEXT NOT NULL DEFAULT '',
	config          JSONB NOT NULL DEFAULT '{}',
	scenarios       JSONB,
	results         JSONB,
	coverage        JSONB,
	summary         JSONB,
	requested_by    TEXT NOT NULL DEFAULT '',
	attempt         INTEGER NOT NULL DEFAULT 1,
	retry_of        TEXT NOT NULL DEFAULT '',
	created_at      TIMESTAMPTZ NOT NULL,
	started_at      TIMESTAMPTZ,
	completed_at    TIMESTAMPTZ,
	updated_at      TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS qa_packages_status_idx ON qa_packages (status);
`

// EnsureSchema creates the packages table when it does not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

const packageColumns = `id, name, description, spec_url, spec_content, spec_hash,
	target_base_url, requirements, status, status_reason, config,
	scenarios, results, coverage, summary,
	requested_by, attempt, retry_of, created_at, started_at, completed_at, updated_at`

func (s *Store) CreatePackage(ctx context.Context, pkg qapackage.QaPackage) (qapackage.QaPackage, error) {
	if pkg.ID == "" {
		pkg.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	pkg.CreatedAt = now
	pkg.UpdatedAt = now
	if pkg.Attempt == 0 {
		pkg.Attempt = 1
	}

	cols, err := marshalPayloads(pkg)
	if err != nil {
		return qapackage.QaPackage{}, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO qa_packages (`+packageColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11,
			$12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)
	`, pkg.ID, pkg.Name, pkg.Description, pkg.SpecURL, pkg.SpecContent, pkg.SpecHash,
		pkg.TargetBaseURL, pkg.Requirements, pkg.Status.String(), pkg.StatusReason, cols.config,
		cols.scenarios, cols.results, cols.coverage, cols.summary,
		pkg.RequestedBy, pkg.Attempt, pkg.RetryOf,
		pkg.CreatedAt, nullTime(pkg.StartedAt), nullTime(pkg.CompletedAt), pkg.UpdatedAt)
	if err != nil {
		return qapackage.QaPackage{}, err
	}
	return pkg, nil
}

func (s *Store) GetPackage(ctx context.Context, id string) (qapackage.QaPackage, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+packageColumns+`
		FROM qa_packages
		WHERE id = $1
	`, id)

	pkg, err := scanPackage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return qapackage.QaPackage{}, fmt.Errorf("package %s: %w", id, storage.ErrNotFound)
	}
	return pkg, err
}

func (s *Store) ListPackages(ctx context.Context) ([]qapackage.QaPackage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+packageColumns+`
		FROM qa_packages
		ORDER BY created_at
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPackages(rows)
}

func (s *Store) ListPackagesByStatus(ctx context.Context, statuses ...qapackage.Status) ([]qapackage.QaPackage, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	names := make([]string, len(statuses))
	for i, st := range statuses {
		names[i] = st.String()
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+packageColumns+`
		FROM qa_packages
		WHERE status = ANY($1)
		ORDER BY created_at
	`, pq.Array(names))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPackages(rows)
}

func (s *Store) UpdatePackage(ctx context.Context, pkg qapackage.QaPackage) (qapackage.QaPackage, error) {
	pkg.UpdatedAt = time.Now().UTC()
	cols, err := marshalPayloads(pkg)
	if err != nil {
		return qapackage.QaPackage{}, err
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE qa_packages
		SET name = $2, description = $3, spec_content = $4, spec_hash = $5,
			target_base_url = $6, requirements = $7, status_reason = $8,
			config = $9, scenarios = $10, results = $11, coverage = $12,
			summary = $13, started_at = $14, updated_at = $15
		WHERE id = $1
	`, pkg.ID, pkg.Name, pkg.Description, pkg.SpecContent, pkg.SpecHash,
		pkg.TargetBaseURL, pkg.Requirements, pkg.StatusReason,
		cols.config, cols.scenarios, cols.results, cols.coverage,
		cols.summary, nullTime(pkg.StartedAt), pkg.UpdatedAt)
	if err != nil {
		return qapackage.QaPackage{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return qapackage.QaPackage{}, fmt.Errorf("package %s: %w", pkg.ID, storage.ErrNotFound)
	}
	return s.GetPackage(ctx, pkg.ID)
}

func (s *Store) SavePackageCAS(ctx context.Context, pkg qapackage.QaPackage, expected qapackage.Status) (qapackage.QaPackage, error) {
	cols, err := marshalPayloads(pkg)
	if err != nil {
		return qapackage.QaPackage{}, err
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE qa_packages
		SET status = $3, status_reason = $4, spec_content = $5, spec_hash = $6,
			config = $7, scenarios = $8, results = $9, coverage = $10, summary = $11,
			started_at = $12, completed_at = $13, updated_at = $14
		WHERE id = $1 AND status = $2
	`, pkg.ID, expected.String(), pkg.Status.String(), pkg.StatusReason,
		pkg.SpecContent, pkg.SpecHash,
		cols.config, cols.scenarios, cols.results, cols.coverage, cols.summary,
		nullTime(pkg.StartedAt), nullTime(pkg.CompletedAt), pkg.UpdatedAt)
	if err != nil {
		return qapackage.QaPackage{}, err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		if _, err := s.GetPackage(ctx, pkg.ID); err != nil {
			return qapackage.QaPackage{}, err
		}
		return qapackage.QaPackage{}, fmt.Errorf("package %s: %w", pkg.ID, storage.ErrStatusConflict)
	}
	return pkg, nil
}

// payloadColumns holds the marshalled JSONB columns.
type payloadColumns struct {
	config    []byte
	scenarios interface{}
	results   interface{}
	coverage  interface{}
	summary   interface{}
}

func marshalPayloads(pkg qapackage.QaPackage) (payloadColumns, error) {
	var cols payloadColumns
	var err error

	if cols.config, err = json.Marshal(pkg.Config); err != nil {
		return cols, err
	}
	if pkg.Scenarios != nil {
		if cols.scenarios, err = json.Marshal(pkg.Scenarios); err != nil {
			return cols, err
		}
	}
	if pkg.Results != nil {
		if cols.results, err = json.Marshal(pkg.Results); err != nil {
			return cols, err
		}
	}
	if pkg.Coverage != nil {
		if cols.coverage, err = json.Marshal(pkg.Coverage); err != nil {
			return cols, err
		}
	}
	if pkg.Summary != nil {
		if cols.summary, err = json.Marshal(pkg.Summary); err != nil {
			return cols, err
		}
	}
	return cols, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPackage(row rowScanner) (qapackage.QaPackage, error) {
	var (
		pkg                                          qapackage.QaPackage
		status                                       string
		configRaw                                    []byte
		scenariosRaw, resultsRaw, covRaw, summaryRaw []byte
		startedAt, completedAt                       sql.NullTime
	)

	err := row.Scan(&pkg.ID, &pkg.Name, &pkg.Description, &pkg.SpecURL, &pkg.SpecContent, &pkg.SpecHash,
		&pkg.TargetBaseURL, &pkg.Requirements, &status, &pkg.StatusReason, &configRaw,
		&scenariosRaw, &resultsRaw, &covRaw, &summaryRaw,
		&pkg.RequestedBy, &pkg.Attempt, &pkg.RetryOf,
		&pkg.CreatedAt, &startedAt, &completedAt, &pkg.UpdatedAt)
	if err != nil {
		return qapackage.QaPackage{}, err
	}

	if pkg.Status, err = qapackage.ParseStatus(status); err != nil {
		return qapackage.QaPackage{}, err
	}
	if len(configRaw) > 0 {
		if err := json.Unmarshal(configRaw, &pkg.Config); err != nil {
			return qapackage.QaPackage{}, err
		}
	}
	if len(scenariosRaw) > 0 {
		pkg.Scenarios = &qapackage.ScenarioSet{}
		if err := json.Unmarshal(scenariosRaw, pkg.Scenarios); err != nil {
			return qapackage.QaPackage{}, err
		}
	}
	if len(resultsRaw) > 0 {
		pkg.Results = &qapackage.ResultSet{}
		if err := json.Unmarshal(resultsRaw, pkg.Results); err != nil {
			return qapackage.QaPackage{}, err
		}
	}
	if len(covRaw) > 0 {
		pkg.Coverage = &qapackage.CoverageReport{}
		if err := json.Unmarshal(covRaw, pkg.Coverage); err != nil {
			return qapackage.QaPackage{}, err
		}
	}
	if len(summaryRaw) > 0 {
		pkg.Summary = &qapackage.EvaluationReport{}
		if err := json.Unmarshal(summaryRaw, pkg.Summary); err != nil {
			return qapackage.QaPackage{}, err
		}
	}
	if startedAt.Valid {
		pkg.StartedAt = startedAt.Time
	}
	if completedAt.Valid {
		pkg.CompletedAt = completedAt.Time
	}
	return pkg, nil
}

func collectPackages(rows *sql.Rows) ([]qapackage.QaPackage, error) {
	var out []qapackage.QaPackage
	for rows.Next() {
		pkg, err := scanPackage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pkg)
	}
	return out, rows.Err()
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
