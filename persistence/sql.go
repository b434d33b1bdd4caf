package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"entitycache/cache"
)

// SQLSpec supplies the statements and parameter binding for one entity
// type. The cache core knows nothing about SQL; everything
// schema-specific lives here.
type SQLSpec[T cache.Entity] struct {
	// UpsertSQL is the insert-or-update statement executed once per
	// entity (e.g. "INSERT ... ON CONFLICT(id) DO UPDATE ...").
	UpsertSQL string

	// UpsertArgs binds one entity to the UpsertSQL placeholders.
	UpsertArgs func(T) []any

	// DeleteSQL removes one record; its single placeholder is the key.
	DeleteSQL string

	// ExistsSQL probes for one record by key and must select at least
	// one column. When empty it is derived from DeleteSQL by rewriting
	// the DELETE into a SELECT 1 over the same WHERE clause.
	ExistsSQL string
}

// SQLSpecFromConfig derives a SQLSpec from a cache's declarative
// persistence metadata. The generated upsert writes the key column plus
// the insertable fields on insert and, on key conflict, rewrites only
// the updatable fields from the incoming row (DO NOTHING when no field
// is updatable). value binds one named field of an entity; it is called
// for each insertable field in sorted order.
func SQLSpecFromConfig[T cache.Entity](cfg *cache.PersistenceConfig, keyColumn string, value func(entity T, field string) any) (SQLSpec[T], error) {
	if cfg == nil || cfg.TableName() == "" {
		return SQLSpec[T]{}, errors.New("persistence: config with a table name is required")
	}
	if value == nil {
		return SQLSpec[T]{}, errors.New("persistence: nil field binder")
	}
	if keyColumn == "" {
		keyColumn = "id"
	}
	inserts := cfg.InsertableFields()
	if len(inserts) == 0 {
		return SQLSpec[T]{}, errors.New("persistence: config declares no insertable fields")
	}

	columns := append([]string{keyColumn}, inserts...)
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(columns)), ", ")

	conflict := "DO NOTHING"
	if updates := cfg.UpdatableFields(); len(updates) > 0 {
		sets := make([]string, len(updates))
		for i, f := range updates {
			sets[i] = f + " = excluded." + f
		}
		conflict = "DO UPDATE SET " + strings.Join(sets, ", ")
	}

	return SQLSpec[T]{
		UpsertSQL: fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT(%s) %s",
			cfg.TableName(), strings.Join(columns, ", "), placeholders, keyColumn, conflict),
		UpsertArgs: func(e T) []any {
			args := make([]any, 0, len(columns))
			args = append(args, e.Key())
			for _, f := range inserts {
				args = append(args, value(e, f))
			}
			return args
		},
		DeleteSQL: fmt.Sprintf("DELETE FROM %s WHERE %s = ?", cfg.TableName(), keyColumn),
	}, nil
}

// SQLStrategy persists entities through database/sql. Batches execute
// inside one transaction each: a filled batch per MaxBatchSize entities
// plus a trailing partial batch. A failed batch is rolled back, logged,
// and reported through the returned keys; remaining batches still run.
type SQLStrategy[T cache.Entity] struct {
	db           *sql.DB
	spec         SQLSpec[T]
	logger       *zap.Logger
	maxBatchSize int
}

var deleteFromRe = regexp.MustCompile(`(?i)^\s*delete\s+from\s+`)

// NewSQLStrategy creates a strategy over the given database handle.
func NewSQLStrategy[T cache.Entity](db *sql.DB, spec SQLSpec[T], opts Options) (*SQLStrategy[T], error) {
	if db == nil {
		return nil, errors.New("persistence: nil database handle")
	}
	if spec.UpsertSQL == "" || spec.UpsertArgs == nil || spec.DeleteSQL == "" {
		return nil, errors.New("persistence: SQLSpec requires UpsertSQL, UpsertArgs, and DeleteSQL")
	}
	if spec.ExistsSQL == "" {
		if !deleteFromRe.MatchString(spec.DeleteSQL) {
			return nil, errors.New("persistence: cannot derive ExistsSQL from DeleteSQL; supply it explicitly")
		}
		spec.ExistsSQL = deleteFromRe.ReplaceAllString(spec.DeleteSQL, "SELECT 1 FROM ")
	}
	opts = opts.withDefaults()
	return &SQLStrategy[T]{
		db:           db,
		spec:         spec,
		logger:       opts.Logger,
		maxBatchSize: opts.MaxBatchSize,
	}, nil
}

// SaveOrUpdate writes all entities, one transaction per batch, and
// returns the keys of entities in batches that failed.
func (s *SQLStrategy[T]) SaveOrUpdate(ctx context.Context, entities []T) []string {
	var failed []string
	for _, batch := range chunk(entities, s.maxBatchSize) {
		if err := s.execBatch(ctx, batch); err != nil {
			s.logger.Error("batched upsert failed",
				zap.Int("batch_size", len(batch)),
				zap.Error(err))
			failed = append(failed, keysOf(batch)...)
		}
	}
	return failed
}

func (s *SQLStrategy[T]) execBatch(ctx context.Context, batch []T) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, s.spec.UpsertSQL)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("prepare upsert: %w", err)
	}
	for _, e := range batch {
		if _, err := stmt.ExecContext(ctx, s.spec.UpsertArgs(e)...); err != nil {
			_ = stmt.Close()
			_ = tx.Rollback()
			return fmt.Errorf("upsert %s: %w", e.Key(), err)
		}
	}
	if err := stmt.Close(); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("close stmt: %w", err)
	}
	return tx.Commit()
}

// DeleteByID removes one record.
func (s *SQLStrategy[T]) DeleteByID(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, s.spec.DeleteSQL, id); err != nil {
		return fmt.Errorf("delete %s: %w", id, err)
	}
	return nil
}

// DeleteByIDs removes records with repeated single deletes, collecting
// the failures instead of stopping at the first one.
func (s *SQLStrategy[T]) DeleteByIDs(ctx context.Context, ids []string) error {
	var errs []error
	for _, id := range ids {
		if err := s.DeleteByID(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Exists probes the backing store for the given key.
func (s *SQLStrategy[T]) Exists(ctx context.Context, id string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, s.spec.ExistsSQL, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("exists %s: %w", id, err)
	}
	return true, nil
}
