package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Схема stockhold версионируется embedded-файлами NNNN_name.{up,down}.sql.
// Применённые версии лежат в stockhold_schema_migrations, параллельные запуски
// сериализуются advisory lock-ом на отдельном соединении.

//go:embed sql/migrations/*.sql
var embeddedMigrations embed.FS

const (
	migrationsDir     = "sql/migrations"
	migrationsLockSQL = `SELECT pg_advisory_lock(hashtext('stockhold.schema_migrations'))`
	migrationsFreeSQL = `SELECT pg_advisory_unlock(hashtext('stockhold.schema_migrations'))`
	migrationsDDL     = `
CREATE TABLE IF NOT EXISTS stockhold_schema_migrations (
    version    BIGINT PRIMARY KEY,
    name       TEXT NOT NULL,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`
)

var migrationName = regexp.MustCompile(`^(\d+)_(\w+)\.(up|down)\.sql$`)

type migration struct {
	Version int64
	Name    string
	Up      string
	Down    string
}

func (m migration) String() string {
	return fmt.Sprintf("%04d_%s", m.Version, m.Name)
}

// MigrationState описывает схему: последнюю применённую версию, число применённых
// и ещё не применённых embedded-миграций.
type MigrationState struct {
	Version int64
	Applied int
	Pending int
}

// MigrateUp применяет steps миграций вверх, 0 применяет все.
func (s *Store) MigrateUp(ctx context.Context, steps int) error {
	return s.withMigrationLock(ctx, func(conn *sql.Conn, all []migration) error {
		applied, err := appliedVersions(ctx, conn)
		if err != nil {
			return err
		}
		done := make(map[int64]bool, len(applied))
		for _, v := range applied {
			done[v] = true
		}

		for _, m := range all {
			if done[m.Version] {
				continue
			}
			if err := applyMigration(ctx, conn, m, true); err != nil {
				return err
			}
			if steps--; steps == 0 {
				break
			}
		}
		return nil
	})
}

// MigrateDown откатывает steps последних миграций. steps<=0 откатывает одну.
func (s *Store) MigrateDown(ctx context.Context, steps int) error {
	if steps <= 0 {
		steps = 1
	}
	return s.withMigrationLock(ctx, func(conn *sql.Conn, all []migration) error {
		byVersion := make(map[int64]migration, len(all))
		for _, m := range all {
			byVersion[m.Version] = m
		}

		applied, err := appliedVersions(ctx, conn)
		if err != nil {
			return err
		}
		for i := len(applied) - 1; i >= 0 && steps > 0; i, steps = i-1, steps-1 {
			m, ok := byVersion[applied[i]]
			if !ok {
				return fmt.Errorf("cannot roll back unknown migration version %d", applied[i])
			}
			if err := applyMigration(ctx, conn, m, false); err != nil {
				return err
			}
		}
		return nil
	})
}

// MigrationStatus сверяет применённые версии с embedded-миграциями.
func (s *Store) MigrationStatus(ctx context.Context) (MigrationState, error) {
	if s == nil || s.db == nil {
		return MigrationState{}, errors.New("postgres store is not initialized")
	}
	all, err := readMigrations(embeddedMigrations)
	if err != nil {
		return MigrationState{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	if _, err := s.db.ExecContext(ctx, migrationsDDL); err != nil {
		return MigrationState{}, fmt.Errorf("ensure migration table: %w", err)
	}
	applied, err := appliedVersions(ctx, s.db)
	if err != nil {
		return MigrationState{}, err
	}
	return migrationState(all, applied), nil
}

func migrationState(all []migration, applied []int64) MigrationState {
	state := MigrationState{Applied: len(applied), Pending: len(all)}
	if len(applied) > 0 {
		state.Version = applied[len(applied)-1]
	}
	for _, m := range all {
		i := sort.Search(len(applied), func(i int) bool { return applied[i] >= m.Version })
		if i < len(applied) && applied[i] == m.Version {
			state.Pending--
		}
	}
	return state
}

func (s *Store) withMigrationLock(ctx context.Context, fn func(*sql.Conn, []migration) error) error {
	if s == nil || s.db == nil {
		return errors.New("postgres store is not initialized")
	}
	all, err := readMigrations(embeddedMigrations)
	if err != nil {
		return err
	}

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire migration connection: %w", err)
	}
	defer conn.Close()

	lockCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	if _, err := conn.ExecContext(lockCtx, migrationsLockSQL); err != nil {
		return fmt.Errorf("acquire migration lock: %w", err)
	}
	defer func() { _, _ = conn.ExecContext(context.Background(), migrationsFreeSQL) }()

	if _, err := conn.ExecContext(ctx, migrationsDDL); err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}
	return fn(conn, all)
}

// applyMigration выполняет тело миграции и запись о версии в одной транзакции.
func applyMigration(ctx context.Context, conn *sql.Conn, m migration, up bool) (err error) {
	body, record, direction := m.Up, `INSERT INTO stockhold_schema_migrations (version, name) VALUES ($1, $2)`, "up"
	args := []any{m.Version, m.Name}
	if !up {
		body, record, direction = m.Down, `DELETE FROM stockhold_schema_migrations WHERE version = $1`, "down"
		args = args[:1]
	}

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin %s migration %s: %w", direction, m, err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, body); err != nil {
		return fmt.Errorf("%s migration %s: %w", direction, m, err)
	}
	if _, err = tx.ExecContext(ctx, record, args...); err != nil {
		return fmt.Errorf("record %s migration %s: %w", direction, m, err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit %s migration %s: %w", direction, m, err)
	}
	return nil
}

type versionQuerier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// appliedVersions возвращает применённые версии по возрастанию.
func appliedVersions(ctx context.Context, q versionQuerier) ([]int64, error) {
	rows, err := q.QueryContext(ctx, `SELECT version FROM stockhold_schema_migrations ORDER BY version`)
	if err != nil {
		return nil, fmt.Errorf("query applied migrations: %w", err)
	}
	defer rows.Close()

	var versions []int64
	for rows.Next() {
		var v int64
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scan applied migration: %w", err)
		}
		versions = append(versions, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate applied migrations: %w", err)
	}
	return versions, nil
}

// readMigrations собирает пары up/down из fsys и сортирует их по версии.
func readMigrations(fsys fs.FS) ([]migration, error) {
	entries, err := fs.ReadDir(fsys, migrationsDir)
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}

	byVersion := make(map[int64]*migration)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		parts := migrationName.FindStringSubmatch(entry.Name())
		if parts == nil {
			return nil, fmt.Errorf("invalid migration file name: %s", entry.Name())
		}
		version, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("migration version in %s: %w", entry.Name(), err)
		}

		raw, err := fs.ReadFile(fsys, path.Join(migrationsDir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", entry.Name(), err)
		}
		body := strings.TrimSpace(string(raw))
		if body == "" {
			return nil, fmt.Errorf("migration file is empty: %s", entry.Name())
		}

		m, ok := byVersion[version]
		if !ok {
			m = &migration{Version: version, Name: parts[2]}
			byVersion[version] = m
		}
		if m.Name != parts[2] {
			return nil, fmt.Errorf("migration %d is named both %s and %s", version, m.Name, parts[2])
		}

		target := &m.Up
		if parts[3] == "down" {
			target = &m.Down
		}
		if *target != "" {
			return nil, fmt.Errorf("duplicate %s migration for version %d", parts[3], version)
		}
		*target = body
	}

	if len(byVersion) == 0 {
		return nil, errors.New("no migration files found")
	}
	all := make([]migration, 0, len(byVersion))
	for _, m := range byVersion {
		if m.Up == "" || m.Down == "" {
			return nil, fmt.Errorf("migration %s must have both up and down files", m)
		}
		all = append(all, *m)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Version < all[j].Version })
	return all, nil
}
