package main

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationFS embed.FS

type DBDialect string

const (
	dialectSQLite   DBDialect = "sqlite"
	dialectPostgres DBDialect = "postgres"
)

type SQLRepository struct {
	dialect DBDialect
	db      *sql.DB
}

// openRepositoryFromEnv returns nil when DB_DIALECT=none; the store then runs
// memory-only.
func openRepositoryFromEnv() (*SQLRepository, error) {
	dialectRaw := strings.TrimSpace(strings.ToLower(os.Getenv("DB_DIALECT")))
	if dialectRaw == "" {
		dialectRaw = string(dialectSQLite)
	}
	if dialectRaw == "none" {
		return nil, nil
	}
	dialect := DBDialect(dialectRaw)

	var driverName string
	var dsn string
	switch dialect {
	case dialectSQLite:
		driverName = "sqlite"
		path := strings.TrimSpace(os.Getenv("DB_SQLITE_PATH"))
		if path == "" {
			path = filepath.Join("tmp", "silent_accord.sqlite")
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite directory: %w", err)
		}
		dsn = path
	case dialectPostgres:
		driverName = "pgx"
		dsn = strings.TrimSpace(os.Getenv("DB_POSTGRES_DSN"))
		if dsn == "" {
			dsn = strings.TrimSpace(os.Getenv("DATABASE_URL"))
		}
		if dsn == "" {
			return nil, errors.New("DB_DIALECT=postgres requires DB_POSTGRES_DSN or DATABASE_URL")
		}
	default:
		return nil, fmt.Errorf("unsupported DB_DIALECT %q", dialectRaw)
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", dialect, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s database: %w", dialect, err)
	}

	repo := &SQLRepository{dialect: dialect, db: db}
	if err := repo.applyMigrations(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Info().Str("dialect", string(dialect)).Msg("database ready")
	return repo, nil
}

func (r *SQLRepository) bind(pos int) string {
	if r.dialect == dialectPostgres {
		return fmt.Sprintf("$%d", pos)
	}
	return "?"
}

func (r *SQLRepository) binds(n int) string {
	ph := make([]string, n)
	for i := range ph {
		ph[i] = r.bind(i + 1)
	}
	return strings.Join(ph, ", ")
}

func (r *SQLRepository) applyMigrations(ctx context.Context) error {
	create := `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMP NOT NULL
		)
	`
	if _, err := r.db.ExecContext(ctx, create); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	applied := map[string]bool{}
	rows, err := r.db.QueryContext(ctx, "SELECT version FROM schema_migrations")
	if err != nil {
		return fmt.Errorf("read schema_migrations: %w", err)
	}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return fmt.Errorf("scan schema migration: %w", err)
		}
		applied[v] = true
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("iterate schema migrations: %w", err)
	}
	rows.Close()

	pattern := fmt.Sprintf("migrations/%s/*.sql", r.dialect)
	files, err := fs.Glob(migrationFS, pattern)
	if err != nil {
		return fmt.Errorf("glob migrations: %w", err)
	}
	sort.Strings(files)
	for _, file := range files {
		base := filepath.Base(file)
		if applied[base] {
			continue
		}
		sqlBytes, err := migrationFS.ReadFile(file)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", file, err)
		}
		tx, err := r.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration tx %s: %w", file, err)
		}
		if _, err := tx.ExecContext(ctx, string(sqlBytes)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("apply migration %s: %w", file, err)
		}
		record := fmt.Sprintf("INSERT INTO schema_migrations (version, applied_at) VALUES (%s, %s)", r.bind(1), r.bind(2))
		if _, err := tx.ExecContext(ctx, record, base, time.Now().UTC()); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %s: %w", file, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", file, err)
		}
	}
	return nil
}

func (r *SQLRepository) InsertCiv(ctx context.Context, civ Civilization) error {
	q := fmt.Sprintf("INSERT INTO civs (id, name) VALUES (%s)", r.binds(2))
	if _, err := r.db.ExecContext(ctx, q, civ.ID, civ.Name); err != nil {
		return fmt.Errorf("insert civ: %w", err)
	}
	return nil
}

func (r *SQLRepository) UpsertPlayer(ctx context.Context, p Player) error {
	q := fmt.Sprintf(`
		INSERT INTO players (user_id, civ_id, role, seq) VALUES (%s)
		ON CONFLICT (user_id) DO UPDATE SET
			civ_id = excluded.civ_id,
			role = excluded.role
	`, r.binds(4))
	if _, err := r.db.ExecContext(ctx, q, p.UserID, p.CivID, p.Role, p.Seq); err != nil {
		return fmt.Errorf("upsert player: %w", err)
	}
	return nil
}

func (r *SQLRepository) UpsertRule(ctx context.Context, rule PairRule) error {
	q := fmt.Sprintf(`
		INSERT INTO pair_rules (civ_small, civ_large, interval_seconds, max_messages, window_type)
		VALUES (%s)
		ON CONFLICT (civ_small, civ_large) DO UPDATE SET
			interval_seconds = excluded.interval_seconds,
			max_messages = excluded.max_messages,
			window_type = excluded.window_type
	`, r.binds(5))
	if _, err := r.db.ExecContext(ctx, q, rule.CivSmall, rule.CivLarge, rule.IntervalSeconds, rule.MaxMessages, rule.WindowType); err != nil {
		return fmt.Errorf("upsert rule: %w", err)
	}
	return nil
}

// RecordSend writes the usage upsert and the audit append in one transaction.
// Both land or neither does.
func (r *SQLRepository) RecordSend(ctx context.Context, msg Message) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin send tx: %w", err)
	}

	usage := fmt.Sprintf(`
		INSERT INTO pair_usage (from_civ, to_civ, last_sent_at) VALUES (%s)
		ON CONFLICT (from_civ, to_civ) DO UPDATE SET last_sent_at = excluded.last_sent_at
	`, r.binds(3))
	if _, err := tx.ExecContext(ctx, usage, msg.FromCiv, msg.ToCiv, msg.SentAt); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("upsert pair usage: %w", err)
	}

	audit := fmt.Sprintf("INSERT INTO messages (id, from_civ, to_civ, sent_at, body) VALUES (%s)", r.binds(5))
	if _, err := tx.ExecContext(ctx, audit, msg.ID, msg.FromCiv, msg.ToCiv, msg.SentAt, msg.Body); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("insert message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit send tx: %w", err)
	}
	return nil
}

func (r *SQLRepository) LoadInto(ctx context.Context, store *Store) error {
	if err := r.loadCivs(ctx, store); err != nil {
		return err
	}
	if err := r.loadPlayers(ctx, store); err != nil {
		return err
	}
	if err := r.loadRules(ctx, store); err != nil {
		return err
	}
	if err := r.loadUsage(ctx, store); err != nil {
		return err
	}
	return r.loadMessages(ctx, store)
}

func (r *SQLRepository) loadCivs(ctx context.Context, store *Store) error {
	rows, err := r.db.QueryContext(ctx, "SELECT id, name FROM civs")
	if err != nil {
		return fmt.Errorf("load civs: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var c Civilization
		if err := rows.Scan(&c.ID, &c.Name); err != nil {
			return fmt.Errorf("scan civ: %w", err)
		}
		civ := c
		store.Civs[civ.ID] = &civ
		if civ.ID > store.NextCivID {
			store.NextCivID = civ.ID
		}
	}
	return rows.Err()
}

func (r *SQLRepository) loadPlayers(ctx context.Context, store *Store) error {
	rows, err := r.db.QueryContext(ctx, "SELECT user_id, civ_id, role, seq FROM players")
	if err != nil {
		return fmt.Errorf("load players: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var p Player
		if err := rows.Scan(&p.UserID, &p.CivID, &p.Role, &p.Seq); err != nil {
			return fmt.Errorf("scan player: %w", err)
		}
		player := p
		store.Players[player.UserID] = &player
		if player.Seq > store.NextPlayerSeq {
			store.NextPlayerSeq = player.Seq
		}
	}
	return rows.Err()
}

func (r *SQLRepository) loadRules(ctx context.Context, store *Store) error {
	rows, err := r.db.QueryContext(ctx, "SELECT civ_small, civ_large, interval_seconds, max_messages, window_type FROM pair_rules")
	if err != nil {
		return fmt.Errorf("load pair rules: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var rule PairRule
		if err := rows.Scan(&rule.CivSmall, &rule.CivLarge, &rule.IntervalSeconds, &rule.MaxMessages, &rule.WindowType); err != nil {
			return fmt.Errorf("scan pair rule: %w", err)
		}
		ru := rule
		store.Rules[PairKey{Small: ru.CivSmall, Large: ru.CivLarge}] = &ru
	}
	return rows.Err()
}

func (r *SQLRepository) loadUsage(ctx context.Context, store *Store) error {
	rows, err := r.db.QueryContext(ctx, "SELECT from_civ, to_civ, last_sent_at FROM pair_usage")
	if err != nil {
		return fmt.Errorf("load pair usage: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var key DirKey
		var at int64
		if err := rows.Scan(&key.From, &key.To, &at); err != nil {
			return fmt.Errorf("scan pair usage: %w", err)
		}
		store.Usage[key] = at
	}
	return rows.Err()
}

func (r *SQLRepository) loadMessages(ctx context.Context, store *Store) error {
	rows, err := r.db.QueryContext(ctx, "SELECT id, from_civ, to_civ, sent_at, body FROM messages ORDER BY sent_at ASC")
	if err != nil {
		return fmt.Errorf("load messages: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.FromCiv, &m.ToCiv, &m.SentAt, &m.Body); err != nil {
			return fmt.Errorf("scan message: %w", err)
		}
		store.Messages = append(store.Messages, m)
	}
	return rows.Err()
}
