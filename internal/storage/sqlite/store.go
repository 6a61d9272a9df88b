// Package sqlite provides a single-file crawler.Store on the pure-Go SQLite
// driver.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/JakeFAU/recall-crawler/internal/crawler"
)

//go:embed schema.sql
var schemaSQL string

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store implements crawler.Store on SQLite.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and applies the schema.
func Open(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	if path != MemoryPath {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
		dsn += "&_pragma=journal_mode(WAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection keeps :memory: databases alive and serializes writers.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)

	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// InTx runs fn inside a transaction. fn must not use the Store directly:
// the single connection is held by the transaction.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx crawler.Repo) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapErr("begin tx", err)
	}
	if err := fn(ctx, &repo{q: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return fmt.Errorf("%w (rollback: %v)", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return mapErr("commit tx", err)
	}
	return nil
}

// Ping checks the database handle.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping sqlite: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close sqlite: %w", err)
	}
	return nil
}

func (s *Store) direct() *repo { return &repo{q: s.db} }

// GetSiteByURL implements crawler.Repo.
func (s *Store) GetSiteByURL(ctx context.Context, url string) (crawler.Site, error) {
	return s.direct().GetSiteByURL(ctx, url)
}

// UpsertSite implements crawler.Repo.
func (s *Store) UpsertSite(ctx context.Context, site crawler.Site) error {
	return s.direct().UpsertSite(ctx, site)
}

// ListSites implements crawler.Repo.
func (s *Store) ListSites(ctx context.Context) ([]crawler.Site, error) {
	return s.direct().ListSites(ctx)
}

// GetPageByURL implements crawler.Repo.
func (s *Store) GetPageByURL(ctx context.Context, url string) (crawler.Page, error) {
	return s.direct().GetPageByURL(ctx, url)
}

// GetPageByID implements crawler.Repo.
func (s *Store) GetPageByID(ctx context.Context, id string) (crawler.Page, error) {
	return s.direct().GetPageByID(ctx, id)
}

// UpsertPage implements crawler.Repo.
func (s *Store) UpsertPage(ctx context.Context, page crawler.Page) error {
	return s.direct().UpsertPage(ctx, page)
}

// DeleteChunks implements crawler.Repo.
func (s *Store) DeleteChunks(ctx context.Context, pageID string) (int64, error) {
	return s.direct().DeleteChunks(ctx, pageID)
}

// InsertChunks implements crawler.Repo. Outside a transaction the batch is
// still applied atomically.
func (s *Store) InsertChunks(ctx context.Context, pageID string, chunks []crawler.ContentChunk) error {
	return s.InTx(ctx, func(ctx context.Context, tx crawler.Repo) error {
		return tx.InsertChunks(ctx, pageID, chunks)
	})
}

// ListChunks implements crawler.Repo.
func (s *Store) ListChunks(ctx context.Context, pageID string) ([]crawler.ContentChunk, error) {
	return s.direct().ListChunks(ctx, pageID)
}

// ListChunkEmbeddings implements crawler.Repo.
func (s *Store) ListChunkEmbeddings(ctx context.Context) ([]crawler.ChunkEmbedding, error) {
	return s.direct().ListChunkEmbeddings(ctx)
}

// CreateClient implements crawler.Repo.
func (s *Store) CreateClient(ctx context.Context, client crawler.Client) error {
	return s.direct().CreateClient(ctx, client)
}

// GetClient implements crawler.Repo.
func (s *Store) GetClient(ctx context.Context, id string) (crawler.Client, error) {
	return s.direct().GetClient(ctx, id)
}

// LinkClientSite implements crawler.Repo.
func (s *Store) LinkClientSite(ctx context.Context, clientID, siteID string) error {
	return s.direct().LinkClientSite(ctx, clientID, siteID)
}

// ListClientSites implements crawler.Repo.
func (s *Store) ListClientSites(ctx context.Context, clientID string) ([]crawler.Site, error) {
	return s.direct().ListClientSites(ctx, clientID)
}

func mapErr(op string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, crawler.ErrNotFound)
	}
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code()
		msg := sqliteErr.Error()
		switch {
		case code == sqlite3.SQLITE_CONSTRAINT_UNIQUE,
			code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY,
			code&0xff == sqlite3.SQLITE_BUSY,
			code&0xff == sqlite3.SQLITE_CONSTRAINT && strings.Contains(msg, "UNIQUE"):
			return fmt.Errorf("%s: %w: %v", op, crawler.ErrPersistenceConflict, err)
		case code == sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY,
			code&0xff == sqlite3.SQLITE_CONSTRAINT && strings.Contains(msg, "FOREIGN KEY"):
			return fmt.Errorf("%s: %w: %v", op, crawler.ErrNotFound, err)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}
