// Package postgres provides a Postgres-backed crawler.Store.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/recall-crawler/internal/crawler"
)

//go:embed schema.sql
var schemaSQL string

var validTablePrefix = regexp.MustCompile(`^([a-zA-Z_][a-zA-Z0-9_]*)?$`)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	TablePrefix     string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type querier interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
}

// pool is the subset of *pgxpool.Pool the store needs; pgxmock satisfies it.
type pool interface {
	querier
	Begin(context.Context) (pgx.Tx, error)
	Ping(context.Context) error
	Close()
}

// Store implements crawler.Store on Postgres.
type Store struct {
	pool pool
	t    tables
}

type tables struct {
	prefix      string
	sites       string
	pages       string
	chunks      string
	clients     string
	clientSites string
}

func newTables(prefix string) (tables, error) {
	if !validTablePrefix.MatchString(prefix) {
		return tables{}, fmt.Errorf("invalid table prefix %q", prefix)
	}
	return tables{
		prefix:      prefix,
		sites:       prefix + "sites",
		pages:       prefix + "pages",
		chunks:      prefix + "content_chunks",
		clients:     prefix + "clients",
		clientSites: prefix + "client_sites",
	}, nil
}

// New connects a pool using cfg.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	t, err := newTables(cfg.TablePrefix)
	if err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: p, t: t}, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(p pool, tablePrefix string) (*Store, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	t, err := newTables(tablePrefix)
	if err != nil {
		return nil, err
	}
	return &Store{pool: p, t: t}, nil
}

// Migrate creates the schema if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	for i, stmt := range schemaStatements(s.t) {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate statement %d: %w", i+1, err)
		}
	}
	return nil
}

func schemaStatements(t tables) []string {
	sql := strings.ReplaceAll(schemaSQL, "{{prefix}}", t.prefix)
	var out []string
	for _, stmt := range strings.Split(sql, ";") {
		if stmt = strings.TrimSpace(stmt); stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}

// InTx runs fn in a transaction. Page reads inside fn take row locks.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx crawler.Repo) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return mapErr("begin tx", err)
	}
	if err := fn(ctx, &repo{q: tx, t: s.t, forUpdate: true}); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			return fmt.Errorf("%w (rollback: %v)", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return mapErr("commit tx", err)
	}
	return nil
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

func (s *Store) direct() *repo {
	return &repo{q: s.pool, t: s.t}
}

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

// InsertChunks implements crawler.Repo. The rows go in as one statement.
func (s *Store) InsertChunks(ctx context.Context, pageID string, chunks []crawler.ContentChunk) error {
	return s.direct().InsertChunks(ctx, pageID, chunks)
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

// mapErr folds driver errors into the crawler failure taxonomy.
func mapErr(op string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, crawler.ErrNotFound)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505", "40001", "40P01":
			return fmt.Errorf("%s: %w: %s", op, crawler.ErrPersistenceConflict, pgErr.Message)
		case "23503":
			return fmt.Errorf("%s: %w: %s", op, crawler.ErrNotFound, pgErr.Message)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}
