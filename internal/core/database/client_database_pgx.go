package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pgvector/pgvector-go"

	"github.com/markdave123-py/mediawhisperer/internal/core"
	"github.com/markdave123-py/mediawhisperer/internal/models"
)

// NewPostgresClient connects to Postgres (with the pgvector extension) and
// bootstraps the schema once. When sslCertPath is set the connection verifies
// the server against that CA.
func NewPostgresClient(ctx context.Context, databaseURL, sslCertPath string) (*DatabaseClient, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is empty")
	}

	dsn := databaseURL
	if sslCertPath != "" {
		if _, err := os.Stat(sslCertPath); err != nil {
			return nil, fmt.Errorf("ssl cert not accessible at %q: %w", sslCertPath, err)
		}
		// Append SSL params to the provided DATABASE_URL safely.
		u, err := url.Parse(databaseURL)
		if err != nil {
			return nil, fmt.Errorf("invalid DATABASE_URL: %w", err)
		}
		q := u.Query()
		q.Set("sslmode", "verify-ca")
		q.Set("sslrootcert", sslCertPath)
		u.RawQuery = q.Encode()
		dsn = u.String()
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	d := postgresDialect{}
	if err := EnsureBootstrapped(ctx, db, d); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bootstrap: %w", err)
	}

	return &DatabaseClient{db: db, dialect: d}, nil
}

type postgresDialect struct{}

func (postgresDialect) name() string { return "postgres" }

func (postgresDialect) vectorArg(v []float32) any { return pgvector.NewVector(v) }

func (postgresDialect) timeArg(t time.Time) any { return t.UTC() }

// search ranks inside Postgres with the cosine distance operator.
func (postgresDialect) search(ctx context.Context, q querier, docID string, queryVec []float32, limit int) ([]models.ScoredChunk, error) {
	const query = `
		SELECT ` + chunkColumns + `, 1 - (e.embedding <=> $2) AS score
		FROM chunks c
		JOIN embeddings e ON e.chunk_id = c.id
		WHERE c.document_id = $1
		ORDER BY e.embedding <=> $2 ASC, c.seq ASC
		LIMIT $3
	`
	var lim any
	if limit > 0 {
		lim = limit
	}
	rows, err := q.QueryContext(ctx, query, docID, pgvector.NewVector(queryVec), lim)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.ScoredChunk
	for rows.Next() {
		var score sql.NullFloat64
		ch, err := scanChunk(rows, &score)
		if err != nil {
			return nil, err
		}
		out = append(out, models.ScoredChunk{Chunk: ch, Score: score.Float64})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return rankChunks(out, limit), nil
}

func (postgresDialect) classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505": // unique_violation
			return core.E(core.KindConflict, op, err)
		case "23503": // foreign_key_violation
			return core.E(core.KindNotFound, op, err)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func (postgresDialect) metaTableExistsQuery() string {
	return `
		SELECT EXISTS (
		  SELECT 1 FROM information_schema.tables
		  WHERE table_name = 'mediawhisperer_meta'
		)`
}

func (postgresDialect) bootstrapScript() string { return "scripts/initdb_postgres.sql" }
