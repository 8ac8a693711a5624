package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/harimadhavan2000/geocheatr/internal/embeddings"
	"github.com/harimadhavan2000/geocheatr/internal/session"
)

// Store persists completed analysis sessions in PostgreSQL. Clue texts
// are embedded and stored as pgvector columns so past sessions can be
// searched by similarity.
type Store struct {
	pool       *pgxpool.Pool
	embeddings *embeddings.Service
	log        *slog.Logger
}

// ClueMatch is one similarity-search hit.
type ClueMatch struct {
	SessionID  int     `json:"session_id"`
	Ordinal    int     `json:"ordinal"`
	Content    string  `json:"content"`
	Similarity float64 `json:"similarity"`
}

// NewStore connects to PostgreSQL, ensures the schema exists, and wires
// the embedding service.
func NewStore(ctx context.Context, databaseURL string, embed embeddings.EmbedFunc, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{
		pool:       pool,
		embeddings: embeddings.NewService(embed, 4),
		log:        logger,
	}

	if err := s.initSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the connection pool and the embedding workers.
func (s *Store) Close() {
	s.embeddings.Close()
	s.pool.Close()
}

func (s *Store) initSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		return fmt.Errorf("failed to create vector extension: %w", err)
	}

	_, err := s.pool.Exec(ctx, fmt.Sprintf(`
        CREATE TABLE IF NOT EXISTS sessions (
            id SERIAL PRIMARY KEY,
            frame_count INTEGER NOT NULL,
            analysis TEXT NOT NULL,
            created_at TIMESTAMPTZ NOT NULL
        );

        CREATE TABLE IF NOT EXISTS clues (
            id SERIAL PRIMARY KEY,
            session_id INTEGER REFERENCES sessions(id) ON DELETE CASCADE,
            ordinal INTEGER NOT NULL,
            content TEXT NOT NULL,
            embedding vector(%d),
            created_at TIMESTAMPTZ NOT NULL,
            UNIQUE(session_id, ordinal)
        );

        CREATE TABLE IF NOT EXISTS candidates (
            id SERIAL PRIMARY KEY,
            session_id INTEGER REFERENCES sessions(id) ON DELETE CASCADE,
            rank INTEGER NOT NULL,
            latitude DOUBLE PRECISION,
            longitude DOUBLE PRECISION,
            radius_km DOUBLE PRECISION NOT NULL,
            confidence VARCHAR(16) NOT NULL,
            reason TEXT NOT NULL
        );
    `, embeddings.Dimensions))
	if err != nil {
		return fmt.Errorf("failed to create database schema: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
        CREATE INDEX IF NOT EXISTS idx_clues_session_id ON clues(session_id);
        CREATE INDEX IF NOT EXISTS idx_candidates_session_id ON candidates(session_id);
    `)
	if err != nil {
		return fmt.Errorf("failed to create database indexes: %w", err)
	}
	return nil
}

// SaveAnalysis implements session.HistoryStore.
func (s *Store) SaveAnalysis(ctx context.Context, rec session.AnalysisRecord) error {
	var sessionID int
	err := s.pool.QueryRow(ctx,
		`INSERT INTO sessions (frame_count, analysis, created_at)
        VALUES ($1, $2, $3)
        RETURNING id`,
		rec.FrameCount, rec.Analysis, time.Now()).Scan(&sessionID)
	if err != nil {
		return fmt.Errorf("failed to store session: %w", err)
	}

	for i, clue := range rec.Clues {
		var vec *pgvector.Vector
		embedding, err := s.embeddings.Embed(clue)
		if err != nil {
			// Keep the clue text; it just will not be searchable.
			s.log.Warn("failed to generate clue embedding", "session", sessionID, "ordinal", i+1, "error", err)
		} else {
			v := pgvector.NewVector(embedding)
			vec = &v
		}

		_, err = s.pool.Exec(ctx,
			`INSERT INTO clues (session_id, ordinal, content, embedding, created_at)
            VALUES ($1, $2, $3, $4, $5)`,
			sessionID, i+1, clue, vec, time.Now())
		if err != nil {
			return fmt.Errorf("failed to store clue %d: %w", i+1, err)
		}
	}

	for i, cand := range rec.Candidates {
		var lat, lon *float64
		if la, lo, err := cand.Coords(); err == nil {
			lat, lon = &la, &lo
		}
		_, err = s.pool.Exec(ctx,
			`INSERT INTO candidates (session_id, rank, latitude, longitude, radius_km, confidence, reason)
            VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			sessionID, i+1, lat, lon, cand.RadiusKm, cand.Confidence, cand.Reason)
		if err != nil {
			return fmt.Errorf("failed to store candidate %d: %w", i+1, err)
		}
	}

	s.log.Info("analysis persisted", "session", sessionID, "clues", len(rec.Clues), "candidates", len(rec.Candidates))
	return nil
}

// SearchSimilarClues finds past clue texts similar to the query.
func (s *Store) SearchSimilarClues(ctx context.Context, query string, limit int) ([]ClueMatch, error) {
	queryEmbedding, err := s.embeddings.Embed(query)
	if err != nil {
		return nil, fmt.Errorf("failed to generate query embedding: %w", err)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT session_id, ordinal, content,
        1 - (embedding <=> $1) AS similarity
        FROM clues
        WHERE embedding IS NOT NULL
        ORDER BY embedding <=> $1
        LIMIT $2`,
		pgvector.NewVector(queryEmbedding), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to search similar clues: %w", err)
	}
	defer rows.Close()

	var results []ClueMatch
	for rows.Next() {
		var m ClueMatch
		if err := rows.Scan(&m.SessionID, &m.Ordinal, &m.Content, &m.Similarity); err != nil {
			return nil, fmt.Errorf("failed to scan search results: %w", err)
		}
		results = append(results, m)
	}

	return results, rows.Err()
}
