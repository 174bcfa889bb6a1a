// Package postgres provides the PostgreSQL-backed implementation of
// [store.Store].
//
// All operations share a single [pgxpool.Pool]. The pgvector extension backs
// the message embedding column used by semantic search; schema is managed by
// goose migrations embedded in the binary and applied automatically by [New].
//
// Audio payloads are stored inline as BYTEA; the synthetic audio URL
// "pg://messages/<id>/audio" lets consumers resolve them through the same
// record shape the remote API backend returns.
package postgres

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	pgvector "github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
	"github.com/pressly/goose/v3"

	"github.com/sonara-ai/sonara/pkg/audio"
	"github.com/sonara-ai/sonara/pkg/store"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Compile-time interface check.
var _ store.Store = (*Store)(nil)

// Store is the PostgreSQL implementation of [store.Store].
// All methods are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a Store, establishes a connection pool to the database at dsn,
// registers pgvector types on every connection, and applies any pending
// schema migrations.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}

	// Register pgvector types on every new connection so vector columns can
	// be scanned into and inserted from pgvector.Vector values.
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}

	if err := migrate(pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}

	return &Store{pool: pool}, nil
}

// migrate applies the embedded goose migrations through a database/sql
// adapter over the pool.
func migrate(pool *pgxpool.Pool) error {
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return goose.Up(db, "migrations")
}

// CreateSession implements [store.Store].
func (s *Store) CreateSession(ctx context.Context, participant string, cfg store.SessionConfig) (*store.Session, error) {
	const q = `
		INSERT INTO sessions (participant, language, subject, level, voice, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at`

	sess := &store.Session{
		Participant: participant,
		Config:      cfg,
		Status:      store.StatusIdle,
	}
	err := s.pool.QueryRow(ctx, q,
		participant, cfg.Language, cfg.Subject, cfg.Level, cfg.Voice, store.StatusIdle,
	).Scan(&sess.ID, &sess.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create session: %w", err)
	}
	return sess, nil
}

// UpdateSession implements [store.Store]. Duration updates are guarded with
// GREATEST so the persisted value never decreases.
func (s *Store) UpdateSession(ctx context.Context, sessionID string, upd store.SessionUpdate) error {
	const q = `
		UPDATE sessions SET
		    status        = COALESCE($2, status),
		    ended_at      = COALESCE($3, ended_at),
		    duration_ns   = GREATEST(duration_ns, COALESCE($4, duration_ns)),
		    message_count = COALESCE($5, message_count),
		    resume_handle = COALESCE($6, resume_handle)
		WHERE id = $1`

	var durNS *int64
	if upd.DurationUsed != nil {
		ns := upd.DurationUsed.Nanoseconds()
		durNS = &ns
	}

	tag, err := s.pool.Exec(ctx, q, sessionID, upd.Status, upd.EndedAt, durNS, upd.MessageCount, upd.ResumeHandle)
	if err != nil {
		return fmt.Errorf("postgres store: update session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrSessionNotFound
	}
	return nil
}

// ResumeSession implements [store.Store]. A session is resumable unless it
// has been moved to the error status.
func (s *Store) ResumeSession(ctx context.Context, sessionID string) (*store.Session, bool, error) {
	const q = `
		SELECT id, participant, language, subject, level, voice, status,
		       created_at, ended_at, duration_ns, message_count, resume_handle
		FROM   sessions
		WHERE  id = $1`

	var (
		sess  store.Session
		durNS int64
	)
	err := s.pool.QueryRow(ctx, q, sessionID).Scan(
		&sess.ID, &sess.Participant,
		&sess.Config.Language, &sess.Config.Subject, &sess.Config.Level, &sess.Config.Voice,
		&sess.Status, &sess.CreatedAt, &sess.EndedAt, &durNS, &sess.MessageCount, &sess.ResumeHandle,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("postgres store: resume session: %w", err)
	}
	sess.DurationUsed = durationFromNS(durNS)

	if sess.Status == store.StatusError {
		return &sess, false, nil
	}
	return &sess, true, nil
}

// AddMessage implements [store.Store].
func (s *Store) AddMessage(ctx context.Context, sessionID string, msg store.NewMessage) (*store.Message, error) {
	return s.insertMessage(ctx, sessionID, msg, nil, 0)
}

// AddMessageWithAudio implements [store.Store]. The WAV payload is stored
// inline and its duration derived from the PCM length.
func (s *Store) AddMessageWithAudio(ctx context.Context, sessionID string, msg store.NewMessage, wav []byte, sampleRate int) (*store.Message, error) {
	return s.insertMessage(ctx, sessionID, msg, wav, sampleRate)
}

// insertMessage allocates the next sequence number and inserts the record in
// one transaction so concurrent writers cannot collide on seq.
func (s *Store) insertMessage(ctx context.Context, sessionID string, msg store.NewMessage, wav []byte, sampleRate int) (*store.Message, error) {
	metaJSON, err := json.Marshal(orEmpty(msg.Metadata))
	if err != nil {
		return nil, fmt.Errorf("postgres store: marshal metadata: %w", err)
	}

	var audioDurNS int64
	if len(wav) > 44 && sampleRate > 0 {
		audioDurNS = audio.Duration(len(wav)-44, sampleRate).Nanoseconds()
	}

	var partNumber *int
	var isPartial, isFinal bool
	if msg.Part != nil {
		partNumber = &msg.Part.PartNumber
		isPartial = msg.Part.IsPartial
		isFinal = msg.Part.IsFinal
	}

	const q = `
		INSERT INTO messages
		    (session_id, seq, role, type, content, audio, audio_rate, audio_dur_ns,
		     processing_ns, part_number, is_partial, is_final, metadata)
		SELECT $1,
		       COALESCE(MAX(seq), 0) + 1,
		       $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12
		FROM   messages WHERE session_id = $1
		RETURNING id, seq, created_at`

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("postgres store: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	out := &store.Message{
		SessionID:      sessionID,
		Role:           msg.Role,
		Type:           msg.Type,
		Content:        msg.Content,
		ProcessingTime: msg.ProcessingTime,
		Part:           msg.Part,
		Metadata:       orEmpty(msg.Metadata),
		AudioDuration:  durationFromNS(audioDurNS),
	}
	err = tx.QueryRow(ctx, q,
		sessionID, msg.Role, msg.Type, msg.Content,
		wav, sampleRate, audioDurNS, msg.ProcessingTime.Nanoseconds(),
		partNumber, isPartial, isFinal, metaJSON,
	).Scan(&out.ID, &out.Seq, &out.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("postgres store: insert message: %w", err)
	}

	const bump = `UPDATE sessions SET message_count = message_count + 1 WHERE id = $1`
	if _, err := tx.Exec(ctx, bump, sessionID); err != nil {
		return nil, fmt.Errorf("postgres store: bump message count: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("postgres store: commit: %w", err)
	}

	if len(wav) > 0 {
		out.AudioURL = fmt.Sprintf("pg://messages/%s/audio", out.ID)
	}
	return out, nil
}

// GetMessages implements [store.Store].
func (s *Store) GetMessages(ctx context.Context, sessionID string) ([]store.Message, error) {
	const q = `
		SELECT id, session_id, seq, role, type, content,
		       (audio IS NOT NULL) AS has_audio, audio_dur_ns, processing_ns,
		       part_number, is_partial, is_final, metadata, created_at
		FROM   messages
		WHERE  session_id = $1
		ORDER  BY seq`

	rows, err := s.pool.Query(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("postgres store: get messages: %w", err)
	}
	msgs, err := collectMessages(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres store: get messages: %w", err)
	}
	return msgs, nil
}

// AttachAnalysis implements [store.Store]. The analysis object is merged into
// the metadata JSONB under the "analysis" key; the embedding replaces any
// previous value.
func (s *Store) AttachAnalysis(ctx context.Context, messageID string, analysis map[string]any, embedding []float32) error {
	analysisJSON, err := json.Marshal(map[string]any{"analysis": analysis})
	if err != nil {
		return fmt.Errorf("postgres store: marshal analysis: %w", err)
	}

	const q = `
		UPDATE messages
		SET    metadata  = metadata || $2::jsonb,
		       embedding = COALESCE($3, embedding)
		WHERE  id = $1`

	var vec *pgvector.Vector
	if len(embedding) > 0 {
		v := pgvector.NewVector(embedding)
		vec = &v
	}

	tag, err := s.pool.Exec(ctx, q, messageID, analysisJSON, vec)
	if err != nil {
		return fmt.Errorf("postgres store: attach analysis: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres store: attach analysis: message %s not found", messageID)
	}
	return nil
}

// SearchMessages implements [store.Store]. With an embedding the search is
// semantic (cosine distance over the pgvector column); without one it falls
// back to full-text matching on the transcript.
func (s *Store) SearchMessages(ctx context.Context, sessionID, query string, embedding []float32, limit int) ([]store.Message, error) {
	if limit <= 0 {
		limit = 20
	}

	var (
		rows pgx.Rows
		err  error
	)
	if len(embedding) > 0 {
		const q = `
			SELECT id, session_id, seq, role, type, content,
			       (audio IS NOT NULL) AS has_audio, audio_dur_ns, processing_ns,
			       part_number, is_partial, is_final, metadata, created_at
			FROM   messages
			WHERE  ($1 = '' OR session_id = $1)
			  AND  embedding IS NOT NULL
			ORDER  BY embedding <=> $2
			LIMIT  $3`
		rows, err = s.pool.Query(ctx, q, sessionID, pgvector.NewVector(embedding), limit)
	} else {
		const q = `
			SELECT id, session_id, seq, role, type, content,
			       (audio IS NOT NULL) AS has_audio, audio_dur_ns, processing_ns,
			       part_number, is_partial, is_final, metadata, created_at
			FROM   messages
			WHERE  ($1 = '' OR session_id = $1)
			  AND  to_tsvector('simple', content) @@ plainto_tsquery('simple', $2)
			ORDER  BY seq
			LIMIT  $3`
		rows, err = s.pool.Query(ctx, q, sessionID, query, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres store: search messages: %w", err)
	}
	msgs, err := collectMessages(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres store: search messages: %w", err)
	}
	return msgs, nil
}

// GetAudio returns the stored WAV payload and sample rate for a message, or
// (nil, 0, nil) when the message has no audio.
func (s *Store) GetAudio(ctx context.Context, messageID string) ([]byte, int, error) {
	const q = `SELECT audio, audio_rate FROM messages WHERE id = $1`

	var (
		wav  []byte
		rate int
	)
	err := s.pool.QueryRow(ctx, q, messageID).Scan(&wav, &rate)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, 0, fmt.Errorf("postgres store: get audio: message %s not found", messageID)
	}
	if err != nil {
		return nil, 0, fmt.Errorf("postgres store: get audio: %w", err)
	}
	return wav, rate, nil
}

// Ping implements [store.Store].
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("postgres store: ping: %w", err)
	}
	return nil
}

// Close implements [store.Store].
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// ── row helpers ───────────────────────────────────────────────────────────────

func collectMessages(rows pgx.Rows) ([]store.Message, error) {
	defer rows.Close()

	var out []store.Message
	for rows.Next() {
		var (
			m            store.Message
			hasAudio     bool
			audioNS      int64
			procNS       int64
			partNumber   *int
			isPartial    bool
			isFinal      bool
			metadataJSON []byte
		)
		if err := rows.Scan(
			&m.ID, &m.SessionID, &m.Seq, &m.Role, &m.Type, &m.Content,
			&hasAudio, &audioNS, &procNS,
			&partNumber, &isPartial, &isFinal, &metadataJSON, &m.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}

		m.AudioDuration = durationFromNS(audioNS)
		m.ProcessingTime = durationFromNS(procNS)
		if hasAudio {
			m.AudioURL = fmt.Sprintf("pg://messages/%s/audio", m.ID)
		}
		if partNumber != nil {
			m.Part = &store.PartInfo{PartNumber: *partNumber, IsPartial: isPartial, IsFinal: isFinal}
		}
		if len(metadataJSON) > 0 {
			if err := json.Unmarshal(metadataJSON, &m.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal metadata: %w", err)
			}
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func durationFromNS(ns int64) time.Duration {
	return time.Duration(ns)
}
