package voicememory

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/MrWong99/mangavox/pkg/voice"
)

// Schema is the SQL DDL for the character_voices table. Execute it via
// [PostgresRemote.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS character_voices (
    user_id        TEXT NOT NULL,
    manga_title    TEXT NOT NULL,
    character_name TEXT NOT NULL,
    voice_id       TEXT NOT NULL,
    personality    TEXT NOT NULL DEFAULT 'other',
    updated_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
    UNIQUE (user_id, manga_title, character_name)
);
CREATE INDEX IF NOT EXISTS idx_character_voices_user_title ON character_voices(user_id, manga_title);
`

// DB is the database interface used by [PostgresRemote]. Both *pgxpool.Pool
// and *pgx.Conn satisfy this interface.
type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresRemote is a [Remote] backed by a PostgreSQL database.
type PostgresRemote struct {
	db DB
}

var _ Remote = (*PostgresRemote)(nil)

// NewPostgresRemote creates a [PostgresRemote] on the given connection or
// pool. The caller is responsible for calling [PostgresRemote.Migrate].
func NewPostgresRemote(db DB) *PostgresRemote {
	return &PostgresRemote{db: db}
}

// Migrate executes the [Schema] DDL against the database.
func (r *PostgresRemote) Migrate(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("voicememory: migrate: %w", err)
	}
	return nil
}

// Upsert implements [Remote]. A zero p.Timestamp is stored as the current
// database time.
func (r *PostgresRemote) Upsert(ctx context.Context, userID string, p voice.Profile) error {
	const query = `
		INSERT INTO character_voices (
			user_id, manga_title, character_name, voice_id, personality, updated_at
		) VALUES ($1, $2, $3, $4, $5, COALESCE($6, now()))
		ON CONFLICT (user_id, manga_title, character_name) DO UPDATE SET
			voice_id    = EXCLUDED.voice_id,
			personality = EXCLUDED.personality,
			updated_at  = EXCLUDED.updated_at`

	var ts *time.Time
	if !p.Timestamp.IsZero() {
		t := p.Timestamp.UTC()
		ts = &t
	}
	personality := p.Personality
	if !personality.IsValid() {
		personality = voice.PersonalityOther
	}

	_, err := r.db.Exec(ctx, query,
		userID, p.MangaTitle, voice.Normalize(p.CharacterName), p.VoiceID, string(personality), ts,
	)
	if err != nil {
		return fmt.Errorf("voicememory: upsert %q: %w", p.CharacterName, err)
	}
	return nil
}

// List implements [Remote]. Rows are returned oldest first so that a merge
// applying them in order ends with the newest write.
func (r *PostgresRemote) List(ctx context.Context, userID, mangaTitle string) ([]voice.Profile, error) {
	const query = `
		SELECT character_name, voice_id, personality, manga_title, updated_at
		FROM character_voices
		WHERE user_id = $1 AND manga_title = $2
		ORDER BY updated_at, character_name`

	rows, err := r.db.Query(ctx, query, userID, mangaTitle)
	if err != nil {
		return nil, fmt.Errorf("voicememory: list: %w", err)
	}
	defer rows.Close()

	var out []voice.Profile
	for rows.Next() {
		var (
			p           voice.Profile
			personality string
		)
		if err := rows.Scan(&p.CharacterName, &p.VoiceID, &personality, &p.MangaTitle, &p.Timestamp); err != nil {
			return nil, fmt.Errorf("voicememory: list: scan: %w", err)
		}
		p.CharacterName = voice.Normalize(p.CharacterName)
		p.Personality, _ = voice.ParsePersonality(personality)
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("voicememory: list: %w", err)
	}
	return out, nil
}
