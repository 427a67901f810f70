package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"voxscribe/internal/models"
)

// TranscriptRepository persists transcription results per user.
type TranscriptRepository struct {
	db     *sql.DB
	driver string
	now    func() time.Time
}

func NewTranscriptRepository(db *sql.DB, driver string) *TranscriptRepository {
	return &TranscriptRepository{db: db, driver: NormalizeDriver(driver), now: time.Now}
}

// Insert stores one transcript and returns its id.
func (r *TranscriptRepository) Insert(ctx context.Context, userID, filename, transcript string) (int64, error) {
	if userID == "" {
		return 0, errors.New("user id required")
	}
	createdAt := r.now().UTC()
	query := `INSERT INTO transcriptions (user_id, filename, transcript, created_at) VALUES (?, ?, ?, ?)`

	if r.driver == DriverPostgres {
		var id int64
		err := r.db.QueryRowContext(ctx, r.rebind(query+` RETURNING id`), userID, filename, transcript, createdAt).Scan(&id)
		if err != nil {
			return 0, fmt.Errorf("insert transcript: %w", err)
		}
		return id, nil
	}

	res, err := r.db.ExecContext(ctx, query, userID, filename, transcript, createdAt)
	if err != nil {
		return 0, fmt.Errorf("insert transcript: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert transcript id: %w", err)
	}
	return id, nil
}

// ListByUser returns the user's transcripts, newest first.
func (r *TranscriptRepository) ListByUser(ctx context.Context, userID string) ([]models.TranscriptRecord, error) {
	rows, err := r.db.QueryContext(ctx, r.rebind(`SELECT id, user_id, filename, transcript, created_at
		FROM transcriptions WHERE user_id = ? ORDER BY created_at DESC, id DESC`), userID)
	if err != nil {
		return nil, fmt.Errorf("list transcripts: %w", err)
	}
	defer rows.Close()

	records := make([]models.TranscriptRecord, 0)
	for rows.Next() {
		var rec models.TranscriptRecord
		if err := rows.Scan(&rec.ID, &rec.UserID, &rec.Filename, &rec.Transcript, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transcript: %w", err)
		}
		rec.CreatedAt = rec.CreatedAt.UTC()
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list transcripts: %w", err)
	}
	return records, nil
}

// rebind rewrites ? placeholders to $n for postgres.
func (r *TranscriptRepository) rebind(query string) string {
	if r.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, ch := range query {
		if ch == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(ch)
	}
	return b.String()
}
