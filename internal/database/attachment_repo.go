package database

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/victorivanov/parley/internal/models"
)

type attachmentRepo struct {
	pool *pgxpool.Pool
}

func NewAttachmentRepository(pool *pgxpool.Pool) AttachmentRepository {
	return &attachmentRepo{pool: pool}
}

const attachmentColumns = `id, uploader_id, message_id, position, file_name, file_type, content_type, size, storage_key, url, created_at`

func scanAttachment(row pgx.Row) (models.Attachment, error) {
	var a models.Attachment
	err := row.Scan(&a.ID, &a.UploaderID, &a.MessageID, &a.Position, &a.FileName, &a.FileType,
		&a.ContentType, &a.Size, &a.StorageKey, &a.URL, &a.CreatedAt)
	return a, err
}

func (r *attachmentRepo) Create(ctx context.Context, a *models.Attachment) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO attachments (id, uploader_id, file_name, file_type, content_type, size, storage_key, url, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		a.ID, a.UploaderID, a.FileName, a.FileType, a.ContentType, a.Size, a.StorageKey, a.URL, a.CreatedAt,
	)
	return err
}

func (r *attachmentRepo) GetByID(ctx context.Context, id int64) (*models.Attachment, error) {
	a, err := scanAttachment(r.pool.QueryRow(ctx,
		`SELECT `+attachmentColumns+` FROM attachments WHERE id = $1`, id,
	))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *attachmentRepo) ListOrphans(ctx context.Context, olderThan time.Time, limit int) ([]models.Attachment, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+attachmentColumns+`
		 FROM attachments
		 WHERE message_id IS NULL AND created_at < $1
		 ORDER BY created_at
		 LIMIT $2`,
		olderThan, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Attachment
	for rows.Next() {
		a, err := scanAttachment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// DeleteOrphan removes the row only if it is still unbound. It reports
// whether a row was deleted.
func (r *attachmentRepo) DeleteOrphan(ctx context.Context, id int64) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM attachments WHERE id = $1 AND message_id IS NULL`, id,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}
