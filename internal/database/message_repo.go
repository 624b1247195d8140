package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/victorivanov/parley/internal/models"
)

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

type messageRepo struct {
	pool *pgxpool.Pool
}

func NewMessageRepository(pool *pgxpool.Pool) MessageRepository {
	return &messageRepo{pool: pool}
}

const messageColumns = `id, sender_id, receiver_id, content, created_at, read`

func scanMessage(row pgx.Row, m *models.Message) error {
	return row.Scan(&m.ID, &m.SenderID, &m.ReceiverID, &m.Content, &m.CreatedAt, &m.Read)
}

func (r *messageRepo) Append(ctx context.Context, msg *models.Message, attachmentIDs []int64) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO messages (id, sender_id, receiver_id, content, created_at, read)
		 VALUES ($1, $2, $3, $4, $5, FALSE)`,
		msg.ID, msg.SenderID, msg.ReceiverID, msg.Content, msg.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}

	attachments := make([]models.Attachment, 0, len(attachmentIDs))
	for pos, id := range attachmentIDs {
		var a models.Attachment
		err := tx.QueryRow(ctx,
			`UPDATE attachments SET message_id = $1, position = $2
			 WHERE id = $3 AND uploader_id = $4 AND message_id IS NULL
			 RETURNING id, uploader_id, file_name, file_type, content_type, size, storage_key, url, created_at`,
			msg.ID, pos, id, msg.SenderID,
		).Scan(&a.ID, &a.UploaderID, &a.FileName, &a.FileType, &a.ContentType, &a.Size, &a.StorageKey, &a.URL, &a.CreatedAt)
		if err == pgx.ErrNoRows {
			return fmt.Errorf("binding attachment %d: %w", id, ErrAttachmentUnavailable)
		}
		if err != nil {
			return fmt.Errorf("binding attachment %d: %w", id, err)
		}
		a.MessageID = &msg.ID
		a.Position = pos
		attachments = append(attachments, a)
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}
	msg.Attachments = attachments
	msg.Read = false
	return nil
}

func (r *messageRepo) GetByID(ctx context.Context, id int64) (*models.Message, error) {
	m := &models.Message{}
	err := scanMessage(r.pool.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE id = $1`, id,
	), m)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	msgs := []models.Message{*m}
	if err := loadAttachments(ctx, r.pool, msgs); err != nil {
		return nil, err
	}
	return &msgs[0], nil
}

func (r *messageRepo) ListBetween(ctx context.Context, userA, userB int64) ([]models.Message, error) {
	return r.query(ctx,
		`SELECT `+messageColumns+`
		 FROM messages
		 WHERE (sender_id = $1 AND receiver_id = $2) OR (sender_id = $2 AND receiver_id = $1)
		 ORDER BY id ASC`,
		userA, userB,
	)
}

func (r *messageRepo) MarkRead(ctx context.Context, readerID, senderID int64) (ReadMark, error) {
	var mark ReadMark
	err := r.pool.QueryRow(ctx,
		`WITH flipped AS (
		     UPDATE messages SET read = TRUE
		     WHERE receiver_id = $1 AND sender_id = $2 AND read = FALSE
		     RETURNING id
		 )
		 SELECT COUNT(*), COALESCE(MAX(id), 0) FROM flipped`,
		readerID, senderID,
	).Scan(&mark.Count, &mark.UpTo)
	return mark, err
}

func (r *messageRepo) RecentReceived(ctx context.Context, userID int64, limit int) ([]RecentRow, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT m.id, m.sender_id, m.receiver_id, m.content, m.created_at, m.read,
		        COALESCE(u.display_name, ''), u.avatar_ref
		 FROM messages m
		 LEFT JOIN users u ON u.id = m.sender_id
		 WHERE m.receiver_id = $1
		 ORDER BY m.id DESC
		 LIMIT $2`,
		userID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RecentRow
	for rows.Next() {
		var rr RecentRow
		m := &rr.Message
		if err := rows.Scan(&m.ID, &m.SenderID, &m.ReceiverID, &m.Content, &m.CreatedAt, &m.Read,
			&rr.SenderDisplayName, &rr.SenderAvatarRef); err != nil {
			return nil, err
		}
		out = append(out, rr)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	msgs := make([]models.Message, len(out))
	for i := range out {
		msgs[i] = out[i].Message
	}
	if err := loadAttachments(ctx, r.pool, msgs); err != nil {
		return nil, err
	}
	for i := range out {
		out[i].Message = msgs[i]
	}
	return out, nil
}

func (r *messageRepo) UnreadCount(ctx context.Context, userID int64) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM messages WHERE receiver_id = $1 AND read = FALSE`, userID,
	).Scan(&n)
	return n, err
}

func (r *messageRepo) Window(ctx context.Context, f WindowFilter) ([]models.Message, error) {
	return r.query(ctx,
		`SELECT `+messageColumns+`
		 FROM messages
		 WHERE (sender_id = $1 OR receiver_id = $1)
		   AND ($2::BIGINT IS NULL OR sender_id = $2 OR receiver_id = $2)
		   AND ($3::BIGINT IS NULL OR id < $3)
		 ORDER BY id DESC
		 LIMIT $4`,
		f.UserID, f.Counterpart, f.Before, f.Limit,
	)
}

func (r *messageRepo) query(ctx context.Context, sql string, args ...any) ([]models.Message, error) {
	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []models.Message
	for rows.Next() {
		var m models.Message
		if err := scanMessage(rows, &m); err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := loadAttachments(ctx, r.pool, messages); err != nil {
		return nil, err
	}
	return messages, nil
}

// loadAttachments fills Attachments on every message with one query.
func loadAttachments(ctx context.Context, q querier, msgs []models.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	ids := make([]int64, len(msgs))
	index := make(map[int64]int, len(msgs))
	for i := range msgs {
		ids[i] = msgs[i].ID
		index[msgs[i].ID] = i
		msgs[i].Attachments = []models.Attachment{}
	}

	rows, err := q.Query(ctx,
		`SELECT id, uploader_id, message_id, position, file_name, file_type, content_type, size, storage_key, url, created_at
		 FROM attachments
		 WHERE message_id = ANY($1)
		 ORDER BY message_id, position`, ids,
	)
	if err != nil {
		return fmt.Errorf("loading attachments: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		a, err := scanAttachment(rows)
		if err != nil {
			return err
		}
		i := index[*a.MessageID]
		msgs[i].Attachments = append(msgs[i].Attachments, a)
	}
	return rows.Err()
}
