package database

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

type conversationRepo struct {
	pool *pgxpool.Pool
}

func NewConversationRepository(pool *pgxpool.Pool) ConversationRepository {
	return &conversationRepo{pool: pool}
}

// ConversationsFor derives the conversation index from the message log; a
// pair with no messages never appears.
func (r *conversationRepo) ConversationsFor(ctx context.Context, userID int64) ([]ConversationRow, error) {
	rows, err := r.pool.Query(ctx,
		`WITH mine AS (
		     SELECT CASE WHEN sender_id = $1 THEN receiver_id ELSE sender_id END AS counterpart_id,
		            id, content, created_at, receiver_id, read
		     FROM messages
		     WHERE sender_id = $1 OR receiver_id = $1
		 ), latest AS (
		     SELECT DISTINCT ON (counterpart_id) counterpart_id, id, content, created_at
		     FROM mine
		     ORDER BY counterpart_id, id DESC
		 ), unread AS (
		     SELECT counterpart_id, COUNT(*) AS n
		     FROM mine
		     WHERE receiver_id = $1 AND NOT read
		     GROUP BY counterpart_id
		 )
		 SELECT l.counterpart_id, COALESCE(u.display_name, ''), u.avatar_ref,
		        l.id, l.content, l.created_at, COALESCE(un.n, 0),
		        EXISTS (SELECT 1 FROM attachments a WHERE a.message_id = l.id)
		 FROM latest l
		 LEFT JOIN users u ON u.id = l.counterpart_id
		 LEFT JOIN unread un ON un.counterpart_id = l.counterpart_id
		 ORDER BY l.id DESC`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ConversationRow
	for rows.Next() {
		var c ConversationRow
		if err := rows.Scan(&c.CounterpartID, &c.DisplayName, &c.AvatarRef,
			&c.LastMessageID, &c.LastContent, &c.LastActivity, &c.UnreadCount, &c.HasAttachments); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
