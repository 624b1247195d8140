// Package dbtest provides in-memory repositories with the same semantics as
// the Postgres ones, for tests that drive the real services end to end.
package dbtest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/victorivanov/parley/internal/database"
	"github.com/victorivanov/parley/internal/models"
)

// Store holds users, messages and attachments in memory.
type Store struct {
	mu          sync.Mutex
	users       map[int64]models.User
	messages    []models.Message
	attachments map[int64]*models.Attachment
}

func New() *Store {
	return &Store{
		users:       make(map[int64]models.User),
		attachments: make(map[int64]*models.Attachment),
	}
}

func (s *Store) Users() database.UserRepository                 { return userRepo{s} }
func (s *Store) Messages() database.MessageRepository           { return messageRepo{s} }
func (s *Store) Conversations() database.ConversationRepository { return conversationRepo{s} }
func (s *Store) Attachments() database.AttachmentRepository     { return attachmentRepo{s} }

// selectMessages returns copies of the matching messages ordered by id.
// Callers hold s.mu.
func (s *Store) selectMessages(keep func(*models.Message) bool, desc bool, limit int) []models.Message {
	var out []models.Message
	for i := range s.messages {
		if keep(&s.messages[i]) {
			out = append(out, s.copyMessage(s.messages[i]))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if desc {
			return out[i].ID > out[j].ID
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (s *Store) copyMessage(m models.Message) models.Message {
	m.Attachments = append([]models.Attachment{}, m.Attachments...)
	return m
}

func between(m *models.Message, a, b int64) bool {
	return (m.SenderID == a && m.ReceiverID == b) || (m.SenderID == b && m.ReceiverID == a)
}

type userRepo struct{ s *Store }

func (r userRepo) Create(_ context.Context, u *models.User) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.users {
		if existing.ID == u.ID || existing.Username == u.Username {
			return fmt.Errorf("user %d (%s) already exists", u.ID, u.Username)
		}
	}
	s.users[u.ID] = *u
	return nil
}

func (r userRepo) GetByID(_ context.Context, id int64) (*models.User, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, nil
	}
	return &u, nil
}

func (r userRepo) GetByUsername(_ context.Context, username string) (*models.User, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Username == username {
			return &u, nil
		}
	}
	return nil, nil
}

func (r userRepo) Delete(_ context.Context, id int64) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.users, id)
	return nil
}

type messageRepo struct{ s *Store }

func (r messageRepo) Append(_ context.Context, msg *models.Message, attachmentIDs []int64) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()

	// Check every reference before binding any, like the transaction does.
	for _, id := range attachmentIDs {
		a, ok := s.attachments[id]
		if !ok || a.UploaderID != msg.SenderID || a.MessageID != nil {
			return fmt.Errorf("binding attachment %d: %w", id, database.ErrAttachmentUnavailable)
		}
	}

	bound := make([]models.Attachment, 0, len(attachmentIDs))
	for pos, id := range attachmentIDs {
		a := s.attachments[id]
		msgID := msg.ID
		a.MessageID = &msgID
		a.Position = pos
		bound = append(bound, *a)
	}
	msg.Attachments = bound
	msg.Read = false
	s.messages = append(s.messages, s.copyMessage(*msg))
	return nil
}

func (r messageRepo) GetByID(_ context.Context, id int64) (*models.Message, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.messages {
		if m.ID == id {
			cp := s.copyMessage(m)
			return &cp, nil
		}
	}
	return nil, nil
}

func (r messageRepo) ListBetween(_ context.Context, a, b int64) ([]models.Message, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selectMessages(func(m *models.Message) bool { return between(m, a, b) }, false, 0), nil
}

func (r messageRepo) MarkRead(_ context.Context, readerID, senderID int64) (database.ReadMark, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	var mark database.ReadMark
	for i := range s.messages {
		m := &s.messages[i]
		if m.ReceiverID == readerID && m.SenderID == senderID && !m.Read {
			m.Read = true
			mark.Count++
			mark.UpTo = max(mark.UpTo, m.ID)
		}
	}
	return mark, nil
}

func (r messageRepo) RecentReceived(_ context.Context, userID int64, limit int) ([]database.RecentRow, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.selectMessages(func(m *models.Message) bool { return m.ReceiverID == userID }, true, limit)
	out := make([]database.RecentRow, len(msgs))
	for i, m := range msgs {
		u := s.users[m.SenderID]
		out[i] = database.RecentRow{Message: m, SenderDisplayName: u.DisplayName, SenderAvatarRef: u.AvatarRef}
	}
	return out, nil
}

func (r messageRepo) UnreadCount(_ context.Context, userID int64) (int, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.messages {
		if m.ReceiverID == userID && !m.Read {
			n++
		}
	}
	return n, nil
}

func (r messageRepo) Window(_ context.Context, f database.WindowFilter) ([]models.Message, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selectMessages(func(m *models.Message) bool {
		if m.SenderID != f.UserID && m.ReceiverID != f.UserID {
			return false
		}
		if f.Counterpart != nil && !between(m, f.UserID, *f.Counterpart) {
			return false
		}
		return f.Before == nil || m.ID < *f.Before
	}, true, f.Limit), nil
}

type conversationRepo struct{ s *Store }

func (r conversationRepo) ConversationsFor(_ context.Context, userID int64) ([]database.ConversationRow, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()

	rows := make(map[int64]*database.ConversationRow)
	for i := range s.messages {
		m := &s.messages[i]
		if m.SenderID != userID && m.ReceiverID != userID {
			continue
		}
		cp := m.Counterpart(userID)
		row, ok := rows[cp]
		if !ok {
			u := s.users[cp]
			row = &database.ConversationRow{CounterpartID: cp, DisplayName: u.DisplayName, AvatarRef: u.AvatarRef}
			rows[cp] = row
		}
		if m.ID > row.LastMessageID {
			row.LastMessageID = m.ID
			row.LastContent = m.Content
			row.LastActivity = m.CreatedAt
			row.HasAttachments = len(m.Attachments) > 0
		}
		if m.ReceiverID == userID && !m.Read {
			row.UnreadCount++
		}
	}

	out := make([]database.ConversationRow, 0, len(rows))
	for _, row := range rows {
		out = append(out, *row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastMessageID > out[j].LastMessageID })
	return out, nil
}

type attachmentRepo struct{ s *Store }

func (r attachmentRepo) Create(_ context.Context, a *models.Attachment) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.attachments[a.ID]; ok {
		return fmt.Errorf("attachment %d already exists", a.ID)
	}
	cp := *a
	s.attachments[a.ID] = &cp
	return nil
}

func (r attachmentRepo) GetByID(_ context.Context, id int64) (*models.Attachment, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.attachments[id]
	if !ok {
		return nil, nil
	}
	cp := *a
	return &cp, nil
}

func (r attachmentRepo) ListOrphans(_ context.Context, olderThan time.Time, limit int) ([]models.Attachment, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Attachment
	for _, a := range s.attachments {
		if a.MessageID == nil && a.CreatedAt.Before(olderThan) {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r attachmentRepo) DeleteOrphan(_ context.Context, id int64) (bool, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.attachments[id]
	if !ok || a.MessageID != nil {
		return false, nil
	}
	delete(s.attachments, id)
	return true, nil
}
