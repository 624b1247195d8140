package service

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/victorivanov/parley/internal/database"
	"github.com/victorivanov/parley/internal/gateway"
	"github.com/victorivanov/parley/internal/models"
	"github.com/victorivanov/parley/internal/snowflake"
)

// ---------------------------------------------------------------------------
// In-memory repositories
// ---------------------------------------------------------------------------

// memAttachments implements database.AttachmentRepository.
type memAttachments struct {
	mu        sync.Mutex
	rows      map[int64]*models.Attachment
	createErr error
}

func newMemAttachments() *memAttachments {
	return &memAttachments{rows: make(map[int64]*models.Attachment)}
}

func (r *memAttachments) Create(_ context.Context, a *models.Attachment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.createErr != nil {
		return r.createErr
	}
	cp := *a
	r.rows[a.ID] = &cp
	return nil
}

func (r *memAttachments) GetByID(_ context.Context, id int64) (*models.Attachment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.rows[id]
	if !ok {
		return nil, nil
	}
	cp := *a
	return &cp, nil
}

func (r *memAttachments) ListOrphans(_ context.Context, olderThan time.Time, limit int) ([]models.Attachment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Attachment
	for _, a := range r.rows {
		if a.MessageID == nil && a.CreatedAt.Before(olderThan) && len(out) < limit {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (r *memAttachments) DeleteOrphan(_ context.Context, id int64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.rows[id]
	if !ok || a.MessageID != nil {
		return false, nil
	}
	delete(r.rows, id)
	return true, nil
}

// memMessages implements database.MessageRepository with the same
// semantics as the Postgres repository.
type memMessages struct {
	mu          sync.Mutex
	rows        []models.Message
	attachments *memAttachments
	profiles    map[int64]models.Identity // joined into RecentReceived
	err         error                     // returned by every call when set
}

func newMemMessages(attachments *memAttachments) *memMessages {
	return &memMessages{attachments: attachments, profiles: make(map[int64]models.Identity)}
}

func (r *memMessages) Append(_ context.Context, msg *models.Message, attachmentIDs []int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}

	r.attachments.mu.Lock()
	defer r.attachments.mu.Unlock()
	for _, id := range attachmentIDs {
		a, ok := r.attachments.rows[id]
		if !ok || a.UploaderID != msg.SenderID || a.MessageID != nil {
			return database.ErrAttachmentUnavailable
		}
	}
	bound := make([]models.Attachment, 0, len(attachmentIDs))
	for pos, id := range attachmentIDs {
		a := r.attachments.rows[id]
		mid := msg.ID
		a.MessageID = &mid
		a.Position = pos
		bound = append(bound, *a)
	}
	msg.Attachments = bound
	msg.Read = false
	r.rows = append(r.rows, *msg)
	return nil
}

func (r *memMessages) GetByID(_ context.Context, id int64) (*models.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.rows {
		if m.ID == id {
			cp := m
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *memMessages) filter(keep func(m models.Message) bool, desc bool, limit int) []models.Message {
	var out []models.Message
	for _, m := range r.rows {
		if keep(m) {
			out = append(out, m)
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

func between(m models.Message, a, b int64) bool {
	return (m.SenderID == a && m.ReceiverID == b) || (m.SenderID == b && m.ReceiverID == a)
}

func (r *memMessages) ListBetween(_ context.Context, a, b int64) ([]models.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	return r.filter(func(m models.Message) bool { return between(m, a, b) }, false, 0), nil
}

func (r *memMessages) MarkRead(_ context.Context, readerID, senderID int64) (database.ReadMark, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var mark database.ReadMark
	if r.err != nil {
		return mark, r.err
	}
	for i := range r.rows {
		m := &r.rows[i]
		if m.ReceiverID == readerID && m.SenderID == senderID && !m.Read {
			m.Read = true
			mark.Count++
			if m.ID > mark.UpTo {
				mark.UpTo = m.ID
			}
		}
	}
	return mark, nil
}

func (r *memMessages) RecentReceived(_ context.Context, userID int64, limit int) ([]database.RecentRow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	var out []database.RecentRow
	for _, m := range r.filter(func(m models.Message) bool { return m.ReceiverID == userID }, true, limit) {
		p := r.profiles[m.SenderID]
		out = append(out, database.RecentRow{Message: m, SenderDisplayName: p.DisplayName, SenderAvatarRef: p.AvatarRef})
	}
	return out, nil
}

func (r *memMessages) UnreadCount(_ context.Context, userID int64) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, m := range r.rows {
		if m.ReceiverID == userID && !m.Read {
			n++
		}
	}
	return n, r.err
}

func (r *memMessages) Window(_ context.Context, f database.WindowFilter) ([]models.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	return r.filter(func(m models.Message) bool {
		if f.Counterpart != nil {
			if !between(m, f.UserID, *f.Counterpart) {
				return false
			}
		} else if m.SenderID != f.UserID && m.ReceiverID != f.UserID {
			return false
		}
		return f.Before == nil || m.ID < *f.Before
	}, true, f.Limit), nil
}

// mockConversationRepo implements database.ConversationRepository.
type mockConversationRepo struct {
	ConversationsForFn func(ctx context.Context, userID int64) ([]database.ConversationRow, error)
}

func (m *mockConversationRepo) ConversationsFor(ctx context.Context, userID int64) ([]database.ConversationRow, error) {
	if m.ConversationsForFn != nil {
		return m.ConversationsForFn(ctx, userID)
	}
	return nil, nil
}

// mockUserRepo implements database.UserRepository.
type mockUserRepo struct {
	GetByIDFn       func(ctx context.Context, id int64) (*models.User, error)
	GetByUsernameFn func(ctx context.Context, username string) (*models.User, error)
}

func (m *mockUserRepo) Create(context.Context, *models.User) error { return nil }
func (m *mockUserRepo) Delete(context.Context, int64) error        { return nil }
func (m *mockUserRepo) GetByID(ctx context.Context, id int64) (*models.User, error) {
	if m.GetByIDFn != nil {
		return m.GetByIDFn(ctx, id)
	}
	return nil, nil
}
func (m *mockUserRepo) GetByUsername(ctx context.Context, username string) (*models.User, error) {
	if m.GetByUsernameFn != nil {
		return m.GetByUsernameFn(ctx, username)
	}
	return nil, nil
}

// ---------------------------------------------------------------------------
// Gateway and storage fakes
// ---------------------------------------------------------------------------

type dispatched struct {
	UserID int64
	Event  gateway.ServerEvent
}

// recordingDispatcher implements gateway.Dispatcher and records every push.
type recordingDispatcher struct {
	mu     sync.Mutex
	events []dispatched
	joined map[int64]bool
	err    error
}

func newRecordingDispatcher(joined ...int64) *recordingDispatcher {
	d := &recordingDispatcher{joined: make(map[int64]bool)}
	for _, id := range joined {
		d.joined[id] = true
	}
	return d
}

func (d *recordingDispatcher) DispatchToUser(_ context.Context, userID int64, ev gateway.ServerEvent) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return 0, d.err
	}
	d.events = append(d.events, dispatched{UserID: userID, Event: ev})
	if d.joined[userID] {
		return 1, nil
	}
	return 0, nil
}

func (d *recordingDispatcher) Joined(_ context.Context, userID int64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.joined[userID]
}

func (d *recordingDispatcher) snapshot() []dispatched {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]dispatched(nil), d.events...)
}

// named returns the pushes of one event kind.
func (d *recordingDispatcher) named(name string) []dispatched {
	var out []dispatched
	for _, e := range d.snapshot() {
		if e.Event.EventName() == name {
			out = append(out, e)
		}
	}
	return out
}

// fakeStorage implements FileStorage in memory.
type fakeStorage struct {
	mu        sync.Mutex
	objects   map[string][]byte
	uploadErr error
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{objects: make(map[string][]byte)}
}

func (s *fakeStorage) Upload(ctx context.Context, key string, r io.Reader, size int64, _ string) error {
	if s.uploadErr != nil {
		return s.uploadErr
	}
	var buf bytes.Buffer
	n, err := io.Copy(&buf, r)
	if err != nil {
		return err
	}
	if n != size {
		return errors.New("size mismatch")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = buf.Bytes()
	return nil
}

func (s *fakeStorage) GetURL(key string) string { return "http://objects.test/" + key }

func (s *fakeStorage) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, key)
	return nil
}

func (s *fakeStorage) has(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.objects[key]
	return ok
}

// ---------------------------------------------------------------------------
// Fixtures
// ---------------------------------------------------------------------------

func newTestGenerator(t *testing.T) *snowflake.Generator {
	t.Helper()
	g, err := snowflake.NewGenerator(1)
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}
	return g
}

type messageFixture struct {
	svc         *MessageService
	messages    *memMessages
	attachments *memAttachments
	gw          *recordingDispatcher
}

func newMessageFixture(t *testing.T, opts MessageOptions, joined ...int64) *messageFixture {
	t.Helper()
	attachments := newMemAttachments()
	messages := newMemMessages(attachments)
	gw := newRecordingDispatcher(joined...)
	svc := NewMessageService(messages, &mockConversationRepo{}, newTestGenerator(t), gw, opts)
	t.Cleanup(svc.Close)
	return &messageFixture{svc: svc, messages: messages, attachments: attachments, gw: gw}
}

func (f *messageFixture) addAttachment(uploaderID, id int64) {
	f.attachments.rows[id] = &models.Attachment{
		ID:         id,
		UploaderID: uploaderID,
		FileName:   "photo.png",
		FileType:   models.FileTypeImage,
		Size:       10,
		CreatedAt:  time.Now(),
	}
}
