package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/victorivanov/parley/internal/database"
	"github.com/victorivanov/parley/internal/gateway"
	"github.com/victorivanov/parley/internal/models"
)

const (
	alice int64 = 1001
	bob   int64 = 1002
	carol int64 = 1003
)

func TestSend_EmptyMessageRejected(t *testing.T) {
	f := newMessageFixture(t, MessageOptions{}, alice, bob)

	for _, content := range []string{"", "   \n\t"} {
		_, err := f.svc.Send(context.Background(), SendInput{SenderID: alice, ReceiverID: bob, Content: content})
		if !errors.Is(err, ErrValidation) {
			t.Fatalf("content %q: err = %v, want ErrValidation", content, err)
		}
		if Code(err) != "EMPTY_MESSAGE" {
			t.Errorf("code = %q, want EMPTY_MESSAGE", Code(err))
		}
	}

	msgs, _ := f.messages.ListBetween(context.Background(), alice, bob)
	if len(msgs) != 0 {
		t.Fatalf("stored %d messages after rejected sends", len(msgs))
	}
	if evs := f.gw.snapshot(); len(evs) != 0 {
		t.Fatalf("rejected send pushed %d events", len(evs))
	}
}

func TestSend_Validation(t *testing.T) {
	f := newMessageFixture(t, MessageOptions{})

	tests := []struct {
		name string
		in   SendInput
		code string
	}{
		{"self conversation", SendInput{SenderID: alice, ReceiverID: alice, Content: "me"}, "SELF_CONVERSATION"},
		{"missing receiver", SendInput{SenderID: alice, Content: "hi"}, "INVALID_USER"},
		{"too long", SendInput{SenderID: alice, ReceiverID: bob, Content: strings.Repeat("é", maxContentRunes+1)}, "CONTENT_TOO_LONG"},
		{"too many attachments", SendInput{SenderID: alice, ReceiverID: bob, AttachmentIDs: []int64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11}}, "TOO_MANY_ATTACHMENTS"},
		{"duplicate attachment", SendInput{SenderID: alice, ReceiverID: bob, AttachmentIDs: []int64{5, 5}}, "INVALID_ATTACHMENT"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Send(context.Background(), tt.in)
			if !errors.Is(err, ErrValidation) {
				t.Fatalf("err = %v, want ErrValidation", err)
			}
			if Code(err) != tt.code {
				t.Errorf("code = %q, want %q", Code(err), tt.code)
			}
		})
	}
}

func TestSend_MaxLengthAccepted(t *testing.T) {
	f := newMessageFixture(t, MessageOptions{})

	_, err := f.svc.Send(context.Background(), SendInput{SenderID: alice, ReceiverID: bob, Content: strings.Repeat("é", maxContentRunes)})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
}

func TestSend_PushesToSenderAndReceiverRooms(t *testing.T) {
	f := newMessageFixture(t, MessageOptions{}, alice, bob)

	msg, err := f.svc.Send(context.Background(), SendInput{SenderID: alice, ReceiverID: bob, Content: "  hello  ", Nonce: "n-1"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if msg.Content != "hello" {
		t.Errorf("Content = %q, want trimmed", msg.Content)
	}
	if msg.Read {
		t.Error("new message must be unread")
	}
	if msg.CreatedAt.IsZero() {
		t.Error("CreatedAt not set")
	}

	sent := f.gw.named(gateway.EventMessageSent)
	if len(sent) != 1 || sent[0].UserID != alice {
		t.Fatalf("message_sent pushes = %+v", sent)
	}
	ms := sent[0].Event.(gateway.MessageSent)
	if ms.Nonce != "n-1" || ms.Message.ID != msg.ID {
		t.Errorf("message_sent = %+v", ms)
	}

	pushed := f.gw.named(gateway.EventNewMessage)
	if len(pushed) != 1 || pushed[0].UserID != bob {
		t.Fatalf("new_message pushes = %+v", pushed)
	}
	if pushed[0].Event.(gateway.NewMessage).Message.ID != msg.ID {
		t.Error("new_message carries a different message_id")
	}
}

func TestSend_AttachmentsOnly(t *testing.T) {
	f := newMessageFixture(t, MessageOptions{})
	f.addAttachment(alice, 501)
	f.addAttachment(alice, 502)

	msg, err := f.svc.Send(context.Background(), SendInput{SenderID: alice, ReceiverID: bob, AttachmentIDs: []int64{502, 501}})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(msg.Attachments) != 2 || msg.Attachments[0].ID != 502 {
		t.Fatalf("attachments = %+v", msg.Attachments)
	}
}

func TestSend_ForeignAttachmentRejected(t *testing.T) {
	f := newMessageFixture(t, MessageOptions{}, alice, bob)
	f.addAttachment(bob, 601)

	_, err := f.svc.Send(context.Background(), SendInput{SenderID: alice, ReceiverID: bob, Content: "look", AttachmentIDs: []int64{601}})
	if !errors.Is(err, ErrValidation) || Code(err) != "INVALID_ATTACHMENT" {
		t.Fatalf("err = %v (%s), want INVALID_ATTACHMENT", err, Code(err))
	}
	if len(f.gw.snapshot()) != 0 {
		t.Error("failed send must not push")
	}
}

func TestSend_StorageUnavailable(t *testing.T) {
	f := newMessageFixture(t, MessageOptions{}, alice, bob)
	f.messages.err = errors.New("connection reset by peer")

	_, err := f.svc.Send(context.Background(), SendInput{SenderID: alice, ReceiverID: bob, Content: "hi"})
	if !errors.Is(err, ErrStorageUnavailable) {
		t.Fatalf("err = %v, want ErrStorageUnavailable", err)
	}
	if strings.Contains(err.Error(), "reset") {
		t.Error("store error details leaked to caller")
	}
	if len(f.gw.snapshot()) != 0 {
		t.Error("failed send must not push")
	}
}

func TestSend_PushFailureStillSucceeds(t *testing.T) {
	f := newMessageFixture(t, MessageOptions{})
	f.gw.err = errors.New("redis down")

	msg, err := f.svc.Send(context.Background(), SendInput{SenderID: alice, ReceiverID: bob, Content: "durable"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	stored, _ := f.messages.GetByID(context.Background(), msg.ID)
	if stored == nil {
		t.Fatal("message must be durable even when the push fails")
	}
}

func TestSendFallback_PersistsWithoutPush(t *testing.T) {
	f := newMessageFixture(t, MessageOptions{}, alice, bob)
	f.addAttachment(alice, 700)

	viaFallback, err := f.svc.SendFallback(context.Background(), SendInput{SenderID: alice, ReceiverID: bob, Content: "offline", AttachmentIDs: []int64{700}})
	if err != nil {
		t.Fatalf("SendFallback: %v", err)
	}
	if len(f.gw.snapshot()) != 0 {
		t.Fatal("fallback send must not push")
	}

	viaGateway, err := f.svc.Send(context.Background(), SendInput{SenderID: bob, ReceiverID: alice, Content: "online"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	history, err := f.svc.History(context.Background(), bob, alice)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("history has %d messages, want 2", len(history))
	}
	got := history[0]
	if got.ID != viaFallback.ID || got.Content != "offline" || len(got.Attachments) != 1 || got.Attachments[0].ID != 700 {
		t.Errorf("fallback message in history = %+v", got)
	}
	if history[1].ID != viaGateway.ID {
		t.Error("history order does not follow send order")
	}
}

func TestHistory_AscendingUnderConcurrentSends(t *testing.T) {
	f := newMessageFixture(t, MessageOptions{})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			from, to := alice, bob
			if i%2 == 1 {
				from, to = bob, alice
			}
			if _, err := f.svc.Send(context.Background(), SendInput{SenderID: from, ReceiverID: to, Content: "x"}); err != nil {
				t.Errorf("Send: %v", err)
			}
		}(i)
	}
	wg.Wait()

	history, err := f.svc.History(context.Background(), alice, bob)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 50 {
		t.Fatalf("history has %d messages, want 50", len(history))
	}
	for i := 1; i < len(history); i++ {
		prev, cur := history[i-1], history[i]
		if prev.ID >= cur.ID || cur.CreatedAt.Before(prev.CreatedAt) {
			t.Fatalf("history out of order at %d: %d/%v then %d/%v", i, prev.ID, prev.CreatedAt, cur.ID, cur.CreatedAt)
		}
	}

	// Append order in the store matches id order.
	for i := 1; i < len(f.messages.rows); i++ {
		if f.messages.rows[i-1].ID >= f.messages.rows[i].ID {
			t.Fatal("ids were not drawn in append order")
		}
	}
}

func TestHistory_EmptyIsNotNil(t *testing.T) {
	f := newMessageFixture(t, MessageOptions{})

	history, err := f.svc.History(context.Background(), alice, carol)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if history == nil || len(history) != 0 {
		t.Errorf("history = %v, want empty slice", history)
	}
}

func TestMarkRead_EmitsOnceWhenRepeated(t *testing.T) {
	f := newMessageFixture(t, MessageOptions{}, alice, bob)
	ctx := context.Background()

	var last int64
	for i := 0; i < 3; i++ {
		m, err := f.svc.Send(ctx, SendInput{SenderID: alice, ReceiverID: bob, Content: "ping"})
		if err != nil {
			t.Fatal(err)
		}
		last = m.ID
	}

	n, err := f.svc.MarkRead(ctx, bob, alice)
	if err != nil || n != 3 {
		t.Fatalf("first MarkRead = %d, %v", n, err)
	}
	n, err = f.svc.MarkRead(ctx, bob, alice)
	if err != nil || n != 0 {
		t.Fatalf("second MarkRead = %d, %v", n, err)
	}

	reads := f.gw.named(gateway.EventMessagesRead)
	if len(reads) != 1 {
		t.Fatalf("messages_read emitted %d times, want 1", len(reads))
	}
	ev := reads[0].Event.(gateway.MessagesRead)
	if reads[0].UserID != alice || ev.ReaderID != bob || ev.Count != 3 || ev.UpTo != last {
		t.Errorf("messages_read = %+v to %d, want 3 up to %d", ev, reads[0].UserID, last)
	}
}

func TestMarkRead_ConcurrentCallsEmitOnce(t *testing.T) {
	f := newMessageFixture(t, MessageOptions{}, alice, bob)
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		_, _ = f.svc.Send(ctx, SendInput{SenderID: alice, ReceiverID: bob, Content: "m"})
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = f.svc.MarkRead(ctx, bob, alice)
		}()
	}
	wg.Wait()

	reads := f.gw.named(gateway.EventMessagesRead)
	if len(reads) != 1 || reads[0].Event.(gateway.MessagesRead).Count != 4 {
		t.Fatalf("messages_read = %+v, want one emission of 4", reads)
	}
}

func TestMarkRead_ReceiptFollowsNewMessage(t *testing.T) {
	f := newMessageFixture(t, MessageOptions{}, alice, bob)
	ctx := context.Background()

	_, _ = f.svc.Send(ctx, SendInput{SenderID: alice, ReceiverID: bob, Content: "m"})
	_, _ = f.svc.MarkRead(ctx, bob, alice)

	evs := f.gw.snapshot()
	last := evs[len(evs)-1]
	if last.Event.EventName() != gateway.EventMessagesRead {
		t.Fatalf("last event = %s, want messages_read", last.Event.EventName())
	}
	for _, e := range evs[:len(evs)-1] {
		if e.Event.EventName() == gateway.EventMessagesRead {
			t.Fatal("receipt emitted before the message it covers")
		}
	}
}

func TestMarkRead_StorageUnavailable(t *testing.T) {
	f := newMessageFixture(t, MessageOptions{})
	f.messages.err = errors.New("timeout")

	if _, err := f.svc.MarkRead(context.Background(), bob, alice); !errors.Is(err, ErrStorageUnavailable) {
		t.Fatalf("err = %v, want ErrStorageUnavailable", err)
	}
}

func TestTyping_AutoExpiresOnce(t *testing.T) {
	f := newMessageFixture(t, MessageOptions{TypingWindow: 30 * time.Millisecond}, bob)

	if err := f.svc.Typing(context.Background(), alice, bob, true); err != nil {
		t.Fatalf("Typing: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for len(f.gw.named(gateway.EventUserTyping)) < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(100 * time.Millisecond)

	evs := f.gw.named(gateway.EventUserTyping)
	if len(evs) != 2 {
		t.Fatalf("user_typing emitted %d times, want 2", len(evs))
	}
	first := evs[0].Event.(gateway.UserTyping)
	second := evs[1].Event.(gateway.UserTyping)
	if !first.IsTyping || second.IsTyping {
		t.Errorf("sequence = %+v, %+v; want true then false", first, second)
	}
	if evs[1].UserID != bob || second.UserID != alice {
		t.Errorf("expiry pushed to %d about %d", evs[1].UserID, second.UserID)
	}
}

func TestTyping_ReceiverNotJoinedIsDropped(t *testing.T) {
	f := newMessageFixture(t, MessageOptions{TypingWindow: 20 * time.Millisecond})

	if err := f.svc.Typing(context.Background(), alice, bob, true); err != nil {
		t.Fatalf("Typing returned %v for offline receiver", err)
	}
	time.Sleep(60 * time.Millisecond)
	if evs := f.gw.snapshot(); len(evs) != 0 {
		t.Fatalf("pushed %d events to an offline receiver", len(evs))
	}
}

func TestTyping_RejectsSelf(t *testing.T) {
	f := newMessageFixture(t, MessageOptions{})
	if err := f.svc.Typing(context.Background(), alice, alice, true); !errors.Is(err, ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
}

func TestConversations_Previews(t *testing.T) {
	avatar := "avatars/bob.png"
	now := time.Now()
	f := newMessageFixture(t, MessageOptions{})
	f.svc.conversations = &mockConversationRepo{
		ConversationsForFn: func(_ context.Context, userID int64) ([]database.ConversationRow, error) {
			if userID != alice {
				t.Errorf("userID = %d", userID)
			}
			return []database.ConversationRow{
				{CounterpartID: bob, DisplayName: "Bob", AvatarRef: &avatar, LastContent: strings.Repeat("a", 150), LastActivity: now, UnreadCount: 2},
				{CounterpartID: carol, DisplayName: "Carol", HasAttachments: true, LastActivity: now.Add(-time.Hour)},
			}, nil
		},
	}

	convs, err := f.svc.Conversations(context.Background(), alice)
	if err != nil {
		t.Fatalf("Conversations: %v", err)
	}
	if len(convs) != 2 {
		t.Fatalf("got %d conversations", len(convs))
	}
	if want := strings.Repeat("a", 100) + "..."; convs[0].LastMessagePreview != want {
		t.Errorf("preview = %q", convs[0].LastMessagePreview)
	}
	if convs[0].Counterpart.UserID != bob || convs[0].Counterpart.AvatarRef != &avatar || convs[0].UnreadCount != 2 {
		t.Errorf("first = %+v", convs[0])
	}
	if convs[1].LastMessagePreview != "[attachment]" {
		t.Errorf("attachment-only preview = %q", convs[1].LastMessagePreview)
	}
}

func TestRecent_TruncatesAndCountsUnread(t *testing.T) {
	f := newMessageFixture(t, MessageOptions{})
	ctx := context.Background()

	for i := 0; i < 7; i++ {
		_, _ = f.svc.SendFallback(ctx, SendInput{SenderID: bob, ReceiverID: alice, Content: strings.Repeat("é", 120)})
	}
	_, _ = f.svc.SendFallback(ctx, SendInput{SenderID: alice, ReceiverID: bob, Content: "mine"})

	recent, err := f.svc.Recent(ctx, alice)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(recent.Messages) != recentLimit {
		t.Fatalf("got %d messages, want %d", len(recent.Messages), recentLimit)
	}
	if recent.UnreadCount != 7 {
		t.Errorf("UnreadCount = %d, want 7", recent.UnreadCount)
	}
	want := strings.Repeat("é", 100) + "..."
	for _, m := range recent.Messages {
		if m.Content != want {
			t.Fatalf("content = %q, want truncated preview", m.Content)
		}
	}

	// Previews must not leak into the store.
	history, _ := f.svc.History(ctx, alice, bob)
	if len([]rune(history[0].Content)) != 120 {
		t.Error("Recent modified stored content")
	}
}

func TestRecent_CarriesSenderIdentity(t *testing.T) {
	f := newMessageFixture(t, MessageOptions{})
	ctx := context.Background()
	avatar := "avatars/bob.png"
	f.messages.profiles[bob] = models.Identity{UserID: bob, DisplayName: "Bob", AvatarRef: &avatar}

	_, _ = f.svc.SendFallback(ctx, SendInput{SenderID: bob, ReceiverID: alice, Content: "hi"})
	_, _ = f.svc.SendFallback(ctx, SendInput{SenderID: carol, ReceiverID: alice, Content: "hey"})

	recent, err := f.svc.Recent(ctx, alice)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(recent.Messages) != 2 {
		t.Fatalf("got %d messages, want 2", len(recent.Messages))
	}

	fromCarol, fromBob := recent.Messages[0], recent.Messages[1]
	if fromBob.Sender.UserID != bob || fromBob.Sender.DisplayName != "Bob" {
		t.Errorf("bob's sender = %+v", fromBob.Sender)
	}
	if fromBob.Sender.AvatarRef == nil || *fromBob.Sender.AvatarRef != avatar {
		t.Errorf("bob's avatar = %v, want %q", fromBob.Sender.AvatarRef, avatar)
	}
	// A sender without a profile row still gets an id-only identity.
	if fromCarol.Sender.UserID != carol || fromCarol.Sender.DisplayName != "" || fromCarol.Sender.AvatarRef != nil {
		t.Errorf("carol's sender = %+v", fromCarol.Sender)
	}
}

func TestHandleSend_UsesIdentifiedSender(t *testing.T) {
	f := newMessageFixture(t, MessageOptions{}, alice, bob)
	f.addAttachment(alice, 900)

	err := f.svc.HandleSend(context.Background(), alice, &gateway.SendMessage{
		SenderID:    alice,
		ReceiverID:  bob,
		Content:     "via gateway",
		Attachments: []gateway.AttachmentRef{{FileID: 900}},
		Nonce:       "abc",
	})
	if err != nil {
		t.Fatalf("HandleSend: %v", err)
	}
	history, _ := f.svc.History(context.Background(), alice, bob)
	if len(history) != 1 || history[0].SenderID != alice || len(history[0].Attachments) != 1 {
		t.Fatalf("history = %+v", history)
	}
}
