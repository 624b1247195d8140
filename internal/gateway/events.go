package gateway

import (
	"encoding/json"
	"fmt"

	"github.com/victorivanov/parley/internal/models"
	"github.com/victorivanov/parley/internal/snowflake"
)

// Op codes for gateway payloads.
const (
	OpDispatch     = 0
	OpHeartbeat    = 1
	OpIdentify     = 2
	OpReconnect    = 7
	OpHello        = 10
	OpHeartbeatAck = 11
)

// Client dispatch event names.
const (
	EventJoinRoom    = "join_room"
	EventLeaveRoom   = "leave_room"
	EventSendMessage = "send_message"
	EventTyping      = "typing"
	EventMarkRead    = "mark_read"
)

// Server dispatch event names.
const (
	EventReady        = "ready"
	EventMessageSent  = "message_sent"
	EventNewMessage   = "new_message"
	EventUserTyping   = "user_typing"
	EventMessagesRead = "messages_read"
	EventError        = "error"
)

// Error codes carried by error events.
const (
	CodeUnknownEvent   = "UNKNOWN_EVENT"
	CodeInvalidPayload = "INVALID_PAYLOAD"
	CodeNotIdentified  = "NOT_IDENTIFIED"
	CodeForbidden      = "FORBIDDEN"
	CodeInternal       = "INTERNAL_ERROR"
)

// GatewayPayload is the envelope for all gateway messages.
type GatewayPayload struct {
	Op       int             `json:"op"`
	Data     json.RawMessage `json:"d,omitempty"`
	Sequence *int64          `json:"s,omitempty"`
	Event    *string         `json:"t,omitempty"`
}

// IdentifyData is sent by the client in an Op 2 IDENTIFY.
type IdentifyData struct {
	Token string `json:"token"`
}

// HelloData is sent by the server after WebSocket connect.
type HelloData struct {
	HeartbeatInterval int `json:"heartbeat_interval"`
}

// ---------------------------------------------------------------------------
// Client events
// ---------------------------------------------------------------------------

// ClientEvent is a dispatch sent by a client. The implementations below are
// the complete set.
type ClientEvent interface {
	EventName() string
	clientEvent()
}

// JoinRoom subscribes the connection to the user's room.
type JoinRoom struct {
	UserID int64 `json:"user_id,string"`
}

// LeaveRoom removes the connection from the user's room.
type LeaveRoom struct {
	UserID int64 `json:"user_id,string"`
}

// SendMessage asks the server to persist and deliver a message.
type SendMessage struct {
	SenderID    int64           `json:"sender_id,string"`
	ReceiverID  int64           `json:"receiver_id,string"`
	Content     string          `json:"content"`
	Attachments []AttachmentRef `json:"attachments"`
	Nonce       string          `json:"nonce,omitempty"`
}

// AttachmentRef names a previously uploaded attachment.
type AttachmentRef struct {
	FileID snowflake.ID `json:"file_id"`
}

// AttachmentIDs returns the referenced file ids in order.
func (e *SendMessage) AttachmentIDs() []int64 {
	ids := make([]int64, len(e.Attachments))
	for i, a := range e.Attachments {
		ids[i] = a.FileID.Int64()
	}
	return ids
}

// Typing reports that the sender started or stopped typing to the receiver.
type Typing struct {
	SenderID   int64 `json:"sender_id,string"`
	ReceiverID int64 `json:"receiver_id,string"`
	IsTyping   bool  `json:"is_typing"`
}

// MarkRead marks every unread message from sender to reader as read.
type MarkRead struct {
	ReaderID int64 `json:"reader_id,string"`
	SenderID int64 `json:"sender_id,string"`
}

func (*JoinRoom) clientEvent()    {}
func (*LeaveRoom) clientEvent()   {}
func (*SendMessage) clientEvent() {}
func (*Typing) clientEvent()      {}
func (*MarkRead) clientEvent()    {}

func (*JoinRoom) EventName() string    { return EventJoinRoom }
func (*LeaveRoom) EventName() string   { return EventLeaveRoom }
func (*SendMessage) EventName() string { return EventSendMessage }
func (*Typing) EventName() string      { return EventTyping }
func (*MarkRead) EventName() string    { return EventMarkRead }

// UnknownEventError is returned by DecodeClientEvent for an unrecognised t.
type UnknownEventError struct {
	Name string
}

func (e *UnknownEventError) Error() string {
	return fmt.Sprintf("unknown event %q", e.Name)
}

// DecodeClientEvent decodes the data of a client dispatch named name.
func DecodeClientEvent(name string, data json.RawMessage) (ClientEvent, error) {
	var ev ClientEvent
	switch name {
	case EventJoinRoom:
		ev = &JoinRoom{}
	case EventLeaveRoom:
		ev = &LeaveRoom{}
	case EventSendMessage:
		ev = &SendMessage{}
	case EventTyping:
		ev = &Typing{}
	case EventMarkRead:
		ev = &MarkRead{}
	default:
		return nil, &UnknownEventError{Name: name}
	}
	if len(data) == 0 {
		data = json.RawMessage("{}")
	}
	if err := json.Unmarshal(data, ev); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", name, err)
	}
	return ev, nil
}

// ---------------------------------------------------------------------------
// Server events
// ---------------------------------------------------------------------------

// ServerEvent is a dispatch sent by the server.
type ServerEvent interface {
	EventName() string
}

// Ready acknowledges a successful IDENTIFY.
type Ready struct {
	UserID    int64  `json:"user_id,string"`
	SessionID string `json:"session_id"`
}

// MessageSent echoes a persisted message to the sender's connections.
type MessageSent struct {
	Message *models.Message `json:"message"`
	Nonce   string          `json:"nonce,omitempty"`
}

// NewMessage pushes a persisted message to the receiver's connections.
type NewMessage struct {
	Message *models.Message `json:"message"`
}

// UserTyping tells the receiver that UserID is or stopped typing to them.
type UserTyping struct {
	UserID   int64 `json:"user_id,string"`
	IsTyping bool  `json:"is_typing"`
}

// MessagesRead tells a sender that ReaderID read Count of their messages.
// Every message from the sender to ReaderID with an id up to UpTo is read,
// so a receipt that arrives ahead of a message it covers still applies.
type MessagesRead struct {
	ReaderID int64 `json:"reader_id,string"`
	Count    int64 `json:"count"`
	UpTo     int64 `json:"up_to,string"`
}

// ErrorEvent reports a failed client dispatch to the originating connection.
type ErrorEvent struct {
	Event   string `json:"event"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Nonce   string `json:"nonce,omitempty"`
}

func (Ready) EventName() string        { return EventReady }
func (MessageSent) EventName() string  { return EventMessageSent }
func (NewMessage) EventName() string   { return EventNewMessage }
func (UserTyping) EventName() string   { return EventUserTyping }
func (MessagesRead) EventName() string { return EventMessagesRead }
func (ErrorEvent) EventName() string   { return EventError }

// DecodeServerEvent decodes the data of a server dispatch named name. It
// is the client-side counterpart of DecodeClientEvent.
func DecodeServerEvent(name string, data json.RawMessage) (ServerEvent, error) {
	var err error
	switch name {
	case EventReady:
		var ev Ready
		err = json.Unmarshal(data, &ev)
		return ev, wrapDecode(name, err)
	case EventMessageSent:
		var ev MessageSent
		err = json.Unmarshal(data, &ev)
		return ev, wrapDecode(name, err)
	case EventNewMessage:
		var ev NewMessage
		err = json.Unmarshal(data, &ev)
		return ev, wrapDecode(name, err)
	case EventUserTyping:
		var ev UserTyping
		err = json.Unmarshal(data, &ev)
		return ev, wrapDecode(name, err)
	case EventMessagesRead:
		var ev MessagesRead
		err = json.Unmarshal(data, &ev)
		return ev, wrapDecode(name, err)
	case EventError:
		var ev ErrorEvent
		err = json.Unmarshal(data, &ev)
		return ev, wrapDecode(name, err)
	default:
		return nil, &UnknownEventError{Name: name}
	}
}

func wrapDecode(name string, err error) error {
	if err != nil {
		return fmt.Errorf("decoding %s: %w", name, err)
	}
	return nil
}

// EncodeClientDispatch builds the DISPATCH envelope a client sends for ev.
func EncodeClientDispatch(ev ClientEvent) ([]byte, error) {
	return encodeEvent(ev.EventName(), ev)
}

// encodeDispatch builds the unsequenced DISPATCH envelope for ev.
func encodeDispatch(ev ServerEvent) ([]byte, error) {
	return encodeEvent(ev.EventName(), ev)
}

func encodeEvent(name string, ev any) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshalling %s: %w", name, err)
	}
	return json.Marshal(GatewayPayload{Op: OpDispatch, Data: data, Event: &name})
}
