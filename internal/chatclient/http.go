package chatclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/victorivanov/parley/internal/models"
	"github.com/victorivanov/parley/internal/snowflake"
)

// APIError is a non-2xx response from the HTTP API.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("parley api: %d %s: %s", e.Status, e.Code, e.Message)
}

// ErrorCode returns the API error code.
func (e *APIError) ErrorCode() string { return e.Code }

func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		rd = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.opts.Token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var envelope struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&envelope)
		return &APIError{Status: resp.StatusCode, Code: envelope.Error.Code, Message: envelope.Error.Message}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

type fileRef struct {
	FileID snowflake.ID `json:"file_id"`
}

type sendRequest struct {
	ReceiverID  snowflake.ID `json:"receiver_id"`
	Content     string       `json:"content"`
	Attachments []fileRef    `json:"attachments,omitempty"`
}

func fileRefs(ids []int64) []fileRef {
	refs := make([]fileRef, len(ids))
	for i, id := range ids {
		refs[i] = fileRef{FileID: snowflake.ID(id)}
	}
	return refs
}

// sendHTTP performs a fallback send. The message is persisted but not pushed.
func (c *Client) sendHTTP(ctx context.Context, receiverID int64, content string, attachmentIDs []int64) (*models.Message, error) {
	var msg models.Message
	err := c.doJSON(ctx, http.MethodPost, "/api/v1/messages", sendRequest{
		ReceiverID:  snowflake.ID(receiverID),
		Content:     content,
		Attachments: fileRefs(attachmentIDs),
	}, &msg)
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// History fetches the full conversation with counterpartID and merges it
// into the timeline.
func (c *Client) History(ctx context.Context, counterpartID int64) ([]models.Message, error) {
	var msgs []models.Message
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/messages/"+strconv.FormatInt(counterpartID, 10), nil, &msgs); err != nil {
		return nil, err
	}
	c.timeline.Merge(msgs)
	return msgs, nil
}

// Conversations fetches the caller's conversation index.
func (c *Client) Conversations(ctx context.Context) ([]models.ConversationSummary, error) {
	var convs []models.ConversationSummary
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/conversations", nil, &convs); err != nil {
		return nil, err
	}
	return convs, nil
}
