package service

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gabriel-vasile/mimetype"
	"github.com/victorivanov/parley/internal/database"
	"github.com/victorivanov/parley/internal/keylock"
	"github.com/victorivanov/parley/internal/models"
	"github.com/victorivanov/parley/internal/snowflake"
)

const (
	MaxImageSize    = 5 << 20  // 5 MiB
	MaxDocumentSize = 10 << 20 // 10 MiB

	sniffLen                  = 3072
	maxFileNameRunes          = 255
	defaultObjectStoreTimeout = 30 * time.Second
	orphanSweepBatch          = 200
)

var imageTypes = []string{
	"image/jpeg",
	"image/png",
	"image/gif",
	"image/webp",
}

var documentTypes = []string{
	"application/pdf",
	"text/plain",
	"text/csv",
	"text/rtf",
	"application/msword",
	"application/vnd.ms-excel",
	"application/vnd.ms-powerpoint",
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	"application/vnd.openxmlformats-officedocument.presentationml.presentation",
	"application/vnd.oasis.opendocument.text",
	"application/vnd.oasis.opendocument.spreadsheet",
	"application/vnd.oasis.opendocument.presentation",
}

// FileStorage abstracts object storage operations for testability.
type FileStorage interface {
	Upload(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error
	GetURL(key string) string
	Delete(ctx context.Context, key string) error
}

// AttachmentOptions tunes an AttachmentResolver. Zero values take defaults.
type AttachmentOptions struct {
	ObjectStoreTimeout time.Duration
	StoreTimeout       time.Duration
}

// AttachmentResolver validates uploaded files and records them as
// attachments that a later message may reference.
type AttachmentResolver struct {
	attachments   database.AttachmentRepository
	storage       FileStorage
	snowflake     *snowflake.Generator
	locks         *keylock.Map
	objectTimeout time.Duration
	storeTimeout  time.Duration
}

// NewAttachmentResolver creates an AttachmentResolver.
func NewAttachmentResolver(
	attachments database.AttachmentRepository,
	storage FileStorage,
	sf *snowflake.Generator,
	opts AttachmentOptions,
) *AttachmentResolver {
	if opts.ObjectStoreTimeout <= 0 {
		opts.ObjectStoreTimeout = defaultObjectStoreTimeout
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = defaultStoreTimeout
	}
	return &AttachmentResolver{
		attachments:   attachments,
		storage:       storage,
		snowflake:     sf,
		locks:         keylock.New(),
		objectTimeout: opts.ObjectStoreTimeout,
		storeTimeout:  opts.StoreTimeout,
	}
}

// classify maps a sniffed MIME type to an attachment category.
func classify(mime *mimetype.MIME) (models.FileType, bool) {
	for _, t := range imageTypes {
		if mime.Is(t) {
			return models.FileTypeImage, true
		}
	}
	for _, t := range documentTypes {
		if mime.Is(t) {
			return models.FileTypeDocument, true
		}
	}
	return "", false
}

func sizeLimit(ft models.FileType) int64 {
	if ft == models.FileTypeImage {
		return MaxImageSize
	}
	return MaxDocumentSize
}

func cleanFileName(name string) string {
	name = filepath.Base(strings.ReplaceAll(strings.TrimSpace(name), "\\", "/"))
	if name == "." || name == "/" || name == "" {
		name = "file"
	}
	if utf8.RuneCountInString(name) > maxFileNameRunes {
		name = string([]rune(name)[:maxFileNameRunes])
	}
	return name
}

// Register sniffs the content of body, enforces the size limit of its
// category, stores the bytes and records an unbound attachment. The type is
// taken from the bytes; the declared name is only used for display.
func (r *AttachmentResolver) Register(ctx context.Context, uploaderID int64, name string, size int64, body io.Reader) (*models.Attachment, error) {
	if size <= 0 {
		return nil, BadRequest("EMPTY_FILE", "file is empty")
	}

	head := make([]byte, sniffLen)
	n, err := io.ReadFull(body, head)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return nil, BadRequest("UNREADABLE_FILE", "could not read uploaded file")
	}
	head = head[:n]

	mime := mimetype.Detect(head)
	fileType, ok := classify(mime)
	if !ok {
		return nil, UnsupportedType(fmt.Sprintf("file type %s is not allowed; send an image or a document", mime.String()))
	}
	if limit := sizeLimit(fileType); size > limit {
		return nil, PayloadTooLarge(fmt.Sprintf("%s exceeds the %d MiB limit for %ss", cleanFileName(name), limit>>20, fileType))
	}

	unlock := r.locks.Lock(fmt.Sprintf("upload:%d", uploaderID))
	defer unlock()

	id := r.snowflake.Generate()
	fileName := cleanFileName(name)
	contentType := mime.String()
	if i := strings.IndexByte(contentType, ';'); i >= 0 {
		contentType = contentType[:i]
	}
	key := fmt.Sprintf("attachments/%d/%d/%s", uploaderID, id.Int64(), fileName)

	octx, cancel := context.WithTimeout(ctx, r.objectTimeout)
	defer cancel()
	stream := io.MultiReader(bytes.NewReader(head), body)
	if err := r.storage.Upload(octx, key, stream, size, contentType); err != nil {
		slog.Error("object store upload failed", "key", key, "error", err)
		return nil, StorageUnavailable("object store unavailable, retry later")
	}

	a := &models.Attachment{
		ID:          id.Int64(),
		UploaderID:  uploaderID,
		FileName:    fileName,
		FileType:    fileType,
		ContentType: contentType,
		Size:        size,
		StorageKey:  key,
		URL:         r.storage.GetURL(key),
		CreatedAt:   time.Now().UTC(),
	}

	sctx, scancel := context.WithTimeout(ctx, r.storeTimeout)
	defer scancel()
	if err := r.attachments.Create(sctx, a); err != nil {
		r.removeObject(key)
		return nil, storeFailure("create_attachment", err)
	}
	return a, nil
}

func (r *AttachmentResolver) removeObject(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), r.objectTimeout)
	defer cancel()
	if err := r.storage.Delete(ctx, key); err != nil {
		slog.Warn("removing object failed", "key", key, "error", err)
	}
}

// SweepOrphans deletes attachments that were never bound to a message and
// are older than maxAge. The row goes first so a concurrent send either
// binds the attachment or finds it gone, never a dangling URL.
func (r *AttachmentResolver) SweepOrphans(ctx context.Context, maxAge time.Duration) (int, error) {
	orphans, err := r.attachments.ListOrphans(ctx, time.Now().Add(-maxAge), orphanSweepBatch)
	if err != nil {
		return 0, fmt.Errorf("listing orphan attachments: %w", err)
	}

	removed := 0
	for _, a := range orphans {
		deleted, err := r.attachments.DeleteOrphan(ctx, a.ID)
		if err != nil {
			return removed, fmt.Errorf("deleting orphan attachment %d: %w", a.ID, err)
		}
		if !deleted {
			continue
		}
		r.removeObject(a.StorageKey)
		removed++
	}
	return removed, nil
}
