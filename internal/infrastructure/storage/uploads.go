package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/studiocdz/collaborative-editor/internal/domain"
	"golang.org/x/time/rate"
)

var ErrTooLarge = errors.New("upload exceeds size limit")

const sniffLen = 3072

// UploadStore writes uploaded bytes to a directory and records their
// metadata. Files are served back under PublicBaseURL.
type UploadStore struct {
	dir           string
	publicBaseURL string
	maxBytes      int64
	files         domain.FileRepository
	bandwidth     *rate.Limiter
}

func NewUploadStore(dir, publicBaseURL string, maxBytes int64, files domain.FileRepository) (*UploadStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}
	if maxBytes <= 0 {
		maxBytes = 10 << 20
	}
	return &UploadStore{
		dir:           dir,
		publicBaseURL: strings.TrimSuffix(publicBaseURL, "/"),
		maxBytes:      maxBytes,
		files:         files,
	}, nil
}

// LimitBandwidth caps the combined write rate of all uploads. Zero removes
// the cap. Call it before serving requests.
func (s *UploadStore) LimitBandwidth(bytesPerSecond int) {
	s.bandwidth = newBandwidthLimiter(bytesPerSecond)
}

type UploadRequest struct {
	OriginalName string
	// DeclaredType is the client's content type; the sniffed type wins when
	// the two disagree.
	DeclaredType  string
	ParticipantID string
	UploaderName  string
}

// Save stores the content of r under a fresh unique name.
func (s *UploadStore) Save(ctx context.Context, req UploadRequest, r io.Reader) (*domain.StoredFile, error) {
	if strings.TrimSpace(req.OriginalName) == "" {
		return nil, fmt.Errorf("%w: file name is required", domain.ErrInvalidInput)
	}

	if s.bandwidth != nil {
		r = &RateLimitReader{Reader: r, Limiter: s.bandwidth, Ctx: ctx}
	}

	head := make([]byte, sniffLen)
	n, err := io.ReadFull(r, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read upload: %w", err)
	}
	head = head[:n]

	contentType := detectType(head, req.DeclaredType)

	storageName := uuid.NewString()
	if ext := filepath.Ext(req.OriginalName); ext != "" {
		storageName += strings.ToLower(ext)
	}

	dst, err := os.OpenFile(filepath.Join(s.dir, storageName), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create upload: %w", err)
	}

	limited := io.LimitReader(io.MultiReader(bytes.NewReader(head), r), s.maxBytes+1)
	size, err := io.Copy(dst, limited)
	closeErr := dst.Close()
	if err == nil {
		err = closeErr
	}
	if err == nil && size > s.maxBytes {
		err = ErrTooLarge
	}
	if err != nil {
		_ = os.Remove(filepath.Join(s.dir, storageName))
		if errors.Is(err, ErrTooLarge) {
			return nil, err
		}
		return nil, fmt.Errorf("write upload: %w", err)
	}

	file := &domain.StoredFile{
		OriginalName: filepath.Base(req.OriginalName),
		StorageName:  storageName,
		ContentType:  contentType,
		Size:         size,
		UploadedBy:   req.ParticipantID,
		UploaderName: req.UploaderName,
		UploadedAt:   time.Now().UTC(),
		PublicURL:    s.publicBaseURL + "/" + path.Clean(storageName),
	}
	if err := s.files.Create(ctx, file); err != nil {
		_ = os.Remove(filepath.Join(s.dir, storageName))
		return nil, err
	}
	return file, nil
}

// Open returns the stored bytes and metadata for a storage name.
func (s *UploadStore) Open(ctx context.Context, storageName string) (*os.File, *domain.StoredFile, error) {
	if storageName != filepath.Base(storageName) || strings.HasPrefix(storageName, ".") {
		return nil, nil, domain.ErrNotFound
	}
	meta, err := s.files.GetByStorageName(ctx, storageName)
	if err != nil {
		return nil, nil, err
	}
	f, err := os.Open(filepath.Join(s.dir, storageName))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil, domain.ErrNotFound
		}
		return nil, nil, err
	}
	return f, meta, nil
}

func detectType(head []byte, declared string) string {
	sniffed := mimetype.Detect(head)
	if declared == "" || declared == "application/octet-stream" {
		return sniffed.String()
	}
	// Text formats sniff as text/plain; keep the more specific declared type.
	if sniffed.Is("text/plain") || sniffed.Is(declared) {
		return declared
	}
	return sniffed.String()
}
