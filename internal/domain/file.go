package domain

import (
	"context"
	"time"
)

// StoredFile is the metadata of an uploaded file. The bytes live in the
// upload store; only the FileRef travels through a session.
type StoredFile struct {
	ID           string    `json:"id"`
	OriginalName string    `json:"originalName"`
	StorageName  string    `json:"storageName"`
	ContentType  string    `json:"contentType"`
	Size         int64     `json:"size"`
	UploadedBy   string    `json:"uploadedBy"`
	UploaderName string    `json:"uploaderName"`
	UploadedAt   time.Time `json:"uploadedAt"`
	PublicURL    string    `json:"publicUrl"`
}

func (f StoredFile) Ref() FileRef {
	return FileRef{
		FileName:       f.OriginalName,
		MimeType:       f.ContentType,
		ContentLocator: f.PublicURL,
	}
}

type FileRepository interface {
	Create(ctx context.Context, file *StoredFile) error
	GetByStorageName(ctx context.Context, storageName string) (*StoredFile, error)
	ListByUploader(ctx context.Context, participantID string) ([]StoredFile, error)
}
