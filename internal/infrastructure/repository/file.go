package repository

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/studiocdz/collaborative-editor/internal/domain"
)

// Oldest entries are evicted when capacity is exceeded.
type fileRepository struct {
	files    map[string]domain.StoredFile // storage name -> file
	order    []string                     // storage names, oldest first
	capacity uint
	mu       *sync.RWMutex
}

func NewFileRepository(capacity uint) domain.FileRepository {
	if capacity == 0 {
		capacity = 1000
	}
	return &fileRepository{
		files:    make(map[string]domain.StoredFile),
		order:    make([]string, 0, capacity),
		capacity: capacity,
		mu:       &sync.RWMutex{},
	}
}

func (r *fileRepository) Create(ctx context.Context, file *domain.StoredFile) error {
	if file == nil || file.StorageName == "" {
		return domain.ErrInvalidInput
	}

	if file.ID == "" {
		file.ID = uuid.NewString()
	}
	if file.UploadedAt.IsZero() {
		file.UploadedAt = time.Now()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.files[file.StorageName]; !exists {
		r.order = append(r.order, file.StorageName)
	}
	r.files[file.StorageName] = *file

	if len(r.order) > int(r.capacity) {
		excess := len(r.order) - int(r.capacity)
		for _, name := range r.order[:excess] {
			delete(r.files, name)
		}
		r.order = r.order[excess:]
	}

	return nil
}

func (r *fileRepository) GetByStorageName(ctx context.Context, storageName string) (*domain.StoredFile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	file, ok := r.files[storageName]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &file, nil
}

func (r *fileRepository) ListByUploader(ctx context.Context, participantID string) ([]domain.StoredFile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.StoredFile, 0)
	for _, name := range r.order {
		if f := r.files[name]; f.UploadedBy == participantID {
			out = append(out, f)
		}
	}
	return out, nil
}
