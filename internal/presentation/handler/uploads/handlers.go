package uploads

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/studiocdz/collaborative-editor/internal/domain"
	"github.com/studiocdz/collaborative-editor/internal/infrastructure/json"
	"github.com/studiocdz/collaborative-editor/internal/infrastructure/logging"
	"github.com/studiocdz/collaborative-editor/internal/infrastructure/storage"
	"github.com/studiocdz/collaborative-editor/internal/infrastructure/validate"
	"github.com/studiocdz/collaborative-editor/internal/presentation/utils"
)

const multipartMemory = 1 << 20

var validateUploaderName = validate.Field("userName",
	validate.MaxLength(64),
	validate.Printable(),
)

// UploadRecorder observes stored upload sizes.
type UploadRecorder interface {
	ObserveUpload(size int64)
}

type Handler struct {
	store    *storage.UploadStore
	maxBytes int64
	recorder UploadRecorder
	logger   logging.Logger
}

func NewHandler(store *storage.UploadStore, maxBytes int64, recorder UploadRecorder, logger logging.Logger) *Handler {
	return &Handler{
		store:    store,
		maxBytes: maxBytes,
		recorder: recorder,
		logger:   logger,
	}
}

// Upload stores the multipart "file" field out of band and returns the
// locator a client then shares through the session.
func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBytes+multipartMemory)

	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			json.WriteError(w, http.StatusRequestEntityTooLarge, err, "File is too large")
			return
		}
		json.WriteBadRequestError(w, "Expected a multipart form with a file field")
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	file, header, err := r.FormFile("file")
	if err != nil {
		json.WriteBadRequestError(w, "No file uploaded")
		return
	}
	defer file.Close()

	participantID := r.FormValue("userId")
	if participantID == "" {
		participantID = utils.GetParticipantIDFromRequest(r)
	}
	uploaderName := r.FormValue("userName")
	if err := validateUploaderName(uploaderName); err != nil {
		json.WriteValidationError(w, err)
		return
	}

	stored, err := h.store.Save(r.Context(), storage.UploadRequest{
		OriginalName:  header.Filename,
		DeclaredType:  header.Header.Get("Content-Type"),
		ParticipantID: participantID,
		UploaderName:  uploaderName,
	}, file)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrTooLarge):
			json.WriteError(w, http.StatusRequestEntityTooLarge, err, "File is too large")
		case errors.Is(err, domain.ErrInvalidInput):
			json.WriteValidationError(w, err)
		default:
			h.logger.Error(logging.IO, logging.Upload, "failed to store upload", map[logging.ExtraKey]any{
				logging.ParticipantID: participantID,
				logging.ErrorMessage:  err.Error(),
			})
			json.WriteInternalError(w, err)
		}
		return
	}

	if h.recorder != nil {
		h.recorder.ObserveUpload(stored.Size)
	}
	h.logger.Info(logging.IO, logging.Upload, "file uploaded", map[logging.ExtraKey]any{
		logging.ParticipantID: participantID,
		logging.BodySize:      stored.Size,
		logging.Path:          stored.PublicURL,
	})

	_ = json.Write(w, http.StatusOK, uploadResponse{
		Success:        true,
		FileURL:        stored.PublicURL,
		FileName:       stored.OriginalName,
		FileType:       stored.ContentType,
		FileSize:       stored.Size,
		ContentLocator: stored.PublicURL,
	})
}

// ServeFile streams a stored upload back with its detected content type.
func (h *Handler) ServeFile(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	f, meta, err := h.store.Open(r.Context(), name)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			json.WriteNotFoundError(w, "File not found")
			return
		}
		json.WriteInternalError(w, err)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", meta.ContentType)
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("Content-Disposition", "inline; filename="+strconv.Quote(meta.OriginalName))
	http.ServeContent(w, r, meta.OriginalName, meta.UploadedAt, f)
}
