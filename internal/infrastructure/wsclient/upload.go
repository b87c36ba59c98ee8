package wsclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/studiocdz/collaborative-editor/internal/domain"
)

type uploadResult struct {
	Success        bool   `json:"success"`
	FileURL        string `json:"fileUrl"`
	FileName       string `json:"fileName"`
	FileType       string `json:"fileType"`
	ContentLocator string `json:"contentLocator"`
	Message        string `json:"message"`
}

// Upload posts a file to the server's upload endpoint and returns the
// reference to share through the session. baseURL is the HTTP origin of the
// server, e.g. http://localhost:3001.
func Upload(ctx context.Context, client *http.Client, baseURL string, who domain.Participant, fileName string, r io.Reader) (domain.FileRef, error) {
	if client == nil {
		client = http.DefaultClient
	}

	body, contentType := multipartBody(who, fileName, r)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimSuffix(baseURL, "/")+"/api/upload", body)
	if err != nil {
		return domain.FileRef{}, err
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := client.Do(req)
	if err != nil {
		return domain.FileRef{}, fmt.Errorf("upload %s: %w", fileName, err)
	}
	defer resp.Body.Close()

	var result uploadResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return domain.FileRef{}, fmt.Errorf("decode upload response: %w", err)
	}
	if resp.StatusCode != http.StatusOK || !result.Success {
		return domain.FileRef{}, fmt.Errorf("upload %s: status %d: %s", fileName, resp.StatusCode, result.Message)
	}

	locator := result.ContentLocator
	if locator == "" {
		locator = result.FileURL
	}
	return domain.FileRef{
		FileName:       result.FileName,
		MimeType:       result.FileType,
		ContentLocator: locator,
	}, nil
}

// multipartBody streams the form through a pipe so large files are never
// held in memory.
func multipartBody(who domain.Participant, fileName string, r io.Reader) (io.Reader, string) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		err := func() error {
			if err := mw.WriteField("userId", who.ID); err != nil {
				return err
			}
			if err := mw.WriteField("userName", who.DisplayName); err != nil {
				return err
			}
			part, err := mw.CreateFormFile("file", fileName)
			if err != nil {
				return err
			}
			if _, err := io.Copy(part, r); err != nil {
				return err
			}
			return mw.Close()
		}()
		pw.CloseWithError(err)
	}()

	return pr, mw.FormDataContentType()
}
