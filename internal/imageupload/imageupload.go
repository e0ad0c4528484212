// Package imageupload posts generated image bytes to the API's internal
// image store, used by the OpenAI adapter for both partial and final
// generated images.
package imageupload

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"

	"github.com/worldline-go/klient"
)

// Result is the sidecar's response on a successful upload.
type Result struct {
	FileID      string `json:"fileId"`
	URL         string `json:"url"`
	IsDuplicate bool   `json:"isDuplicate,omitempty"`
}

// Client posts image bytes to the internal image store sidecar.
type Client struct {
	client *klient.Client
}

func New(baseURL string) (*Client, error) {
	c, err := klient.New(
		klient.WithBaseURL(baseURL),
		klient.WithLogger(slog.Default()),
		klient.WithDisableRetry(true),
	)
	if err != nil {
		return nil, fmt.Errorf("build image upload client: %w", err)
	}
	return &Client{client: c}, nil
}

// Upload POSTs data as multipart/form-data to
// /api/images/internal/<workspaceId>. On any non-200 response or transport
// error it returns that error; callers must treat upload failure as a
// per-event skip, never as a reason to abort the stream.
func (c *Client) Upload(ctx context.Context, workspaceID string, data []byte) (Result, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	part, err := writer.CreateFormFile("file", "image.png")
	if err != nil {
		return Result{}, fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return Result{}, fmt.Errorf("write image bytes: %w", err)
	}
	if err := writer.WriteField("useContentHash", "true"); err != nil {
		return Result{}, fmt.Errorf("write useContentHash field: %w", err)
	}
	if err := writer.Close(); err != nil {
		return Result{}, fmt.Errorf("close multipart writer: %w", err)
	}

	path := fmt.Sprintf("/api/images/internal/%s", workspaceID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, path, &body)
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	var result Result
	err = c.client.Do(req, func(r *http.Response) error {
		if r.StatusCode != http.StatusOK {
			b, _ := io.ReadAll(r.Body)
			return fmt.Errorf("image store returned status %d: %s", r.StatusCode, string(b))
		}
		return json.NewDecoder(r.Body).Decode(&result)
	})
	if err != nil {
		return Result{}, err
	}

	return result, nil
}
