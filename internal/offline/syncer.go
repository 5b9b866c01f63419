package offline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"fieldline/internal/auth"
)

// ArtifactUploader stores binary capture payloads in object storage.
type ArtifactUploader interface {
	Upload(ctx context.Context, objectName string, payload []byte, contentType string) error
}

// RemoteSyncer delivers queue items to the backend: photos go to object
// storage, everything else is posted to the sync API with a signed device
// token.
type RemoteSyncer struct {
	client   *http.Client
	apiURL   string
	secret   []byte
	userID   string
	tokenTTL time.Duration
	uploader ArtifactUploader
}

// NewRemoteSyncer builds a syncer. uploader may be nil, in which case photo
// payloads are posted to the sync API like any other kind.
func NewRemoteSyncer(apiURL string, secret []byte, userID string, tokenTTL time.Duration, uploader ArtifactUploader) *RemoteSyncer {
	return &RemoteSyncer{
		client:   &http.Client{Timeout: 30 * time.Second},
		apiURL:   apiURL,
		secret:   secret,
		userID:   userID,
		tokenTTL: tokenTTL,
		uploader: uploader,
	}
}

// SyncItem uploads one item. Errors are returned to the queue, which marks
// the item failed and moves on.
func (s *RemoteSyncer) SyncItem(ctx context.Context, item Item) error {
	if item.Kind == KindPhoto && s.uploader != nil {
		object := fmt.Sprintf("captures/%s/%s.jpg", item.CapturedAt.Format("2006-01-02"), item.ID)
		if err := s.uploader.Upload(ctx, object, item.Payload, "image/jpeg"); err != nil {
			return fmt.Errorf("upload photo %s: %w", item.ID, err)
		}
		return nil
	}

	body, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("encode item %s: %w", item.ID, err)
	}

	token, err := auth.IssueToken(s.secret, auth.Claims{
		Sub: s.userID,
		Exp: time.Now().Add(s.tokenTTL).Unix(),
	})
	if err != nil {
		return fmt.Errorf("issue sync token: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.apiURL+"/"+string(item.Kind), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("post %s item %s: %w", item.Kind, item.ID, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("sync %s item %s: status %d", item.Kind, item.ID, resp.StatusCode)
	}
	return nil
}
