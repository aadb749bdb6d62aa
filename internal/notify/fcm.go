package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/example/freight-dispatch/internal/apperr"
)

// FCMNotifier posts JSON to an FCM HTTPv1-style endpoint using a server
// key or oauth token.
type FCMNotifier struct {
	Endpoint string
	Key      string
	Client   *http.Client
}

func NewFCMNotifier(endpoint, key string) *FCMNotifier {
	return &FCMNotifier{Endpoint: endpoint, Key: key, Client: &http.Client{Timeout: 3 * time.Second}}
}

func (f *FCMNotifier) Send(ctx context.Context, address string, n Notification) error {
	body := map[string]any{
		"message": map[string]any{
			"token": address,
			"notification": map[string]string{
				"title": n.Title,
				"body":  n.Body,
			},
			"data": n.Data,
		},
	}
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if f.Key != "" {
		req.Header.Set("Authorization", "Bearer "+f.Key)
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		return apperr.Externalf("fcm send: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return apperr.Externalf("fcm send: %s", resp.Status)
	}
	return nil
}

var _ Notifier = (*FCMNotifier)(nil)

func (f *FCMNotifier) String() string { return fmt.Sprintf("fcm(%s)", f.Endpoint) }
