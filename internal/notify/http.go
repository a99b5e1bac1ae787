package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// HTTPNotifier posts notifications to the messaging service.
type HTTPNotifier struct {
	BaseURL string
	Client  *http.Client
}

func (n *HTTPNotifier) Notify(ctx context.Context, recipientID, title, body string, payload map[string]any) error {
	return post(ctx, n.Client, strings.TrimRight(n.BaseURL, "/")+"/v1/notifications", map[string]any{
		"recipient_id": recipientID,
		"title":        title,
		"body":         body,
		"payload":      payload,
	}, nil)
}

// HTTPThreadFactory creates chat threads in the messaging service.
type HTTPThreadFactory struct {
	BaseURL string
	Client  *http.Client
}

func (f *HTTPThreadFactory) CreateThread(ctx context.Context, participants []string, subject string) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	err := post(ctx, f.Client, strings.TrimRight(f.BaseURL, "/")+"/v1/threads", map[string]any{
		"participants": participants,
		"subject":      subject,
	}, &out)
	if err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", fmt.Errorf("messaging service returned no thread id")
	}
	return out.ID, nil
}

func post(ctx context.Context, client *http.Client, url string, body map[string]any, out any) error {
	if client == nil {
		client = http.DefaultClient
	}
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return fmt.Errorf("messaging service returned status %d", res.StatusCode)
	}
	if out != nil {
		return json.NewDecoder(res.Body).Decode(out)
	}
	return nil
}

// LogNotifier writes notifications to the log instead of delivering them.
// Useful for local development where no messaging service is running.
type LogNotifier struct {
	Log *zap.Logger
}

func (n LogNotifier) Notify(ctx context.Context, recipientID, title, body string, payload map[string]any) error {
	log := n.Log
	if log == nil {
		log = zap.NewNop()
	}
	log.Info("notification",
		zap.String("recipient", recipientID),
		zap.String("title", title),
		zap.String("body", body))
	return nil
}
