package clients

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// NotifierClient dispatches a fire-and-forget notification. Failures are
// reported to the caller but never block or undo the action that triggered
// them.
type NotifierClient struct {
	baseURL    string
	httpClient *http.Client
}

func NewNotifierClient(baseURL string, timeout time.Duration) *NotifierClient {
	return &NotifierClient{baseURL: baseURL, httpClient: &http.Client{Timeout: timeout}}
}

// Notify sends one notification and returns the delivery id. With no
// endpoint configured it returns the stub delivery id the deployed stub
// service would have produced.
func (c *NotifierClient) Notify(ctx context.Context, userID, eventType, message, channel string) (string, error) {
	if c.baseURL == "" {
		return fmt.Sprintf("notif_%s_%s", userID, eventType), nil
	}

	payload := struct {
		UserID    string `json:"user_id"`
		EventType string `json:"event_type"`
		Message   string `json:"message"`
		Channel   string `json:"channel"`
	}{userID, eventType, message, channel}

	var resp struct {
		Sent       bool   `json:"sent"`
		DeliveryID string `json:"delivery_id"`
		Channel    string `json:"channel"`
	}
	if err := postJSON(ctx, c.httpClient, c.baseURL+"/v1/notify", payload, &resp); err != nil {
		return "", fmt.Errorf("notify: %w", err)
	}
	if !resp.Sent {
		return "", fmt.Errorf("notification not sent for user %s", userID)
	}

	return resp.DeliveryID, nil
}
