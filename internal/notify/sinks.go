package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"firebase.google.com/go/v4/messaging"

	"roadside/internal/logger"
	"roadside/internal/model"
	"roadside/internal/store"
)

// WebhookSink POSTs the notification as JSON.
type WebhookSink struct {
	URL    string
	Secret string
	HTTP   *http.Client
}

func NewWebhookSink(url, secret string) *WebhookSink {
	return &WebhookSink{URL: url, Secret: secret, HTTP: &http.Client{Timeout: 5 * time.Second}}
}

func (w *WebhookSink) Name() string { return "webhook" }

func (w *WebhookSink) Send(ctx context.Context, n model.Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Notification-Kind", n.Kind)
	if w.Secret != "" {
		req.Header.Set("X-Signature", Sign(w.Secret, body, time.Now()))
	}
	resp, err := w.HTTP.Do(req)
	if err != nil {
		return err
	}
	_ = resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook status %d", resp.StatusCode)
	}
	return nil
}

// Messenger is the part of the FCM client the push sink needs.
type Messenger interface {
	Send(ctx context.Context, message *messaging.Message) (string, error)
}

// ErrNoDevice means the target has not registered a push token.
var ErrNoDevice = errors.New("no push token registered")

// FCMSink pushes to the target's registered device via Firebase Cloud Messaging.
type FCMSink struct {
	Client  Messenger
	Devices store.DeviceStore
}

func (f *FCMSink) Name() string { return "fcm" }

func (f *FCMSink) Send(ctx context.Context, n model.Notification) error {
	token, err := f.Devices.PushToken(ctx, n.Target)
	if errors.Is(err, store.ErrNotFound) {
		// Nothing to retry until the device registers.
		return nil
	}
	if err != nil {
		return err
	}
	msg := &messaging.Message{
		Token: token,
		Notification: &messaging.Notification{
			Title: pushTitle(n.Kind),
			Body:  pushBody(n),
		},
		Data: pushData(n),
	}
	if n.Kind == KindEmergencyAlert || n.Kind == KindNewRequest {
		msg.Android = &messaging.AndroidConfig{
			Priority: "high",
			Notification: &messaging.AndroidNotification{
				ChannelID: "high_priority",
				Sound:     "default",
			},
		}
		msg.APNS = &messaging.APNSConfig{
			Headers: map[string]string{
				"apns-priority":  "10",
				"apns-push-type": "alert",
			},
			Payload: &messaging.APNSPayload{Aps: &messaging.Aps{Sound: "default"}},
		}
	}
	if _, err := f.Client.Send(ctx, msg); err != nil {
		return fmt.Errorf("fcm send: %w", err)
	}
	return nil
}

func pushTitle(kind string) string {
	switch kind {
	case KindNewRequest:
		return "New service request nearby"
	case KindRequestAccepted:
		return "A mechanic is on the way"
	case KindRequestRejected:
		return "Your request was declined"
	case KindRequestCancelled:
		return "Request cancelled"
	case KindEmergencyAlert:
		return "Emergency assistance needed"
	case KindNoEstimate:
		return "No price estimate available"
	}
	return "Request update"
}

func pushBody(n model.Notification) string {
	if s, ok := n.Payload["message"].(string); ok && s != "" {
		return s
	}
	if s, ok := n.Payload["status"].(string); ok && s != "" {
		return "Status: " + strings.ReplaceAll(s, "_", " ")
	}
	return ""
}

// pushData flattens the payload; FCM data values must be strings.
func pushData(n model.Notification) map[string]string {
	out := map[string]string{"kind": n.Kind, "notificationId": n.ID}
	for k, v := range n.Payload {
		switch t := v.(type) {
		case string:
			out[k] = t
		case nil:
		default:
			b, err := json.Marshal(t)
			if err == nil {
				out[k] = string(b)
			}
		}
	}
	return out
}

// LogSink writes notifications to the structured log.
type LogSink struct {
	Log logger.Logger
}

func (l LogSink) Name() string { return "log" }

func (l LogSink) Send(_ context.Context, n model.Notification) error {
	l.Log.Infow("notification", map[string]any{"kind": n.Kind, "target": n.Target, "notificationId": n.ID})
	return nil
}
