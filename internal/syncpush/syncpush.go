// Package syncpush forwards committed sales and returns to a remote
// endpoint. Pushes are fire-and-forget: a slow or dead remote must never
// block or fail a checkout.
package syncpush

import (
	"bytes"
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"
)

type Pusher struct {
	endpoint string
	client   *http.Client
}

// New returns nil when endpoint is empty; callers treat a nil Pusher as
// sync disabled.
func New(endpoint string) *Pusher {
	if endpoint == "" {
		return nil
	}
	return &Pusher{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 5 * time.Second},
	}
}

type envelope struct {
	EventType string    `json:"event_type"`
	SentAt    time.Time `json:"sent_at"`
	Payload   any       `json:"payload"`
}

// Push serializes the record and POSTs it in the background. Failures are
// logged and dropped.
func (p *Pusher) Push(eventType string, payload any) {
	if p == nil {
		return
	}
	body, err := json.Marshal(envelope{
		EventType: eventType,
		SentAt:    time.Now().UTC(),
		Payload:   payload,
	})
	if err != nil {
		log.Printf("[sync] WARN: marshal %s event failed: %v", eventType, err)
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
		if err != nil {
			log.Printf("[sync] WARN: build %s request failed: %v", eventType, err)
			return
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := p.client.Do(req)
		if err != nil {
			log.Printf("[sync] WARN: push %s failed: %v", eventType, err)
			return
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			log.Printf("[sync] WARN: push %s rejected with status %d", eventType, resp.StatusCode)
		}
	}()
}
