package estimate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// HTTP asks a remote pricing service. It POSTs Input as JSON and expects a
// Quote back.
type HTTP struct {
	URL    string
	Client *http.Client
}

func NewHTTP(url string) *HTTP {
	return &HTTP{URL: url, Client: &http.Client{}}
}

func (h *HTTP) Estimate(ctx context.Context, in Input) (Quote, error) {
	body, err := json.Marshal(in)
	if err != nil {
		return Quote{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.URL, bytes.NewReader(body))
	if err != nil {
		return Quote{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return Quote{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Quote{}, fmt.Errorf("estimator status %d: %s", resp.StatusCode, bytes.TrimSpace(b))
	}
	var q Quote
	if err := json.NewDecoder(resp.Body).Decode(&q); err != nil {
		return Quote{}, fmt.Errorf("decode estimate: %w", err)
	}
	return q, nil
}
