//go:build ignore

// Demo WebSocket client: a mechanic joins the available pool, a customer
// files a request, and the mechanic prints the offers it receives.
// Run against a server in dev auth mode: go run scripts/ws_client.go
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/gorilla/websocket"
)

type wsMessage struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func call(method, url, token string, body any) (*http.Response, error) {
	b, _ := json.Marshal(body)
	req, _ := http.NewRequest(method, url, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	return http.DefaultClient.Do(req)
}

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	base := fmt.Sprintf("http://localhost:%s", port)
	const mechanic = "mechanic:m-demo"

	resp, err := call(http.MethodPut, base+"/v1/mechanics/m-demo", mechanic, map[string]any{
		"name":     "Demo Mechanic",
		"location": map[string]any{"lat": 40.7200, "lng": -74.0000},
	})
	if err != nil {
		log.Fatal(err)
	}
	_ = resp.Body.Close()

	u := url.URL{Scheme: "ws", Host: "localhost:" + port, Path: "/v1/ws", RawQuery: "access_token=" + mechanic}
	c, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		log.Fatal("dial:", err)
	}
	defer func() { _ = c.Close() }()

	if err := c.WriteJSON(wsMessage{Type: "connection_init"}); err != nil {
		log.Fatal(err)
	}
	for i, ch := range []string{"available-mechanics", "mechanic:m-demo"} {
		pl, _ := json.Marshal(map[string]string{"channel": ch})
		if err := c.WriteJSON(wsMessage{Type: "subscribe", ID: fmt.Sprint(i + 1), Payload: pl}); err != nil {
			log.Fatal(err)
		}
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			var m wsMessage
			if err := c.ReadJSON(&m); err != nil {
				log.Printf("read: %v", err)
				return
			}
			log.Printf("WS <- %s %s: %s", m.Type, m.ID, string(m.Payload))
		}
	}()

	time.Sleep(500 * time.Millisecond)
	resp, err = call(http.MethodPost, base+"/v1/requests", "customer:c-demo", map[string]any{
		"issueType": "battery",
		"location":  map[string]any{"lat": 40.7128, "lng": -74.0060, "address": "City Hall"},
	})
	if err != nil {
		log.Fatal(err)
	}
	var created struct {
		Request struct {
			ID string `json:"id"`
		} `json:"request"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&created)
	_ = resp.Body.Close()
	log.Printf("request %s created", created.Request.ID)

	if created.Request.ID != "" {
		resp, err = call(http.MethodPost, base+"/v1/requests/"+created.Request.ID+"/accept", mechanic, nil)
		if err == nil {
			log.Printf("accept: %s", resp.Status)
			_ = resp.Body.Close()
		}
	}

	select {
	case <-time.After(2 * time.Second):
	case <-done:
	}
}
