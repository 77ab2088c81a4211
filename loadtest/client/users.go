package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// Users registers simulated users through the HTTP API.
type Users struct {
	BaseURL string // e.g. http://localhost:8000
	HTTP    *http.Client
}

// Create registers username and returns its user id.
func (u Users) Create(ctx context.Context, username string) (string, error) {
	body, err := json.Marshal(map[string]string{"username": username, "thumbnail": ""})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.BaseURL+"/chat", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	hc := u.HTTP
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return "", fmt.Errorf("create user %s: %w", username, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("create user %s: status %d", username, resp.StatusCode)
	}
	var out struct {
		MyID string `json:"myId"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("create user %s: %w", username, err)
	}
	return out.MyID, nil
}
