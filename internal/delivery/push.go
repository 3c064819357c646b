package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// FCM speaks the legacy multicast HTTP protocol: one request per recipient,
// one result per registration id.
type FCM struct {
	Endpoint  string
	ServerKey string
	Client    *http.Client
}

type fcmRequest struct {
	RegistrationIDs []string          `json:"registration_ids"`
	Notification    fcmNotification   `json:"notification"`
	Data            map[string]string `json:"data,omitempty"`
}

type fcmNotification struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

type fcmResponse struct {
	Success int `json:"success"`
	Failure int `json:"failure"`
	Results []struct {
		MessageID string `json:"message_id,omitempty"`
		Error     string `json:"error,omitempty"`
	} `json:"results"`
}

func (f *FCM) SendPush(ctx context.Context, tokens []string, title, body string, data map[string]string) (PushResult, error) {
	if len(tokens) == 0 {
		return PushResult{}, ErrNoEndpoint
	}
	payload, err := json.Marshal(fcmRequest{
		RegistrationIDs: tokens,
		Notification:    fcmNotification{Title: title, Body: body},
		Data:            data,
	})
	if err != nil {
		return PushResult{}, Permanent(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return PushResult{}, Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if f.ServerKey != "" {
		req.Header.Set("Authorization", "key="+f.ServerKey)
	}
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	res, err := client.Do(req)
	if err != nil {
		return PushResult{}, Transient(err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 2048))
		err := fmt.Errorf("push provider status %d: %s", res.StatusCode, strings.TrimSpace(string(msg)))
		if res.StatusCode >= 500 || res.StatusCode == http.StatusTooManyRequests {
			return PushResult{}, Transient(err)
		}
		return PushResult{}, Permanent(err)
	}
	var out fcmResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return PushResult{}, Transient(fmt.Errorf("decode push response: %w", err))
	}
	result := PushResult{Success: out.Success, Failure: out.Failure}
	for i, r := range out.Results {
		if i >= len(tokens) {
			break
		}
		if r.Error == "NotRegistered" || r.Error == "InvalidRegistration" {
			result.Unregistered = append(result.Unregistered, tokens[i])
		}
	}
	return result, nil
}

var _ PushSender = (*FCM)(nil)
