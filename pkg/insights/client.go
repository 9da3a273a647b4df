package insights

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/white/activity-engine/internal/models"
)

// maxHistory bounds how many prior activities are sent as context
const maxHistory = 20

// Client calls the external insight generator
type Client struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// GenerateRequest is the payload sent to the generator
type GenerateRequest struct {
	Activity *models.Activity   `json:"activity"`
	History  []*models.Activity `json:"history,omitempty"`
}

// GenerateResponse is the generator's answer
type GenerateResponse struct {
	Insights []string `json:"insights"`
}

// StatusError is returned for non-2xx responses
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("insight generator returned %d: %s", e.Code, e.Body)
}

// Temporary reports whether retrying may succeed
func (e *StatusError) Temporary() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= 500
}

// NewClient creates a new insight generator client
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

// Generate asks for insights about activity given the contact's history
func (c *Client) Generate(ctx context.Context, activity *models.Activity, history []*models.Activity) ([]string, error) {
	if len(history) > maxHistory {
		history = history[len(history)-maxHistory:]
	}

	body, err := json.Marshal(GenerateRequest{Activity: activity, History: history})
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/insights", bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create request")
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "failed to make request")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}

	var out GenerateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, errors.Wrap(err, "failed to decode response")
	}

	insights := make([]string, 0, len(out.Insights))
	for _, s := range out.Insights {
		if s = strings.TrimSpace(s); s != "" {
			insights = append(insights, s)
		}
	}
	return insights, nil
}
