// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// For commercial licensing, contact: licensing@kraklabs.com
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/hashicorp/go-cleanhttp"
)

// listPageSize is the pagination window for ListPassages.
const listPageSize = 100

// maxErrorBody bounds how much of an error response is kept for messages.
const maxErrorBody = 512

// Client is the Letta implementation of Provider. All calls go through the
// retry policy; errors are classified into the tagged variants at this
// boundary and never leak SDK shapes upward.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	retry   RetryPolicy
	logger  *slog.Logger
}

// ClientConfig configures a Letta client.
type ClientConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	Logger  *slog.Logger
}

// NewClient creates a Letta provider client.
func NewClient(cfg ClientConfig) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 5 * time.Minute
	}
	httpClient := cleanhttp.DefaultPooledClient()
	httpClient.Timeout = timeout

	return &Client{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		http:    httpClient,
		retry:   DefaultRetryPolicy(logger),
		logger:  logger,
	}
}

type blockPayload struct {
	Label string `json:"label"`
	Value string `json:"value"`
	Limit int    `json:"limit"`
}

type createAgentRequest struct {
	Name         string         `json:"name"`
	Description  string         `json:"description,omitempty"`
	Tags         []string       `json:"tags,omitempty"`
	Model        string         `json:"model"`
	Embedding    string         `json:"embedding"`
	MemoryBlocks []blockPayload `json:"memory_blocks"`
	Tools        []string       `json:"tools,omitempty"`
}

type agentResponse struct {
	ID string `json:"id"`
}

// CreateAgent implements Provider. The three fixed blocks are attached with
// the configured byte limit; persona gets its initial value here.
func (c *Client) CreateAgent(ctx context.Context, params CreateAgentParams) (string, error) {
	req := createAgentRequest{
		Name:        params.Name,
		Description: params.Description,
		Tags:        params.Tags,
		Model:       params.Model,
		Embedding:   params.Embedding,
		Tools:       params.Tools,
		MemoryBlocks: []blockPayload{
			{Label: BlockPersona, Value: params.Persona, Limit: params.MemoryBlockLimit},
			{Label: BlockArchitecture, Value: "(not yet surveyed)", Limit: params.MemoryBlockLimit},
			{Label: BlockConventions, Value: "(not yet surveyed)", Limit: params.MemoryBlockLimit},
		},
	}

	var resp agentResponse
	err := c.retry.Do(ctx, "createAgent", func() error {
		return c.do(ctx, http.MethodPost, "/v1/agents/", req, &resp)
	})
	if err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", fmt.Errorf("createAgent: provider returned no agent id")
	}
	return resp.ID, nil
}

// DeleteAgent implements Provider.
func (c *Client) DeleteAgent(ctx context.Context, agentID string) error {
	return c.retry.Do(ctx, "deleteAgent", func() error {
		return c.do(ctx, http.MethodDelete, "/v1/agents/"+url.PathEscape(agentID), nil, nil)
	})
}

type passagePayload struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// StorePassage implements Provider.
func (c *Client) StorePassage(ctx context.Context, agentID, text string) (string, error) {
	var resp []passagePayload
	err := c.retry.Do(ctx, "storePassage", func() error {
		return c.do(ctx, http.MethodPost,
			"/v1/agents/"+url.PathEscape(agentID)+"/archival-memory",
			map[string]string{"text": text}, &resp)
	})
	if err != nil {
		return "", err
	}
	if len(resp) == 0 || resp[0].ID == "" {
		return "", fmt.Errorf("storePassage: provider returned no passage id")
	}
	return resp[0].ID, nil
}

// DeletePassage implements Provider. A 404 is swallowed: the passage is
// already gone and the delete is idempotent.
func (c *Client) DeletePassage(ctx context.Context, agentID, passageID string) error {
	err := c.retry.Do(ctx, "deletePassage", func() error {
		return c.do(ctx, http.MethodDelete,
			"/v1/agents/"+url.PathEscape(agentID)+"/archival-memory/"+url.PathEscape(passageID),
			nil, nil)
	})
	var he *HTTPStatusError
	if errors.As(err, &he) && he.Status == http.StatusNotFound {
		return nil
	}
	return err
}

// ListPassages implements Provider. Pages are fetched with an ascending
// `after` cursor derived from the last passage ID. This assumes the service
// keeps a stable total order over passage IDs under concurrent writes; the
// sync engine never depends on this listing for correctness, only export
// does.
func (c *Client) ListPassages(ctx context.Context, agentID string) ([]Passage, error) {
	var all []Passage
	after := ""

	for {
		path := "/v1/agents/" + url.PathEscape(agentID) + "/archival-memory" +
			"?limit=" + strconv.Itoa(listPageSize) + "&ascending=true"
		if after != "" {
			path += "&after=" + url.QueryEscape(after)
		}

		var page []passagePayload
		err := c.retry.Do(ctx, "listPassages", func() error {
			return c.do(ctx, http.MethodGet, path, nil, &page)
		})
		if err != nil {
			return nil, err
		}
		if len(page) == 0 {
			return all, nil
		}

		for _, p := range page {
			all = append(all, Passage{ID: p.ID, Text: p.Text})
		}
		if len(page) < listPageSize {
			return all, nil
		}
		after = page[len(page)-1].ID
	}
}

type blockResponse struct {
	Value string `json:"value"`
	Limit int    `json:"limit"`
}

// GetBlock implements Provider.
func (c *Client) GetBlock(ctx context.Context, agentID, label string) (Block, error) {
	var resp blockResponse
	err := c.retry.Do(ctx, "getBlock", func() error {
		return c.do(ctx, http.MethodGet,
			"/v1/agents/"+url.PathEscape(agentID)+"/core-memory/blocks/"+url.PathEscape(label),
			nil, &resp)
	})
	if err != nil {
		return Block{}, err
	}
	return Block{Value: resp.Value, Limit: resp.Limit}, nil
}

type messageRequest struct {
	Messages []messagePayload `json:"messages"`
	Model    string           `json:"model,omitempty"`
	MaxSteps int              `json:"max_steps,omitempty"`
}

type messagePayload struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagesResponse struct {
	Messages []struct {
		MessageType string `json:"message_type"`
		Content     string `json:"content"`
	} `json:"messages"`
}

// SendMessage implements Provider. The reply is the concatenation of the
// assistant messages in the response.
func (c *Client) SendMessage(ctx context.Context, agentID, text string, opts *SendOptions) (string, error) {
	req := messageRequest{
		Messages: []messagePayload{{Role: "user", Content: text}},
	}
	if opts != nil {
		req.Model = opts.OverrideModel
		req.MaxSteps = opts.MaxSteps
	}

	var resp messagesResponse
	err := c.retry.Do(ctx, "sendMessage", func() error {
		return c.do(ctx, http.MethodPost,
			"/v1/agents/"+url.PathEscape(agentID)+"/messages", req, &resp)
	})
	if err != nil {
		return "", err
	}

	var reply bytes.Buffer
	for _, m := range resp.Messages {
		if m.MessageType != "assistant_message" {
			continue
		}
		if reply.Len() > 0 {
			reply.WriteString("\n")
		}
		reply.WriteString(m.Content)
	}
	return reply.String(), nil
}

// do issues one HTTP request and decodes the response into out (when
// non-nil). Non-2xx responses become HTTPStatusError with any Retry-After
// parsed; transport failures become classified NetworkErrors.
func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return classifyNetworkError(err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &HTTPStatusError{
			Status:     resp.StatusCode,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
			Body:       string(bytes.TrimSpace(snippet)),
		}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// parseRetryAfter handles both delta-seconds and HTTP-date forms.
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
