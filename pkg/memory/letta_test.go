// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c := NewClient(ClientConfig{BaseURL: srv.URL, APIKey: "key-1"})
	// No sleeping in tests.
	c.retry.sleep = func(context.Context, time.Duration) error { return nil }
	return c
}

func TestClient_DeletePassage_404IsSuccess(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	err := c.DeletePassage(context.Background(), "agent-1", "p-gone")
	assert.NoError(t, err)
}

func TestClient_StorePassage_EmptyIDFails(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]passagePayload{{ID: "", Text: "x"}})
	}))

	_, err := c.StorePassage(context.Background(), "agent-1", "text")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no passage id")
}

func TestClient_StorePassage_RetriesOn429(t *testing.T) {
	calls := 0
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls <= 2 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_ = json.NewEncoder(w).Encode([]passagePayload{{ID: "p-1", Text: "t"}})
	}))

	id, err := c.StorePassage(context.Background(), "agent-1", "text")
	require.NoError(t, err)
	assert.Equal(t, "p-1", id)
	assert.Equal(t, 3, calls)
}

func TestClient_ListPassages_Paginates(t *testing.T) {
	const total = listPageSize + 42

	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		after := r.URL.Query().Get("after")
		assert.Equal(t, "true", r.URL.Query().Get("ascending"))

		start := 0
		if after != "" {
			n, err := strconv.Atoi(after[2:]) // p-<n>
			require.NoError(t, err)
			start = n + 1
		}

		var page []passagePayload
		for i := start; i < total && len(page) < listPageSize; i++ {
			page = append(page, passagePayload{ID: fmt.Sprintf("p-%d", i), Text: "t"})
		}
		_ = json.NewEncoder(w).Encode(page)
	}))

	passages, err := c.ListPassages(context.Background(), "agent-1")
	require.NoError(t, err)
	require.Len(t, passages, total)
	assert.Equal(t, "p-0", passages[0].ID)
	assert.Equal(t, fmt.Sprintf("p-%d", total-1), passages[total-1].ID)
}

func TestClient_SendMessage_ExtractsAssistantReply(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer key-1", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"messages": [
			{"message_type": "reasoning_message", "content": "thinking"},
			{"message_type": "assistant_message", "content": "the answer"}
		]}`))
	}))

	reply, err := c.SendMessage(context.Background(), "agent-1", "question?", nil)
	require.NoError(t, err)
	assert.Equal(t, "the answer", reply)
}

func TestClient_PermanentErrorSurfacesBody(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"detail": "bad embedding config"}`))
	}))

	_, err := c.CreateAgent(context.Background(), CreateAgentParams{Name: "x"})
	require.Error(t, err)

	var he *HTTPStatusError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, 422, he.Status)
	assert.Contains(t, he.Body, "bad embedding config")
}
