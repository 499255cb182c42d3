package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientGet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-API-Key") != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"unauthorized"}`))
			return
		}
		assert.Equal(t, "/api/v1/location", r.URL.Path)
		assert.Equal(t, "street", r.URL.Query().Get("accuracy"))
		_, _ = w.Write([]byte(`{"accuracy_level":"street","location":{"latitude":59.3}}`))
	}))
	defer srv.Close()

	client, err := newAPIClient(srv.URL+"/", "secret", nil)
	require.NoError(t, err)
	body, err := client.get(context.Background(), "/api/v1/location", url.Values{"accuracy": {"street"}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"accuracy_level":"street","location":{"latitude":59.3}}`, string(body))

	other, err := newAPIClient(srv.URL, "wrong", nil)
	require.NoError(t, err)
	_, err = other.get(context.Background(), "/api/v1/location", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unauthorized")
}

func TestNewAPIClientRejectsBadScheme(t *testing.T) {
	_, err := newAPIClient("ftp://example.com", "", nil)
	assert.Error(t, err)
}

func TestClientStream(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/stream", r.URL.Path)
		assert.Equal(t, "city", r.URL.Query().Get("accuracy"))
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"location","n":1}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"location","n":2}`))
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		time.Sleep(50 * time.Millisecond)
	}))
	defer srv.Close()

	client, err := newAPIClient(srv.URL, "", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var got []string
	err = client.stream(ctx, url.Values{"accuracy": {"city"}}, func(msg json.RawMessage) error {
		got = append(got, string(msg))
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{`{"type":"location","n":1}`, `{"type":"location","n":2}`}, got)
}

func TestPrintJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, printJSON(&buf, json.RawMessage(`{"a": 1}`), true))
	assert.Equal(t, "{\"a\":1}\n", buf.String())

	buf.Reset()
	require.NoError(t, printJSON(&buf, json.RawMessage(`{"a":1}`), false))
	assert.Equal(t, "{\n  \"a\": 1\n}\n", buf.String())

	assert.Error(t, printJSON(&buf, json.RawMessage(`{`), false))
}
