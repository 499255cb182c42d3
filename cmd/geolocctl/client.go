package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"
)

// apiClient talks to the geolocd REST and websocket endpoints
type apiClient struct {
	base *url.URL
	auth string
	http *http.Client
}

func newAPIClient(rawURL, auth string, hc *http.Client) (*apiClient, error) {
	base, err := url.Parse(strings.TrimRight(rawURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid server URL: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("invalid server URL %q: scheme must be http or https", rawURL)
	}
	if hc == nil {
		hc = http.DefaultClient
	}
	return &apiClient{base: base, auth: auth, http: hc}, nil
}

func (c *apiClient) endpoint(path string, query url.Values) *url.URL {
	u := *c.base
	u.Path = c.base.Path + path
	u.RawQuery = query.Encode()
	return &u
}

// get fetches path and returns the raw JSON body of a 2xx response
func (c *apiClient) get(ctx context.Context, path string, query url.Values) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(path, query).String(), nil)
	if err != nil {
		return nil, err
	}
	if c.auth != "" {
		req.Header.Set("X-API-Key", c.auth)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			return nil, fmt.Errorf("%s: %s", resp.Status, apiErr.Error)
		}
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("server returned invalid JSON")
	}
	return body, nil
}

// stream dials the websocket endpoint and calls fn for every message until
// ctx ends or the server closes the connection
func (c *apiClient) stream(ctx context.Context, query url.Values, fn func(json.RawMessage) error) error {
	u := c.endpoint("/api/v1/stream", query)
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	header := http.Header{}
	if c.auth != "" {
		header.Set("X-API-Key", c.auth)
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("stream rejected: %s", resp.Status)
		}
		return fmt.Errorf("stream connection failed: %w", err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("stream read failed: %w", err)
		}
		if err := fn(msg); err != nil {
			return err
		}
	}
}
