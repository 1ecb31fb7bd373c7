// Copyright 2025 The fawa Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package client talks to a plugin repository over HTTP.
package client

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fawa-io/qgisrepo/pkg/middleware"
	"github.com/fawa-io/qgisrepo/pkg/storage"
)

const defaultTimeout = 60 * time.Second

// StatusError is returned when the server answers with a non-2xx status.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("server returned %d", e.Code)
	}
	return fmt.Sprintf("server returned %d: %s", e.Code, e.Body)
}

// Unwrap maps 404 to storage.ErrNotFound and 400 to storage.ErrBadRequest.
func (e *StatusError) Unwrap() error {
	switch e.Code {
	case http.StatusNotFound:
		return storage.ErrNotFound
	case http.StatusBadRequest:
		return storage.ErrBadRequest
	}
	return nil
}

// Client is a plugin repository client. BaseURL includes the root path,
// e.g. http://localhost:3008/qgis.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// New returns a client for the repository at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid server url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid server url %q: scheme must be http or https", baseURL)
	}

	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type pushRequest struct {
	Zip  string           `json:"zip"`
	Info storage.Metadata `json:"info"`
}

// Push uploads archive and meta as plugin id, replacing any previous version.
func (c *Client) Push(ctx context.Context, id string, archive []byte, meta storage.Metadata) error {
	if err := storage.ValidateID(id); err != nil {
		return fmt.Errorf("%w: %v", storage.ErrBadRequest, err)
	}
	body, err := json.Marshal(pushRequest{
		Zip:  base64.StdEncoding.EncodeToString(archive),
		Info: meta,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal push request: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPut, c.pluginURL(id), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// List fetches plugins.json.
func (c *Client) List(ctx context.Context) ([]storage.Plugin, error) {
	req, err := c.newRequest(ctx, http.MethodGet, c.baseURL+"/plugins.json", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var plugins []storage.Plugin
	if err := json.NewDecoder(resp.Body).Decode(&plugins); err != nil {
		return nil, fmt.Errorf("failed to decode plugins.json: %w", err)
	}
	return plugins, nil
}

// Download streams the archive of id into w and returns the bytes written.
func (c *Client) Download(ctx context.Context, id string, w io.Writer) (int64, error) {
	if err := storage.ValidateID(id); err != nil {
		return 0, fmt.Errorf("%w: %v", storage.ErrNotFound, err)
	}
	req, err := c.newRequest(ctx, http.MethodGet, c.pluginURL(id), nil)
	if err != nil {
		return 0, err
	}
	resp, err := c.do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return n, fmt.Errorf("failed to read archive: %w", err)
	}
	return n, nil
}

func (c *Client) pluginURL(id string) string {
	return c.baseURL + "/plugins/" + url.PathEscape(id)
}

func (c *Client) newRequest(ctx context.Context, method, target string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set(middleware.RequestIDHeader, uuid.NewString())
	return req, nil
}

// do sends req and turns non-2xx answers into a *StatusError.
func (c *Client) do(req *http.Request) (*http.Response, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	return resp, nil
}
