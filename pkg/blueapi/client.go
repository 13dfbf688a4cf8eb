// bluebridge - A polling REST adapter for BlueBubbles-style iMessage servers.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package blueapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

// Error is a typed wire-level failure: any non-2xx response, with the
// server's structured error body when one could be parsed.
type Error struct {
	Status  int
	Details string
}

func (e *Error) Error() string {
	return fmt.Sprintf("api error %d: %s", e.Status, e.Details)
}

// Client issues authenticated requests against the server's REST surface.
// It is stateless and never retries; callers own retry policy.
type Client struct {
	// BaseURL is the server root including the API prefix, e.g.
	// "http://localhost:1234/api/v1".
	BaseURL  string
	Password string

	// GUIDAuth enables the legacy credential mode: the password and device
	// name are appended as query parameters. The bearer header is still sent
	// so mixed deployments keep working.
	GUIDAuth   bool
	DeviceName string

	HTTP *http.Client
	Log  zerolog.Logger
}

// envelope is the server's standard response wrapper.
type envelope struct {
	Status  int             `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
	Error   *errorBody      `json:"error,omitempty"`
}

type errorBody struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func (c *Client) httpClient() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return http.DefaultClient
}

func (c *Client) buildURL(path string, query url.Values) string {
	if query == nil {
		query = url.Values{}
	}
	if c.GUIDAuth {
		query.Set("password", c.Password)
		query.Set("device", c.DeviceName)
	}
	u := strings.TrimRight(c.BaseURL, "/") + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

func (c *Client) newRequest(ctx context.Context, method, path string, query url.Values, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.buildURL(path, query), body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.Password)
	req.Header.Set("Accept", "application/json")
	return req, nil
}

// decodeError turns a non-2xx response into *Error, preferring the server's
// structured error body and falling back to the HTTP status text.
func decodeError(resp *http.Response) *Error {
	apiErr := &Error{Status: resp.StatusCode, Details: resp.Status}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return apiErr
	}
	var env envelope
	if err = json.Unmarshal(raw, &env); err != nil {
		return apiErr
	}
	if env.Error != nil && env.Error.Message != "" {
		apiErr.Details = env.Error.Message
	} else if env.Message != "" {
		apiErr.Details = env.Message
	}
	return apiErr
}

// request performs one JSON round trip and decodes the envelope's data field
// into out (when out is non-nil).
func (c *Client) request(ctx context.Context, method, path string, query url.Values, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		reqBody = bytes.NewReader(encoded)
	}
	req, err := c.newRequest(ctx, method, path, query, reqBody)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.Log.Trace().Str("method", method).Str("path", path).Msg("API request")
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	var env envelope
	if err = json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	if len(env.Data) == 0 || bytes.Equal(env.Data, []byte("null")) {
		return nil
	}
	if err = json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("failed to parse response data: %w", err)
	}
	return nil
}

// ============================================================================
// Server metadata
// ============================================================================

func (c *Client) Ping(ctx context.Context) error {
	return c.request(ctx, http.MethodGet, "/general/ping", nil, nil, nil)
}

func (c *Client) ServerInfo(ctx context.Context) (*ServerMetadata, error) {
	var meta ServerMetadata
	if err := c.request(ctx, http.MethodGet, "/server/info", nil, nil, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

// ServerFeatures fetches per-feature capability flags. Servers that predate
// the endpoint answer 404 or 501; those degrade to flags derived from the
// /server/info private-API bit.
func (c *Client) ServerFeatures(ctx context.Context, info *ServerMetadata) (*ServerFeatures, error) {
	var features ServerFeatures
	err := c.request(ctx, http.MethodGet, "/server/features", nil, nil, &features)
	if err == nil {
		return &features, nil
	}
	var apiErr *Error
	if errors.As(err, &apiErr) && (apiErr.Status == http.StatusNotFound || apiErr.Status == http.StatusNotImplemented) && info != nil {
		c.Log.Debug().Int("status", apiErr.Status).
			Msg("Server has no features endpoint, deriving flags from server info")
		return &ServerFeatures{
			PrivateAPI:        info.PrivateAPI,
			DeliveredReceipts: info.PrivateAPI,
			ReadReceipts:      info.PrivateAPI,
			Reactions:         info.PrivateAPI,
		}, nil
	}
	return nil, err
}

// ============================================================================
// Chats
// ============================================================================

func (c *Client) QueryChats(ctx context.Context, query *ChatQuery) ([]Chat, error) {
	var chats []Chat
	if err := c.request(ctx, http.MethodPost, "/chat/query", nil, query, &chats); err != nil {
		return nil, err
	}
	return chats, nil
}

func (c *Client) GetChat(ctx context.Context, guid string) (*Chat, error) {
	query := url.Values{"with": {"participants,lastmessage"}}
	var chat Chat
	if err := c.request(ctx, http.MethodGet, "/chat/"+url.PathEscape(guid), query, nil, &chat); err != nil {
		return nil, err
	}
	return &chat, nil
}

func (c *Client) CreateChat(ctx context.Context, req *CreateChatRequest) (*Chat, error) {
	var chat Chat
	if err := c.request(ctx, http.MethodPost, "/chat/new", nil, req, &chat); err != nil {
		return nil, err
	}
	return &chat, nil
}

// ============================================================================
// Messages
// ============================================================================

// ChatMessagesParams parameterizes GET /chat/{guid}/message.
type ChatMessagesParams struct {
	With   []string
	Sort   string
	Limit  int
	Offset int
	After  int64
	Before int64
}

func (c *Client) ChatMessages(ctx context.Context, chatGUID string, params *ChatMessagesParams) ([]Message, error) {
	query := url.Values{}
	if params != nil {
		if len(params.With) > 0 {
			query.Set("with", strings.Join(params.With, ","))
		}
		if params.Sort != "" {
			query.Set("sort", params.Sort)
		}
		if params.Limit > 0 {
			query.Set("limit", strconv.Itoa(params.Limit))
		}
		if params.Offset > 0 {
			query.Set("offset", strconv.Itoa(params.Offset))
		}
		if params.After > 0 {
			query.Set("after", strconv.FormatInt(params.After, 10))
		}
		if params.Before > 0 {
			query.Set("before", strconv.FormatInt(params.Before, 10))
		}
	}
	var msgs []Message
	err := c.request(ctx, http.MethodGet, "/chat/"+url.PathEscape(chatGUID)+"/message", query, nil, &msgs)
	if err != nil {
		return nil, err
	}
	return msgs, nil
}

func (c *Client) QueryMessages(ctx context.Context, query *MessageQuery) ([]Message, error) {
	var msgs []Message
	if err := c.request(ctx, http.MethodPost, "/message/query", nil, query, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

func (c *Client) SendText(ctx context.Context, req *SendTextRequest) (*Message, error) {
	var msg Message
	if err := c.request(ctx, http.MethodPost, "/message/text", nil, req, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// ============================================================================
// Attachments
// ============================================================================

// UploadProgress is called with the cumulative number of body bytes written
// so far while an attachment upload is in flight.
type UploadProgress func(sentBytes int64)

type progressReader struct {
	inner    io.Reader
	sent     int64
	progress UploadProgress
}

func (r *progressReader) Read(p []byte) (int, error) {
	n, err := r.inner.Read(p)
	if n > 0 {
		r.sent += int64(n)
		if r.progress != nil {
			r.progress(r.sent)
		}
	}
	return n, err
}

// UploadAttachment streams a multipart upload of one file and resolves to the
// message record the server created for it.
func (c *Client) UploadAttachment(ctx context.Context, chatGUID, tempGUID, name string, data io.Reader, progress UploadProgress) (*Message, error) {
	pipeReader, pipeWriter := io.Pipe()
	writer := multipart.NewWriter(pipeWriter)
	go func() {
		err := writeAttachmentForm(writer, chatGUID, tempGUID, name, data)
		if err != nil {
			_ = pipeWriter.CloseWithError(err)
			return
		}
		_ = pipeWriter.CloseWithError(writer.Close())
	}()

	req, err := c.newRequest(ctx, http.MethodPost, "/message/attachment", nil, &progressReader{
		inner:    pipeReader,
		progress: progress,
	})
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return nil, fmt.Errorf("upload failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, decodeError(resp)
	}
	var env envelope
	if err = json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("failed to parse upload response: %w", err)
	}
	var msg Message
	if err = json.Unmarshal(env.Data, &msg); err != nil {
		return nil, fmt.Errorf("failed to parse created message: %w", err)
	}
	return &msg, nil
}

func writeAttachmentForm(writer *multipart.Writer, chatGUID, tempGUID, name string, data io.Reader) error {
	for field, value := range map[string]string{
		"chatGuid": chatGUID,
		"tempGuid": tempGUID,
		"name":     name,
	} {
		if err := writer.WriteField(field, value); err != nil {
			return err
		}
	}
	part, err := writer.CreateFormFile("attachment", name)
	if err != nil {
		return err
	}
	_, err = io.Copy(part, data)
	return err
}

// DownloadAttachment returns the attachment bytes as a stream plus the
// declared content length (-1 when the server didn't declare one). The caller
// owns closing the stream.
func (c *Client) DownloadAttachment(ctx context.Context, guid string) (io.ReadCloser, int64, error) {
	return c.downloadPath(ctx, "/attachment/"+url.PathEscape(guid))
}

func (c *Client) DownloadAttachmentThumbnail(ctx context.Context, guid string) (io.ReadCloser, int64, error) {
	return c.downloadPath(ctx, "/attachment/"+url.PathEscape(guid)+"/thumbnail")
}

func (c *Client) downloadPath(ctx context.Context, path string) (io.ReadCloser, int64, error) {
	req, err := c.newRequest(ctx, http.MethodGet, path, nil, nil)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Del("Accept")
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("download failed: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		return nil, 0, decodeError(resp)
	}
	return resp.Body, resp.ContentLength, nil
}
