// bluebridge - A polling REST adapter for BlueBubbles-style iMessage servers.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package blueapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return &Client{
		BaseURL:  srv.URL + "/api/v1",
		Password: "hunter2",
		HTTP:     srv.Client(),
	}
}

func writeEnvelope(w http.ResponseWriter, data any) {
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":  200,
		"message": "Success",
		"data":    data,
	})
}

func TestClientBearerAuth(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/general/ping", r.URL.Path)
		assert.Equal(t, "Bearer hunter2", r.Header.Get("Authorization"))
		assert.Empty(t, r.URL.Query().Get("password"))
		writeEnvelope(w, "pong")
	})
	require.NoError(t, client.Ping(context.Background()))
}

func TestClientGUIDAuth(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		// Legacy mode sends the credential both ways.
		assert.Equal(t, "hunter2", r.URL.Query().Get("password"))
		assert.Equal(t, "testdevice", r.URL.Query().Get("device"))
		assert.Equal(t, "Bearer hunter2", r.Header.Get("Authorization"))
		writeEnvelope(w, "pong")
	})
	client.GUIDAuth = true
	client.DeviceName = "testdevice"
	require.NoError(t, client.Ping(context.Background()))
}

func TestDecodeErrorStructured(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status": 401,
			"error":  map[string]string{"type": "auth", "message": "bad password"},
		})
	})
	err := client.Ping(context.Background())
	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 401, apiErr.Status)
	assert.Equal(t, "bad password", apiErr.Details)
}

func TestDecodeErrorFallback(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("<html>nope</html>"))
	})
	err := client.Ping(context.Background())
	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadGateway, apiErr.Status)
	assert.Contains(t, apiErr.Details, "502")
}

func TestServerFeatures(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/server/features", r.URL.Path)
		writeEnvelope(w, map[string]bool{
			"private_api":        true,
			"delivered_receipts": true,
			"read_receipts":      false,
			"reactions":          true,
			"facetime":           false,
		})
	})
	features, err := client.ServerFeatures(context.Background(), &ServerMetadata{})
	require.NoError(t, err)
	assert.True(t, features.PrivateAPI)
	assert.True(t, features.DeliveredReceipts)
	assert.False(t, features.ReadReceipts)
	assert.True(t, features.Reactions)
}

func TestServerFeaturesFallback(t *testing.T) {
	for _, status := range []int{http.StatusNotFound, http.StatusNotImplemented} {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
		})
		features, err := client.ServerFeatures(context.Background(), &ServerMetadata{PrivateAPI: true})
		require.NoError(t, err)
		assert.True(t, features.PrivateAPI)
		assert.True(t, features.DeliveredReceipts)
		assert.True(t, features.ReadReceipts)
		assert.True(t, features.Reactions)
		assert.False(t, features.FaceTime)
	}
}

func TestServerFeaturesFallbackOtherError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	_, err := client.ServerFeatures(context.Background(), &ServerMetadata{PrivateAPI: true})
	require.Error(t, err)
}

func TestQueryMessages(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/message/query", r.URL.Path)
		require.Equal(t, http.MethodPost, r.Method)
		var query MessageQuery
		require.NoError(t, json.NewDecoder(r.Body).Decode(&query))
		assert.Equal(t, int64(1700000000000), query.After)
		assert.Equal(t, "DESC", query.Sort)
		writeEnvelope(w, []map[string]any{
			{"guid": "msg-1", "text": "hello", "dateCreated": 1700000001000},
			{"guid": "msg-2", "text": "world", "dateCreated": 1700000002000},
		})
	})
	msgs, err := client.QueryMessages(context.Background(), &MessageQuery{
		Sort:  "DESC",
		After: 1700000000000,
	})
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "msg-1", msgs[0].GUID)
	assert.Equal(t, "world", msgs[1].Text)
	assert.False(t, msgs[0].DateCreated.IsZero())
}

func TestAssociatedMessageTypeDecoding(t *testing.T) {
	var numeric Message
	require.NoError(t, json.Unmarshal([]byte(`{"guid":"a","associatedMessageType":2001,"dateCreated":0}`), &numeric))
	require.NotNil(t, numeric.AssociatedMessageType)
	assert.True(t, numeric.AssociatedMessageType.IsNumber)
	assert.Equal(t, int64(2001), numeric.AssociatedMessageType.Code)

	var named Message
	require.NoError(t, json.Unmarshal([]byte(`{"guid":"b","associatedMessageType":"-love","dateCreated":0}`), &named))
	require.NotNil(t, named.AssociatedMessageType)
	assert.False(t, named.AssociatedMessageType.IsNumber)
	assert.Equal(t, "-love", named.AssociatedMessageType.Name)
}

func TestUploadAttachment(t *testing.T) {
	payload := strings.Repeat("x", 10000)
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/message/attachment", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1 << 20))
		assert.Equal(t, "chat-guid", r.FormValue("chatGuid"))
		assert.Equal(t, "temp-guid", r.FormValue("tempGuid"))
		assert.Equal(t, "photo.jpg", r.FormValue("name"))
		file, _, err := r.FormFile("attachment")
		require.NoError(t, err)
		defer file.Close()
		data, err := io.ReadAll(file)
		require.NoError(t, err)
		assert.Len(t, data, len(payload))
		writeEnvelope(w, map[string]any{"guid": "created-guid", "dateCreated": 1700000000000})
	})

	var lastSent int64
	msg, err := client.UploadAttachment(context.Background(), "chat-guid", "temp-guid", "photo.jpg",
		strings.NewReader(payload), func(sent int64) { lastSent = sent })
	require.NoError(t, err)
	assert.Equal(t, "created-guid", msg.GUID)
	assert.Greater(t, lastSent, int64(len(payload)))
}

func TestDownloadAttachment(t *testing.T) {
	content := []byte("attachment bytes")
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/attachment/att-guid", r.URL.Path)
		_, _ = w.Write(content)
	})
	stream, length, err := client.DownloadAttachment(context.Background(), "att-guid")
	require.NoError(t, err)
	defer stream.Close()
	assert.Equal(t, int64(len(content)), length)
	data, err := io.ReadAll(stream)
	require.NoError(t, err)
	assert.Equal(t, content, data)
}

func TestDownloadAttachmentError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	_, _, err := client.DownloadAttachment(context.Background(), "missing")
	var apiErr *Error
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
}
