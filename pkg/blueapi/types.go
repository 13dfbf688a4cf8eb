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
	"encoding/json"
	"fmt"
	"strconv"

	"go.mau.fi/util/jsontime"
)

// Chat is a conversation thread on the server (1:1 or group).
type Chat struct {
	OriginalROWID  int64     `json:"originalROWID,omitempty"`
	GUID           string    `json:"guid"`
	ChatIdentifier string    `json:"chatIdentifier,omitempty"`
	DisplayName    string    `json:"displayName,omitempty"`
	Style          int       `json:"style,omitempty"`
	IsArchived     bool      `json:"isArchived,omitempty"`
	Participants   []Handle  `json:"participants,omitempty"`
	LastMessage    *Message  `json:"lastMessage,omitempty"`
}

// Handle is a participant address (phone number or email) plus its service.
type Handle struct {
	Address string `json:"address"`
	Service string `json:"service,omitempty"`
	Country string `json:"country,omitempty"`
}

// Message is the flattened wire record the server uses for everything that
// lives in a chat: plain messages, group actions, renames, and reactions.
type Message struct {
	OriginalROWID int64  `json:"originalROWID,omitempty"`
	GUID          string `json:"guid"`
	TempGUID      string `json:"tempGuid,omitempty"`
	Text          string `json:"text,omitempty"`
	Subject       string `json:"subject,omitempty"`

	ItemType        int    `json:"itemType"`
	GroupActionType int    `json:"groupActionType,omitempty"`
	GroupTitle      string `json:"groupTitle,omitempty"`

	Handle      *Handle `json:"handle,omitempty"`
	OtherHandle *Handle `json:"otherHandle,omitempty"`
	IsFromMe    bool    `json:"isFromMe"`

	Chats       []Chat       `json:"chats,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`

	// Structured reaction linkage. Both fields are set iff this record is a
	// reaction; the type is numeric on legacy servers and a string identifier
	// on newer ones.
	AssociatedMessageGUID string                 `json:"associatedMessageGuid,omitempty"`
	AssociatedMessageType *AssociatedMessageType `json:"associatedMessageType,omitempty"`

	DateCreated   jsontime.UnixMilli `json:"dateCreated"`
	DateRead      jsontime.UnixMilli `json:"dateRead,omitempty"`
	DateDelivered jsontime.UnixMilli `json:"dateDelivered,omitempty"`
	IsDelivered   bool               `json:"isDelivered,omitempty"`

	Error int `json:"error,omitempty"`
}

// AssociatedMessageType carries the reaction identifier in whichever of the
// two wire encodings the server speaks: a legacy numeric code (2000+n adds,
// 3000+n removes) or a newer string identifier ("love", "-love", ...).
type AssociatedMessageType struct {
	Code     int64
	Name     string
	IsNumber bool
}

func (t *AssociatedMessageType) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	if data[0] == '"' {
		return json.Unmarshal(data, &t.Name)
	}
	code, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid associated message type %q: %w", data, err)
	}
	t.Code = code
	t.IsNumber = true
	return nil
}

func (t AssociatedMessageType) MarshalJSON() ([]byte, error) {
	if t.IsNumber {
		return json.Marshal(t.Code)
	}
	return json.Marshal(t.Name)
}

func (t AssociatedMessageType) String() string {
	if t.IsNumber {
		return strconv.FormatInt(t.Code, 10)
	}
	return t.Name
}

// Attachment is a file attached to a message. HideAttachment marks sideband
// records the server keeps for its own bookkeeping; clients must filter them.
type Attachment struct {
	OriginalROWID  int64  `json:"originalROWID,omitempty"`
	GUID           string `json:"guid"`
	TransferName   string `json:"transferName,omitempty"`
	MimeType       string `json:"mimeType,omitempty"`
	TotalBytes     int64  `json:"totalBytes,omitempty"`
	HideAttachment bool   `json:"hideAttachment,omitempty"`
	Blurhash       string `json:"blurhash,omitempty"`
	Height         int    `json:"height,omitempty"`
	Width          int    `json:"width,omitempty"`
}

// ServerMetadata is the /server/info payload.
type ServerMetadata struct {
	OSVersion       string `json:"os_version"`
	ServerVersion   string `json:"server_version"`
	PrivateAPI      bool   `json:"private_api"`
	HelperConnected bool   `json:"helper_connected"`
	ProxyService    string `json:"proxy_service,omitempty"`
	DetectedICloud  string `json:"detected_icloud,omitempty"`
}

// ServerFeatures is the /server/features payload. Older servers don't expose
// the endpoint at all; see Client.ServerFeatures for the degradation path.
type ServerFeatures struct {
	PrivateAPI        bool `json:"private_api"`
	DeliveredReceipts bool `json:"delivered_receipts"`
	ReadReceipts      bool `json:"read_receipts"`
	Reactions         bool `json:"reactions"`
	FaceTime          bool `json:"facetime"`
}

// ChatQuery is the body of POST /chat/query.
type ChatQuery struct {
	With   []string `json:"with,omitempty"`
	Sort   string   `json:"sort,omitempty"`
	Limit  int      `json:"limit,omitempty"`
	Offset int      `json:"offset,omitempty"`
}

// MessageQuery is the body of POST /message/query.
type MessageQuery struct {
	ChatGUID string           `json:"chatGuid,omitempty"`
	With     []string         `json:"with,omitempty"`
	Where    []QueryCondition `json:"where,omitempty"`
	Sort     string           `json:"sort,omitempty"`
	After    int64            `json:"after,omitempty"`
	Before   int64            `json:"before,omitempty"`
	Limit    int              `json:"limit,omitempty"`
	Offset   int              `json:"offset,omitempty"`
}

// QueryCondition is a parameterized where clause for POST /message/query.
type QueryCondition struct {
	Statement string         `json:"statement"`
	Args      map[string]any `json:"args"`
}

// CreateChatRequest is the body of POST /chat/new.
type CreateChatRequest struct {
	Addresses []string `json:"addresses"`
	Service   string   `json:"service"`
	Message   string   `json:"message,omitempty"`
}

// SendTextRequest is the body of POST /message/text.
type SendTextRequest struct {
	ChatGUID string `json:"chatGuid"`
	TempGUID string `json:"tempGuid"`
	Message  string `json:"message"`
	Subject  string `json:"subject,omitempty"`
	Method   string `json:"method,omitempty"`
}
