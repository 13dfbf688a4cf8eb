// bluebridge - A polling REST adapter for BlueBubbles-style iMessage servers.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package connector

import (
	"time"
)

// ItemType discriminates the ConversationItem variants.
type ItemType int

const (
	ItemTypeMessage ItemType = iota
	ItemTypeParticipantAction
	ItemTypeChatRename
)

// TapbackType is one of the six reaction kinds. The numeric values match the
// offsets of the legacy wire code space (2000+n adds, 3000+n removes).
type TapbackType int

const (
	TapbackLove TapbackType = iota
	TapbackLike
	TapbackDislike
	TapbackLaugh
	TapbackEmphasis
	TapbackQuestion
)

func (t TapbackType) String() string {
	switch t {
	case TapbackLove:
		return "love"
	case TapbackLike:
		return "like"
	case TapbackDislike:
		return "dislike"
	case TapbackLaugh:
		return "laugh"
	case TapbackEmphasis:
		return "emphasis"
	case TapbackQuestion:
		return "question"
	default:
		return "unknown"
	}
}

// MessageStatus is the delivery state of a message. It only ever moves
// forward: Unconfirmed → Sent → Delivered → Read.
type MessageStatus int

const (
	StatusUnconfirmed MessageStatus = iota
	StatusSent
	StatusDelivered
	StatusRead
)

func (s MessageStatus) String() string {
	switch s {
	case StatusUnconfirmed:
		return "unconfirmed"
	case StatusSent:
		return "sent"
	case StatusDelivered:
		return "delivered"
	case StatusRead:
		return "read"
	default:
		return "unknown"
	}
}

// ServiceType is the transport a conversation rides on.
type ServiceType string

const (
	ServiceIMessage ServiceType = "iMessage"
	ServiceSMS      ServiceType = "SMS"
)

// MessageErrorCode classifies send failures surfaced to the listener.
type MessageErrorCode int

const (
	MessageErrorNone MessageErrorCode = iota
	MessageErrorNetwork
	MessageErrorUnregistered
	MessageErrorRejected
)

// ConnErrorCode classifies connection teardown reasons for OnClose.
type ConnErrorCode int

const (
	// ConnErrorConnection is the default code for a plain disconnect.
	ConnErrorConnection ConnErrorCode = iota
	// ConnErrorExternal means the initial capability handshake failed.
	ConnErrorExternal
	// ConnErrorUnauthorized means the server rejected the credential.
	ConnErrorUnauthorized
)

// ItemMeta holds the fields shared by every ConversationItem variant.
// ServerID and GUID are both unset only while an outgoing message is in its
// optimistic, not-yet-confirmed phase.
type ItemMeta struct {
	ServerID *int64
	GUID     string
	ChatGUID string
	Date     time.Time
}

func (m *ItemMeta) Meta() *ItemMeta {
	return m
}

// ConversationItem is the tagged union of everything that can appear in a
// conversation timeline. Concrete types: *MessageItem,
// *ParticipantActionItem, *ChatRenameItem.
type ConversationItem interface {
	Meta() *ItemMeta
	Type() ItemType
}

// FileProgress marks an in-flight attachment upload on an optimistic item.
type FileProgress struct {
	Indeterminate bool
	SentBytes     int64
	TotalBytes    int64
}

// MessageItem is a regular message. Sender is empty for messages authored by
// the local user. Items are immutable value objects once emitted; the
// adapter holds no canonical store of them.
type MessageItem struct {
	ItemMeta
	// LocalID is the client-chosen temp identifier, set while unconfirmed
	// and echoed back by the server so the listener can reconcile.
	LocalID     string
	Text        string
	Subject     string
	Sender      string
	Attachments []Attachment
	Tapbacks    []TapbackItem
	Status      MessageStatus
	StatusDate  time.Time
	Error       MessageErrorCode
	Progress    *FileProgress
}

func (m *MessageItem) Type() ItemType {
	return ItemTypeMessage
}

type ParticipantActionType int

const (
	ParticipantJoin ParticipantActionType = iota
	ParticipantLeave
)

// ParticipantActionItem is a group membership change.
type ParticipantActionItem struct {
	ItemMeta
	Sender string
	Target string
	Action ParticipantActionType
}

func (p *ParticipantActionItem) Type() ItemType {
	return ItemTypeParticipantAction
}

// ChatRenameItem is a group display-name change.
type ChatRenameItem struct {
	ItemMeta
	Sender  string
	NewName string
}

func (r *ChatRenameItem) Type() ItemType {
	return ItemTypeChatRename
}

// TapbackItem is a modifier, not a standalone item: a reaction event against
// a specific message. For a given (MessageGUID, Sender, Tapback) triple at
// most one addition is live at a time.
type TapbackItem struct {
	MessageGUID string
	Sender      string
	IsAddition  bool
	Tapback     TapbackType
}

// Attachment is a file owned by exactly one MessageItem.
type Attachment struct {
	GUID     string
	Name     string
	MimeType string
	Size     int64
	Blurhash string
}

// Conversation is either linked (backed by a server chat GUID) or unlinked
// (identified only by its participant set and service, before the chat
// exists server-side). An unlinked conversation is promoted to linked
// exactly once, via the target resolver cache.
type Conversation struct {
	GUID         string
	Service      ServiceType
	Name         string
	Participants []string
	Preview      *MessageItem
}

// Linked reports whether the conversation is backed by a server chat.
func (c *Conversation) Linked() bool {
	return c.GUID != ""
}

// ConversationUpdate pairs a chat GUID with its current conversation state,
// nil when the chat is gone.
type ConversationUpdate struct {
	GUID         string
	Conversation *Conversation
}

// ThreadFetchMetadata reports the server sequence number boundaries observed
// across the fetches for one thread. It drives pagination continuation only;
// ordering is always by date.
type ThreadFetchMetadata struct {
	OldestServerID *int64
	NewestServerID *int64
	HasMore        bool
}
