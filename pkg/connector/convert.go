// bluebridge - A polling REST adapter for BlueBubbles-style iMessage servers.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package connector

import (
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/util/ptr"

	"github.com/lrhodin/bluebridge/pkg/blueapi"
)

// Wire itemType values.
const (
	wireItemMessage           = 0
	wireItemParticipantChange = 1
	wireItemRename            = 2
)

// Wire groupActionType values for participant changes.
const (
	wireActionJoin  = 0
	wireActionLeave = 1
)

func chatToConversation(chat *blueapi.Chat, features *blueapi.ServerFeatures) *Conversation {
	conv := &Conversation{
		GUID:    chat.GUID,
		Service: chatService(chat.GUID),
		Name:    chat.DisplayName,
	}
	for _, handle := range chat.Participants {
		conv.Participants = append(conv.Participants, handle.Address)
	}
	if chat.LastMessage != nil {
		if item, ok := messageToItem(chat.LastMessage, features, zerolog.Nop()).(*MessageItem); ok {
			if item.ChatGUID == "" {
				item.ChatGUID = chat.GUID
			}
			conv.Preview = item
		}
	}
	return conv
}

// chatService derives the transport from the chat GUID, which the server
// prefixes with the service name ("iMessage;-;+15551234567").
func chatService(chatGUID string) ServiceType {
	if strings.HasPrefix(chatGUID, string(ServiceSMS)+";") {
		return ServiceSMS
	}
	return ServiceIMessage
}

func attachmentToDomain(att *blueapi.Attachment) Attachment {
	return Attachment{
		GUID:     att.GUID,
		Name:     att.TransferName,
		MimeType: att.MimeType,
		Size:     att.TotalBytes,
		Blurhash: att.Blurhash,
	}
}

// messageSender returns the domain sender for a wire message: empty string
// for the local user, otherwise the handle address.
func messageSender(msg *blueapi.Message) string {
	if msg.IsFromMe || msg.Handle == nil {
		return ""
	}
	return msg.Handle.Address
}

func messageChatGUID(msg *blueapi.Message) string {
	if len(msg.Chats) > 0 {
		return msg.Chats[0].GUID
	}
	return ""
}

// isSMSMessage reports whether the message rides a transport without a
// structured reaction primitive.
func isSMSMessage(msg *blueapi.Message) bool {
	if msg.Handle != nil && strings.EqualFold(msg.Handle.Service, string(ServiceSMS)) {
		return true
	}
	return chatService(messageChatGUID(msg)) == ServiceSMS
}

// messageToItem classifies one wire record into its ConversationItem variant.
// Returns nil when the record carries an unrecognized group action code;
// those are dropped, never defaulted.
func messageToItem(msg *blueapi.Message, features *blueapi.ServerFeatures, log zerolog.Logger) ConversationItem {
	meta := ItemMeta{
		GUID:     msg.GUID,
		ChatGUID: messageChatGUID(msg),
		Date:     msg.DateCreated.Time,
	}
	if msg.OriginalROWID != 0 {
		meta.ServerID = ptr.Ptr(msg.OriginalROWID)
	}
	sender := messageSender(msg)

	switch msg.ItemType {
	case wireItemParticipantChange:
		var action ParticipantActionType
		switch msg.GroupActionType {
		case wireActionJoin:
			action = ParticipantJoin
		case wireActionLeave:
			action = ParticipantLeave
		default:
			log.Debug().
				Str("guid", msg.GUID).
				Int("group_action_type", msg.GroupActionType).
				Msg("Dropping participant change with unrecognized action code")
			return nil
		}
		item := &ParticipantActionItem{ItemMeta: meta, Sender: sender, Action: action}
		if msg.OtherHandle != nil {
			item.Target = msg.OtherHandle.Address
		}
		return item
	case wireItemRename:
		return &ChatRenameItem{ItemMeta: meta, Sender: sender, NewName: msg.GroupTitle}
	default:
		item := &MessageItem{
			ItemMeta: meta,
			LocalID:  msg.TempGUID,
			Text:     msg.Text,
			Subject:  msg.Subject,
			Sender:   sender,
		}
		for i := range msg.Attachments {
			if msg.Attachments[i].HideAttachment {
				continue
			}
			item.Attachments = append(item.Attachments, attachmentToDomain(&msg.Attachments[i]))
		}
		item.Status, item.StatusDate = computeMessageStatus(msg, features)
		if msg.Error != 0 {
			item.Error = mapWireSendError(msg.Error)
		}
		return item
	}
}

// computeMessageStatus derives the delivery state of a confirmed message.
//
// Inbound messages are read by definition of having been delivered to this
// client. For outbound messages, receipt timestamps are authoritative when
// present and must never be downgraded by a missing boolean flag, so they
// are checked first; the receipt-support flags only matter when no
// timestamp exists.
func computeMessageStatus(msg *blueapi.Message, features *blueapi.ServerFeatures) (MessageStatus, time.Time) {
	if !msg.IsFromMe {
		if !msg.DateRead.IsZero() {
			return StatusRead, msg.DateRead.Time
		}
		return StatusRead, msg.DateCreated.Time
	}
	switch {
	case !msg.DateRead.IsZero():
		return StatusRead, msg.DateRead.Time
	case !msg.DateDelivered.IsZero():
		return StatusDelivered, msg.DateDelivered.Time
	case features != nil && !features.DeliveredReceipts && !features.ReadReceipts:
		return StatusSent, time.Time{}
	case msg.IsDelivered:
		return StatusDelivered, time.Time{}
	default:
		// Receipts are supported but no signal arrived yet. Defaulting to
		// Delivered matches observed server behavior for confirmed sends.
		return StatusDelivered, time.Time{}
	}
}

// mapWireSendError maps the server's numeric send error to the domain enum.
func mapWireSendError(code int) MessageErrorCode {
	switch code {
	case 3:
		return MessageErrorNetwork
	case 22:
		return MessageErrorUnregistered
	default:
		return MessageErrorRejected
	}
}
