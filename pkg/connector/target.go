// bluebridge - A polling REST adapter for BlueBubbles-style iMessage servers.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package connector

import (
	"errors"
	"slices"
	"strings"
	"sync"

	"github.com/lrhodin/bluebridge/pkg/blueapi"
)

// ErrUnresolvable means an unlinked conversation target has no cached server
// chat; the caller must create the chat first.
var ErrUnresolvable = errors.New("unresolvable conversation target")

const conversationCacheSize = 256

// targetResolver maps logical conversation targets (participant set +
// service) to server chat GUIDs. The cache is populated whenever a chat is
// observed: listed, fetched, created, or referenced by a converted message.
// Bounded; evicted oldest-first past capacity.
type targetResolver struct {
	mu    sync.Mutex
	order []string
	byKey map[string]string
}

func newTargetResolver() *targetResolver {
	return &targetResolver{byKey: make(map[string]string)}
}

// conversationKey builds the canonical cache key: service plus the sorted,
// lowercased participant set.
func conversationKey(service ServiceType, participants []string) string {
	normalized := make([]string, len(participants))
	for i, p := range participants {
		normalized[i] = strings.ToLower(strings.TrimSpace(p))
	}
	slices.Sort(normalized)
	return string(service) + "|" + strings.Join(normalized, "|")
}

// resolve returns the server chat GUID for a conversation target. Linked
// targets resolve trivially; unlinked targets resolve via the cache or fail
// with ErrUnresolvable.
func (r *targetResolver) resolve(conv *Conversation) (string, error) {
	if conv.Linked() {
		return conv.GUID, nil
	}
	r.mu.Lock()
	guid, found := r.byKey[conversationKey(conv.Service, conv.Participants)]
	r.mu.Unlock()
	if !found {
		return "", ErrUnresolvable
	}
	return guid, nil
}

// observe records a participant-set → chat GUID mapping.
func (r *targetResolver) observe(service ServiceType, participants []string, chatGUID string) {
	if chatGUID == "" || len(participants) == 0 {
		return
	}
	key := conversationKey(service, participants)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byKey[key]; !exists {
		r.order = append(r.order, key)
		if len(r.order) > conversationCacheSize {
			evicted := r.order[0]
			r.order = slices.Clone(r.order[1:])
			delete(r.byKey, evicted)
		}
	}
	r.byKey[key] = chatGUID
}

// observeChat records a mapping from a wire chat record.
func (r *targetResolver) observeChat(chat *blueapi.Chat) {
	if chat == nil || len(chat.Participants) == 0 {
		return
	}
	participants := make([]string, len(chat.Participants))
	for i, handle := range chat.Participants {
		participants[i] = handle.Address
	}
	r.observe(chatService(chat.GUID), participants, chat.GUID)
}

// observeMessage records mappings from the chat expansions on a wire
// message.
func (r *targetResolver) observeMessage(msg *blueapi.Message) {
	for i := range msg.Chats {
		r.observeChat(&msg.Chats[i])
	}
}
