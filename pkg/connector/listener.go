// bluebridge - A polling REST adapter for BlueBubbles-style iMessage servers.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package connector

import (
	"sync"
)

// Listener is the callback surface the UI/state layer consumes. All
// callbacks are invoked from the connector's own goroutines; implementations
// that need serialization own it themselves. Embed NopListener to implement
// only a subset.
type Listener interface {
	OnOpen(serverID, osVersion, serverVersion string, faceTimeSupported bool)
	OnClose(code ConnErrorCode)
	OnMessageConversations(convs []*Conversation)
	OnConversationUpdate(updates []ConversationUpdate)
	OnMessageThread(chatGUID string, opts ThreadFetchOptions, items []ConversationItem, meta ThreadFetchMetadata)
	OnMessageUpdate(items []ConversationItem)
	OnModifierUpdate(tapbacks []TapbackItem)
	OnSendMessageResponse(requestID string, code MessageErrorCode)
	OnCreateChatResponse(requestID, chatGUID string, err error)
	OnFileRequestStart(requestID, name, mimeType string, size int64)
	OnFileRequestData(requestID string, chunk []byte)
	OnFileRequestComplete(requestID string)
	OnFileRequestFail(requestID string, err error)
}

// NopListener implements Listener with no-ops.
type NopListener struct{}

var _ Listener = (*NopListener)(nil)

func (NopListener) OnOpen(serverID, osVersion, serverVersion string, faceTimeSupported bool) {}
func (NopListener) OnClose(code ConnErrorCode)                                              {}
func (NopListener) OnMessageConversations(convs []*Conversation)                            {}
func (NopListener) OnConversationUpdate(updates []ConversationUpdate)                       {}
func (NopListener) OnMessageThread(chatGUID string, opts ThreadFetchOptions, items []ConversationItem, meta ThreadFetchMetadata) {
}
func (NopListener) OnMessageUpdate(items []ConversationItem)                  {}
func (NopListener) OnModifierUpdate(tapbacks []TapbackItem)                   {}
func (NopListener) OnSendMessageResponse(requestID string, code MessageErrorCode) {}
func (NopListener) OnCreateChatResponse(requestID, chatGUID string, err error)    {}
func (NopListener) OnFileRequestStart(requestID, name, mimeType string, size int64) {}
func (NopListener) OnFileRequestData(requestID string, chunk []byte)              {}
func (NopListener) OnFileRequestComplete(requestID string)                        {}
func (NopListener) OnFileRequestFail(requestID string, err error)                 {}

// listenerRegistry is an explicit subscription registry with unsubscribe,
// owned by the connector and cleared on teardown.
type listenerRegistry struct {
	mu   sync.RWMutex
	subs map[int]Listener
	next int
}

func newListenerRegistry() *listenerRegistry {
	return &listenerRegistry{subs: make(map[int]Listener)}
}

// add registers a listener and returns its unsubscribe function.
func (r *listenerRegistry) add(l Listener) func() {
	r.mu.Lock()
	id := r.next
	r.next++
	r.subs[id] = l
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		delete(r.subs, id)
		r.mu.Unlock()
	}
}

// each invokes fn for every registered listener.
func (r *listenerRegistry) each(fn func(Listener)) {
	r.mu.RLock()
	listeners := make([]Listener, 0, len(r.subs))
	for _, l := range r.subs {
		listeners = append(listeners, l)
	}
	r.mu.RUnlock()
	for _, l := range listeners {
		fn(l)
	}
}

func (r *listenerRegistry) clear() {
	r.mu.Lock()
	r.subs = make(map[int]Listener)
	r.mu.Unlock()
}
