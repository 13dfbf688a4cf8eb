// bluebridge - A polling REST adapter for BlueBubbles-style iMessage servers.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package connector

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lrhodin/bluebridge/pkg/blueapi"
)

// ConnState is the connection lifecycle state:
// Idle → Initializing → Open (polling) → Closed.
type ConnState int

const (
	StateIdle ConnState = iota
	StateInitializing
	StateOpen
	StateClosed
)

// Connector is the sync engine: it owns the connection lifecycle, schedules
// incremental polls against the server, and fans converted items out to the
// registered listeners. The transport is pull-only; there is no server push.
type Connector struct {
	api *blueapi.Client
	cfg *Config
	log zerolog.Logger

	listeners *listenerRegistry
	tapbacks  *tapbackResolver
	threads   *threadEngine
	targets   *targetResolver

	mu       sync.Mutex
	state    ConnState
	features *blueapi.ServerFeatures
	// highWater is the latest message timestamp already processed by the
	// poll loop; it only ever advances, even under out-of-order batches.
	highWater time.Time
	polling   bool
	stopPoll  chan struct{}
}

func NewConnector(api *blueapi.Client, cfg *Config, log zerolog.Logger) *Connector {
	if !cfg.DebugLogging {
		log = log.Level(zerolog.InfoLevel)
	}
	log = log.With().Str("component", "connector").Logger()
	return &Connector{
		api:       api,
		cfg:       cfg,
		log:       log,
		listeners: newListenerRegistry(),
		tapbacks:  newTapbackResolver(log),
		threads:   newThreadEngine(),
		targets:   newTargetResolver(),
		state:     StateIdle,
	}
}

// AddListener registers a listener and returns its unsubscribe function.
// All listeners are dropped on Disconnect.
func (c *Connector) AddListener(l Listener) func() {
	return c.listeners.add(l)
}

func (c *Connector) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connector) serverFeatures() *blueapi.ServerFeatures {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.features
}

func (c *Connector) threadPageSize() int {
	if c.cfg.ThreadPageSize > 0 {
		return c.cfg.ThreadPageSize
	}
	return defaultThreadPageSize
}

// ============================================================================
// Lifecycle
// ============================================================================

// Connect performs the capability handshake, emits OnOpen, lists
// conversations, and starts the poll loop. Handshake failure is fatal: the
// connector moves straight to Closed and is not retried automatically.
func (c *Connector) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateIdle {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("connect called in state %d", state)
	}
	c.state = StateInitializing
	c.mu.Unlock()

	if err := c.api.Ping(ctx); err != nil {
		c.log.Warn().Err(err).Msg("Server ping failed, continuing with handshake")
	}

	info, err := c.api.ServerInfo(ctx)
	if err != nil {
		c.closeWith(handshakeErrorCode(err))
		return fmt.Errorf("capability handshake failed: %w", err)
	}
	features, err := c.api.ServerFeatures(ctx, info)
	if err != nil {
		c.closeWith(handshakeErrorCode(err))
		return fmt.Errorf("capability handshake failed: %w", err)
	}

	c.mu.Lock()
	c.features = features
	c.state = StateOpen
	c.mu.Unlock()

	c.log.Info().
		Str("server_version", info.ServerVersion).
		Str("os_version", info.OSVersion).
		Bool("private_api", features.PrivateAPI).
		Msg("Connected to server")
	c.listeners.each(func(l Listener) {
		l.OnOpen(info.DetectedICloud, info.OSVersion, info.ServerVersion, features.FaceTime)
	})

	if _, err = c.ListConversations(ctx); err != nil {
		c.closeWith(handshakeErrorCode(err))
		return fmt.Errorf("initial conversation listing failed: %w", err)
	}

	c.startPolling()
	return nil
}

// Disconnect cancels the poll timer, moves to Closed, and emits OnClose with
// the default connection error code.
func (c *Connector) Disconnect() {
	c.closeWith(ConnErrorConnection)
}

// DisconnectWithCode is Disconnect with a caller-supplied close code.
func (c *Connector) DisconnectWithCode(code ConnErrorCode) {
	c.closeWith(code)
}

func (c *Connector) closeWith(code ConnErrorCode) {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.state = StateClosed
	if c.stopPoll != nil {
		close(c.stopPoll)
		c.stopPoll = nil
	}
	c.polling = false
	c.mu.Unlock()

	c.log.Info().Int("code", int(code)).Msg("Connection closed")
	c.listeners.each(func(l Listener) {
		l.OnClose(code)
	})
	c.listeners.clear()
}

func handshakeErrorCode(err error) ConnErrorCode {
	var apiErr *blueapi.Error
	if errors.As(err, &apiErr) && (apiErr.Status == 401 || apiErr.Status == 403) {
		return ConnErrorUnauthorized
	}
	return ConnErrorExternal
}

// ============================================================================
// Conversations
// ============================================================================

// ListConversations fetches the chat list with participants and previews,
// records every observed chat in the target cache, and emits
// OnMessageConversations.
func (c *Connector) ListConversations(ctx context.Context) ([]*Conversation, error) {
	chats, err := c.api.QueryChats(ctx, &blueapi.ChatQuery{
		With:  []string{"participants", "lastmessage"},
		Sort:  "lastmessage",
		Limit: 300,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list chats: %w", err)
	}
	features := c.serverFeatures()
	convs := make([]*Conversation, 0, len(chats))
	for i := range chats {
		c.targets.observeChat(&chats[i])
		convs = append(convs, chatToConversation(&chats[i], features))
	}
	c.listeners.each(func(l Listener) {
		l.OnMessageConversations(convs)
	})
	return convs, nil
}

// CreateChat creates a server chat for a participant set, records the
// mapping so unlinked targets resolve from now on, and reports the outcome
// asynchronously. Returns the request ID.
func (c *Connector) CreateChat(ctx context.Context, participants []string, service ServiceType) string {
	requestID := uuid.NewString()
	go func() {
		chat, err := c.api.CreateChat(ctx, &blueapi.CreateChatRequest{
			Addresses: participants,
			Service:   string(service),
		})
		if err != nil {
			c.log.Err(err).Strs("participants", participants).Msg("Failed to create chat")
			c.listeners.each(func(l Listener) {
				l.OnCreateChatResponse(requestID, "", err)
			})
			return
		}
		// The creation response may omit the participant expansion; refetch
		// the chat, and failing that cache the requested set so the
		// promotion still lands.
		if len(chat.Participants) == 0 {
			if full, fetchErr := c.api.GetChat(ctx, chat.GUID); fetchErr == nil {
				chat = full
			}
		}
		if len(chat.Participants) > 0 {
			c.targets.observeChat(chat)
		} else {
			c.targets.observe(service, participants, chat.GUID)
		}
		conv := chatToConversation(chat, c.serverFeatures())
		if len(conv.Participants) == 0 {
			conv.Participants = slices.Clone(participants)
		}
		c.listeners.each(func(l Listener) {
			l.OnCreateChatResponse(requestID, chat.GUID, nil)
		})
		c.listeners.each(func(l Listener) {
			l.OnConversationUpdate([]ConversationUpdate{{GUID: chat.GUID, Conversation: conv}})
		})
	}()
	return requestID
}

// ============================================================================
// Poll loop
// ============================================================================

func (c *Connector) startPolling() {
	c.mu.Lock()
	defer c.mu.Unlock()
	// Polling starts once and never restarts while connected.
	if c.polling || c.state != StateOpen {
		return
	}
	c.polling = true
	c.stopPoll = make(chan struct{})
	go c.pollLoop(c.stopPoll)
}

func (c *Connector) pollLoop(stop <-chan struct{}) {
	log := c.log.With().Str("loop", "poll").Logger()
	ticker := time.NewTicker(c.cfg.pollInterval())
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			// The cycle's round trip completes before the next tick is
			// consumed, so cycles never overlap.
			if err := c.pollOnce(context.Background()); err != nil {
				log.Warn().Err(err).Msg("Poll cycle failed, retrying next tick")
			}
		}
	}
}

// pollOnce fetches everything newer than the high-water mark, advances the
// mark, and emits the converted batch newest-first. Failures are transient:
// the caller logs them and the next tick retries.
func (c *Connector) pollOnce(ctx context.Context) error {
	c.mu.Lock()
	since := c.highWater
	c.mu.Unlock()

	// Ascending: when more than the batch limit arrived in one interval,
	// the page holds the oldest part and the high-water mark stays below
	// the unfetched remainder, so the next tick picks it up.
	query := &blueapi.MessageQuery{
		With:  []string{"chats", "chats.participants", "attachment", "handle"},
		Sort:  "ASC",
		Limit: c.cfg.pollBatchLimit(),
	}
	if !since.IsZero() {
		query.After = since.UnixMilli()
	}
	msgs, err := c.api.QueryMessages(ctx, query)
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		return nil
	}

	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].DateCreated.Time.Before(msgs[j].DateCreated.Time)
	})

	latest := msgs[len(msgs)-1].DateCreated.Time
	c.mu.Lock()
	if latest.After(c.highWater) {
		c.highWater = latest
	}
	c.mu.Unlock()

	items, mods := c.convertBatch(msgs)
	slices.Reverse(items)
	if len(items) > 0 {
		c.listeners.each(func(l Listener) {
			l.OnMessageUpdate(items)
		})
	}
	if len(mods) > 0 {
		c.listeners.each(func(l Listener) {
			l.OnModifierUpdate(mods)
		})
	}
	return nil
}

// convertBatch translates one wire batch into items and modifiers. Reaction
// events are applied to the tapback cache before any item is converted, so a
// target message in the same batch already carries its reactions when its
// item is stamped. Cache mutation happens synchronously here; batches are
// never converted concurrently.
func (c *Connector) convertBatch(msgs []blueapi.Message) ([]ConversationItem, []TapbackItem) {
	var mods []TapbackItem
	isReaction := make([]bool, len(msgs))
	for i := range msgs {
		item, rawTarget, reaction := c.tapbacks.reactionFromMessage(&msgs[i], msgs)
		isReaction[i] = reaction
		if item == nil {
			continue
		}
		c.tapbacks.apply(*item, rawTarget)
		mods = append(mods, *item)
	}

	var items []ConversationItem
	features := c.serverFeatures()
	for i := range msgs {
		if isReaction[i] {
			continue
		}
		msg := &msgs[i]
		item := messageToItem(msg, features, c.log)
		if item == nil {
			continue
		}
		c.targets.observeMessage(msg)
		if msgItem, isMsg := item.(*MessageItem); isMsg {
			msgItem.Tapbacks = c.tapbacks.snapshot(msgItem.GUID)
			if isSMSMessage(msg) {
				c.tapbacks.recordText(msgItem.ChatGUID, msgItem.Text, msgItem.GUID)
			}
		}
		items = append(items, item)
	}
	return items, mods
}

// ============================================================================
// Sending
// ============================================================================

// SendText synthesizes an optimistic unconfirmed item, hands it to the
// listeners, then performs the wire call. The confirmed item is emitted
// as-is; reconciling it with the optimistic one is the listener's job — the
// adapter never suppresses or coalesces the pair. Resolution failures are
// returned synchronously; callers must create the chat first.
func (c *Connector) SendText(ctx context.Context, target *Conversation, text, subject string) (string, error) {
	chatGUID, err := c.targets.resolve(target)
	if err != nil {
		return "", err
	}
	requestID := uuid.NewString()
	tempGUID := uuid.NewString()

	optimistic := &MessageItem{
		ItemMeta: ItemMeta{ChatGUID: chatGUID, Date: time.Now()},
		LocalID:  tempGUID,
		Text:     text,
		Subject:  subject,
		Status:   StatusUnconfirmed,
	}
	c.listeners.each(func(l Listener) {
		l.OnMessageUpdate([]ConversationItem{optimistic})
	})

	go func() {
		msg, err := c.api.SendText(ctx, &blueapi.SendTextRequest{
			ChatGUID: chatGUID,
			TempGUID: tempGUID,
			Message:  text,
			Subject:  subject,
		})
		if err != nil {
			c.log.Err(err).Str("chat_guid", chatGUID).Msg("Failed to send message")
			c.emitSendResponse(requestID, sendErrorCode(err))
			return
		}
		c.emitConfirmed(msg)
		c.emitSendResponse(requestID, MessageErrorNone)
	}()
	return requestID, nil
}

// SendFile uploads an attachment with an optimistic item carrying an
// indeterminate progress marker. progress may be nil.
func (c *Connector) SendFile(ctx context.Context, target *Conversation, name string, data io.Reader, size int64, progress blueapi.UploadProgress) (string, error) {
	chatGUID, err := c.targets.resolve(target)
	if err != nil {
		return "", err
	}
	outgoing, err := prepareOutgoingAttachment(name, data)
	if err != nil {
		return "", err
	}
	requestID := uuid.NewString()
	tempGUID := uuid.NewString()

	optimistic := &MessageItem{
		ItemMeta: ItemMeta{ChatGUID: chatGUID, Date: time.Now()},
		LocalID:  tempGUID,
		Status:   StatusUnconfirmed,
		Attachments: []Attachment{{
			Name:     name,
			MimeType: outgoing.MimeType,
			Size:     size,
		}},
		Progress: &FileProgress{Indeterminate: true, TotalBytes: size},
	}
	c.listeners.each(func(l Listener) {
		l.OnMessageUpdate([]ConversationItem{optimistic})
	})

	go func() {
		msg, err := c.api.UploadAttachment(ctx, chatGUID, tempGUID, name, outgoing.Data, progress)
		if err != nil {
			c.log.Err(err).Str("chat_guid", chatGUID).Str("name", name).Msg("Failed to upload attachment")
			c.emitSendResponse(requestID, sendErrorCode(err))
			return
		}
		c.emitConfirmed(msg)
		c.emitSendResponse(requestID, MessageErrorNone)
	}()
	return requestID, nil
}

// emitConfirmed pushes the server-confirmed record for a send through the
// normal conversion path.
func (c *Connector) emitConfirmed(msg *blueapi.Message) {
	if msg == nil {
		return
	}
	items, mods := c.convertBatch([]blueapi.Message{*msg})
	if len(items) > 0 {
		c.listeners.each(func(l Listener) {
			l.OnMessageUpdate(items)
		})
	}
	if len(mods) > 0 {
		c.listeners.each(func(l Listener) {
			l.OnModifierUpdate(mods)
		})
	}
}

func (c *Connector) emitSendResponse(requestID string, code MessageErrorCode) {
	c.listeners.each(func(l Listener) {
		l.OnSendMessageResponse(requestID, code)
	})
}

// sendErrorCode maps a wire failure to the domain send error enum.
func sendErrorCode(err error) MessageErrorCode {
	var apiErr *blueapi.Error
	if errors.As(err, &apiErr) && apiErr.Status >= 400 && apiErr.Status < 500 {
		return MessageErrorRejected
	}
	return MessageErrorNetwork
}

// ============================================================================
// Attachment downloads
// ============================================================================

const downloadChunkSize = 32 * 1024

// DownloadAttachment streams an attachment (or its thumbnail) to the
// listeners via the file request callbacks. Cancelling ctx aborts the stream
// with OnFileRequestFail. Returns the request ID.
func (c *Connector) DownloadAttachment(ctx context.Context, att *Attachment, thumbnail bool) string {
	requestID := uuid.NewString()
	go func() {
		var stream io.ReadCloser
		var length int64
		var err error
		if thumbnail {
			stream, length, err = c.api.DownloadAttachmentThumbnail(ctx, att.GUID)
		} else {
			stream, length, err = c.api.DownloadAttachment(ctx, att.GUID)
		}
		if err != nil {
			c.log.Err(err).Str("attachment_guid", att.GUID).Msg("Failed to start attachment download")
			c.emitFileFail(requestID, err)
			return
		}
		defer stream.Close()
		if length <= 0 {
			length = att.Size
		}
		c.listeners.each(func(l Listener) {
			l.OnFileRequestStart(requestID, att.Name, att.MimeType, length)
		})

		buf := make([]byte, downloadChunkSize)
		for {
			if err = ctx.Err(); err != nil {
				c.emitFileFail(requestID, err)
				return
			}
			n, readErr := stream.Read(buf)
			if n > 0 {
				chunk := slices.Clone(buf[:n])
				c.listeners.each(func(l Listener) {
					l.OnFileRequestData(requestID, chunk)
				})
			}
			if readErr == io.EOF {
				c.listeners.each(func(l Listener) {
					l.OnFileRequestComplete(requestID)
				})
				return
			}
			if readErr != nil {
				c.emitFileFail(requestID, readErr)
				return
			}
		}
	}()
	return requestID
}

func (c *Connector) emitFileFail(requestID string, err error) {
	c.listeners.each(func(l Listener) {
		l.OnFileRequestFail(requestID, err)
	})
}
