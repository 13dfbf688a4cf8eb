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
	"fmt"
	"sort"
	"strconv"
	"sync"

	"go.mau.fi/util/ptr"

	"github.com/lrhodin/bluebridge/pkg/blueapi"
)

// ThreadDirection selects which side of the anchor a history fetch covers.
type ThreadDirection string

const (
	// ThreadLatest requests the newest page; the anchor is ignored.
	ThreadLatest ThreadDirection = "latest"
	// ThreadBefore requests strictly older items than the anchor.
	ThreadBefore ThreadDirection = "before"
	// ThreadAfter requests strictly newer items than the anchor.
	ThreadAfter ThreadDirection = "after"
	// ThreadAround is reported for merged symmetric before/after fetches.
	ThreadAround ThreadDirection = "around"
)

// ThreadFetchOptions parameterizes one anchored history fetch.
type ThreadFetchOptions struct {
	AnchorServerID *int64
	Direction      ThreadDirection
	Limit          int
}

const defaultThreadPageSize = 24

// threadEngine tracks the oldest/newest server sequence numbers observed per
// thread and decides whether more history is available.
type threadEngine struct {
	mu   sync.Mutex
	meta map[string]ThreadFetchMetadata
}

func newThreadEngine() *threadEngine {
	return &threadEngine{meta: make(map[string]ThreadFetchMetadata)}
}

// update merges one page's sequence-number boundaries into the thread's
// metadata. More history exists iff the page was full and the oldest-known
// boundary actually decreased — a short page, or one that makes no progress
// on the oldest boundary, terminates pagination so a backend that ignores
// the anchor can't cause an infinite loop.
func (e *threadEngine) update(chatGUID string, fresh bool, pageOldest, pageNewest *int64, pageLen, limit int) ThreadFetchMetadata {
	e.mu.Lock()
	defer e.mu.Unlock()

	prior, hasPrior := e.meta[chatGUID]
	if fresh {
		hasPrior = false
	}

	oldestDecreased := pageOldest != nil &&
		(!hasPrior || prior.OldestServerID == nil || *pageOldest < *prior.OldestServerID)

	merged := ThreadFetchMetadata{
		OldestServerID: pageOldest,
		NewestServerID: pageNewest,
	}
	if hasPrior {
		if prior.OldestServerID != nil && (merged.OldestServerID == nil || *prior.OldestServerID < *merged.OldestServerID) {
			merged.OldestServerID = prior.OldestServerID
		}
		if prior.NewestServerID != nil && (merged.NewestServerID == nil || *prior.NewestServerID > *merged.NewestServerID) {
			merged.NewestServerID = prior.NewestServerID
		}
	}
	merged.HasMore = pageLen >= limit && limit > 0 && oldestDecreased

	e.meta[chatGUID] = merged
	return merged
}

// extendNewest widens the newest-known boundary without re-evaluating
// continuation: HasMore reflects progress on the oldest boundary only, so a
// newer-direction page must never flip it.
func (e *threadEngine) extendNewest(chatGUID string, newest *int64) ThreadFetchMetadata {
	e.mu.Lock()
	defer e.mu.Unlock()
	meta := e.meta[chatGUID]
	if newest != nil && (meta.NewestServerID == nil || *newest > *meta.NewestServerID) {
		meta.NewestServerID = newest
	}
	e.meta[chatGUID] = meta
	return meta
}

// messagePageBounds returns the min/max server sequence numbers in a page.
func messagePageBounds(msgs []blueapi.Message) (oldest, newest *int64) {
	for i := range msgs {
		rowID := msgs[i].OriginalROWID
		if rowID <= 0 {
			continue
		}
		if oldest == nil || rowID < *oldest {
			oldest = ptr.Ptr(rowID)
		}
		if newest == nil || rowID > *newest {
			newest = ptr.Ptr(rowID)
		}
	}
	return oldest, newest
}

// canonicalItemKey is the dedup key for cross-fetch merging: backend GUID,
// else server sequence number, else local temp identifier, else item type
// plus timestamp.
func canonicalItemKey(item ConversationItem) string {
	meta := item.Meta()
	if meta.GUID != "" {
		return normalizeMessageGUID(meta.GUID)
	}
	if meta.ServerID != nil {
		return "server:" + strconv.FormatInt(*meta.ServerID, 10)
	}
	if msg, isMsg := item.(*MessageItem); isMsg && msg.LocalID != "" {
		return "local:" + msg.LocalID
	}
	return fmt.Sprintf("%d:%d", item.Type(), meta.Date.UnixMilli())
}

// mergeThreadItems deduplicates overlapping result sets by canonical key,
// keeping whichever duplicate has the later date, and returns the merged set
// sorted newest-first.
func mergeThreadItems(sets ...[]ConversationItem) []ConversationItem {
	byKey := make(map[string]ConversationItem)
	for _, set := range sets {
		for _, item := range set {
			key := canonicalItemKey(item)
			if existing, found := byKey[key]; !found || item.Meta().Date.After(existing.Meta().Date) {
				byKey[key] = item
			}
		}
	}
	merged := make([]ConversationItem, 0, len(byKey))
	for _, item := range byKey {
		merged = append(merged, item)
	}
	sortItemsNewestFirst(merged)
	return merged
}

func sortItemsNewestFirst(items []ConversationItem) {
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].Meta().Date.After(items[j].Meta().Date)
	})
}

// ============================================================================
// Connector thread fetching
// ============================================================================

// FetchThread performs one anchored history fetch and emits the result via
// OnMessageThread. Items are always returned newest-first regardless of the
// requested direction.
func (c *Connector) FetchThread(ctx context.Context, chatGUID string, opts ThreadFetchOptions) ([]ConversationItem, ThreadFetchMetadata, error) {
	if opts.Limit <= 0 {
		opts.Limit = c.threadPageSize()
	}
	if opts.Direction == "" || opts.AnchorServerID == nil {
		opts.Direction = ThreadLatest
	}

	msgs, err := c.fetchThreadPage(ctx, chatGUID, opts.Direction, opts.AnchorServerID, opts.Limit)
	if err != nil {
		return nil, ThreadFetchMetadata{}, err
	}
	// A cancelled fetch must not poison shared caches with stale results.
	if err = ctx.Err(); err != nil {
		return nil, ThreadFetchMetadata{}, err
	}

	items := c.convertThreadPage(chatGUID, msgs)
	oldest, newest := messagePageBounds(msgs)
	meta := c.threads.update(chatGUID, opts.Direction == ThreadLatest, oldest, newest, len(msgs), opts.Limit)

	c.listeners.each(func(l Listener) {
		l.OnMessageThread(chatGUID, opts, items, meta)
	})
	return items, meta, nil
}

// FetchThreadAround issues a symmetric before/after pair around a deep-link
// anchor and merges the overlapping results.
func (c *Connector) FetchThreadAround(ctx context.Context, chatGUID string, anchorServerID int64, limit int) ([]ConversationItem, ThreadFetchMetadata, error) {
	if limit <= 0 {
		limit = c.threadPageSize()
	}
	older, err := c.fetchThreadPage(ctx, chatGUID, ThreadBefore, ptr.Ptr(anchorServerID+1), limit)
	if err != nil {
		return nil, ThreadFetchMetadata{}, err
	}
	newer, err := c.fetchThreadPage(ctx, chatGUID, ThreadAfter, ptr.Ptr(anchorServerID), limit)
	if err != nil {
		return nil, ThreadFetchMetadata{}, err
	}
	if err = ctx.Err(); err != nil {
		return nil, ThreadFetchMetadata{}, err
	}

	items := mergeThreadItems(
		c.convertThreadPage(chatGUID, older),
		c.convertThreadPage(chatGUID, newer),
	)
	oldest, newest := messagePageBounds(older)
	meta := c.threads.update(chatGUID, true, oldest, newest, len(older), limit)
	if _, pageNewest := messagePageBounds(newer); pageNewest != nil {
		meta = c.threads.extendNewest(chatGUID, pageNewest)
	}

	opts := ThreadFetchOptions{
		AnchorServerID: ptr.Ptr(anchorServerID),
		Direction:      ThreadAround,
		Limit:          limit,
	}
	c.listeners.each(func(l Listener) {
		l.OnMessageThread(chatGUID, opts, items, meta)
	})
	return items, meta, nil
}

func (c *Connector) convertThreadPage(chatGUID string, msgs []blueapi.Message) []ConversationItem {
	items, _ := c.convertBatch(msgs)
	for _, item := range items {
		if item.Meta().ChatGUID == "" {
			item.Meta().ChatGUID = chatGUID
		}
	}
	sortItemsNewestFirst(items)
	return items
}

func (c *Connector) fetchThreadPage(ctx context.Context, chatGUID string, direction ThreadDirection, anchor *int64, limit int) ([]blueapi.Message, error) {
	if direction == ThreadLatest || anchor == nil {
		return c.api.ChatMessages(ctx, chatGUID, &blueapi.ChatMessagesParams{
			With:  []string{"attachment", "handle"},
			Sort:  "DESC",
			Limit: limit,
		})
	}

	var statement string
	sortOrder := "DESC"
	switch direction {
	case ThreadBefore:
		statement = "message.ROWID < :serverID"
	case ThreadAfter:
		statement = "message.ROWID > :serverID"
		// Ascending so the page is the one adjacent to the anchor, not the
		// newest L items overall.
		sortOrder = "ASC"
	default:
		return nil, fmt.Errorf("unknown thread direction %q", direction)
	}
	return c.api.QueryMessages(ctx, &blueapi.MessageQuery{
		ChatGUID: chatGUID,
		With:     []string{"attachment", "handle", "chats"},
		Where: []blueapi.QueryCondition{{
			Statement: statement,
			Args:      map[string]any{"serverID": *anchor},
		}},
		Sort:  sortOrder,
		Limit: limit,
	})
}
