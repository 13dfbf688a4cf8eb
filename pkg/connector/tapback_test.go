// bluebridge - A polling REST adapter for BlueBubbles-style iMessage servers.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package connector

import (
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mau.fi/util/jsontime"

	"github.com/lrhodin/bluebridge/pkg/blueapi"
)

func numericIdent(code int64) *blueapi.AssociatedMessageType {
	return &blueapi.AssociatedMessageType{Code: code, IsNumber: true}
}

func namedIdent(name string) *blueapi.AssociatedMessageType {
	return &blueapi.AssociatedMessageType{Name: name}
}

func TestNormalizeTapbackIdentifierNumeric(t *testing.T) {
	for offset := int64(0); offset <= 5; offset++ {
		tapback, removal, ok := normalizeTapbackIdentifier(numericIdent(2000 + offset))
		require.True(t, ok, "add code %d", 2000+offset)
		assert.False(t, removal)
		assert.Equal(t, TapbackType(offset), tapback)

		tapback, removal, ok = normalizeTapbackIdentifier(numericIdent(3000 + offset))
		require.True(t, ok, "remove code %d", 3000+offset)
		assert.True(t, removal)
		assert.Equal(t, TapbackType(offset), tapback)
	}
	for _, code := range []int64{1999, 2006, 2999, 3006, 0, -1, 4000} {
		_, _, ok := normalizeTapbackIdentifier(numericIdent(code))
		assert.False(t, ok, "code %d must be rejected", code)
	}
}

func TestNormalizeTapbackIdentifierNames(t *testing.T) {
	cases := []struct {
		name    string
		tapback TapbackType
		removal bool
	}{
		{"love", TapbackLove, false},
		{"Love", TapbackLove, false},
		{"heart", TapbackLove, false},
		{"tapback-love", TapbackLove, false},
		{"tapback:like", TapbackLike, false},
		{"com.apple.messages:laugh", TapbackLaugh, false},
		{"-love", TapbackLove, true},
		{"remove-like", TapbackLike, true},
		{"dislike-remove", TapbackDislike, true},
		{"thumbsup", TapbackLike, false},
		{"thumbsdown", TapbackDislike, false},
		{"haha", TapbackLaugh, false},
		{"emphasized", TapbackEmphasis, false},
		{"exclamation", TapbackEmphasis, false},
		{"question_mark", TapbackQuestion, false},
		{"questioned", TapbackQuestion, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tapback, removal, ok := normalizeTapbackIdentifier(namedIdent(tc.name))
			require.True(t, ok)
			assert.Equal(t, tc.tapback, tapback)
			assert.Equal(t, tc.removal, removal)
		})
	}
	for _, name := range []string{"", "banana", "tapback-", "com.apple.messages:sticker"} {
		_, _, ok := normalizeTapbackIdentifier(namedIdent(name))
		assert.False(t, ok, "name %q must be rejected", name)
	}
}

func TestNormalizeMessageGUID(t *testing.T) {
	assert.Equal(t, "ABCD-1234", normalizeMessageGUID("p:0/ABCD-1234"))
	assert.Equal(t, "ABCD-1234", normalizeMessageGUID("bp:12/ABCD-1234"))
	assert.Equal(t, "ABCD-1234", normalizeMessageGUID("ABCD-1234"))
	// Only a leading scheme segment is stripped.
	assert.Equal(t, "x/p:0/y", normalizeMessageGUID("x/p:0/y"))
}

func TestParseSMSReaction(t *testing.T) {
	cases := []struct {
		text     string
		tapback  TapbackType
		addition bool
	}{
		{`Liked "hello world"`, TapbackLike, true},
		{`Loved “curly quotes”`, TapbackLove, true},
		{`Disliked "x"`, TapbackDislike, true},
		{`Laughed at "joke"`, TapbackLaugh, true},
		{`Emphasized "important"`, TapbackEmphasis, true},
		{`Questioned "really?"`, TapbackQuestion, true},
		{`❤️ to "sweet"`, TapbackLove, true},
		{`👍 "sounds good"`, TapbackLike, true},
		{`!! to "big news"`, TapbackEmphasis, true},
		{`Removed a like from "hello world"`, TapbackLike, false},
		{`Removed a heart from "sweet"`, TapbackLove, false},
		{`Removed a question mark from "hmm"`, TapbackQuestion, false},
	}
	for _, tc := range cases {
		t.Run(tc.text, func(t *testing.T) {
			tb, quoted, ok := parseSMSReaction(tc.text)
			require.True(t, ok)
			assert.Equal(t, tc.tapback, tb.tapback)
			assert.Equal(t, tc.addition, tb.addition)
			assert.NotEmpty(t, quoted)
		})
	}
	for _, text := range []string{
		`I said "hello" earlier`,
		`Liked the weather`,
		`"just a quote"`,
		``,
	} {
		_, _, ok := parseSMSReaction(text)
		assert.False(t, ok, "%q must not parse as a reaction", text)
	}
}

func TestHeuristicTargetVariants(t *testing.T) {
	variants := heuristicTargetVariants("‼ big news ‼", TapbackEmphasis)
	assert.Contains(t, variants, "‼ big news ‼")
	assert.Contains(t, variants, "big news")

	// No wrapper glyphs: just the normalized base.
	variants = heuristicTargetVariants("  plain text ", TapbackLike)
	assert.Equal(t, []string{"plain text"}, variants)
}

func TestTextMatchesVariantEllipsis(t *testing.T) {
	// Truncated reaction quote against the full original.
	assert.True(t, textMatchesVariant("the quick brown fox jumps", "the quick brown…"))
	// Full reaction quote against a truncated cached text.
	assert.True(t, textMatchesVariant("the quick brown...", "the quick brown fox jumps"))
	assert.True(t, textMatchesVariant("same", "same"))
	assert.False(t, textMatchesVariant("other", "the quick brown…"))
	// A bare ellipsis must not match everything.
	assert.False(t, textMatchesVariant("anything", "…"))
}

func wireMessage(guid, chatGUID, text string, dateMilli int64) blueapi.Message {
	return blueapi.Message{
		GUID:        guid,
		Text:        text,
		Chats:       []blueapi.Chat{{GUID: chatGUID}},
		Handle:      &blueapi.Handle{Address: "+15550001111", Service: "SMS"},
		DateCreated: jsontime.UnixMilli{Time: time.UnixMilli(dateMilli)},
	}
}

func TestReactionFromMessageStructured(t *testing.T) {
	r := newTapbackResolver(zerolog.Nop())
	msg := blueapi.Message{
		GUID:                  "react-1",
		AssociatedMessageGUID: "p:0/target-guid",
		AssociatedMessageType: numericIdent(2001),
		Handle:                &blueapi.Handle{Address: "+15550001111"},
	}
	item, rawTarget, isReaction := r.reactionFromMessage(&msg, nil)
	require.True(t, isReaction)
	require.NotNil(t, item)
	assert.Equal(t, "target-guid", item.MessageGUID)
	assert.Equal(t, "p:0/target-guid", rawTarget)
	assert.Equal(t, TapbackLike, item.Tapback)
	assert.True(t, item.IsAddition)
	assert.Equal(t, "+15550001111", item.Sender)
}

func TestReactionFromMessageUnrecognizedIdentifier(t *testing.T) {
	r := newTapbackResolver(zerolog.Nop())
	msg := blueapi.Message{
		GUID:                  "react-1",
		AssociatedMessageGUID: "target-guid",
		AssociatedMessageType: numericIdent(2042),
	}
	item, _, isReaction := r.reactionFromMessage(&msg, nil)
	assert.True(t, isReaction)
	assert.Nil(t, item, "unrecognized identifiers are dropped, never guessed")
}

func TestHeuristicReactionBatchTarget(t *testing.T) {
	r := newTapbackResolver(zerolog.Nop())
	target := wireMessage("target-1", "SMS;-;+15550001111", "hello world", 1000)
	reaction := wireMessage("react-1", "SMS;-;+15550001111", `Liked "hello world"`, 2000)
	batch := []blueapi.Message{target, reaction}

	item, _, isReaction := r.reactionFromMessage(&reaction, batch)
	require.True(t, isReaction)
	require.NotNil(t, item)
	assert.Equal(t, "target-1", item.MessageGUID)
	assert.Equal(t, TapbackLike, item.Tapback)
}

func TestHeuristicReactionPrefersMostRecentTarget(t *testing.T) {
	r := newTapbackResolver(zerolog.Nop())
	older := wireMessage("older", "SMS;-;+1", "same text", 1000)
	newer := wireMessage("newer", "SMS;-;+1", "same text", 2000)
	reaction := wireMessage("react", "SMS;-;+1", `Loved "same text"`, 3000)
	batch := []blueapi.Message{older, newer, reaction}

	item, _, _ := r.reactionFromMessage(&reaction, batch)
	require.NotNil(t, item)
	assert.Equal(t, "newer", item.MessageGUID)
}

func TestHeuristicReactionCacheFallback(t *testing.T) {
	r := newTapbackResolver(zerolog.Nop())
	r.recordText("SMS;-;+1", "the quick brown fox jumps over", "cached-guid")

	reaction := wireMessage("react", "SMS;-;+1", `Liked "the quick brown…"`, 1000)
	item, _, isReaction := r.reactionFromMessage(&reaction, []blueapi.Message{reaction})
	require.True(t, isReaction)
	require.NotNil(t, item)
	assert.Equal(t, "cached-guid", item.MessageGUID)
}

func TestHeuristicReactionUnresolvedDropped(t *testing.T) {
	r := newTapbackResolver(zerolog.Nop())
	reaction := wireMessage("react", "SMS;-;+1", `Liked "never seen before"`, 1000)
	item, _, isReaction := r.reactionFromMessage(&reaction, []blueapi.Message{reaction})
	assert.True(t, isReaction, "still classified as a reaction")
	assert.Nil(t, item, "unresolved reactions are dropped")
}

func TestHeuristicReactionDifferentChatIgnored(t *testing.T) {
	r := newTapbackResolver(zerolog.Nop())
	target := wireMessage("target", "SMS;-;+2", "hello", 1000)
	reaction := wireMessage("react", "SMS;-;+1", `Liked "hello"`, 2000)
	item, _, _ := r.reactionFromMessage(&reaction, []blueapi.Message{target, reaction})
	assert.Nil(t, item, "targets must be in the same chat")
}

func TestSMSTextCacheBounded(t *testing.T) {
	cache := &smsTextCache{}
	for i := 0; i < smsTapbackCacheSize+20; i++ {
		cache.record(fmt.Sprintf("text %d", i), fmt.Sprintf("guid-%d", i))
	}
	assert.Len(t, cache.entries, smsTapbackCacheSize)
	// The oldest entries were evicted.
	_, found := cache.lookup([]string{"text 0"})
	assert.False(t, found)
	guid, found := cache.lookup([]string{fmt.Sprintf("text %d", smsTapbackCacheSize+19)})
	require.True(t, found)
	assert.Equal(t, fmt.Sprintf("guid-%d", smsTapbackCacheSize+19), guid)
}

func TestApplyAddReplaceRemove(t *testing.T) {
	r := newTapbackResolver(zerolog.Nop())
	add := TapbackItem{MessageGUID: "msg", Sender: "+1", IsAddition: true, Tapback: TapbackLove}
	r.apply(add, "")
	require.Len(t, r.snapshot("msg"), 1)

	// Same sender and type again: replaces, does not duplicate.
	r.apply(add, "")
	require.Len(t, r.snapshot("msg"), 1)

	// Different sender coexists.
	other := TapbackItem{MessageGUID: "msg", Sender: "+2", IsAddition: true, Tapback: TapbackLove}
	r.apply(other, "")
	require.Len(t, r.snapshot("msg"), 2)

	// Removal deletes the matching entry only.
	r.apply(TapbackItem{MessageGUID: "msg", Sender: "+1", Tapback: TapbackLove}, "")
	snap := r.snapshot("msg")
	require.Len(t, snap, 1)
	assert.Equal(t, "+2", snap[0].Sender)

	// Removal with no matching addition is a no-op.
	r.apply(TapbackItem{MessageGUID: "msg", Sender: "+3", Tapback: TapbackLaugh}, "")
	assert.Len(t, r.snapshot("msg"), 1)
}

func TestApplyMirrorsRawGUID(t *testing.T) {
	r := newTapbackResolver(zerolog.Nop())
	item := TapbackItem{MessageGUID: "target", Sender: "+1", IsAddition: true, Tapback: TapbackLike}
	r.apply(item, "p:0/target")

	assert.Len(t, r.snapshot("target"), 1)
	assert.Len(t, r.snapshot("p:0/target"), 1)
}

func TestSnapshotIsACopy(t *testing.T) {
	r := newTapbackResolver(zerolog.Nop())
	r.apply(TapbackItem{MessageGUID: "msg", Sender: "+1", IsAddition: true, Tapback: TapbackLike}, "")
	snap := r.snapshot("msg")
	snap[0].Sender = "mutated"
	assert.Equal(t, "+1", r.snapshot("msg")[0].Sender)
}
