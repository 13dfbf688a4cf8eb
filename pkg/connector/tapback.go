// bluebridge - A polling REST adapter for BlueBubbles-style iMessage servers.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package connector

import (
	"regexp"
	"slices"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/rs/zerolog"

	"github.com/lrhodin/bluebridge/pkg/blueapi"
)

// ============================================================================
// Identifier normalization
// ============================================================================

// messageGUIDPrefix matches the scheme segment some servers prepend to
// message identifiers ("p:0/ACTUAL-GUID").
var messageGUIDPrefix = regexp.MustCompile(`^[A-Za-z]+:\d+/`)

// normalizeMessageGUID strips the scheme segment, leaving the bare GUID used
// as the canonical key everywhere.
func normalizeMessageGUID(guid string) string {
	return messageGUIDPrefix.ReplaceAllString(guid, "")
}

var tapbackNamePrefix = regexp.MustCompile(`^tapback[-:_]?`)

var tapbackSynonyms = map[string]TapbackType{
	"love":  TapbackLove,
	"heart": TapbackLove,
	"loved": TapbackLove,

	"like":     TapbackLike,
	"liked":    TapbackLike,
	"thumbsup": TapbackLike,

	"dislike":    TapbackDislike,
	"disliked":   TapbackDislike,
	"thumbsdown": TapbackDislike,

	"laugh":   TapbackLaugh,
	"laughed": TapbackLaugh,
	"haha":    TapbackLaugh,

	"emphasis":    TapbackEmphasis,
	"emphasize":   TapbackEmphasis,
	"emphasized":  TapbackEmphasis,
	"exclamation": TapbackEmphasis,

	"question":     TapbackQuestion,
	"questioned":   TapbackQuestion,
	"questionmark": TapbackQuestion,
}

// normalizeTapbackIdentifier maps either wire encoding of a reaction
// identifier to a (type, removal) pair. Unrecognized identifiers return
// ok=false and must be dropped by the caller, never guessed.
func normalizeTapbackIdentifier(ident *blueapi.AssociatedMessageType) (tapback TapbackType, removal, ok bool) {
	if ident == nil {
		return 0, false, false
	}
	if ident.IsNumber {
		switch {
		case ident.Code >= 2000 && ident.Code <= 2005:
			return TapbackType(ident.Code - 2000), false, true
		case ident.Code >= 3000 && ident.Code <= 3005:
			return TapbackType(ident.Code - 3000), true, true
		}
		return 0, false, false
	}
	return normalizeTapbackName(ident.Name)
}

func normalizeTapbackName(name string) (tapback TapbackType, removal, ok bool) {
	s := strings.ToLower(strings.TrimSpace(name))
	// Reverse-domain namespace prefix ("com.example.messaging:love").
	if i := strings.LastIndexByte(s, ':'); i >= 0 && strings.Contains(s[:i], ".") {
		s = s[i+1:]
	}
	s = tapbackNamePrefix.ReplaceAllString(s, "")
	if rest, found := strings.CutPrefix(s, "remove-"); found {
		removal, s = true, rest
	} else if rest, found = strings.CutPrefix(s, "-"); found {
		removal, s = true, rest
	}
	if rest, found := strings.CutSuffix(s, "-remove"); found {
		removal, s = true, rest
	}
	letters := strings.Map(func(r rune) rune {
		if r >= 'a' && r <= 'z' {
			return r
		}
		return -1
	}, s)
	tapback, ok = tapbackSynonyms[letters]
	return tapback, removal, ok
}

// ============================================================================
// Heuristic (free-text) reactions
// ============================================================================

// SMS transports encode reactions as plain messages like `Liked "text"` or
// `❤️ to "text"`. The sending side quotes the target's text, possibly
// truncated with an ellipsis by intervening systems.

// smsReactionPattern splits `<prefix> "<target text>"`, accepting straight
// and curly quotes.
var smsReactionPattern = regexp.MustCompile(`(?s)^(.+?)\s+["“](.*)["”]$`)

type smsTapback struct {
	tapback  TapbackType
	addition bool
}

var smsTapbackPrefixes = map[string]smsTapback{
	"loved":      {TapbackLove, true},
	"liked":      {TapbackLike, true},
	"disliked":   {TapbackDislike, true},
	"laughed":    {TapbackLaugh, true},
	"emphasized": {TapbackEmphasis, true},
	"questioned": {TapbackQuestion, true},

	"❤": {TapbackLove, true},
	"♥": {TapbackLove, true},
	"👍": {TapbackLike, true},
	"👎": {TapbackDislike, true},
	"😂": {TapbackLaugh, true},
	"😆": {TapbackLaugh, true},
	"🤣": {TapbackLaugh, true},
	"‼": {TapbackEmphasis, true},
	"❗": {TapbackEmphasis, true},
	"!": {TapbackEmphasis, true},
	"⁉": {TapbackQuestion, true},
	"❓": {TapbackQuestion, true},
	"?": {TapbackQuestion, true},

	"removed a heart from":         {TapbackLove, false},
	"removed a like from":          {TapbackLike, false},
	"removed a dislike from":       {TapbackDislike, false},
	"removed a laugh from":         {TapbackLaugh, false},
	"removed an exclamation from":  {TapbackEmphasis, false},
	"removed a question mark from": {TapbackQuestion, false},
}

// tapbackWrapGlyphs are the glyphs some senders wrap the quoted target text
// in, per reaction type.
var tapbackWrapGlyphs = map[TapbackType][]string{
	TapbackLove:     {"❤", "♥"},
	TapbackLike:     {"👍"},
	TapbackDislike:  {"👎"},
	TapbackLaugh:    {"😂", "😆", "🤣"},
	TapbackEmphasis: {"‼", "❗", "!"},
	TapbackQuestion: {"⁉", "❓", "?"},
}

// stripInvisible removes zero-width characters, variation selectors, and
// skin-tone modifiers.
func stripInvisible(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r == 0xFE0E || r == 0xFE0F:
		case r >= 0x200B && r <= 0x200D:
		case r == 0xFEFF:
		case r >= 0x1F3FB && r <= 0x1F3FF:
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// collapseSymbolRuns collapses runs of the same symbol ("‼‼‼" → "‼")
// without touching letters or digits.
func collapseSymbolRuns(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	prev := rune(-1)
	for _, r := range s {
		if r == prev && !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			continue
		}
		b.WriteRune(r)
		prev = r
	}
	return b.String()
}

func canonicalizeReactionText(s string) string {
	return strings.TrimSpace(collapseSymbolRuns(stripInvisible(s)))
}

func canonicalizeReactionPrefix(s string) string {
	s = strings.ToLower(canonicalizeReactionText(s))
	for _, suffix := range []string{" to", " at"} {
		if rest, found := strings.CutSuffix(s, suffix); found {
			s = strings.TrimSpace(rest)
			break
		}
	}
	return s
}

// parseSMSReaction tests a plain message text against the quoted-reaction
// pattern. Texts whose prefix is not in the fixed table are not reactions.
func parseSMSReaction(text string) (smsTapback, string, bool) {
	m := smsReactionPattern.FindStringSubmatch(strings.TrimSpace(text))
	if m == nil {
		return smsTapback{}, "", false
	}
	tb, found := smsTapbackPrefixes[canonicalizeReactionPrefix(m[1])]
	if !found {
		return smsTapback{}, "", false
	}
	return tb, m[2], true
}

// heuristicTargetVariants builds the candidate spellings of the quoted
// target text: the normalized base, plus the base with the type-specific
// wrapper glyphs stripped from both sides.
func heuristicTargetVariants(quoted string, tapback TapbackType) []string {
	base := canonicalizeReactionText(quoted)
	variants := []string{base}
	for _, glyph := range tapbackWrapGlyphs[tapback] {
		if len(base) > 2*len(glyph) && strings.HasPrefix(base, glyph) && strings.HasSuffix(base, glyph) {
			if inner := strings.TrimSpace(base[len(glyph) : len(base)-len(glyph)]); inner != "" {
				variants = append(variants, inner)
			}
			break
		}
	}
	return variants
}

func ellipsisPrefix(s string) (string, bool) {
	if p, found := strings.CutSuffix(s, "…"); found {
		return p, true
	}
	if p, found := strings.CutSuffix(s, "..."); found {
		return p, true
	}
	return "", false
}

// textMatchesVariant reports whether a candidate message text equals a
// target variant or matches it under ellipsis truncation in either
// direction (intervening systems truncate long quotes).
func textMatchesVariant(candidate, variant string) bool {
	if candidate == variant {
		return true
	}
	if prefix, found := ellipsisPrefix(variant); found && prefix != "" && strings.HasPrefix(candidate, prefix) {
		return true
	}
	if prefix, found := ellipsisPrefix(candidate); found && prefix != "" && strings.HasPrefix(variant, prefix) {
		return true
	}
	return false
}

// ============================================================================
// Per-chat heuristic cache
// ============================================================================

const smsTapbackCacheSize = 50

// smsTextCache associates normalized message text with candidate target
// GUIDs for one chat. Bounded; evicted oldest-first past capacity.
type smsTextCache struct {
	entries []smsTextEntry
}

type smsTextEntry struct {
	text string
	guid string
}

func (c *smsTextCache) record(text, guid string) {
	c.entries = append(c.entries, smsTextEntry{text: text, guid: guid})
	if len(c.entries) > smsTapbackCacheSize {
		c.entries = slices.Clone(c.entries[len(c.entries)-smsTapbackCacheSize:])
	}
}

// lookup scans newest-first for an entry matching any variant.
func (c *smsTextCache) lookup(variants []string) (string, bool) {
	for i := len(c.entries) - 1; i >= 0; i-- {
		for _, v := range variants {
			if textMatchesVariant(c.entries[i].text, v) {
				return c.entries[i].guid, true
			}
		}
	}
	return "", false
}

// ============================================================================
// Resolver
// ============================================================================

// tapbackResolver identifies reaction records in a wire batch, resolves them
// to target message GUIDs, and maintains the live per-message tapback lists
// that converted items are stamped with.
type tapbackResolver struct {
	log zerolog.Logger

	mu sync.Mutex
	// tapbacks holds the live reaction list per target message, mirrored
	// under both the normalized and raw GUID spellings.
	tapbacks map[string][]TapbackItem
	smsCache map[string]*smsTextCache
}

func newTapbackResolver(log zerolog.Logger) *tapbackResolver {
	return &tapbackResolver{
		log:      log.With().Str("component", "tapback-resolver").Logger(),
		tapbacks: make(map[string][]TapbackItem),
		smsCache: make(map[string]*smsTextCache),
	}
}

// reactionFromMessage reports whether msg is a reaction (structured or
// heuristic). When it is, the returned item is non-nil iff the reaction was
// resolved; unresolved reactions are logged and dropped — misattributing a
// reaction is worse than losing it. rawTarget is the unnormalized target
// GUID for structured reactions.
func (r *tapbackResolver) reactionFromMessage(msg *blueapi.Message, batch []blueapi.Message) (item *TapbackItem, rawTarget string, isReaction bool) {
	if msg.AssociatedMessageGUID != "" && msg.AssociatedMessageType != nil {
		return r.structuredReaction(msg), msg.AssociatedMessageGUID, true
	}
	if !isSMSMessage(msg) || msg.Text == "" {
		return nil, "", false
	}
	tb, quoted, found := parseSMSReaction(msg.Text)
	if !found {
		return nil, "", false
	}
	resolved := r.heuristicReaction(msg, tb, quoted, batch)
	if resolved == nil {
		return nil, "", true
	}
	return resolved, resolved.MessageGUID, true
}

func (r *tapbackResolver) structuredReaction(msg *blueapi.Message) *TapbackItem {
	tapback, removal, ok := normalizeTapbackIdentifier(msg.AssociatedMessageType)
	if !ok {
		r.log.Warn().
			Str("guid", msg.GUID).
			Str("identifier", msg.AssociatedMessageType.String()).
			Msg("Dropping reaction with unrecognized identifier")
		return nil
	}
	return &TapbackItem{
		MessageGUID: normalizeMessageGUID(msg.AssociatedMessageGUID),
		Sender:      messageSender(msg),
		IsAddition:  !removal,
		Tapback:     tapback,
	}
}

func (r *tapbackResolver) heuristicReaction(msg *blueapi.Message, tb smsTapback, quoted string, batch []blueapi.Message) *TapbackItem {
	variants := heuristicTargetVariants(quoted, tb.tapback)
	chatGUID := messageChatGUID(msg)
	targetGUID, found := findBatchTarget(msg, chatGUID, variants, batch)
	if !found {
		r.mu.Lock()
		if cache := r.smsCache[chatGUID]; cache != nil {
			targetGUID, found = cache.lookup(variants)
		}
		r.mu.Unlock()
	}
	if !found {
		r.log.Warn().
			Str("guid", msg.GUID).
			Str("chat_guid", chatGUID).
			Str("quoted", quoted).
			Str("tapback", tb.tapback.String()).
			Msg("Dropping SMS reaction: no matching target message")
		return nil
	}
	return &TapbackItem{
		MessageGUID: normalizeMessageGUID(targetGUID),
		Sender:      messageSender(msg),
		IsAddition:  tb.addition,
		Tapback:     tb.tapback,
	}
}

// findBatchTarget searches the current batch for a same-chat non-reaction
// message matching any target variant, preferring the most recent by
// creation time.
func findBatchTarget(reaction *blueapi.Message, chatGUID string, variants []string, batch []blueapi.Message) (string, bool) {
	var bestGUID string
	var bestDate time.Time
	for i := range batch {
		cand := &batch[i]
		if cand.GUID == "" || cand.GUID == reaction.GUID || cand.AssociatedMessageGUID != "" {
			continue
		}
		if messageChatGUID(cand) != chatGUID {
			continue
		}
		text := canonicalizeReactionText(cand.Text)
		if text == "" || !slices.ContainsFunc(variants, func(v string) bool {
			return textMatchesVariant(text, v)
		}) {
			continue
		}
		if bestGUID == "" || cand.DateCreated.Time.After(bestDate) {
			bestGUID, bestDate = cand.GUID, cand.DateCreated.Time
		}
	}
	return bestGUID, bestGUID != ""
}

// recordText remembers a converted message's normalized text so later SMS
// reactions in its chat can resolve against it.
func (r *tapbackResolver) recordText(chatGUID, text, guid string) {
	norm := canonicalizeReactionText(text)
	if norm == "" || chatGUID == "" || guid == "" {
		return
	}
	r.mu.Lock()
	cache := r.smsCache[chatGUID]
	if cache == nil {
		cache = &smsTextCache{}
		r.smsCache[chatGUID] = cache
	}
	cache.record(norm, normalizeMessageGUID(guid))
	r.mu.Unlock()
}

// apply folds one reaction event into the per-message lists in arrival
// order. An addition replaces an existing addition from the same
// sender+type; a removal deletes the matching entry, else is a no-op.
func (r *tapbackResolver) apply(item TapbackItem, rawGUID string) {
	keys := []string{item.MessageGUID}
	if rawGUID != "" && rawGUID != item.MessageGUID {
		keys = append(keys, rawGUID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, key := range keys {
		list := r.tapbacks[key]
		idx := slices.IndexFunc(list, func(existing TapbackItem) bool {
			return existing.Sender == item.Sender && existing.Tapback == item.Tapback
		})
		switch {
		case item.IsAddition && idx >= 0:
			list[idx] = item
		case item.IsAddition:
			r.tapbacks[key] = append(list, item)
		case idx >= 0:
			r.tapbacks[key] = slices.Delete(list, idx, idx+1)
		}
	}
}

// snapshot returns a copy of the live tapback list for a message, checking
// the normalized spelling first.
func (r *tapbackResolver) snapshot(guid string) []TapbackItem {
	r.mu.Lock()
	defer r.mu.Unlock()
	list, found := r.tapbacks[normalizeMessageGUID(guid)]
	if !found {
		list = r.tapbacks[guid]
	}
	if len(list) == 0 {
		return nil
	}
	return slices.Clone(list)
}
