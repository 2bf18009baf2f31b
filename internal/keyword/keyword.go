// Package keyword scans finalized transcript segments against a
// campaign-scoped trigger dictionary and emits audience-scoped lookup
// events. Provisional text is never matched.
package keyword

import (
	"context"
	"sort"
	"strings"
	"unicode"

	"github.com/gmcompanion/livesession/internal/storage"
	"github.com/gmcompanion/livesession/internal/transcript"
)

// Audience names who may receive a trigger's events.
type Audience string

const (
	// AudienceAll delivers events to every participant.
	AudienceAll Audience = "all"
	// AudienceGM delivers events to the GM only.
	AudienceGM Audience = "gm"
)

// Trigger is one keyword in the campaign dictionary.
type Trigger struct {
	ID       string
	Term     string
	RefID    string
	Audience Audience
}

// Event is a detected trigger occurrence in a finalized segment.
type Event struct {
	TriggerID string   `json:"trigger_id"`
	RefID     string   `json:"ref_id"`
	Term      string   `json:"term"`
	Matched   string   `json:"matched"`
	SegmentID string   `json:"segment_id"`
	SessionID string   `json:"session_id"`
	Audience  Audience `json:"audience"`
}

// Dictionary serves the campaign's configured triggers.
type Dictionary interface {
	Triggers(ctx context.Context, campaignID string) ([]Trigger, error)
}

// MemoryDictionary is an in-memory Dictionary keyed by campaign id, for
// wiring without a trigger store and for tests.
type MemoryDictionary struct {
	byCampaign map[string][]Trigger
}

// NewMemoryDictionary creates a dictionary over a fixed trigger set.
func NewMemoryDictionary(byCampaign map[string][]Trigger) *MemoryDictionary {
	if byCampaign == nil {
		byCampaign = make(map[string][]Trigger)
	}
	return &MemoryDictionary{byCampaign: byCampaign}
}

// Triggers returns the campaign's triggers.
func (d *MemoryDictionary) Triggers(ctx context.Context, campaignID string) ([]Trigger, error) {
	return d.byCampaign[campaignID], nil
}

// StoreDictionary adapts a storage.TriggerStore to the Dictionary contract.
type StoreDictionary struct {
	store storage.TriggerStore
}

// NewStoreDictionary creates a Dictionary backed by the trigger store.
func NewStoreDictionary(store storage.TriggerStore) *StoreDictionary {
	return &StoreDictionary{store: store}
}

// Triggers loads the campaign's trigger records.
func (d *StoreDictionary) Triggers(ctx context.Context, campaignID string) ([]Trigger, error) {
	records, err := d.store.ListTriggers(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	triggers := make([]Trigger, 0, len(records))
	for _, record := range records {
		audience := AudienceAll
		if Audience(record.Audience) == AudienceGM {
			audience = AudienceGM
		}
		triggers = append(triggers, Trigger{
			ID:       record.ID,
			Term:     record.Term,
			RefID:    record.RefID,
			Audience: audience,
		})
	}
	return triggers, nil
}

// Detector matches finalized segments against the dictionary.
type Detector struct {
	dict Dictionary
}

// NewDetector creates a Detector.
func NewDetector(dict Dictionary) *Detector {
	return &Detector{dict: dict}
}

// Scan matches one segment against the campaign dictionary. Provisional
// segments produce no events. Overlapping matches resolve to the longest
// span; equal spans resolve to the smallest edit distance.
func (d *Detector) Scan(ctx context.Context, campaignID string, segment transcript.Segment) ([]Event, error) {
	if !segment.Final {
		return nil, nil
	}
	triggers, err := d.dict.Triggers(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	if len(triggers) == 0 {
		return nil, nil
	}

	words := tokenize(segment.Text)
	if len(words) == 0 {
		return nil, nil
	}

	type candidate struct {
		trigger  Trigger
		start    int
		length   int
		distance int
	}
	var candidates []candidate
	for _, trigger := range triggers {
		termTokens := tokenize(trigger.Term)
		if len(termTokens) == 0 {
			continue
		}
		for start := 0; start+len(termTokens) <= len(words); start++ {
			total := 0
			matched := true
			for j, termToken := range termTokens {
				dist := levenshtein(words[start+j].lower, termToken.lower)
				if dist > editBound(len(termToken.lower)) {
					matched = false
					break
				}
				total += dist
			}
			if matched {
				candidates = append(candidates, candidate{
					trigger:  trigger,
					start:    start,
					length:   len(termTokens),
					distance: total,
				})
			}
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	// Longest span first, then closest match, then earliest position.
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].length != candidates[j].length {
			return candidates[i].length > candidates[j].length
		}
		if candidates[i].distance != candidates[j].distance {
			return candidates[i].distance < candidates[j].distance
		}
		return candidates[i].start < candidates[j].start
	})

	taken := make([]bool, len(words))
	var selected []candidate
	for _, c := range candidates {
		overlaps := false
		for i := c.start; i < c.start+c.length; i++ {
			if taken[i] {
				overlaps = true
				break
			}
		}
		if overlaps {
			continue
		}
		for i := c.start; i < c.start+c.length; i++ {
			taken[i] = true
		}
		selected = append(selected, c)
	}

	// Report events in text order.
	sort.Slice(selected, func(i, j int) bool { return selected[i].start < selected[j].start })
	events := make([]Event, 0, len(selected))
	for _, c := range selected {
		spanWords := make([]string, 0, c.length)
		for i := c.start; i < c.start+c.length; i++ {
			spanWords = append(spanWords, words[i].text)
		}
		events = append(events, Event{
			TriggerID: c.trigger.ID,
			RefID:     c.trigger.RefID,
			Term:      c.trigger.Term,
			Matched:   strings.Join(spanWords, " "),
			SegmentID: segment.ID,
			SessionID: segment.SessionID,
			Audience:  c.trigger.Audience,
		})
	}
	return events, nil
}

// editBound scales the allowed edit distance with token length: short
// tokens must match exactly, long ones tolerate typos and ASR slips.
func editBound(length int) int {
	switch {
	case length < 4:
		return 0
	case length < 8:
		return 1
	default:
		return 2
	}
}

type token struct {
	text  string
	lower string
}

func tokenize(text string) []token {
	fields := strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r) && r != '\''
	})
	tokens := make([]token, 0, len(fields))
	for _, field := range fields {
		trimmed := strings.Trim(field, "'")
		if trimmed == "" {
			continue
		}
		tokens = append(tokens, token{text: trimmed, lower: strings.ToLower(trimmed)})
	}
	return tokens
}

func levenshtein(a, b string) int {
	if a == b {
		return 0
	}
	ra := []rune(a)
	rb := []rune(b)
	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		curr[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			curr[j] = min(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(rb)]
}
