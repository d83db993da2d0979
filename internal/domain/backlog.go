package domain

import (
	"encoding/json"
	"fmt"
)

// BacklogStatus tracks a BacklogItem through the expansion state machine:
// Queued -> Claimed -> Expanded, or Failed(n) cycling back to Queued until
// the retry budget is spent and the item is DeadLettered.
type BacklogStatus string

const (
	BacklogQueued       BacklogStatus = "queued"
	BacklogClaimed      BacklogStatus = "claimed"
	BacklogExpanded     BacklogStatus = "expanded"
	BacklogFailed       BacklogStatus = "failed"
	BacklogDeadLettered BacklogStatus = "dead_lettered"
)

// BacklogItem is one repository awaiting historical expansion.
type BacklogItem struct {
	DID    string `json:"did"`
	Host   string `json:"host"`
	Rev    string `json:"rev"`
	Status string `json:"status,omitempty"`
	Active bool   `json:"active"`
}

// EncodeBacklogItem serializes an item into queue entry fields.
func EncodeBacklogItem(item BacklogItem) (map[string]string, error) {
	raw, err := json.Marshal(item)
	if err != nil {
		return nil, fmt.Errorf("encode backlog item: %w", err)
	}
	return map[string]string{"repo": string(raw)}, nil
}

// DecodeBacklogItem parses an item out of queue entry fields.
func DecodeBacklogItem(fields map[string]string) (BacklogItem, error) {
	raw, ok := fields["repo"]
	if !ok {
		return BacklogItem{}, fmt.Errorf("decode backlog item: missing repo field")
	}
	var item BacklogItem
	if err := json.Unmarshal([]byte(raw), &item); err != nil {
		return BacklogItem{}, fmt.Errorf("decode backlog item: %w", err)
	}
	return item, nil
}
