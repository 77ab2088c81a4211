package moderation

import "time"

// Flag is published when a relayed message is flagged. Offenses and
// MutedSeconds are zero when no offense store is configured.
type Flag struct {
	RoomName     string    `json:"roomName"`
	MessageID    int64     `json:"messageId"`
	AuthorID     string    `json:"authorId"`
	Reason       string    `json:"reason"`
	Term         string    `json:"term"`
	Offenses     int64     `json:"offenses,omitempty"`
	MutedSeconds int       `json:"mutedSeconds,omitempty"`
	FlaggedAt    time.Time `json:"flaggedAt"`
}
