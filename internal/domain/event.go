package domain

import "time"

// Bus channels and streams.
const (
	ChannelChallenges = "challenges"
	StreamLedger      = "ledger"
)

// EventType names a challenge lifecycle event.
type EventType string

const (
	EventCreated   EventType = "challenge_created"
	EventSigned    EventType = "challenge_signed"
	EventActivated EventType = "challenge_activated"
	EventRefused   EventType = "challenge_refused"
	EventUpdated   EventType = "challenge_updated"
	EventProgress  EventType = "challenge_progress"
	EventSettled   EventType = "challenge_settled"
	EventCancelled EventType = "challenge_cancelled"
	EventDeleted   EventType = "challenge_deleted"
	EventRenewed   EventType = "challenge_renewed"
)

// ChallengeEvent is published on ChannelChallenges after a transition.
type ChallengeEvent struct {
	Type        EventType      `json:"type"`
	ChallengeID string         `json:"challenge_id"`
	UserIDs     []string       `json:"user_ids"`
	State       ChallengeState `json:"state"`
	At          time.Time      `json:"at"`
}
