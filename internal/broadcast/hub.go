package broadcast

import (
	"context"
	"errors"
	"time"
)

// EventStatsUpdate announces the recomputed tally of one question.
const EventStatsUpdate = "stats_update"

const groupPrefix = "survey_"

var (
	// ErrInvalidGroup indicates an empty group name.
	ErrInvalidGroup = errors.New("broadcast: group name required")
	// ErrInvalidMember indicates a nil member or a member without identifier.
	ErrInvalidMember = errors.New("broadcast: member required")
	// ErrInvalidMessage indicates a message without an event type.
	ErrInvalidMessage = errors.New("broadcast: event type required")
)

// Message is one event fanned out to every member of a group.
type Message struct {
	Group      string          `json:"group"`
	EventType  string          `json:"event_type"`
	QuestionID int64           `json:"question_id"`
	Stats      map[int64]int64 `json:"stats"`
	Timestamp  time.Time       `json:"timestamp"`
}

// Member receives group messages. Deliver must not block.
type Member interface {
	MemberID() string
	Deliver(Message) error
}

// Hub tracks group membership and fans messages out to members.
type Hub interface {
	Join(ctx context.Context, group string, member Member) error
	Leave(ctx context.Context, group string, member Member)
	Publish(ctx context.Context, message Message) error
}

// GroupName returns the broadcast group of a questionnaire access code.
func GroupName(accessCode string) string {
	return groupPrefix + accessCode
}

func validateMember(group string, member Member) error {
	if group == "" {
		return ErrInvalidGroup
	}
	if member == nil || member.MemberID() == "" {
		return ErrInvalidMember
	}
	return nil
}

func validateMessage(message Message) error {
	if message.Group == "" {
		return ErrInvalidGroup
	}
	if message.EventType == "" {
		return ErrInvalidMessage
	}
	return nil
}
