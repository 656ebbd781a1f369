package server

import (
	"context"
	"errors"
	"testing"

	"github.com/MarcoPoloResearchLab/surveypulse/internal/broadcast"
	"github.com/MarcoPoloResearchLab/surveypulse/internal/votes"
	"github.com/google/go-cmp/cmp"
)

type recordingHub struct {
	published []broadcast.Message
}

func (h *recordingHub) Join(context.Context, string, broadcast.Member) error {
	return nil
}

func (h *recordingHub) Leave(context.Context, string, broadcast.Member) {}

func (h *recordingHub) Publish(_ context.Context, message broadcast.Message) error {
	h.published = append(h.published, message)
	return nil
}

type stubTallier map[int64]votes.Tally

// contextTallier fails like the database does once its context is done.
type contextTallier struct {
	stubTallier
}

func (s contextTallier) TallyForQuestion(ctx context.Context, questionID int64) (votes.Tally, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.stubTallier.TallyForQuestion(ctx, questionID)
}

type viewer struct {
	received []broadcast.Message
}

func (v *viewer) MemberID() string {
	return "viewer"
}

func (v *viewer) Deliver(message broadcast.Message) error {
	v.received = append(v.received, message)
	return nil
}

func (s stubTallier) TallyForQuestion(_ context.Context, questionID int64) (votes.Tally, error) {
	tally, ok := s[questionID]
	if !ok {
		return nil, errors.New("unknown question")
	}
	return tally, nil
}

func TestCollectAnsweredQuestionIDs(t *testing.T) {
	ids := collectAnsweredQuestionIDs([]votes.AnswerInput{
		{QuestionID: 3, OptionID: 30},
		{QuestionID: 1, OptionID: 10},
		{QuestionID: 3, OptionID: 31},
		{QuestionID: 0, OptionID: 5},
	})
	if diff := cmp.Diff([]int64{1, 3}, ids); diff != "" {
		t.Fatalf("unexpected question ids (-want +got):\n%s", diff)
	}
}

func TestCollectAnsweredQuestionIDsEmpty(t *testing.T) {
	if ids := collectAnsweredQuestionIDs(nil); ids != nil {
		t.Fatalf("expected nil identifiers, got %v", ids)
	}
}

func TestStatsPublisherPublishesOnePerQuestion(t *testing.T) {
	hub := &recordingHub{}
	publisher := NewStatsPublisher(hub, stubTallier{
		1: {10: 2, 11: 0},
		2: {20: 1},
	}, nil)

	publisher.PublishAnswers(context.Background(), "ABC123", []votes.AnswerInput{
		{QuestionID: 2, OptionID: 20},
		{QuestionID: 1, OptionID: 10},
		{QuestionID: 9, OptionID: 90},
	})

	if len(hub.published) != 2 {
		t.Fatalf("expected two updates, got %d", len(hub.published))
	}
	for index, questionID := range []int64{1, 2} {
		message := hub.published[index]
		if message.Group != "survey_ABC123" || message.EventType != broadcast.EventStatsUpdate || message.QuestionID != questionID {
			t.Fatalf("unexpected message %#v", message)
		}
	}
	if diff := cmp.Diff(map[int64]int64{10: 2, 11: 0}, hub.published[0].Stats); diff != "" {
		t.Fatalf("unexpected stats (-want +got):\n%s", diff)
	}
}

func TestStatsPublisherIgnoresCallerCancellation(t *testing.T) {
	hub := broadcast.NewMemoryHub(nil)
	member := &viewer{}
	if err := hub.Join(context.Background(), broadcast.GroupName("ABC"), member); err != nil {
		t.Fatalf("join failed: %v", err)
	}
	publisher := NewStatsPublisher(hub, contextTallier{stubTallier{1: {10: 1, 11: 0}}}, nil)

	requestContext, cancel := context.WithCancel(context.Background())
	cancel()
	publisher.PublishAnswers(requestContext, "ABC", []votes.AnswerInput{{QuestionID: 1, OptionID: 10}})

	if len(member.received) != 1 {
		t.Fatalf("expected the committed submission to reach the viewer, got %d updates", len(member.received))
	}
	if diff := cmp.Diff(map[int64]int64{10: 1, 11: 0}, member.received[0].Stats); diff != "" {
		t.Fatalf("unexpected stats (-want +got):\n%s", diff)
	}
}
