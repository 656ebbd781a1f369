package server

import (
	"context"
	"sort"
	"time"

	"github.com/MarcoPoloResearchLab/surveypulse/internal/broadcast"
	"github.com/MarcoPoloResearchLab/surveypulse/internal/surveys"
	"github.com/MarcoPoloResearchLab/surveypulse/internal/votes"
	"go.uber.org/zap"
)

// QuestionTallier recomputes the tally of one question.
type QuestionTallier interface {
	TallyForQuestion(ctx context.Context, questionID int64) (votes.Tally, error)
}

// StatsPublisher pushes stats updates to live viewers after submissions that bypass the live connection.
type StatsPublisher struct {
	hub     broadcast.Hub
	tallier QuestionTallier
	clock   func() time.Time
	logger  *zap.Logger
}

// NewStatsPublisher constructs a StatsPublisher.
func NewStatsPublisher(hub broadcast.Hub, tallier QuestionTallier, logger *zap.Logger) *StatsPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StatsPublisher{hub: hub, tallier: tallier, clock: time.Now, logger: logger}
}

// PublishAnswers sends one stats update per answered question, in question order.
// Failures are logged; the submission is already committed, so the caller's
// cancellation is not propagated.
func (p *StatsPublisher) PublishAnswers(ctx context.Context, code surveys.AccessCode, answers []votes.AnswerInput) {
	if p == nil || p.hub == nil || p.tallier == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	group := broadcast.GroupName(code.String())
	for _, questionID := range collectAnsweredQuestionIDs(answers) {
		tally, err := p.tallier.TallyForQuestion(ctx, questionID)
		if err != nil {
			p.logger.Warn("stats update skipped", zap.String("access_code", code.String()), zap.Int64("question_id", questionID), zap.Error(err))
			continue
		}
		message := broadcast.Message{
			Group:      group,
			EventType:  broadcast.EventStatsUpdate,
			QuestionID: questionID,
			Stats:      tally,
			Timestamp:  p.clock().UTC(),
		}
		if err := p.hub.Publish(ctx, message); err != nil {
			p.logger.Warn("stats update publish failed", zap.String("access_code", code.String()), zap.Int64("question_id", questionID), zap.Error(err))
		}
	}
}

func collectAnsweredQuestionIDs(answers []votes.AnswerInput) []int64 {
	if len(answers) == 0 {
		return nil
	}
	seen := make(map[int64]struct{}, len(answers))
	ids := make([]int64, 0, len(answers))
	for _, answer := range answers {
		if answer.QuestionID <= 0 {
			continue
		}
		if _, ok := seen[answer.QuestionID]; ok {
			continue
		}
		seen[answer.QuestionID] = struct{}{}
		ids = append(ids, answer.QuestionID)
	}
	if len(ids) == 0 {
		return nil
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
