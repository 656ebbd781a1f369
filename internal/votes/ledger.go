package votes

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/surveypulse/internal/respondents"
	"github.com/MarcoPoloResearchLab/surveypulse/internal/surveys"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opLedgerNew             = "votes.ledger.new"
	opEnsureSubmission      = "votes.ensure_submission"
	opRecordAnswer          = "votes.record_answer"
	opCastVote              = "votes.cast_vote"
	opSubmitAnswers         = "votes.submit_answers"
	opTallyQuestion         = "votes.tally_question"
	opTallyQuestionnaire    = "votes.tally_questionnaire"
	opHasSubmitted          = "votes.has_submitted"
	fieldQuestionnaireID    = "questionnaire_id"
	fieldQuestionID         = "question_id"
	fieldOptionID           = "option_id"
	fieldDegraded           = "respondent_degraded"
	querySubmissionKey      = "questionnaire_id = ? AND respondent_key = ?"
	queryLiveQuestionnaire  = "id = ? AND is_deleted = ?"
	reasonMissingDatabase   = "missing_database"
	reasonInvalidRequest    = "invalid_request"
	reasonNotFound          = "not_found"
	reasonCrossReference    = "cross_reference"
	reasonAlreadySubmitted  = "already_submitted"
	reasonStorageFailed     = "storage_failed"
	reasonQuestionnaireGone = "questionnaire_not_found"
)

const tallyQuery = `
SELECT o.question_id AS question_id, o.id AS option_id, COUNT(s.id) AS votes
FROM survey_options o
JOIN survey_questions q ON q.id = o.question_id
LEFT JOIN vote_answers a ON a.selected_option_id = o.id AND a.question_id = q.id
LEFT JOIN vote_submissions s ON s.id = a.submission_id AND s.questionnaire_id = q.questionnaire_id
WHERE q.questionnaire_id = ? AND (? = 0 OR q.id = ?)
GROUP BY o.question_id, o.id`

var (
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

// ServiceError carries a dotted operation code alongside the underlying cause.
type ServiceError struct {
	code   string
	reason string
	err    error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), reason: reason, err: cause}
}

// LedgerConfig describes the dependencies of the vote ledger.
type LedgerConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Ledger is the single source of truth for submissions, answers and tallies.
// Counts are never stored; every tally is a scoped COUNT over the answers table.
type Ledger struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewLedger constructs a Ledger.
func NewLedger(cfg LedgerConfig) (*Ledger, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opLedgerNew, reasonMissingDatabase, errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Ledger{db: cfg.Database, clock: clock, logger: logger}, nil
}

// EnsureSubmission returns the submission for (questionnaire, identity), creating it atomically
// when absent. The boolean reports whether this call created it.
func (l *Ledger) EnsureSubmission(ctx context.Context, questionnaireID int64, identity respondents.Identity, source Source) (Submission, bool, error) {
	if err := validateIdentity(identity); err != nil {
		return Submission{}, false, newServiceError(opEnsureSubmission, reasonInvalidRequest, err)
	}
	var submission Submission
	var created bool
	err := l.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		if err := requireLiveQuestionnaire(transaction, questionnaireID); err != nil {
			return err
		}
		var ensureErr error
		submission, created, ensureErr = l.ensureSubmission(transaction, questionnaireID, identity, source)
		return ensureErr
	})
	if err != nil {
		return Submission{}, false, l.fail(opEnsureSubmission, err, zap.Int64(fieldQuestionnaireID, questionnaireID))
	}
	return submission, created, nil
}

// RecordAnswer replaces the submission's answer for the question with the option.
// The option must belong to the question and the question to the submission's questionnaire.
func (l *Ledger) RecordAnswer(ctx context.Context, submission Submission, questionID, optionID int64) error {
	if err := validateIdentifiers(questionID, optionID); err != nil {
		return newServiceError(opRecordAnswer, reasonInvalidRequest, err)
	}
	err := l.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		if err := validateReference(transaction, submission.QuestionnaireID, questionID, optionID); err != nil {
			return err
		}
		return l.upsertAnswer(transaction, submission.ID, questionID, optionID)
	})
	if err != nil {
		return l.fail(opRecordAnswer, err,
			zap.Int64(fieldQuestionnaireID, submission.QuestionnaireID),
			zap.Int64(fieldQuestionID, questionID),
			zap.Int64(fieldOptionID, optionID))
	}
	return nil
}

// CastVote records a live vote and returns the recomputed tally of the voted question.
// Nothing is recorded and no tally is returned when any reference is invalid.
func (l *Ledger) CastVote(ctx context.Context, ballot Ballot) (Tally, error) {
	if err := validateIdentity(ballot.Identity); err != nil {
		return nil, newServiceError(opCastVote, reasonInvalidRequest, err)
	}
	if err := validateIdentifiers(ballot.QuestionID, ballot.OptionID); err != nil {
		return nil, newServiceError(opCastVote, reasonInvalidRequest, err)
	}
	fields := []zap.Field{
		zap.Int64(fieldQuestionnaireID, ballot.QuestionnaireID),
		zap.Int64(fieldQuestionID, ballot.QuestionID),
		zap.Int64(fieldOptionID, ballot.OptionID),
		zap.Bool(fieldDegraded, ballot.Identity.Degraded),
	}

	err := l.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		if err := requireLiveQuestionnaire(transaction, ballot.QuestionnaireID); err != nil {
			return err
		}
		if err := validateReference(transaction, ballot.QuestionnaireID, ballot.QuestionID, ballot.OptionID); err != nil {
			return err
		}
		submission, _, err := l.ensureSubmission(transaction, ballot.QuestionnaireID, ballot.Identity, SourceLive)
		if err != nil {
			return err
		}
		return l.upsertAnswer(transaction, submission.ID, ballot.QuestionID, ballot.OptionID)
	})
	if err != nil {
		return nil, l.fail(opCastVote, err, fields...)
	}

	tallies, err := l.tally(ctx, ballot.QuestionnaireID, ballot.QuestionID)
	if err != nil {
		return nil, l.fail(opCastVote, err, fields...)
	}
	l.logger.Debug("vote recorded", fields...)
	return tallies[ballot.QuestionID], nil
}

// SubmitAnswers stores a complete batch of answers for a respondent in one transaction.
// A respondent that already has a submission for the questionnaire is rejected.
func (l *Ledger) SubmitAnswers(ctx context.Context, questionnaireID int64, identity respondents.Identity, answers []AnswerInput) (Submission, error) {
	if err := validateIdentity(identity); err != nil {
		return Submission{}, newServiceError(opSubmitAnswers, reasonInvalidRequest, err)
	}
	if len(answers) == 0 {
		return Submission{}, newServiceError(opSubmitAnswers, reasonInvalidRequest, ErrEmptyBatch)
	}
	answered := make(map[int64]struct{}, len(answers))
	for _, answer := range answers {
		if err := validateIdentifiers(answer.QuestionID, answer.OptionID); err != nil {
			return Submission{}, newServiceError(opSubmitAnswers, reasonInvalidRequest, err)
		}
		if _, ok := answered[answer.QuestionID]; ok {
			return Submission{}, newServiceError(opSubmitAnswers, reasonInvalidRequest,
				fmt.Errorf("%w: %d", ErrDuplicateQuestion, answer.QuestionID))
		}
		answered[answer.QuestionID] = struct{}{}
	}

	var submission Submission
	err := l.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		if err := requireLiveQuestionnaire(transaction, questionnaireID); err != nil {
			return err
		}
		for _, answer := range answers {
			if err := validateReference(transaction, questionnaireID, answer.QuestionID, answer.OptionID); err != nil {
				return err
			}
		}
		stored, created, err := l.ensureSubmission(transaction, questionnaireID, identity, SourceBatch)
		if err != nil {
			return err
		}
		if !created {
			return ErrAlreadySubmitted
		}
		for _, answer := range answers {
			if err := l.upsertAnswer(transaction, stored.ID, answer.QuestionID, answer.OptionID); err != nil {
				return err
			}
		}
		submission = stored
		return nil
	})
	if err != nil {
		return Submission{}, l.fail(opSubmitAnswers, err,
			zap.Int64(fieldQuestionnaireID, questionnaireID),
			zap.Bool(fieldDegraded, identity.Degraded))
	}
	return submission, nil
}

// HasSubmitted reports whether the respondent has a submission for the questionnaire.
func (l *Ledger) HasSubmitted(ctx context.Context, questionnaireID int64, identity respondents.Identity) (bool, error) {
	if err := validateIdentity(identity); err != nil {
		return false, newServiceError(opHasSubmitted, reasonInvalidRequest, err)
	}
	var count int64
	if err := l.db.WithContext(ctx).
		Model(&Submission{}).
		Where(querySubmissionKey, questionnaireID, identity.Value).
		Count(&count).Error; err != nil {
		return false, l.fail(opHasSubmitted, err, zap.Int64(fieldQuestionnaireID, questionnaireID))
	}
	return count > 0, nil
}

// TallyForQuestion counts votes per option of the question, scoped to submissions of the
// question's own questionnaire. Options without votes are reported with zero.
func (l *Ledger) TallyForQuestion(ctx context.Context, questionID int64) (Tally, error) {
	var question surveys.Question
	err := l.db.WithContext(ctx).Where("id = ?", questionID).Take(&question).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, newServiceError(opTallyQuestion, reasonNotFound, ErrQuestionNotFound)
	}
	if err != nil {
		return nil, l.fail(opTallyQuestion, err, zap.Int64(fieldQuestionID, questionID))
	}
	tallies, err := l.tally(ctx, question.QuestionnaireID, question.ID)
	if err != nil {
		return nil, l.fail(opTallyQuestion, err, zap.Int64(fieldQuestionID, questionID))
	}
	return tallies[question.ID], nil
}

// TallyForQuestionnaire returns the tally of every question of a live questionnaire.
func (l *Ledger) TallyForQuestionnaire(ctx context.Context, questionnaireID int64) (QuestionnaireTally, error) {
	if err := requireLiveQuestionnaire(l.db.WithContext(ctx), questionnaireID); err != nil {
		return nil, l.fail(opTallyQuestionnaire, err, zap.Int64(fieldQuestionnaireID, questionnaireID))
	}
	tallies, err := l.tally(ctx, questionnaireID, 0)
	if err != nil {
		return nil, l.fail(opTallyQuestionnaire, err, zap.Int64(fieldQuestionnaireID, questionnaireID))
	}
	return tallies, nil
}

type tallyRow struct {
	QuestionID int64
	OptionID   int64
	Votes      int64
}

// tally recomputes counts for one question, or for every question when questionID is zero.
func (l *Ledger) tally(ctx context.Context, questionnaireID, questionID int64) (QuestionnaireTally, error) {
	database := l.db.WithContext(ctx)

	var questionIDs []int64
	questionQuery := database.Model(&surveys.Question{}).Where("questionnaire_id = ?", questionnaireID)
	if questionID != 0 {
		questionQuery = questionQuery.Where("id = ?", questionID)
	}
	if err := questionQuery.Pluck("id", &questionIDs).Error; err != nil {
		return nil, err
	}

	var rows []tallyRow
	if err := database.Raw(tallyQuery, questionnaireID, questionID, questionID).Scan(&rows).Error; err != nil {
		return nil, err
	}

	result := make(QuestionnaireTally, len(questionIDs))
	for _, id := range questionIDs {
		result[id] = Tally{}
	}
	for _, row := range rows {
		tally, ok := result[row.QuestionID]
		if !ok {
			continue
		}
		tally[row.OptionID] = row.Votes
	}
	return result, nil
}

func (l *Ledger) ensureSubmission(transaction *gorm.DB, questionnaireID int64, identity respondents.Identity, source Source) (Submission, bool, error) {
	model := Submission{
		QuestionnaireID:  questionnaireID,
		RespondentKey:    identity.Value,
		Degraded:         identity.Degraded,
		Source:           source,
		CreatedAtSeconds: l.clock().UTC().Unix(),
	}
	createResult := transaction.Clauses(clause.OnConflict{DoNothing: true}).Create(&model)
	if createResult.Error != nil {
		return Submission{}, false, createResult.Error
	}
	if createResult.RowsAffected == 1 {
		return model, true, nil
	}

	var existing Submission
	if err := transaction.Where(querySubmissionKey, questionnaireID, identity.Value).Take(&existing).Error; err != nil {
		return Submission{}, false, err
	}
	return existing, false, nil
}

func (l *Ledger) upsertAnswer(transaction *gorm.DB, submissionID, questionID, optionID int64) error {
	return transaction.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "submission_id"}, {Name: "question_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"selected_option_id", "answered_at_s"}),
	}).Create(&Answer{
		SubmissionID:      submissionID,
		QuestionID:        questionID,
		SelectedOptionID:  optionID,
		AnsweredAtSeconds: l.clock().UTC().Unix(),
	}).Error
}

func requireLiveQuestionnaire(database *gorm.DB, questionnaireID int64) error {
	var count int64
	if err := database.Model(&surveys.Questionnaire{}).
		Where(queryLiveQuestionnaire, questionnaireID, false).
		Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return ErrQuestionnaireNotFound
	}
	return nil
}

func validateReference(transaction *gorm.DB, questionnaireID, questionID, optionID int64) error {
	var question surveys.Question
	err := transaction.Where("id = ?", questionID).Take(&question).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: %d", ErrQuestionNotFound, questionID)
	}
	if err != nil {
		return err
	}
	if question.QuestionnaireID != questionnaireID {
		return fmt.Errorf("%w: question %d", ErrCrossReference, questionID)
	}

	var option surveys.Option
	err = transaction.Where("id = ?", optionID).Take(&option).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: %d", ErrOptionNotFound, optionID)
	}
	if err != nil {
		return err
	}
	if option.QuestionID != questionID {
		return fmt.Errorf("%w: option %d", ErrCrossReference, optionID)
	}
	return nil
}

// fail classifies err, logs storage failures, and wraps it in a ServiceError.
func (l *Ledger) fail(operation string, err error, fields ...zap.Field) error {
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		return err
	}
	reason := classify(err)
	if reason == reasonStorageFailed {
		l.logError(operation, reason, err, fields...)
	} else {
		l.loggerOrDefault().Debug("vote rejected",
			append([]zap.Field{zap.String("operation", operation), zap.String("reason", reason), zap.Error(err)}, fields...)...)
	}
	return newServiceError(operation, reason, err)
}

func classify(err error) string {
	switch {
	case errors.Is(err, ErrQuestionnaireNotFound):
		return reasonQuestionnaireGone
	case errors.Is(err, ErrQuestionNotFound), errors.Is(err, ErrOptionNotFound):
		return reasonNotFound
	case errors.Is(err, ErrCrossReference):
		return reasonCrossReference
	case errors.Is(err, ErrAlreadySubmitted):
		return reasonAlreadySubmitted
	default:
		return reasonStorageFailed
	}
}

// IsStorageFailure reports whether err came from the persistence layer rather than validation.
func IsStorageFailure(err error) bool {
	if err == nil {
		return false
	}
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) {
		return true
	}
	return serviceErr.reason == reasonStorageFailed || serviceErr.reason == reasonMissingDatabase
}

func (l *Ledger) loggerOrDefault() *zap.Logger {
	if l == nil || l.logger == nil {
		return noOpLogger
	}
	return l.logger
}

func (l *Ledger) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	l.loggerOrDefault().Error("vote ledger error", attrs...)
}
