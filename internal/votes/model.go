package votes

import (
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/surveypulse/internal/respondents"
)

// Source records which entry path created a submission.
type Source string

const (
	// SourceLive marks submissions created by a vote over the live connection.
	SourceLive Source = "live"
	// SourceBatch marks submissions created by the one-shot HTTP submission API.
	SourceBatch Source = "batch"
)

const maxRespondentKeyLength = 190

var (
	// ErrInvalidRespondent indicates an empty or oversized respondent identity.
	ErrInvalidRespondent = errors.New("votes: invalid respondent identity")
	// ErrInvalidIdentifier indicates a non-positive question or option identifier.
	ErrInvalidIdentifier = errors.New("votes: invalid identifier")
	// ErrQuestionnaireNotFound indicates that the questionnaire does not exist.
	ErrQuestionnaireNotFound = errors.New("votes: questionnaire not found")
	// ErrQuestionNotFound indicates that the question does not exist.
	ErrQuestionNotFound = errors.New("votes: question not found")
	// ErrOptionNotFound indicates that the option does not exist.
	ErrOptionNotFound = errors.New("votes: option not found")
	// ErrCrossReference indicates an option outside its question or a question outside the questionnaire.
	ErrCrossReference = errors.New("votes: option or question does not belong to the questionnaire")
	// ErrAlreadySubmitted indicates that the respondent already has a submission for the questionnaire.
	ErrAlreadySubmitted = errors.New("votes: respondent already submitted")
	// ErrDuplicateQuestion indicates that a batch answers the same question twice.
	ErrDuplicateQuestion = errors.New("votes: question answered more than once")
	// ErrEmptyBatch indicates a batch submission without answers.
	ErrEmptyBatch = errors.New("votes: batch has no answers")
)

// Submission binds one respondent identity to one questionnaire.
type Submission struct {
	ID               int64  `gorm:"column:id;primaryKey;autoIncrement"`
	QuestionnaireID  int64  `gorm:"column:questionnaire_id;not null;uniqueIndex:idx_submissions_questionnaire_respondent,priority:1"`
	RespondentKey    string `gorm:"column:respondent_key;size:190;not null;uniqueIndex:idx_submissions_questionnaire_respondent,priority:2"`
	Degraded         bool   `gorm:"column:degraded;not null;default:false"`
	Source           Source `gorm:"column:source;size:16;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null;index"`
}

// TableName provides the explicit table binding for GORM.
func (Submission) TableName() string {
	return "vote_submissions"
}

// Answer binds a submission to the chosen option of one question.
type Answer struct {
	ID                int64 `gorm:"column:id;primaryKey;autoIncrement"`
	SubmissionID      int64 `gorm:"column:submission_id;not null;uniqueIndex:idx_answers_submission_question,priority:1"`
	QuestionID        int64 `gorm:"column:question_id;not null;uniqueIndex:idx_answers_submission_question,priority:2"`
	SelectedOptionID  int64 `gorm:"column:selected_option_id;not null;index"`
	AnsweredAtSeconds int64 `gorm:"column:answered_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Answer) TableName() string {
	return "vote_answers"
}

// Tally maps option identifiers to vote counts for one question.
type Tally map[int64]int64

// QuestionnaireTally maps question identifiers to their tallies.
type QuestionnaireTally map[int64]Tally

// Ballot is one live vote.
type Ballot struct {
	QuestionnaireID int64
	Identity        respondents.Identity
	QuestionID      int64
	OptionID        int64
}

// AnswerInput is one answer of a batch submission.
type AnswerInput struct {
	QuestionID int64
	OptionID   int64
}

func validateIdentity(identity respondents.Identity) error {
	if identity.Value == "" {
		return fmt.Errorf("%w: empty", ErrInvalidRespondent)
	}
	if len(identity.Value) > maxRespondentKeyLength {
		return fmt.Errorf("%w: exceeds %d characters", ErrInvalidRespondent, maxRespondentKeyLength)
	}
	return nil
}

func validateIdentifiers(questionID, optionID int64) error {
	if questionID <= 0 {
		return fmt.Errorf("%w: question %d", ErrInvalidIdentifier, questionID)
	}
	if optionID <= 0 {
		return fmt.Errorf("%w: option %d", ErrInvalidIdentifier, optionID)
	}
	return nil
}
