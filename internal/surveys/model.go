package surveys

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

const maxAccessCodeLength = 32

var (
	// ErrInvalidAccessCode indicates that an access code is empty or contains non-word characters.
	ErrInvalidAccessCode = errors.New("surveys: invalid access code")
	// ErrQuestionnaireNotFound indicates that no live questionnaire matches the access code.
	ErrQuestionnaireNotFound = errors.New("surveys: questionnaire not found")
	// ErrInvalidDefinition indicates that a questionnaire definition cannot be stored.
	ErrInvalidDefinition = errors.New("surveys: invalid questionnaire definition")

	accessCodePattern = regexp.MustCompile(`^\w+$`)
)

// AccessCode is the public token that identifies a questionnaire.
type AccessCode string

// NewAccessCode validates raw input and returns an AccessCode.
func NewAccessCode(rawInput string) (AccessCode, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidAccessCode)
	}
	if len(trimmed) > maxAccessCodeLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidAccessCode, maxAccessCodeLength)
	}
	if !accessCodePattern.MatchString(trimmed) {
		return "", fmt.Errorf("%w: %q", ErrInvalidAccessCode, trimmed)
	}
	return AccessCode(trimmed), nil
}

// String returns the underlying code.
func (code AccessCode) String() string {
	return string(code)
}

// Questionnaire is the persisted questionnaire header.
type Questionnaire struct {
	ID               int64  `gorm:"column:id;primaryKey;autoIncrement"`
	Title            string `gorm:"column:title;size:255;not null"`
	AccessCode       string `gorm:"column:access_code;size:32;not null;uniqueIndex"`
	OwnerID          string `gorm:"column:owner_id;size:190;not null;default:''"`
	IsActive         bool   `gorm:"column:is_active;not null;default:false"`
	IsDeleted        bool   `gorm:"column:is_deleted;not null;default:false"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Questionnaire) TableName() string {
	return "survey_questionnaires"
}

// Question belongs to one questionnaire and is ordered by position.
type Question struct {
	ID              int64  `gorm:"column:id;primaryKey;autoIncrement"`
	QuestionnaireID int64  `gorm:"column:questionnaire_id;not null;index:idx_questions_questionnaire_position,priority:1"`
	Position        int    `gorm:"column:position;not null;default:0;index:idx_questions_questionnaire_position,priority:2"`
	Text            string `gorm:"column:text;size:500;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Question) TableName() string {
	return "survey_questions"
}

// Option is a selectable answer for one question.
type Option struct {
	ID         int64  `gorm:"column:id;primaryKey;autoIncrement"`
	QuestionID int64  `gorm:"column:question_id;not null;index:idx_options_question_position,priority:1"`
	Position   int    `gorm:"column:position;not null;default:0;index:idx_options_question_position,priority:2"`
	Text       string `gorm:"column:text;size:255;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Option) TableName() string {
	return "survey_options"
}

// QuestionWithOptions pairs a question with its ordered options.
type QuestionWithOptions struct {
	Question Question
	Options  []Option
}

// Definition describes a questionnaire to be created.
type Definition struct {
	Title      string               `mapstructure:"title" json:"title"`
	AccessCode string               `mapstructure:"access_code" json:"access_code"`
	OwnerID    string               `mapstructure:"owner_id" json:"owner_id"`
	Active     bool                 `mapstructure:"active" json:"active"`
	Questions  []QuestionDefinition `mapstructure:"questions" json:"questions"`
}

// QuestionDefinition describes one question and its option texts.
type QuestionDefinition struct {
	Text    string   `mapstructure:"text" json:"text"`
	Options []string `mapstructure:"options" json:"options"`
}

func (definition Definition) validate() error {
	if strings.TrimSpace(definition.Title) == "" {
		return fmt.Errorf("%w: title is required", ErrInvalidDefinition)
	}
	if len(definition.Questions) == 0 {
		return fmt.Errorf("%w: at least one question is required", ErrInvalidDefinition)
	}
	for index, question := range definition.Questions {
		if strings.TrimSpace(question.Text) == "" {
			return fmt.Errorf("%w: question %d has no text", ErrInvalidDefinition, index+1)
		}
		if len(question.Options) == 0 {
			return fmt.Errorf("%w: question %d needs at least one option", ErrInvalidDefinition, index+1)
		}
	}
	return nil
}
