package surveys

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	accessCodeLength     = 6
	accessCodeAttempts   = 5
	queryLiveAccessCode  = "access_code = ? AND is_deleted = ?"
	orderPositionAsc     = "position ASC, id ASC"
	columnIsActive       = "is_active"
	columnIsDeleted      = "is_deleted"
	columnUpdatedSeconds = "updated_at_s"
)

var (
	errMissingDatabase       = errors.New("surveys: database handle is required")
	errAccessCodeUnavailable = errors.New("surveys: access code already in use")
)

// StoreConfig describes the dependencies of the questionnaire store.
type StoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Store reads and seeds questionnaire definitions.
type Store struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewStore constructs a Store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: cfg.Database, clock: clock, logger: logger}, nil
}

// Lookup returns the questionnaire for the access code unless it is missing or soft-deleted.
func (s *Store) Lookup(ctx context.Context, code AccessCode) (Questionnaire, error) {
	var questionnaire Questionnaire
	err := s.db.WithContext(ctx).
		Where(queryLiveAccessCode, code.String(), false).
		Take(&questionnaire).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Questionnaire{}, ErrQuestionnaireNotFound
	}
	if err != nil {
		return Questionnaire{}, fmt.Errorf("surveys: lookup %s: %w", code, err)
	}
	return questionnaire, nil
}

// ExistsAndActive reports whether the questionnaire exists, is not deleted, and accepts submissions.
func (s *Store) ExistsAndActive(ctx context.Context, code AccessCode) (bool, error) {
	questionnaire, err := s.Lookup(ctx, code)
	if errors.Is(err, ErrQuestionnaireNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return questionnaire.IsActive, nil
}

// QuestionsAndOptions returns the questionnaire's questions in order, each with its ordered options.
func (s *Store) QuestionsAndOptions(ctx context.Context, questionnaireID int64) ([]QuestionWithOptions, error) {
	var questions []Question
	if err := s.db.WithContext(ctx).
		Where("questionnaire_id = ?", questionnaireID).
		Order(orderPositionAsc).
		Find(&questions).Error; err != nil {
		return nil, fmt.Errorf("surveys: list questions: %w", err)
	}
	if len(questions) == 0 {
		return nil, nil
	}

	questionIDs := make([]int64, 0, len(questions))
	for _, question := range questions {
		questionIDs = append(questionIDs, question.ID)
	}
	var options []Option
	if err := s.db.WithContext(ctx).
		Where("question_id IN ?", questionIDs).
		Order(orderPositionAsc).
		Find(&options).Error; err != nil {
		return nil, fmt.Errorf("surveys: list options: %w", err)
	}

	optionsByQuestion := make(map[int64][]Option, len(questions))
	for _, option := range options {
		optionsByQuestion[option.QuestionID] = append(optionsByQuestion[option.QuestionID], option)
	}
	result := make([]QuestionWithOptions, 0, len(questions))
	for _, question := range questions {
		result = append(result, QuestionWithOptions{
			Question: question,
			Options:  optionsByQuestion[question.ID],
		})
	}
	return result, nil
}

// Create stores a questionnaire with its questions and options.
// A blank access code is replaced by a generated one.
func (s *Store) Create(ctx context.Context, definition Definition) (Questionnaire, error) {
	if err := definition.validate(); err != nil {
		return Questionnaire{}, err
	}
	requested := strings.TrimSpace(definition.AccessCode)
	if requested != "" {
		if _, err := NewAccessCode(requested); err != nil {
			return Questionnaire{}, err
		}
	}

	nowSeconds := s.clock().UTC().Unix()
	var created Questionnaire
	err := s.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		header, err := s.insertHeader(transaction, definition, requested, nowSeconds)
		if err != nil {
			return err
		}
		for questionIndex, questionDefinition := range definition.Questions {
			question := Question{
				QuestionnaireID: header.ID,
				Position:        questionIndex,
				Text:            strings.TrimSpace(questionDefinition.Text),
			}
			if err := transaction.Create(&question).Error; err != nil {
				return err
			}
			for optionIndex, optionText := range questionDefinition.Options {
				option := Option{
					QuestionID: question.ID,
					Position:   optionIndex,
					Text:       strings.TrimSpace(optionText),
				}
				if err := transaction.Create(&option).Error; err != nil {
					return err
				}
			}
		}
		created = header
		return nil
	})
	if err != nil {
		s.logger.Error("questionnaire create failed", zap.Error(err), zap.String("title", definition.Title))
		return Questionnaire{}, err
	}
	s.logger.Info("questionnaire created",
		zap.Int64("questionnaire_id", created.ID),
		zap.String("access_code", created.AccessCode))
	return created, nil
}

func (s *Store) insertHeader(transaction *gorm.DB, definition Definition, requested string, nowSeconds int64) (Questionnaire, error) {
	attempts := accessCodeAttempts
	if requested != "" {
		attempts = 1
	}
	for attempt := 0; attempt < attempts; attempt++ {
		code := requested
		if code == "" {
			code = generateAccessCode()
		}
		header := Questionnaire{
			Title:            strings.TrimSpace(definition.Title),
			AccessCode:       code,
			OwnerID:          strings.TrimSpace(definition.OwnerID),
			IsActive:         definition.Active,
			CreatedAtSeconds: nowSeconds,
			UpdatedAtSeconds: nowSeconds,
		}
		result := transaction.Clauses(clause.OnConflict{DoNothing: true}).Create(&header)
		if result.Error != nil {
			return Questionnaire{}, result.Error
		}
		if result.RowsAffected == 1 {
			return header, nil
		}
	}
	return Questionnaire{}, errAccessCodeUnavailable
}

// SetActive toggles whether the questionnaire accepts batch submissions.
func (s *Store) SetActive(ctx context.Context, code AccessCode, active bool) error {
	return s.updateLive(ctx, code, map[string]any{
		columnIsActive:       active,
		columnUpdatedSeconds: s.clock().UTC().Unix(),
	})
}

// SoftDelete hides the questionnaire from every read path; a deleted questionnaire is never active.
func (s *Store) SoftDelete(ctx context.Context, code AccessCode) error {
	return s.updateLive(ctx, code, map[string]any{
		columnIsDeleted:      true,
		columnIsActive:       false,
		columnUpdatedSeconds: s.clock().UTC().Unix(),
	})
}

func (s *Store) updateLive(ctx context.Context, code AccessCode, updates map[string]any) error {
	result := s.db.WithContext(ctx).
		Model(&Questionnaire{}).
		Where(queryLiveAccessCode, code.String(), false).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("surveys: update %s: %w", code, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrQuestionnaireNotFound
	}
	return nil
}

func generateAccessCode() string {
	return strings.ToUpper(uuid.NewString()[:accessCodeLength])
}
