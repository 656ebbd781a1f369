package surveys

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "surveys.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Questionnaire{}, &Question{}, &Option{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	store, err := NewStore(StoreConfig{
		Database: db,
		Clock: func() time.Time {
			return time.Unix(1700000000, 0)
		},
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return store
}

func colorDefinition(code string) Definition {
	return Definition{
		Title:      "Colors",
		AccessCode: code,
		Active:     true,
		Questions: []QuestionDefinition{
			{Text: "favorite color", Options: []string{"Red", "Blue"}},
			{Text: "least favorite color", Options: []string{"Green", "Yellow", "Pink"}},
		},
	}
}

func TestNewAccessCode(t *testing.T) {
	testCases := []struct {
		raw     string
		wantErr bool
	}{
		{raw: "ABC123"},
		{raw: " abc_9 "},
		{raw: "", wantErr: true},
		{raw: "abc-123", wantErr: true},
		{raw: "abc/..", wantErr: true},
		{raw: "0123456789012345678901234567890123", wantErr: true},
	}
	for _, testCase := range testCases {
		_, err := NewAccessCode(testCase.raw)
		if testCase.wantErr && !errors.Is(err, ErrInvalidAccessCode) {
			t.Fatalf("expected invalid access code for %q, got %v", testCase.raw, err)
		}
		if !testCase.wantErr && err != nil {
			t.Fatalf("unexpected error for %q: %v", testCase.raw, err)
		}
	}
}

func TestCreateGeneratesAccessCodeAndOrdersQuestions(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	questionnaire, err := store.Create(ctx, colorDefinition(""))
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if len(questionnaire.AccessCode) != accessCodeLength {
		t.Fatalf("expected generated access code of length %d, got %q", accessCodeLength, questionnaire.AccessCode)
	}
	if _, err := NewAccessCode(questionnaire.AccessCode); err != nil {
		t.Fatalf("generated access code is not valid: %v", err)
	}

	questions, err := store.QuestionsAndOptions(ctx, questionnaire.ID)
	if err != nil {
		t.Fatalf("questions lookup failed: %v", err)
	}
	if len(questions) != 2 {
		t.Fatalf("expected 2 questions, got %d", len(questions))
	}
	if questions[0].Question.Text != "favorite color" || len(questions[0].Options) != 2 {
		t.Fatalf("unexpected first question: %#v", questions[0])
	}
	if questions[1].Options[2].Text != "Pink" {
		t.Fatalf("expected options in definition order, got %#v", questions[1].Options)
	}
}

func TestCreateRejectsDuplicateAccessCode(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.Create(ctx, colorDefinition("DUP001")); err != nil {
		t.Fatalf("first create failed: %v", err)
	}
	if _, err := store.Create(ctx, colorDefinition("DUP001")); !errors.Is(err, errAccessCodeUnavailable) {
		t.Fatalf("expected access code conflict, got %v", err)
	}
}

func TestCreateRejectsInvalidDefinition(t *testing.T) {
	store := newTestStore(t)
	definition := colorDefinition("")
	definition.Questions[1].Options = nil
	if _, err := store.Create(context.Background(), definition); !errors.Is(err, ErrInvalidDefinition) {
		t.Fatalf("expected invalid definition, got %v", err)
	}
}

func TestLookupHidesSoftDeleted(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	questionnaire, err := store.Create(ctx, colorDefinition("GONE01"))
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	code := AccessCode(questionnaire.AccessCode)
	if _, err := store.Lookup(ctx, code); err != nil {
		t.Fatalf("expected lookup to succeed before delete: %v", err)
	}
	if err := store.SoftDelete(ctx, code); err != nil {
		t.Fatalf("soft delete failed: %v", err)
	}
	if _, err := store.Lookup(ctx, code); !errors.Is(err, ErrQuestionnaireNotFound) {
		t.Fatalf("expected not found after soft delete, got %v", err)
	}
	if err := store.SoftDelete(ctx, code); !errors.Is(err, ErrQuestionnaireNotFound) {
		t.Fatalf("expected second delete to report not found, got %v", err)
	}
}

func TestExistsAndActive(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	questionnaire, err := store.Create(ctx, colorDefinition("LIVE01"))
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	code := AccessCode(questionnaire.AccessCode)

	active, err := store.ExistsAndActive(ctx, code)
	if err != nil || !active {
		t.Fatalf("expected active questionnaire, got %v (%v)", active, err)
	}
	if err := store.SetActive(ctx, code, false); err != nil {
		t.Fatalf("deactivate failed: %v", err)
	}
	active, err = store.ExistsAndActive(ctx, code)
	if err != nil || active {
		t.Fatalf("expected inactive questionnaire, got %v (%v)", active, err)
	}
	if _, err := store.Lookup(ctx, code); err != nil {
		t.Fatalf("inactive questionnaire must remain visible: %v", err)
	}

	active, err = store.ExistsAndActive(ctx, AccessCode("NOPE00"))
	if err != nil || active {
		t.Fatalf("expected missing questionnaire to be inactive, got %v (%v)", active, err)
	}
}
