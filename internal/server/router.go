package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/surveypulse/internal/respondents"
	"github.com/MarcoPoloResearchLab/surveypulse/internal/surveys"
	"github.com/MarcoPoloResearchLab/surveypulse/internal/votes"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	accessCodeParam = "access_code"
	originWildcard  = "*"
)

var (
	errMissingSessions       = errors.New("session manager dependency required")
	errMissingQuestionnaires = errors.New("questionnaire store dependency required")
	errMissingLedger         = errors.New("vote ledger dependency required")
	errMissingIdentities     = errors.New("identity resolver dependency required")
	errMissingPublisher      = errors.New("stats publisher dependency required")
)

// SessionServer runs live connections for a questionnaire.
type SessionServer interface {
	Serve(w http.ResponseWriter, r *http.Request, code surveys.AccessCode)
}

// QuestionnaireStore exposes the questionnaire reads the HTTP API needs.
type QuestionnaireStore interface {
	Lookup(ctx context.Context, code surveys.AccessCode) (surveys.Questionnaire, error)
	QuestionsAndOptions(ctx context.Context, questionnaireID int64) ([]surveys.QuestionWithOptions, error)
}

// SubmissionLedger exposes the ledger operations behind the submission API.
type SubmissionLedger interface {
	SubmitAnswers(ctx context.Context, questionnaireID int64, identity respondents.Identity, answers []votes.AnswerInput) (votes.Submission, error)
	HasSubmitted(ctx context.Context, questionnaireID int64, identity respondents.Identity) (bool, error)
}

// IdentityResolver resolves the respondent behind a request.
type IdentityResolver interface {
	Resolve(responseHeader http.Header, r *http.Request) (respondents.Identity, error)
}

// Dependencies wires the HTTP handler.
type Dependencies struct {
	Sessions       SessionServer
	Questionnaires QuestionnaireStore
	Ledger         SubmissionLedger
	Identities     IdentityResolver
	Publisher      *StatsPublisher
	AllowedOrigins []string
	Logger         *zap.Logger
}

// NewHTTPHandler builds the gin engine serving the live endpoint and the public API.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	switch {
	case deps.Sessions == nil:
		return nil, errMissingSessions
	case deps.Questionnaires == nil:
		return nil, errMissingQuestionnaires
	case deps.Ledger == nil:
		return nil, errMissingLedger
	case deps.Identities == nil:
		return nil, errMissingIdentities
	case deps.Publisher == nil:
		return nil, errMissingPublisher
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		sessions:       deps.Sessions,
		questionnaires: deps.Questionnaires,
		ledger:         deps.Ledger,
		identities:     deps.Identities,
		publisher:      deps.Publisher,
		logger:         logger,
	}

	router.GET("/healthz", handler.handleHealth)
	router.GET("/ws/survey/:access_code/", handler.handleLiveSession)

	public := router.Group("/api/public")
	public.GET("/forms/:access_code/", handler.handlePublicForm)
	public.POST("/forms/:access_code/submit/", handler.handleSubmit)
	public.POST("/check-submission/", handler.handleCheckSubmission)

	return router, nil
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:     []string{"Content-Type", "X-Requested-With"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	origins := make([]string, 0, len(allowedOrigins))
	wildcard := len(allowedOrigins) == 0
	for _, origin := range allowedOrigins {
		trimmed := strings.TrimRight(strings.TrimSpace(origin), "/")
		if trimmed == originWildcard {
			wildcard = true
			continue
		}
		if trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	// Credentialed responses must echo the caller's origin rather than "*".
	if wildcard || len(origins) == 0 {
		config.AllowOriginFunc = func(string) bool { return true }
	} else {
		config.AllowOrigins = origins
	}
	return cors.New(config)
}

type httpHandler struct {
	sessions       SessionServer
	questionnaires QuestionnaireStore
	ledger         SubmissionLedger
	identities     IdentityResolver
	publisher      *StatsPublisher
	logger         *zap.Logger
}

type publicOptionPayload struct {
	ID   int64  `json:"id"`
	Text string `json:"text"`
}

type publicQuestionPayload struct {
	ID      int64                 `json:"id"`
	Text    string                `json:"text"`
	Options []publicOptionPayload `json:"options"`
}

type publicFormPayload struct {
	ID        int64                   `json:"id"`
	Title     string                  `json:"title"`
	Questions []publicQuestionPayload `json:"questions"`
}

type submitRequestPayload struct {
	Answers []answerPayload `json:"answers"`
}

type answerPayload struct {
	QuestionID int64 `json:"question_id"`
	OptionID   int64 `json:"option_id"`
}

type submitResponsePayload struct {
	SubmissionID int64 `json:"submission_id"`
}

type checkSubmissionRequestPayload struct {
	AccessCode string `json:"access_code"`
}

type checkSubmissionResponsePayload struct {
	HasSubmitted bool `json:"has_submitted"`
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleLiveSession(c *gin.Context) {
	code, err := surveys.NewAccessCode(c.Param(accessCodeParam))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	h.sessions.Serve(c.Writer, c.Request, code)
}

func (h *httpHandler) handlePublicForm(c *gin.Context) {
	questionnaire, ok := h.lookup(c, c.Param(accessCodeParam))
	if !ok {
		return
	}
	if !questionnaire.IsActive {
		c.JSON(http.StatusForbidden, gin.H{"error": "questionnaire_inactive"})
		return
	}
	questions, err := h.questionnaires.QuestionsAndOptions(c.Request.Context(), questionnaire.ID)
	if err != nil {
		h.logger.Error("failed to load questionnaire questions", zap.Int64("questionnaire_id", questionnaire.ID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}

	response := publicFormPayload{
		ID:        questionnaire.ID,
		Title:     questionnaire.Title,
		Questions: make([]publicQuestionPayload, 0, len(questions)),
	}
	for _, question := range questions {
		options := make([]publicOptionPayload, 0, len(question.Options))
		for _, option := range question.Options {
			options = append(options, publicOptionPayload{ID: option.ID, Text: option.Text})
		}
		response.Questions = append(response.Questions, publicQuestionPayload{
			ID:      question.Question.ID,
			Text:    question.Question.Text,
			Options: options,
		})
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleSubmit(c *gin.Context) {
	questionnaire, ok := h.lookup(c, c.Param(accessCodeParam))
	if !ok {
		return
	}
	if !questionnaire.IsActive {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}

	var request submitRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || len(request.Answers) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	answers := make([]votes.AnswerInput, 0, len(request.Answers))
	for _, answer := range request.Answers {
		answers = append(answers, votes.AnswerInput{QuestionID: answer.QuestionID, OptionID: answer.OptionID})
	}

	identity := h.resolveIdentity(c)
	submission, err := h.ledger.SubmitAnswers(c.Request.Context(), questionnaire.ID, identity, answers)
	if err != nil {
		status, code := submissionFailure(err)
		if status == http.StatusInternalServerError {
			h.logger.Error("failed to store submission", zap.Int64("questionnaire_id", questionnaire.ID), zap.Error(err))
		}
		c.JSON(status, gin.H{"error": code})
		return
	}

	h.publisher.PublishAnswers(c.Request.Context(), surveys.AccessCode(questionnaire.AccessCode), answers)
	c.JSON(http.StatusCreated, submitResponsePayload{SubmissionID: submission.ID})
}

func (h *httpHandler) handleCheckSubmission(c *gin.Context) {
	var request checkSubmissionRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.AccessCode) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	questionnaire, ok := h.lookup(c, request.AccessCode)
	if !ok {
		return
	}
	identity := h.resolveIdentity(c)
	submitted, err := h.ledger.HasSubmitted(c.Request.Context(), questionnaire.ID, identity)
	if err != nil {
		h.logger.Error("failed to check submission", zap.Int64("questionnaire_id", questionnaire.ID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	c.JSON(http.StatusOK, checkSubmissionResponsePayload{HasSubmitted: submitted})
}

// lookup writes the error response itself and reports false when the questionnaire is unavailable.
func (h *httpHandler) lookup(c *gin.Context, rawCode string) (surveys.Questionnaire, bool) {
	code, err := surveys.NewAccessCode(rawCode)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return surveys.Questionnaire{}, false
	}
	questionnaire, err := h.questionnaires.Lookup(c.Request.Context(), code)
	if errors.Is(err, surveys.ErrQuestionnaireNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return surveys.Questionnaire{}, false
	}
	if err != nil {
		h.logger.Error("questionnaire lookup failed", zap.String("access_code", code.String()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return surveys.Questionnaire{}, false
	}
	return questionnaire, true
}

func (h *httpHandler) resolveIdentity(c *gin.Context) respondents.Identity {
	identity, err := h.identities.Resolve(c.Writer.Header(), c.Request)
	if err != nil {
		h.logger.Warn("respondent identity unavailable, using degraded identity", zap.Error(err))
		return respondents.Anonymous()
	}
	return identity
}

func submissionFailure(err error) (int, string) {
	switch {
	case errors.Is(err, votes.ErrAlreadySubmitted):
		return http.StatusConflict, "already_submitted"
	case errors.Is(err, votes.ErrQuestionnaireNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, votes.ErrEmptyBatch):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, votes.ErrQuestionNotFound),
		errors.Is(err, votes.ErrOptionNotFound),
		errors.Is(err, votes.ErrCrossReference),
		errors.Is(err, votes.ErrInvalidIdentifier),
		errors.Is(err, votes.ErrDuplicateQuestion):
		return http.StatusUnprocessableEntity, "invalid_reference"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}
