package session

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/surveypulse/internal/broadcast"
	"github.com/MarcoPoloResearchLab/surveypulse/internal/respondents"
	"github.com/MarcoPoloResearchLab/surveypulse/internal/surveys"
	"github.com/MarcoPoloResearchLab/surveypulse/internal/votes"
	"github.com/MarcoPoloResearchLab/surveypulse/internal/workers"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	defaultSendBuffer   = 16
	defaultWriteTimeout = 10 * time.Second
	defaultPingInterval = 30 * time.Second
	maxFrameBytes       = 4096
	originWildcard      = "*"
)

var (
	ErrMissingHub            = errors.New("session: broadcast hub required")
	ErrMissingLedger         = errors.New("session: vote ledger required")
	ErrMissingQuestionnaires = errors.New("session: questionnaire store required")
	ErrMissingIdentities     = errors.New("session: identity resolver required")
	ErrMissingPool           = errors.New("session: worker pool required")
)

// Ledger is the part of the vote ledger a live connection uses.
type Ledger interface {
	CastVote(ctx context.Context, ballot votes.Ballot) (votes.Tally, error)
	TallyForQuestionnaire(ctx context.Context, questionnaireID int64) (votes.QuestionnaireTally, error)
}

// Questionnaires resolves access codes to live questionnaires.
type Questionnaires interface {
	Lookup(ctx context.Context, code surveys.AccessCode) (surveys.Questionnaire, error)
}

// IdentityResolver resolves the respondent behind a request, writing any cookie it issues to responseHeader.
type IdentityResolver interface {
	Resolve(responseHeader http.Header, r *http.Request) (respondents.Identity, error)
}

// Record is the immutable state of one open connection.
type Record struct {
	AccessCode      surveys.AccessCode
	QuestionnaireID int64
	Identity        respondents.Identity
	GroupName       string
}

// Config describes the collaborators and limits of live connections.
type Config struct {
	Hub            broadcast.Hub
	Ledger         Ledger
	Questionnaires Questionnaires
	Identities     IdentityResolver
	Pool           *workers.Pool
	Logger         *zap.Logger
	AllowedOrigins []string
	SendBuffer     int
	WriteTimeout   time.Duration
	PingInterval   time.Duration
	Clock          func() time.Time
}

// Manager accepts WebSocket connections for questionnaires and runs one session per connection.
type Manager struct {
	hub            broadcast.Hub
	ledger         Ledger
	questionnaires Questionnaires
	identities     IdentityResolver
	pool           *workers.Pool
	logger         *zap.Logger
	sendBuffer     int
	writeTimeout   time.Duration
	pingInterval   time.Duration
	pongWait       time.Duration
	clock          func() time.Time
	upgrader       websocket.Upgrader
}

// NewManager constructs a Manager.
func NewManager(cfg Config) (*Manager, error) {
	switch {
	case cfg.Hub == nil:
		return nil, ErrMissingHub
	case cfg.Ledger == nil:
		return nil, ErrMissingLedger
	case cfg.Questionnaires == nil:
		return nil, ErrMissingQuestionnaires
	case cfg.Identities == nil:
		return nil, ErrMissingIdentities
	case cfg.Pool == nil:
		return nil, ErrMissingPool
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	sendBuffer := cfg.SendBuffer
	if sendBuffer <= 0 {
		sendBuffer = defaultSendBuffer
	}
	writeTimeout := cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	pingInterval := cfg.PingInterval
	if pingInterval <= 0 {
		pingInterval = defaultPingInterval
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Manager{
		hub:            cfg.Hub,
		ledger:         cfg.Ledger,
		questionnaires: cfg.Questionnaires,
		identities:     cfg.Identities,
		pool:           cfg.Pool,
		logger:         logger,
		sendBuffer:     sendBuffer,
		writeTimeout:   writeTimeout,
		pingInterval:   pingInterval,
		pongWait:       2 * pingInterval,
		clock:          clock,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(cfg.AllowedOrigins),
		},
	}, nil
}

// Serve upgrades the request and runs the connection until either side closes it.
// Unknown or deleted questionnaires are closed with 1008 before joining any group.
func (m *Manager) Serve(w http.ResponseWriter, r *http.Request, code surveys.AccessCode) {
	logger := m.logger.With(zap.String("access_code", code.String()))

	responseHeader := http.Header{}
	identity, err := m.identities.Resolve(responseHeader, r)
	if err != nil {
		logger.Warn("respondent identity unavailable, using degraded identity", zap.Error(err))
		identity = respondents.Anonymous()
		responseHeader = http.Header{}
	}
	questionnaire, lookupErr := m.questionnaires.Lookup(r.Context(), code)

	conn, err := m.upgrader.Upgrade(w, r, responseHeader)
	if err != nil {
		logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	if lookupErr != nil {
		if errors.Is(lookupErr, surveys.ErrQuestionnaireNotFound) {
			logger.Info("connection rejected", zap.String("reason", "questionnaire_not_found"))
			m.closeWith(conn, websocket.ClosePolicyViolation, "questionnaire not found")
			return
		}
		logger.Error("questionnaire lookup failed", zap.Error(lookupErr))
		m.closeWith(conn, websocket.CloseInternalServerErr, "internal error")
		return
	}

	record := Record{
		AccessCode:      code,
		QuestionnaireID: questionnaire.ID,
		Identity:        identity,
		GroupName:       broadcast.GroupName(code.String()),
	}
	newConnection(m, conn, record, logger.With(zap.Bool("respondent_degraded", identity.Degraded))).run(r.Context())
}

func (m *Manager) closeWith(conn *websocket.Conn, code int, reason string) {
	message := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, message, m.clock().Add(m.writeTimeout))
}

// originChecker allows requests without an Origin header, the host's own origin, and the configured origins.
func originChecker(allowed []string) func(*http.Request) bool {
	permitted := make(map[string]struct{}, len(allowed))
	wildcard := false
	for _, origin := range allowed {
		trimmed := strings.TrimRight(strings.TrimSpace(origin), "/")
		if trimmed == originWildcard {
			wildcard = true
		}
		if trimmed != "" {
			permitted[strings.ToLower(trimmed)] = struct{}{}
		}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || wildcard {
			return true
		}
		if _, ok := permitted[strings.ToLower(origin)]; ok {
			return true
		}
		parsed, err := url.Parse(origin)
		if err != nil {
			return false
		}
		return strings.EqualFold(parsed.Host, r.Host)
	}
}
