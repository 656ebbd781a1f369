package respondents

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrMissingSigningKey = errors.New("respondents: signing key required")
	ErrMissingIssuer     = errors.New("respondents: issuer required")
	ErrMissingCookieName = errors.New("respondents: cookie name required")
	ErrMissingDatabase   = errors.New("respondents: database connection required")
	ErrMissingToken      = errors.New("respondents: token required")
	ErrInvalidToken      = errors.New("respondents: invalid token")
	ErrExpiredToken      = errors.New("respondents: token expired")
)

const defaultCookieTTL = 365 * 24 * time.Hour

// Claims is the payload of the respondent cookie.
type Claims struct {
	jwt.RegisteredClaims
}

// ProviderConfig describes how respondent cookies are issued and validated.
type ProviderConfig struct {
	Database      *gorm.DB
	SigningSecret []byte
	Issuer        string
	CookieName    string
	CookieTTL     time.Duration
	SecureCookie  bool
	Clock         func() time.Time
	Logger        *zap.Logger
}

// Provider resolves a stable respondent identity per browser from a signed cookie,
// issuing and persisting a new one when the browser has none.
type Provider struct {
	db            *gorm.DB
	signingSecret []byte
	issuer        string
	cookieName    string
	cookieTTL     time.Duration
	secureCookie  bool
	clock         func() time.Time
	logger        *zap.Logger
}

// NewProvider constructs a Provider with the provided configuration.
func NewProvider(cfg ProviderConfig) (*Provider, error) {
	if cfg.Database == nil {
		return nil, ErrMissingDatabase
	}
	if len(cfg.SigningSecret) == 0 {
		return nil, ErrMissingSigningKey
	}
	issuer := normalize(cfg.Issuer)
	if issuer == "" {
		return nil, ErrMissingIssuer
	}
	cookieName := normalize(cfg.CookieName)
	if cookieName == "" {
		return nil, ErrMissingCookieName
	}
	ttl := cfg.CookieTTL
	if ttl <= 0 {
		ttl = defaultCookieTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{
		db:            cfg.Database,
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		issuer:        issuer,
		cookieName:    cookieName,
		cookieTTL:     ttl,
		secureCookie:  cfg.SecureCookie,
		clock:         clock,
		logger:        logger,
	}, nil
}

// CookieName returns the cookie carrying the respondent token.
func (p *Provider) CookieName() string {
	return p.cookieName
}

// Resolve returns the respondent identity for the request. When the request carries no valid
// respondent cookie a new respondent is persisted and its cookie is added to responseHeader,
// which must still be unsent (for WebSocket upgrades, pass it to the upgrader).
func (p *Provider) Resolve(responseHeader http.Header, r *http.Request) (Identity, error) {
	if r == nil {
		return Identity{}, ErrMissingToken
	}
	if cookie, err := r.Cookie(p.cookieName); err == nil && cookie != nil {
		respondentID, validateErr := p.ValidateToken(cookie.Value)
		if validateErr == nil {
			if err := p.touch(respondentID); err != nil {
				return Identity{}, err
			}
			return Identity{Value: respondentID}, nil
		}
		p.logger.Debug("respondent cookie rejected, issuing a new one", zap.Error(validateErr))
	}

	respondentID, err := p.register()
	if err != nil {
		return Identity{}, err
	}
	token, expiresAt, err := p.IssueToken(respondentID)
	if err != nil {
		return Identity{}, err
	}
	if responseHeader != nil {
		cookie := &http.Cookie{
			Name:     p.cookieName,
			Value:    token,
			Path:     "/",
			Expires:  expiresAt,
			HttpOnly: true,
			Secure:   p.secureCookie,
			SameSite: http.SameSiteLaxMode,
		}
		responseHeader.Add("Set-Cookie", cookie.String())
	}
	return Identity{Value: respondentID}, nil
}

// IssueToken signs a respondent cookie value for the identifier.
func (p *Provider) IssueToken(respondentID string) (string, time.Time, error) {
	subject := normalize(respondentID)
	if subject == "" {
		return "", time.Time{}, ErrMissingToken
	}
	now := p.clock().UTC()
	expiresAt := now.Add(p.cookieTTL)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    p.issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now.Add(-time.Minute)),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	})
	signed, err := token.SignedString(p.signingSecret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// ValidateToken validates a respondent cookie value and returns the respondent identifier.
func (p *Provider) ValidateToken(tokenString string) (string, error) {
	token := strings.TrimSpace(tokenString)
	if token == "" {
		return "", ErrMissingToken
	}
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(
		token,
		claims,
		func(t *jwt.Token) (interface{}, error) {
			return p.signingSecret, nil
		},
		jwt.WithTimeFunc(p.clock),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(p.issuer),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrExpiredToken
		}
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if parsed == nil || !parsed.Valid {
		return "", ErrInvalidToken
	}
	subject := normalize(claims.Subject)
	if subject == "" {
		return "", ErrInvalidToken
	}
	return subject, nil
}

func (p *Provider) register() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	respondentID := value.String()
	nowSeconds := p.clock().UTC().Unix()
	if err := p.db.Create(&Respondent{
		RespondentID:      respondentID,
		CreatedAtSeconds:  nowSeconds,
		LastSeenAtSeconds: nowSeconds,
	}).Error; err != nil {
		return "", fmt.Errorf("respondents: register: %w", err)
	}
	return respondentID, nil
}

// touch upserts a respondent presented by a valid cookie and records when it was last seen.
// Cookies signed by another instance sharing the secret may name a respondent this database
// has not stored yet.
func (p *Provider) touch(respondentID string) error {
	nowSeconds := p.clock().UTC().Unix()
	err := p.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "respondent_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{"last_seen_at_s": nowSeconds}),
	}).Create(&Respondent{
		RespondentID:      respondentID,
		CreatedAtSeconds:  nowSeconds,
		LastSeenAtSeconds: nowSeconds,
	}).Error
	if err != nil {
		return fmt.Errorf("respondents: touch: %w", err)
	}
	return nil
}
