package respondents

import (
	"strings"

	"github.com/google/uuid"
)

const degradedPrefix = "anonymous:"

// Identity is the anonymous respondent key used to deduplicate votes.
// Degraded identities are minted per connection when no browser identity could be resolved;
// they are unique, so they never merge with another respondent, and each one can vote once.
type Identity struct {
	Value    string
	Degraded bool
}

// String returns the identity key.
func (identity Identity) String() string {
	return identity.Value
}

// Anonymous mints a degraded identity that is unique to the caller.
func Anonymous() Identity {
	return Identity{Value: degradedPrefix + uuid.NewString(), Degraded: true}
}

// Respondent records a browser identity issued by the provider.
type Respondent struct {
	RespondentID      string `gorm:"column:respondent_id;primaryKey;size:64;not null"`
	CreatedAtSeconds  int64  `gorm:"column:created_at_s;not null"`
	LastSeenAtSeconds int64  `gorm:"column:last_seen_at_s;not null"`
}

// TableName exposes the table backing respondent identities.
func (Respondent) TableName() string {
	return "respondents"
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}
