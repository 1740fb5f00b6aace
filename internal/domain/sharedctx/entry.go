// Package sharedctx defines the cross-agent context fabric's domain
// model: scoped, sensitivity-classed entries shared between agents and
// the data-share requests that gate confidential exchanges.
package sharedctx

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/complyon/compliance-agent-backend/internal/domain/agent"
	"github.com/complyon/compliance-agent-backend/internal/domain/errors"
)

// ContextType categorizes what a context entry carries.
type ContextType string

const (
	TypeEvidence    ContextType = "evidence"
	TypeRisk        ContextType = "risk"
	TypeCompliance  ContextType = "compliance"
	TypeSecurity    ContextType = "security"
	TypeConfig      ContextType = "config"
	TypePolicy      ContextType = "policy"
	TypeWorkflow    ContextType = "workflow"
	TypeLearning    ContextType = "learning"
	TypeMetrics     ContextType = "metrics"
	TypeIntegration ContextType = "integration"
)

func validateContextType(t ContextType) error {
	switch t {
	case TypeEvidence, TypeRisk, TypeCompliance, TypeSecurity, TypeConfig,
		TypePolicy, TypeWorkflow, TypeLearning, TypeMetrics, TypeIntegration:
		return nil
	default:
		return fmt.Errorf("unknown context type: %s", t)
	}
}

// Scope bounds which agents may see an entry.
type Scope string

const (
	ScopeGlobal       Scope = "global"
	ScopeOrganization Scope = "organization"
	ScopeWorkflow     Scope = "workflow"
	ScopeAgentType    Scope = "agent_type"
	ScopePrivate      Scope = "private"
)

// Sensitivity is the access-policy tier of an entry.
type Sensitivity string

const (
	SensitivityPublic       Sensitivity = "public"
	SensitivityInternal     Sensitivity = "internal"
	SensitivityConfidential Sensitivity = "confidential"
	SensitivitySecret       Sensitivity = "secret"
)

// RequiresEncryption reports whether entries at this tier must be
// encrypted at rest.
func (s Sensitivity) RequiresEncryption() bool {
	return s == SensitivityConfidential || s == SensitivitySecret
}

// RequiresApproval reports whether sharing at this tier needs an
// explicit approval before target agents may read.
func (s Sensitivity) RequiresApproval() bool {
	return s == SensitivityConfidential || s == SensitivitySecret
}

// Entry is a single shared context item. The context store exclusively
// owns entries; agents hold entry IDs and read through the store.
type Entry struct {
	ID             uuid.UUID              `json:"id"`
	Type           ContextType            `json:"type"`
	Scope          Scope                  `json:"scope"`
	Sensitivity    Sensitivity            `json:"sensitivity"`
	Data           map[string]interface{} `json:"data"`
	CreatedBy      string                 `json:"created_by"`
	OrganizationID string                 `json:"organization_id"`
	AllowedAgents  []agent.AgentType      `json:"allowed_agents,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
	ExpiresAt      time.Time              `json:"expires_at,omitempty"`
	LastAccessed   time.Time              `json:"last_accessed,omitempty"`
	AccessCount    int64                  `json:"access_count"`
	Version        int                    `json:"version"`
	Tags           []string               `json:"tags,omitempty"`
	Encrypted      bool                   `json:"encrypted"`
	KeyID          string                 `json:"key_id,omitempty"`

	// Ciphertext holds the sealed payload when Encrypted is set; Data is
	// cleared before persistence and restored on authorized reads.
	Ciphertext []byte `json:"ciphertext,omitempty"`
}

// NewEntryInput collects the writable fields for entry creation.
type NewEntryInput struct {
	Type           ContextType
	Scope          Scope
	Sensitivity    Sensitivity
	Data           map[string]interface{}
	CreatedBy      string
	OrganizationID string
	AllowedAgents  []agent.AgentType
	TTL            time.Duration
	Tags           []string
}

// NewEntry validates input and creates a context entry.
func NewEntry(in NewEntryInput) (*Entry, error) {
	if err := validateContextType(in.Type); err != nil {
		return nil, errors.NewValidationError("INVALID_CONTEXT_TYPE",
			"context type must be valid").WithCause(err)
	}
	if in.CreatedBy == "" {
		return nil, errors.NewValidationError("MISSING_CREATOR",
			"creating agent ID is required")
	}
	if in.OrganizationID == "" && in.Scope != ScopeGlobal {
		return nil, errors.NewValidationError("MISSING_ORGANIZATION",
			"organization ID is required for non-global scopes")
	}
	if len(in.Data) == 0 {
		return nil, errors.NewValidationError("EMPTY_DATA",
			"entry data is required")
	}
	if in.Scope == ScopeAgentType && len(in.AllowedAgents) == 0 {
		return nil, errors.NewValidationError("MISSING_ALLOWED_AGENTS",
			"agent_type scope requires at least one allowed agent type")
	}

	scope := in.Scope
	if scope == "" {
		scope = ScopeOrganization
	}
	sensitivity := in.Sensitivity
	if sensitivity == "" {
		sensitivity = SensitivityInternal
	}

	now := time.Now().UTC()
	entry := &Entry{
		ID:             uuid.New(),
		Type:           in.Type,
		Scope:          scope,
		Sensitivity:    sensitivity,
		Data:           in.Data,
		CreatedBy:      in.CreatedBy,
		OrganizationID: in.OrganizationID,
		AllowedAgents:  in.AllowedAgents,
		CreatedAt:      now,
		Version:        1,
		Tags:           in.Tags,
	}
	if in.TTL > 0 {
		entry.ExpiresAt = now.Add(in.TTL)
	}
	return entry, nil
}

// Expired reports whether the entry's TTL has elapsed.
func (e *Entry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}

// AllowsAgentType reports whether the given agent type is in the
// entry's allow list.
func (e *Entry) AllowsAgentType(t agent.AgentType) bool {
	for _, allowed := range e.AllowedAgents {
		if allowed == t {
			return true
		}
	}
	return false
}

// Touch records a read. Access counts only ever grow.
func (e *Entry) Touch(now time.Time) {
	e.AccessCount++
	e.LastAccessed = now
}

// HasTag reports whether the entry carries the given tag.
func (e *Entry) HasTag(tag string) bool {
	for _, t := range e.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the entry.
func (e *Entry) Clone() *Entry {
	clone := *e
	if e.Data != nil {
		clone.Data = make(map[string]interface{}, len(e.Data))
		for k, v := range e.Data {
			clone.Data[k] = v
		}
	}
	clone.AllowedAgents = append([]agent.AgentType(nil), e.AllowedAgents...)
	clone.Tags = append([]string(nil), e.Tags...)
	clone.Ciphertext = append([]byte(nil), e.Ciphertext...)
	return &clone
}

// Query selects entries from the store. Zero fields are ignored.
type Query struct {
	OrganizationID string      `json:"organization_id"`
	Type           ContextType `json:"type,omitempty"`
	CreatedBy      string      `json:"created_by,omitempty"`
	Tag            string      `json:"tag,omitempty"`
	CreatedAfter   time.Time   `json:"created_after,omitempty"`
	Limit          int         `json:"limit,omitempty"`
}

const (
	DefaultQueryLimit = 100
	MaxQueryLimit     = 1000
)

// EffectiveLimit returns the bounded result limit for the query.
func (q Query) EffectiveLimit() int {
	switch {
	case q.Limit <= 0:
		return DefaultQueryLimit
	case q.Limit > MaxQueryLimit:
		return MaxQueryLimit
	default:
		return q.Limit
	}
}

// Matches reports whether an entry satisfies every set query field.
func (q Query) Matches(e *Entry) bool {
	if q.OrganizationID != "" && e.OrganizationID != q.OrganizationID && e.Scope != ScopeGlobal {
		return false
	}
	if q.Type != "" && e.Type != q.Type {
		return false
	}
	if q.CreatedBy != "" && e.CreatedBy != q.CreatedBy {
		return false
	}
	if q.Tag != "" && !e.HasTag(q.Tag) {
		return false
	}
	if !q.CreatedAfter.IsZero() && e.CreatedAt.Before(q.CreatedAfter) {
		return false
	}
	return true
}
