package identity

import (
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Authority is the scope of actions an agent is permitted to trigger.
// Levels form a strict ladder; a higher level implies every lower one.
type Authority string

const (
	AuthorityReadOnly    Authority = "read_only"
	AuthorityTradeSmall  Authority = "trade_small"  // trades up to $10k
	AuthorityTradeMedium Authority = "trade_medium" // trades up to $100k
	AuthorityTradeLarge  Authority = "trade_large"
	AuthorityAdmin       Authority = "admin"
)

var authorityRank = map[Authority]int{
	AuthorityReadOnly:    0,
	AuthorityTradeSmall:  1,
	AuthorityTradeMedium: 2,
	AuthorityTradeLarge:  3,
	AuthorityAdmin:       4,
}

// Rank returns the ordinal position of the authority level, or -1 for an
// unknown level.
func (a Authority) Rank() int {
	rank, ok := authorityRank[a]
	if !ok {
		return -1
	}
	return rank
}

// Covers reports whether this authority level is sufficient for the
// required one.
func (a Authority) Covers(required Authority) bool {
	return a.Rank() >= 0 && a.Rank() >= required.Rank()
}

// TradeLimit returns the per-trade notional cap for the authority level,
// or 0 if the level carries no cap.
func (a Authority) TradeLimit() float64 {
	switch a {
	case AuthorityTradeSmall:
		return 10_000
	case AuthorityTradeMedium:
		return 100_000
	default:
		return 0
	}
}

// AgentIdentity is the capability-tagged identity attached to every action
// an agent takes. The ID doubles as the audit trail's WHO field.
type AgentIdentity struct {
	ID        string    `json:"agent_id" yaml:"agent_id"`
	AgentType string    `json:"agent_type" yaml:"agent_type"`
	Version   string    `json:"version" yaml:"version"`
	Authority Authority `json:"authority" yaml:"authority"`
	Owner     string    `json:"owner,omitempty" yaml:"owner,omitempty"`
}

// NewAgent mints an identity with a generated DID-style identifier,
// e.g. "agent:rebalance:1.0.0:9f1c2d3e".
func NewAgent(agentType, version string, authority Authority) AgentIdentity {
	return AgentIdentity{
		ID:        fmt.Sprintf("agent:%s:%s:%s", strings.ToLower(agentType), version, uuid.New().String()[:8]),
		AgentType: agentType,
		Version:   version,
		Authority: authority,
	}
}

// Registry is the system of record for registered agents.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]AgentIdentity
}

func NewRegistry() *Registry {
	return &Registry{agents: make(map[string]AgentIdentity)}
}

// Register adds an agent and returns its ID.
func (r *Registry) Register(agent AgentIdentity) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[agent.ID] = agent
	return agent.ID
}

// Get returns the agent for the given ID.
func (r *Registry) Get(agentID string) (AgentIdentity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	agent, ok := r.agents[agentID]
	return agent, ok
}

// HasAuthority reports whether the agent exists and covers the required
// authority level. Unknown agents never pass.
func (r *Registry) HasAuthority(agentID string, required Authority) bool {
	agent, ok := r.Get(agentID)
	return ok && agent.Authority.Covers(required)
}

// List returns all registered agents, optionally filtered by authority.
func (r *Registry) List(authority Authority) []AgentIdentity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]AgentIdentity, 0, len(r.agents))
	for _, agent := range r.agents {
		if authority != "" && agent.Authority != authority {
			continue
		}
		out = append(out, agent)
	}
	return out
}
