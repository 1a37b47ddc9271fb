package types

// Tier is a tenant's subscription level.
type Tier string

// Tiers.
const (
	TierFree       Tier = "free"
	TierPro        Tier = "pro"
	TierEnterprise Tier = "enterprise"
)

// IsValid checks if the tier value is valid.
func (t Tier) IsValid() bool {
	switch t {
	case TierFree, TierPro, TierEnterprise:
		return true
	}
	return false
}

// Unlimited marks a tier limit with no cap.
const Unlimited = -1

// Metered resources.
const (
	ResourceTables        = "tables"
	ResourceAgents        = "agents"
	ResourceGraphEntities = "graphEntities"
)

// TierLimits are the resource caps for a tier. A negative value means
// unlimited. Limits load from the system_config key tier_limits_<tier>;
// these are the fallbacks when no row exists.
type TierLimits struct {
	MaxTables        int `json:"max_tables"`
	MaxAgents        int `json:"max_agents"`
	MaxGraphEntities int `json:"max_graph_entities"`
	RetentionDays    int `json:"retention_days"`
}

// Limit returns the cap for a metered resource.
func (l TierLimits) Limit(resource string) int {
	switch resource {
	case ResourceTables:
		return l.MaxTables
	case ResourceAgents:
		return l.MaxAgents
	case ResourceGraphEntities:
		return l.MaxGraphEntities
	default:
		return Unlimited
	}
}

// DefaultLimits returns the built-in caps for a tier, used when
// system_config carries no override.
func DefaultLimits(t Tier) TierLimits {
	switch t {
	case TierPro:
		return TierLimits{
			MaxTables:        Unlimited,
			MaxAgents:        Unlimited,
			MaxGraphEntities: Unlimited,
			RetentionDays:    365,
		}
	case TierEnterprise:
		return TierLimits{
			MaxTables:        Unlimited,
			MaxAgents:        Unlimited,
			MaxGraphEntities: Unlimited,
			RetentionDays:    Unlimited,
		}
	default:
		return TierLimits{
			MaxTables:        2,
			MaxAgents:        3,
			MaxGraphEntities: 100,
			RetentionDays:    30,
		}
	}
}
