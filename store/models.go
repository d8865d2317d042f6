package store

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Miner families supported by the adapter layer.
const (
	FamilyAvalonNano = "AvalonNano"
	FamilyBitaxe     = "Bitaxe"
	FamilyNerdQaxe   = "NerdQaxe"
	FamilyNMMiner    = "NMMiner"
	FamilyXMRig      = "XMRig"
)

// Event severities.
const (
	EventInfo    = "info"
	EventWarning = "warning"
	EventError   = "error"
	EventAlert   = "alert"
	EventSuccess = "success"
)

// TargetCoinOff is the sentinel coin of the worst Agile band: enrolled
// miners are left alone and shutdown is delegated externally.
const TargetCoinOff = "OFF"

// ModeManagedExternally is the per-family band mode sentinel that tells the
// Agile strategy not to touch that family's mode.
const ModeManagedExternally = "managed_externally"

// JSONMap is a schemaless blob column. Consumers decode it into a typed
// variant keyed by the owning row's type discriminator.
type JSONMap map[string]any

func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (m *JSONMap) Scan(src any) error {
	if src == nil {
		*m = JSONMap{}
		return nil
	}
	var b []byte
	switch v := src.(type) {
	case []byte:
		b = v
	case string:
		b = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into JSONMap", src)
	}
	if len(b) == 0 {
		*m = JSONMap{}
		return nil
	}
	return json.Unmarshal(b, m)
}

// Int64List is an ordered list of row ids stored as a JSON array.
type Int64List []int64

func (l Int64List) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	b, err := json.Marshal(l)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (l *Int64List) Scan(src any) error {
	if src == nil {
		*l = nil
		return nil
	}
	var b []byte
	switch v := src.(type) {
	case []byte:
		b = v
	case string:
		b = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into Int64List", src)
	}
	if len(b) == 0 {
		*l = nil
		return nil
	}
	return json.Unmarshal(b, l)
}

// Miner is a managed device. CurrentMode is written by SetMode calls, the
// Agile Solo strategy, or telemetry auto-detect; auto-detect is suppressed
// while the miner is enrolled in the Agile strategy.
type Miner struct {
	ID               int64      `db:"id"`
	Name             string     `db:"name"`
	Family           string     `db:"family"`
	Host             string     `db:"host"`
	Port             *int       `db:"port"` // nil means adapter default
	CurrentMode      *string    `db:"current_mode"`
	FirmwareVersion  string     `db:"firmware_version"`
	ManualPowerWatts *float64   `db:"manual_power_watts"`
	Enabled          bool       `db:"enabled"`
	Config           JSONMap    `db:"config"`
	LastModeChange   *time.Time `db:"last_mode_change"`
	CreatedAt        time.Time  `db:"created_at"`
}

type Pool struct {
	ID                int64      `db:"id"`
	Name              string     `db:"name"`
	Host              string     `db:"host"`
	Port              int        `db:"port"`
	User              string     `db:"user"`
	Password          string     `db:"password"`
	Enabled           bool       `db:"enabled"`
	Priority          int        `db:"priority"`
	NetworkDifficulty *float64   `db:"network_difficulty"`
	DifficultyUpdated *time.Time `db:"difficulty_updated"` // stale marker
	BestShare         *float64   `db:"best_share"`
}

// MinerPoolSlot mirrors a fixed-slot device's pool table. Rewritten in
// place by the slot sync job; a pool switch on this family may only target
// a slot that already exists on the device.
type MinerPoolSlot struct {
	MinerID    int64     `db:"miner_id"`
	SlotNumber int       `db:"slot_number"`
	PoolID     *int64    `db:"pool_id"` // matched by host:port, nil if unknown
	PoolURL    string    `db:"pool_url"`
	PoolPort   int       `db:"pool_port"`
	PoolUser   string    `db:"pool_user"`
	IsActive   bool      `db:"is_active"`
	LastSeen   time.Time `db:"last_seen"`
}

type Telemetry struct {
	ID             int64     `db:"id"`
	MinerID        int64     `db:"miner_id"`
	Timestamp      time.Time `db:"timestamp"`
	Hashrate       float64   `db:"hashrate"`
	HashrateUnit   string    `db:"hashrate_unit"` // KH/s, MH/s, GH/s, TH/s
	Temperature    *float64  `db:"temperature"`
	PowerWatts     *float64  `db:"power_watts"`
	SharesAccepted *int64    `db:"shares_accepted"`
	SharesRejected *int64    `db:"shares_rejected"`
	PoolInUse      string    `db:"pool_in_use"`
	Data           JSONMap   `db:"data"`
}

// EnergyPrice is one 30-minute tariff slot. ValidTo is always ValidFrom
// plus 30 minutes; slots are deduplicated on (region, valid_from).
type EnergyPrice struct {
	ID         int64     `db:"id"`
	Region     string    `db:"region"`
	ValidFrom  time.Time `db:"valid_from"`
	ValidTo    time.Time `db:"valid_to"`
	PricePence float64   `db:"price_pence"`
}

// AgileStrategy is the singleton state row of the Agile Solo state machine.
// HysteresisCounter is reserved: the selection algorithm uses look-ahead
// confirmation and always writes 0 on a decision.
type AgileStrategy struct {
	ID                int64      `db:"id"`
	Enabled           bool       `db:"enabled"`
	CurrentPriceBand  *int64     `db:"current_price_band"`
	HysteresisCounter int        `db:"hysteresis_counter"`
	LastActionTime    *time.Time `db:"last_action_time"`
	LastPriceChecked  *float64   `db:"last_price_checked"`
	StateData         JSONMap    `db:"state_data"`
}

// AgileStrategyBand is one price band. Higher SortOrder means a cheaper
// slot and a better state; band 0 is the OFF band. Nil MinPrice/MaxPrice
// are open-ended.
type AgileStrategyBand struct {
	ID         int64    `db:"id"`
	StrategyID int64    `db:"strategy_id"`
	SortOrder  int      `db:"sort_order"`
	MinPrice   *float64 `db:"min_price"`
	MaxPrice   *float64 `db:"max_price"`
	TargetCoin string   `db:"target_coin"` // OFF or coin symbol
	// Per-family target modes; ModeManagedExternally skips the family.
	ModeAvalon string `db:"mode_avalon"`
	ModeBitaxe string `db:"mode_bitaxe"`
	ModeNerdax string `db:"mode_nerdqaxe"`
}

// ModeForFamily returns the band's target mode for a miner family, or ""
// for families with no controllable mode.
func (b *AgileStrategyBand) ModeForFamily(family string) string {
	switch family {
	case FamilyAvalonNano:
		return b.ModeAvalon
	case FamilyBitaxe:
		return b.ModeBitaxe
	case FamilyNerdQaxe:
		return b.ModeNerdax
	default:
		return ""
	}
}

// Contains reports whether price falls in [MinPrice, MaxPrice).
func (b *AgileStrategyBand) Contains(price float64) bool {
	if b.MinPrice != nil && price < *b.MinPrice {
		return false
	}
	if b.MaxPrice != nil && price >= *b.MaxPrice {
		return false
	}
	return true
}

// MinerStrategy enrolls a miner in the Agile Solo strategy.
type MinerStrategy struct {
	MinerID         int64 `db:"miner_id"`
	StrategyEnabled bool  `db:"strategy_enabled"`
}

// Pool strategy kinds.
const (
	StrategyRoundRobin  = "round_robin"
	StrategyLoadBalance = "load_balance"
	StrategyProMode     = "pro_mode"
)

type PoolStrategy struct {
	ID               int64      `db:"id"`
	Name             string     `db:"name"`
	StrategyType     string     `db:"strategy_type"`
	Enabled          bool       `db:"enabled"`
	PoolIDs          Int64List  `db:"pool_ids"`
	MinerIDs         Int64List  `db:"miner_ids"` // empty means all enabled miners
	Config           JSONMap    `db:"config"`
	CurrentPoolIndex int        `db:"current_pool_index"`
	LastSwitch       *time.Time `db:"last_switch"`
}

// StrategyLog records one pool-strategy tick outcome.
type StrategyLog struct {
	ID         int64     `db:"id"`
	StrategyID int64     `db:"strategy_id"`
	Timestamp  time.Time `db:"timestamp"`
	Action     string    `db:"action"`
	Details    JSONMap   `db:"details"`
}

// Automation trigger and action types.
const (
	TriggerPriceThreshold = "price_threshold"
	TriggerTimeWindow     = "time_window"
	TriggerMinerOffline   = "miner_offline"
	TriggerMinerOverheat  = "miner_overheat"
	TriggerPoolFailure    = "pool_failure"

	ActionApplyMode  = "apply_mode"
	ActionSwitchPool = "switch_pool"
	ActionSendAlert  = "send_alert"
	ActionLogEvent   = "log_event"
)

type AutomationRule struct {
	ID                   int64      `db:"id"`
	Name                 string     `db:"name"`
	Enabled              bool       `db:"enabled"`
	TriggerType          string     `db:"trigger_type"`
	TriggerConfig        JSONMap    `db:"trigger_config"`
	ActionType           string     `db:"action_type"`
	ActionConfig         JSONMap    `db:"action_config"`
	Priority             int        `db:"priority"`
	LastExecutedAt       *time.Time `db:"last_executed_at"`
	LastExecutionContext JSONMap    `db:"last_execution_context"`
}

// HighDiffShare is a snapshot taken when a miner improves its session best
// difficulty. At most 30 rows are kept per miner.
type HighDiffShare struct {
	ID                int64     `db:"id"`
	MinerID           int64     `db:"miner_id"`
	MinerName         string    `db:"miner_name"`
	Coin              string    `db:"coin"`
	PoolName          string    `db:"pool_name"`
	Difficulty        float64   `db:"difficulty"`
	NetworkDifficulty *float64  `db:"network_difficulty"`
	Hashrate          float64   `db:"hashrate"`
	Mode              string    `db:"mode"`
	WasBlockSolve     bool      `db:"was_block_solve"`
	Timestamp         time.Time `db:"timestamp"`
}

// BlockFound is permanent.
type BlockFound struct {
	ID                int64     `db:"id"`
	MinerID           int64     `db:"miner_id"`
	MinerName         string    `db:"miner_name"`
	Coin              string    `db:"coin"`
	PoolName          string    `db:"pool_name"`
	Difficulty        float64   `db:"difficulty"`
	NetworkDifficulty *float64  `db:"network_difficulty"`
	Timestamp         time.Time `db:"timestamp"`
}

type PoolHealth struct {
	ID             int64     `db:"id"`
	PoolID         int64     `db:"pool_id"`
	Timestamp      time.Time `db:"timestamp"`
	IsReachable    bool      `db:"is_reachable"`
	ResponseTimeMs int64     `db:"response_time_ms"`
	RejectRate     float64   `db:"reject_rate"`
	SharesAccepted int64     `db:"shares_accepted"`
	SharesRejected int64     `db:"shares_rejected"`
	HealthScore    float64   `db:"health_score"` // 0-100
	LuckPercentage *float64  `db:"luck_percentage"`
	ErrorMessage   string    `db:"error_message"`
}

type HealthScore struct {
	ID             int64     `db:"id"`
	MinerID        int64     `db:"miner_id"`
	Timestamp      time.Time `db:"timestamp"`
	OverallScore   float64   `db:"overall_score"`
	UptimeScore    float64   `db:"uptime_score"`
	ThermalScore   float64   `db:"thermal_score"`
	ShareScore     float64   `db:"share_score"`
	HashrateScore  float64   `db:"hashrate_score"`
}

type Event struct {
	ID        int64     `db:"id"`
	Timestamp time.Time `db:"timestamp"`
	EventType string    `db:"event_type"`
	Source    string    `db:"source"`
	Message   string    `db:"message"`
	Data      JSONMap   `db:"data"`
}

type AuditLog struct {
	ID           int64     `db:"id"`
	Timestamp    time.Time `db:"timestamp"`
	Actor        string    `db:"actor"`
	Action       string    `db:"action"`
	ResourceType string    `db:"resource_type"`
	ResourceID   *int64    `db:"resource_id"`
	ResourceName string    `db:"resource_name"`
	Changes      JSONMap   `db:"changes"`
	Status       string    `db:"status"`
	ErrorMessage string    `db:"error_message"`
}

// DailyStat is one row of the long-term analytics table seeded by the
// midnight aggregation job.
type DailyStat struct {
	ID            int64     `db:"id"`
	MinerID       int64     `db:"miner_id"`
	Day           time.Time `db:"day"`
	AvgHashrate   float64   `db:"avg_hashrate"`
	HashrateUnit  string    `db:"hashrate_unit"`
	AvgPowerWatts float64   `db:"avg_power_watts"`
	EnergyCost    float64   `db:"energy_cost"` // pence, price-slot attributed
	Samples       int64     `db:"samples"`
}
