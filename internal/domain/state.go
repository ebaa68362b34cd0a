package domain

import (
	"fmt"
	"maps"

	"saros/internal/util"
)

// Settings is the runtime-tunable engine configuration. Start and stop times
// are "HH:MM" clock strings interpreted in the engine's trading timezone.
// Lots counts option lots, not units, and must stay a positive multiple of
// the active policy's lot multiplier.
type Settings struct {
	Enabled       bool    `json:"enabled"`
	StartTime     string  `json:"start_time"`
	StopTime      string  `json:"stop_time"`
	SLPoints      float64 `json:"sl_points"`
	TargetPoints  float64 `json:"target_points"`
	Lots          int     `json:"lots"`
	Product       Product `json:"product"`
	TargetPremium float64 `json:"target_premium"`
}

// DefaultSettings returns the stock configuration: disabled, 10:00-15:15
// window, 10-point stop and target, NRML product, target premium 1000. Lots
// stays zero until the first normalization against a policy multiplier.
func DefaultSettings() Settings {
	return Settings{
		StartTime:     "10:00",
		StopTime:      "15:15",
		SLPoints:      10,
		TargetPoints:  10,
		Product:       ProductNRML,
		TargetPremium: 1000,
	}
}

// Validate checks field-level sanity. Lot-multiple enforcement is separate
// (NormalizeLots) because the multiplier belongs to the active policy.
func (s Settings) Validate() error {
	if _, err := util.ClockMinutes(s.StartTime); err != nil {
		return fmt.Errorf("start_time: %w", err)
	}
	if _, err := util.ClockMinutes(s.StopTime); err != nil {
		return fmt.Errorf("stop_time: %w", err)
	}
	if s.SLPoints <= 0 {
		return fmt.Errorf("sl_points must be positive, got %v", s.SLPoints)
	}
	if s.TargetPoints <= 0 {
		return fmt.Errorf("target_points must be positive, got %v", s.TargetPoints)
	}
	if s.Lots < 0 {
		return fmt.Errorf("lots must not be negative, got %d", s.Lots)
	}
	if s.Product != ProductMIS && s.Product != ProductNRML {
		return fmt.Errorf("product must be %s or %s, got %q", ProductMIS, ProductNRML, s.Product)
	}
	if s.TargetPremium <= 0 {
		return fmt.Errorf("target_premium must be positive, got %v", s.TargetPremium)
	}
	return nil
}

// NormalizeLots coerces Lots to a positive multiple of mult and reports
// whether a change was made. Zero means "unset" and coerces to one step.
func (s *Settings) NormalizeLots(mult int) bool {
	if mult < 1 {
		mult = 1
	}
	if s.Lots >= mult && s.Lots%mult == 0 {
		return false
	}
	s.Lots = mult
	return true
}

// SettingsPatch carries a partial settings update; nil fields stay untouched.
type SettingsPatch struct {
	Enabled       *bool    `json:"enabled,omitempty"`
	StartTime     *string  `json:"start_time,omitempty"`
	StopTime      *string  `json:"stop_time,omitempty"`
	SLPoints      *float64 `json:"sl_points,omitempty"`
	TargetPoints  *float64 `json:"target_points,omitempty"`
	Lots          *int     `json:"lots,omitempty"`
	Product       *Product `json:"product,omitempty"`
	TargetPremium *float64 `json:"target_premium,omitempty"`
}

// Apply overlays non-nil patch fields onto s.
func (s *Settings) Apply(p SettingsPatch) {
	if p.Enabled != nil {
		s.Enabled = *p.Enabled
	}
	if p.StartTime != nil {
		s.StartTime = *p.StartTime
	}
	if p.StopTime != nil {
		s.StopTime = *p.StopTime
	}
	if p.SLPoints != nil {
		s.SLPoints = *p.SLPoints
	}
	if p.TargetPoints != nil {
		s.TargetPoints = *p.TargetPoints
	}
	if p.Lots != nil {
		s.Lots = *p.Lots
	}
	if p.Product != nil {
		s.Product = *p.Product
	}
	if p.TargetPremium != nil {
		s.TargetPremium = *p.TargetPremium
	}
}

// EngineState aggregates everything the engine persists: settings, lifecycle
// status, the selected instrument, the open position, and the day's trades.
// It is mutated only by the engine under its lock and snapshotted to durable
// storage on every mutation.
type EngineState struct {
	Settings        Settings          `json:"settings"`
	Status          EngineStatus      `json:"status"`
	StatusMessage   string            `json:"status_message,omitempty"`
	TradingSymbol   string            `json:"trading_symbol,omitempty"`
	InstrumentToken uint32            `json:"instrument_token,omitempty"`
	LotSize         int               `json:"lot_size,omitempty"`
	Position        *Position         `json:"position,omitempty"`
	TradesToday     []TradeRecord     `json:"trades_today"`
	TotalPNL        float64           `json:"total_pnl"`
	LastPrice       float64           `json:"last_price,omitempty"`
	LastDate        string            `json:"last_date"`
	Policy          string            `json:"policy"`
	PolicyData      map[string]string `json:"policy_data,omitempty"`
}

// NewEngineState returns a fresh stopped state for the given policy and day.
func NewEngineState(policy, date string) *EngineState {
	return &EngineState{
		Settings:    DefaultSettings(),
		Status:      EngineStatusStopped,
		TradesToday: []TradeRecord{},
		LastDate:    date,
		Policy:      policy,
		PolicyData:  map[string]string{},
	}
}

// Rollover resets per-day fields when the stored date differs from today:
// trades, P&L, position, instrument selection, last price, and policy
// scratch data. Settings, lot size, and the active policy survive. Reports
// whether a rollover happened.
func (s *EngineState) Rollover(today string) bool {
	if s.LastDate == today {
		return false
	}
	s.TradesToday = []TradeRecord{}
	s.TotalPNL = 0
	s.Position = nil
	s.TradingSymbol = ""
	s.InstrumentToken = 0
	s.LastPrice = 0
	s.PolicyData = map[string]string{}
	s.LastDate = today
	return true
}

// Copy returns a deep copy safe to hand out without holding the engine lock.
func (s *EngineState) Copy() EngineState {
	out := *s
	if s.Position != nil {
		p := *s.Position
		out.Position = &p
	}
	out.TradesToday = append([]TradeRecord(nil), s.TradesToday...)
	out.PolicyData = maps.Clone(s.PolicyData)
	return out
}
