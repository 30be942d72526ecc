package device

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pump-control/pcc/internal/profile"
	"github.com/pump-control/pcc/internal/pump"
)

var (
	// ErrNotFound is returned for an unknown pump id.
	ErrNotFound = errors.New("pump not found")
	// ErrNoActive is returned when no pump is selected.
	ErrNoActive = errors.New("no active pump")
)

// Pump is the inventory entry of a registered pump.
type Pump struct {
	ID          string           `json:"id"`
	Vendor      string           `json:"vendor"`
	Model       string           `json:"model"`
	Status      string           `json:"status"`
	Description pump.Description `json:"description"`
	State       *pump.Status     `json:"state,omitempty"`
	LastSeen    time.Time        `json:"lastSeen,omitempty"`
}

// PumpList is the response format for GET /pumps.
type PumpList struct {
	ActivePumpID string `json:"activePumpId"`
	Items        []Pump `json:"items"`
}

// Manager manages pump inventory and active selection. It also implements
// pump.Driver by forwarding to the active pump's driver.
type Manager struct {
	mu       sync.RWMutex
	pumps    map[string]*Pump
	drivers  map[string]pump.Driver
	activeID string
	now      func() time.Time
	logger   *zap.Logger
}

// NewManager creates a new pump manager.
func NewManager(logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		pumps:   make(map[string]*Pump),
		drivers: make(map[string]pump.Driver),
		now:     time.Now,
		logger:  logger.Named("device"),
	}
}

// Register adds a driver under pumpID, reading its description and an initial
// status. A failed status read leaves the pump registered as offline. The
// first registered pump becomes active.
func (m *Manager) Register(ctx context.Context, pumpID, vendor string, drv pump.Driver, timeout time.Duration) error {
	if pumpID == "" || drv == nil {
		return fmt.Errorf("register pump: %w", pump.ErrInvalidRange)
	}

	desc := drv.Description()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	st, err := drv.ReadStatus(ctx, "register")

	entry := &Pump{
		ID:          pumpID,
		Vendor:      vendor,
		Model:       desc.Model,
		Status:      determineStatus(st, err),
		Description: desc,
		LastSeen:    m.now(),
	}
	if err == nil {
		entry.State = &st
	} else {
		m.logger.Warn("initial status read failed", zap.String("pump", pumpID), zap.Error(err))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.drivers[pumpID] = drv
	m.pumps[pumpID] = entry
	if m.activeID == "" {
		m.activeID = pumpID
	}
	return nil
}

// SetActive selects the active pump.
func (m *Manager) SetActive(pumpID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.pumps[pumpID]; !exists {
		return fmt.Errorf("pump %s: %w", pumpID, ErrNotFound)
	}
	m.activeID = pumpID
	return nil
}

// GetActive returns the active pump ID.
func (m *Manager) GetActive() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.activeID
}

// ActiveDriver returns the driver of the active pump.
func (m *Manager) ActiveDriver() (pump.Driver, string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.activeID == "" {
		return nil, "", ErrNoActive
	}
	drv, exists := m.drivers[m.activeID]
	if !exists {
		return nil, "", fmt.Errorf("no driver for active pump %s: %w", m.activeID, ErrNotFound)
	}
	return drv, m.activeID, nil
}

// ActiveVendor returns the vendor of the active pump, or "generic".
func (m *Manager) ActiveVendor() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if p, ok := m.pumps[m.activeID]; ok && p.Vendor != "" {
		return p.Vendor
	}
	return "generic"
}

// List returns the inventory sorted by id.
func (m *Manager) List() *PumpList {
	m.mu.RLock()
	defer m.mu.RUnlock()

	items := make([]Pump, 0, len(m.pumps))
	for _, p := range m.pumps {
		items = append(items, copyPump(p))
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })

	return &PumpList{ActivePumpID: m.activeID, Items: items}
}

// GetPump returns a copy of a pump entry.
func (m *Manager) GetPump(pumpID string) (Pump, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, exists := m.pumps[pumpID]
	if !exists {
		return Pump{}, fmt.Errorf("pump %s: %w", pumpID, ErrNotFound)
	}
	return copyPump(p), nil
}

// UpdateState stores a freshly read status.
func (m *Manager) UpdateState(pumpID string, st pump.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, exists := m.pumps[pumpID]
	if !exists {
		return fmt.Errorf("pump %s: %w", pumpID, ErrNotFound)
	}
	p.State = &st
	p.LastSeen = m.now()
	p.Status = determineStatus(st, nil)
	return nil
}

// UpdateStatus overrides the status string of a pump.
func (m *Manager) UpdateStatus(pumpID, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, exists := m.pumps[pumpID]
	if !exists {
		return fmt.Errorf("pump %s: %w", pumpID, ErrNotFound)
	}
	p.Status = status
	p.LastSeen = m.now()
	return nil
}

// RemovePump removes a pump. Removing the active pump clears the selection.
func (m *Manager) RemovePump(pumpID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.pumps[pumpID]; !exists {
		return fmt.Errorf("pump %s: %w", pumpID, ErrNotFound)
	}
	delete(m.pumps, pumpID)
	delete(m.drivers, pumpID)
	if m.activeID == pumpID {
		m.activeID = ""
	}
	return nil
}

// RefreshDescription re-reads the hardware description of a pump.
func (m *Manager) RefreshDescription(pumpID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	drv, exists := m.drivers[pumpID]
	if !exists {
		return fmt.Errorf("pump %s: %w", pumpID, ErrNotFound)
	}
	desc := drv.Description()
	p := m.pumps[pumpID]
	p.Description = desc
	p.Model = desc.Model
	return nil
}

// Description returns the cached description of the active pump; zero when
// no pump is active.
func (m *Manager) Description() pump.Description {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if p, ok := m.pumps[m.activeID]; ok {
		return p.Description
	}
	return pump.Description{}
}

// LastStatus returns the cached status of the active pump.
func (m *Manager) LastStatus() (pump.Status, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if p, ok := m.pumps[m.activeID]; ok && p.State != nil {
		return *p.State, true
	}
	return pump.Status{}, false
}

func (m *Manager) active() (pump.Driver, string, error) {
	drv, id, err := m.ActiveDriver()
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", pump.ErrUnavailable, err)
	}
	return drv, id, nil
}

// DeliverTreatment forwards to the active pump.
func (m *Manager) DeliverTreatment(ctx context.Context, info pump.DetailedBolusInfo) (pump.EnactResult, error) {
	drv, _, err := m.active()
	if err != nil {
		return pump.EnactResult{}, err
	}
	return drv.DeliverTreatment(ctx, info)
}

// SetTempBasalAbsolute forwards to the active pump.
func (m *Manager) SetTempBasalAbsolute(ctx context.Context, rate float64, duration time.Duration, enforceNew bool) (pump.EnactResult, error) {
	drv, _, err := m.active()
	if err != nil {
		return pump.EnactResult{}, err
	}
	return drv.SetTempBasalAbsolute(ctx, rate, duration, enforceNew)
}

// SetTempBasalPercent forwards to the active pump.
func (m *Manager) SetTempBasalPercent(ctx context.Context, percent int, duration time.Duration, enforceNew bool) (pump.EnactResult, error) {
	drv, _, err := m.active()
	if err != nil {
		return pump.EnactResult{}, err
	}
	return drv.SetTempBasalPercent(ctx, percent, duration, enforceNew)
}

// CancelTempBasal forwards to the active pump.
func (m *Manager) CancelTempBasal(ctx context.Context, enforceNew bool) (pump.EnactResult, error) {
	drv, _, err := m.active()
	if err != nil {
		return pump.EnactResult{}, err
	}
	return drv.CancelTempBasal(ctx, enforceNew)
}

// SetExtendedBolus forwards to the active pump.
func (m *Manager) SetExtendedBolus(ctx context.Context, insulin float64, duration time.Duration) (pump.EnactResult, error) {
	drv, _, err := m.active()
	if err != nil {
		return pump.EnactResult{}, err
	}
	return drv.SetExtendedBolus(ctx, insulin, duration)
}

// CancelExtendedBolus forwards to the active pump.
func (m *Manager) CancelExtendedBolus(ctx context.Context) (pump.EnactResult, error) {
	drv, _, err := m.active()
	if err != nil {
		return pump.EnactResult{}, err
	}
	return drv.CancelExtendedBolus(ctx)
}

// SetProfile forwards to the active pump.
func (m *Manager) SetProfile(ctx context.Context, p *profile.Profile) (pump.EnactResult, error) {
	drv, _, err := m.active()
	if err != nil {
		return pump.EnactResult{}, err
	}
	return drv.SetProfile(ctx, p)
}

// ReadStatus reads the active pump and refreshes the cached state. A failed
// read marks the pump offline.
func (m *Manager) ReadStatus(ctx context.Context, reason string) (pump.Status, error) {
	drv, id, err := m.active()
	if err != nil {
		return pump.Status{}, err
	}
	st, err := drv.ReadStatus(ctx, reason)
	if err != nil {
		_ = m.UpdateStatus(id, "offline")
		return pump.Status{}, err
	}
	_ = m.UpdateState(id, st)
	return st, nil
}

// CustomAction forwards to the active pump.
func (m *Manager) CustomAction(ctx context.Context, action string, params map[string]any) (pump.EnactResult, error) {
	drv, _, err := m.active()
	if err != nil {
		return pump.EnactResult{}, err
	}
	return drv.CustomAction(ctx, action, params)
}

func determineStatus(st pump.Status, err error) string {
	switch {
	case err != nil || !st.Connected:
		return "offline"
	case st.Suspended:
		return "suspended"
	default:
		return "online"
	}
}

func copyPump(p *Pump) Pump {
	out := *p
	if p.State != nil {
		st := *p.State
		out.State = &st
	}
	return out
}

var _ pump.Driver = (*Manager)(nil)
