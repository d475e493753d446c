package replication

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/dd0wney/cluso-wald/pkg/logging"
	"github.com/dd0wney/cluso-wald/pkg/metrics"
	"github.com/dd0wney/cluso-wald/pkg/wal"
)

// slotsFileName persists slot state next to the primary's data
const slotsFileName = "slots.json"

// Slot kinds. A physical slot feeds the byte-exact record stream; a
// logical slot pins retention for decoded consumers such as feed
// subscribers.
const (
	SlotKindPhysical = "physical"
	SlotKindLogical  = "logical"
)

// normalizeKind defaults an empty kind to physical and rejects anything
// else unknown
func normalizeKind(kind string) (string, error) {
	switch kind {
	case "", SlotKindPhysical:
		return SlotKindPhysical, nil
	case SlotKindLogical:
		return SlotKindLogical, nil
	default:
		return "", fmt.Errorf("invalid slot kind %q: want physical or logical", kind)
	}
}

// Slot pins log retention for one standby. RestoreLSN is the position the
// standby would need if it reconnected right now; it only moves forward.
type Slot struct {
	Name       string    `json:"name"`
	Kind       string    `json:"kind"`
	RestoreLSN string    `json:"restore_lsn"`
	Sync       bool      `json:"sync"`
	CreatedAt  time.Time `json:"created_at"`
	LastAckAt  time.Time `json:"last_ack_at"`

	// Connected is runtime state, not persisted
	Connected bool `json:"-"`
}

// restore parses the slot's persisted restore position
func (s *Slot) restore() wal.LSN {
	lsn, err := wal.ParseLSN(s.RestoreLSN)
	if err != nil {
		return wal.ZeroLSN
	}
	return lsn
}

// SlotManager owns the replication slots of a primary. Slot state survives
// restarts: a standby that reconnects after a primary crash still finds its
// retention pinned.
type SlotManager struct {
	dir     string
	logger  logging.Logger
	metrics *metrics.Registry

	mu    sync.RWMutex
	slots map[string]*Slot

	// maxPinnedSegments triggers an alert when a disconnected slot pins
	// more than this many segments
	maxPinnedSegments uint64
	alerted           map[string]bool
}

// NewSlotManager loads slot state from dir, creating an empty manager when
// none exists
func NewSlotManager(dir string, maxPinnedSegments uint64, logger logging.Logger, m *metrics.Registry) (*SlotManager, error) {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	if m == nil {
		m = metrics.DefaultRegistry()
	}

	sm := &SlotManager{
		dir:               dir,
		logger:            logger.With(logging.Component("slots")),
		metrics:           m,
		slots:             make(map[string]*Slot),
		maxPinnedSegments: maxPinnedSegments,
		alerted:           make(map[string]bool),
	}

	data, err := os.ReadFile(filepath.Join(dir, slotsFileName))
	if os.IsNotExist(err) {
		return sm, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read slot state: %w", err)
	}

	var persisted []*Slot
	if err := json.Unmarshal(data, &persisted); err != nil {
		return nil, fmt.Errorf("failed to parse slot state: %w", err)
	}
	for _, slot := range persisted {
		if slot.Kind == "" {
			slot.Kind = SlotKindPhysical
		}
		sm.slots[slot.Name] = slot
	}
	return sm, nil
}

// saveLocked persists all slots atomically. Caller holds mu.
func (sm *SlotManager) saveLocked() error {
	slots := make([]*Slot, 0, len(sm.slots))
	for _, slot := range sm.slots {
		slots = append(slots, slot)
	}
	sort.Slice(slots, func(i, j int) bool { return slots[i].Name < slots[j].Name })

	data, err := json.MarshalIndent(slots, "", "  ")
	if err != nil {
		return err
	}
	tmp := filepath.Join(sm.dir, slotsFileName+".tmp")
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write slot state: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(sm.dir, slotsFileName)); err != nil {
		return fmt.Errorf("failed to install slot state: %w", err)
	}
	return nil
}

// Open returns the named slot, creating it at startLSN if it does not
// exist. An existing slot keeps its restore position; the standby resumes
// from wherever it previously acknowledged. The kind must match on an
// existing slot.
func (sm *SlotManager) Open(name, kind string, startLSN wal.LSN, sync bool) (*Slot, error) {
	kind, err := normalizeKind(kind)
	if err != nil {
		return nil, err
	}

	sm.mu.Lock()
	defer sm.mu.Unlock()

	slot, ok := sm.slots[name]
	if !ok {
		slot = &Slot{
			Name:       name,
			Kind:       kind,
			RestoreLSN: startLSN.String(),
			Sync:       sync,
			CreatedAt:  time.Now().UTC(),
		}
		sm.slots[name] = slot
		if err := sm.saveLocked(); err != nil {
			delete(sm.slots, name)
			return nil, err
		}
		sm.logger.Info("slot created",
			logging.Slot(name), logging.String("kind", kind),
			logging.LSN(startLSN), logging.Bool("sync", sync))
	}
	if slot.Kind != kind {
		return nil, fmt.Errorf("slot %q is %s, not %s", name, slot.Kind, kind)
	}
	if slot.Connected {
		return nil, ErrSlotInUse
	}
	slot.Sync = sync
	slot.Connected = true
	return slot, nil
}

// Create makes a slot without attaching a standby to it. Operators use
// this to pin retention before the standby first connects, so the seed
// backup's tail is still on disk when it arrives.
func (sm *SlotManager) Create(name, kind string, startLSN wal.LSN, sync bool) (Slot, error) {
	kind, err := normalizeKind(kind)
	if err != nil {
		return Slot{}, err
	}

	sm.mu.Lock()
	defer sm.mu.Unlock()

	if _, ok := sm.slots[name]; ok {
		return Slot{}, fmt.Errorf("slot %q already exists", name)
	}
	slot := &Slot{
		Name:       name,
		Kind:       kind,
		RestoreLSN: startLSN.String(),
		Sync:       sync,
		CreatedAt:  time.Now().UTC(),
	}
	sm.slots[name] = slot
	if err := sm.saveLocked(); err != nil {
		delete(sm.slots, name)
		return Slot{}, err
	}
	sm.logger.Info("slot created",
		logging.Slot(name), logging.String("kind", kind),
		logging.LSN(startLSN), logging.Bool("sync", sync))
	return *slot, nil
}

// Release marks the slot disconnected; its retention pin stays
func (sm *SlotManager) Release(name string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if slot, ok := sm.slots[name]; ok {
		slot.Connected = false
	}
}

// Ack advances a slot's restore position. Positions never move backwards;
// a stale or duplicate ack is ignored.
func (sm *SlotManager) Ack(name string, lsn wal.LSN) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	slot, ok := sm.slots[name]
	if !ok {
		return ErrSlotNotFound
	}
	if !slot.restore().Less(lsn) {
		return nil
	}
	slot.RestoreLSN = lsn.String()
	slot.LastAckAt = time.Now().UTC()
	delete(sm.alerted, name)
	return sm.saveLocked()
}

// Drop removes a slot and releases its retention pin
func (sm *SlotManager) Drop(name string) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	slot, ok := sm.slots[name]
	if !ok {
		return ErrSlotNotFound
	}
	if slot.Connected {
		return ErrSlotInUse
	}
	delete(sm.slots, name)
	delete(sm.alerted, name)
	if err := sm.saveLocked(); err != nil {
		return err
	}
	sm.logger.Info("slot dropped", logging.Slot(name))
	return nil
}

// Get returns a copy of the named slot
func (sm *SlotManager) Get(name string) (Slot, error) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	slot, ok := sm.slots[name]
	if !ok {
		return Slot{}, ErrSlotNotFound
	}
	return *slot, nil
}

// List returns copies of all slots sorted by name
func (sm *SlotManager) List() []Slot {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	slots := make([]Slot, 0, len(sm.slots))
	for _, slot := range sm.slots {
		slots = append(slots, *slot)
	}
	sort.Slice(slots, func(i, j int) bool { return slots[i].Name < slots[j].Name })
	return slots
}

// Floor returns the minimum restore LSN across all slots. The second result
// is false when no slots exist. Wired into the log manager as its slot
// retention floor.
func (sm *SlotManager) Floor() (wal.LSN, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	var floor wal.LSN
	found := false
	for _, slot := range sm.slots {
		restore := slot.restore()
		if !found || restore.Less(floor) {
			floor = restore
			found = true
		}
	}
	return floor, found
}

// CheckRetention raises an alert for each disconnected slot pinning more
// than the configured number of segments. The slot is never dropped
// automatically; that stays an operator decision.
func (sm *SlotManager) CheckRetention(currentSegment uint64) {
	if sm.maxPinnedSegments == 0 {
		return
	}

	sm.mu.Lock()
	defer sm.mu.Unlock()

	var maxPinned uint64
	for name, slot := range sm.slots {
		restore := slot.restore()
		if restore.Segment >= currentSegment {
			continue
		}
		pinned := currentSegment - restore.Segment
		if pinned > maxPinned {
			maxPinned = pinned
		}
		if !slot.Connected && pinned > sm.maxPinnedSegments && !sm.alerted[name] {
			sm.alerted[name] = true
			sm.metrics.ReplicationRetentionAlerts.Inc()
			sm.logger.Error("disconnected slot is pinning excessive retention",
				logging.Slot(name),
				logging.Uint64("pinned_segments", pinned),
				logging.LSNKey("restore_lsn", restore))
		}
	}
	sm.metrics.ReplicationPinnedSegments.Set(float64(maxPinned))
}
