package replication

import (
	"errors"
	"testing"

	"github.com/dd0wney/cluso-wald/pkg/wal"
)

func TestSlotManager_OpenAndAck(t *testing.T) {
	sm, err := NewSlotManager(t.TempDir(), 0, nil, nil)
	if err != nil {
		t.Fatalf("Failed to create slot manager: %v", err)
	}

	start := wal.LSN{Segment: 3, Offset: 128}
	slot, err := sm.Open("standby-a", SlotKindPhysical, start, false)
	if err != nil {
		t.Fatalf("Failed to open slot: %v", err)
	}
	if slot.restore() != start {
		t.Errorf("Restore LSN %s, expected %s", slot.restore(), start)
	}

	// A second open while connected must be refused
	if _, err := sm.Open("standby-a", SlotKindPhysical, start, false); !errors.Is(err, ErrSlotInUse) {
		t.Errorf("Expected ErrSlotInUse, got %v", err)
	}

	// Acks move the restore position forward only
	ahead := wal.LSN{Segment: 4, Offset: 0}
	if err := sm.Ack("standby-a", ahead); err != nil {
		t.Fatalf("Failed to ack: %v", err)
	}
	if err := sm.Ack("standby-a", start); err != nil {
		t.Fatalf("Stale ack must be ignored, got: %v", err)
	}

	got, err := sm.Get("standby-a")
	if err != nil {
		t.Fatalf("Failed to get slot: %v", err)
	}
	if got.restore() != ahead {
		t.Errorf("Restore LSN %s, expected %s", got.restore(), ahead)
	}
}

func TestSlotManager_Floor(t *testing.T) {
	sm, err := NewSlotManager(t.TempDir(), 0, nil, nil)
	if err != nil {
		t.Fatalf("Failed to create slot manager: %v", err)
	}

	if _, ok := sm.Floor(); ok {
		t.Error("Empty manager should report no floor")
	}

	sm.Open("a", SlotKindPhysical, wal.LSN{Segment: 5, Offset: 0}, false)
	sm.Open("b", SlotKindPhysical, wal.LSN{Segment: 2, Offset: 64}, false)

	floor, ok := sm.Floor()
	if !ok {
		t.Fatal("Expected a floor with two slots")
	}
	if floor != (wal.LSN{Segment: 2, Offset: 64}) {
		t.Errorf("Floor %s, expected 2/40", floor)
	}
}

func TestSlotManager_PersistsAcrossReload(t *testing.T) {
	dir := t.TempDir()

	sm, err := NewSlotManager(dir, 0, nil, nil)
	if err != nil {
		t.Fatalf("Failed to create slot manager: %v", err)
	}
	sm.Open("standby-a", SlotKindPhysical, wal.LSN{Segment: 1, Offset: 0}, true)
	sm.Ack("standby-a", wal.LSN{Segment: 7, Offset: 99})

	sm2, err := NewSlotManager(dir, 0, nil, nil)
	if err != nil {
		t.Fatalf("Failed to reload slot manager: %v", err)
	}

	slot, err := sm2.Get("standby-a")
	if err != nil {
		t.Fatalf("Slot lost across reload: %v", err)
	}
	if slot.restore() != (wal.LSN{Segment: 7, Offset: 99}) {
		t.Errorf("Restore LSN lost: %s", slot.restore())
	}
	if slot.Connected {
		t.Error("Connected flag must not be persisted")
	}
}

func TestSlotManager_Drop(t *testing.T) {
	sm, err := NewSlotManager(t.TempDir(), 0, nil, nil)
	if err != nil {
		t.Fatalf("Failed to create slot manager: %v", err)
	}

	sm.Open("a", SlotKindPhysical, wal.LSN{Segment: 1, Offset: 0}, false)
	if err := sm.Drop("a"); !errors.Is(err, ErrSlotInUse) {
		t.Errorf("Dropping a connected slot must fail, got %v", err)
	}

	sm.Release("a")
	if err := sm.Drop("a"); err != nil {
		t.Fatalf("Failed to drop slot: %v", err)
	}
	if err := sm.Drop("a"); !errors.Is(err, ErrSlotNotFound) {
		t.Errorf("Expected ErrSlotNotFound, got %v", err)
	}
	if _, ok := sm.Floor(); ok {
		t.Error("Dropped slot still pins the floor")
	}
}

func TestSlotManager_CreateWithoutAttach(t *testing.T) {
	sm, err := NewSlotManager(t.TempDir(), 0, nil, nil)
	if err != nil {
		t.Fatalf("Failed to create slot manager: %v", err)
	}

	slot, err := sm.Create("seeded", SlotKindPhysical, wal.LSN{Segment: 3, Offset: 10}, true)
	if err != nil {
		t.Fatalf("Failed to create slot: %v", err)
	}
	if slot.Connected {
		t.Error("Created slot must not be marked connected")
	}
	if _, err := sm.Create("seeded", SlotKindPhysical, wal.LSN{Segment: 3, Offset: 10}, true); err == nil {
		t.Error("Duplicate create must fail")
	}

	// The pre-created slot pins the floor and a standby can attach to it
	if floor, ok := sm.Floor(); !ok || floor != (wal.LSN{Segment: 3, Offset: 10}) {
		t.Errorf("Floor = %s, %v; want 3/A, true", floor, ok)
	}
	attached, err := sm.Open("seeded", SlotKindPhysical, wal.LSN{Segment: 9, Offset: 0}, true)
	if err != nil {
		t.Fatalf("Failed to attach to created slot: %v", err)
	}
	if attached.restore() != (wal.LSN{Segment: 3, Offset: 10}) {
		t.Errorf("Attach must keep the created restore position, got %s", attached.restore())
	}
}

func TestSlotManager_Kinds(t *testing.T) {
	dir := t.TempDir()

	sm, err := NewSlotManager(dir, 0, nil, nil)
	if err != nil {
		t.Fatalf("Failed to create slot manager: %v", err)
	}

	// Empty kind defaults to physical
	slot, err := sm.Open("standby-a", "", wal.LSN{Segment: 1, Offset: 0}, false)
	if err != nil {
		t.Fatalf("Failed to open slot: %v", err)
	}
	if slot.Kind != SlotKindPhysical {
		t.Errorf("Kind = %q, expected physical", slot.Kind)
	}

	if _, err := sm.Create("decoder", SlotKindLogical, wal.LSN{Segment: 1, Offset: 0}, false); err != nil {
		t.Fatalf("Failed to create logical slot: %v", err)
	}
	if _, err := sm.Open("decoder", SlotKindPhysical, wal.LSN{Segment: 1, Offset: 0}, false); err == nil {
		t.Error("Opening a logical slot as physical must fail")
	}
	if _, err := sm.Open("x", "subscription", wal.LSN{Segment: 1, Offset: 0}, false); err == nil {
		t.Error("Unknown kind must be rejected")
	}

	// Kind survives a reload
	sm2, err := NewSlotManager(dir, 0, nil, nil)
	if err != nil {
		t.Fatalf("Failed to reload slot manager: %v", err)
	}
	got, err := sm2.Get("decoder")
	if err != nil {
		t.Fatalf("Slot lost across reload: %v", err)
	}
	if got.Kind != SlotKindLogical {
		t.Errorf("Kind lost across reload: %q", got.Kind)
	}
}
