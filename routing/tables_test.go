package routing

import (
	"testing"

	"github.com/google/uuid"
)

func TestAllocateTableIDReusesExisting(t *testing.T) {
	peer := uuid.New()
	used := map[uuid.UUID]uint32{peer: 4242}

	id, err := AllocateTableID(used, peer)
	if err != nil {
		t.Fatalf("AllocateTableID: %v", err)
	}
	if id != 4242 {
		t.Errorf("expected stable reuse of 4242, got %d", id)
	}
}

func TestAllocateTableIDPicksFirstFree(t *testing.T) {
	other1 := uuid.New()
	other2 := uuid.New()
	used := map[uuid.UUID]uint32{other1: TableIDMin, other2: TableIDMin + 1}

	peer := uuid.New()
	id, err := AllocateTableID(used, peer)
	if err != nil {
		t.Fatalf("AllocateTableID: %v", err)
	}
	if id != TableIDMin+2 {
		t.Errorf("expected first free ID %d, got %d", TableIDMin+2, id)
	}
	if used[peer] != id {
		t.Error("expected the new assignment to be recorded in used")
	}
}

func TestAllocateTableIDExhausted(t *testing.T) {
	used := make(map[uuid.UUID]uint32, TableIDMax-TableIDMin+1)
	for i := uint32(TableIDMin); i <= TableIDMax; i++ {
		used[uuid.New()] = i
	}
	if _, err := AllocateTableID(used, uuid.New()); err == nil {
		t.Fatal("expected an error when the table ID space is exhausted")
	}
}
