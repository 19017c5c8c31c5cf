package state

import (
	"fmt"
	"sort"

	"github.com/google/uuid"
)

// ReceiptRegistry is the position-ownership registry: one receipt per open
// contract, minted on open and burned on close.
type ReceiptRegistry struct {
	owners map[uint64]uuid.UUID
	byUser map[uuid.UUID]map[uint64]struct{}
}

func NewReceiptRegistry() *ReceiptRegistry {
	return &ReceiptRegistry{
		owners: make(map[uint64]uuid.UUID),
		byUser: make(map[uuid.UUID]map[uint64]struct{}),
	}
}

func (r *ReceiptRegistry) Mint(id uint64, owner uuid.UUID) error {
	if _, exists := r.owners[id]; exists {
		return fmt.Errorf("receipt %d already minted", id)
	}
	r.owners[id] = owner
	if r.byUser[owner] == nil {
		r.byUser[owner] = make(map[uint64]struct{})
	}
	r.byUser[owner][id] = struct{}{}
	return nil
}

func (r *ReceiptRegistry) Burn(id uint64) error {
	owner, ok := r.owners[id]
	if !ok {
		return fmt.Errorf("%w: receipt %d", ErrPositionNotFound, id)
	}
	delete(r.owners, id)
	delete(r.byUser[owner], id)
	if len(r.byUser[owner]) == 0 {
		delete(r.byUser, owner)
	}
	return nil
}

func (r *ReceiptRegistry) OwnerOf(id uint64) (uuid.UUID, bool) {
	owner, ok := r.owners[id]
	return owner, ok
}

// TokensOf returns the receipts held by owner in ascending id order.
func (r *ReceiptRegistry) TokensOf(owner uuid.UUID) []uint64 {
	ids := make([]uint64, 0, len(r.byUser[owner]))
	for id := range r.byUser[owner] {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Snapshot returns a copy of id -> owner.
func (r *ReceiptRegistry) Snapshot() map[uint64]uuid.UUID {
	out := make(map[uint64]uuid.UUID, len(r.owners))
	for id, owner := range r.owners {
		out[id] = owner
	}
	return out
}

func (r *ReceiptRegistry) Len() int {
	return len(r.owners)
}
