// Package resumption implements the CASE session resumption record store.
//
// A resumption record lets a later CASE handshake skip certificate
// exchange and authentication by proving possession of a previous
// session's shared secret (Matter spec Section 4.14.2.3). Records are
// single-use: a successful resume consumes the looked-up record and the
// completed handshake persists a freshly rotated resumption ID in its
// place, per Matter spec 4.14.2.3's resumption ID rotation requirement.
package resumption

import (
	"sync"

	"github.com/backkem/matter/pkg/fabric"
	casesession "github.com/backkem/matter/pkg/securechannel/case"
)

// Record is the persisted state needed to resume a CASE session.
type Record struct {
	ResumptionID [casesession.ResumptionIDSize]byte
	SharedSecret []byte
	PeerNodeID   fabric.NodeID
	FabricIndex  fabric.FabricIndex
	CaseAuthTags []uint32
}

// Store is a thread-safe, in-memory table of resumption records keyed by
// resumption ID. It is the grounding for
// casesession.ResumptionLookupFunc: the secure channel Manager wraps
// Store.Lookup to hand the CASE session state machine the shared secret
// and fabric info it needs to validate a resume attempt.
type Store struct {
	mu      sync.Mutex
	records map[[casesession.ResumptionIDSize]byte]Record
}

// NewStore creates an empty resumption record store.
func NewStore() *Store {
	return &Store{records: make(map[[casesession.ResumptionIDSize]byte]Record)}
}

// Save inserts or overwrites a resumption record.
func (s *Store) Save(rec Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.ResumptionID] = rec
}

// Lookup returns the record for id, if any.
func (s *Store) Lookup(id [casesession.ResumptionIDSize]byte) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	return rec, ok
}

// Delete removes a record, called after it has been consumed by a resume
// attempt (successful or not) so a resumption ID is never reused.
func (s *Store) Delete(id [casesession.ResumptionIDSize]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, id)
}

// Count returns the number of stored records.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}
