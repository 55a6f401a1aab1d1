package escrow

import "fmt"

// Registry is the append-only, index-addressed collection of escrowed
// transactions plus the lookup from external dispute identifiers to registry
// indices. Indices are dense, zero-based, and never reused or removed;
// settled records remain queryable forever.
//
// The registry performs no locking of its own: the execution model is
// serialized per call, which the service surface enforces with a single
// mutex around every engine invocation.
type Registry struct {
	transactions []*Transaction
	byDispute    map[uint64]int
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{byDispute: make(map[uint64]int)}
}

// Len returns the number of registered transactions.
func (r *Registry) Len() int { return len(r.transactions) }

// Append validates and stores a new transaction, returning its index. The
// index is the sole handle used by all other operations.
func (r *Registry) Append(tx *Transaction) (int, error) {
	sanitized, err := SanitizeTransaction(tx)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	r.transactions = append(r.transactions, sanitized)
	return len(r.transactions) - 1, nil
}

// Get returns a deep copy of the transaction at the index.
func (r *Registry) Get(index int) (*Transaction, error) {
	if index < 0 || index >= len(r.transactions) {
		return nil, ErrNotFound
	}
	return r.transactions[index].Clone(), nil
}

// Put replaces the stored record at the index with the sanitized copy of the
// supplied transaction. Mutations flow exclusively through the state machine,
// which loads a clone, updates it, and writes it back as one atomic unit.
func (r *Registry) Put(index int, tx *Transaction) error {
	if index < 0 || index >= len(r.transactions) {
		return ErrNotFound
	}
	sanitized, err := SanitizeTransaction(tx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	r.transactions[index] = sanitized
	return nil
}

// LinkDispute records the one-to-one mapping from an external dispute
// identifier to a registry index. The mapping is stable: once set it is never
// reassigned to a different transaction.
func (r *Registry) LinkDispute(disputeID uint64, index int) error {
	if index < 0 || index >= len(r.transactions) {
		return ErrNotFound
	}
	if existing, ok := r.byDispute[disputeID]; ok && existing != index {
		return ErrDisputeLinked
	}
	r.byDispute[disputeID] = index
	return nil
}

// ByDispute resolves a dispute identifier to its registry index.
func (r *Registry) ByDispute(disputeID uint64) (int, error) {
	index, ok := r.byDispute[disputeID]
	if !ok {
		return 0, ErrUnknownDispute
	}
	return index, nil
}

// ListByParty returns every index where the address is the sender or the
// receiver, in ascending creation order. The scan is linear; it serves the
// read path only and is never used by a fund-moving operation.
func (r *Registry) ListByParty(addr [20]byte) []int {
	var indices []int
	for i, tx := range r.transactions {
		if tx.Sender == addr || tx.Receiver == addr {
			indices = append(indices, i)
		}
	}
	return indices
}
