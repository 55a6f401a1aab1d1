// Package arbitration provides the centralized arbitration gateway used by
// the local service and the test suite. It implements the gateway contract
// only — cost quoting, dispute identifiers, owner-issued rulings and a flat
// appeal surcharge — not a dispute-resolution policy of its own.
package arbitration

import (
	"errors"
	"math/big"
	"sync"
)

var (
	ErrNotOwner            = errors.New("arbitration: caller is not the owner")
	ErrUnknownDispute      = errors.New("arbitration: unknown dispute")
	ErrAlreadyRuled        = errors.New("arbitration: dispute already ruled")
	ErrInsufficientPayment = errors.New("arbitration: payment below required cost")
	ErrNilRuler            = errors.New("arbitration: ruler not configured")
)

// Ruler receives rulings from the arbitrator. The escrow engine implements
// this interface.
type Ruler interface {
	Rule(disputeID uint64, ruling uint64) error
}

type dispute struct {
	choices  uint64
	ruled    bool
	appealed bool
}

// Centralized is an in-process arbitrator ruled by a single owner account.
// Dispute identifiers start at 1 so the zero value stays free to mean
// "no dispute" on escrow records.
type Centralized struct {
	mu       sync.Mutex
	owner    [20]byte
	cost     *big.Int
	nextID   uint64
	disputes map[uint64]*dispute
	ruler    Ruler
}

// NewCentralized constructs an arbitrator owned by the supplied account with
// the given arbitration cost.
func NewCentralized(owner [20]byte, cost *big.Int) *Centralized {
	c := &Centralized{
		owner:    owner,
		cost:     big.NewInt(0),
		nextID:   1,
		disputes: make(map[uint64]*dispute),
	}
	if cost != nil && cost.Sign() > 0 {
		c.cost.Set(cost)
	}
	return c
}

// SetRuler binds the component that receives rulings.
func (c *Centralized) SetRuler(r Ruler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ruler = r
}

// SetCost updates the arbitration cost. Owner only; quotes taken afterwards
// reflect the new price, which is why the engine never caches a quote.
func (c *Centralized) SetCost(caller [20]byte, cost *big.Int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if caller != c.owner {
		return ErrNotOwner
	}
	if cost == nil || cost.Sign() < 0 {
		return errors.New("arbitration: invalid cost")
	}
	c.cost = new(big.Int).Set(cost)
	return nil
}

// QuoteCost returns the current arbitration cost. The extra data is accepted
// for interface compatibility; a centralized arbitrator prices every dispute
// the same.
func (c *Centralized) QuoteCost(_ []byte) *big.Int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return new(big.Int).Set(c.cost)
}

// CreateDispute registers a new dispute and returns its identifier. The
// payment must cover the current cost.
func (c *Centralized) CreateDispute(choices uint64, _ []byte, payment *big.Int) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if payment == nil || payment.Cmp(c.cost) < 0 {
		return 0, ErrInsufficientPayment
	}
	id := c.nextID
	c.nextID++
	c.disputes[id] = &dispute{choices: choices}
	return id, nil
}

// Appeal re-opens a ruled dispute for one more owner decision. The surcharge
// is twice the current cost.
func (c *Centralized) Appeal(disputeID uint64, _ []byte, payment *big.Int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.disputes[disputeID]
	if !ok {
		return ErrUnknownDispute
	}
	if !d.ruled {
		return errors.New("arbitration: dispute not yet ruled")
	}
	if d.appealed {
		return errors.New("arbitration: dispute already appealed")
	}
	surcharge := new(big.Int).Mul(c.cost, big.NewInt(2))
	if payment == nil || payment.Cmp(surcharge) < 0 {
		return ErrInsufficientPayment
	}
	d.ruled = false
	d.appealed = true
	return nil
}

// RuleDispute issues the owner's ruling and forwards it to the bound ruler.
// The dispute is marked ruled only after the ruler accepted the outcome, so a
// rejected ruling can be reissued.
func (c *Centralized) RuleDispute(caller [20]byte, disputeID uint64, ruling uint64) error {
	c.mu.Lock()
	if caller != c.owner {
		c.mu.Unlock()
		return ErrNotOwner
	}
	d, ok := c.disputes[disputeID]
	if !ok {
		c.mu.Unlock()
		return ErrUnknownDispute
	}
	if d.ruled {
		c.mu.Unlock()
		return ErrAlreadyRuled
	}
	ruler := c.ruler
	c.mu.Unlock()
	if ruler == nil {
		return ErrNilRuler
	}
	if err := ruler.Rule(disputeID, ruling); err != nil {
		return err
	}
	c.mu.Lock()
	d.ruled = true
	c.mu.Unlock()
	return nil
}
