// Package routing is the fee-computation front end sitting ahead of the
// escrow engine. It converts a gross payment into the amount/admin-fee/
// burn-fee breakdown the engine expects and invokes transaction creation with
// the split already applied. The engine trusts the breakdown as given and
// only re-checks that the supplied funds match its sum.
package routing

import (
	"fmt"
	"math/big"

	"arbipay/native/escrow"
)

// Policy captures the fee split applied to routed payments: a basis-point cut
// for the administrative wallet and one for the burn sink.
type Policy struct {
	AdminFeeBps uint32
	BurnFeeBps  uint32
	AdminWallet [20]byte
	BurnWallet  [20]byte
}

// Valid reports whether the combined cut leaves a positive escrow amount
// possible.
func (p Policy) Valid() bool {
	return uint64(p.AdminFeeBps)+uint64(p.BurnFeeBps) < 10_000
}

// Breakdown is the result of splitting a gross payment under a policy. Total
// always equals Amount + AdminFee.Amount + BurnFee.Amount, which is the value
// the engine requires upfront.
type Breakdown struct {
	Amount   *big.Int
	AdminFee escrow.FeeWallet
	BurnFee  escrow.FeeWallet
	Total    *big.Int
}

// Split computes the fee breakdown for a gross payment. Fees are basis-point
// cuts of the gross, rounded down; the remainder is the escrowed amount.
func (p Policy) Split(gross *big.Int) (Breakdown, error) {
	if !p.Valid() {
		return Breakdown{}, fmt.Errorf("routing: fee bps out of range")
	}
	if gross == nil || gross.Sign() <= 0 {
		return Breakdown{}, fmt.Errorf("routing: gross amount must be positive")
	}
	adminFee := bpsCut(gross, p.AdminFeeBps)
	burnFee := bpsCut(gross, p.BurnFeeBps)
	amount := new(big.Int).Sub(gross, adminFee)
	amount.Sub(amount, burnFee)
	if amount.Sign() <= 0 {
		return Breakdown{}, fmt.Errorf("routing: fees consume the whole payment")
	}
	return Breakdown{
		Amount:   amount,
		AdminFee: escrow.FeeWallet{Wallet: p.AdminWallet, Amount: adminFee},
		BurnFee:  escrow.FeeWallet{Wallet: p.BurnWallet, Amount: burnFee},
		Total:    new(big.Int).Set(gross),
	}, nil
}

func bpsCut(gross *big.Int, bps uint32) *big.Int {
	if bps == 0 {
		return big.NewInt(0)
	}
	cut := new(big.Int).Mul(gross, big.NewInt(int64(bps)))
	return cut.Div(cut, big.NewInt(10_000))
}

// Router routes gross payments into the escrow engine under a fixed policy.
type Router struct {
	engine         *escrow.Engine
	policy         Policy
	defaultTimeout int64
}

// NewRouter constructs a router bound to the engine.
func NewRouter(engine *escrow.Engine, policy Policy, defaultTimeout int64) (*Router, error) {
	if engine == nil {
		return nil, fmt.Errorf("routing: engine required")
	}
	if !policy.Valid() {
		return nil, fmt.Errorf("routing: fee bps out of range")
	}
	if defaultTimeout <= 0 {
		return nil, fmt.Errorf("routing: default timeout must be positive")
	}
	return &Router{engine: engine, policy: policy, defaultTimeout: defaultTimeout}, nil
}

// Policy returns the router's fee policy.
func (r *Router) Policy() Policy { return r.policy }

// Route splits the gross payment under the policy and creates the escrow. A
// zero timeout selects the router's default payment timeout.
func (r *Router) Route(sender, receiver [20]byte, currency escrow.Currency, gross *big.Int, timeout int64, metaEvidence string) (int, error) {
	breakdown, err := r.policy.Split(gross)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", escrow.ErrInvalidInput, err)
	}
	if timeout <= 0 {
		timeout = r.defaultTimeout
	}
	return r.engine.CreateTransaction(escrow.CreateParams{
		Sender:         sender,
		Receiver:       receiver,
		Currency:       currency,
		Amount:         breakdown.Amount,
		TimeoutPayment: timeout,
		AdminFee:       breakdown.AdminFee,
		BurnFee:        breakdown.BurnFee,
		MetaEvidence:   metaEvidence,
	}, breakdown.Total)
}
