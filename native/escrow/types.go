package escrow

import (
	"fmt"
	"math/big"
)

// Status represents the lifecycle states of an escrowed transaction. The
// progression is monotonic: NoDispute moves into one of the Waiting states
// when a party deposits an arbitration fee, a dispute moves the record to
// DisputeCreated, and a ruling or timeout lands it in Resolved, which is
// permanently terminal.
type Status uint8

const (
	StatusNoDispute Status = iota
	StatusWaitingSender
	StatusWaitingReceiver
	StatusDisputeCreated
	StatusResolved
)

// Valid reports whether the status value is within the supported range.
func (s Status) Valid() bool {
	return s <= StatusResolved
}

// String returns the canonical lowercase name used in events and API
// responses.
func (s Status) String() string {
	switch s {
	case StatusNoDispute:
		return "no_dispute"
	case StatusWaitingSender:
		return "waiting_sender"
	case StatusWaitingReceiver:
		return "waiting_receiver"
	case StatusDisputeCreated:
		return "dispute_created"
	case StatusResolved:
		return "resolved"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// Ruling outcomes delivered by the arbitration gateway. RulingSplit is also
// what the gateway sends when it declines to decide; anything above
// rulingChoices is rejected.
const (
	RulingSplit        uint64 = 0
	RulingSenderWins   uint64 = 1
	RulingReceiverWins uint64 = 2

	rulingChoices uint64 = 2
)

// Currency identifies the asset an escrow is denominated in: the zero value
// is the native currency, any other value is a token contract address.
// Arbitration fees are always deposited in the native currency regardless of
// the escrow denomination.
type Currency [20]byte

// IsNative reports whether the currency is the native asset.
func (c Currency) IsNative() bool { return c == Currency{} }

// TokenCurrency wraps a token contract address as a Currency.
func TokenCurrency(token [20]byte) Currency { return Currency(token) }

// FeeWallet pairs a payout destination with the amount still owed to it. The
// owed amount is fixed at creation time and zeroed once released.
type FeeWallet struct {
	Wallet [20]byte
	Amount *big.Int
}

// Clone returns a deep copy of the fee wallet.
func (f FeeWallet) Clone() FeeWallet {
	clone := FeeWallet{Wallet: f.Wallet, Amount: big.NewInt(0)}
	if f.Amount != nil {
		clone.Amount = new(big.Int).Set(f.Amount)
	}
	return clone
}

// Transaction is the per-escrow record tracked by the registry. Sender,
// receiver and currency are immutable after creation; Amount is the remaining
// escrowed value owed to the receiver, SenderFee/ReceiverFee are the
// cumulative arbitration-fee deposits, and DisputeID stays zero until a
// dispute is raised with the gateway.
type Transaction struct {
	Sender          [20]byte
	Receiver        [20]byte
	Amount          *big.Int
	Currency        Currency
	TimeoutPayment  int64
	LastInteraction int64
	SenderFee       *big.Int
	ReceiverFee     *big.Int
	DisputeID       uint64
	Status          Status
	AdminFee        FeeWallet
	BurnFee         FeeWallet
}

// Clone returns a deep copy of the transaction so callers can safely mutate
// the copy without affecting the stored instance.
func (t *Transaction) Clone() *Transaction {
	if t == nil {
		return nil
	}
	clone := *t
	clone.Amount = cloneBigInt(t.Amount)
	clone.SenderFee = cloneBigInt(t.SenderFee)
	clone.ReceiverFee = cloneBigInt(t.ReceiverFee)
	clone.AdminFee = t.AdminFee.Clone()
	clone.BurnFee = t.BurnFee.Clone()
	return &clone
}

// SanitizeTransaction validates the supplied record and returns a cloned
// instance with non-nil amount fields. The original value is not mutated.
func SanitizeTransaction(t *Transaction) (*Transaction, error) {
	if t == nil {
		return nil, fmt.Errorf("escrow: nil transaction")
	}
	clone := t.Clone()
	if clone.Amount.Sign() < 0 {
		return nil, fmt.Errorf("escrow: amount must be non-negative")
	}
	if clone.SenderFee.Sign() < 0 || clone.ReceiverFee.Sign() < 0 {
		return nil, fmt.Errorf("escrow: fee tallies must be non-negative")
	}
	if clone.AdminFee.Amount.Sign() < 0 || clone.BurnFee.Amount.Sign() < 0 {
		return nil, fmt.Errorf("escrow: fee wallet amounts must be non-negative")
	}
	if clone.TimeoutPayment < 0 {
		return nil, fmt.Errorf("escrow: negative payment timeout")
	}
	if !clone.Status.Valid() {
		return nil, fmt.Errorf("escrow: invalid status: %d", clone.Status)
	}
	return clone, nil
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
