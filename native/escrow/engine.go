package escrow

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"arbipay/core/events"
	"arbipay/core/types"
)

var (
	errNilRegistry   = errors.New("escrow engine: registry not configured")
	errNilLedger     = errors.New("escrow engine: ledger not configured")
	errNilArbitrator = errors.New("escrow engine: arbitrator not configured")
)

// defaultFeeTimeout bounds how long a party may stall on its arbitration-fee
// deposit before the counterparty can force a ruling.
const defaultFeeTimeout int64 = 86_400

// Ledger is the value-transfer capability consumed by the engine. Native
// transfers move the chain's own currency; token transfers move units of a
// specific token contract. Any failure aborts the triggering operation.
type Ledger interface {
	Transfer(from, to [20]byte, amount *big.Int) error
	TokenTransfer(token, from, to [20]byte, amount *big.Int) error
	TokenTransferFrom(token, from, to [20]byte, amount *big.Int) error
}

// Arbitrator is the external arbitration gateway consumed by the engine. Cost
// quotes are live: the engine re-checks deposits against the latest quote on
// every call rather than caching one.
type Arbitrator interface {
	QuoteCost(extraData []byte) *big.Int
	CreateDispute(choices uint64, extraData []byte, payment *big.Int) (uint64, error)
	Appeal(disputeID uint64, extraData []byte, payment *big.Int) error
}

// feeMode selects which side the admin/burn fee wallets follow when released:
// pay favours the configured destinations, reimburse returns the owed amounts
// to the sender.
type feeMode uint8

const (
	feeModePay feeMode = iota
	feeModeReimburse
)

type escrowEvent struct {
	evt *types.Event
}

func (e escrowEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e escrowEvent) Event() *types.Event { return e.evt }

// Engine is the escrow state machine. It owns no ambient state: the registry,
// ledger and arbitration gateway are injected, every mutation is scoped to a
// single record loaded and written back as one unit, and all external effects
// happen synchronously within the call.
type Engine struct {
	registry   *Registry
	ledger     Ledger
	arb        Arbitrator
	arbAddr    [20]byte
	vault      [20]byte
	feeTimeout int64
	extraData  []byte
	emitter    events.Emitter
	nowFn      func() int64
}

// NewEngine creates an engine bound to the supplied registry and ledger with
// a no-op emitter and the default fee timeout.
func NewEngine(registry *Registry, ledger Ledger) *Engine {
	return &Engine{
		registry:   registry,
		ledger:     ledger,
		feeTimeout: defaultFeeTimeout,
		emitter:    events.NoopEmitter{},
		nowFn:      func() int64 { return time.Now().Unix() },
	}
}

// SetArbitrator configures the arbitration gateway and the account that
// receives arbitration payments.
func (e *Engine) SetArbitrator(arb Arbitrator, addr [20]byte) {
	e.arb = arb
	e.arbAddr = addr
}

// SetVault configures the account that holds escrowed funds and fee deposits.
func (e *Engine) SetVault(addr [20]byte) { e.vault = addr }

// SetFeeTimeout configures how long, in seconds, a party may leave the
// counterparty's arbitration fee unanswered before a timeout ruling applies.
func (e *Engine) SetFeeTimeout(seconds int64) {
	if seconds <= 0 {
		e.feeTimeout = defaultFeeTimeout
		return
	}
	e.feeTimeout = seconds
}

// SetExtraData configures the opaque arbitration parameters forwarded to the
// gateway with every quote, dispute and appeal.
func (e *Engine) SetExtraData(extra []byte) {
	e.extraData = append([]byte(nil), extra...)
}

// SetEmitter configures the event emitter. Passing nil resets it to a no-op.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetNowFunc overrides the time source, primarily used in tests.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// FeeTimeout reports the configured fee timeout in seconds.
func (e *Engine) FeeTimeout() int64 { return e.feeTimeout }

// Registry exposes the backing registry for read paths.
func (e *Engine) Registry() *Registry { return e.registry }

func (e *Engine) emit(evt *types.Event) {
	if e == nil || e.emitter == nil || evt == nil {
		return
	}
	e.emitter.Emit(escrowEvent{evt: evt})
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func (e *Engine) loadTransaction(index int) (*Transaction, error) {
	if e == nil || e.registry == nil {
		return nil, errNilRegistry
	}
	return e.registry.Get(index)
}

func (e *Engine) storeTransaction(index int, tx *Transaction) error {
	if e == nil || e.registry == nil {
		return errNilRegistry
	}
	return e.registry.Put(index, tx)
}

// transferCurrency moves escrow-denominated value between accounts,
// dispatching on the transaction currency.
func (e *Engine) transferCurrency(cur Currency, from, to [20]byte, amount *big.Int) error {
	if e == nil || e.ledger == nil {
		return errNilLedger
	}
	if amount == nil || amount.Sign() == 0 {
		return nil
	}
	var err error
	if cur.IsNative() {
		err = e.ledger.Transfer(from, to, amount)
	} else {
		err = e.ledger.TokenTransfer(cur, from, to, amount)
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	return nil
}

// transferNative moves native currency; arbitration fees are always native
// regardless of the escrow denomination.
func (e *Engine) transferNative(from, to [20]byte, amount *big.Int) error {
	if e == nil || e.ledger == nil {
		return errNilLedger
	}
	if amount == nil || amount.Sign() == 0 {
		return nil
	}
	if err := e.ledger.Transfer(from, to, amount); err != nil {
		return fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	return nil
}

// releaseFeeWallets disburses the owed admin and burn amounts according to
// the fee mode and zeroes both obligations so a second release is a no-op.
func (e *Engine) releaseFeeWallets(tx *Transaction, mode feeMode) error {
	adminDest := tx.AdminFee.Wallet
	burnDest := tx.BurnFee.Wallet
	if mode == feeModeReimburse {
		adminDest = tx.Sender
		burnDest = tx.Sender
	}
	if err := e.transferCurrency(tx.Currency, e.vault, adminDest, tx.AdminFee.Amount); err != nil {
		return err
	}
	if err := e.transferCurrency(tx.Currency, e.vault, burnDest, tx.BurnFee.Amount); err != nil {
		return err
	}
	tx.AdminFee.Amount = big.NewInt(0)
	tx.BurnFee.Amount = big.NewInt(0)
	return nil
}

// CreateParams bundles the caller-supplied definition of a new escrow. The
// amount and fee breakdown come from the routing layer and are trusted as
// given; the engine only verifies the supplied funds match their sum.
type CreateParams struct {
	Sender         [20]byte
	Receiver       [20]byte
	Currency       Currency
	Amount         *big.Int
	TimeoutPayment int64
	AdminFee       FeeWallet
	BurnFee        FeeWallet
	MetaEvidence   string
}

// CreateTransaction validates the funding breakdown, moves the supplied value
// into the vault (a transfer-from pull for token escrows), and registers the
// new record in NoDispute. This is the sole entry point that moves funds into
// escrow.
func (e *Engine) CreateTransaction(params CreateParams, supplied *big.Int) (int, error) {
	if e == nil || e.registry == nil {
		return 0, errNilRegistry
	}
	amount := cloneBigInt(params.Amount)
	if amount.Sign() <= 0 {
		return 0, fmt.Errorf("%w: amount must be positive", ErrInvalidInput)
	}
	adminFee := params.AdminFee.Clone()
	burnFee := params.BurnFee.Clone()
	if adminFee.Amount.Sign() < 0 || burnFee.Amount.Sign() < 0 {
		return 0, fmt.Errorf("%w: negative fee amount", ErrInvalidInput)
	}
	if params.TimeoutPayment <= 0 {
		return 0, fmt.Errorf("%w: payment timeout must be positive", ErrInvalidInput)
	}
	total := new(big.Int).Add(amount, adminFee.Amount)
	total.Add(total, burnFee.Amount)
	if supplied == nil || supplied.Cmp(total) != 0 {
		return 0, ErrFundingMismatch
	}
	if params.Currency.IsNative() {
		if err := e.transferNative(params.Sender, e.vault, total); err != nil {
			return 0, err
		}
	} else {
		if err := e.ledger.TokenTransferFrom(params.Currency, params.Sender, e.vault, total); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrTransferFailed, err)
		}
	}
	tx := &Transaction{
		Sender:          params.Sender,
		Receiver:        params.Receiver,
		Amount:          amount,
		Currency:        params.Currency,
		TimeoutPayment:  params.TimeoutPayment,
		LastInteraction: e.now(),
		SenderFee:       big.NewInt(0),
		ReceiverFee:     big.NewInt(0),
		Status:          StatusNoDispute,
		AdminFee:        adminFee,
		BurnFee:         burnFee,
	}
	index, err := e.registry.Append(tx)
	if err != nil {
		return 0, err
	}
	e.emit(NewMetaEvidenceEvent(index, params.MetaEvidence))
	e.emit(NewTransactionCreatedEvent(index, tx))
	return index, nil
}

// Pay releases part or all of the remaining escrow amount to the receiver.
// Only the sender may pay, and only while no dispute path is active. The
// first settling call also releases the admin and burn fees in full.
func (e *Engine) Pay(index int, caller [20]byte, amount *big.Int) error {
	tx, err := e.loadTransaction(index)
	if err != nil {
		return err
	}
	if caller != tx.Sender {
		return ErrUnauthorized
	}
	if tx.Status != StatusNoDispute {
		return ErrWrongStatus
	}
	amt := cloneBigInt(amount)
	if amt.Sign() <= 0 || amt.Cmp(tx.Amount) > 0 {
		return fmt.Errorf("%w: payment exceeds remaining escrow amount", ErrInvalidInput)
	}
	if err := e.transferCurrency(tx.Currency, e.vault, tx.Receiver, amt); err != nil {
		return err
	}
	tx.Amount = new(big.Int).Sub(tx.Amount, amt)
	if err := e.releaseFeeWallets(tx, feeModePay); err != nil {
		return err
	}
	if err := e.storeTransaction(index, tx); err != nil {
		return err
	}
	e.emit(NewPaymentEvent(index, amt, PartySender))
	return nil
}

// Reimburse is the mirror of Pay: the receiver returns part or all of the
// remaining amount to the sender, and the fee wallets are reimbursed to the
// sender instead of paid out.
func (e *Engine) Reimburse(index int, caller [20]byte, amount *big.Int) error {
	tx, err := e.loadTransaction(index)
	if err != nil {
		return err
	}
	if caller != tx.Receiver {
		return ErrUnauthorized
	}
	if tx.Status != StatusNoDispute {
		return ErrWrongStatus
	}
	amt := cloneBigInt(amount)
	if amt.Sign() <= 0 || amt.Cmp(tx.Amount) > 0 {
		return fmt.Errorf("%w: reimbursement exceeds remaining escrow amount", ErrInvalidInput)
	}
	if err := e.transferCurrency(tx.Currency, e.vault, tx.Sender, amt); err != nil {
		return err
	}
	tx.Amount = new(big.Int).Sub(tx.Amount, amt)
	if err := e.releaseFeeWallets(tx, feeModeReimburse); err != nil {
		return err
	}
	if err := e.storeTransaction(index, tx); err != nil {
		return err
	}
	e.emit(NewPaymentEvent(index, amt, PartyReceiver))
	return nil
}

// ExecuteTransaction settles the full remaining amount to the receiver once
// the payment timeout has elapsed with no dispute. Anyone may invoke it.
func (e *Engine) ExecuteTransaction(index int) error {
	tx, err := e.loadTransaction(index)
	if err != nil {
		return err
	}
	if tx.Status != StatusNoDispute {
		return ErrWrongStatus
	}
	if e.now()-tx.LastInteraction < tx.TimeoutPayment {
		return ErrTimeoutNotElapsed
	}
	amount := cloneBigInt(tx.Amount)
	if err := e.transferCurrency(tx.Currency, e.vault, tx.Receiver, amount); err != nil {
		return err
	}
	tx.Amount = big.NewInt(0)
	if err := e.releaseFeeWallets(tx, feeModePay); err != nil {
		return err
	}
	tx.Status = StatusResolved
	if err := e.storeTransaction(index, tx); err != nil {
		return err
	}
	e.emit(NewPaymentEvent(index, amount, PartyReceiver))
	return nil
}

// PayArbitrationFeeBySender accumulates an arbitration-fee deposit from the
// sender. A deposit that leaves the tally below the gateway's current cost is
// retained but reported as ErrInsufficientFee; once the tally covers the cost
// the record either waits for the receiver or, if the receiver already met
// the threshold, raises the dispute immediately. The dispute-raising branch
// on the sender side also releases the fee wallets in reimburse mode, a
// deliberate asymmetry carried from the contract this engine replaces.
func (e *Engine) PayArbitrationFeeBySender(index int, caller [20]byte, value *big.Int) error {
	tx, err := e.loadTransaction(index)
	if err != nil {
		return err
	}
	if caller != tx.Sender {
		return ErrUnauthorized
	}
	if tx.Status >= StatusDisputeCreated {
		return ErrWrongStatus
	}
	cost, err := e.depositFee(index, tx, tx.SenderFee, value, caller)
	if err != nil {
		return err
	}
	if tx.ReceiverFee.Cmp(cost) < 0 {
		tx.Status = StatusWaitingReceiver
		if err := e.storeTransaction(index, tx); err != nil {
			return err
		}
		e.emit(NewHasToPayFeeEvent(index, PartyReceiver))
		return nil
	}
	if err := e.releaseFeeWallets(tx, feeModeReimburse); err != nil {
		return err
	}
	return e.raiseDispute(index, tx, cost)
}

// PayArbitrationFeeByReceiver is the receiver-side counterpart of
// PayArbitrationFeeBySender. Its dispute-raising branch leaves the fee
// wallets untouched; they are released by the eventual ruling.
func (e *Engine) PayArbitrationFeeByReceiver(index int, caller [20]byte, value *big.Int) error {
	tx, err := e.loadTransaction(index)
	if err != nil {
		return err
	}
	if caller != tx.Receiver {
		return ErrUnauthorized
	}
	if tx.Status >= StatusDisputeCreated {
		return ErrWrongStatus
	}
	cost, err := e.depositFee(index, tx, tx.ReceiverFee, value, caller)
	if err != nil {
		return err
	}
	if tx.SenderFee.Cmp(cost) < 0 {
		tx.Status = StatusWaitingSender
		if err := e.storeTransaction(index, tx); err != nil {
			return err
		}
		e.emit(NewHasToPayFeeEvent(index, PartySender))
		return nil
	}
	return e.raiseDispute(index, tx, cost)
}

// depositFee moves the deposit into the vault, folds it into the party's
// tally and refreshes lastInteraction. When the tally is still below the
// current cost quote the updated record is persisted before the error is
// surfaced, so partial deposits count toward later calls.
func (e *Engine) depositFee(index int, tx *Transaction, tally *big.Int, value *big.Int, from [20]byte) (*big.Int, error) {
	if e.arb == nil {
		return nil, errNilArbitrator
	}
	amt := cloneBigInt(value)
	if amt.Sign() < 0 {
		return nil, fmt.Errorf("%w: negative fee deposit", ErrInvalidInput)
	}
	cost := cloneBigInt(e.arb.QuoteCost(e.extraData))
	if err := e.transferNative(from, e.vault, amt); err != nil {
		return nil, err
	}
	tally.Add(tally, amt)
	tx.LastInteraction = e.now()
	if tally.Cmp(cost) < 0 {
		if err := e.storeTransaction(index, tx); err != nil {
			return nil, err
		}
		return nil, ErrInsufficientFee
	}
	return cost, nil
}

// raiseDispute commits the DisputeCreated transition before any external
// call, refunds each party's tally in excess of the arbitration cost, then
// pays the gateway and records the dispute identifier. Re-entrant or repeated
// calls observe DisputeCreated and are rejected by the deposit-protocol
// preconditions, so dispute creation runs exactly once per transaction. A
// gateway rejection rolls the record back to its prior status with the
// payment returned to the vault, so a later deposit can retry.
func (e *Engine) raiseDispute(index int, tx *Transaction, cost *big.Int) error {
	if e.arb == nil {
		return errNilArbitrator
	}
	prior := tx.Status
	tx.Status = StatusDisputeCreated
	if err := e.storeTransaction(index, tx); err != nil {
		return err
	}
	if tx.SenderFee.Cmp(cost) > 0 {
		extra := new(big.Int).Sub(tx.SenderFee, cost)
		if err := e.transferNative(e.vault, tx.Sender, extra); err != nil {
			return err
		}
		tx.SenderFee = new(big.Int).Set(cost)
	}
	if tx.ReceiverFee.Cmp(cost) > 0 {
		extra := new(big.Int).Sub(tx.ReceiverFee, cost)
		if err := e.transferNative(e.vault, tx.Receiver, extra); err != nil {
			return err
		}
		tx.ReceiverFee = new(big.Int).Set(cost)
	}
	if err := e.transferNative(e.vault, e.arbAddr, cost); err != nil {
		return err
	}
	disputeID, err := e.arb.CreateDispute(rulingChoices, e.extraData, cost)
	if err != nil {
		if refundErr := e.transferNative(e.arbAddr, e.vault, cost); refundErr != nil {
			return refundErr
		}
		tx.Status = prior
		if storeErr := e.storeTransaction(index, tx); storeErr != nil {
			return storeErr
		}
		return fmt.Errorf("escrow: create dispute: %w", err)
	}
	if err := e.registry.LinkDispute(disputeID, index); err != nil {
		return err
	}
	tx.DisputeID = disputeID
	if err := e.storeTransaction(index, tx); err != nil {
		return err
	}
	e.emit(NewDisputeCreatedEvent(index, disputeID))
	return nil
}

// TimeOutBySender forces a sender-wins ruling when the receiver has left the
// sender's arbitration fee unanswered past the fee timeout. Anyone may call
// the timeout entry points; an unresponsive party must never be able to stall
// resolution indefinitely.
func (e *Engine) TimeOutBySender(index int) error {
	tx, err := e.loadTransaction(index)
	if err != nil {
		return err
	}
	if tx.Status != StatusWaitingReceiver {
		return ErrWrongStatus
	}
	if e.now()-tx.LastInteraction < e.feeTimeout {
		return ErrTimeoutNotElapsed
	}
	return e.executeRuling(index, tx, RulingSenderWins)
}

// TimeOutByReceiver forces a receiver-wins ruling when the sender has stalled
// on its deposit past the fee timeout.
func (e *Engine) TimeOutByReceiver(index int) error {
	tx, err := e.loadTransaction(index)
	if err != nil {
		return err
	}
	if tx.Status != StatusWaitingSender {
		return ErrWrongStatus
	}
	if e.now()-tx.LastInteraction < e.feeTimeout {
		return ErrTimeoutNotElapsed
	}
	return e.executeRuling(index, tx, RulingReceiverWins)
}

// SubmitEvidence attaches an opaque evidence reference to the transaction.
// Pure notification: no state changes.
func (e *Engine) SubmitEvidence(index int, caller [20]byte, ref string) error {
	tx, err := e.loadTransaction(index)
	if err != nil {
		return err
	}
	if caller != tx.Sender && caller != tx.Receiver {
		return ErrUnauthorized
	}
	if tx.Status >= StatusResolved {
		return ErrWrongStatus
	}
	e.emit(NewEvidenceEvent(index, caller, ref))
	return nil
}

// Appeal forwards an appeal payment to the gateway for the linked dispute.
// The gateway's own appeal rules decide whether the appeal is admissible; the
// payment is returned to the caller when it is not.
func (e *Engine) Appeal(index int, caller [20]byte, value *big.Int) error {
	tx, err := e.loadTransaction(index)
	if err != nil {
		return err
	}
	if e.arb == nil {
		return errNilArbitrator
	}
	amt := cloneBigInt(value)
	if amt.Sign() < 0 {
		return fmt.Errorf("%w: negative appeal payment", ErrInvalidInput)
	}
	if err := e.transferNative(caller, e.arbAddr, amt); err != nil {
		return err
	}
	if err := e.arb.Appeal(tx.DisputeID, e.extraData, amt); err != nil {
		if refundErr := e.transferNative(e.arbAddr, caller, amt); refundErr != nil {
			return refundErr
		}
		return fmt.Errorf("escrow: appeal: %w", err)
	}
	return nil
}

// Rule applies a ruling delivered by the arbitration gateway. The service
// surface restricts the callback route to the gateway; within the engine the
// dispute identifier and status check make duplicate rulings impossible.
func (e *Engine) Rule(disputeID uint64, ruling uint64) error {
	if e == nil || e.registry == nil {
		return errNilRegistry
	}
	index, err := e.registry.ByDispute(disputeID)
	if err != nil {
		return err
	}
	tx, err := e.loadTransaction(index)
	if err != nil {
		return err
	}
	if tx.Status != StatusDisputeCreated {
		return ErrWrongStatus
	}
	return e.executeRuling(index, tx, ruling)
}

// executeRuling distributes the escrowed amount and fee deposits according
// to the ruling, zeroes every fund-bearing field and lands the record in
// Resolved. Split rulings use integer division; on an odd sum the residual
// unit stays in the vault rather than favouring either party.
func (e *Engine) executeRuling(index int, tx *Transaction, ruling uint64) error {
	if ruling > rulingChoices {
		return ErrInvalidRuling
	}
	switch ruling {
	case RulingSenderWins:
		if err := e.transferNative(e.vault, tx.Sender, tx.SenderFee); err != nil {
			return err
		}
		if err := e.transferCurrency(tx.Currency, e.vault, tx.Sender, tx.Amount); err != nil {
			return err
		}
		if err := e.releaseFeeWallets(tx, feeModeReimburse); err != nil {
			return err
		}
	case RulingReceiverWins:
		if err := e.transferNative(e.vault, tx.Receiver, tx.ReceiverFee); err != nil {
			return err
		}
		if err := e.transferCurrency(tx.Currency, e.vault, tx.Receiver, tx.Amount); err != nil {
			return err
		}
		if err := e.releaseFeeWallets(tx, feeModePay); err != nil {
			return err
		}
	default:
		if err := e.splitFunds(tx); err != nil {
			return err
		}
		if err := e.releaseFeeWallets(tx, feeModeReimburse); err != nil {
			return err
		}
	}
	tx.Amount = big.NewInt(0)
	tx.SenderFee = big.NewInt(0)
	tx.ReceiverFee = big.NewInt(0)
	tx.Status = StatusResolved
	if err := e.storeTransaction(index, tx); err != nil {
		return err
	}
	e.emit(NewRulingEvent(index, tx.DisputeID, ruling))
	return nil
}

// splitFunds divides the escrowed value and the sender's fee deposit equally
// between the parties. Native escrows split the combined sum; token escrows
// split the token amount and the native fee deposit separately because the
// two assets cannot be added.
func (e *Engine) splitFunds(tx *Transaction) error {
	two := big.NewInt(2)
	if tx.Currency.IsNative() {
		half := new(big.Int).Add(tx.SenderFee, tx.Amount)
		half.Div(half, two)
		if err := e.transferNative(e.vault, tx.Sender, half); err != nil {
			return err
		}
		return e.transferNative(e.vault, tx.Receiver, half)
	}
	halfAmount := new(big.Int).Div(tx.Amount, two)
	if err := e.transferCurrency(tx.Currency, e.vault, tx.Sender, halfAmount); err != nil {
		return err
	}
	if err := e.transferCurrency(tx.Currency, e.vault, tx.Receiver, halfAmount); err != nil {
		return err
	}
	halfFee := new(big.Int).Div(tx.SenderFee, two)
	if err := e.transferNative(e.vault, tx.Sender, halfFee); err != nil {
		return err
	}
	return e.transferNative(e.vault, tx.Receiver, halfFee)
}
