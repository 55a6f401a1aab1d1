package escrow

import (
	"bytes"
	"errors"
	"math/big"
	"testing"

	"arbipay/core/bank"
	"arbipay/core/events"
	"arbipay/core/types"
)

var (
	senderAddr   = newTestAddress(0x01)
	receiverAddr = newTestAddress(0x02)
	adminAddr    = newTestAddress(0x0A)
	burnAddr     = newTestAddress(0x0B)
	vaultAddr    = newTestAddress(0xEE)
	arbAddr      = newTestAddress(0xAB)
	strangerAddr = newTestAddress(0x99)
	tokenAddr    = newTestAddress(0xF0)
)

func newTestAddress(fill byte) [20]byte {
	var addr [20]byte
	copy(addr[:], bytes.Repeat([]byte{fill}, 20))
	return addr
}

type testClock struct {
	now int64
}

func (c *testClock) Now() int64        { return c.now }
func (c *testClock) Advance(secs int64) { c.now += secs }

type stubArbitrator struct {
	cost      *big.Int
	nextID    uint64
	created   int
	appeals   int
	createErr error
	appealErr error
}

func (s *stubArbitrator) QuoteCost(_ []byte) *big.Int {
	return new(big.Int).Set(s.cost)
}

func (s *stubArbitrator) CreateDispute(_ uint64, _ []byte, payment *big.Int) (uint64, error) {
	if s.createErr != nil {
		return 0, s.createErr
	}
	if payment == nil || payment.Cmp(s.cost) < 0 {
		return 0, errors.New("payment below cost")
	}
	id := s.nextID
	s.nextID++
	s.created++
	return id, nil
}

func (s *stubArbitrator) Appeal(_ uint64, _ []byte, _ *big.Int) error {
	if s.appealErr != nil {
		return s.appealErr
	}
	s.appeals++
	return nil
}

type captureEmitter struct {
	events []*types.Event
}

func (c *captureEmitter) Emit(evt events.Event) {
	carrier, ok := evt.(interface{ Event() *types.Event })
	if !ok {
		return
	}
	c.events = append(c.events, carrier.Event())
}

func (c *captureEmitter) ofType(eventType string) []*types.Event {
	var matched []*types.Event
	for _, evt := range c.events {
		if evt != nil && evt.Type == eventType {
			matched = append(matched, evt)
		}
	}
	return matched
}

type testEnv struct {
	engine   *Engine
	registry *Registry
	ledger   *bank.Bank
	arb      *stubArbitrator
	emitter  *captureEmitter
	clock    *testClock
}

func newTestEnv(t *testing.T, cost int64) *testEnv {
	t.Helper()
	ledger := bank.NewBank()
	registry := NewRegistry()
	arb := &stubArbitrator{cost: big.NewInt(cost), nextID: 1}
	clock := &testClock{now: 1_700_000_000}
	emitter := &captureEmitter{}
	engine := NewEngine(registry, ledger)
	engine.SetVault(vaultAddr)
	engine.SetArbitrator(arb, arbAddr)
	engine.SetFeeTimeout(3600)
	engine.SetNowFunc(clock.Now)
	engine.SetEmitter(emitter)
	return &testEnv{engine: engine, registry: registry, ledger: ledger, arb: arb, emitter: emitter, clock: clock}
}

func defaultParams() CreateParams {
	return CreateParams{
		Sender:         senderAddr,
		Receiver:       receiverAddr,
		Amount:         big.NewInt(100),
		TimeoutPayment: 7200,
		AdminFee:       FeeWallet{Wallet: adminAddr, Amount: big.NewInt(5)},
		BurnFee:        FeeWallet{Wallet: burnAddr, Amount: big.NewInt(3)},
		MetaEvidence:   "ipfs://meta",
	}
}

// createFunded mints the full breakdown to the sender and creates the escrow.
func createFunded(t *testing.T, env *testEnv) int {
	t.Helper()
	env.ledger.Mint(senderAddr, big.NewInt(108))
	index, err := env.engine.CreateTransaction(defaultParams(), big.NewInt(108))
	if err != nil {
		t.Fatalf("create transaction: %v", err)
	}
	return index
}

func requireBalance(t *testing.T, env *testEnv, addr [20]byte, want int64) {
	t.Helper()
	if got := env.ledger.NativeBalance(addr); got.Cmp(big.NewInt(want)) != 0 {
		t.Fatalf("unexpected balance for %x: got %s want %d", addr[:2], got, want)
	}
}

func loadTx(t *testing.T, env *testEnv, index int) *Transaction {
	t.Helper()
	tx, err := env.registry.Get(index)
	if err != nil {
		t.Fatalf("load transaction %d: %v", index, err)
	}
	return tx
}

func TestCreateTransactionFundingMismatch(t *testing.T) {
	env := newTestEnv(t, 10)
	env.ledger.Mint(senderAddr, big.NewInt(200))
	if _, err := env.engine.CreateTransaction(defaultParams(), big.NewInt(107)); !errors.Is(err, ErrFundingMismatch) {
		t.Fatalf("expected ErrFundingMismatch, got %v", err)
	}
	if _, err := env.engine.CreateTransaction(defaultParams(), nil); !errors.Is(err, ErrFundingMismatch) {
		t.Fatalf("expected ErrFundingMismatch for nil supplied, got %v", err)
	}
	requireBalance(t, env, senderAddr, 200)
	if env.registry.Len() != 0 {
		t.Fatalf("registry must stay empty on failed creation")
	}
}

func TestCreateTransactionMovesFundsToVault(t *testing.T) {
	env := newTestEnv(t, 10)
	index := createFunded(t, env)
	if index != 0 {
		t.Fatalf("expected first index 0, got %d", index)
	}
	requireBalance(t, env, senderAddr, 0)
	requireBalance(t, env, vaultAddr, 108)
	tx := loadTx(t, env, index)
	if tx.Status != StatusNoDispute {
		t.Fatalf("unexpected status: %s", tx.Status)
	}
	if tx.LastInteraction != env.clock.Now() {
		t.Fatalf("lastInteraction not set at creation")
	}
	if len(env.emitter.ofType(EventTypeTransactionCreated)) != 1 {
		t.Fatalf("expected one creation event")
	}
	if evs := env.emitter.ofType(EventTypeMetaEvidence); len(evs) != 1 || evs[0].Attributes["evidence"] != "ipfs://meta" {
		t.Fatalf("expected meta evidence event, got %v", evs)
	}
}

func TestCreateTransactionTokenPullsApproval(t *testing.T) {
	env := newTestEnv(t, 10)
	params := defaultParams()
	params.Currency = TokenCurrency(tokenAddr)
	env.ledger.MintToken(tokenAddr, senderAddr, big.NewInt(108))

	if _, err := env.engine.CreateTransaction(params, big.NewInt(108)); !errors.Is(err, ErrTransferFailed) {
		t.Fatalf("expected ErrTransferFailed without approval, got %v", err)
	}

	env.ledger.Approve(tokenAddr, senderAddr, vaultAddr, big.NewInt(108))
	index, err := env.engine.CreateTransaction(params, big.NewInt(108))
	if err != nil {
		t.Fatalf("token create: %v", err)
	}
	if got := env.ledger.TokenBalance(tokenAddr, vaultAddr); got.Cmp(big.NewInt(108)) != 0 {
		t.Fatalf("vault token balance: got %s want 108", got)
	}
	tx := loadTx(t, env, index)
	if tx.Currency.IsNative() {
		t.Fatalf("expected token currency on record")
	}
}

func TestPayFullAmountReleasesFees(t *testing.T) {
	env := newTestEnv(t, 10)
	index := createFunded(t, env)
	if err := env.engine.Pay(index, senderAddr, big.NewInt(100)); err != nil {
		t.Fatalf("pay: %v", err)
	}
	requireBalance(t, env, receiverAddr, 100)
	requireBalance(t, env, adminAddr, 5)
	requireBalance(t, env, burnAddr, 3)
	requireBalance(t, env, vaultAddr, 0)
	tx := loadTx(t, env, index)
	if tx.Amount.Sign() != 0 {
		t.Fatalf("remaining amount must be zero, got %s", tx.Amount)
	}
	if evs := env.emitter.ofType(EventTypePayment); len(evs) != 1 || evs[0].Attributes["amount"] != "100" {
		t.Fatalf("expected payment event for 100, got %v", evs)
	}
}

func TestPayReleasesFeesOnlyOnce(t *testing.T) {
	env := newTestEnv(t, 10)
	index := createFunded(t, env)
	if err := env.engine.Pay(index, senderAddr, big.NewInt(40)); err != nil {
		t.Fatalf("first pay: %v", err)
	}
	requireBalance(t, env, adminAddr, 5)
	requireBalance(t, env, burnAddr, 3)
	if err := env.engine.Pay(index, senderAddr, big.NewInt(60)); err != nil {
		t.Fatalf("second pay: %v", err)
	}
	requireBalance(t, env, adminAddr, 5)
	requireBalance(t, env, burnAddr, 3)
	requireBalance(t, env, receiverAddr, 100)
	requireBalance(t, env, vaultAddr, 0)
}

func TestPayPreconditions(t *testing.T) {
	env := newTestEnv(t, 10)
	index := createFunded(t, env)
	if err := env.engine.Pay(index, receiverAddr, big.NewInt(10)); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if err := env.engine.Pay(index, senderAddr, big.NewInt(101)); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for overpayment, got %v", err)
	}
	if err := env.engine.Pay(index, senderAddr, big.NewInt(0)); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for zero payment, got %v", err)
	}
	if err := env.engine.Pay(index+1, senderAddr, big.NewInt(10)); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestReimburseReturnsFeesToSender(t *testing.T) {
	env := newTestEnv(t, 10)
	index := createFunded(t, env)
	if err := env.engine.Reimburse(index, receiverAddr, big.NewInt(100)); err != nil {
		t.Fatalf("reimburse: %v", err)
	}
	// Amount plus both fee wallets flow back to the sender.
	requireBalance(t, env, senderAddr, 108)
	requireBalance(t, env, adminAddr, 0)
	requireBalance(t, env, burnAddr, 0)
	requireBalance(t, env, vaultAddr, 0)
	if err := env.engine.Reimburse(index, senderAddr, big.NewInt(1)); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for sender-called reimburse, got %v", err)
	}
}

func TestExecuteTransactionAfterTimeout(t *testing.T) {
	env := newTestEnv(t, 10)
	index := createFunded(t, env)
	if err := env.engine.ExecuteTransaction(index); !errors.Is(err, ErrTimeoutNotElapsed) {
		t.Fatalf("expected ErrTimeoutNotElapsed, got %v", err)
	}
	env.clock.Advance(7200)
	if err := env.engine.ExecuteTransaction(index); err != nil {
		t.Fatalf("execute: %v", err)
	}
	requireBalance(t, env, receiverAddr, 100)
	requireBalance(t, env, adminAddr, 5)
	requireBalance(t, env, burnAddr, 3)
	tx := loadTx(t, env, index)
	if tx.Status != StatusResolved {
		t.Fatalf("expected resolved, got %s", tx.Status)
	}
	if err := env.engine.Pay(index, senderAddr, big.NewInt(1)); !errors.Is(err, ErrWrongStatus) {
		t.Fatalf("expected ErrWrongStatus after resolution, got %v", err)
	}
	if err := env.engine.ExecuteTransaction(index); !errors.Is(err, ErrWrongStatus) {
		t.Fatalf("expected ErrWrongStatus on repeat execute, got %v", err)
	}
}

func TestPayArbitrationFeeInsufficientDepositPersists(t *testing.T) {
	env := newTestEnv(t, 10)
	index := createFunded(t, env)
	env.ledger.Mint(senderAddr, big.NewInt(10))

	if err := env.engine.PayArbitrationFeeBySender(index, senderAddr, big.NewInt(9)); !errors.Is(err, ErrInsufficientFee) {
		t.Fatalf("expected ErrInsufficientFee, got %v", err)
	}
	tx := loadTx(t, env, index)
	if tx.Status != StatusNoDispute {
		t.Fatalf("status must be unchanged, got %s", tx.Status)
	}
	if tx.SenderFee.Cmp(big.NewInt(9)) != 0 {
		t.Fatalf("partial deposit must persist, got %s", tx.SenderFee)
	}

	if err := env.engine.PayArbitrationFeeBySender(index, senderAddr, big.NewInt(1)); err != nil {
		t.Fatalf("topping up the fee: %v", err)
	}
	tx = loadTx(t, env, index)
	if tx.Status != StatusWaitingReceiver {
		t.Fatalf("expected WaitingReceiver, got %s", tx.Status)
	}
	evs := env.emitter.ofType(EventTypeHasToPayFee)
	if len(evs) != 1 || evs[0].Attributes["party"] != PartyReceiver {
		t.Fatalf("expected fee-due notification naming the receiver, got %v", evs)
	}
}

func TestDisputeRaisedOnceRegardlessOfOrder(t *testing.T) {
	for _, senderFirst := range []bool{true, false} {
		env := newTestEnv(t, 10)
		index := createFunded(t, env)
		env.ledger.Mint(senderAddr, big.NewInt(10))
		env.ledger.Mint(receiverAddr, big.NewInt(10))

		first := env.engine.PayArbitrationFeeByReceiver
		firstCaller := receiverAddr
		second := env.engine.PayArbitrationFeeBySender
		secondCaller := senderAddr
		if senderFirst {
			first, second = second, first
			firstCaller, secondCaller = secondCaller, firstCaller
		}

		if err := first(index, firstCaller, big.NewInt(10)); err != nil {
			t.Fatalf("first deposit: %v", err)
		}
		if err := second(index, secondCaller, big.NewInt(10)); err != nil {
			t.Fatalf("second deposit: %v", err)
		}

		tx := loadTx(t, env, index)
		if tx.Status != StatusDisputeCreated {
			t.Fatalf("expected DisputeCreated, got %s", tx.Status)
		}
		if env.arb.created != 1 {
			t.Fatalf("dispute must be created exactly once, got %d", env.arb.created)
		}
		if tx.DisputeID != 1 {
			t.Fatalf("expected dispute id 1, got %d", tx.DisputeID)
		}
		if got, err := env.registry.ByDispute(1); err != nil || got != index {
			t.Fatalf("dispute link mismatch: %d %v", got, err)
		}
		requireBalance(t, env, arbAddr, 10)

		// Repeat deposits must be rejected by the status precondition.
		if err := second(index, secondCaller, big.NewInt(10)); !errors.Is(err, ErrWrongStatus) {
			t.Fatalf("expected ErrWrongStatus on duplicate deposit, got %v", err)
		}
	}
}

func TestDisputeCreationFailureRollsBack(t *testing.T) {
	env := newTestEnv(t, 10)
	index := createFunded(t, env)
	env.ledger.Mint(senderAddr, big.NewInt(10))
	env.ledger.Mint(receiverAddr, big.NewInt(10))
	env.arb.createErr = errors.New("gateway unavailable")

	if err := env.engine.PayArbitrationFeeBySender(index, senderAddr, big.NewInt(10)); err != nil {
		t.Fatalf("sender deposit: %v", err)
	}
	if err := env.engine.PayArbitrationFeeByReceiver(index, receiverAddr, big.NewInt(10)); err == nil {
		t.Fatalf("expected the gateway rejection to surface")
	}
	// The payment went back to the vault and the record returned to its
	// pre-dispute status, so a later deposit can retry.
	tx := loadTx(t, env, index)
	if tx.Status != StatusWaitingReceiver {
		t.Fatalf("expected rollback to WaitingReceiver, got %s", tx.Status)
	}
	if tx.DisputeID != 0 {
		t.Fatalf("no dispute id must be recorded, got %d", tx.DisputeID)
	}
	requireBalance(t, env, arbAddr, 0)
	requireBalance(t, env, vaultAddr, 108+20)

	env.arb.createErr = nil
	if err := env.engine.PayArbitrationFeeByReceiver(index, receiverAddr, big.NewInt(0)); err != nil {
		t.Fatalf("retry deposit: %v", err)
	}
	tx = loadTx(t, env, index)
	if tx.Status != StatusDisputeCreated || tx.DisputeID != 1 {
		t.Fatalf("retry must raise the dispute, got %s dispute %d", tx.Status, tx.DisputeID)
	}
	if env.arb.created != 1 {
		t.Fatalf("dispute must be created exactly once, got %d", env.arb.created)
	}
	requireBalance(t, env, arbAddr, 10)
}

func TestDisputeExcessDepositRefundedBeforeCreation(t *testing.T) {
	env := newTestEnv(t, 10)
	index := createFunded(t, env)
	env.ledger.Mint(senderAddr, big.NewInt(25))
	env.ledger.Mint(receiverAddr, big.NewInt(10))

	if err := env.engine.PayArbitrationFeeByReceiver(index, receiverAddr, big.NewInt(10)); err != nil {
		t.Fatalf("receiver deposit: %v", err)
	}
	if err := env.engine.PayArbitrationFeeBySender(index, senderAddr, big.NewInt(25)); err != nil {
		t.Fatalf("sender deposit: %v", err)
	}
	tx := loadTx(t, env, index)
	if tx.SenderFee.Cmp(big.NewInt(10)) != 0 {
		t.Fatalf("sender tally must be trimmed to cost, got %s", tx.SenderFee)
	}
	// The 15 above cost came straight back; the sender-triggered dispute
	// branch also reimburses the admin and burn fees.
	requireBalance(t, env, senderAddr, 15+8)
}

func TestSenderDisputeBranchReimbursesFeeWallets(t *testing.T) {
	env := newTestEnv(t, 10)
	index := createFunded(t, env)
	env.ledger.Mint(senderAddr, big.NewInt(10))
	env.ledger.Mint(receiverAddr, big.NewInt(10))

	if err := env.engine.PayArbitrationFeeByReceiver(index, receiverAddr, big.NewInt(10)); err != nil {
		t.Fatalf("receiver deposit: %v", err)
	}
	if err := env.engine.PayArbitrationFeeBySender(index, senderAddr, big.NewInt(10)); err != nil {
		t.Fatalf("sender deposit: %v", err)
	}
	// Admin and burn wallet obligations were released to the sender when the
	// sender's deposit raised the dispute.
	requireBalance(t, env, senderAddr, 8)
	tx := loadTx(t, env, index)
	if tx.AdminFee.Amount.Sign() != 0 || tx.BurnFee.Amount.Sign() != 0 {
		t.Fatalf("fee wallets must be zeroed after sender-raised dispute")
	}
}

func TestReceiverDisputeBranchKeepsFeeWallets(t *testing.T) {
	env := newTestEnv(t, 10)
	index := createFunded(t, env)
	env.ledger.Mint(senderAddr, big.NewInt(10))
	env.ledger.Mint(receiverAddr, big.NewInt(10))

	if err := env.engine.PayArbitrationFeeBySender(index, senderAddr, big.NewInt(10)); err != nil {
		t.Fatalf("sender deposit: %v", err)
	}
	if err := env.engine.PayArbitrationFeeByReceiver(index, receiverAddr, big.NewInt(10)); err != nil {
		t.Fatalf("receiver deposit: %v", err)
	}
	requireBalance(t, env, senderAddr, 0)
	tx := loadTx(t, env, index)
	if tx.AdminFee.Amount.Cmp(big.NewInt(5)) != 0 || tx.BurnFee.Amount.Cmp(big.NewInt(3)) != 0 {
		t.Fatalf("fee wallets must stay owed until the ruling")
	}
}

func TestTimeOutBySenderForcesSenderWins(t *testing.T) {
	env := newTestEnv(t, 10)
	index := createFunded(t, env)
	env.ledger.Mint(senderAddr, big.NewInt(10))

	if err := env.engine.PayArbitrationFeeBySender(index, senderAddr, big.NewInt(10)); err != nil {
		t.Fatalf("sender deposit: %v", err)
	}
	if err := env.engine.TimeOutBySender(index); !errors.Is(err, ErrTimeoutNotElapsed) {
		t.Fatalf("expected ErrTimeoutNotElapsed, got %v", err)
	}
	env.clock.Advance(3600)
	if err := env.engine.TimeOutBySender(index); err != nil {
		t.Fatalf("timeout by sender: %v", err)
	}
	// Sender recovers the fee deposit, the escrowed amount and, via the
	// reimburse fee mode, the admin and burn obligations.
	requireBalance(t, env, senderAddr, 10+100+8)
	tx := loadTx(t, env, index)
	if tx.Status != StatusResolved {
		t.Fatalf("expected resolved, got %s", tx.Status)
	}
	if tx.Amount.Sign() != 0 || tx.SenderFee.Sign() != 0 || tx.ReceiverFee.Sign() != 0 {
		t.Fatalf("resolved record must hold no funds")
	}
}

func TestTimeOutWrongStatus(t *testing.T) {
	env := newTestEnv(t, 10)
	index := createFunded(t, env)
	if err := env.engine.TimeOutByReceiver(index); !errors.Is(err, ErrWrongStatus) {
		t.Fatalf("expected ErrWrongStatus, got %v", err)
	}
	if err := env.engine.TimeOutBySender(index); !errors.Is(err, ErrWrongStatus) {
		t.Fatalf("expected ErrWrongStatus, got %v", err)
	}
}

func TestTimeOutByReceiverForcesReceiverWins(t *testing.T) {
	env := newTestEnv(t, 10)
	index := createFunded(t, env)
	env.ledger.Mint(receiverAddr, big.NewInt(10))

	if err := env.engine.PayArbitrationFeeByReceiver(index, receiverAddr, big.NewInt(10)); err != nil {
		t.Fatalf("receiver deposit: %v", err)
	}
	env.clock.Advance(3600)
	if err := env.engine.TimeOutByReceiver(index); err != nil {
		t.Fatalf("timeout by receiver: %v", err)
	}
	// Receiver recovers the deposit and the amount; the fee wallets pay out.
	requireBalance(t, env, receiverAddr, 10+100)
	requireBalance(t, env, adminAddr, 5)
	requireBalance(t, env, burnAddr, 3)
}

func raiseTestDispute(t *testing.T, env *testEnv, index int) {
	t.Helper()
	env.ledger.Mint(senderAddr, big.NewInt(10))
	env.ledger.Mint(receiverAddr, big.NewInt(10))
	if err := env.engine.PayArbitrationFeeBySender(index, senderAddr, big.NewInt(10)); err != nil {
		t.Fatalf("sender deposit: %v", err)
	}
	if err := env.engine.PayArbitrationFeeByReceiver(index, receiverAddr, big.NewInt(10)); err != nil {
		t.Fatalf("receiver deposit: %v", err)
	}
}

func TestRuleSenderWins(t *testing.T) {
	env := newTestEnv(t, 10)
	index := createFunded(t, env)
	raiseTestDispute(t, env, index)

	if err := env.engine.Rule(1, RulingSenderWins); err != nil {
		t.Fatalf("rule: %v", err)
	}
	// Fee deposit plus amount plus reimbursed fee wallets.
	requireBalance(t, env, senderAddr, 10+100+8)
	requireBalance(t, env, vaultAddr, 0)
	tx := loadTx(t, env, index)
	if tx.Status != StatusResolved {
		t.Fatalf("expected resolved, got %s", tx.Status)
	}
	if err := env.engine.Rule(1, RulingReceiverWins); !errors.Is(err, ErrWrongStatus) {
		t.Fatalf("second ruling must fail with ErrWrongStatus, got %v", err)
	}
}

func TestRuleReceiverWins(t *testing.T) {
	env := newTestEnv(t, 10)
	index := createFunded(t, env)
	raiseTestDispute(t, env, index)

	if err := env.engine.Rule(1, RulingReceiverWins); err != nil {
		t.Fatalf("rule: %v", err)
	}
	requireBalance(t, env, receiverAddr, 10+100)
	requireBalance(t, env, adminAddr, 5)
	requireBalance(t, env, burnAddr, 3)
	requireBalance(t, env, vaultAddr, 0)
}

func TestRuleSplitRetainsRoundingResidue(t *testing.T) {
	env := newTestEnv(t, 10)
	env.ledger.Mint(senderAddr, big.NewInt(109))
	params := defaultParams()
	params.Amount = big.NewInt(101)
	index, err := env.engine.CreateTransaction(params, big.NewInt(109))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	raiseTestDispute(t, env, index)

	if err := env.engine.Rule(1, RulingSplit); err != nil {
		t.Fatalf("rule: %v", err)
	}
	// Each party receives (cost + 101) / 2 = 55; the odd unit stays in the
	// vault rather than favouring either side. The sender additionally gets
	// the reimbursed fee wallets.
	requireBalance(t, env, senderAddr, 55+8)
	requireBalance(t, env, receiverAddr, 55)
	requireBalance(t, env, vaultAddr, 1)
}

func TestRuleValidation(t *testing.T) {
	env := newTestEnv(t, 10)
	index := createFunded(t, env)
	raiseTestDispute(t, env, index)

	if err := env.engine.Rule(7, RulingSenderWins); !errors.Is(err, ErrUnknownDispute) {
		t.Fatalf("expected ErrUnknownDispute, got %v", err)
	}
	if err := env.engine.Rule(1, 3); !errors.Is(err, ErrInvalidRuling) {
		t.Fatalf("expected ErrInvalidRuling, got %v", err)
	}
	tx := loadTx(t, env, index)
	if tx.Status != StatusDisputeCreated {
		t.Fatalf("rejected ruling must not resolve the dispute")
	}
}

func TestSubmitEvidence(t *testing.T) {
	env := newTestEnv(t, 10)
	index := createFunded(t, env)
	if err := env.engine.SubmitEvidence(index, strangerAddr, "ipfs://x"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if err := env.engine.SubmitEvidence(index, receiverAddr, "ipfs://claim"); err != nil {
		t.Fatalf("submit evidence: %v", err)
	}
	evs := env.emitter.ofType(EventTypeEvidence)
	if len(evs) != 1 || evs[0].Attributes["evidence"] != "ipfs://claim" {
		t.Fatalf("expected evidence event, got %v", evs)
	}
	env.clock.Advance(7200)
	if err := env.engine.ExecuteTransaction(index); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if err := env.engine.SubmitEvidence(index, senderAddr, "ipfs://late"); !errors.Is(err, ErrWrongStatus) {
		t.Fatalf("expected ErrWrongStatus after resolution, got %v", err)
	}
}

func TestAppealForwardsPayment(t *testing.T) {
	env := newTestEnv(t, 10)
	index := createFunded(t, env)
	raiseTestDispute(t, env, index)
	env.ledger.Mint(senderAddr, big.NewInt(20))

	if err := env.engine.Appeal(index, senderAddr, big.NewInt(20)); err != nil {
		t.Fatalf("appeal: %v", err)
	}
	if env.arb.appeals != 1 {
		t.Fatalf("appeal must reach the gateway")
	}
	requireBalance(t, env, arbAddr, 10+20)
}

func TestAppealRefundsOnGatewayRejection(t *testing.T) {
	env := newTestEnv(t, 10)
	index := createFunded(t, env)
	raiseTestDispute(t, env, index)
	env.arb.appealErr = errors.New("appeal period over")
	env.ledger.Mint(senderAddr, big.NewInt(20))

	if err := env.engine.Appeal(index, senderAddr, big.NewInt(20)); err == nil {
		t.Fatalf("expected gateway rejection to surface")
	}
	requireBalance(t, env, senderAddr, 20)
	requireBalance(t, env, arbAddr, 10)
}

type failingLedger struct {
	Ledger
	failTokens bool
}

func (f *failingLedger) TokenTransfer(token, from, to [20]byte, amount *big.Int) error {
	if f.failTokens {
		return errors.New("token transfer rejected")
	}
	return f.Ledger.TokenTransfer(token, from, to, amount)
}

func TestTokenTransferFailureAbortsPay(t *testing.T) {
	env := newTestEnv(t, 10)
	wrapped := &failingLedger{Ledger: env.ledger}
	env.engine.ledger = wrapped

	params := defaultParams()
	params.Currency = TokenCurrency(tokenAddr)
	env.ledger.MintToken(tokenAddr, senderAddr, big.NewInt(108))
	env.ledger.Approve(tokenAddr, senderAddr, vaultAddr, big.NewInt(108))
	index, err := env.engine.CreateTransaction(params, big.NewInt(108))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	wrapped.failTokens = true
	if err := env.engine.Pay(index, senderAddr, big.NewInt(50)); !errors.Is(err, ErrTransferFailed) {
		t.Fatalf("expected ErrTransferFailed, got %v", err)
	}
	tx := loadTx(t, env, index)
	if tx.Amount.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("failed transfer must leave the record unchanged, got %s", tx.Amount)
	}
}

func TestLiveCostQuoteRechecked(t *testing.T) {
	env := newTestEnv(t, 10)
	index := createFunded(t, env)
	env.ledger.Mint(senderAddr, big.NewInt(30))

	if err := env.engine.PayArbitrationFeeBySender(index, senderAddr, big.NewInt(10)); err != nil {
		t.Fatalf("deposit at original cost: %v", err)
	}
	// The gateway raises its price while the sender waits; the receiver must
	// meet the new quote, and the sender's tally is now short of it too.
	env.arb.cost = big.NewInt(15)
	env.ledger.Mint(receiverAddr, big.NewInt(15))
	if err := env.engine.PayArbitrationFeeByReceiver(index, receiverAddr, big.NewInt(10)); !errors.Is(err, ErrInsufficientFee) {
		t.Fatalf("expected ErrInsufficientFee at the new quote, got %v", err)
	}
	if err := env.engine.PayArbitrationFeeByReceiver(index, receiverAddr, big.NewInt(5)); err != nil {
		t.Fatalf("meeting the new quote: %v", err)
	}
	tx := loadTx(t, env, index)
	if tx.Status != StatusWaitingSender {
		t.Fatalf("expected WaitingSender while the sender tops up, got %s", tx.Status)
	}
	if err := env.engine.PayArbitrationFeeBySender(index, senderAddr, big.NewInt(5)); err != nil {
		t.Fatalf("sender top-up: %v", err)
	}
	if loadTx(t, env, index).Status != StatusDisputeCreated {
		t.Fatalf("expected dispute after both met the new quote")
	}
}
