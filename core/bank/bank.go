// Package bank provides the in-memory value-transfer ledger backing the
// escrow engine. It tracks native-currency balances and per-token balances
// for each address, plus token allowances so the engine can pull approved
// deposits with a transfer-from step.
package bank

import (
	"errors"
	"fmt"
	"math/big"
	"sync"
)

var (
	ErrInsufficientBalance   = errors.New("bank: insufficient balance")
	ErrInsufficientAllowance = errors.New("bank: insufficient allowance")
)

// Bank is an account ledger keyed by 20-byte addresses. All mutations are
// guarded by a single mutex; amounts are deep-copied on the way in and out so
// callers can never alias internal state.
type Bank struct {
	mu         sync.Mutex
	native     map[[20]byte]*big.Int
	tokens     map[[20]byte]map[[20]byte]*big.Int
	allowances map[[20]byte]map[[20]byte]map[[20]byte]*big.Int
}

// NewBank constructs an empty ledger.
func NewBank() *Bank {
	return &Bank{
		native:     make(map[[20]byte]*big.Int),
		tokens:     make(map[[20]byte]map[[20]byte]*big.Int),
		allowances: make(map[[20]byte]map[[20]byte]map[[20]byte]*big.Int),
	}
}

func cloneAmount(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

func (b *Bank) nativeBalance(addr [20]byte) *big.Int {
	bal, ok := b.native[addr]
	if !ok {
		bal = big.NewInt(0)
		b.native[addr] = bal
	}
	return bal
}

func (b *Bank) tokenBalance(token, addr [20]byte) *big.Int {
	holders, ok := b.tokens[token]
	if !ok {
		holders = make(map[[20]byte]*big.Int)
		b.tokens[token] = holders
	}
	bal, ok := holders[addr]
	if !ok {
		bal = big.NewInt(0)
		holders[addr] = bal
	}
	return bal
}

func (b *Bank) allowance(token, owner, spender [20]byte) *big.Int {
	owners, ok := b.allowances[token]
	if !ok {
		owners = make(map[[20]byte]map[[20]byte]*big.Int)
		b.allowances[token] = owners
	}
	spenders, ok := owners[owner]
	if !ok {
		spenders = make(map[[20]byte]*big.Int)
		owners[owner] = spenders
	}
	allowed, ok := spenders[spender]
	if !ok {
		allowed = big.NewInt(0)
		spenders[spender] = allowed
	}
	return allowed
}

// Mint credits native currency to the address. Used by service bootstrap and
// tests; there is no burn counterpart because settled value simply moves
// between accounts.
func (b *Bank) Mint(addr [20]byte, amount *big.Int) {
	amt := cloneAmount(amount)
	if amt.Sign() <= 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	bal := b.nativeBalance(addr)
	bal.Add(bal, amt)
}

// MintToken credits token units to the address.
func (b *Bank) MintToken(token, addr [20]byte, amount *big.Int) {
	amt := cloneAmount(amount)
	if amt.Sign() <= 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	bal := b.tokenBalance(token, addr)
	bal.Add(bal, amt)
}

// Approve grants the spender the right to pull up to amount of the owner's
// token balance. A fresh approval replaces any previous one.
func (b *Bank) Approve(token, owner, spender [20]byte, amount *big.Int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	allowed := b.allowance(token, owner, spender)
	allowed.Set(cloneAmount(amount))
}

// NativeBalance reports the native balance of the address.
func (b *Bank) NativeBalance(addr [20]byte) *big.Int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return new(big.Int).Set(b.nativeBalance(addr))
}

// TokenBalance reports the token balance of the address.
func (b *Bank) TokenBalance(token, addr [20]byte) *big.Int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return new(big.Int).Set(b.tokenBalance(token, addr))
}

// Transfer moves native currency between accounts. A zero amount is a no-op.
func (b *Bank) Transfer(from, to [20]byte, amount *big.Int) error {
	amt := cloneAmount(amount)
	if amt.Sign() == 0 {
		return nil
	}
	if amt.Sign() < 0 {
		return fmt.Errorf("bank: negative transfer amount")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	fromBal := b.nativeBalance(from)
	if fromBal.Cmp(amt) < 0 {
		return ErrInsufficientBalance
	}
	toBal := b.nativeBalance(to)
	fromBal.Sub(fromBal, amt)
	toBal.Add(toBal, amt)
	return nil
}

// TokenTransfer moves token units between accounts.
func (b *Bank) TokenTransfer(token, from, to [20]byte, amount *big.Int) error {
	amt := cloneAmount(amount)
	if amt.Sign() == 0 {
		return nil
	}
	if amt.Sign() < 0 {
		return fmt.Errorf("bank: negative transfer amount")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	fromBal := b.tokenBalance(token, from)
	if fromBal.Cmp(amt) < 0 {
		return ErrInsufficientBalance
	}
	toBal := b.tokenBalance(token, to)
	fromBal.Sub(fromBal, amt)
	toBal.Add(toBal, amt)
	return nil
}

// TokenTransferFrom pulls token units from the owner into the recipient using
// an allowance previously granted to the recipient. The allowance is consumed
// by the transferred amount.
func (b *Bank) TokenTransferFrom(token, from, to [20]byte, amount *big.Int) error {
	amt := cloneAmount(amount)
	if amt.Sign() == 0 {
		return nil
	}
	if amt.Sign() < 0 {
		return fmt.Errorf("bank: negative transfer amount")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	allowed := b.allowance(token, from, to)
	if allowed.Cmp(amt) < 0 {
		return ErrInsufficientAllowance
	}
	fromBal := b.tokenBalance(token, from)
	if fromBal.Cmp(amt) < 0 {
		return ErrInsufficientBalance
	}
	toBal := b.tokenBalance(token, to)
	allowed.Sub(allowed, amt)
	fromBal.Sub(fromBal, amt)
	toBal.Add(toBal, amt)
	return nil
}
