package escrow

import (
	"encoding/hex"
	"math/big"
	"strconv"

	"arbipay/core/types"
)

const (
	EventTypeTransactionCreated = "escrow.transaction.created"
	EventTypePayment            = "escrow.payment"
	EventTypeHasToPayFee        = "escrow.fee_due"
	EventTypeDisputeCreated     = "escrow.dispute.created"
	EventTypeRuling             = "escrow.ruling"
	EventTypeEvidence           = "escrow.evidence"
	EventTypeMetaEvidence       = "escrow.meta_evidence"
)

// Party names used in fee-due and payment notifications.
const (
	PartySender   = "sender"
	PartyReceiver = "receiver"
)

// NewTransactionCreatedEvent returns the canonical payload emitted once a new
// transaction enters the registry.
func NewTransactionCreatedEvent(index int, tx *Transaction) *types.Event {
	attrs := indexAttrs(index)
	if tx != nil {
		attrs["sender"] = hex.EncodeToString(tx.Sender[:])
		attrs["receiver"] = hex.EncodeToString(tx.Receiver[:])
		attrs["amount"] = formatAmount(tx.Amount)
		if !tx.Currency.IsNative() {
			attrs["token"] = hex.EncodeToString(tx.Currency[:])
		}
	}
	return &types.Event{Type: EventTypeTransactionCreated, Attributes: attrs}
}

// NewPaymentEvent returns the payload emitted when escrowed value moves to a
// party through pay, reimburse or timeout execution.
func NewPaymentEvent(index int, amount *big.Int, party string) *types.Event {
	attrs := indexAttrs(index)
	attrs["amount"] = formatAmount(amount)
	attrs["party"] = party
	return &types.Event{Type: EventTypePayment, Attributes: attrs}
}

// NewHasToPayFeeEvent names the party that must deposit its arbitration fee
// to keep the dispute path alive.
func NewHasToPayFeeEvent(index int, party string) *types.Event {
	attrs := indexAttrs(index)
	attrs["party"] = party
	return &types.Event{Type: EventTypeHasToPayFee, Attributes: attrs}
}

// NewDisputeCreatedEvent records the dispute identifier the gateway assigned
// to the transaction.
func NewDisputeCreatedEvent(index int, disputeID uint64) *types.Event {
	attrs := indexAttrs(index)
	attrs["disputeId"] = strconv.FormatUint(disputeID, 10)
	return &types.Event{Type: EventTypeDisputeCreated, Attributes: attrs}
}

// NewRulingEvent records the ruling the gateway applied to the dispute.
func NewRulingEvent(index int, disputeID, ruling uint64) *types.Event {
	attrs := indexAttrs(index)
	attrs["disputeId"] = strconv.FormatUint(disputeID, 10)
	attrs["ruling"] = strconv.FormatUint(ruling, 10)
	return &types.Event{Type: EventTypeRuling, Attributes: attrs}
}

// NewEvidenceEvent carries an opaque evidence reference submitted by a party.
func NewEvidenceEvent(index int, submitter [20]byte, ref string) *types.Event {
	attrs := indexAttrs(index)
	attrs["submitter"] = hex.EncodeToString(submitter[:])
	attrs["evidence"] = ref
	return &types.Event{Type: EventTypeEvidence, Attributes: attrs}
}

// NewMetaEvidenceEvent carries the off-band documentation reference supplied
// at creation time.
func NewMetaEvidenceEvent(index int, ref string) *types.Event {
	attrs := indexAttrs(index)
	attrs["evidence"] = ref
	return &types.Event{Type: EventTypeMetaEvidence, Attributes: attrs}
}

func indexAttrs(index int) map[string]string {
	return map[string]string{"index": strconv.Itoa(index)}
}

func formatAmount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
