package escrow

import (
	"math/big"

	"gigchain/core/events"
)

const (
	// EventTypeStateChanged is emitted on every workflow transition and is
	// the contract consumed by the notification sink.
	EventTypeStateChanged = "escrow.state_changed"
	// EventTypeDisbursed is emitted for partial releases, which do not
	// change the workflow state.
	EventTypeDisbursed = "escrow.disbursed"
	// EventTypeWorkSyncFailed reports a best-effort linked-work sync
	// failure after a confirmation.
	EventTypeWorkSyncFailed = "escrow.worksync_failed"
)

func baseAttributes(l *Ledger) map[string]string {
	attrs := make(map[string]string)
	if l == nil {
		return attrs
	}
	attrs["engagementId"] = l.EngagementID
	attrs["state"] = l.State.String()
	if l.Identifiers.ExternalJobID != "" {
		attrs["jobId"] = l.Identifiers.ExternalJobID
	}
	return attrs
}

// NewDepositedEvent announces the deposit milestone.
func NewDepositedEvent(l *Ledger) events.Event {
	attrs := baseAttributes(l)
	if l != nil && l.Deposit != nil {
		attrs["txHash"] = l.Deposit.TxHash
		if l.Deposit.AmountUSD != nil {
			attrs["amountUsd"] = l.Deposit.AmountUSD.String()
		}
	}
	return events.Event{Type: EventTypeStateChanged, Attributes: attrs}
}

// NewWorkStartedEvent announces the work-start milestone.
func NewWorkStartedEvent(l *Ledger) events.Event {
	attrs := baseAttributes(l)
	if l != nil && l.WorkStarted != nil {
		attrs["txHash"] = l.WorkStarted.TxHash
	}
	return events.Event{Type: EventTypeStateChanged, Attributes: attrs}
}

// NewCompletedEvent announces the completion milestone.
func NewCompletedEvent(l *Ledger) events.Event {
	attrs := baseAttributes(l)
	if l != nil && l.Completion != nil {
		attrs["txHash"] = l.Completion.TxHash
	}
	return events.Event{Type: EventTypeStateChanged, Attributes: attrs}
}

// NewDisbursedEvent announces a partial release.
func NewDisbursedEvent(l *Ledger, amountUSD *big.Int) events.Event {
	attrs := baseAttributes(l)
	if amountUSD != nil {
		attrs["amountUsd"] = amountUSD.String()
	}
	if l != nil {
		attrs["disbursedUsd"] = l.DisbursedUSD().String()
	}
	return events.Event{Type: EventTypeDisbursed, Attributes: attrs}
}

// NewConfirmedEvent announces the terminal confirmation with the resolved
// payout destination.
func NewConfirmedEvent(l *Ledger, payoutWallet string, amountUSD *big.Int) events.Event {
	attrs := baseAttributes(l)
	if l != nil && l.Confirmation != nil {
		attrs["txHash"] = l.Confirmation.TxHash
	}
	if payoutWallet != "" {
		attrs["payoutWallet"] = payoutWallet
	}
	if amountUSD != nil {
		attrs["amountUsd"] = amountUSD.String()
	}
	return events.Event{Type: EventTypeStateChanged, Attributes: attrs}
}

// NewWorkSyncFailedEvent reports a failed linked-work completion sync.
func NewWorkSyncFailedEvent(engagementID string, err error) events.Event {
	attrs := map[string]string{"engagementId": engagementID}
	if err != nil {
		attrs["error"] = err.Error()
	}
	return events.Event{Type: EventTypeWorkSyncFailed, Attributes: attrs}
}
