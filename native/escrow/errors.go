package escrow

import "errors"

var (
	// ErrNotAuthorized marks an operation attempted by the wrong role.
	ErrNotAuthorized = errors.New("escrow: caller not authorized for transition")
	// ErrInvalidState marks an operation attempted in the wrong workflow state.
	ErrInvalidState = errors.New("escrow: operation not allowed in current state")
	// ErrAlreadyDeposited guards the set-at-most-once deposit record.
	ErrAlreadyDeposited = errors.New("escrow: deposit already recorded")
	// ErrInvalidAmount marks a non-positive or missing amount.
	ErrInvalidAmount = errors.New("escrow: amount must be positive")
	// ErrDepositMissing marks a milestone attempted before the deposit exists.
	ErrDepositMissing = errors.New("escrow: deposit not recorded")
	// ErrWorkStartMissing marks a disbursement attempted before work started.
	ErrWorkStartMissing = errors.New("escrow: work start not recorded")
	// ErrCompletionMissing marks a confirmation attempted before completion.
	ErrCompletionMissing = errors.New("escrow: completion not recorded")
	// ErrWalletMismatch marks a wallet-continuity violation: the transaction
	// originates from a different wallet than the original deposit.
	ErrWalletMismatch = errors.New("escrow: wallet does not match deposit wallet")
	// ErrDisbursementExceedsDeposit guards the cumulative disbursement cap.
	ErrDisbursementExceedsDeposit = errors.New("escrow: cumulative disbursements exceed deposit")
	// ErrTxHashUsed marks a replayed transaction hash.
	ErrTxHashUsed = errors.New("escrow: transaction hash already recorded")
	// ErrLedgerNotFound marks an operation on an engagement without a ledger.
	ErrLedgerNotFound = errors.New("escrow: ledger not found")
	// ErrInvalidWallet marks a malformed or missing wallet address.
	ErrInvalidWallet = errors.New("escrow: invalid wallet address")
	// ErrInvalidTxHash marks a malformed or missing transaction hash.
	ErrInvalidTxHash = errors.New("escrow: invalid transaction hash")
)
