package governance

import "errors"

var (
	// ErrProposalNotFound marks a lookup for an unknown proposal id.
	ErrProposalNotFound = errors.New("governance: proposal not found")
	// ErrNotEligible marks a proposer or voter without enough standing.
	ErrNotEligible = errors.New("governance: participant not eligible")
	// ErrVotingClosed marks a ballot submitted outside the voting window.
	ErrVotingClosed = errors.New("governance: voting period closed")
	// ErrAlreadyVoted guards the one-ballot-per-voter invariant.
	ErrAlreadyVoted = errors.New("governance: voter already holds a ballot")
	// ErrInvalidChoice marks a ballot outside the proposal's option set.
	ErrInvalidChoice = errors.New("governance: choice not allowed for proposal type")
	// ErrNotDispute marks a dispute-only operation on a platform proposal.
	ErrNotDispute = errors.New("governance: proposal is not a dispute")
	// ErrNotAuthorized marks a settlement mutation by the wrong participant,
	// including the conflict-of-interest rule that the disputing parties may
	// not set their own amounts.
	ErrNotAuthorized = errors.New("governance: caller not authorized")
	// ErrSettlementMissing marks an approval before amounts were proposed.
	ErrSettlementMissing = errors.New("governance: no settlement proposed")
	// ErrInvalidState marks an operation in the wrong proposal status.
	ErrInvalidState = errors.New("governance: operation not allowed in current status")
	// ErrAlreadyResolved guards the terminal resolution record.
	ErrAlreadyResolved = errors.New("governance: proposal already resolved")
	// ErrInvalidAmount marks a negative or missing settlement amount.
	ErrInvalidAmount = errors.New("governance: invalid settlement amount")
	// ErrWalletUnresolved is returned when neither the ledger history nor the
	// profile directory can produce a payout address for one side.
	ErrWalletUnresolved = errors.New("governance: payout wallet unresolved")
	// ErrEngagementUnknown marks a dispute referencing an engagement without
	// an escrow ledger.
	ErrEngagementUnknown = errors.New("governance: engagement ledger not found")
	// ErrInvalidInput marks a malformed proposal or ballot payload.
	ErrInvalidInput = errors.New("governance: invalid input")
)
