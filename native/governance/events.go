package governance

import (
	"strconv"

	"gigchain/core/events"
)

const (
	// EventTypeProposalCreated marks admission of a new proposal.
	EventTypeProposalCreated = "governance.proposal_created"
	// EventTypeVoteAdmitted marks a successfully recorded ballot.
	EventTypeVoteAdmitted = "governance.vote_admitted"
	// EventTypeProposalFinalized marks the close of a voting window.
	EventTypeProposalFinalized = "governance.proposal_finalized"
	// EventTypeSettlementProposed marks a new or replaced settlement offer.
	EventTypeSettlementProposed = "governance.settlement_proposed"
	// EventTypeSettlementApproved marks a disputing party's approval.
	EventTypeSettlementApproved = "governance.settlement_approved"
	// EventTypeProposalResolved marks the terminal resolution of a dispute.
	EventTypeProposalResolved = "governance.proposal_resolved"
	// EventTypeProposalDeactivated marks a soft deactivation.
	EventTypeProposalDeactivated = "governance.proposal_deactivated"
)

func baseAttributes(p *Proposal) map[string]string {
	attrs := map[string]string{
		"proposalId": p.ID,
		"type":       p.Type.String(),
		"status":     string(p.Status),
	}
	if p.Dispute != nil {
		attrs["engagementId"] = p.Dispute.EngagementID
	}
	return attrs
}

// NewProposalCreatedEvent reports a freshly admitted proposal.
func NewProposalCreatedEvent(p *Proposal) events.Event {
	attrs := baseAttributes(p)
	attrs["proposer"] = p.Proposer
	return events.Event{Type: EventTypeProposalCreated, Attributes: attrs}
}

// NewVoteAdmittedEvent reports a recorded ballot and the running tally.
func NewVoteAdmittedEvent(p *Proposal, voter string, choice VoteChoice) events.Event {
	attrs := baseAttributes(p)
	attrs["voter"] = voter
	attrs["choice"] = choice.String()
	attrs["totalVotes"] = strconv.FormatUint(p.TotalVotes(), 10)
	return events.Event{Type: EventTypeVoteAdmitted, Attributes: attrs}
}

// NewProposalFinalizedEvent reports the outcome of an expired voting window.
func NewProposalFinalizedEvent(p *Proposal) events.Event {
	attrs := baseAttributes(p)
	attrs["finalDecision"] = p.Voting.FinalDecision.String()
	attrs["totalVotes"] = strconv.FormatUint(p.TotalVotes(), 10)
	return events.Event{Type: EventTypeProposalFinalized, Attributes: attrs}
}

// NewSettlementProposedEvent reports a new settlement offer on a dispute.
func NewSettlementProposedEvent(p *Proposal) events.Event {
	attrs := baseAttributes(p)
	if p.Dispute != nil && p.Dispute.Settlement != nil {
		attrs["proposedBy"] = p.Dispute.Settlement.ProposedBy
	}
	return events.Event{Type: EventTypeSettlementProposed, Attributes: attrs}
}

// NewSettlementApprovedEvent reports a disputing party accepting the offer.
func NewSettlementApprovedEvent(p *Proposal, approver string) events.Event {
	attrs := baseAttributes(p)
	attrs["approver"] = approver
	if p.Dispute != nil {
		attrs["settled"] = strconv.FormatBool(p.Dispute.Settlement.Approved())
	}
	return events.Event{Type: EventTypeSettlementApproved, Attributes: attrs}
}

// NewProposalResolvedEvent reports the terminal payout confirmation.
func NewProposalResolvedEvent(p *Proposal) events.Event {
	attrs := baseAttributes(p)
	if p.Resolution != nil {
		attrs["outcome"] = p.Resolution.Outcome
		attrs["txHash"] = p.Resolution.TxHash
		attrs["resolvedBy"] = p.Resolution.ResolvedBy
	}
	return events.Event{Type: EventTypeProposalResolved, Attributes: attrs}
}

// NewProposalDeactivatedEvent reports a soft deactivation.
func NewProposalDeactivatedEvent(p *Proposal, actor string) events.Event {
	attrs := baseAttributes(p)
	attrs["actor"] = actor
	return events.Event{Type: EventTypeProposalDeactivated, Attributes: attrs}
}
