package governance

import (
	"math/big"
	"time"
)

// ProposalType distinguishes platform-change proposals from engagement
// disputes. The type determines the ballot option set and the finalization
// outcome mapping.
type ProposalType string

const (
	ProposalTypePlatform ProposalType = "platform"
	ProposalTypeDispute  ProposalType = "dispute"
)

// String implements fmt.Stringer for logging and event emission.
func (t ProposalType) String() string { return string(t) }

// Valid reports whether the type is a supported value.
func (t ProposalType) Valid() bool {
	switch t {
	case ProposalTypePlatform, ProposalTypeDispute:
		return true
	default:
		return false
	}
}

// ProposalStatus enumerates the proposal lifecycle. StatusResolved is
// terminal; proposals are never deleted, only soft-deactivated.
type ProposalStatus string

const (
	StatusVoting             ProposalStatus = "voting"
	StatusPassed             ProposalStatus = "passed"
	StatusRejected           ProposalStatus = "rejected"
	StatusAwaitingResolution ProposalStatus = "awaiting_resolution"
	StatusResolved           ProposalStatus = "resolved"
)

// VoteChoice enumerates the supported ballot selections across both proposal
// types.
type VoteChoice string

const (
	ChoiceApprove      VoteChoice = "approve"
	ChoiceReject       VoteChoice = "reject"
	ChoiceAbstain      VoteChoice = "abstain"
	ChoiceClientRefund VoteChoice = "client_refund"
	ChoiceTalentRefund VoteChoice = "talent_refund"
	ChoiceSplitFunds   VoteChoice = "split_funds"
)

// String implements fmt.Stringer for logging and event emission.
func (c VoteChoice) String() string { return string(c) }

// ChoicesFor returns the canonical ballot option list for the proposal type.
// The slice order doubles as the tie-break order during finalization: when
// several choices share the highest tally the earliest listed one wins.
func ChoicesFor(t ProposalType) []VoteChoice {
	switch t {
	case ProposalTypeDispute:
		return []VoteChoice{ChoiceClientRefund, ChoiceTalentRefund, ChoiceSplitFunds}
	default:
		return []VoteChoice{ChoiceApprove, ChoiceReject, ChoiceAbstain}
	}
}

// Vote describes a single participant's ballot. Each voter appears at most
// once per proposal; uniqueness is enforced at admission time.
type Vote struct {
	Voter   string     `json:"voter"`
	Choice  VoteChoice `json:"choice"`
	Reason  string     `json:"reason,omitempty"`
	VotedAt time.Time  `json:"votedAt"`
}

// VotingWindow captures the voting schedule and finalization bookkeeping.
type VotingWindow struct {
	StartsAt          time.Time  `json:"startsAt"`
	EndsAt            time.Time  `json:"endsAt"`
	MinActivityPoints uint64     `json:"minActivityPoints"`
	Quorum            uint64     `json:"quorum"`
	FinalDecision     VoteChoice `json:"finalDecision,omitempty"`
	FinalizedAt       time.Time  `json:"finalizedAt"`
	AutoFinalized     bool       `json:"autoFinalized"`
}

// Settlement is the mutual-agreement path to resolve a dispute without
// relying on the vote tally. Amounts are USD cents. Both approval flags must
// be true before resolution, and the setter of the amounts must be an
// independent DAO participant, never the disputing client or talent.
type Settlement struct {
	TalentAmountUSD    *big.Int  `json:"talentAmountUsd,omitempty"`
	ClientAmountUSD    *big.Int  `json:"clientAmountUsd,omitempty"`
	TalentApproved     bool      `json:"talentApproved"`
	ClientApproved     bool      `json:"clientApproved"`
	SettledByAgreement bool      `json:"settledByAgreement"`
	ProposedBy         string    `json:"proposedBy,omitempty"`
	ResolvedBy         string    `json:"resolvedBy,omitempty"`
	ResolvedAt         time.Time `json:"resolvedAt"`
}

// Approved reports whether both disputing parties accepted the settlement.
func (s *Settlement) Approved() bool {
	return s != nil && s.TalentApproved && s.ClientApproved
}

// DisputeContext links a dispute proposal to the engagement it contests.
type DisputeContext struct {
	EngagementID    string      `json:"engagementId"`
	ClientID        string      `json:"clientId"`
	TalentID        string      `json:"talentId"`
	ClientNarrative string      `json:"clientNarrative,omitempty"`
	TalentNarrative string      `json:"talentNarrative,omitempty"`
	Settlement      *Settlement `json:"settlement,omitempty"`
}

// Resolution records the terminal outcome reported back by the external
// payout executor.
type Resolution struct {
	Outcome    string    `json:"outcome"`
	DecidedAt  time.Time `json:"decidedAt"`
	ResolvedBy string    `json:"resolvedBy,omitempty"`
	ResolvedAt time.Time `json:"resolvedAt"`
	TxHash     string    `json:"txHash,omitempty"`
}

// Proposal is the governance aggregate: a platform-change or dispute item
// with its embedded votes, tallies, and (for disputes) settlement state. The
// aggregate is the unit of optimistic locking.
type Proposal struct {
	ID           string                `json:"id"`
	Title        string                `json:"title"`
	Description  string                `json:"description,omitempty"`
	Type         ProposalType          `json:"proposalType"`
	Category     string                `json:"category,omitempty"`
	Status       ProposalStatus        `json:"status"`
	Proposer     string                `json:"proposer"`
	Active       bool                  `json:"active"`
	Voting       VotingWindow          `json:"voting"`
	Votes        []Vote                `json:"votes,omitempty"`
	Tallies      map[VoteChoice]uint64 `json:"voteTallies,omitempty"`
	UniqueVoters uint64                `json:"uniqueVoters"`
	Dispute      *DisputeContext       `json:"disputeContext,omitempty"`
	Resolution   *Resolution           `json:"resolution,omitempty"`
	CreatedAt    time.Time             `json:"createdAt"`
	UpdatedAt    time.Time             `json:"updatedAt"`
	Version      uint64                `json:"-"`
}

// Clone returns a deep copy of the proposal so callers can safely mutate the
// copy without affecting the stored instance.
func (p *Proposal) Clone() *Proposal {
	if p == nil {
		return nil
	}
	clone := *p
	if len(p.Votes) > 0 {
		clone.Votes = append([]Vote(nil), p.Votes...)
	}
	if p.Tallies != nil {
		clone.Tallies = make(map[VoteChoice]uint64, len(p.Tallies))
		for choice, count := range p.Tallies {
			clone.Tallies[choice] = count
		}
	}
	if p.Dispute != nil {
		dispute := *p.Dispute
		if p.Dispute.Settlement != nil {
			settlement := *p.Dispute.Settlement
			if p.Dispute.Settlement.TalentAmountUSD != nil {
				settlement.TalentAmountUSD = new(big.Int).Set(p.Dispute.Settlement.TalentAmountUSD)
			}
			if p.Dispute.Settlement.ClientAmountUSD != nil {
				settlement.ClientAmountUSD = new(big.Int).Set(p.Dispute.Settlement.ClientAmountUSD)
			}
			dispute.Settlement = &settlement
		}
		clone.Dispute = &dispute
	}
	if p.Resolution != nil {
		res := *p.Resolution
		clone.Resolution = &res
	}
	return &clone
}

// HasVoted reports whether the voter already holds a ballot on the proposal.
func (p *Proposal) HasVoted(voter string) bool {
	if p == nil {
		return false
	}
	for _, vote := range p.Votes {
		if vote.Voter == voter {
			return true
		}
	}
	return false
}

// AllowsChoice reports whether the choice belongs to the proposal type's
// ballot option set.
func (p *Proposal) AllowsChoice(choice VoteChoice) bool {
	if p == nil {
		return false
	}
	for _, allowed := range ChoicesFor(p.Type) {
		if allowed == choice {
			return true
		}
	}
	return false
}

// RecomputeTallies rebuilds the per-choice counts and the unique voter count
// from the embedded ballots. Tallies therefore always equal the votes grouped
// by choice.
func (p *Proposal) RecomputeTallies() {
	if p == nil {
		return
	}
	tallies := make(map[VoteChoice]uint64, len(ChoicesFor(p.Type)))
	voters := make(map[string]struct{}, len(p.Votes))
	for _, vote := range p.Votes {
		tallies[vote.Choice]++
		voters[vote.Voter] = struct{}{}
	}
	p.Tallies = tallies
	p.UniqueVoters = uint64(len(voters))
}

// TotalVotes returns the total ballot count across all choices.
func (p *Proposal) TotalVotes() uint64 {
	if p == nil {
		return 0
	}
	var total uint64
	for _, count := range p.Tallies {
		total += count
	}
	return total
}

// ResolutionInstruction is the computed payout handed to the external
// executor: wallet addresses plus USD (cents) and crypto (smallest unit)
// amounts per side.
type ResolutionInstruction struct {
	ProposalID         string   `json:"proposalId"`
	EngagementID       string   `json:"engagementId"`
	Outcome            string   `json:"outcome"`
	ClientWallet       string   `json:"clientWallet"`
	TalentWallet       string   `json:"talentWallet"`
	ClientAmountUSD    *big.Int `json:"clientAmountUsd"`
	TalentAmountUSD    *big.Int `json:"talentAmountUsd"`
	ClientAmountCrypto *big.Int `json:"clientAmountCrypto"`
	TalentAmountCrypto *big.Int `json:"talentAmountCrypto"`
	FiatSymbol         string   `json:"fiatSymbol"`
	CryptoSymbol       string   `json:"cryptoSymbol"`
	RateSource         string   `json:"rateSource,omitempty"`
}
