package governance

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"

	"gigchain/core/events"
	"gigchain/core/state"
	"gigchain/native/escrow"
	"gigchain/native/rates"
)

var errStateNotConfigured = errors.New("governance: state not configured")

const casRetries = 3

type proposalState interface {
	ProposalGet(id string) (*Proposal, bool, error)
	ProposalPut(*Proposal) error
}

// LedgerSource exposes read access to escrow ledgers so dispute resolutions
// can be computed against the engagement's remaining balance.
type LedgerSource interface {
	LedgerGet(engagementID string) (*escrow.Ledger, bool, error)
}

// EligibilitySource answers whether a participant has enough standing to
// propose or vote. The marketplace's reputation service implements it.
type EligibilitySource interface {
	CanPropose(userID string) (bool, error)
	CanVote(userID string, minActivityPoints uint64) (bool, error)
}

// Policy captures the runtime knobs controlling proposal admission, voting
// windows, and dispute payouts.
type Policy struct {
	VotingPeriod         time.Duration
	Quorum               uint64
	MinActivityPoints    uint64
	SettlementPercentage uint64
	FiatSymbol           string
	CryptoSymbol         string
	CryptoDecimals       uint8
	MinPayoutUnit        *big.Int
}

// Normalize applies defaults to zero-valued policy fields.
func (p Policy) Normalize() Policy {
	cfg := p
	if cfg.VotingPeriod <= 0 {
		cfg.VotingPeriod = 72 * time.Hour
	}
	if cfg.SettlementPercentage == 0 || cfg.SettlementPercentage > 100 {
		cfg.SettlementPercentage = 90
	}
	if strings.TrimSpace(cfg.FiatSymbol) == "" {
		cfg.FiatSymbol = "USD"
	}
	if strings.TrimSpace(cfg.CryptoSymbol) == "" {
		cfg.CryptoSymbol = "ETH"
	}
	if cfg.CryptoDecimals == 0 {
		cfg.CryptoDecimals = 18
	}
	if cfg.MinPayoutUnit == nil {
		cfg.MinPayoutUnit = big.NewInt(0)
	}
	return cfg
}

// Engine admits votes, finalizes proposals on window expiry, and computes
// dispute resolutions against the escrow ledger. Finalization is lazy: every
// read or write path passes through finalizeIfExpired, so no background
// scheduler is required and callers never observe stale voting state.
type Engine struct {
	state       proposalState
	ledgers     LedgerSource
	eligibility EligibilitySource
	wallets     escrow.WalletDirectory
	oracle      rates.PriceOracle
	emitter     events.Emitter
	nowFn       func() time.Time
	policy      Policy
}

// NewEngine constructs a governance engine with default no-op dependencies.
func NewEngine() *Engine {
	return &Engine{
		emitter: events.NoopEmitter{},
		nowFn:   func() time.Time { return time.Now().UTC() },
		policy:  Policy{}.Normalize(),
	}
}

// SetState wires the engine to the proposal store.
func (e *Engine) SetState(state proposalState) { e.state = state }

// SetLedgers wires the engine to the escrow ledger reader.
func (e *Engine) SetLedgers(src LedgerSource) { e.ledgers = src }

// SetEligibility configures the external standing check.
func (e *Engine) SetEligibility(src EligibilitySource) { e.eligibility = src }

// SetWallets configures the profile wallet directory used as the payout
// address fallback.
func (e *Engine) SetWallets(dir escrow.WalletDirectory) { e.wallets = dir }

// SetOracle configures the USD→crypto rate source used when computing
// resolution instructions.
func (e *Engine) SetOracle(oracle rates.PriceOracle) { e.oracle = oracle }

// SetEmitter configures the event emitter used by the engine. Passing nil
// resets the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetNowFunc overrides the time source used to stamp and finalize proposals.
// Nil restores the default UTC clock.
func (e *Engine) SetNowFunc(now func() time.Time) {
	if now == nil {
		e.nowFn = func() time.Time { return time.Now().UTC() }
		return
	}
	e.nowFn = now
}

// SetPolicy updates the runtime policy governing admission and payouts.
func (e *Engine) SetPolicy(policy Policy) {
	if e == nil {
		return
	}
	e.policy = policy.Normalize()
}

func (e *Engine) emit(event events.Event) {
	if e == nil || e.emitter == nil {
		return
	}
	e.emitter.Emit(event)
}

func (e *Engine) now() time.Time {
	if e == nil || e.nowFn == nil {
		return time.Now().UTC()
	}
	return e.nowFn()
}

// DisputeInput links a new dispute proposal to its engagement.
type DisputeInput struct {
	EngagementID    string
	ClientNarrative string
	TalentNarrative string
}

// CreateProposalInput carries the caller-supplied proposal definition.
type CreateProposalInput struct {
	Title       string
	Description string
	Type        ProposalType
	Category    string
	Dispute     *DisputeInput
}

// CreateProposal admits a new proposal after checking the proposer's
// standing. Dispute proposals must reference an engagement with an escrow
// ledger; the disputing parties are captured from the ledger identifiers.
func (e *Engine) CreateProposal(proposer string, input CreateProposalInput) (*Proposal, error) {
	if e == nil || e.state == nil {
		return nil, errStateNotConfigured
	}
	if strings.TrimSpace(proposer) == "" {
		return nil, fmt.Errorf("%w: proposer required", ErrInvalidInput)
	}
	title := strings.TrimSpace(input.Title)
	if title == "" {
		return nil, fmt.Errorf("%w: title required", ErrInvalidInput)
	}
	if !input.Type.Valid() {
		return nil, fmt.Errorf("%w: unsupported proposal type %q", ErrInvalidInput, input.Type)
	}
	if e.eligibility != nil {
		ok, err := e.eligibility.CanPropose(proposer)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, ErrNotEligible
		}
	}

	now := e.now()
	proposal := &Proposal{
		ID:          uuid.NewString(),
		Title:       title,
		Description: strings.TrimSpace(input.Description),
		Type:        input.Type,
		Category:    strings.TrimSpace(input.Category),
		Status:      StatusVoting,
		Proposer:    proposer,
		Active:      true,
		Voting: VotingWindow{
			StartsAt:          now,
			EndsAt:            now.Add(e.policy.VotingPeriod),
			MinActivityPoints: e.policy.MinActivityPoints,
			Quorum:            e.policy.Quorum,
		},
		Tallies:   make(map[VoteChoice]uint64),
		CreatedAt: now,
		UpdatedAt: now,
	}

	if input.Type == ProposalTypeDispute {
		if input.Dispute == nil || strings.TrimSpace(input.Dispute.EngagementID) == "" {
			return nil, fmt.Errorf("%w: dispute requires an engagement reference", ErrInvalidInput)
		}
		if e.ledgers == nil {
			return nil, errStateNotConfigured
		}
		ledger, ok, err := e.ledgers.LedgerGet(input.Dispute.EngagementID)
		if err != nil {
			return nil, err
		}
		if !ok || ledger.Deposit == nil {
			return nil, ErrEngagementUnknown
		}
		proposal.Dispute = &DisputeContext{
			EngagementID:    input.Dispute.EngagementID,
			ClientID:        ledger.Identifiers.ExternalClientID,
			TalentID:        ledger.Identifiers.ExternalTalentID,
			ClientNarrative: strings.TrimSpace(input.Dispute.ClientNarrative),
			TalentNarrative: strings.TrimSpace(input.Dispute.TalentNarrative),
		}
	} else if input.Dispute != nil {
		return nil, fmt.Errorf("%w: platform proposal cannot carry a dispute context", ErrInvalidInput)
	}

	if err := e.state.ProposalPut(proposal); err != nil {
		return nil, err
	}
	e.emit(NewProposalCreatedEvent(proposal))
	return proposal.Clone(), nil
}

// Proposal returns a copy of the stored proposal, lazily finalizing it first
// when the voting window has expired. Every read path passes through here so
// callers never observe stale voting state.
func (e *Engine) Proposal(id string) (*Proposal, error) {
	if e == nil || e.state == nil {
		return nil, errStateNotConfigured
	}
	var result *Proposal
	err := e.mutate(id, func(p *Proposal) (bool, error) {
		changed := e.finalizeLocked(p)
		result = p.Clone()
		return changed, nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// AdmitVote appends the voter's ballot and recomputes the tallies. Votes are
// rejected outside the window, for duplicate voters, and for choices outside
// the proposal type's ballot option set.
func (e *Engine) AdmitVote(id, voter string, choice VoteChoice, reason string) (*Proposal, error) {
	if e == nil || e.state == nil {
		return nil, errStateNotConfigured
	}
	if strings.TrimSpace(voter) == "" {
		return nil, fmt.Errorf("%w: voter required", ErrInvalidInput)
	}

	var result *Proposal
	err := e.mutate(id, func(p *Proposal) (bool, error) {
		finalized := e.finalizeLocked(p)
		if p.Status != StatusVoting {
			if finalized {
				// Persist the lazy finalization even though the vote is
				// rejected, so the expiry is not recomputed on every call.
				if err := e.state.ProposalPut(p); err != nil {
					return false, err
				}
				e.emit(NewProposalFinalizedEvent(p))
			}
			return false, ErrVotingClosed
		}
		now := e.now()
		if now.After(p.Voting.EndsAt) {
			return false, ErrVotingClosed
		}
		if p.HasVoted(voter) {
			return false, ErrAlreadyVoted
		}
		if !p.AllowsChoice(choice) {
			return false, ErrInvalidChoice
		}
		if e.eligibility != nil {
			ok, err := e.eligibility.CanVote(voter, p.Voting.MinActivityPoints)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, ErrNotEligible
			}
		}
		p.Votes = append(p.Votes, Vote{
			Voter:   voter,
			Choice:  choice,
			Reason:  strings.TrimSpace(reason),
			VotedAt: now,
		})
		p.RecomputeTallies()
		p.UpdatedAt = now
		result = p.Clone()
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	e.emit(NewVoteAdmittedEvent(result, voter, choice))
	return result, nil
}

// FinalizeIfExpired closes the voting window when it has elapsed, tallies the
// ballots, and transitions the proposal. Calling it again after finalization
// is a no-op.
func (e *Engine) FinalizeIfExpired(id string) (*Proposal, error) {
	if e == nil || e.state == nil {
		return nil, errStateNotConfigured
	}
	var result *Proposal
	var finalized bool
	err := e.mutate(id, func(p *Proposal) (bool, error) {
		finalized = e.finalizeLocked(p)
		result = p.Clone()
		return finalized, nil
	})
	if err != nil {
		return nil, err
	}
	if finalized {
		e.emit(NewProposalFinalizedEvent(result))
	}
	return result, nil
}

// finalizeLocked applies the expiry algorithm in place and reports whether
// the proposal changed. The winning choice is the strictly highest tally;
// ties are broken by the canonical choice order of the proposal type, never
// by map iteration order. Zero votes yield no decision.
func (e *Engine) finalizeLocked(p *Proposal) bool {
	if p == nil || p.Voting.AutoFinalized {
		return false
	}
	now := e.now()
	if !now.After(p.Voting.EndsAt) {
		return false
	}
	p.RecomputeTallies()
	var winner VoteChoice
	var best uint64
	for _, choice := range ChoicesFor(p.Type) {
		if count := p.Tallies[choice]; count > best {
			best = count
			winner = choice
		}
	}
	if best > 0 {
		p.Voting.FinalDecision = winner
	}
	p.Voting.FinalizedAt = now
	p.Voting.AutoFinalized = true
	switch {
	case p.Type == ProposalTypeDispute:
		// A dispute must always reach resolution so the escrowed funds can
		// be released, even when the voting window drew no ballots.
		p.Status = StatusAwaitingResolution
	case best == 0:
		p.Status = StatusRejected
	case winner == ChoiceApprove:
		p.Status = StatusPassed
	default:
		p.Status = StatusRejected
	}
	p.UpdatedAt = now
	return true
}

// ProposeSettlement records mutually negotiable payout amounts on a dispute.
// The setter must be an independent DAO participant: the disputing client and
// talent cannot set their own figures. Amount changes reset prior approvals.
func (e *Engine) ProposeSettlement(id string, talentAmountUSD, clientAmountUSD *big.Int, setter string) (*Proposal, error) {
	if e == nil || e.state == nil {
		return nil, errStateNotConfigured
	}
	if talentAmountUSD == nil && clientAmountUSD == nil {
		return nil, ErrInvalidAmount
	}
	if (talentAmountUSD != nil && talentAmountUSD.Sign() < 0) || (clientAmountUSD != nil && clientAmountUSD.Sign() < 0) {
		return nil, ErrInvalidAmount
	}

	var result *Proposal
	err := e.mutate(id, func(p *Proposal) (bool, error) {
		e.finalizeLocked(p)
		if p.Type != ProposalTypeDispute || p.Dispute == nil {
			return false, ErrNotDispute
		}
		if p.Status == StatusResolved {
			return false, ErrAlreadyResolved
		}
		if p.Status != StatusVoting && p.Status != StatusAwaitingResolution {
			return false, ErrInvalidState
		}
		if setter == p.Dispute.ClientID || setter == p.Dispute.TalentID {
			return false, ErrNotAuthorized
		}
		now := e.now()
		p.Dispute.Settlement = &Settlement{
			TalentAmountUSD: cloneAmount(talentAmountUSD),
			ClientAmountUSD: cloneAmount(clientAmountUSD),
			ProposedBy:      setter,
		}
		p.UpdatedAt = now
		result = p.Clone()
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	e.emit(NewSettlementProposedEvent(result))
	return result, nil
}

// ApproveSettlement records the approval of whichever disputing party the
// approver is. Once both parties approved, the voting window is force-ended:
// the parties self-resolved and the tally no longer matters.
func (e *Engine) ApproveSettlement(id, approver string) (*Proposal, error) {
	if e == nil || e.state == nil {
		return nil, errStateNotConfigured
	}
	var result *Proposal
	err := e.mutate(id, func(p *Proposal) (bool, error) {
		e.finalizeLocked(p)
		if p.Type != ProposalTypeDispute || p.Dispute == nil {
			return false, ErrNotDispute
		}
		if p.Status == StatusResolved {
			return false, ErrAlreadyResolved
		}
		settlement := p.Dispute.Settlement
		if settlement == nil {
			return false, ErrSettlementMissing
		}
		switch approver {
		case p.Dispute.ClientID:
			settlement.ClientApproved = true
		case p.Dispute.TalentID:
			settlement.TalentApproved = true
		default:
			return false, ErrNotAuthorized
		}
		now := e.now()
		if settlement.Approved() {
			settlement.SettledByAgreement = true
			p.Voting.EndsAt = now
			p.Voting.FinalizedAt = now
			p.Voting.AutoFinalized = true
			p.Status = StatusAwaitingResolution
		}
		p.UpdatedAt = now
		result = p.Clone()
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	e.emit(NewSettlementApprovedEvent(result, approver))
	return result, nil
}

// ComputeResolution derives the payout instruction for a dispute awaiting
// resolution. A mutually approved settlement takes precedence over the vote
// outcome; otherwise the final decision splits the capped remaining balance.
func (e *Engine) ComputeResolution(id string) (*ResolutionInstruction, error) {
	if e == nil || e.state == nil {
		return nil, errStateNotConfigured
	}
	if e.ledgers == nil || e.oracle == nil {
		return nil, errStateNotConfigured
	}
	proposal, err := e.Proposal(id)
	if err != nil {
		return nil, err
	}
	if proposal.Type != ProposalTypeDispute || proposal.Dispute == nil {
		return nil, ErrNotDispute
	}
	if proposal.Status == StatusResolved {
		return nil, ErrAlreadyResolved
	}
	if proposal.Status != StatusAwaitingResolution {
		return nil, ErrInvalidState
	}

	ledger, ok, err := e.ledgers.LedgerGet(proposal.Dispute.EngagementID)
	if err != nil {
		return nil, err
	}
	if !ok || ledger.Deposit == nil {
		return nil, ErrEngagementUnknown
	}

	remaining := ledger.RemainingUSD()
	cap := new(big.Int).Mul(remaining, new(big.Int).SetUint64(e.policy.SettlementPercentage))
	cap.Div(cap, big.NewInt(100))

	clientUSD := big.NewInt(0)
	talentUSD := big.NewInt(0)
	settlement := proposal.Dispute.Settlement
	if settlement.Approved() {
		// Negotiated figures are used verbatim; the independent setter is
		// responsible for validating them against the cap.
		if settlement.ClientAmountUSD != nil {
			clientUSD = new(big.Int).Set(settlement.ClientAmountUSD)
		}
		if settlement.TalentAmountUSD != nil {
			talentUSD = new(big.Int).Set(settlement.TalentAmountUSD)
		}
	} else {
		switch proposal.Voting.FinalDecision {
		case ChoiceClientRefund:
			clientUSD = new(big.Int).Set(cap)
		case ChoiceTalentRefund:
			talentUSD = new(big.Int).Set(cap)
		default:
			// split_funds, or no decision at all. Odd cents go to the client.
			talentUSD = new(big.Int).Div(cap, big.NewInt(2))
			clientUSD = new(big.Int).Sub(cap, talentUSD)
		}
	}

	quote, err := e.oracle.GetRate(e.policy.FiatSymbol, e.policy.CryptoSymbol)
	if err != nil {
		return nil, fmt.Errorf("governance: rate lookup: %w", err)
	}
	clientCrypto, err := rates.ConvertUSDCents(clientUSD, quote.Rate, e.policy.CryptoDecimals, e.policy.MinPayoutUnit)
	if err != nil {
		return nil, err
	}
	talentCrypto, err := rates.ConvertUSDCents(talentUSD, quote.Rate, e.policy.CryptoDecimals, e.policy.MinPayoutUnit)
	if err != nil {
		return nil, err
	}

	clientWallet := e.resolveClientWallet(proposal.Dispute, ledger)
	talentWallet := e.resolveTalentWallet(proposal.Dispute, ledger)
	if clientWallet == "" || talentWallet == "" {
		return nil, ErrWalletUnresolved
	}

	return &ResolutionInstruction{
		ProposalID:         proposal.ID,
		EngagementID:       proposal.Dispute.EngagementID,
		Outcome:            resolutionOutcome(proposal),
		ClientWallet:       clientWallet,
		TalentWallet:       talentWallet,
		ClientAmountUSD:    clientUSD,
		TalentAmountUSD:    talentUSD,
		ClientAmountCrypto: clientCrypto,
		TalentAmountCrypto: talentCrypto,
		FiatSymbol:         e.policy.FiatSymbol,
		CryptoSymbol:       e.policy.CryptoSymbol,
		RateSource:         quote.Source,
	}, nil
}

// ConfirmResolution records the external executor's payout transaction and
// moves the dispute to its terminal status. A second call fails.
func (e *Engine) ConfirmResolution(id, txHash, resolvedBy string) (*Proposal, error) {
	if e == nil || e.state == nil {
		return nil, errStateNotConfigured
	}
	hash, err := escrow.NormalizeTxHash(txHash)
	if err != nil {
		return nil, err
	}
	var result *Proposal
	err = e.mutate(id, func(p *Proposal) (bool, error) {
		e.finalizeLocked(p)
		if p.Type != ProposalTypeDispute || p.Dispute == nil {
			return false, ErrNotDispute
		}
		if p.Status == StatusResolved {
			return false, ErrAlreadyResolved
		}
		if p.Status != StatusAwaitingResolution {
			return false, ErrInvalidState
		}
		now := e.now()
		p.Resolution = &Resolution{
			Outcome:    resolutionOutcome(p),
			DecidedAt:  p.Voting.FinalizedAt,
			ResolvedBy: resolvedBy,
			ResolvedAt: now,
			TxHash:     hash,
		}
		if settlement := p.Dispute.Settlement; settlement.Approved() {
			settlement.ResolvedBy = resolvedBy
			settlement.ResolvedAt = now
		}
		p.Status = StatusResolved
		p.UpdatedAt = now
		result = p.Clone()
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	e.emit(NewProposalResolvedEvent(result))
	return result, nil
}

// Deactivate soft-deactivates a proposal. Records are never deleted.
func (e *Engine) Deactivate(id, actor string) (*Proposal, error) {
	if e == nil || e.state == nil {
		return nil, errStateNotConfigured
	}
	var result *Proposal
	err := e.mutate(id, func(p *Proposal) (bool, error) {
		if !p.Active {
			result = p.Clone()
			return false, nil
		}
		p.Active = false
		p.UpdatedAt = e.now()
		result = p.Clone()
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	e.emit(NewProposalDeactivatedEvent(result, actor))
	return result, nil
}

func resolutionOutcome(p *Proposal) string {
	if p.Dispute != nil && p.Dispute.Settlement.Approved() {
		return "settled_by_agreement"
	}
	if p.Voting.FinalDecision != "" {
		return p.Voting.FinalDecision.String()
	}
	return ChoiceSplitFunds.String()
}

func (e *Engine) resolveClientWallet(d *DisputeContext, ledger *escrow.Ledger) string {
	if ledger.Deposit != nil && ledger.Deposit.FromAddress != "" {
		return ledger.Deposit.FromAddress
	}
	return e.profileWallet(d.ClientID)
}

// resolveTalentWallet prefers addresses the talent actually used on the
// ledger, in work-start, completion, deposit-destination order, before the
// profile directory.
func (e *Engine) resolveTalentWallet(d *DisputeContext, ledger *escrow.Ledger) string {
	if ledger.WorkStarted != nil && ledger.WorkStarted.FromAddress != "" {
		return ledger.WorkStarted.FromAddress
	}
	if ledger.Completion != nil && ledger.Completion.FromAddress != "" {
		return ledger.Completion.FromAddress
	}
	if ledger.Deposit != nil && ledger.Deposit.ToAddress != "" {
		return ledger.Deposit.ToAddress
	}
	return e.profileWallet(d.TalentID)
}

func (e *Engine) profileWallet(userID string) string {
	if e.wallets == nil {
		return ""
	}
	addr, err := e.wallets.WalletAddress(userID)
	if err != nil || addr == "" {
		return ""
	}
	normalized, err := escrow.NormalizeWallet(addr)
	if err != nil {
		return ""
	}
	return normalized
}

// mutate runs a load-modify-store cycle against the proposal aggregate with a
// bounded retry when a concurrent writer invalidates the loaded version. The
// callback reports whether the aggregate changed and must be written back.
func (e *Engine) mutate(id string, fn func(*Proposal) (bool, error)) error {
	for attempt := 0; ; attempt++ {
		proposal, ok, err := e.state.ProposalGet(id)
		if err != nil {
			return err
		}
		if !ok {
			return ErrProposalNotFound
		}
		changed, err := fn(proposal)
		if err != nil {
			return err
		}
		if !changed {
			return nil
		}
		if err := e.state.ProposalPut(proposal); err != nil {
			if errors.Is(err, state.ErrVersionConflict) && attempt < casRetries {
				continue
			}
			return err
		}
		return nil
	}
}

func cloneAmount(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}
