package escrow

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"gigchain/core/events"
	"gigchain/core/state"
)

var errNilState = errors.New("escrow engine: state not configured")

// casRetries bounds how often a mutation is replayed after losing an
// optimistic-version race against a concurrent writer.
const casRetries = 3

type engineState interface {
	LedgerGet(engagementID string) (*Ledger, bool, error)
	LedgerPut(*Ledger) error
	TxHashReserve(txHash, reference string) error
}

// WalletDirectory resolves a user's profile-registered wallet address. The
// marketplace's profile service implements it; a missing wallet is reported
// as an empty string without error.
type WalletDirectory interface {
	WalletAddress(userID string) (string, error)
}

// WorkSync notifies the marketplace that the linked work item finished so it
// can be marked complete and completion bonuses awarded. Failures are
// best-effort and never roll back the ledger.
type WorkSync interface {
	MarkCompleted(engagement Engagement) error
}

// Engine gates and records the escrow milestones for an engagement. Each
// operation validates the caller's role and the workflow preconditions before
// mutating the ledger aggregate.
type Engine struct {
	state    engineState
	wallets  WalletDirectory
	worksync WorkSync
	emitter  events.Emitter
	nowFn    func() int64
}

// NewEngine creates a workflow engine with a no-op emitter. Callers can
// override collaborators via the Set* methods.
func NewEngine() *Engine {
	return &Engine{
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetState configures the ledger store used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetWallets configures the profile wallet directory used as the last
// fallback when resolving payout addresses.
func (e *Engine) SetWallets(dir WalletDirectory) { e.wallets = dir }

// SetWorkSync configures the best-effort linked-work collaborator invoked
// after a confirmation.
func (e *Engine) SetWorkSync(sync WorkSync) { e.worksync = sync }

// SetEmitter configures the event emitter used by the engine. Passing nil
// resets the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetNowFunc overrides the time source used by the engine. Primarily intended
// for tests to provide deterministic timestamps.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

func (e *Engine) emit(event events.Event) {
	if e == nil || e.emitter == nil {
		return
	}
	e.emitter.Emit(event)
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

// Ledger returns a copy of the stored ledger for the engagement.
func (e *Engine) Ledger(engagementID string) (*Ledger, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	ledger, ok, err := e.state.LedgerGet(engagementID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrLedgerNotFound
	}
	return ledger.Clone(), nil
}

// DepositInput carries the externally verified evidence for the initial
// escrow funding. CustomerWallet, TalentWallet and the external id overrides
// are optional.
type DepositInput struct {
	TxHash               string
	FromAddress          string
	AmountUSD            *big.Int
	AmountCrypto         *big.Int
	CustomerWallet       string
	TalentWallet         string
	ExternalJobID        string
	ExternalEngagementID string
}

// RecordDeposit initialises the ledger for the engagement and advances the
// workflow to the deposit state. Only the client may deposit, exactly once.
func (e *Engine) RecordDeposit(engagement Engagement, caller string, input DepositInput) (*Ledger, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if caller != engagement.ClientID {
		return nil, ErrNotAuthorized
	}
	if input.AmountUSD == nil || input.AmountUSD.Sign() <= 0 || input.AmountCrypto == nil || input.AmountCrypto.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	txHash, err := NormalizeTxHash(input.TxHash)
	if err != nil {
		return nil, err
	}
	fromAddr, err := NormalizeWallet(input.FromAddress)
	if err != nil {
		return nil, err
	}
	if wallet := strings.TrimSpace(input.CustomerWallet); wallet != "" {
		normalized, err := NormalizeWallet(wallet)
		if err != nil {
			return nil, err
		}
		if normalized != fromAddr {
			return nil, ErrWalletMismatch
		}
	}
	talentWallet := ""
	if strings.TrimSpace(input.TalentWallet) != "" {
		talentWallet, err = NormalizeWallet(input.TalentWallet)
		if err != nil {
			return nil, err
		}
	}

	var stored *Ledger
	err = e.mutate(engagement.ID, true, func(ledger *Ledger) error {
		if ledger.Deposit != nil {
			return ErrAlreadyDeposited
		}
		if ledger.State != StateOffered {
			return ErrInvalidState
		}
		if err := e.state.TxHashReserve(txHash, depositRef(engagement.ID)); err != nil {
			return err
		}
		now := e.now()
		ledger.Identifiers = Identifiers{
			ExternalJobID:        defaultString(input.ExternalJobID, engagement.LinkedWorkID),
			ExternalClientID:     engagement.ClientID,
			ExternalTalentID:     engagement.TalentID,
			ExternalEngagementID: defaultString(input.ExternalEngagementID, engagement.ID),
		}
		ledger.Deposit = &DepositRecord{
			TxHash:       txHash,
			AmountUSD:    new(big.Int).Set(input.AmountUSD),
			AmountCrypto: new(big.Int).Set(input.AmountCrypto),
			FromAddress:  fromAddr,
			ToAddress:    talentWallet,
			PerformedBy:  caller,
			OccurredAt:   now,
		}
		ledger.State = StateDeposit
		ledger.UpdatedAt = now
		stored = ledger
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.emit(NewDepositedEvent(stored))
	return stored.Clone(), nil
}

// RecordWorkStarted marks the talent's work-start milestone and advances the
// workflow to in-progress. The deposit destination wallet is backfilled from
// the talent's transaction when it was not known at deposit time.
func (e *Engine) RecordWorkStarted(engagement Engagement, caller, txHash, fromAddress string) (*Ledger, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if caller != engagement.TalentID {
		return nil, ErrNotAuthorized
	}
	hash, err := NormalizeTxHash(txHash)
	if err != nil {
		return nil, err
	}
	fromAddr, err := NormalizeWallet(fromAddress)
	if err != nil {
		return nil, err
	}

	var stored *Ledger
	err = e.mutate(engagement.ID, false, func(ledger *Ledger) error {
		if ledger.Deposit == nil {
			return ErrDepositMissing
		}
		if ledger.State != StateDeposit {
			return ErrInvalidState
		}
		if err := e.state.TxHashReserve(hash, milestoneRef(engagement.ID, "work-start")); err != nil {
			return err
		}
		now := e.now()
		ledger.WorkStarted = &WorkStartedRecord{
			TxHash:      hash,
			FromAddress: fromAddr,
			PerformedBy: caller,
			OccurredAt:  now,
		}
		if ledger.Deposit.ToAddress == "" {
			ledger.Deposit.ToAddress = fromAddr
		}
		ledger.State = StateInProgress
		ledger.UpdatedAt = now
		stored = ledger
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.emit(NewWorkStartedEvent(stored))
	return stored.Clone(), nil
}

// RecordCompletion marks the talent's completion claim and advances the
// workflow to completed.
func (e *Engine) RecordCompletion(engagement Engagement, caller, txHash, fromAddress string) (*Ledger, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if caller != engagement.TalentID {
		return nil, ErrNotAuthorized
	}
	hash, err := NormalizeTxHash(txHash)
	if err != nil {
		return nil, err
	}
	fromAddr, err := NormalizeWallet(fromAddress)
	if err != nil {
		return nil, err
	}

	var stored *Ledger
	err = e.mutate(engagement.ID, false, func(ledger *Ledger) error {
		if ledger.Deposit == nil {
			return ErrDepositMissing
		}
		if ledger.State != StateInProgress {
			return ErrInvalidState
		}
		if err := e.state.TxHashReserve(hash, milestoneRef(engagement.ID, "completion")); err != nil {
			return err
		}
		now := e.now()
		ledger.Completion = &CompletionRecord{
			TxHash:      hash,
			FromAddress: fromAddr,
			PerformedBy: caller,
			OccurredAt:  now,
		}
		ledger.State = StateCompleted
		ledger.UpdatedAt = now
		stored = ledger
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.emit(NewCompletedEvent(stored))
	return stored.Clone(), nil
}

// RecordDisbursement appends a partial release while work is in progress. The
// release must originate from the deposit wallet and the cumulative released
// amount can never exceed the deposit. The workflow state is unchanged.
func (e *Engine) RecordDisbursement(engagement Engagement, caller, txHash, fromAddress string, amountUSD, amountCrypto *big.Int) (*Ledger, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if caller != engagement.ClientID {
		return nil, ErrNotAuthorized
	}
	if amountUSD == nil || amountUSD.Sign() <= 0 || amountCrypto == nil || amountCrypto.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	hash, err := NormalizeTxHash(txHash)
	if err != nil {
		return nil, err
	}
	fromAddr, err := NormalizeWallet(fromAddress)
	if err != nil {
		return nil, err
	}

	var stored *Ledger
	err = e.mutate(engagement.ID, false, func(ledger *Ledger) error {
		if ledger.Deposit == nil {
			return ErrDepositMissing
		}
		if ledger.WorkStarted == nil {
			return ErrWorkStartMissing
		}
		if ledger.State != StateInProgress {
			return ErrInvalidState
		}
		if fromAddr != ledger.Deposit.FromAddress {
			return ErrWalletMismatch
		}
		for _, record := range ledger.Disbursements {
			if record.TxHash == hash {
				return ErrTxHashUsed
			}
		}
		cumulative := ledger.DisbursedUSD()
		cumulative.Add(cumulative, amountUSD)
		if cumulative.Cmp(ledger.Deposit.AmountUSD) > 0 {
			return ErrDisbursementExceedsDeposit
		}
		// Disbursements repeat within an engagement, so each reservation is
		// keyed by the hash itself rather than a shared milestone name.
		if err := e.state.TxHashReserve(hash, milestoneRef(engagement.ID, "disbursement/"+hash)); err != nil {
			return err
		}
		now := e.now()
		ledger.Disbursements = append(ledger.Disbursements, DisbursementRecord{
			TxHash:       hash,
			AmountUSD:    new(big.Int).Set(amountUSD),
			AmountCrypto: new(big.Int).Set(amountCrypto),
			FromAddress:  fromAddr,
			ToAddress:    ledger.Deposit.ToAddress,
			PerformedBy:  caller,
			OccurredAt:   now,
		})
		ledger.UpdatedAt = now
		stored = ledger
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.emit(NewDisbursedEvent(stored, amountUSD))
	return stored.Clone(), nil
}

// ConfirmationInput carries the evidence for the client's terminal
// confirmation. Amount overrides and the talent wallet are optional.
type ConfirmationInput struct {
	TxHash       string
	FromAddress  string
	AmountUSD    *big.Int
	AmountCrypto *big.Int
	TalentWallet string
}

// ConfirmationResult reports the resolved payout destination and the amount
// owed to the talent after partial disbursements.
type ConfirmationResult struct {
	Ledger       *Ledger
	PayoutWallet string
	AmountUSD    *big.Int
	AmountCrypto *big.Int
	Replayed     bool
}

// RecordConfirmation records the client's confirmation and advances the
// workflow to its terminal state. A replay carrying the txHash of the stored
// confirmation returns the original result without mutation; this tolerates
// out-of-order delivery from the external chain watcher.
func (e *Engine) RecordConfirmation(engagement Engagement, caller string, input ConfirmationInput) (*ConfirmationResult, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if caller != engagement.ClientID {
		return nil, ErrNotAuthorized
	}
	hash, err := NormalizeTxHash(input.TxHash)
	if err != nil {
		return nil, err
	}
	fromAddr, err := NormalizeWallet(input.FromAddress)
	if err != nil {
		return nil, err
	}
	talentWallet := ""
	if strings.TrimSpace(input.TalentWallet) != "" {
		talentWallet, err = NormalizeWallet(input.TalentWallet)
		if err != nil {
			return nil, err
		}
	}

	var result *ConfirmationResult
	err = e.mutate(engagement.ID, false, func(ledger *Ledger) error {
		if ledger.Confirmation != nil {
			if ledger.Confirmation.TxHash == hash {
				result = e.confirmationResult(ledger, true)
				return errNoMutation
			}
			return ErrInvalidState
		}
		if ledger.Deposit == nil {
			return ErrDepositMissing
		}
		if ledger.Completion == nil {
			return ErrCompletionMissing
		}
		if ledger.State != StateCompleted {
			return ErrInvalidState
		}
		if fromAddr != ledger.Deposit.FromAddress {
			return ErrWalletMismatch
		}
		payout := e.resolvePayoutWallet(engagement, ledger, talentWallet)
		if err := e.state.TxHashReserve(hash, milestoneRef(engagement.ID, "confirmation")); err != nil {
			return err
		}
		now := e.now()
		ledger.Confirmation = &ConfirmationRecord{
			TxHash:      hash,
			FromAddress: fromAddr,
			ToAddress:   payout,
			PerformedBy: caller,
			OccurredAt:  now,
		}
		ledger.State = StateConfirmed
		ledger.UpdatedAt = now
		result = e.confirmationResult(ledger, false)
		if input.AmountUSD != nil && input.AmountUSD.Sign() > 0 {
			result.AmountUSD = new(big.Int).Set(input.AmountUSD)
		}
		if input.AmountCrypto != nil && input.AmountCrypto.Sign() > 0 {
			result.AmountCrypto = new(big.Int).Set(input.AmountCrypto)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !result.Replayed {
		e.emit(NewConfirmedEvent(result.Ledger, result.PayoutWallet, result.AmountUSD))
		if e.worksync != nil && engagement.LinkedWorkKind != WorkKindNone {
			// Linked-work sync is best-effort: a failure must never roll
			// back the confirmed ledger.
			if syncErr := e.worksync.MarkCompleted(engagement); syncErr != nil {
				e.emit(NewWorkSyncFailedEvent(engagement.ID, syncErr))
			}
		}
	}
	return result, nil
}

func (e *Engine) confirmationResult(ledger *Ledger, replayed bool) *ConfirmationResult {
	return &ConfirmationResult{
		Ledger:       ledger.Clone(),
		PayoutWallet: ledger.Confirmation.ToAddress,
		AmountUSD:    ledger.RemainingUSD(),
		AmountCrypto: ledger.RemainingCrypto(),
		Replayed:     replayed,
	}
}

// resolvePayoutWallet picks the talent payout address by priority: explicit
// parameter, deposit destination, completion source wallet, then the
// profile-registered wallet.
func (e *Engine) resolvePayoutWallet(engagement Engagement, ledger *Ledger, explicit string) string {
	if explicit != "" {
		return explicit
	}
	if ledger.Deposit != nil && ledger.Deposit.ToAddress != "" {
		return ledger.Deposit.ToAddress
	}
	if ledger.Completion != nil && ledger.Completion.FromAddress != "" {
		return ledger.Completion.FromAddress
	}
	if e.wallets != nil {
		if addr, err := e.wallets.WalletAddress(engagement.TalentID); err == nil && addr != "" {
			if normalized, err := NormalizeWallet(addr); err == nil {
				return normalized
			}
		}
	}
	return ""
}

// errNoMutation aborts a mutate cycle without persisting; used by the
// idempotent confirmation replay path.
var errNoMutation = errors.New("escrow: no mutation")

// mutate runs a load-modify-store cycle against the ledger aggregate with a
// bounded retry when a concurrent writer invalidates the loaded version.
func (e *Engine) mutate(engagementID string, createIfMissing bool, fn func(*Ledger) error) error {
	for attempt := 0; ; attempt++ {
		ledger, ok, err := e.state.LedgerGet(engagementID)
		if err != nil {
			return err
		}
		if !ok {
			if !createIfMissing {
				return ErrLedgerNotFound
			}
			ledger = &Ledger{
				EngagementID: engagementID,
				State:        StateOffered,
				CreatedAt:    e.now(),
			}
		}
		if err := fn(ledger); err != nil {
			if errors.Is(err, errNoMutation) {
				return nil
			}
			return err
		}
		if err := e.state.LedgerPut(ledger); err != nil {
			if errors.Is(err, state.ErrVersionConflict) && attempt < casRetries {
				continue
			}
			return err
		}
		return nil
	}
}

func depositRef(engagementID string) string {
	return fmt.Sprintf("engagement/%s/deposit", engagementID)
}

func milestoneRef(engagementID, milestone string) string {
	return fmt.Sprintf("engagement/%s/%s", engagementID, milestone)
}

func defaultString(value, fallback string) string {
	if trimmed := strings.TrimSpace(value); trimmed != "" {
		return trimmed
	}
	return fallback
}
