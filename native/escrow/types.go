package escrow

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	ethcommon "github.com/ethereum/go-ethereum/common"
)

// WorkKind identifies the marketplace item an engagement is linked to.
type WorkKind string

const (
	WorkKindNone WorkKind = "none"
	WorkKindJob  WorkKind = "job"
	WorkKindGig  WorkKind = "gig"
)

// Valid reports whether the kind is a supported value.
func (k WorkKind) Valid() bool {
	switch k {
	case WorkKindNone, WorkKindJob, WorkKindGig:
		return true
	default:
		return false
	}
}

// Engagement is the external client–talent relationship the ledger is scoped
// to. The engine treats it as read-only context supplied by the marketplace.
type Engagement struct {
	ID             string
	ClientID       string
	TalentID       string
	LinkedWorkID   string
	LinkedWorkKind WorkKind
}

// WorkflowState enumerates the escrow lifecycle stages. The state only ever
// advances; StateConfirmed is terminal.
type WorkflowState uint8

const (
	StateOffered WorkflowState = iota
	StateDeposit
	StateInProgress
	StateCompleted
	StateConfirmed
)

// Valid reports whether the state value is within the supported range.
func (s WorkflowState) Valid() bool {
	return s <= StateConfirmed
}

// String implements fmt.Stringer for logging and event emission.
func (s WorkflowState) String() string {
	switch s {
	case StateOffered:
		return "offered"
	case StateDeposit:
		return "deposit"
	case StateInProgress:
		return "in-progress"
	case StateCompleted:
		return "completed"
	case StateConfirmed:
		return "confirmed"
	default:
		return "unknown"
	}
}

// Identifiers captures the external ids recorded at deposit time. They are
// immutable afterwards: every later milestone must stay consistent with what
// was first recorded to avoid split-brain with external settlement systems.
type Identifiers struct {
	ExternalJobID        string `json:"externalJobId"`
	ExternalClientID     string `json:"externalClientId"`
	ExternalTalentID     string `json:"externalTalentId"`
	ExternalEngagementID string `json:"externalEngagementId"`
}

// DepositRecord anchors the initial escrow funding transaction.
type DepositRecord struct {
	TxHash       string   `json:"txHash"`
	AmountUSD    *big.Int `json:"amountUsd"`
	AmountCrypto *big.Int `json:"amountCrypto"`
	FromAddress  string   `json:"fromAddress"`
	ToAddress    string   `json:"toAddress,omitempty"`
	PerformedBy  string   `json:"performedBy"`
	OccurredAt   int64    `json:"occurredAt"`
}

// WorkStartedRecord anchors the talent's work-start acknowledgement.
type WorkStartedRecord struct {
	TxHash      string `json:"txHash"`
	FromAddress string `json:"fromAddress"`
	PerformedBy string `json:"performedBy"`
	OccurredAt  int64  `json:"occurredAt"`
}

// CompletionRecord anchors the talent's completion claim.
type CompletionRecord struct {
	TxHash      string `json:"txHash"`
	FromAddress string `json:"fromAddress"`
	PerformedBy string `json:"performedBy"`
	OccurredAt  int64  `json:"occurredAt"`
}

// ConfirmationRecord anchors the client's terminal confirmation. ToAddress is
// the resolved talent payout wallet.
type ConfirmationRecord struct {
	TxHash      string `json:"txHash"`
	FromAddress string `json:"fromAddress"`
	ToAddress   string `json:"toAddress,omitempty"`
	PerformedBy string `json:"performedBy"`
	OccurredAt  int64  `json:"occurredAt"`
}

// DisbursementRecord is a partial release performed while work is in
// progress.
type DisbursementRecord struct {
	TxHash       string   `json:"txHash"`
	AmountUSD    *big.Int `json:"amountUsd"`
	AmountCrypto *big.Int `json:"amountCrypto"`
	FromAddress  string   `json:"fromAddress"`
	ToAddress    string   `json:"toAddress"`
	PerformedBy  string   `json:"performedBy"`
	OccurredAt   int64    `json:"occurredAt"`
}

// Ledger is the per-engagement escrow aggregate. USD amounts are stored in
// cents, crypto amounts in the token's smallest unit. The aggregate is the
// unit of optimistic locking: Version is bumped by the store on every write.
type Ledger struct {
	EngagementID  string               `json:"engagementId"`
	Identifiers   Identifiers          `json:"identifiers"`
	State         WorkflowState        `json:"state"`
	Deposit       *DepositRecord       `json:"deposit,omitempty"`
	WorkStarted   *WorkStartedRecord   `json:"workStarted,omitempty"`
	Completion    *CompletionRecord    `json:"completion,omitempty"`
	Confirmation  *ConfirmationRecord  `json:"confirmation,omitempty"`
	Disbursements []DisbursementRecord `json:"disbursements,omitempty"`
	CreatedAt     int64                `json:"createdAt"`
	UpdatedAt     int64                `json:"updatedAt"`
	Version       uint64               `json:"-"`
}

// Clone returns a deep copy of the ledger so callers can safely mutate the
// copy without affecting the stored instance.
func (l *Ledger) Clone() *Ledger {
	if l == nil {
		return nil
	}
	clone := *l
	if l.Deposit != nil {
		dep := *l.Deposit
		dep.AmountUSD = cloneBigInt(l.Deposit.AmountUSD)
		dep.AmountCrypto = cloneBigInt(l.Deposit.AmountCrypto)
		clone.Deposit = &dep
	}
	if l.WorkStarted != nil {
		ws := *l.WorkStarted
		clone.WorkStarted = &ws
	}
	if l.Completion != nil {
		cp := *l.Completion
		clone.Completion = &cp
	}
	if l.Confirmation != nil {
		cf := *l.Confirmation
		clone.Confirmation = &cf
	}
	if len(l.Disbursements) > 0 {
		clone.Disbursements = make([]DisbursementRecord, len(l.Disbursements))
		for i, d := range l.Disbursements {
			copied := d
			copied.AmountUSD = cloneBigInt(d.AmountUSD)
			copied.AmountCrypto = cloneBigInt(d.AmountCrypto)
			clone.Disbursements[i] = copied
		}
	}
	return &clone
}

// DisbursedUSD returns the cumulative USD cents released through partial
// disbursements.
func (l *Ledger) DisbursedUSD() *big.Int {
	total := big.NewInt(0)
	if l == nil {
		return total
	}
	for _, d := range l.Disbursements {
		if d.AmountUSD != nil {
			total.Add(total, d.AmountUSD)
		}
	}
	return total
}

// DisbursedCrypto returns the cumulative crypto amount released through
// partial disbursements.
func (l *Ledger) DisbursedCrypto() *big.Int {
	total := big.NewInt(0)
	if l == nil {
		return total
	}
	for _, d := range l.Disbursements {
		if d.AmountCrypto != nil {
			total.Add(total, d.AmountCrypto)
		}
	}
	return total
}

// RemainingUSD returns deposit minus cumulative disbursements in USD cents.
// A ledger without a deposit has zero remaining funds.
func (l *Ledger) RemainingUSD() *big.Int {
	if l == nil || l.Deposit == nil || l.Deposit.AmountUSD == nil {
		return big.NewInt(0)
	}
	remaining := new(big.Int).Set(l.Deposit.AmountUSD)
	remaining.Sub(remaining, l.DisbursedUSD())
	if remaining.Sign() < 0 {
		return big.NewInt(0)
	}
	return remaining
}

// RemainingCrypto mirrors RemainingUSD for the crypto denomination.
func (l *Ledger) RemainingCrypto() *big.Int {
	if l == nil || l.Deposit == nil || l.Deposit.AmountCrypto == nil {
		return big.NewInt(0)
	}
	remaining := new(big.Int).Set(l.Deposit.AmountCrypto)
	remaining.Sub(remaining, l.DisbursedCrypto())
	if remaining.Sign() < 0 {
		return big.NewInt(0)
	}
	return remaining
}

// SanitizeLedger validates the supplied ledger against its structural
// invariants and returns a cloned instance. The function does not mutate the
// original value.
func SanitizeLedger(l *Ledger) (*Ledger, error) {
	if l == nil {
		return nil, fmt.Errorf("escrow: nil ledger")
	}
	if strings.TrimSpace(l.EngagementID) == "" {
		return nil, fmt.Errorf("escrow: ledger missing engagement id")
	}
	if !l.State.Valid() {
		return nil, fmt.Errorf("escrow: invalid workflow state: %d", l.State)
	}
	clone := l.Clone()
	if clone.Deposit != nil {
		if clone.Deposit.AmountUSD == nil || clone.Deposit.AmountUSD.Sign() <= 0 {
			return nil, fmt.Errorf("escrow: deposit amount must be positive")
		}
		if clone.DisbursedUSD().Cmp(clone.Deposit.AmountUSD) > 0 {
			return nil, fmt.Errorf("escrow: disbursements exceed deposit")
		}
	} else if len(clone.Disbursements) > 0 {
		return nil, fmt.Errorf("escrow: disbursements without deposit")
	}
	return clone, nil
}

// NormalizeWallet checks the supplied wallet address is a valid hex address
// and returns its EIP-55 checksummed form.
func NormalizeWallet(addr string) (string, error) {
	trimmed := strings.TrimSpace(addr)
	if trimmed == "" {
		return "", fmt.Errorf("%w: address required", ErrInvalidWallet)
	}
	if !ethcommon.IsHexAddress(trimmed) {
		return "", fmt.Errorf("%w: %q", ErrInvalidWallet, addr)
	}
	return ethcommon.HexToAddress(trimmed).Hex(), nil
}

// NormalizeTxHash validates an externally supplied transaction hash and
// returns its canonical lowercase 0x-prefixed form.
func NormalizeTxHash(hash string) (string, error) {
	trimmed := strings.TrimSpace(strings.ToLower(hash))
	if trimmed == "" {
		return "", fmt.Errorf("%w: hash required", ErrInvalidTxHash)
	}
	body := strings.TrimPrefix(trimmed, "0x")
	if len(body) != 64 {
		return "", fmt.Errorf("%w: %q", ErrInvalidTxHash, hash)
	}
	if _, err := hex.DecodeString(body); err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidTxHash, hash)
	}
	return "0x" + body, nil
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}
