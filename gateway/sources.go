package gateway

import (
	"errors"
	"strings"
	"sync"

	"gigchain/native/escrow"
)

// ErrEngagementNotFound is returned when no engagement matches the id.
var ErrEngagementNotFound = errors.New("gateway: engagement not found")

// EngagementSource resolves engagement metadata for incoming requests.
type EngagementSource interface {
	Engagement(id string) (escrow.Engagement, error)
}

// StaticEngagements serves engagements from a fixed in-memory set, typically
// loaded from configuration for development deployments.
type StaticEngagements struct {
	mu   sync.RWMutex
	byID map[string]escrow.Engagement
}

// NewStaticEngagements builds a source from the given engagements. Entries
// with an empty id are skipped and an unset work kind defaults to none.
func NewStaticEngagements(list []escrow.Engagement) *StaticEngagements {
	byID := make(map[string]escrow.Engagement, len(list))
	for _, eng := range list {
		if strings.TrimSpace(eng.ID) == "" {
			continue
		}
		if eng.LinkedWorkKind == "" {
			eng.LinkedWorkKind = escrow.WorkKindNone
		}
		byID[eng.ID] = eng
	}
	return &StaticEngagements{byID: byID}
}

// Engagement implements EngagementSource.
func (s *StaticEngagements) Engagement(id string) (escrow.Engagement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	eng, ok := s.byID[id]
	if !ok {
		return escrow.Engagement{}, ErrEngagementNotFound
	}
	return eng, nil
}

// Put registers or replaces an engagement at runtime.
func (s *StaticEngagements) Put(eng escrow.Engagement) {
	if strings.TrimSpace(eng.ID) == "" {
		return
	}
	if eng.LinkedWorkKind == "" {
		eng.LinkedWorkKind = escrow.WorkKindNone
	}
	s.mu.Lock()
	s.byID[eng.ID] = eng
	s.mu.Unlock()
}

// StaticWallets resolves profile wallet addresses from configuration. It
// implements escrow.WalletDirectory; unknown users resolve to an empty
// address without error so callers can fall through to other sources.
type StaticWallets struct {
	byUser map[string]string
}

// NewStaticWallets builds a directory from the user-to-address map.
func NewStaticWallets(wallets map[string]string) *StaticWallets {
	byUser := make(map[string]string, len(wallets))
	for user, addr := range wallets {
		normalized, err := escrow.NormalizeWallet(addr)
		if err != nil {
			continue
		}
		byUser[user] = normalized
	}
	return &StaticWallets{byUser: byUser}
}

// WalletAddress implements escrow.WalletDirectory.
func (s *StaticWallets) WalletAddress(userID string) (string, error) {
	if s == nil {
		return "", nil
	}
	return s.byUser[userID], nil
}

// OpenEligibility grants proposal and voting rights to every authenticated
// participant. Deployments with a reputation service swap in an
// implementation backed by activity scores.
type OpenEligibility struct{}

// CanPropose implements governance.EligibilitySource.
func (OpenEligibility) CanPropose(string) (bool, error) { return true, nil }

// CanVote implements governance.EligibilitySource.
func (OpenEligibility) CanVote(string, uint64) (bool, error) { return true, nil }
