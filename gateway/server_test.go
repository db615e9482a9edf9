package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"gigchain/native/escrow"
	"gigchain/native/governance"
	"gigchain/native/rates"
	"gigchain/storage"
)

const testSecret = "gateway-test-secret"

const (
	clientID = "client-1"
	talentID = "talent-1"
)

var (
	clientWallet = "0x1111111111111111111111111111111111111111"
	talentWallet = "0x2222222222222222222222222222222222222222"
)

type testEnv struct {
	server *httptest.Server
	store  *storage.Store
}

func newTestEnv(t *testing.T, opts ServerOptions) *testEnv {
	t.Helper()
	store, err := storage.Open(filepath.Join(t.TempDir(), "gateway.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	wallets := NewStaticWallets(map[string]string{
		clientID: clientWallet,
		talentID: talentWallet,
	})

	notifier := NewNotifier(nil, nil, NotifierOptions{Journal: store})

	esc := escrow.NewEngine()
	esc.SetState(store)
	esc.SetWallets(wallets)
	esc.SetEmitter(notifier)

	oracle := rates.NewManualOracle()
	require.NoError(t, oracle.SetDecimal("USD", "ETH", "2000", time.Now()))

	gov := governance.NewEngine()
	gov.SetState(store)
	gov.SetLedgers(store)
	gov.SetEligibility(OpenEligibility{})
	gov.SetWallets(wallets)
	gov.SetOracle(oracle)
	gov.SetEmitter(notifier)
	gov.SetPolicy(governance.Policy{})

	engagements := NewStaticEngagements([]escrow.Engagement{{
		ID:       "eng-1",
		ClientID: clientID,
		TalentID: talentID,
	}})

	opts.Journal = store
	srv := NewServer(esc, gov, engagements, NewAuthenticator(testSecret, "", ""), opts)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return &testEnv{server: ts, store: store}
}

func signToken(t *testing.T, subject string) string {
	t.Helper()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return token
}

func (env *testEnv) do(t *testing.T, method, path, subject string, body interface{}) *http.Response {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, env.server.URL+path, reader)
	require.NoError(t, err)
	if subject != "" {
		req.Header.Set("Authorization", "Bearer "+signToken(t, subject))
	}
	resp, err := env.server.Client().Do(req)
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, dst interface{}) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(dst))
}

func txHash(seed byte) string {
	return "0x" + strings.Repeat(fmt.Sprintf("%x", seed%16), 64)
}

func depositBody(seed byte) map[string]string {
	return map[string]string{
		"txHash":       txHash(seed),
		"fromAddress":  clientWallet,
		"amountUsd":    "10000",
		"amountCrypto": "50000000000000000",
	}
}

func TestHealthzUnauthenticated(t *testing.T) {
	env := newTestEnv(t, ServerOptions{})
	resp, err := http.Get(env.server.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMissingTokenRejected(t *testing.T) {
	env := newTestEnv(t, ServerOptions{})
	resp := env.do(t, http.MethodGet, "/v1/engagements/eng-1", "", nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestDepositCreatesLedger(t *testing.T) {
	env := newTestEnv(t, ServerOptions{})
	resp := env.do(t, http.MethodPost, "/v1/engagements/eng-1/deposit", clientID, depositBody(1))
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var ledger escrow.Ledger
	decodeBody(t, resp, &ledger)
	require.Equal(t, "eng-1", ledger.EngagementID)
	require.Equal(t, escrow.StateDeposit, ledger.State)
	require.NotNil(t, ledger.Deposit)
}

func TestDepositByTalentForbidden(t *testing.T) {
	env := newTestEnv(t, ServerOptions{})
	resp := env.do(t, http.MethodPost, "/v1/engagements/eng-1/deposit", talentID, depositBody(1))
	defer resp.Body.Close()
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestUnknownEngagementNotFound(t *testing.T) {
	env := newTestEnv(t, ServerOptions{})
	resp := env.do(t, http.MethodPost, "/v1/engagements/missing/deposit", clientID, depositBody(1))
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDepositRejectsBadAmount(t *testing.T) {
	env := newTestEnv(t, ServerOptions{})
	body := depositBody(1)
	body["amountUsd"] = "ten dollars"
	resp := env.do(t, http.MethodPost, "/v1/engagements/eng-1/deposit", clientID, body)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestWorkflowLifecycle(t *testing.T) {
	env := newTestEnv(t, ServerOptions{})

	resp := env.do(t, http.MethodPost, "/v1/engagements/eng-1/deposit", clientID, depositBody(1))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	resp = env.do(t, http.MethodPost, "/v1/engagements/eng-1/work-start", talentID, map[string]string{
		"txHash":      txHash(2),
		"fromAddress": talentWallet,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var ledger escrow.Ledger
	decodeBody(t, resp, &ledger)
	require.Equal(t, escrow.StateInProgress, ledger.State)

	resp = env.do(t, http.MethodPost, "/v1/engagements/eng-1/disbursements", clientID, map[string]string{
		"txHash":       txHash(4),
		"fromAddress":  clientWallet,
		"amountUsd":    "4000",
		"amountCrypto": "20000000000000000",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = env.do(t, http.MethodPost, "/v1/engagements/eng-1/completion", talentID, map[string]string{
		"txHash":      txHash(3),
		"fromAddress": talentWallet,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeBody(t, resp, &ledger)
	require.Equal(t, escrow.StateCompleted, ledger.State)

	resp = env.do(t, http.MethodPost, "/v1/engagements/eng-1/confirmation", clientID, map[string]string{
		"txHash":       txHash(5),
		"fromAddress":  clientWallet,
		"amountUsd":    "6000",
		"amountCrypto": "30000000000000000",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var confirmation confirmationResponse
	decodeBody(t, resp, &confirmation)
	require.Equal(t, escrow.StateConfirmed, confirmation.Ledger.State)
	require.Equal(t, talentWallet, confirmation.PayoutWallet)
	require.Equal(t, "6000", confirmation.AmountUSD)
	require.False(t, confirmation.Replayed)

	resp = env.do(t, http.MethodGet, "/v1/engagements/eng-1", clientID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeBody(t, resp, &ledger)
	require.Equal(t, escrow.StateConfirmed, ledger.State)
}

func TestDuplicateTxHashConflicts(t *testing.T) {
	env := newTestEnv(t, ServerOptions{})

	resp := env.do(t, http.MethodPost, "/v1/engagements/eng-1/deposit", clientID, depositBody(1))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	resp = env.do(t, http.MethodPost, "/v1/engagements/eng-1/work-start", talentID, map[string]string{
		"txHash":      txHash(1),
		"fromAddress": talentWallet,
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestDisbursementReplayConflicts(t *testing.T) {
	env := newTestEnv(t, ServerOptions{})

	resp := env.do(t, http.MethodPost, "/v1/engagements/eng-1/deposit", clientID, depositBody(1))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	resp = env.do(t, http.MethodPost, "/v1/engagements/eng-1/work-start", talentID, map[string]string{
		"txHash":      txHash(2),
		"fromAddress": talentWallet,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	body := map[string]string{
		"txHash":       txHash(4),
		"fromAddress":  clientWallet,
		"amountUsd":    "2000",
		"amountCrypto": "10000000000000000",
	}
	resp = env.do(t, http.MethodPost, "/v1/engagements/eng-1/disbursements", clientID, body)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = env.do(t, http.MethodPost, "/v1/engagements/eng-1/disbursements", clientID, body)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()

	resp = env.do(t, http.MethodGet, "/v1/engagements/eng-1", clientID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var ledger escrow.Ledger
	decodeBody(t, resp, &ledger)
	require.Len(t, ledger.Disbursements, 1)
	require.Equal(t, "2000", ledger.DisbursedUSD().String())
}

func TestConfirmationReplayWithoutAmounts(t *testing.T) {
	env := newTestEnv(t, ServerOptions{})

	resp := env.do(t, http.MethodPost, "/v1/engagements/eng-1/deposit", clientID, depositBody(1))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	resp = env.do(t, http.MethodPost, "/v1/engagements/eng-1/work-start", talentID, map[string]string{
		"txHash":      txHash(2),
		"fromAddress": talentWallet,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = env.do(t, http.MethodPost, "/v1/engagements/eng-1/completion", talentID, map[string]string{
		"txHash":      txHash(3),
		"fromAddress": talentWallet,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	confirmBody := map[string]string{
		"txHash":      txHash(5),
		"fromAddress": clientWallet,
	}
	resp = env.do(t, http.MethodPost, "/v1/engagements/eng-1/confirmation", clientID, confirmBody)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var confirmation confirmationResponse
	decodeBody(t, resp, &confirmation)
	require.False(t, confirmation.Replayed)
	require.Equal(t, "10000", confirmation.AmountUSD)

	resp = env.do(t, http.MethodPost, "/v1/engagements/eng-1/confirmation", clientID, confirmBody)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeBody(t, resp, &confirmation)
	require.True(t, confirmation.Replayed)
	require.Equal(t, "10000", confirmation.AmountUSD)
}

func TestSettlementAcceptsOneSidedAmount(t *testing.T) {
	env := newTestEnv(t, ServerOptions{})

	resp := env.do(t, http.MethodPost, "/v1/engagements/eng-1/deposit", clientID, depositBody(1))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	resp = env.do(t, http.MethodPost, "/v1/proposals/", clientID, map[string]interface{}{
		"title":       "Dispute over scope",
		"description": "Delivered half the milestones",
		"type":        "dispute",
		"dispute": map[string]string{
			"engagementId":    "eng-1",
			"clientNarrative": "scope shortfall",
		},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var proposal governance.Proposal
	decodeBody(t, resp, &proposal)

	resp = env.do(t, http.MethodPut, "/v1/proposals/"+proposal.ID+"/settlement", "mediator-1", map[string]string{
		"talentAmountUsd": "5000",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeBody(t, resp, &proposal)
	require.NotNil(t, proposal.Dispute)
	require.NotNil(t, proposal.Dispute.Settlement)
	require.Equal(t, "5000", proposal.Dispute.Settlement.TalentAmountUSD.String())
	require.Nil(t, proposal.Dispute.Settlement.ClientAmountUSD)
}

func TestDisputeProposalLifecycle(t *testing.T) {
	env := newTestEnv(t, ServerOptions{})

	resp := env.do(t, http.MethodPost, "/v1/engagements/eng-1/deposit", clientID, depositBody(1))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	resp = env.do(t, http.MethodPost, "/v1/proposals/", clientID, map[string]interface{}{
		"title":       "Dispute over deliverables",
		"description": "Work does not match the brief",
		"type":        "dispute",
		"dispute": map[string]string{
			"engagementId":    "eng-1",
			"clientNarrative": "missing milestones",
		},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var proposal governance.Proposal
	decodeBody(t, resp, &proposal)
	require.NotEmpty(t, proposal.ID)
	require.Equal(t, governance.StatusVoting, proposal.Status)

	base := "/v1/proposals/" + proposal.ID

	resp = env.do(t, http.MethodPost, base+"/votes", "voter-1", map[string]string{
		"choice": "talent_refund",
		"reason": "work delivered",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeBody(t, resp, &proposal)
	require.EqualValues(t, 1, proposal.TotalVotes())

	resp = env.do(t, http.MethodPut, base+"/settlement", "mediator-1", map[string]string{
		"talentAmountUsd": "7000",
		"clientAmountUsd": "2000",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = env.do(t, http.MethodPost, base+"/settlement/approve", clientID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = env.do(t, http.MethodPost, base+"/settlement/approve", talentID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeBody(t, resp, &proposal)
	require.Equal(t, governance.StatusAwaitingResolution, proposal.Status)

	resp = env.do(t, http.MethodGet, base+"/resolution", clientID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var instruction struct {
		Outcome         string `json:"outcome"`
		ClientAmountUSD string `json:"clientAmountUsd"`
		TalentAmountUSD string `json:"talentAmountUsd"`
		ClientWallet    string `json:"clientWallet"`
		TalentWallet    string `json:"talentWallet"`
	}
	decodeBody(t, resp, &instruction)
	require.Equal(t, "settled_by_agreement", instruction.Outcome)
	require.Equal(t, "2000", instruction.ClientAmountUSD)
	require.Equal(t, "7000", instruction.TalentAmountUSD)
	require.Equal(t, clientWallet, instruction.ClientWallet)
	require.Equal(t, talentWallet, instruction.TalentWallet)

	resp = env.do(t, http.MethodPost, base+"/resolution", "ops-1", map[string]string{
		"txHash": txHash(9),
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeBody(t, resp, &proposal)
	require.Equal(t, governance.StatusResolved, proposal.Status)

	resp = env.do(t, http.MethodPost, base+"/resolution", "ops-1", map[string]string{
		"txHash": txHash(9),
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestEventJournalAfterDeposit(t *testing.T) {
	env := newTestEnv(t, ServerOptions{})

	resp := env.do(t, http.MethodPost, "/v1/engagements/eng-1/deposit", clientID, depositBody(1))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	resp = env.do(t, http.MethodGet, "/v1/events?limit=10", clientID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var page struct {
		Events []struct {
			ID      int64             `json:"id"`
			Type    string            `json:"type"`
			Payload map[string]string `json:"payload"`
		} `json:"events"`
	}
	decodeBody(t, resp, &page)
	require.Len(t, page.Events, 1)
	require.Equal(t, escrow.EventTypeStateChanged, page.Events[0].Type)
	require.Equal(t, "eng-1", page.Events[0].Payload["engagementId"])
}

func TestProposalNotFound(t *testing.T) {
	env := newTestEnv(t, ServerOptions{})
	resp := env.do(t, http.MethodGet, "/v1/proposals/missing", clientID, nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRateLimitEnforced(t *testing.T) {
	env := newTestEnv(t, ServerOptions{RequestsPerSecond: 1, Burst: 1})

	resp := env.do(t, http.MethodGet, "/v1/proposals/missing", clientID, nil)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/v1/proposals/missing", clientID, nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}
