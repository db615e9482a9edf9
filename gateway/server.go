package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"gigchain/core/state"
	"gigchain/native/escrow"
	"gigchain/native/governance"
	"gigchain/native/rates"
	"gigchain/observability/metrics"
	"gigchain/storage"
)

const maxRequestBody = 1 << 20

type principalKey struct{}

// EventsReader serves the append-only journal of emitted events.
type EventsReader interface {
	EventsSince(after int64, limit int) ([]storage.JournalEntry, error)
}

// Server exposes the escrow workflow and dispute governance engines over
// HTTP. All mutating routes require a Bearer token; the token subject is the
// acting participant for authorization checks inside the engines.
type Server struct {
	escrow      *escrow.Engine
	governance  *governance.Engine
	engagements EngagementSource
	auth        *Authenticator
	limiter     *clientLimiter
	journal     EventsReader
	log         *slog.Logger
}

// ServerOptions carries the optional collaborators for NewServer.
type ServerOptions struct {
	RequestsPerSecond float64
	Burst             int
	Journal           EventsReader
	Logger            *slog.Logger
}

// NewServer wires the HTTP layer around the two engines.
func NewServer(esc *escrow.Engine, gov *governance.Engine, engagements EngagementSource, auth *Authenticator, opts ServerOptions) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Server{
		escrow:      esc,
		governance:  gov,
		engagements: engagements,
		auth:        auth,
		limiter:     newClientLimiter(opts.RequestsPerSecond, opts.Burst),
		journal:     opts.Journal,
		log:         opts.Logger,
	}
}

// Router builds the chi route tree, including the unauthenticated health and
// metrics endpoints.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(s.observeRequests)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Use(s.rateLimit)

		r.Route("/v1/engagements/{id}", func(r chi.Router) {
			r.Get("/", s.handleLedgerGet)
			r.Post("/deposit", s.handleDeposit)
			r.Post("/work-start", s.handleWorkStart)
			r.Post("/completion", s.handleCompletion)
			r.Post("/disbursements", s.handleDisbursement)
			r.Post("/confirmation", s.handleConfirmation)
		})

		r.Get("/v1/events", s.handleEvents)

		r.Route("/v1/proposals", func(r chi.Router) {
			r.Post("/", s.handleProposalCreate)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleProposalGet)
				r.Delete("/", s.handleProposalDeactivate)
				r.Post("/votes", s.handleVote)
				r.Post("/finalize", s.handleFinalize)
				r.Put("/settlement", s.handleSettlementPropose)
				r.Post("/settlement/approve", s.handleSettlementApprove)
				r.Get("/resolution", s.handleResolutionGet)
				r.Post("/resolution", s.handleResolutionConfirm)
			})
		})
	})
	return r
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, err := s.auth.Authenticate(r)
		if err != nil {
			s.writeError(w, http.StatusUnauthorized, err)
			return
		}
		ctx := contextWithPrincipal(r.Context(), principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := principalFromContext(r.Context()).Subject
		if key == "" {
			if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
				key = host
			} else {
				key = r.RemoteAddr
			}
		}
		if !s.limiter.Allow(key) {
			s.writeError(w, http.StatusTooManyRequests, errors.New("rate limit exceeded"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) observeRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		metrics.Escrow().ObserveRequest(route, r.Method, strconv.Itoa(ww.Status()), time.Since(start).Seconds())
	})
}

// --- escrow handlers ---

type depositRequest struct {
	TxHash               string `json:"txHash"`
	FromAddress          string `json:"fromAddress"`
	AmountUSD            string `json:"amountUsd"`
	AmountCrypto         string `json:"amountCrypto"`
	CustomerWallet       string `json:"customerWallet,omitempty"`
	TalentWallet         string `json:"talentWallet,omitempty"`
	ExternalJobID        string `json:"externalJobId,omitempty"`
	ExternalEngagementID string `json:"externalEngagementId,omitempty"`
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	engagement, caller, ok := s.engagementCall(w, r)
	if !ok {
		return
	}
	var req depositRequest
	if !s.decode(w, r, &req) {
		return
	}
	amountUSD, err := parseAmount(req.AmountUSD)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("amountUsd: %w", err))
		return
	}
	amountCrypto, err := parseAmount(req.AmountCrypto)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("amountCrypto: %w", err))
		return
	}
	ledger, err := s.escrow.RecordDeposit(engagement, caller, escrow.DepositInput{
		TxHash:               req.TxHash,
		FromAddress:          req.FromAddress,
		AmountUSD:            amountUSD,
		AmountCrypto:         amountCrypto,
		CustomerWallet:       req.CustomerWallet,
		TalentWallet:         req.TalentWallet,
		ExternalJobID:        req.ExternalJobID,
		ExternalEngagementID: req.ExternalEngagementID,
	})
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	metrics.Escrow().ObserveStateTransition(ledger.State.String())
	s.writeJSON(w, http.StatusCreated, ledger)
}

type transitionRequest struct {
	TxHash      string `json:"txHash"`
	FromAddress string `json:"fromAddress"`
}

func (s *Server) handleWorkStart(w http.ResponseWriter, r *http.Request) {
	engagement, caller, ok := s.engagementCall(w, r)
	if !ok {
		return
	}
	var req transitionRequest
	if !s.decode(w, r, &req) {
		return
	}
	ledger, err := s.escrow.RecordWorkStarted(engagement, caller, req.TxHash, req.FromAddress)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	metrics.Escrow().ObserveStateTransition(ledger.State.String())
	s.writeJSON(w, http.StatusOK, ledger)
}

func (s *Server) handleCompletion(w http.ResponseWriter, r *http.Request) {
	engagement, caller, ok := s.engagementCall(w, r)
	if !ok {
		return
	}
	var req transitionRequest
	if !s.decode(w, r, &req) {
		return
	}
	ledger, err := s.escrow.RecordCompletion(engagement, caller, req.TxHash, req.FromAddress)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	metrics.Escrow().ObserveStateTransition(ledger.State.String())
	s.writeJSON(w, http.StatusOK, ledger)
}

type disbursementRequest struct {
	TxHash       string `json:"txHash"`
	FromAddress  string `json:"fromAddress"`
	AmountUSD    string `json:"amountUsd"`
	AmountCrypto string `json:"amountCrypto"`
}

func (s *Server) handleDisbursement(w http.ResponseWriter, r *http.Request) {
	engagement, caller, ok := s.engagementCall(w, r)
	if !ok {
		return
	}
	var req disbursementRequest
	if !s.decode(w, r, &req) {
		return
	}
	amountUSD, err := parseAmount(req.AmountUSD)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("amountUsd: %w", err))
		return
	}
	amountCrypto, err := parseAmount(req.AmountCrypto)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("amountCrypto: %w", err))
		return
	}
	ledger, err := s.escrow.RecordDisbursement(engagement, caller, req.TxHash, req.FromAddress, amountUSD, amountCrypto)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	metrics.Escrow().IncDisbursement()
	s.writeJSON(w, http.StatusOK, ledger)
}

type confirmationRequest struct {
	TxHash       string `json:"txHash"`
	FromAddress  string `json:"fromAddress"`
	AmountUSD    string `json:"amountUsd"`
	AmountCrypto string `json:"amountCrypto"`
	TalentWallet string `json:"talentWallet,omitempty"`
}

type confirmationResponse struct {
	Ledger       *escrow.Ledger `json:"ledger"`
	PayoutWallet string         `json:"payoutWallet"`
	AmountUSD    string         `json:"amountUsd"`
	AmountCrypto string         `json:"amountCrypto"`
	Replayed     bool           `json:"replayed"`
}

func (s *Server) handleConfirmation(w http.ResponseWriter, r *http.Request) {
	engagement, caller, ok := s.engagementCall(w, r)
	if !ok {
		return
	}
	var req confirmationRequest
	if !s.decode(w, r, &req) {
		return
	}
	amountUSD, err := parseOptionalAmount(req.AmountUSD)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("amountUsd: %w", err))
		return
	}
	amountCrypto, err := parseOptionalAmount(req.AmountCrypto)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("amountCrypto: %w", err))
		return
	}
	result, err := s.escrow.RecordConfirmation(engagement, caller, escrow.ConfirmationInput{
		TxHash:       req.TxHash,
		FromAddress:  req.FromAddress,
		AmountUSD:    amountUSD,
		AmountCrypto: amountCrypto,
		TalentWallet: req.TalentWallet,
	})
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	if !result.Replayed {
		metrics.Escrow().ObserveStateTransition(result.Ledger.State.String())
	}
	s.writeJSON(w, http.StatusOK, confirmationResponse{
		Ledger:       result.Ledger,
		PayoutWallet: result.PayoutWallet,
		AmountUSD:    amountString(result.AmountUSD),
		AmountCrypto: amountString(result.AmountCrypto),
		Replayed:     result.Replayed,
	})
}

func (s *Server) handleLedgerGet(w http.ResponseWriter, r *http.Request) {
	ledger, err := s.escrow.Ledger(chi.URLParam(r, "id"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, ledger)
}

// --- governance handlers ---

type proposalCreateRequest struct {
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Type        string          `json:"type"`
	Category    string          `json:"category,omitempty"`
	Dispute     *disputeRequest `json:"dispute,omitempty"`
}

type disputeRequest struct {
	EngagementID    string `json:"engagementId"`
	ClientNarrative string `json:"clientNarrative,omitempty"`
	TalentNarrative string `json:"talentNarrative,omitempty"`
}

func (s *Server) handleProposalCreate(w http.ResponseWriter, r *http.Request) {
	caller := principalFromContext(r.Context()).Subject
	var req proposalCreateRequest
	if !s.decode(w, r, &req) {
		return
	}
	input := governance.CreateProposalInput{
		Title:       req.Title,
		Description: req.Description,
		Type:        governance.ProposalType(req.Type),
		Category:    req.Category,
	}
	if req.Dispute != nil {
		input.Dispute = &governance.DisputeInput{
			EngagementID:    req.Dispute.EngagementID,
			ClientNarrative: req.Dispute.ClientNarrative,
			TalentNarrative: req.Dispute.TalentNarrative,
		}
	}
	proposal, err := s.governance.CreateProposal(caller, input)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, proposal)
}

func (s *Server) handleProposalGet(w http.ResponseWriter, r *http.Request) {
	proposal, err := s.governance.Proposal(chi.URLParam(r, "id"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, proposal)
}

type voteRequest struct {
	Choice string `json:"choice"`
	Reason string `json:"reason,omitempty"`
}

func (s *Server) handleVote(w http.ResponseWriter, r *http.Request) {
	caller := principalFromContext(r.Context()).Subject
	var req voteRequest
	if !s.decode(w, r, &req) {
		return
	}
	proposal, err := s.governance.AdmitVote(chi.URLParam(r, "id"), caller, governance.VoteChoice(req.Choice), req.Reason)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	metrics.Escrow().ObserveVote(req.Choice)
	s.writeJSON(w, http.StatusOK, proposal)
}

func (s *Server) handleFinalize(w http.ResponseWriter, r *http.Request) {
	proposal, err := s.governance.FinalizeIfExpired(chi.URLParam(r, "id"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	metrics.Escrow().ObserveProposalFinalized(string(proposal.Status))
	s.writeJSON(w, http.StatusOK, proposal)
}

type settlementRequest struct {
	TalentAmountUSD string `json:"talentAmountUsd"`
	ClientAmountUSD string `json:"clientAmountUsd"`
}

func (s *Server) handleSettlementPropose(w http.ResponseWriter, r *http.Request) {
	caller := principalFromContext(r.Context()).Subject
	var req settlementRequest
	if !s.decode(w, r, &req) {
		return
	}
	talentUSD, err := parseOptionalAmount(req.TalentAmountUSD)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("talentAmountUsd: %w", err))
		return
	}
	clientUSD, err := parseOptionalAmount(req.ClientAmountUSD)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("clientAmountUsd: %w", err))
		return
	}
	proposal, err := s.governance.ProposeSettlement(chi.URLParam(r, "id"), talentUSD, clientUSD, caller)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, proposal)
}

func (s *Server) handleSettlementApprove(w http.ResponseWriter, r *http.Request) {
	caller := principalFromContext(r.Context()).Subject
	proposal, err := s.governance.ApproveSettlement(chi.URLParam(r, "id"), caller)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, proposal)
}

// resolutionResponse renders payout instructions with decimal-string
// amounts so the external executor never round-trips them as floats.
type resolutionResponse struct {
	ProposalID         string `json:"proposalId"`
	EngagementID       string `json:"engagementId"`
	Outcome            string `json:"outcome"`
	ClientWallet       string `json:"clientWallet"`
	TalentWallet       string `json:"talentWallet"`
	ClientAmountUSD    string `json:"clientAmountUsd"`
	TalentAmountUSD    string `json:"talentAmountUsd"`
	ClientAmountCrypto string `json:"clientAmountCrypto"`
	TalentAmountCrypto string `json:"talentAmountCrypto"`
	FiatSymbol         string `json:"fiatSymbol"`
	CryptoSymbol       string `json:"cryptoSymbol"`
	RateSource         string `json:"rateSource,omitempty"`
}

func (s *Server) handleResolutionGet(w http.ResponseWriter, r *http.Request) {
	instruction, err := s.governance.ComputeResolution(chi.URLParam(r, "id"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resolutionResponse{
		ProposalID:         instruction.ProposalID,
		EngagementID:       instruction.EngagementID,
		Outcome:            instruction.Outcome,
		ClientWallet:       instruction.ClientWallet,
		TalentWallet:       instruction.TalentWallet,
		ClientAmountUSD:    amountString(instruction.ClientAmountUSD),
		TalentAmountUSD:    amountString(instruction.TalentAmountUSD),
		ClientAmountCrypto: amountString(instruction.ClientAmountCrypto),
		TalentAmountCrypto: amountString(instruction.TalentAmountCrypto),
		FiatSymbol:         instruction.FiatSymbol,
		CryptoSymbol:       instruction.CryptoSymbol,
		RateSource:         instruction.RateSource,
	})
}

type resolutionConfirmRequest struct {
	TxHash string `json:"txHash"`
}

func (s *Server) handleResolutionConfirm(w http.ResponseWriter, r *http.Request) {
	caller := principalFromContext(r.Context()).Subject
	var req resolutionConfirmRequest
	if !s.decode(w, r, &req) {
		return
	}
	proposal, err := s.governance.ConfirmResolution(chi.URLParam(r, "id"), req.TxHash, caller)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, proposal)
}

func (s *Server) handleProposalDeactivate(w http.ResponseWriter, r *http.Request) {
	caller := principalFromContext(r.Context()).Subject
	proposal, err := s.governance.Deactivate(chi.URLParam(r, "id"), caller)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, proposal)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		s.writeError(w, http.StatusNotFound, errors.New("event journal not configured"))
		return
	}
	var after int64
	if raw := r.URL.Query().Get("after"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 0 {
			s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid after cursor %q", raw))
			return
		}
		after = parsed
	}
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 || parsed > 1000 {
			s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", raw))
			return
		}
		limit = parsed
	}
	entries, err := s.journal.EventsSince(after, limit)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"events": entries})
}

// --- helpers ---

func (s *Server) engagementCall(w http.ResponseWriter, r *http.Request) (escrow.Engagement, string, bool) {
	id := chi.URLParam(r, "id")
	engagement, err := s.engagements.Engagement(id)
	if err != nil {
		s.writeError(w, http.StatusNotFound, err)
		return escrow.Engagement{}, "", false
	}
	return engagement, principalFromContext(r.Context()).Subject, true
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid JSON payload: %w", err))
		return false
	}
	return true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.Error("encode response", "err", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	if status <= 0 {
		status = http.StatusInternalServerError
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	msg := strings.ReplaceAll(err.Error(), "\"", "'")
	_, _ = w.Write([]byte(fmt.Sprintf(`{"error":"%s"}`, msg)))
}

// writeEngineError maps the engines' sentinel errors onto HTTP statuses.
func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, escrow.ErrLedgerNotFound),
		errors.Is(err, governance.ErrProposalNotFound),
		errors.Is(err, governance.ErrEngagementUnknown):
		s.writeError(w, http.StatusNotFound, err)
	case errors.Is(err, escrow.ErrNotAuthorized),
		errors.Is(err, governance.ErrNotAuthorized),
		errors.Is(err, governance.ErrNotEligible):
		s.writeError(w, http.StatusForbidden, err)
	case errors.Is(err, escrow.ErrInvalidState),
		errors.Is(err, escrow.ErrAlreadyDeposited),
		errors.Is(err, escrow.ErrDepositMissing),
		errors.Is(err, escrow.ErrWorkStartMissing),
		errors.Is(err, escrow.ErrCompletionMissing),
		errors.Is(err, escrow.ErrWalletMismatch),
		errors.Is(err, escrow.ErrDisbursementExceedsDeposit),
		errors.Is(err, escrow.ErrTxHashUsed),
		errors.Is(err, governance.ErrVotingClosed),
		errors.Is(err, governance.ErrAlreadyVoted),
		errors.Is(err, governance.ErrAlreadyResolved),
		errors.Is(err, governance.ErrInvalidState):
		s.writeError(w, http.StatusConflict, err)
	case errors.Is(err, escrow.ErrInvalidAmount),
		errors.Is(err, escrow.ErrInvalidWallet),
		errors.Is(err, escrow.ErrInvalidTxHash),
		errors.Is(err, governance.ErrInvalidAmount),
		errors.Is(err, governance.ErrInvalidChoice),
		errors.Is(err, governance.ErrNotDispute),
		errors.Is(err, governance.ErrSettlementMissing),
		errors.Is(err, governance.ErrInvalidInput):
		s.writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, governance.ErrWalletUnresolved):
		s.writeError(w, http.StatusUnprocessableEntity, err)
	case errors.Is(err, rates.ErrNoFreshQuote):
		s.writeError(w, http.StatusBadGateway, err)
	case errors.Is(err, state.ErrVersionConflict):
		metrics.Escrow().IncVersionConflict()
		s.writeError(w, http.StatusConflict, err)
	default:
		s.log.Error("request failed", "err", err)
		s.writeError(w, http.StatusInternalServerError, err)
	}
}

func parseAmount(raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, errors.New("amount required")
	}
	value, ok := new(big.Int).SetString(trimmed, 10)
	if !ok || value.Sign() < 0 {
		return nil, fmt.Errorf("invalid amount %q", raw)
	}
	return value, nil
}

// parseOptionalAmount treats an absent or blank field as nil, letting the
// engine apply its own defaulting for optional amounts.
func parseOptionalAmount(raw string) (*big.Int, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	return parseAmount(raw)
}

func amountString(value *big.Int) string {
	if value == nil {
		return "0"
	}
	return value.String()
}

func contextWithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFromContext(ctx context.Context) Principal {
	if p, ok := ctx.Value(principalKey{}).(Principal); ok {
		return p
	}
	return Principal{}
}

// clientLimiter applies a token-bucket limit per authenticated subject.
type clientLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      rate.Limit
	burst    int
}

func newClientLimiter(rps float64, burst int) *clientLimiter {
	if rps <= 0 {
		rps = 20
	}
	if burst <= 0 {
		burst = 40
	}
	return &clientLimiter{
		limiters: make(map[string]*rate.Limiter),
		rps:      rate.Limit(rps),
		burst:    burst,
	}
}

func (c *clientLimiter) Allow(key string) bool {
	c.mu.Lock()
	limiter, ok := c.limiters[key]
	if !ok {
		limiter = rate.NewLimiter(c.rps, c.burst)
		c.limiters[key] = limiter
	}
	c.mu.Unlock()
	return limiter.Allow()
}
