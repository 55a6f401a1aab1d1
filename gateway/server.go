// Package gateway exposes the escrow engine over HTTP. The engine's
// execution model is single-threaded and atomic per call; the server enforces
// it with one mutex around every engine invocation, so no two requests ever
// observe a half-updated record.
package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"arbipay/native/arbitration"
	"arbipay/native/escrow"
	"arbipay/native/routing"
	"arbipay/observability"
)

const maxRequestBody = 1 << 20

// Config wires the server's collaborators.
type Config struct {
	Engine     *escrow.Engine
	Router     *routing.Router
	Arbitrator *arbitration.Centralized
	Metrics    *observability.EscrowMetrics
	Logger     *slog.Logger
}

// Server handles the escrow HTTP API.
type Server struct {
	mu      sync.Mutex
	engine  *escrow.Engine
	router  *routing.Router
	arb     *arbitration.Centralized
	metrics *observability.EscrowMetrics
	logger  *slog.Logger
	nowFn   func() time.Time
}

// NewServer constructs the HTTP server front end.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Engine == nil {
		return nil, fmt.Errorf("gateway: engine required")
	}
	if cfg.Router == nil {
		return nil, fmt.Errorf("gateway: router required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		engine:  cfg.Engine,
		router:  cfg.Router,
		arb:     cfg.Arbitrator,
		metrics: cfg.Metrics,
		logger:  logger,
		nowFn:   time.Now,
	}, nil
}

// Handler returns the chi router serving the API.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(tracing)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/transactions", func(tr chi.Router) {
		tr.Post("/", s.handleCreate)
		tr.Get("/{index}", s.handleGet)
		tr.Post("/{index}/pay", s.handlePay)
		tr.Post("/{index}/reimburse", s.handleReimburse)
		tr.Post("/{index}/execute", s.handleExecute)
		tr.Post("/{index}/fee/sender", s.handleFeeSender)
		tr.Post("/{index}/fee/receiver", s.handleFeeReceiver)
		tr.Post("/{index}/timeout/sender", s.handleTimeoutSender)
		tr.Post("/{index}/timeout/receiver", s.handleTimeoutReceiver)
		tr.Post("/{index}/evidence", s.handleEvidence)
		tr.Post("/{index}/appeal", s.handleAppeal)
	})
	r.Get("/parties/{address}/transactions", s.handleListByParty)
	r.Post("/rulings", s.handleRuling)

	return r
}

func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get("X-Request-Id"))
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r)
	})
}

// tracing spans every request through the global tracer provider. Without a
// configured provider the spans are no-ops, so the middleware is always on.
func tracing(next http.Handler) http.Handler {
	return otelhttp.NewHandler(next, "arbipay.gateway",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
	)
}

// call serializes an engine invocation and records its metrics.
func (s *Server) call(operation string, fn func() error) error {
	start := s.nowFn()
	s.mu.Lock()
	err := fn()
	s.mu.Unlock()
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	if s.metrics != nil {
		s.metrics.ObserveOperation(operation, outcome, s.nowFn().Sub(start).Seconds())
	}
	return err
}

type createRequest struct {
	Sender       string `json:"sender"`
	Receiver     string `json:"receiver"`
	Token        string `json:"token,omitempty"`
	Gross        string `json:"gross"`
	Timeout      int64  `json:"timeoutSeconds,omitempty"`
	MetaEvidence string `json:"metaEvidence,omitempty"`
}

type amountRequest struct {
	Caller string `json:"caller"`
	Amount string `json:"amount"`
}

type evidenceRequest struct {
	Caller   string `json:"caller"`
	Evidence string `json:"evidence"`
}

type rulingRequest struct {
	Caller    string `json:"caller"`
	DisputeID uint64 `json:"disputeId"`
	Ruling    uint64 `json:"ruling"`
}

type feeWalletView struct {
	Wallet string `json:"wallet"`
	Amount string `json:"amount"`
}

type transactionView struct {
	Index           int           `json:"index"`
	Sender          string        `json:"sender"`
	Receiver        string        `json:"receiver"`
	Token           string        `json:"token,omitempty"`
	Amount          string        `json:"amount"`
	Status          string        `json:"status"`
	SenderFee       string        `json:"senderFee"`
	ReceiverFee     string        `json:"receiverFee"`
	DisputeID       uint64        `json:"disputeId,omitempty"`
	TimeoutPayment  int64         `json:"timeoutSeconds"`
	LastInteraction int64         `json:"lastInteraction"`
	AdminFee        feeWalletView `json:"adminFee"`
	BurnFee         feeWalletView `json:"burnFee"`
}

func newTransactionView(index int, tx *escrow.Transaction) transactionView {
	view := transactionView{
		Index:           index,
		Sender:          ethcommon.Address(tx.Sender).Hex(),
		Receiver:        ethcommon.Address(tx.Receiver).Hex(),
		Amount:          tx.Amount.String(),
		Status:          tx.Status.String(),
		SenderFee:       tx.SenderFee.String(),
		ReceiverFee:     tx.ReceiverFee.String(),
		DisputeID:       tx.DisputeID,
		TimeoutPayment:  tx.TimeoutPayment,
		LastInteraction: tx.LastInteraction,
		AdminFee: feeWalletView{
			Wallet: ethcommon.Address(tx.AdminFee.Wallet).Hex(),
			Amount: tx.AdminFee.Amount.String(),
		},
		BurnFee: feeWalletView{
			Wallet: ethcommon.Address(tx.BurnFee.Wallet).Hex(),
			Amount: tx.BurnFee.Amount.String(),
		},
	}
	if !tx.Currency.IsNative() {
		view.Token = ethcommon.Address(tx.Currency).Hex()
	}
	return view
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if !decodeBody(w, r, &req) {
		return
	}
	sender, err := parseAddress(req.Sender)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	receiver, err := parseAddress(req.Receiver)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	currency := escrow.Currency{}
	if strings.TrimSpace(req.Token) != "" {
		token, err := parseAddress(req.Token)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		currency = escrow.TokenCurrency(token)
	}
	gross, err := parseAmount(req.Gross)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var index int
	err = s.call("create", func() error {
		var routeErr error
		index, routeErr = s.router.Route(sender, receiver, currency, gross, req.Timeout, req.MetaEvidence)
		return routeErr
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	s.logger.Info("transaction created", "index", index)
	writeJSON(w, http.StatusCreated, map[string]int{"index": index})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	index, ok := parseIndex(w, r)
	if !ok {
		return
	}
	s.mu.Lock()
	tx, err := s.engine.Registry().Get(index)
	s.mu.Unlock()
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newTransactionView(index, tx))
}

func (s *Server) handleListByParty(w http.ResponseWriter, r *http.Request) {
	addr, err := parseAddress(chi.URLParam(r, "address"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	s.mu.Lock()
	indices := s.engine.Registry().ListByParty(addr)
	s.mu.Unlock()
	if indices == nil {
		indices = []int{}
	}
	writeJSON(w, http.StatusOK, map[string][]int{"indices": indices})
}

func (s *Server) handlePay(w http.ResponseWriter, r *http.Request) {
	s.handleSettlement(w, r, "pay", s.engine.Pay)
}

func (s *Server) handleReimburse(w http.ResponseWriter, r *http.Request) {
	s.handleSettlement(w, r, "reimburse", s.engine.Reimburse)
}

func (s *Server) handleSettlement(w http.ResponseWriter, r *http.Request, operation string, fn func(int, [20]byte, *big.Int) error) {
	index, ok := parseIndex(w, r)
	if !ok {
		return
	}
	var req amountRequest
	if !decodeBody(w, r, &req) {
		return
	}
	caller, err := parseAddress(req.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.call(operation, func() error { return fn(index, caller, amount) }); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	index, ok := parseIndex(w, r)
	if !ok {
		return
	}
	if err := s.call("execute", func() error { return s.engine.ExecuteTransaction(index) }); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleFeeSender(w http.ResponseWriter, r *http.Request) {
	s.handleFeeDeposit(w, r, "fee_sender", s.engine.PayArbitrationFeeBySender)
}

func (s *Server) handleFeeReceiver(w http.ResponseWriter, r *http.Request) {
	s.handleFeeDeposit(w, r, "fee_receiver", s.engine.PayArbitrationFeeByReceiver)
}

// handleFeeDeposit is handleSettlement plus dispute accounting: deposits are
// rejected once a dispute exists, so a successful deposit that lands the
// record in DisputeCreated is the one that raised it.
func (s *Server) handleFeeDeposit(w http.ResponseWriter, r *http.Request, operation string, fn func(int, [20]byte, *big.Int) error) {
	index, ok := parseIndex(w, r)
	if !ok {
		return
	}
	var req amountRequest
	if !decodeBody(w, r, &req) {
		return
	}
	caller, err := parseAddress(req.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var disputed bool
	err = s.call(operation, func() error {
		if err := fn(index, caller, amount); err != nil {
			return err
		}
		if tx, getErr := s.engine.Registry().Get(index); getErr == nil {
			disputed = tx.Status == escrow.StatusDisputeCreated
		}
		return nil
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if disputed {
		if s.metrics != nil {
			s.metrics.IncDispute()
		}
		s.logger.Info("dispute raised", "index", index)
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleTimeoutSender(w http.ResponseWriter, r *http.Request) {
	index, ok := parseIndex(w, r)
	if !ok {
		return
	}
	if err := s.call("timeout_sender", func() error { return s.engine.TimeOutBySender(index) }); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleTimeoutReceiver(w http.ResponseWriter, r *http.Request) {
	index, ok := parseIndex(w, r)
	if !ok {
		return
	}
	if err := s.call("timeout_receiver", func() error { return s.engine.TimeOutByReceiver(index) }); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleEvidence(w http.ResponseWriter, r *http.Request) {
	index, ok := parseIndex(w, r)
	if !ok {
		return
	}
	var req evidenceRequest
	if !decodeBody(w, r, &req) {
		return
	}
	caller, err := parseAddress(req.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.call("evidence", func() error { return s.engine.SubmitEvidence(index, caller, req.Evidence) }); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAppeal(w http.ResponseWriter, r *http.Request) {
	s.handleSettlement(w, r, "appeal", s.engine.Appeal)
}

func (s *Server) handleRuling(w http.ResponseWriter, r *http.Request) {
	if s.arb == nil {
		writeError(w, http.StatusNotImplemented, fmt.Errorf("gateway: no arbitrator configured"))
		return
	}
	var req rulingRequest
	if !decodeBody(w, r, &req) {
		return
	}
	caller, err := parseAddress(req.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	err = s.call("rule", func() error { return s.arb.RuleDispute(caller, req.DisputeID, req.Ruling) })
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if s.metrics != nil {
		s.metrics.IncRuling(fmt.Sprintf("%d", req.Ruling))
	}
	s.logger.Info("ruling applied", "disputeId", req.DisputeID, "ruling", req.Ruling)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func parseIndex(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := chi.URLParam(r, "index")
	index, err := strconv.Atoi(raw)
	if err != nil || index < 0 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("gateway: invalid index %q", raw))
		return 0, false
	}
	return index, true
}

func parseAddress(raw string) ([20]byte, error) {
	trimmed := strings.TrimSpace(raw)
	if !ethcommon.IsHexAddress(trimmed) {
		return [20]byte{}, fmt.Errorf("gateway: invalid address %q", raw)
	}
	return [20]byte(ethcommon.HexToAddress(trimmed)), nil
}

func parseAmount(raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("gateway: amount required")
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("gateway: invalid amount %q", raw)
	}
	return amount, nil
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("gateway: invalid request body: %w", err))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// writeEngineError maps the engine failure taxonomy onto HTTP statuses.
func writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, escrow.ErrNotFound), errors.Is(err, escrow.ErrUnknownDispute),
		errors.Is(err, arbitration.ErrUnknownDispute):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, escrow.ErrUnauthorized), errors.Is(err, arbitration.ErrNotOwner):
		writeError(w, http.StatusForbidden, err)
	case errors.Is(err, escrow.ErrWrongStatus), errors.Is(err, escrow.ErrTimeoutNotElapsed),
		errors.Is(err, escrow.ErrDisputeLinked), errors.Is(err, arbitration.ErrAlreadyRuled):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, escrow.ErrInsufficientFee), errors.Is(err, escrow.ErrTransferFailed),
		errors.Is(err, arbitration.ErrInsufficientPayment):
		writeError(w, http.StatusPaymentRequired, err)
	case errors.Is(err, escrow.ErrFundingMismatch), errors.Is(err, escrow.ErrInvalidInput),
		errors.Is(err, escrow.ErrInvalidRuling):
		writeError(w, http.StatusBadRequest, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}
