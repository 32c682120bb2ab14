package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"collateralx/native/lending"
	"collateralx/native/stable"
	"collateralx/observability"
	"collateralx/oracle"
	"collateralx/services/lendingd/config"
	"collateralx/services/lendingd/indexer"
)

const maxBodyBytes = 1 << 20

// LendingEngine is the ledger surface the HTTP API drives.
type LendingEngine interface {
	DepositCollateral(ctx context.Context, caller common.Address, amount *big.Int) error
	Borrow(ctx context.Context, caller common.Address, amount *big.Int) (int, error)
	Repay(ctx context.Context, caller common.Address, authorized *big.Int, indices []int) (*big.Int, error)
	WithdrawCollateral(ctx context.Context, caller common.Address, amount *big.Int) error
	Liquidate(ctx context.Context, liquidator, target common.Address) (*lending.LiquidationResult, error)
	Collateral(addr common.Address) (*big.Int, error)
	LoanStatus(addr common.Address) ([]lending.LoanStatus, error)
	Position(ctx context.Context, addr common.Address) (*lending.Position, error)
	Params() lending.Params
	ModuleAddress() common.Address
	StableAsset() common.Address
	PriceFeed() common.Address
}

// StableToken is the stable-asset ledger exposed for approvals and balances.
type StableToken interface {
	Metadata() stable.Metadata
	BalanceOf(addr common.Address) (*big.Int, error)
	Allowance(owner, spender common.Address) (*big.Int, error)
	Approve(owner, spender common.Address, amount *big.Int) error
	Faucet(to common.Address, amount *big.Int) error
}

// NativeBank is the collateral asset ledger.
type NativeBank interface {
	BalanceOf(addr common.Address) (*big.Int, error)
	Faucet(to common.Address, amount *big.Int) error
}

// EventStore answers indexed event queries.
type EventStore interface {
	Query(ctx context.Context, filter indexer.Filter) ([]indexer.EventRecord, error)
}

// Deps are the collaborators the server fronts.
type Deps struct {
	Engine  LendingEngine
	Stable  StableToken
	Native  NativeBank
	Events  EventStore
	Hub     *Hub
	Metrics *observability.LendingMetrics
	Logger  *slog.Logger
}

// Options configure authentication, throttling and optional routes.
type Options struct {
	Auth          config.AuthConfig
	JWTSecret     []byte
	RateLimit     config.RateLimitConfig
	FaucetEnabled bool
}

// Server is the lendingd HTTP API.
type Server struct {
	engine  LendingEngine
	stable  StableToken
	native  NativeBank
	events  EventStore
	hub     *Hub
	metrics *observability.LendingMetrics
	logger  *slog.Logger

	auth    *authenticator
	limiter *rateLimiter
	faucet  bool
}

// New validates deps and constructs the server.
func New(deps Deps, opts Options) (*Server, error) {
	if deps.Engine == nil || deps.Stable == nil || deps.Native == nil {
		return nil, fmt.Errorf("server: engine, stable token and native bank are required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Metrics == nil {
		deps.Metrics = observability.NewLendingMetrics("")
	}
	if deps.Hub == nil {
		deps.Hub = NewHub(0, deps.Logger)
	}
	deps.Hub.onChange = deps.Metrics.StreamClientConnected

	limiter := newRateLimiter(opts.RateLimit.RequestsPerMinute, opts.RateLimit.Burst)
	if limiter != nil {
		limiter.onThrottle = func() { deps.Metrics.RecordThrottle("rate_limit") }
	}
	return &Server{
		engine:  deps.Engine,
		stable:  deps.Stable,
		native:  deps.Native,
		events:  deps.Events,
		hub:     deps.Hub,
		metrics: deps.Metrics,
		logger:  deps.Logger,
		auth:    newAuthenticator(opts.Auth, opts.JWTSecret),
		limiter: limiter,
		faucet:  opts.FaucetEnabled,
	}, nil
}

// Handler returns the instrumented router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestID)
	r.Use(s.observe)
	r.Use(s.auth.identify)
	r.Use(s.limiter.middleware)
	r.Use(s.rejectInvalidCredentials)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", s.metrics.Handler())

	r.Route("/v1", func(v1 chi.Router) {
		v1.Get("/params", s.handleParams)
		v1.Get("/accounts/{address}", s.handleAccount)
		v1.Get("/accounts/{address}/loans", s.handleLoans)
		v1.Get("/events", s.handleEvents)
		v1.Handle("/events/stream", s.hub)

		v1.Group(func(w chi.Router) {
			w.Use(requireAuth)
			w.Post("/collateral/deposit", s.handleDeposit)
			w.Post("/collateral/withdraw", s.handleWithdraw)
			w.Post("/loans/borrow", s.handleBorrow)
			w.Post("/loans/repay", s.handleRepay)
			w.Post("/liquidations", s.handleLiquidate)
			w.Post("/stable/approve", s.handleApprove)
			w.Post("/faucet/native", s.handleNativeFaucet)
			w.Post("/faucet/stable", s.handleStableFaucet)
		})
	})
	return otelhttp.NewHandler(r, "lendingd")
}

type amountRequest struct {
	Account string `json:"account"`
	Amount  string `json:"amount"`
}

type repayRequest struct {
	Account     string `json:"account"`
	Amount      string `json:"amount"`
	LoanIndices []int  `json:"loanIndices"`
}

type liquidateRequest struct {
	Account    string `json:"account"`
	Liquidator string `json:"liquidator"`
}

type loanView struct {
	Index     int    `json:"index"`
	Principal string `json:"principal"`
	Interest  string `json:"interest"`
	Owed      string `json:"owed"`
	Timestamp uint64 `json:"timestamp"`
}

type positionView struct {
	CollateralValue string `json:"collateralValue"`
	TotalDebt       string `json:"totalDebt"`
	CoveragePercent string `json:"coveragePercent,omitempty"`
	Liquidatable    bool   `json:"liquidatable"`
	Price           string `json:"price"`
	PriceDisplay    string `json:"priceDisplay"`
}

type accountView struct {
	Address       string        `json:"address"`
	Collateral    string        `json:"collateral"`
	NativeBalance string        `json:"nativeBalance"`
	StableBalance string        `json:"stableBalance"`
	Allowance     string        `json:"allowance"`
	Position      *positionView `json:"position,omitempty"`
	PositionError string        `json:"positionError,omitempty"`
}

func (s *Server) handleParams(w http.ResponseWriter, r *http.Request) {
	params := s.engine.Params()
	writeJSON(w, http.StatusOK, map[string]any{
		"collateralRatio":  params.CollateralRatio,
		"liquidationRatio": params.LiquidationRatio,
		"interestRate":     params.InterestRate,
		"secondsPerYear":   lending.SecondsPerYear,
		"moduleAddress":    s.engine.ModuleAddress().Hex(),
		"stableAsset":      s.engine.StableAsset().Hex(),
		"priceFeed":        s.engine.PriceFeed().Hex(),
		"stable":           s.stable.Metadata(),
	})
}

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	addr, err := parseAddress(chi.URLParam(r, "address"))
	if err != nil {
		writeJSONError(w, toAPIError(err))
		return
	}
	view, err := s.accountView(r.Context(), addr)
	if err != nil {
		s.fail(w, "account", addr, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) accountView(ctx context.Context, addr common.Address) (*accountView, error) {
	collateral, err := s.engine.Collateral(addr)
	if err != nil {
		return nil, err
	}
	native, err := s.native.BalanceOf(addr)
	if err != nil {
		return nil, err
	}
	stableBalance, err := s.stable.BalanceOf(addr)
	if err != nil {
		return nil, err
	}
	allowance, err := s.stable.Allowance(addr, s.engine.ModuleAddress())
	if err != nil {
		return nil, err
	}
	view := &accountView{
		Address:       addr.Hex(),
		Collateral:    collateral.String(),
		NativeBalance: native.String(),
		StableBalance: stableBalance.String(),
		Allowance:     allowance.String(),
	}
	// Balances do not depend on the oracle; serve them without a position
	// while the price is unavailable.
	position, err := s.engine.Position(ctx, addr)
	if err != nil {
		s.logger.WarnContext(ctx, "position unavailable", "account", addr.Hex(), "error", err)
		view.PositionError = toAPIError(err).code
		return view, nil
	}
	view.Position = &positionView{
		CollateralValue: position.CollateralValue.String(),
		TotalDebt:       position.TotalDebt.String(),
		Liquidatable:    position.Liquidatable,
		Price:           position.Price.String(),
		PriceDisplay:    oracle.FormatUnits(position.Price, position.PriceDecimals),
	}
	if position.CoveragePercent != nil {
		view.Position.CoveragePercent = position.CoveragePercent.String()
	}
	return view, nil
}

func (s *Server) handleLoans(w http.ResponseWriter, r *http.Request) {
	addr, err := parseAddress(chi.URLParam(r, "address"))
	if err != nil {
		writeJSONError(w, toAPIError(err))
		return
	}
	statuses, err := s.engine.LoanStatus(addr)
	if err != nil {
		s.fail(w, "loans", addr, err)
		return
	}
	loans := make([]loanView, len(statuses))
	for i, status := range statuses {
		loans[i] = loanView{
			Index:     i,
			Principal: status.Principal.String(),
			Interest:  status.Interest.String(),
			Owed:      new(big.Int).Add(status.Principal, status.Interest).String(),
			Timestamp: status.Timestamp,
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"address": addr.Hex(), "loans": loans})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		writeJSONError(w, apiError{http.StatusServiceUnavailable, "unavailable", "event index disabled"})
		return
	}
	query := r.URL.Query()
	filter := indexer.Filter{Type: strings.TrimSpace(query.Get("type"))}
	if account := strings.TrimSpace(query.Get("account")); account != "" {
		addr, err := parseAddress(account)
		if err != nil {
			writeJSONError(w, toAPIError(err))
			return
		}
		filter.Account = addr.Hex()
	}
	if raw := strings.TrimSpace(query.Get("after")); raw != "" {
		after, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeJSONError(w, toAPIError(fmt.Errorf("%w: after must be a sequence number", errBadRequest)))
			return
		}
		filter.AfterSequence = after
	}
	if raw := strings.TrimSpace(query.Get("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeJSONError(w, toAPIError(fmt.Errorf("%w: limit must be a non-negative integer", errBadRequest)))
			return
		}
		filter.Limit = limit
	}
	records, err := s.events.Query(r.Context(), filter)
	if err != nil {
		s.fail(w, "events", common.Address{}, err)
		return
	}
	out := make([]map[string]any, 0, len(records))
	for _, record := range records {
		decoded, err := record.Decoded()
		if err != nil {
			s.fail(w, "events", common.Address{}, err)
			return
		}
		out = append(out, map[string]any{
			"sequence":   record.Sequence,
			"digest":     record.Digest,
			"type":       record.Type,
			"attributes": decoded.Attributes,
			"createdAt":  record.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": out})
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	var req amountRequest
	s.execute(w, r, "deposit", &req, func(ctx context.Context) (any, error) {
		caller, amount, err := resolveAmountRequest(ctx, req)
		if err != nil {
			return nil, err
		}
		if err := s.engine.DepositCollateral(ctx, caller, amount); err != nil {
			return nil, err
		}
		collateral, err := s.engine.Collateral(caller)
		if err != nil {
			return nil, err
		}
		return map[string]string{"account": caller.Hex(), "collateral": collateral.String()}, nil
	})
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	var req amountRequest
	s.execute(w, r, "withdraw", &req, func(ctx context.Context) (any, error) {
		caller, amount, err := resolveAmountRequest(ctx, req)
		if err != nil {
			return nil, err
		}
		if err := s.engine.WithdrawCollateral(ctx, caller, amount); err != nil {
			return nil, err
		}
		collateral, err := s.engine.Collateral(caller)
		if err != nil {
			return nil, err
		}
		return map[string]string{"account": caller.Hex(), "collateral": collateral.String()}, nil
	})
}

func (s *Server) handleBorrow(w http.ResponseWriter, r *http.Request) {
	var req amountRequest
	s.execute(w, r, "borrow", &req, func(ctx context.Context) (any, error) {
		caller, amount, err := resolveAmountRequest(ctx, req)
		if err != nil {
			return nil, err
		}
		index, err := s.engine.Borrow(ctx, caller, amount)
		if err != nil {
			return nil, err
		}
		return map[string]any{"account": caller.Hex(), "loanIndex": index, "amount": amount.String()}, nil
	})
}

func (s *Server) handleRepay(w http.ResponseWriter, r *http.Request) {
	var req repayRequest
	s.execute(w, r, "repay", &req, func(ctx context.Context) (any, error) {
		caller, err := actingAs(ctx, req.Account)
		if err != nil {
			return nil, err
		}
		authorized, err := parseAmount(req.Amount)
		if err != nil {
			return nil, err
		}
		repaid, err := s.engine.Repay(ctx, caller, authorized, req.LoanIndices)
		if err != nil {
			return nil, err
		}
		return map[string]string{"account": caller.Hex(), "repaid": repaid.String()}, nil
	})
}

func (s *Server) handleLiquidate(w http.ResponseWriter, r *http.Request) {
	var req liquidateRequest
	s.execute(w, r, "liquidate", &req, func(ctx context.Context) (any, error) {
		liquidator, err := actingAs(ctx, req.Liquidator)
		if err != nil {
			return nil, err
		}
		target, err := parseAddress(req.Account)
		if err != nil {
			return nil, err
		}
		result, err := s.engine.Liquidate(ctx, liquidator, target)
		if err != nil {
			return nil, err
		}
		return map[string]string{
			"account":          target.Hex(),
			"liquidator":       liquidator.Hex(),
			"collateralSeized": result.CollateralSeized.String(),
			"debtCleared":      result.DebtCleared.String(),
		}, nil
	})
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	var req amountRequest
	s.execute(w, r, "approve", &req, func(ctx context.Context) (any, error) {
		owner, amount, err := resolveAmountRequest(ctx, req)
		if err != nil {
			return nil, err
		}
		spender := s.engine.ModuleAddress()
		if err := s.stable.Approve(owner, spender, amount); err != nil {
			return nil, err
		}
		return map[string]string{"owner": owner.Hex(), "spender": spender.Hex(), "allowance": amount.String()}, nil
	})
}

func (s *Server) handleNativeFaucet(w http.ResponseWriter, r *http.Request) {
	var req amountRequest
	s.execute(w, r, "faucet_native", &req, func(ctx context.Context) (any, error) {
		if !s.faucet {
			return nil, errFaucetOff
		}
		to, amount, err := resolveAmountRequest(ctx, req)
		if err != nil {
			return nil, err
		}
		if err := s.native.Faucet(to, amount); err != nil {
			return nil, err
		}
		balance, err := s.native.BalanceOf(to)
		if err != nil {
			return nil, err
		}
		return map[string]string{"account": to.Hex(), "balance": balance.String()}, nil
	})
}

func (s *Server) handleStableFaucet(w http.ResponseWriter, r *http.Request) {
	var req amountRequest
	s.execute(w, r, "faucet_stable", &req, func(ctx context.Context) (any, error) {
		if !s.faucet {
			return nil, errFaucetOff
		}
		to, amount, err := resolveAmountRequest(ctx, req)
		if err != nil {
			return nil, err
		}
		if err := s.stable.Faucet(to, amount); err != nil {
			return nil, err
		}
		balance, err := s.stable.BalanceOf(to)
		if err != nil {
			return nil, err
		}
		return map[string]string{"account": to.Hex(), "balance": balance.String()}, nil
	})
}

// execute decodes the body into req, runs op and writes the outcome,
// recording metrics under operation.
func (s *Server) execute(w http.ResponseWriter, r *http.Request, operation string, req any, op func(ctx context.Context) (any, error)) {
	start := time.Now()
	result, err := func() (any, error) {
		if err := decodeJSON(w, r, req); err != nil {
			return nil, err
		}
		return op(r.Context())
	}()
	if err != nil {
		apiErr := toAPIError(err)
		s.metrics.ObserveOperation(operation, apiErr.code, time.Since(start))
		s.logFailure(r.Context(), operation, apiErr, err)
		writeJSONError(w, apiErr)
		return
	}
	s.metrics.ObserveOperation(operation, "", time.Since(start))
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) fail(w http.ResponseWriter, operation string, addr common.Address, err error) {
	apiErr := toAPIError(err)
	s.logFailure(context.Background(), operation, apiErr, err, "account", addr.Hex())
	writeJSONError(w, apiErr)
}

func (s *Server) logFailure(ctx context.Context, operation string, apiErr apiError, err error, args ...any) {
	args = append([]any{"operation", operation, "code", apiErr.code, "error", err}, args...)
	if apiErr.status >= http.StatusInternalServerError {
		s.logger.ErrorContext(ctx, "lending request failed", args...)
		return
	}
	s.logger.InfoContext(ctx, "lending request rejected", args...)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		return fmt.Errorf("%w: decode body: %v", errBadRequest, err)
	}
	return nil
}

func resolveAmountRequest(ctx context.Context, req amountRequest) (common.Address, *big.Int, error) {
	caller, err := actingAs(ctx, req.Account)
	if err != nil {
		return common.Address{}, nil, err
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		return common.Address{}, nil, err
	}
	return caller, amount, nil
}

func parseAddress(raw string) (common.Address, error) {
	trimmed := strings.TrimSpace(raw)
	if !common.IsHexAddress(trimmed) {
		return common.Address{}, fmt.Errorf("%w: invalid address %q", errBadRequest, raw)
	}
	return common.HexToAddress(trimmed), nil
}

// parseAmount reads a base-10 integer amount in base units.
func parseAmount(raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("%w: amount required", errBadRequest)
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("%w: invalid amount %q", errBadRequest, raw)
	}
	return amount, nil
}
