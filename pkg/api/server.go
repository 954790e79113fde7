package api

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/uhyunpark/perpcore/pkg/app/core/access"
	"github.com/uhyunpark/perpcore/pkg/app/core/asset"
	"github.com/uhyunpark/perpcore/pkg/app/core/market"
	"github.com/uhyunpark/perpcore/pkg/app/core/position"
	"github.com/uhyunpark/perpcore/pkg/app/core/vault"
	"github.com/uhyunpark/perpcore/pkg/app/perp"
	"github.com/uhyunpark/perpcore/pkg/crypto"
	"github.com/uhyunpark/perpcore/pkg/metrics"
	"github.com/uhyunpark/perpcore/pkg/util"
)

// CallerHeader carries the operator address for executor, liquidator and
// governance endpoints
const CallerHeader = "X-Caller"

const maxPageSize = 500

// Funds is the custody surface the API reads balances from; every balance
// change goes through the engine so it persists
type Funds interface {
	Balance(account, asset common.Address) vault.Balance
}

// PriceSetter accepts operator price updates
type PriceSetter interface {
	Set(feed string, value *big.Int, ts int64) error
}

// Deps are the collaborators of a Server; Metrics and Log may be nil
type Deps struct {
	Engine  *perp.Processor
	Markets *market.Registry
	Assets  *asset.Registry
	Funds   Funds
	Prices  PriceSetter // nil disables /admin/prices
	Gate    access.Gate // guards the funding and price endpoints, nil allows everyone
	Domain  crypto.EIP712Domain
	Hub     *Hub // nil creates one; pass the hub the engine publishes to
	Metrics *metrics.Metrics
	Clock   util.Clock
	Log     *zap.SugaredLogger
}

// Server handles REST API and WebSocket connections
type Server struct {
	engine  *perp.Processor
	markets *market.Registry
	assets  *asset.Registry
	funds   Funds
	prices  PriceSetter
	gate    access.Gate
	clock   util.Clock
	signer  *crypto.EIP712Signer
	nonces  *crypto.NonceTracker
	metrics *metrics.Metrics
	router  *mux.Router
	hub     *Hub // WebSocket hub
	log     *zap.SugaredLogger
}

// NewServer creates a new API server
func NewServer(d Deps) *Server {
	log := util.SugarOrNop(d.Log)
	hub := d.Hub
	if hub == nil {
		hub = NewHub(log)
	}
	gate := d.Gate
	if gate == nil {
		gate = access.AllowAll{}
	}
	clock := d.Clock
	if clock == nil {
		clock = util.RealClock{}
	}
	s := &Server{
		engine:  d.Engine,
		markets: d.Markets,
		assets:  d.Assets,
		funds:   d.Funds,
		prices:  d.Prices,
		gate:    gate,
		clock:   clock,
		signer:  crypto.NewEIP712Signer(d.Domain),
		nonces:  crypto.NewNonceTracker(),
		metrics: d.Metrics,
		router:  mux.NewRouter(),
		hub:     hub,
		log:     log,
	}

	s.setupRoutes()
	return s
}

// Hub is the event sink feeding websocket subscribers
func (s *Server) Hub() *Hub { return s.hub }

func (s *Server) setupRoutes() {
	// API v1 routes
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Market endpoints
	api.HandleFunc("/markets", s.handleGetMarkets).Methods("GET")
	api.HandleFunc("/markets/{market}", s.handleGetMarket).Methods("GET")
	api.HandleFunc("/markets/{market}/orders", s.handleGetMarketOrders).Methods("GET")
	api.HandleFunc("/markets/{market}/funding", s.handleGetFunding).Methods("GET")

	// Account endpoints
	api.HandleFunc("/positions/{user}", s.handleGetPositions).Methods("GET")
	api.HandleFunc("/accounts/{user}/orders", s.handleGetUserOrders).Methods("GET")
	api.HandleFunc("/accounts/{user}/balances", s.handleGetBalances).Methods("GET")

	// Orders
	api.HandleFunc("/orders", s.handleSubmitOrder).Methods("POST")
	api.HandleFunc("/orders/cancel", s.handleCancelOrder).Methods("POST")
	api.HandleFunc("/orders/{id:[0-9]+}", s.handleGetOrder).Methods("GET")
	api.HandleFunc("/orders/{id:[0-9]+}/execute", s.handleExecuteOrder).Methods("POST")

	// Operators
	api.HandleFunc("/positions/{user}/{market}/liquidate", s.handleLiquidate).Methods("POST")
	api.HandleFunc("/admin/pause", s.handlePause(true)).Methods("POST")
	api.HandleFunc("/admin/unpause", s.handlePause(false)).Methods("POST")
	api.HandleFunc("/admin/deposit", s.handleDeposit).Methods("POST")
	if s.prices != nil {
		api.HandleFunc("/admin/prices", s.handleSetPrice).Methods("POST")
	}

	// WebSocket endpoint
	s.router.HandleFunc("/ws", s.hub.ServeWS)

	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics.Handler()).Methods("GET")
	}

	// Health check
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Handler returns the router wrapped with CORS
func (s *Server) Handler(allowedOrigins []string) http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization", CallerHeader},
		AllowCredentials: true,
	})
	return c.Handler(s.router)
}

// Run serves on addr until ctx is cancelled
func (s *Server) Run(ctx context.Context, addr string, allowedOrigins []string) error {
	hubCtx, stopHub := context.WithCancel(ctx)
	defer stopHub()
	go s.hub.Run(hubCtx)

	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(allowedOrigins),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Infow("api_listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	}
}

// ==============================
// REST Handlers
// ==============================

func (s *Server) marketInfo(m market.Market) MarketInfo {
	long, short := s.engine.OpenInterest(m.Symbol)
	return MarketInfo{
		Symbol:        m.Symbol,
		Name:          m.Name,
		Category:      m.Category,
		Status:        m.Status().String(),
		MaxLeverage:   m.MaxLeverage,
		FeeBps:        m.FeeBps,
		LiqThreshold:  m.LiqThreshold,
		FundingFactor: m.FundingFactor,
		MinOrderAge:   m.MinOrderAge,
		PriceMaxAge:   m.PriceMaxAge,
		OpenLong:      long.String(),
		OpenShort:     short.String(),
	}
}

func (s *Server) handleGetMarkets(w http.ResponseWriter, r *http.Request) {
	markets := s.markets.List()

	response := make([]MarketInfo, len(markets))
	for i, m := range markets {
		response[i] = s.marketInfo(m)
	}

	respondJSON(w, response)
}

func (s *Server) handleGetMarket(w http.ResponseWriter, r *http.Request) {
	m, err := s.markets.Get(mux.Vars(r)["market"])
	if err != nil {
		respondError(w, http.StatusNotFound, "market not found", err.Error())
		return
	}
	respondJSON(w, s.marketInfo(m))
}

// handleGetMarketOrders pages resting orders: ?cursor=<last id seen>&limit=<n>
func (s *Server) handleGetMarketOrders(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["market"]
	if !s.markets.Exists(symbol) {
		respondError(w, http.StatusNotFound, "market not found", symbol)
		return
	}

	q := r.URL.Query()
	cursor, err := queryUint(q.Get("cursor"), 0)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid cursor", err.Error())
		return
	}
	limit, err := queryUint(q.Get("limit"), 100)
	if err != nil || limit == 0 {
		respondError(w, http.StatusBadRequest, "invalid limit", q.Get("limit"))
		return
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}

	orders, next := s.engine.ListRestingOrders(symbol, cursor, int(limit))
	respondJSON(w, OrderPage{Orders: orderInfos(orders), Next: next})
}

func (s *Server) handleGetFunding(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["market"]
	if !s.markets.Exists(symbol) {
		respondError(w, http.StatusNotFound, "market not found", symbol)
		return
	}
	st := s.engine.FundingState(symbol)
	respondJSON(w, FundingInfo{Market: symbol, Index: util.Big(st.Index).String(), LastUpdate: st.Updated})
}

func (s *Server) handleGetPositions(w http.ResponseWriter, r *http.Request) {
	user, ok := pathAddress(w, r, "user")
	if !ok {
		return
	}

	positions := s.engine.UserPositions(user)
	response := make([]PositionInfo, 0, len(positions))
	for _, p := range positions {
		response = append(response, positionInfo(p))
	}
	respondJSON(w, response)
}

func (s *Server) handleGetUserOrders(w http.ResponseWriter, r *http.Request) {
	user, ok := pathAddress(w, r, "user")
	if !ok {
		return
	}
	respondJSON(w, orderInfos(s.engine.UserOrders(user)))
}

func (s *Server) handleGetBalances(w http.ResponseWriter, r *http.Request) {
	user, ok := pathAddress(w, r, "user")
	if !ok {
		return
	}

	assets := s.assets.List()
	response := make([]BalanceInfo, 0, len(assets))
	for _, a := range assets {
		b := s.funds.Balance(user, a.Address)
		response = append(response, BalanceInfo{
			Asset:    a.Address.Hex(),
			Symbol:   a.Symbol,
			Free:     util.Big(b.Free).String(),
			Escrowed: util.Big(b.Escrowed).String(),
		})
	}
	respondJSON(w, response)
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	o, err := s.engine.GetOrder(id)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, orderInfo(o))
}

func (s *Server) handleSubmitOrder(w http.ResponseWriter, r *http.Request) {
	var req SubmitOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	typed, err := req.Order.Typed()
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid order", err.Error())
		return
	}
	sig, err := parseSignature(req.Signature)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid signature", err.Error())
		return
	}
	value, err := parseAmount("value", req.Value)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid value", err.Error())
		return
	}

	if err := s.signer.VerifyOrder(typed, sig); err != nil {
		respondError(w, http.StatusUnauthorized, "bad signature", err.Error())
		return
	}
	if err := s.nonces.Use(typed.Owner, typed.Nonce); err != nil {
		respondError(w, http.StatusConflict, "nonce rejected", err.Error())
		return
	}

	// the owner's free native balance stands in for value sent with a transaction
	o, takeProfit, stopLoss := toOrder(typed)
	res, err := s.engine.SubmitFromBalance(r.Context(), o, takeProfit, stopLoss, value)
	if err != nil {
		respondEngineError(w, err)
		return
	}

	s.log.Infow("api_order_submitted",
		"id", res.OrderID,
		"owner", typed.Owner.Hex(),
		"market", typed.Market,
		"nonce", typed.Nonce.String(),
	)

	response := SubmitOrderResponse{
		Status:       "resting",
		OrderID:      res.OrderID,
		TakeProfitID: res.TakeProfitID,
		StopLossID:   res.StopLossID,
		Fee:          util.Big(res.Fee).String(),
		Escrowed:     util.Big(res.Escrowed).String(),
		Refund:       util.Big(res.Refund).String(),
	}
	if res.Execution != nil {
		response.Status = "executed"
		response.Execution = executionInfo(*res.Execution)
	}
	respondJSON(w, response)
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	var req CancelOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	owner, err := parseAddress("owner", req.Owner)
	if err != nil || owner == (common.Address{}) {
		respondError(w, http.StatusBadRequest, "invalid owner", req.Owner)
		return
	}
	sig, err := parseSignature(req.Signature)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid signature", err.Error())
		return
	}

	c := &crypto.CancelEIP712{
		OrderID: new(big.Int).SetUint64(req.OrderID),
		Nonce:   new(big.Int).SetUint64(req.Nonce),
		Owner:   owner,
	}
	if err := s.signer.VerifyCancel(c, sig); err != nil {
		respondError(w, http.StatusUnauthorized, "bad signature", err.Error())
		return
	}
	if err := s.nonces.Use(owner, c.Nonce); err != nil {
		respondError(w, http.StatusConflict, "nonce rejected", err.Error())
		return
	}

	if err := s.engine.CancelOrder(r.Context(), owner, req.OrderID); err != nil {
		respondEngineError(w, err)
		return
	}

	respondJSON(w, map[string]any{
		"status":  "cancelled",
		"orderId": req.OrderID,
	})
}

func (s *Server) handleExecuteOrder(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerAddress(w, r)
	if !ok {
		return
	}
	id, _ := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)

	res, err := s.engine.ExecuteOrder(r.Context(), caller, id)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, executionInfo(res))
}

// handleLiquidate force-closes a position; ?asset= selects the collateral (default native)
func (s *Server) handleLiquidate(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerAddress(w, r)
	if !ok {
		return
	}
	user, ok := pathAddress(w, r, "user")
	if !ok {
		return
	}
	collateral, err := parseAddress("asset", r.URL.Query().Get("asset"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid asset", err.Error())
		return
	}

	key := position.Key{User: user, Asset: collateral, Market: mux.Vars(r)["market"]}
	res, err := s.engine.Liquidate(r.Context(), caller, key)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, liquidationInfo(res))
}

func (s *Server) handlePause(paused bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, ok := callerAddress(w, r)
		if !ok {
			return
		}

		var err error
		if paused {
			err = s.engine.Pause(r.Context(), caller)
		} else {
			err = s.engine.Unpause(r.Context(), caller)
		}
		if err != nil {
			respondEngineError(w, err)
			return
		}
		respondJSON(w, StatusInfo{Paused: s.engine.Paused(), LastOrderID: s.engine.LastOrderID()})
	}
}

// handleDeposit credits free collateral (bridge inflow, pool seeding)
func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.governor(w, r)
	if !ok {
		return
	}

	var req DepositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	account, err := parseAddress("account", req.Account)
	if err != nil || account == (common.Address{}) {
		respondError(w, http.StatusBadRequest, "invalid account", req.Account)
		return
	}
	collateral, err := parseAddress("asset", req.Asset)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid asset", err.Error())
		return
	}
	a, err := s.assets.Get(collateral)
	if err != nil {
		respondError(w, http.StatusBadRequest, "unknown asset", err.Error())
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil || amount.Sign() <= 0 {
		respondError(w, http.StatusBadRequest, "invalid amount", req.Amount)
		return
	}

	if err := s.engine.Fund(r.Context(), account, collateral, amount); err != nil {
		respondEngineError(w, err)
		return
	}
	s.log.Infow("deposit_credited", "account", account.Hex(), "asset", a.Symbol, "amount", amount.String(), "by", caller.Hex())

	b := s.funds.Balance(account, collateral)
	respondJSON(w, BalanceInfo{
		Asset:    collateral.Hex(),
		Symbol:   a.Symbol,
		Free:     util.Big(b.Free).String(),
		Escrowed: util.Big(b.Escrowed).String(),
	})
}

// handleSetPrice publishes an oracle quote; timestamp 0 means now
func (s *Server) handleSetPrice(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.governor(w, r)
	if !ok {
		return
	}

	var req PriceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	price, err := parseAmount("price", req.Price)
	if err != nil || req.Feed == "" {
		respondError(w, http.StatusBadRequest, "invalid price", req.Feed+" "+req.Price)
		return
	}
	ts := req.Timestamp
	if ts == 0 {
		ts = s.clock.Now().Unix()
	}
	if err := s.prices.Set(req.Feed, price, ts); err != nil {
		respondError(w, http.StatusBadRequest, "invalid price", err.Error())
		return
	}
	s.log.Debugw("price_set", "feed", req.Feed, "price", price.String(), "ts", ts, "by", caller.Hex())
	respondJSON(w, req)
}

func (s *Server) governor(w http.ResponseWriter, r *http.Request) (common.Address, bool) {
	caller, ok := callerAddress(w, r)
	if !ok {
		return caller, false
	}
	if !s.gate.IsAuthorized(caller, access.Governance) {
		respondError(w, http.StatusForbidden, "forbidden", caller.Hex()+" lacks "+string(access.Governance))
		return caller, false
	}
	return caller, true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]any{
		"status":  "ok",
		"paused":  s.engine.Paused(),
		"clients": s.hub.Clients(),
	})
}

// ==============================
// Helper Functions
// ==============================

func queryUint(s string, def uint64) (uint64, error) {
	if s == "" {
		return def, nil
	}
	return strconv.ParseUint(s, 10, 64)
}

func pathAddress(w http.ResponseWriter, r *http.Request, name string) (common.Address, bool) {
	raw := mux.Vars(r)[name]
	if !common.IsHexAddress(raw) {
		respondError(w, http.StatusBadRequest, "invalid address", raw)
		return common.Address{}, false
	}
	return common.HexToAddress(raw), true
}

func callerAddress(w http.ResponseWriter, r *http.Request) (common.Address, bool) {
	raw := r.Header.Get(CallerHeader)
	if !common.IsHexAddress(raw) {
		respondError(w, http.StatusUnauthorized, "missing caller", CallerHeader+" header must hold an address")
		return common.Address{}, false
	}
	return common.HexToAddress(raw), true
}

// statusFor maps engine errors onto HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, perp.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, perp.ErrOrderNotFound), errors.Is(err, perp.ErrPositionNotFound):
		return http.StatusNotFound
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	}
	switch perp.Classify(err) {
	case perp.ClassValidation:
		return http.StatusBadRequest
	case perp.ClassDeferral, perp.ClassTerminal:
		return http.StatusConflict
	case perp.ClassOther:
		if errors.Is(err, perp.ErrNotLiquidatable) {
			return http.StatusConflict
		}
	}
	return http.StatusInternalServerError
}

func respondEngineError(w http.ResponseWriter, err error) {
	class := perp.Classify(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusFor(err))
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:   http.StatusText(statusFor(err)),
		Message: err.Error(),
		Class:   class.String(),
	})
}

func respondJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, error string, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:   error,
		Message: message,
	})
}
