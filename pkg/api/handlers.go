package api

import (
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"github.com/KekcoinBlockchain/eth-dex/pkg/app/core/asset"
	"github.com/KekcoinBlockchain/eth-dex/pkg/app/core/events"
	"github.com/KekcoinBlockchain/eth-dex/pkg/app/core/orderbook"
)

// ==============================
// Balance Handlers
// ==============================

func (s *Server) handleDepositNative(w http.ResponseWriter, r *http.Request) {
	var req TransferRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	amount, ok := parseAmount(w, req.Amount)
	if !ok {
		return
	}

	caller := callerFrom(r)
	balance, err := s.engine.DepositNative(r.Context(), caller, amount)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, BalanceResponse{Asset: asset.Native, Account: caller, Balance: balance})
}

func (s *Server) handleDepositToken(w http.ResponseWriter, r *http.Request) {
	s.handleTransfer(w, r, func(a asset.ID, account common.Address, amount *uint256.Int) (*uint256.Int, error) {
		return s.engine.DepositToken(r.Context(), a, account, amount)
	})
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	s.handleTransfer(w, r, func(a asset.ID, account common.Address, amount *uint256.Int) (*uint256.Int, error) {
		return s.engine.Withdraw(r.Context(), a, account, amount)
	})
}

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request,
	op func(asset.ID, common.Address, *uint256.Int) (*uint256.Int, error)) {
	var req TransferRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	a, ok := parseAsset(w, req.Asset)
	if !ok {
		return
	}
	amount, ok := parseAmount(w, req.Amount)
	if !ok {
		return
	}

	caller := callerFrom(r)
	balance, err := op(a, caller, amount)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, BalanceResponse{Asset: a, Account: caller, Balance: balance})
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	a, ok := parseAsset(w, vars["asset"])
	if !ok {
		return
	}
	if !common.IsHexAddress(vars["account"]) {
		respondError(w, http.StatusBadRequest, "invalid_address", vars["account"])
		return
	}
	account := common.HexToAddress(vars["account"])
	respondJSON(w, BalanceResponse{Asset: a, Account: account, Balance: s.engine.BalanceOf(a, account)})
}

// ==============================
// Order Handlers
// ==============================

func (s *Server) handleMakeOrder(w http.ResponseWriter, r *http.Request) {
	var req MakeOrderRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	assetBuy, ok := parseAsset(w, req.AssetBuy)
	if !ok {
		return
	}
	assetSell, ok := parseAsset(w, req.AssetSell)
	if !ok {
		return
	}
	amountBuy, ok := parseAmount(w, req.AmountBuy)
	if !ok {
		return
	}
	amountSell, ok := parseAmount(w, req.AmountSell)
	if !ok {
		return
	}

	o, err := s.engine.MakeOrder(r.Context(), callerFrom(r), assetBuy, assetSell, amountBuy, amountSell)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSONStatus(w, http.StatusCreated, toOrderInfo(o))
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	id, err := orderID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_order_id", err.Error())
		return
	}
	o, err := s.engine.CancelOrder(r.Context(), callerFrom(r), id)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, toOrderInfo(o))
}

func (s *Server) handleFillOrder(w http.ResponseWriter, r *http.Request) {
	id, err := orderID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_order_id", err.Error())
		return
	}
	tr, err := s.engine.FillOrder(r.Context(), callerFrom(r), id)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, toTradeResponse(tr))
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	id, err := orderID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_order_id", err.Error())
		return
	}
	o, ok := s.engine.Order(id)
	if !ok {
		respondError(w, http.StatusNotFound, "order_not_found", "order "+strconv.FormatUint(id, 10))
		return
	}
	respondJSON(w, toOrderInfo(o))
}

func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	id, err := orderID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_order_id", err.Error())
		return
	}
	q, err := s.engine.QuoteFill(id)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, q)
}

// handleListOrders serves GET /orders?status=open|filled|cancelled&maker=0x...
func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var orders []*orderbook.Order
	if maker := q.Get("maker"); maker != "" {
		if !common.IsHexAddress(maker) {
			respondError(w, http.StatusBadRequest, "invalid_address", maker)
			return
		}
		orders = s.engine.OrdersBy(common.HexToAddress(maker))
	} else if q.Get("status") == "open" {
		orders = s.engine.OpenOrders()
	} else {
		orders = s.engine.Orders()
	}

	if status := q.Get("status"); status != "" {
		switch status {
		case "open", "filled", "cancelled":
		default:
			respondError(w, http.StatusBadRequest, "invalid_status", status)
			return
		}
		kept := orders[:0]
		for _, o := range orders {
			if o.Status().String() == status {
				kept = append(kept, o)
			}
		}
		orders = kept
	}
	respondJSON(w, toOrderInfos(orders))
}

func (s *Server) handleNonce(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, NonceResponse{Nonce: s.engine.Nonce()})
}

// ==============================
// Audit Log & Status Handlers
// ==============================

// handleEvents serves GET /events?since=N&limit=M
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var since uint64
	if v := q.Get("since"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid_since", err.Error())
			return
		}
		since = n
	}
	limit := 500
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid_limit", v)
			return
		}
		limit = min(n, 5000)
	}

	last := s.engine.LastSeq()
	var evs []events.Event
	if s.cfg.History != nil {
		var err error
		if evs, err = s.cfg.History(since, limit); err != nil {
			s.logger.Error("event_history_failed", zap.Uint64("since", since), zap.Error(err))
			respondError(w, http.StatusInternalServerError, "storage_error", err.Error())
			return
		}
	} else {
		evs = s.engine.Events(since, limit)
	}
	if evs == nil {
		evs = []events.Event{}
	}
	respondJSON(w, EventsResponse{Events: evs, LastSeq: max(last, lastOf(evs))})
}

func (s *Server) handleFees(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, s.engine.FeeSchedule())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "ok", LastSeq: s.engine.LastSeq()}
	if err := s.engine.Halted(); err != nil {
		resp.Status = "halted"
		resp.Reason = err.Error()
		respondJSONStatus(w, http.StatusServiceUnavailable, resp)
		return
	}
	respondJSON(w, resp)
}

// ==============================
// Parsing
// ==============================

func parseAsset(w http.ResponseWriter, s string) (asset.ID, bool) {
	a, err := asset.ParseID(s)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_asset", err.Error())
		return asset.ID{}, false
	}
	return a, true
}

func parseAmount(w http.ResponseWriter, s string) (*uint256.Int, bool) {
	v, err := asset.Parse(s)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_amount", err.Error())
		return nil, false
	}
	return v, true
}

func lastOf(evs []events.Event) uint64 {
	if len(evs) == 0 {
		return 0
	}
	return evs[len(evs)-1].Seq
}
