package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/holiman/uint256"

	"StableVault/internal/token"
	"StableVault/internal/vault"
)

// All amount-bearing fields on the wire are decimal strings; prices are 1e8
// scale, amounts and health factors 1e18.

type errorResponse struct {
	Error string `json:"error"`
}

type priceResponse struct {
	Price string `json:"price"`
}

type observationJSON struct {
	Timestamp int64  `json:"timestamp"`
	Price     string `json:"price"`
}

type positionResponse struct {
	Account          string `json:"account"`
	Collateral       string `json:"collateral"`
	Debt             string `json:"debt"`
	LiquidationPrice string `json:"liquidation_price"`
	LastInteraction  int64  `json:"last_interaction"`
}

type updatePriceRequest struct {
	Caller    string `json:"caller"`
	Price     string `json:"price"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

type amountRequest struct {
	Account string `json:"account"`
	Amount  string `json:"amount"`
}

type depositAndMintRequest struct {
	Account       string `json:"account"`
	DepositAmount string `json:"deposit_amount"`
	MintAmount    string `json:"mint_amount"`
}

type burnAndWithdrawRequest struct {
	Account        string `json:"account"`
	BurnAmount     string `json:"burn_amount"`
	WithdrawAmount string `json:"withdraw_amount"`
}

type liquidateRequest struct {
	Liquidator  string `json:"liquidator"`
	Account     string `json:"account"`
	RepayAmount string `json:"repay_amount"`
}

type setParamsRequest struct {
	Caller                string `json:"caller"`
	BaseCollateralRatio   uint64 `json:"base_collateral_ratio"`
	LiquidationThreshold  uint64 `json:"liquidation_threshold"`
	LiquidationBonus      uint64 `json:"liquidation_bonus"`
	MinUpdateDelay        int64  `json:"min_update_delay"`
	MaxPriceAge           int64  `json:"max_price_age"`
	MaxPriceChangePercent uint64 `json:"max_price_change_percent"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn().Err(err).Msg("write response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	s.writeJSON(w, statusFor(err), errorResponse{Error: err.Error()})
}

func decode(r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(nil, r.Body, 1<<20)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}
	return nil
}

func parseAmount(field, s string) (*uint256.Int, error) {
	if s == "" {
		return nil, fmt.Errorf("missing %s", field)
	}
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, fmt.Errorf("parse %s %q: %w", field, s, err)
	}
	return v, nil
}

// ============================================================
// Oracle handlers
// ============================================================

func (s *Server) handleTWAP(w http.ResponseWriter, r *http.Request) {
	twap, err := s.svc.TWAP(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, priceResponse{Price: twap.Dec()})
}

func (s *Server) handleLatestPrice(w http.ResponseWriter, r *http.Request) {
	price, err := s.svc.LatestPrice(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, priceResponse{Price: price.Dec()})
}

func (s *Server) handleObservations(w http.ResponseWriter, r *http.Request) {
	obs, err := s.svc.Observations(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]observationJSON, len(obs))
	for i, o := range obs {
		out[i] = observationJSON{Timestamp: o.Timestamp, Price: o.Price.Dec()}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"observations": out})
}

func (s *Server) handleUpdatePrice(w http.ResponseWriter, r *http.Request) {
	var req updatePriceRequest
	if err := decode(r, &req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	price, err := parseAmount("price", req.Price)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	if err := s.svc.UpdatePrice(r.Context(), token.Account(req.Caller), req.Timestamp, price); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

// ============================================================
// Position handlers
// ============================================================

func (s *Server) handleGetPosition(w http.ResponseWriter, r *http.Request) {
	account := chi.URLParam(r, "account")
	pos, ok, err := s.svc.Position(r.Context(), token.Account(account))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !ok {
		s.writeJSON(w, http.StatusNotFound, errorResponse{Error: "unknown account"})
		return
	}
	s.writeJSON(w, http.StatusOK, positionResponse{
		Account:          account,
		Collateral:       pos.Collateral.Dec(),
		Debt:             pos.Debt.Dec(),
		LiquidationPrice: pos.LiquidationPrice.Dec(),
		LastInteraction:  pos.LastInteraction,
	})
}

func (s *Server) handleHealthFactor(w http.ResponseWriter, r *http.Request) {
	account := chi.URLParam(r, "account")
	hf, err := s.svc.HealthFactor(r.Context(), token.Account(account))
	if err != nil {
		s.writeError(w, err)
		return
	}
	liq, err := s.svc.IsLiquidatable(r.Context(), token.Account(account))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"account":       account,
		"health_factor": hf.Dec(),
		"liquidatable":  liq,
	})
}

func (s *Server) handleIsLiquidatable(w http.ResponseWriter, r *http.Request) {
	account := chi.URLParam(r, "account")
	liq, err := s.svc.IsLiquidatable(r.Context(), token.Account(account))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"account":      account,
		"liquidatable": liq,
	})
}

func (s *Server) handleLiquidatable(w http.ResponseWriter, r *http.Request) {
	accounts, err := s.svc.Liquidatable(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]string, len(accounts))
	for i, a := range accounts {
		out[i] = string(a)
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"accounts": out})
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	s.handleAmountOp(w, r, s.svc.Deposit)
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	s.handleAmountOp(w, r, s.svc.Withdraw)
}

func (s *Server) handleMint(w http.ResponseWriter, r *http.Request) {
	s.handleAmountOp(w, r, s.svc.Mint)
}

func (s *Server) handleBurn(w http.ResponseWriter, r *http.Request) {
	s.handleAmountOp(w, r, s.svc.Burn)
}

func (s *Server) handleAmountOp(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, account token.Account, amount *uint256.Int) error) {
	var req amountRequest
	if err := decode(r, &req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	if err := op(r.Context(), token.Account(req.Account), amount); err != nil {
		s.writeError(w, err)
		return
	}
	s.respondWithPosition(w, r, token.Account(req.Account))
}

func (s *Server) handleDepositAndMint(w http.ResponseWriter, r *http.Request) {
	var req depositAndMintRequest
	if err := decode(r, &req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	deposit, err := parseAmount("deposit_amount", req.DepositAmount)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	mint, err := parseAmount("mint_amount", req.MintAmount)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	if err := s.svc.DepositAndMint(r.Context(), token.Account(req.Account), deposit, mint); err != nil {
		s.writeError(w, err)
		return
	}
	s.respondWithPosition(w, r, token.Account(req.Account))
}

func (s *Server) handleBurnAndWithdraw(w http.ResponseWriter, r *http.Request) {
	var req burnAndWithdrawRequest
	if err := decode(r, &req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	burn, err := parseAmount("burn_amount", req.BurnAmount)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	withdraw, err := parseAmount("withdraw_amount", req.WithdrawAmount)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	if err := s.svc.BurnAndWithdraw(r.Context(), token.Account(req.Account), burn, withdraw); err != nil {
		s.writeError(w, err)
		return
	}
	s.respondWithPosition(w, r, token.Account(req.Account))
}

func (s *Server) handleLiquidate(w http.ResponseWriter, r *http.Request) {
	var req liquidateRequest
	if err := decode(r, &req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	repay, err := parseAmount("repay_amount", req.RepayAmount)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	if err := s.svc.Liquidate(r.Context(), token.Account(req.Liquidator), token.Account(req.Account), repay); err != nil {
		s.writeError(w, err)
		return
	}
	s.respondWithPosition(w, r, token.Account(req.Account))
}

func (s *Server) respondWithPosition(w http.ResponseWriter, r *http.Request, account token.Account) {
	pos, _, err := s.svc.Position(r.Context(), account)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, positionResponse{
		Account:          string(account),
		Collateral:       pos.Collateral.Dec(),
		Debt:             pos.Debt.Dec(),
		LiquidationPrice: pos.LiquidationPrice.Dec(),
		LastInteraction:  pos.LastInteraction,
	})
}

// ============================================================
// System handlers
// ============================================================

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.svc.Status(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"observations":     st.Observations,
		"sequence":         st.Sequence,
		"accounts":         st.Accounts,
		"total_collateral": st.TotalCollateral.Dec(),
		"total_debt":       st.TotalDebt.Dec(),
		"params": map[string]any{
			"base_collateral_ratio":    st.Params.BaseCollateralRatio,
			"liquidation_threshold":    st.Params.LiquidationThreshold,
			"liquidation_bonus":        st.Params.LiquidationBonus,
			"min_update_delay":         st.Params.MinUpdateDelay,
			"max_price_age":            st.Params.MaxPriceAge,
			"max_price_change_percent": st.Params.MaxPriceChangePercent,
		},
	})
}

func (s *Server) handleSetParams(w http.ResponseWriter, r *http.Request) {
	var req setParamsRequest
	if err := decode(r, &req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	params := vault.RiskParams{
		BaseCollateralRatio:   req.BaseCollateralRatio,
		LiquidationThreshold:  req.LiquidationThreshold,
		LiquidationBonus:      req.LiquidationBonus,
		MinHealthFactor:       vault.DefaultRiskParams().MinHealthFactor,
		MinUpdateDelay:        req.MinUpdateDelay,
		MaxPriceAge:           req.MaxPriceAge,
		MaxPriceChangePercent: req.MaxPriceChangePercent,
	}
	if err := s.svc.SetRiskParams(r.Context(), token.Account(req.Caller), params); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}
