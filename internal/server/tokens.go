package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"StableVault/internal/token"
)

// Token routes expose the embedded in-memory ledgers so deployments without
// an external token system can fund accounts and grant the engine its
// transfer allowance. Minting remains gated by each ledger's minter.

type tokenMintRequest struct {
	Caller string `json:"caller"`
	To     string `json:"to"`
	Amount string `json:"amount"`
}

type tokenTransferRequest struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Amount string `json:"amount"`
}

type tokenApproveRequest struct {
	Owner   string `json:"owner"`
	Spender string `json:"spender"`
	Amount  string `json:"amount"`
}

// RegisterToken mounts API routes for a ledger. Call before Router().
func (s *Server) RegisterToken(ledger *token.Ledger) {
	if s.tokens == nil {
		s.tokens = make(map[string]*token.Ledger)
	}
	s.tokens[ledger.Symbol()] = ledger
}

func (s *Server) mountTokenRoutes(r chi.Router) {
	r.Route("/tokens/{symbol}", func(r chi.Router) {
		r.Get("/balance/{account}", s.handleTokenBalance)
		r.Get("/supply", s.handleTokenSupply)
		r.Post("/mint", s.handleTokenMint)
		r.Post("/transfer", s.handleTokenTransfer)
		r.Post("/approve", s.handleTokenApprove)
	})
}

func (s *Server) ledgerFor(w http.ResponseWriter, r *http.Request) (*token.Ledger, bool) {
	symbol := chi.URLParam(r, "symbol")
	ledger, ok := s.tokens[symbol]
	if !ok {
		s.writeJSON(w, http.StatusNotFound, errorResponse{Error: "unknown token " + symbol})
		return nil, false
	}
	return ledger, true
}

func (s *Server) handleTokenBalance(w http.ResponseWriter, r *http.Request) {
	ledger, ok := s.ledgerFor(w, r)
	if !ok {
		return
	}
	account := chi.URLParam(r, "account")
	s.writeJSON(w, http.StatusOK, map[string]string{
		"account": account,
		"balance": ledger.BalanceOf(token.Account(account)).Dec(),
	})
}

func (s *Server) handleTokenSupply(w http.ResponseWriter, r *http.Request) {
	ledger, ok := s.ledgerFor(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{
		"symbol": ledger.Symbol(),
		"supply": ledger.TotalSupply().Dec(),
	})
}

func (s *Server) handleTokenMint(w http.ResponseWriter, r *http.Request) {
	ledger, ok := s.ledgerFor(w, r)
	if !ok {
		return
	}
	var req tokenMintRequest
	if err := decode(r, &req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	if err := ledger.Mint(token.Account(req.Caller), token.Account(req.To), amount); err != nil {
		s.writeTokenError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "minted"})
}

func (s *Server) handleTokenTransfer(w http.ResponseWriter, r *http.Request) {
	ledger, ok := s.ledgerFor(w, r)
	if !ok {
		return
	}
	var req tokenTransferRequest
	if err := decode(r, &req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	if err := ledger.Transfer(token.Account(req.From), token.Account(req.To), amount); err != nil {
		s.writeTokenError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "transferred"})
}

func (s *Server) handleTokenApprove(w http.ResponseWriter, r *http.Request) {
	ledger, ok := s.ledgerFor(w, r)
	if !ok {
		return
	}
	var req tokenApproveRequest
	if err := decode(r, &req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	if err := ledger.Approve(token.Account(req.Owner), token.Account(req.Spender), amount); err != nil {
		s.writeTokenError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "approved"})
}

func (s *Server) writeTokenError(w http.ResponseWriter, err error) {
	status := http.StatusConflict
	switch err {
	case token.ErrZeroAccount, token.ErrZeroAmount:
		status = http.StatusBadRequest
	case token.ErrNotMinter:
		status = http.StatusForbidden
	}
	s.writeJSON(w, status, errorResponse{Error: err.Error()})
}
