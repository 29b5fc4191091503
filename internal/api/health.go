package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	xerrors "ABIAgent-Chain/internal/errors"
	"ABIAgent-Chain/internal/web3"
	"ABIAgent-Chain/internal/web3/session"

	"github.com/go-chi/chi/v5"
)

type healthResponse struct {
	Status         string               `json:"status"`
	UptimeSeconds  int64                `json:"uptimeSeconds"`
	Chains         []web3.ChainSnapshot `json:"chains,omitempty"`
	Agents         *int64               `json:"agents,omitempty"`
	ChatSessions   int                  `json:"chatSessions"`
	Wallet         string               `json:"wallet,omitempty"`
	Connected      string               `json:"connectedAccount,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	resp := healthResponse{Status: "ok", UptimeSeconds: int64(time.Since(s.started).Seconds())}
	if s.deps.Chains != nil {
		resp.Chains = s.deps.Chains.Snapshots(ctx)
		for _, c := range resp.Chains {
			if c.Notes != "" {
				resp.Status = "degraded"
			}
		}
	}
	if s.deps.Agents != nil {
		if n, err := s.deps.Agents.Count(ctx); err == nil {
			resp.Agents = &n
		} else {
			resp.Status = "degraded"
		}
	}
	if s.deps.Sessions != nil {
		resp.ChatSessions = s.deps.Sessions.Len()
	}
	if s.deps.Contracts != nil {
		resp.Wallet = s.deps.Contracts.WalletName()
		if cur := s.deps.Contracts.Current(); cur != nil {
			resp.Connected = cur.Account().Hex()
		}
	}
	respondJSON(w, http.StatusOK, resp)
}

type walletResponse struct {
	Wallet    string   `json:"wallet"`
	Accounts  []string `json:"accounts"`
	Connected string   `json:"connected,omitempty"`
}

func (s *Server) handleWallet(w http.ResponseWriter, r *http.Request) {
	if s.deps.Contracts == nil {
		respondError(w, unavailable("presale contract"))
		return
	}
	resp := walletResponse{Wallet: s.deps.Contracts.WalletName(), Accounts: []string{}}
	for _, a := range s.deps.Contracts.Accounts() {
		resp.Accounts = append(resp.Accounts, a.Hex())
	}
	if cur := s.deps.Contracts.Current(); cur != nil {
		resp.Connected = cur.Account().Hex()
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleBalances(w http.ResponseWriter, r *http.Request) {
	if s.deps.Contracts == nil {
		respondError(w, unavailable("presale contract"))
		return
	}
	account, err := session.ParseAccount(chi.URLParam(r, "account"))
	if err != nil {
		respondError(w, err)
		return
	}
	balances, err := s.deps.Contracts.BalancesOf(r.Context(), account)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, balances)
}

type quoteResponse struct {
	Function string `json:"function"`
	Amount   string `json:"amount"`
	Value    string `json:"value"`
}

func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	if s.deps.Contracts == nil {
		respondError(w, unavailable("presale contract"))
		return
	}
	fn := strings.TrimSpace(r.URL.Query().Get("fn"))
	if fn == "" {
		fn = "usdtToTokens"
	}
	amount := strings.TrimSpace(r.URL.Query().Get("amount"))
	if amount == "" {
		respondError(w, xerrors.New(xerrors.CodeInvalidArgument, "amount is required"))
		return
	}
	value, err := s.deps.Contracts.TokenValue(r.Context(), fn, amount)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, quoteResponse{Function: fn, Amount: amount, Value: value})
}
