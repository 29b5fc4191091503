package api

import (
	"fmt"
	"net/http"
	"strings"

	"ABIAgent-Chain/internal/chat"
	xerrors "ABIAgent-Chain/internal/errors"

	"github.com/go-chi/chi/v5"
)

type createSessionRequest struct {
	AgentID         string `json:"agentId"`
	WalletAddress   string `json:"walletAddress,omitempty"`
	WalletConnected *bool  `json:"walletConnected,omitempty"`
}

type sendMessageRequest struct {
	Message string `json:"message"`
}

type sendMessageResponse struct {
	SessionID string         `json:"sessionId"`
	Messages  []chat.Message `json:"messages"`
}

type patchMessageRequest struct {
	Status chat.Status `json:"status"`
}

func (s *Server) chatReady(w http.ResponseWriter) bool {
	if s.deps.Sessions == nil {
		respondError(w, unavailable("chat"))
		return false
	}
	return true
}

func (s *Server) session(w http.ResponseWriter, r *http.Request) (*chat.Session, bool) {
	if !s.chatReady(w) {
		return nil, false
	}
	sess, err := s.deps.Sessions.Get(chi.URLParam(r, "sessionID"))
	if err != nil {
		respondError(w, err)
		return nil, false
	}
	return sess, true
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	if !s.chatReady(w) {
		return
	}
	var req createSessionRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, err)
		return
	}
	wallet := chat.Wallet{Address: strings.TrimSpace(req.WalletAddress)}
	wallet.Connected = wallet.Address != ""
	if req.WalletConnected != nil {
		wallet.Connected = *req.WalletConnected
	}
	sess, err := s.deps.Sessions.Create(r.Context(), req.AgentID, wallet)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, sess.Snapshot())
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, sess.Snapshot())
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if !s.chatReady(w) {
		return
	}
	if err := s.deps.Sessions.Delete(chi.URLParam(r, "sessionID")); err != nil {
		respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSetWallet(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	var wallet chat.Wallet
	if err := decodeBody(r, &wallet); err != nil {
		respondError(w, err)
		return
	}
	sess.SetWallet(wallet)
	respondJSON(w, http.StatusOK, sess.Wallet())
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	if !s.chatReady(w) {
		return
	}
	if s.deps.Dispatcher == nil {
		respondError(w, unavailable("chat dispatcher"))
		return
	}
	var req sendMessageRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, err)
		return
	}
	id := chi.URLParam(r, "sessionID")
	msgs, err := s.deps.Dispatcher.Send(r.Context(), id, req.Message)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sendMessageResponse{SessionID: id, Messages: msgs})
}

func (s *Server) handlePatchMessage(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	var req patchMessageRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, err)
		return
	}
	// Clients may only settle a payment request. Transaction statuses are
	// owned by the dispatcher and follow the receipt.
	if req.Status != chat.StatusPaid {
		respondError(w, xerrors.New(xerrors.CodeInvalidArgument,
			fmt.Sprintf("status %q cannot be set by clients", req.Status)))
		return
	}
	msg, err := sess.PatchMessageStatus(chi.URLParam(r, "messageID"), req.Status)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, msg)
}
