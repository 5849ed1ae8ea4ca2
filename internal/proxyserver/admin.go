package proxyserver

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/rakunlabs/swiftcast/internal/accountstore"
)

// handleMapping implements the internal control path (spec §6): registers
// an external todo/mission mapping and forwards it, best-effort, to the
// configured webhook base.
func (s *Server) handleMapping(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string `json:"session_id"`
		TodoID    string `json:"todo_id"`
		MissionID string `json:"mission_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpResponse(w, "malformed JSON body", http.StatusBadRequest)
		return
	}
	if req.SessionID == "" || req.TodoID == "" {
		httpResponse(w, "session_id and todo_id are required", http.StatusBadRequest)
		return
	}

	mapping := accountstore.ExternalMapping{
		SessionID: req.SessionID,
		TodoID:    req.TodoID,
		MissionID: req.MissionID,
	}
	if err := s.store.SaveMapping(r.Context(), mapping); err != nil {
		httpResponse(w, "failed to save mapping", http.StatusInternalServerError)
		return
	}

	if s.webhooks != nil {
		s.webhooks.Forward("session-mapping", req.SessionID, req.TodoID, map[string]any{
			"mission_id": req.MissionID,
		})
	}

	httpResponseJSON(w, map[string]any{"status": "ok"}, http.StatusOK)
}

func (s *Server) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := s.store.ListAccounts(r.Context())
	if err != nil {
		httpResponse(w, "failed to list accounts", http.StatusInternalServerError)
		return
	}
	httpResponseJSON(w, accounts, http.StatusOK)
}

func (s *Server) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DisplayName string `json:"display_name"`
		BaseURL     string `json:"base_url"`
		APIKey      string `json:"api_key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpResponse(w, "malformed JSON body", http.StatusBadRequest)
		return
	}
	if req.DisplayName == "" || req.BaseURL == "" {
		httpResponse(w, "display_name and base_url are required", http.StatusBadRequest)
		return
	}

	account, err := s.store.CreateAccount(r.Context(), req.DisplayName, req.BaseURL, req.APIKey)
	if err != nil {
		httpResponse(w, "failed to create account", http.StatusInternalServerError)
		return
	}
	httpResponseJSON(w, account, http.StatusCreated)
}

func (s *Server) handleManualCleanup(w http.ResponseWriter, r *http.Request) {
	days, _ := strconv.Atoi(r.URL.Query().Get("days"))
	if err := s.store.ManualCleanup(r.Context(), days); err != nil {
		httpResponse(w, "manual cleanup failed", http.StatusInternalServerError)
		return
	}
	httpResponseJSON(w, map[string]any{"status": "ok"}, http.StatusOK)
}

func (s *Server) handleSwitchAccount(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("*")
	if id == "" {
		httpResponse(w, "missing account id", http.StatusBadRequest)
		return
	}
	if err := s.store.SwitchAccount(r.Context(), id); err != nil {
		writeAccountStoreError(w, err)
		return
	}
	httpResponseJSON(w, map[string]any{"status": "ok"}, http.StatusOK)
}

func (s *Server) handleDeleteAccount(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("*")
	if id == "" {
		httpResponse(w, "missing account id", http.StatusBadRequest)
		return
	}
	if err := s.store.DeleteAccount(r.Context(), id); err != nil {
		writeAccountStoreError(w, err)
		return
	}
	httpResponseJSON(w, map[string]any{"status": "ok"}, http.StatusOK)
}

func (s *Server) handleListConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.store.ListConfig(r.Context())
	if err != nil {
		httpResponse(w, "failed to list config", http.StatusInternalServerError)
		return
	}
	httpResponseJSON(w, cfg, http.StatusOK)
}

func (s *Server) handleSetConfig(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("*")
	if key == "" {
		httpResponse(w, "missing config key", http.StatusBadRequest)
		return
	}

	var req struct {
		Value string `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpResponse(w, "malformed JSON body", http.StatusBadRequest)
		return
	}

	if err := s.store.SetConfig(r.Context(), key, req.Value); err != nil {
		httpResponse(w, "failed to set config", http.StatusInternalServerError)
		return
	}
	httpResponseJSON(w, map[string]any{"status": "ok"}, http.StatusOK)
}

func writeAccountStoreError(w http.ResponseWriter, err error) {
	var acctErr *accountstore.Error
	if e, ok := err.(*accountstore.Error); ok {
		acctErr = e
	}
	if acctErr != nil && acctErr.Kind == accountstore.KindNotFound {
		httpResponse(w, acctErr.Error(), http.StatusNotFound)
		return
	}
	httpResponse(w, "store operation failed", http.StatusInternalServerError)
}
