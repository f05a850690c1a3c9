package server

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
)

func (s *Server) handleListBRs(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.registry.Snapshot())
}

func (s *Server) handleGetBR(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	for _, snap := range s.registry.Snapshot() {
		if snap.BRID == id {
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(snap)
			return
		}
	}
	http.Error(w, "border router not found", http.StatusNotFound)
}

func (s *Server) handleTopology(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.topo.GetTopology())
}

func (s *Server) handleTopologyStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.topo.GetStats())
}

func (s *Server) handleActiveNodes(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.gateway.ActiveNodes(s.activeNodeWindow))
}

type sendCommandRequest struct {
	Node        string `json:"node"`
	CommandType string `json:"command_type"`
	Payload     any    `json:"payload"`
}

type sendCommandResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

func (s *Server) handleSendCommand(w http.ResponseWriter, r *http.Request) {
	var req sendCommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}

	ok, err := s.gateway.SendCommandToNode(req.Node, req.CommandType, req.Payload)

	w.Header().Set("Content-Type", "application/json")
	resp := sendCommandResponse{OK: ok}
	if err != nil {
		resp.Error = err.Error()
		w.WriteHeader(http.StatusConflict)
	}
	json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"version": s.version})
}
