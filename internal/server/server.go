// Package server implements the development push server the channel
// connects to: a WebSocket endpoint plus HTTP trigger endpoints that
// fan events out to connected viewers by address and role.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/btouchard/cropcast/internal/notify"
)

// Server exposes the push endpoint and its trigger API.
type Server struct {
	manager  *Manager
	upgrader websocket.Upgrader
}

// New creates a Server with an empty connection registry.
func New() *Server {
	return &Server{
		manager: NewManager(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Development peer: any origin may connect.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Manager exposes the connection registry, mainly for stats.
func (s *Server) Manager() *Manager {
	return s.manager
}

// Router builds the HTTP surface.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()

	r.Get("/ws", s.handleWS)

	r.Route("/notifications", func(r chi.Router) {
		r.Post("/record-registered", s.handleRecordRegistered)
		r.Post("/record-transferred", s.handleRecordTransferred)
		r.Post("/record-purchased", s.handleRecordPurchased)
		r.Post("/role-granted", s.handleRoleGranted)
		r.Post("/system-event", s.handleSystemEvent)
		r.Get("/stats", s.handleStats)
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	return r
}

// handleWS upgrades the connection and registers the viewer. Identity
// comes from the query string; the transport is unauthenticated by
// design, this is a development peer.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &client{
		id:      uuid.NewString(),
		address: r.URL.Query().Get("user_address"),
		role:    r.URL.Query().Get("user_role"),
		conn:    conn,
		send:    make(chan []byte, sendQueueSize),
	}
	s.manager.add(c)
	slog.Info("viewer connected", "client_id", c.id, "address", c.address, "role", c.role)

	go c.writePump()
	go c.readPump(func() {
		s.manager.remove(c)
		c.close()
		slog.Info("viewer disconnected", "client_id", c.id, "address", c.address)
	})

	welcome := notify.Envelope{
		Type: string(notify.TypeSystemMessage),
		Payload: map[string]any{
			"message":     "Connected to real-time updates",
			"level":       "info",
			"userAddress": c.address,
			"userRole":    c.role,
		},
	}
	if data, err := json.Marshal(welcome); err == nil {
		c.enqueue(data)
	}
}

type recordRegisteredRequest struct {
	RecordID     string `json:"recordId"`
	Name         string `json:"name"`
	BatchID      string `json:"batchId"`
	OwnerAddress string `json:"ownerAddress"`
	TxID         string `json:"txId"`
	BlockID      string `json:"blockId"`
}

// handleRecordRegistered broadcasts the new record to everyone and
// sends farmers an informational side notification.
func (s *Server) handleRecordRegistered(w http.ResponseWriter, r *http.Request) {
	var req recordRegisteredRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	s.manager.BroadcastToAll(notify.Envelope{
		Type: string(notify.TypeRecordCreated),
		Payload: withMeta(map[string]any{
			"recordId":     req.RecordID,
			"name":         req.Name,
			"batchId":      req.BatchID,
			"ownerAddress": req.OwnerAddress,
		}, req.TxID, req.BlockID),
	})
	s.manager.BroadcastToRole("farmer", systemMessage(
		"New record '"+req.Name+"' registered in the system", "info"))

	writeOK(w)
}

type recordTransferredRequest struct {
	RecordID    string `json:"recordId"`
	Name        string `json:"name"`
	FromAddress string `json:"fromAddress"`
	ToAddress   string `json:"toAddress"`
	Note        string `json:"note"`
	TxID        string `json:"txId"`
	BlockID     string `json:"blockId"`
}

// handleRecordTransferred notifies both parties of the transfer and
// tells distributors and retailers the chain moved.
func (s *Server) handleRecordTransferred(w http.ResponseWriter, r *http.Request) {
	var req recordTransferredRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	env := notify.Envelope{
		Type: string(notify.TypeRecordTransferred),
		Payload: withMeta(map[string]any{
			"recordId":    req.RecordID,
			"fromAddress": req.FromAddress,
			"toAddress":   req.ToAddress,
			"note":        req.Note,
		}, req.TxID, req.BlockID),
	}
	s.manager.SendToAddress(req.FromAddress, env)
	s.manager.SendToAddress(req.ToAddress, env)

	side := systemMessage("Record '"+req.Name+"' transferred in supply chain", "info")
	s.manager.BroadcastToRole("distributor", side)
	s.manager.BroadcastToRole("retailer", side)

	writeOK(w)
}

type recordPurchasedRequest struct {
	RecordID     string `json:"recordId"`
	Name         string `json:"name"`
	BuyerAddress string `json:"buyerAddress"`
	Amount       string `json:"amount"`
	TxID         string `json:"txId"`
	BlockID      string `json:"blockId"`
}

// handleRecordPurchased notifies the buyer and congratulates farmers.
func (s *Server) handleRecordPurchased(w http.ResponseWriter, r *http.Request) {
	var req recordPurchasedRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	s.manager.SendToAddress(req.BuyerAddress, notify.Envelope{
		Type: string(notify.TypeRecordPurchased),
		Payload: withMeta(map[string]any{
			"recordId":     req.RecordID,
			"buyerAddress": req.BuyerAddress,
			"amount":       req.Amount,
		}, req.TxID, req.BlockID),
	})
	s.manager.BroadcastToRole("farmer", systemMessage(
		"Record '"+req.Name+"' sold successfully", "success"))

	writeOK(w)
}

type roleGrantedRequest struct {
	Role        string `json:"role"`
	UserAddress string `json:"userAddress"`
	GrantedBy   string `json:"grantedBy"`
}

// handleRoleGranted notifies the granted user and informs admins.
func (s *Server) handleRoleGranted(w http.ResponseWriter, r *http.Request) {
	var req roleGrantedRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	s.manager.SendToAddress(req.UserAddress, notify.Envelope{
		Type: string(notify.TypeRoleGranted),
		Payload: map[string]any{
			"role":        req.Role,
			"userAddress": req.UserAddress,
			"grantedBy":   req.GrantedBy,
		},
	})
	s.manager.BroadcastToRole("admin", systemMessage(
		"Role '"+req.Role+"' granted to user", "info"))

	writeOK(w)
}

type systemEventRequest struct {
	Message string `json:"message"`
	Level   string `json:"level"`
}

// handleSystemEvent broadcasts a system message to every viewer.
func (s *Server) handleSystemEvent(w http.ResponseWriter, r *http.Request) {
	var req systemEventRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Level == "" {
		req.Level = "info"
	}

	s.manager.BroadcastToAll(systemMessage(req.Message, req.Level))
	writeOK(w)
}

// handleStats reports connection counts.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.manager.Stats()); err != nil {
		slog.Warn("failed to write stats", "error", err)
	}
}

func systemMessage(message, level string) notify.Envelope {
	return notify.Envelope{
		Type: string(notify.TypeSystemMessage),
		Payload: map[string]any{
			"message": message,
			"level":   level,
		},
	}
}

func withMeta(payload map[string]any, txID, blockID string) map[string]any {
	if txID != "" {
		payload["txId"] = txID
	}
	if blockID != "" {
		payload["blockId"] = blockID
	}
	return payload
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, `{"success":false,"error":"invalid JSON body"}`, http.StatusBadRequest)
		return false
	}
	return true
}

func writeOK(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"success":true}`))
}
