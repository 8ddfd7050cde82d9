package dashboard

import (
	"encoding/json"
	"log"

	"github.com/satchelhq/satchel/internal/engine"
	"github.com/satchelhq/satchel/internal/stats"
)

// Handler formats engine and monitor events as dashboard messages. It is
// the glue the daemon wires between the sync components and the server.
type Handler struct {
	server *Server
	logger *log.Logger
}

// NewHandler creates a Handler pushing to server.
func NewHandler(server *Server, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.Default()
	}
	return &Handler{server: server, logger: logger}
}

// OnStats pushes a stats snapshot.
func (h *Handler) OnStats(s stats.Stats) {
	h.push(MessageTypeStats, s)
}

// OnDrainComplete pushes a drain report.
func (h *Handler) OnDrainComplete(rep engine.Report) {
	h.push(MessageTypeDrainComplete, rep)
}

// OnConnectivity pushes an online/offline transition.
func (h *Handler) OnConnectivity(online bool) {
	h.push(MessageTypeConnectivity, ConnectivityData{Online: online})
}

func (h *Handler) push(typ MessageType, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		h.logger.Printf("Failed to marshal %s message: %v", typ, err)
		return
	}
	h.server.Broadcast(Message{Type: typ, Data: data})
}
