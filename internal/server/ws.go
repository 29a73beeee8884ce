package server

import (
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/felippe-mendonca/dataset-creator/internal/transport"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  64 << 10,
	WriteBufferSize: 64 << 10,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow local connections
	},
}

// ServiceHandler answers request envelopes received over WebSocket.
type ServiceHandler struct {
	server *Server
}

// NewServiceHandler creates a ServiceHandler serving s's handler.
func NewServiceHandler(s *Server) *ServiceHandler {
	return &ServiceHandler{server: s}
}

// ServeHTTP handles WebSocket upgrade requests.
func (h *ServiceHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s := h.server
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	s.clients.Add(1)
	defer s.clients.Add(-1)

	log := s.log.With("remote", r.RemoteAddr)
	log.Info("client connected")
	if err := transport.ServeConn(s.base, conn, s.config.Handler, s.config.Workers, log); err != nil {
		log.Warn("client connection failed", "error", err)
		return
	}
	log.Info("client disconnected")
}
