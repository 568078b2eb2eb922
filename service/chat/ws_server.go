package chat

import (
	"net/http"

	"CProject/logger"
	"CProject/middleware"
	"CProject/tools/ids"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server accepts websocket connections and hands them to the manager.
type Server struct {
	mgr *Manager
}

func NewServer(mgr *Manager) *Server { return &Server{mgr: mgr} }

func (s *Server) Manager() *Manager { return s.mgr }

// HandleWS upgrades an authenticated request. The auth middleware has
// already resolved the user; an unauthenticated upgrade never reaches
// the manager.
func (s *Server) HandleWS(c *gin.Context) {
	userID := middleware.UserID(c)
	if userID == "" {
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Infof("[ws] upgrade failed: user=%s err=%v", userID, err)
		return
	}

	client := newClient(s.mgr, ids.GenerateString(), userID, ws)
	s.mgr.Register(client)
	logger.Infof("[ws] connected: user=%s snow=%s remote=%s", userID, client.SnowID, ws.RemoteAddr())

	go client.writePump()
	client.readPump()
}
