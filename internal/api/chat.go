package api

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"

	"relaychat/internal/logx"
	"relaychat/internal/server"
	"relaychat/internal/websocket"
)

const lookupTimeout = 5 * time.Second

type RoomLister interface {
	Rooms(ctx context.Context) (map[string]int64, error)
}

type UserLister interface {
	OnlineUsers(ctx context.Context) ([]string, error)
}

// ConnServer runs the chat protocol on an upgraded connection.
type ConnServer interface {
	ServeConn(t server.Transport)
}

type ChatHandlers struct {
	rooms RoomLister
	users UserLister
	conns ConnServer
}

func NewChatHandlers(rooms RoomLister, users UserLister, conns ConnServer) *ChatHandlers {
	return &ChatHandlers{rooms: rooms, users: users, conns: conns}
}

type RoomResponse struct {
	Name    string `json:"name" example:"lobby"`
	Members int64  `json:"members" example:"3"`
}

type RoomsResponse struct {
	Rooms []RoomResponse `json:"rooms"`
}

type UsersResponse struct {
	Users []string `json:"users" example:"a,b"`
}

// GetRoomsHandler lists known rooms
// @Summary List rooms
// @Description Known rooms with live member counts across every server, sorted by name
// @Tags Chat
// @Produce json
// @Security CookieAuth
// @Success 200 {object} RoomsResponse
// @Failure 401 {object} ErrorResponse "User not authenticated"
// @Failure 500 {object} ErrorResponse "Internal server error"
// @Router /api/rooms [get]
func (h *ChatHandlers) GetRoomsHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), lookupTimeout)
	defer cancel()

	rooms, err := h.rooms.Rooms(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list rooms"})
		return
	}

	resp := RoomsResponse{Rooms: make([]RoomResponse, 0, len(rooms))}
	for name, count := range rooms {
		resp.Rooms = append(resp.Rooms, RoomResponse{Name: name, Members: count})
	}
	sort.Slice(resp.Rooms, func(i, j int) bool { return resp.Rooms[i].Name < resp.Rooms[j].Name })

	c.JSON(http.StatusOK, resp)
}

// GetUsersHandler lists online users
// @Summary List online users
// @Description Users holding a live presence lease on any server, sorted
// @Tags Chat
// @Produce json
// @Security CookieAuth
// @Success 200 {object} UsersResponse
// @Failure 401 {object} ErrorResponse "User not authenticated"
// @Failure 500 {object} ErrorResponse "Internal server error"
// @Router /api/users [get]
func (h *ChatHandlers) GetUsersHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), lookupTimeout)
	defer cancel()

	users, err := h.users.OnlineUsers(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list users"})
		return
	}
	if users == nil {
		users = []string{}
	}

	c.JSON(http.StatusOK, UsersResponse{Users: users})
}

// HandleWebSocket upgrades the request and runs the line protocol over it.
// The first frame must carry the LOGIN line, as on a TCP connection.
// @Summary WebSocket chat transport
// @Tags Chat
// @Success 101 {string} string "Switching Protocols"
// @Router /ws [get]
func (h *ChatHandlers) HandleWebSocket(c *gin.Context) {
	conn, err := websocket.Upgrade(c.Writer, c.Request)
	if err != nil {
		log := logx.Component("api")
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	h.conns.ServeConn(conn)
}
