package converse

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kartikbhuyar/converse/core"
	"github.com/kartikbhuyar/converse/pkg/router"
)

// GetRoomsHandler reports the active rooms and their member connections.
// Intended for debugging, not for client consumption.
func (app *App) GetRoomsHandler(w http.ResponseWriter, r *http.Request) error {
	rooms := app.rooms.Rooms()
	res := make(map[core.RoomID][]core.ConnID, len(rooms))
	for _, roomID := range rooms {
		res[roomID] = app.rooms.Members(roomID)
	}
	w.Header().Set("Content-Type", "application/json")
	return json.NewEncoder(w).Encode(res)
}

func (app *App) GetOnlineUsersHTTPHandler(w http.ResponseWriter, r *http.Request) error {
	w.Header().Set("Content-Type", "application/json")
	return json.NewEncoder(w).Encode(app.registry.OnlineUsers())
}

func (app *App) GetChatHandler(w http.ResponseWriter, r *http.Request) error {
	chatID := chi.URLParam(r, "chatID")
	chat, err := app.chatStore.GetChat(r.Context(), chatID)
	if err != nil {
		return err
	}
	if chat == nil {
		return core.ErrInvalidChat
	}
	w.Header().Set("Content-Type", "application/json")
	return json.NewEncoder(w).Encode(chat)
}

func chatNotFound(err error) router.Error {
	return router.JsonError{Code: http.StatusNotFound, Err: err.Error()}
}
