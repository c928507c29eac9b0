package converse

import (
	"fmt"

	"github.com/kartikbhuyar/converse/core"
)

// onConnectionClosed runs the disconnect sequence: clear the in-memory
// room memberships and the registry binding first, then persist and
// broadcast the offline transition. The presence notifier resolves the
// affected rooms from the persisted membership rows, which is why the
// order does not matter for the broadcast targets.
func (app *App) onConnectionClosed(connID core.ConnID) {
	app.rooms.LeaveAll(connID)

	userID, ok := app.registry.Unbind(connID)
	if !ok {
		// connection never identified, nothing to announce
		return
	}

	if err := app.presence.NotifyOffline(app.context, userID); err != nil {
		app.logger.Error(fmt.Sprintf("notify offline: %v", err))
	}
}
