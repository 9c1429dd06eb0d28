package main

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/filament-data/flow.watch/internal/api"
	"github.com/filament-data/flow.watch/internal/db"
	"github.com/filament-data/flow.watch/internal/httputil"
	"github.com/filament-data/flow.watch/internal/monitor"
)

// newMux assembles the daemon's HTTP surface: the JSON API and websocket
// feed, the database admin routes, and the raw-command escape hatch.
func newMux(engine *monitor.Engine, store *db.DB, hub *api.Hub, commander monitor.Commander, configPath string) http.Handler {
	mux := api.NewServer(engine, store, hub, configPath).ServeMux()
	store.AttachAdminRoutes(mux)
	mux.HandleFunc("/debug/command", debugCommandHandler(commander))
	return api.LoggingMiddleware(mux)
}

// debugCommandHandler forwards an allow-listed SDCP code straight to the
// printer. It exists for bench work against a controller; the UI uses the
// /api/control actions instead.
func debugCommandHandler(commander monitor.Commander) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			httputil.MethodNotAllowed(w)
			return
		}

		cmd, err := strconv.Atoi(r.FormValue("cmd"))
		if err != nil {
			httputil.BadRequest(w, "invalid 'cmd' parameter, expected an SDCP code")
			return
		}
		desc, ok := allowedCommands[cmd]
		if !ok {
			httputil.BadRequest(w, fmt.Sprintf("command %d is not allow-listed", cmd))
			return
		}

		if commander == nil {
			httputil.ServiceUnavailable(w, "no printer connection")
			return
		}
		if err := commander.SendCommand(cmd); err != nil {
			httputil.InternalServerError(w, fmt.Sprintf("failed to send command %d: %v", cmd, err))
			return
		}
		httputil.WriteJSONOK(w, map[string]string{"result": "ok", "command": desc})
	}
}
