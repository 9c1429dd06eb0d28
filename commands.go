package main

import "github.com/filament-data/flow.watch/internal/telemetry"

// allowedCommands are the SDCP codes the HTTP surface may forward to the
// printer controller, with the description echoed back to the caller.
// Anything else is refused before it reaches the controller: the firmware
// accepts file-management and video codes on the same channel, and none of
// them have any business coming from a flow monitor.
var allowedCommands = map[int]string{
	telemetry.CmdStatusRefresh:  "request a status report",
	telemetry.CmdStartPrint:     "start the selected print",
	telemetry.CmdPausePrint:     "pause the running print",
	telemetry.CmdStopPrint:      "stop the running print",
	telemetry.CmdContinuePrint:  "resume the paused print",
}
