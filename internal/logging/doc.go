// Package logging provides per-module slog loggers for the decoder service.
//
// Loggers are obtained by module name and carry a "module" attribute:
//
//	logger := logging.GetLogger("decoder")
//	logger.Info("Device opened", "device", path)
//
// Each module has its own level, defaulting to the global one:
//
//	logging.Initialize(logging.Config{
//		Level:  "info",
//		Format: "text",
//		Modules: map[string]string{"device": "debug"},
//	})
//
// Initialize may be called again at runtime, e.g. after the [logging] table
// of the config file changed; levels of existing loggers follow.
//
// Records go to stdout when it is a terminal, pipe, socket or file, to the
// systemd journal when journald is running, and always to an in-memory
// history served by the HTTP API. Journal entries use the identifier
// "m2mdec" and upper-cased attribute keys:
//
//	journalctl -t m2mdec MODULE=decoder
//	journalctl -t m2mdec SESSION=<uuid> -p warning
package logging
