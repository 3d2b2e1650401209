// Package log provides runnel's structured logging facade.
//
// The Logger interface exposes leveled methods taking Field values. It is
// backed by log/slog through a bridge handler that feeds a Formatter
// (text or JSON) and one or more Outputs (console, file, null).
//
//	l := log.NewLogger(
//	    log.WithLevel(log.InfoLevel),
//	    log.WithFormatter(&log.TextFormatter{}),
//	    log.WithOutput(log.NewConsoleOutput()),
//	)
//	l = l.WithComponent("rebalance").With(log.Str("processor", "orders"))
//	l.Info("rebalance.claimed", log.Int("partition", 3))
//
// ApplyConfig builds a logger from a declarative Config, including key
// redaction and per-message sampling. RedirectStdLog routes the standard
// library logger (used by Pebble) through a Logger.
package log
