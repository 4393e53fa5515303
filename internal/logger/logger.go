// Package logger configures the control plane's structured logger.
package logger

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Log is the process-wide logger, configured by Initialize.
var Log zerolog.Logger

// Initialize sets up the global logger. pretty enables a human-readable
// console writer for local development; production runs emit JSON.
func Initialize(level string, pretty bool) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	if pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	} else {
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	}

	Log = log.With().Str("service", "sandboxd").Logger()
	Log.Info().Str("level", lvl.String()).Bool("pretty", pretty).Msg("logger initialized")
}

func component(name string) *zerolog.Logger {
	l := Log.With().Str("component", name).Logger()
	return &l
}

// Session returns a logger scoped to the session service.
func Session() *zerolog.Logger { return component("session") }

// Scheduler returns a logger scoped to the container scheduler / scheduling service.
func Scheduler() *zerolog.Logger { return component("scheduler") }

// Executor returns a logger scoped to the executor client.
func Executor() *zerolog.Logger { return component("executor") }

// StateSync returns a logger scoped to the state-sync service.
func StateSync() *zerolog.Logger { return component("state-sync") }

// Cleanup returns a logger scoped to the cleanup services.
func Cleanup() *zerolog.Logger { return component("cleanup") }

// Callback returns a logger scoped to the callback handler.
func Callback() *zerolog.Logger { return component("callback") }

// Tasks returns a logger scoped to the background task manager.
func Tasks() *zerolog.Logger { return component("tasks") }

// Database returns a logger scoped to repository/database access.
func Database() *zerolog.Logger { return component("database") }

// HTTP returns a logger scoped to the REST transport.
func HTTP() *zerolog.Logger { return component("http") }
