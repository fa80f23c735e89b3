package main

import (
	"io"
	"os"

	kitlog "github.com/go-kit/kit/log"

	"github.com/hons82/go-localtunnel/log"
)

// newLogger returns JSON based logger, printing messages up to log level
// logLevel.
func newLogger(to string, level int) (log.Logger, error) {
	var w io.Writer

	switch to {
	case "none":
		return log.NewNopLogger(), nil
	case "stdout":
		w = os.Stdout
	case "stderr":
		w = os.Stderr
	default:
		f, err := os.Create(to)
		if err != nil {
			return nil, err
		}
		w = f
	}

	var logger kitlog.Logger
	logger = kitlog.NewJSONLogger(kitlog.NewSyncWriter(w))
	logger = kitlog.With(logger, "time", kitlog.DefaultTimestampUTC)

	return log.NewFilterLogger(logger, level), nil
}
