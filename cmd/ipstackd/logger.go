package main

import (
	"context"

	"github.com/datawire/dlib/dlog"
	"github.com/sirupsen/logrus"
)

// makeBaseLogger wires a logrus logger into dlib's dlog facade, matching
// the log line shape the rest of the stack already assumes (dlog.*
// calls everywhere, with a single configurable backend).
func makeBaseLogger(ctx context.Context, verbose bool) context.Context {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05.0000",
	})
	if verbose {
		logger.SetLevel(logrus.DebugLevel)
	} else {
		logger.SetLevel(logrus.InfoLevel)
	}

	wrapped := dlog.WrapLogrus(logger)
	dlog.SetFallbackLogger(wrapped)
	return dlog.WithLogger(ctx, wrapped)
}
