package config

import (
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
)

// SetupLogger configures the process-wide logrus logger from LOG_LEVEL
// (default info) and LOG_FORMAT ("json" or "text", default text).
func SetupLogger() {
	log.SetOutput(os.Stdout)
	if strings.EqualFold(os.Getenv("LOG_FORMAT"), "json") {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
	level, err := log.ParseLevel(envStr("LOG_LEVEL", "info"))
	if err != nil {
		log.WithField("value", os.Getenv("LOG_LEVEL")).Warn("unknown LOG_LEVEL, using info")
		level = log.InfoLevel
	}
	log.SetLevel(level)
}
