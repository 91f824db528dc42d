// Package logger provides the process-wide structured logger.
package logger

import (
	"fmt"
	"sync"

	"github.com/Laisky/zap"

	"github.com/laiskygw/geminigw/common/config"
)

// Logger is the process-wide structured logger. It is safe for concurrent use.
var Logger *zap.Logger

var initOnce sync.Once

func init() {
	initLogger()
}

func initLogger() {
	initOnce.Do(func() {
		cfg := zap.NewProductionConfig()
		if config.DebugEnabled {
			cfg = zap.NewDevelopmentConfig()
		}
		cfg.DisableStacktrace = !config.DebugEnabled

		l, err := cfg.Build()
		if err != nil {
			panic(fmt.Sprintf("failed to create logger: %+v", err))
		}
		Logger = l.With(zap.String("component", "geminigw"))
	})
}

// Sync flushes any buffered log entries. Call before process exit.
func Sync() {
	if Logger != nil {
		_ = Logger.Sync()
	}
}
