// Package logger builds the zap logger shared by every component.
//
// Usage:
//
//	log, err := logger.New("development", "debug")
//	if err != nil {
//	    panic(err)
//	}
//	log.Info("pool warmed", zap.Int("cpu", 10))
package logger
