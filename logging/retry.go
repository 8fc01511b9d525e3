package logging

import (
	retry "github.com/appleboy/go-httpretry"
	"go.uber.org/zap"
)

// retryLogger routes go-httpretry's key/value log calls into zap.
type retryLogger struct {
	sugar *zap.SugaredLogger
}

// Retry adapts l for retry.WithLogger. A nil l discards everything.
func Retry(l *zap.Logger) retry.Logger {
	if l == nil {
		l = zap.NewNop()
	}
	return retryLogger{sugar: l.Named("retry").Sugar()}
}

func (l retryLogger) Debug(msg string, args ...any) { l.sugar.Debugw(msg, args...) }
func (l retryLogger) Info(msg string, args ...any)  { l.sugar.Infow(msg, args...) }
func (l retryLogger) Warn(msg string, args ...any)  { l.sugar.Warnw(msg, args...) }
func (l retryLogger) Error(msg string, args ...any) { l.sugar.Errorw(msg, args...) }
