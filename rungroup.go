package leap

import (
	"context"
	"runtime/pprof"

	"github.com/sirupsen/logrus"
)

// ctxKey namespaces context values stored by this package so they never
// collide with a caller's own context keys.
type ctxKey string

const goroutineNameKey ctxKey = "leap_goroutine_name"

// goRoutine starts a named, pprof-labeled goroutine and ties that name into
// this package's own logging: every long-running goroutine the engine owns
// (the read loop, the reconnect supervisor, the TLS dial) logs its start
// and exit at debug level. A panic is recovered and logged at error level
// with the goroutine's name attached instead of crashing the embedding
// process.
func goRoutine(parentCtx context.Context, name string, logger *logrus.Logger, fn func(ctx context.Context)) {
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	if logger == nil {
		logger = logrus.New()
	}

	labels := pprof.Labels("leap_goroutine", name)

	go pprof.Do(parentCtx, labels, func(ctx context.Context) {
		ctx = context.WithValue(ctx, goroutineNameKey, name)
		defer func() {
			if r := recover(); r != nil {
				logger.WithField("goroutine", goroutineName(ctx)).WithField("panic", r).
					Error("leap: goroutine panicked, recovered")
				return
			}
			logger.WithField("goroutine", name).Debug("leap: goroutine exiting")
		}()
		logger.WithField("goroutine", name).Debug("leap: goroutine starting")
		fn(ctx)
	})
}

// goroutineName retrieves the name set by goRoutine from ctx, if any.
func goroutineName(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v := ctx.Value(goroutineNameKey); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}
