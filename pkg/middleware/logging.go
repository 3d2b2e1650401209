package middleware

import (
	"context"
	"time"

	"github.com/rzbill/runnel/pkg/log"
	"github.com/rzbill/runnel/pkg/runnel"
)

// Logging logs each record at debug level and each failed handler run at
// warn level.
func Logging(logger log.Logger) runnel.Middleware {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	logger = logger.WithComponent("handler")
	return func(next runnel.RawHandler) runnel.RawHandler {
		return func(ctx context.Context, it runnel.Iterator) error {
			started := time.Now()
			records := 0
			wrapped := &hooked{Iterator: it, onRecord: func(e runnel.Entry) {
				records++
				logger.Debug("handler.record",
					log.Int("partition", e.Partition),
					log.Uint64("seq", e.Seq),
					log.Str("key", e.Key),
					log.Int("deliveries", e.Deliveries),
				)
			}}
			err := next(ctx, wrapped)
			if err != nil {
				logger.Warn("handler.failed",
					log.Int("records", records),
					log.Dur("elapsed", time.Since(started)),
					log.Err(err),
				)
			}
			return err
		}
	}
}
