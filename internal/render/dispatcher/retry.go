package dispatcher

import (
	"context"
	"strconv"
	"time"

	"workbench/internal/common/mq"
	appErr "workbench/pkg/errors"
	"workbench/pkg/utils/logger"

	"go.uber.org/zap"
)

const renderRetryHeader = "x-render-retry"

// ParseRenderRetryCount reads how many times a request lost the lock race.
func ParseRenderRetryCount(headers map[string]string) int {
	raw, ok := headers[renderRetryHeader]
	if !ok {
		return 0
	}
	val, err := strconv.Atoi(raw)
	if err != nil || val < 0 {
		return 0
	}
	return val
}

// requeueLocked republishes msg after a fixed delay. The original is acked
// once the copy is out.
func (d *Dispatcher) requeueLocked(ctx context.Context, msg *mq.Message) error {
	retryCount := ParseRenderRetryCount(msg.Headers)
	timer := time.NewTimer(d.retryDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
	}

	requeued := msg.Clone()
	requeued.SetHeader(renderRetryHeader, strconv.Itoa(retryCount+1))
	if err := d.producer.Publish(ctx, d.topic, requeued); err != nil {
		// Not acked: the queue retries the whole request.
		return appErr.Wrapf(err, appErr.RenderRequeueError, "requeue locked render failed")
	}
	logger.Debug(ctx, "render locked elsewhere, requeued", zap.Int("retry_count", retryCount+1), zap.String("message_id", msg.ID))
	return nil
}
