package dispatcher

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	"workbench/internal/common/mq"
	"workbench/internal/render/renderlock"
	appErr "workbench/pkg/errors"
	"workbench/pkg/utils/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const defaultRetryDelay = time.Second

// Request asks for a render of a workflow at a given delta.
type Request struct {
	WorkflowID int64 `json:"workflow_id"`
	DeltaID    int64 `json:"delta_id"`
}

// WorkflowRepository reads the newest delta of a workflow. A deleted
// workflow is reported as appErr.WorkflowNotFound.
type WorkflowRepository interface {
	LatestDeltaID(ctx context.Context, workflowID int64) (int64, error)
}

// Renderer performs a render. It may return appErr.UnneededExecution when
// the workflow changed underneath it.
type Renderer interface {
	Render(ctx context.Context, req Request) error
}

// Config holds dispatcher dependencies and settings.
type Config struct {
	Repository WorkflowRepository
	Renderer   Renderer
	Locker     *renderlock.Locker
	Producer   mq.Producer
	Topic      string
	RetryDelay time.Duration
	// Fatal is called with errors the worker cannot recover from. The
	// default logs and exits.
	Fatal func(ctx context.Context, err error)
}

// Dispatcher consumes render requests.
type Dispatcher struct {
	repo       WorkflowRepository
	renderer   Renderer
	locker     *renderlock.Locker
	producer   mq.Producer
	topic      string
	retryDelay time.Duration
	fatal      func(ctx context.Context, err error)
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(cfg Config) (*Dispatcher, error) {
	if cfg.Repository == nil {
		return nil, fmt.Errorf("workflow repository is required")
	}
	if cfg.Renderer == nil {
		return nil, fmt.Errorf("renderer is required")
	}
	if cfg.Locker == nil {
		return nil, fmt.Errorf("render locker is required")
	}
	if cfg.Producer == nil || cfg.Topic == "" {
		return nil, fmt.Errorf("render topic producer is required")
	}
	d := &Dispatcher{
		repo:       cfg.Repository,
		renderer:   cfg.Renderer,
		locker:     cfg.Locker,
		producer:   cfg.Producer,
		topic:      cfg.Topic,
		retryDelay: cfg.RetryDelay,
		fatal:      cfg.Fatal,
	}
	if d.retryDelay <= 0 {
		d.retryDelay = defaultRetryDelay
	}
	if d.fatal == nil {
		d.fatal = func(ctx context.Context, err error) {
			logger.Fatal(ctx, "render worker cannot continue", zap.Error(err))
		}
	}
	return d, nil
}

// Publish queues a render request.
func (d *Dispatcher) Publish(ctx context.Context, req Request) error {
	body, err := json.Marshal(req)
	if err != nil {
		return appErr.Wrapf(err, appErr.InvalidFormat, "encode render request failed")
	}
	msg := mq.NewMessage(body)
	msg.ID = uuid.NewString()
	if err := d.producer.Publish(ctx, d.topic, msg); err != nil {
		return appErr.Wrapf(err, appErr.QueuePublishFailed, "publish render request failed")
	}
	return nil
}

// HandleMessage processes one render request. A nil return acks the
// message; requeueing always publishes a new message.
func (d *Dispatcher) HandleMessage(ctx context.Context, msg *mq.Message) error {
	if msg == nil {
		return nil
	}
	var req Request
	if err := json.Unmarshal(msg.Body, &req); err != nil || req.WorkflowID <= 0 {
		logger.Warn(ctx, "dropping malformed render request", zap.String("message_id", msg.ID), zap.Error(err))
		return nil
	}
	ctx = logger.WithWorkflow(ctx, req.WorkflowID)

	stale, err := d.isStale(ctx, req)
	if err != nil {
		return d.fail(ctx, err)
	}
	if stale {
		logger.Debug(ctx, "dropping stale render request", zap.Int64("delta_id", req.DeltaID))
		return nil
	}

	outcome, err := d.locker.RenderLock(ctx, req.WorkflowID, func(ctx context.Context, lock *renderlock.Lock) error {
		return d.render(ctx, req, lock)
	})
	if err != nil {
		return d.fail(ctx, err)
	}
	if outcome == renderlock.AlreadyLocked {
		return d.requeueLocked(ctx, msg)
	}
	return nil
}

func (d *Dispatcher) isStale(ctx context.Context, req Request) (bool, error) {
	latest, err := d.repo.LatestDeltaID(ctx, req.WorkflowID)
	if appErr.Is(err, appErr.WorkflowNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return latest != req.DeltaID, nil
}

// render runs inside the render lock. After rendering it stalls other
// workers and requeues if the workflow moved on meanwhile; a stalled
// worker would otherwise drop its newer request as locked and retry.
func (d *Dispatcher) render(ctx context.Context, req Request, lock *renderlock.Lock) error {
	renderErr := d.renderer.Render(ctx, req)
	switch {
	case renderErr == nil:
	case appErr.Is(renderErr, appErr.UnneededExecution):
		logger.Debug(ctx, "render was not needed", zap.Int64("delta_id", req.DeltaID))
		renderErr = nil
	case appErr.IsFatal(renderErr) || ctx.Err() != nil:
		// Nothing gets requeued; stall anyway so scope exit only releases.
		if err := lock.StallOthers(context.WithoutCancel(ctx)); err != nil {
			return stderrors.Join(renderErr, err)
		}
		return renderErr
	}

	if err := lock.StallOthers(ctx); err != nil {
		return err
	}
	latest, err := d.repo.LatestDeltaID(ctx, req.WorkflowID)
	if appErr.Is(err, appErr.WorkflowNotFound) {
		return renderErr
	}
	if err != nil {
		return err
	}
	if latest != req.DeltaID {
		next := Request{WorkflowID: req.WorkflowID, DeltaID: latest}
		if err := d.Publish(ctx, next); err != nil {
			return appErr.Wrapf(err, appErr.RenderRequeueError, "requeue workflow %d failed", req.WorkflowID)
		}
		logger.Info(ctx, "workflow changed during render, requeued", zap.Int64("delta_id", latest))
	}
	return renderErr
}

// fail sorts an error from handling a request. Fatal errors go to the
// fatal hook; shutdown leaves the message uncommitted; everything else is
// logged and acked.
func (d *Dispatcher) fail(ctx context.Context, err error) error {
	if appErr.IsFatal(err) {
		d.fatal(ctx, err)
		return err
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	logger.Error(ctx, "render failed", zap.Error(err))
	return nil
}
