// Package dispatch drives a bulk-send job: scheduled wait, one SMTP
// connection, a paced per-recipient send loop, and a durable outcome row
// for every recipient reached.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"dmailer/internal/deliverylog"
	"dmailer/internal/mail"
	"dmailer/internal/metrics"
	"dmailer/internal/models"
	"dmailer/internal/template"
)

// ErrJobActive is returned by Start while a previous job is still
// running. Only one job may hold the delivery log at a time.
var ErrJobActive = errors.New("a dispatch job is already in progress")

// Engine runs at most one job at a time on a background goroutine.
// State and Progress are safe to call from any goroutine while the job
// runs.
type Engine struct {
	transport mail.Transport
	log       *deliverylog.Log
	logger    *zap.Logger

	mu     sync.Mutex
	wg     sync.WaitGroup
	state  models.JobState
	total  int
	active bool
}

func New(transport mail.Transport, log *deliverylog.Log, logger *zap.Logger) *Engine {
	return &Engine{
		transport: transport,
		log:       log,
		logger:    logger,
		state:     models.StateIdle,
	}
}

// Start accepts the job and returns immediately; the send loop runs in
// the background until completion or ctx cancellation. The delivery log
// is reset and the progress total published before Start returns, so
// status queries see the new job's size right away.
func (e *Engine) Start(ctx context.Context, job models.Job) error {
	e.mu.Lock()
	if e.active {
		e.mu.Unlock()
		return ErrJobActive
	}
	e.active = true
	e.total = len(job.Recipients)
	e.state = models.StateScheduled
	e.mu.Unlock()

	if err := e.log.Reset(job.Columns); err != nil {
		e.mu.Lock()
		e.active = false
		e.state = models.StateIdle
		e.mu.Unlock()
		return fmt.Errorf("reset delivery log: %w", err)
	}

	metrics.JobsStarted.Inc()
	metrics.JobRecipients.Set(float64(len(job.Recipients)))

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.run(ctx, job)
	}()

	return nil
}

func (e *Engine) run(ctx context.Context, job models.Job) {
	defer func() {
		e.mu.Lock()
		e.active = false
		e.mu.Unlock()
	}()

	if wait := time.Until(job.ScheduledAt); wait > 0 {
		e.logger.Info("job scheduled",
			zap.Duration("wait", wait),
			zap.Int("recipients", len(job.Recipients)),
		)
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			e.logger.Info("job cancelled before scheduled start")
			return
		case <-timer.C:
		}
	}

	e.setState(models.StateConnecting)

	session, err := e.transport.Connect(job.Sender)
	if err != nil {
		// Fail fast: a broken credential must not retry per-recipient.
		e.logger.Error("smtp connection failed", zap.Error(err))
		if logErr := e.log.WriteConnectFailure(job.Recipients); logErr != nil {
			e.logger.Error("failed to write connect-failure rows", zap.Error(logErr))
		}
		metrics.EmailFailures.Add(float64(len(job.Recipients)))
		e.setState(models.StateConnectionFailed)
		return
	}
	defer session.Close()

	e.setState(models.StateSending)

	// Burst 1: the first send goes out immediately, every following send
	// waits the configured delay, and there is no delay after the last.
	limiter := rate.NewLimiter(rate.Every(job.Delay), 1)

	for _, recipient := range job.Recipients {
		if err := limiter.Wait(ctx); err != nil {
			e.logger.Warn("job cancelled mid-send", zap.Error(err))
			return
		}

		row := e.deliver(session, job, recipient)
		if err := e.log.Append(row); err != nil {
			e.logger.Error("failed to log outcome",
				zap.String("to", recipient.Email()),
				zap.Error(err),
			)
		}
	}

	e.setState(models.StateCompleted)
	e.logger.Info("all recipients processed", zap.Int("total", len(job.Recipients)))
}

// deliver renders and sends one message. Render and send failures are
// scoped to this recipient and come back as a Failed row; they never
// abort the loop.
func (e *Engine) deliver(session mail.Session, job models.Job, recipient models.Recipient) models.LogRow {
	merged := make(map[string]string, len(recipient.Fields)+6)
	for k, v := range recipient.Fields {
		merged[k] = v
	}
	// Sender fields merge second and win any collision.
	for k, v := range job.Sender.TemplateFields() {
		merged[k] = v
	}

	err := func() error {
		subject, err := template.Render(job.SubjectTemplate, merged)
		if err != nil {
			return err
		}
		body, err := template.Render(job.BodyTemplate, merged)
		if err != nil {
			return err
		}
		return session.Send(recipient.Email(), subject, body, job.AttachmentPath)
	}()

	if err != nil {
		e.logger.Error("delivery failed",
			zap.String("to", recipient.Email()),
			zap.Error(err),
		)
		metrics.EmailFailures.Inc()
		return models.LogRow{Fields: recipient.Fields, Status: models.StatusFailed, Error: err.Error()}
	}

	e.logger.Info("email sent", zap.String("to", recipient.Email()))
	metrics.EmailsSent.Inc()
	return models.LogRow{Fields: recipient.Fields, Status: models.StatusSent}
}

func (e *Engine) setState(s models.JobState) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

// Active reports whether a job is currently running.
func (e *Engine) Active() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active
}

// State reports the current job's lifecycle state.
func (e *Engine) State() models.JobState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Progress combines the published job total with the delivery log's
// rows. Safe while a job is mid-send; a missing or mid-reset log shows
// up as zero rows, never an error.
func (e *Engine) Progress() models.Progress {
	e.mu.Lock()
	total := e.total
	e.mu.Unlock()

	rows := e.log.ReadAll()
	if rows == nil {
		rows = []models.LogRow{}
	}

	var sent, failed int
	for _, row := range rows {
		if row.Status == models.StatusSent {
			sent++
		} else {
			failed++
		}
	}

	return models.Progress{Total: total, Sent: sent, Failed: failed, Logs: rows}
}

// Wait blocks until the background job, if any, has finished. Used at
// shutdown so a cancelled job exits cleanly instead of being abandoned.
func (e *Engine) Wait() {
	e.wg.Wait()
}
