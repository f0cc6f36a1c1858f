// Package dispatch glues the pipeline together: it turns an approved
// application into a queued automation task, starts tasks against the
// engine, and folds engine results back into application status.
//
// Everything here is deliberately thin. The interesting guarantees live in
// the collaborators: the lifecycle store owns the duplicate-submission
// guard, the verification mailbox owns the one-ping-per-code rule, and the
// task queue owns at-least-once delivery.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/SmmShaman/jobbot-no/classify"
	"github.com/SmmShaman/jobbot-no/cvcheck"
	"github.com/SmmShaman/jobbot-no/eventlog"
	"github.com/SmmShaman/jobbot-no/finnid"
	"github.com/SmmShaman/jobbot-no/idgen"
	"github.com/SmmShaman/jobbot-no/jobstore"
	"github.com/SmmShaman/jobbot-no/lifecycle"
	"github.com/SmmShaman/jobbot-no/taskq"
	"github.com/SmmShaman/jobbot-no/verify"
)

// Enqueue failure modes the API layer maps to distinct responses.
var (
	ErrNotFound         = errors.New("dispatch: application not found")
	ErrNotAutomatable   = errors.New("dispatch: posting cannot be submitted automatically")
	ErrVerificationBusy = errors.New("dispatch: a verification is already in flight for this operator")
	ErrNotApproved      = errors.New("dispatch: application is not in an approvable state")
)

// Engine result outcomes reported on the task-result webhook.
const (
	OutcomeSuccess      = "success"
	OutcomeFailure      = "failure"
	OutcomeManualReview = "manual_review"
	// OutcomeLoginFailed means the engine got a code but login still failed,
	// so retrying without a human looking at the account is pointless.
	OutcomeLoginFailed = "failed_login_after_code"
)

// Profile is the account the bot applies on behalf of.
type Profile struct {
	Identifier string // login identifier at the board, usually the email
	ChatHandle string // operator chat handle for verification pings
	CVPath     string // optional CV to attach, validated before each enqueue
}

// Config wires a Dispatcher.
type Config struct {
	Profile     Profile
	ScriptRef   string // automation script the engine should run
	CallbackURL string // verification webhook the engine polls
	CVLimits    cvcheck.Limits
	Logger      *slog.Logger
}

func (c *Config) defaults() {
	if c.ScriptRef == "" {
		c.ScriptRef = "finn-native"
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Dispatcher coordinates submissions end to end.
type Dispatcher struct {
	cfg     Config
	apps    *lifecycle.Store
	jobs    *jobstore.Store
	mailbox *verify.Mailbox
	queue   *taskq.Q
	events  *eventlog.Logger
	engine  Engine
	logger  *slog.Logger
	newID   idgen.Generator
}

// New builds a Dispatcher from already-initialized collaborators.
func New(cfg Config, apps *lifecycle.Store, jobs *jobstore.Store, mailbox *verify.Mailbox,
	queue *taskq.Q, events *eventlog.Logger, engine Engine) *Dispatcher {
	cfg.defaults()
	return &Dispatcher{
		cfg:     cfg,
		apps:    apps,
		jobs:    jobs,
		mailbox: mailbox,
		queue:   queue,
		events:  events,
		engine:  engine,
		logger:  cfg.Logger,
		newID:   idgen.Prefixed("task_", idgen.Default),
	}
}

// Enqueue takes one approved application through the pre-flight checks and
// onto the task queue. The checks run before the status transition so a
// refused application stays approved; only the final transition competes
// with concurrent Enqueue calls, and exactly one of them wins.
func (d *Dispatcher) Enqueue(ctx context.Context, applicationID string) (queueTaskID string, err error) {
	app, err := d.apps.Get(ctx, applicationID)
	if err != nil {
		return "", err
	}
	if app == nil {
		return "", ErrNotFound
	}

	posting, err := d.jobs.Get(ctx, app.JobID)
	if err != nil {
		return "", err
	}
	if posting == nil {
		return "", fmt.Errorf("dispatch: posting %s: %w", app.JobID, ErrNotFound)
	}

	// Only native forms are automatable. External forms, registration walls
	// and email applications all need a human.
	if posting.FormType != classify.Native {
		d.logEvent(ctx, app, "", eventlog.LevelWarn, "submission_refused",
			fmt.Sprintf("form type %s is not automatable", posting.FormType))
		return "", fmt.Errorf("%w: form type %s", ErrNotAutomatable, posting.FormType)
	}

	applyURL := posting.CanonicalApplyURL
	if applyURL == "" {
		applyURL = posting.URL
	}
	if id, ok := finnid.Extract(applyURL); !ok || id != posting.ID {
		d.logEvent(ctx, app, "", eventlog.LevelWarn, "submission_refused",
			fmt.Sprintf("apply URL %q does not carry posting id %s", applyURL, posting.ID))
		return "", fmt.Errorf("%w: unresolvable apply URL", ErrNotAutomatable)
	}

	// One verification in flight per operator. Replies are routed by
	// recency, so a second task could steal the first task's code.
	busy, err := d.mailbox.HasActive(ctx, d.cfg.Profile.ChatHandle)
	if err != nil {
		return "", err
	}
	if busy {
		return "", ErrVerificationBusy
	}

	if d.cfg.Profile.CVPath != "" {
		if _, err := cvcheck.Check(d.cfg.Profile.CVPath, d.cfg.CVLimits); err != nil {
			d.logEvent(ctx, app, "", eventlog.LevelError, "cv_rejected", err.Error())
			return "", err
		}
	}

	applied, err := d.apps.Submit(ctx, app.ID)
	if err != nil {
		return "", err
	}
	if !applied {
		return "", ErrNotApproved
	}

	if _, err := d.mailbox.CreatePending(ctx, d.cfg.Profile.Identifier, app.UserID, d.cfg.Profile.ChatHandle); err != nil {
		d.rollback(ctx, app)
		return "", err
	}

	task := &taskq.Task{
		ID:            d.newID(),
		ApplicationID: app.ID,
		JobID:         app.JobID,
		ApplyURL:      applyURL,
		ScriptRef:     d.cfg.ScriptRef,
		CallbackURL:   d.cfg.CallbackURL,
		Identifier:    d.cfg.Profile.Identifier,
	}
	if err := d.queue.Publish(ctx, task); err != nil {
		d.rollback(ctx, app)
		return "", err
	}

	d.logEvent(ctx, app, task.ID, eventlog.LevelInfo, "submission_enqueued", applyURL)
	return task.ID, nil
}

// rollback returns a freshly-submitted application to approved after a
// post-transition step failed.
func (d *Dispatcher) rollback(ctx context.Context, app *lifecycle.Application) {
	if _, err := d.apps.Cancel(ctx, app.ID); err != nil {
		d.logger.Error("dispatch: rollback failed", "application", app.ID, "error", err)
	}
}

// handleTask starts one queued submission against the engine. An error here
// leaves the task on the queue for redelivery.
func (d *Dispatcher) handleTask(ctx context.Context, task *taskq.Task) error {
	spec := TaskSpec{
		ApplicationID: task.ApplicationID,
		JobID:         task.JobID,
		ApplyURL:      task.ApplyURL,
		ScriptRef:     task.ScriptRef,
		CallbackURL:   task.CallbackURL,
		Identifier:    task.Identifier,
		CVPath:        d.cfg.Profile.CVPath,
	}
	engineTaskID, err := d.engine.StartTask(ctx, spec)
	if err != nil {
		d.logger.Warn("dispatch: engine start failed",
			"application", task.ApplicationID, "attempt", task.Attempts, "error", err)
		return err
	}

	meta := map[string]string{"queue_task": task.ID, "script": task.ScriptRef}
	if err := d.apps.SetSubmissionMeta(ctx, task.ApplicationID, engineTaskID, meta); err != nil {
		return err
	}

	d.events.Log(ctx, &eventlog.Entry{
		JobID:         task.JobID,
		ApplicationID: task.ApplicationID,
		TaskID:        engineTaskID,
		Action:        "engine_task_started",
	})
	return nil
}

// handleOverflow parks an application whose task exhausted its attempts.
func (d *Dispatcher) handleOverflow(ctx context.Context, task *taskq.Task) {
	if _, err := d.apps.MarkManualReview(ctx, task.ApplicationID); err != nil {
		d.logger.Error("dispatch: overflow transition failed",
			"application", task.ApplicationID, "error", err)
		return
	}
	d.events.Log(ctx, &eventlog.Entry{
		JobID:         task.JobID,
		ApplicationID: task.ApplicationID,
		Action:        "submission_exhausted",
		Detail:        fmt.Sprintf("gave up after %d attempts", task.Attempts),
		Level:         eventlog.LevelError,
	})
}

// Run consumes the task queue until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	d.queue.Run(ctx, d.handleTask, d.handleOverflow)
}

// HandleResult folds one engine result into application status, keyed by
// the engine's task handle. Unknown handles are an error; a status no-op
// (result for an already-settled application) is logged and swallowed.
func (d *Dispatcher) HandleResult(ctx context.Context, engineTaskID, outcome, detail string) error {
	app, err := d.apps.GetByTask(ctx, engineTaskID)
	if err != nil {
		return err
	}
	if app == nil {
		return fmt.Errorf("dispatch: no application for task %s: %w", engineTaskID, ErrNotFound)
	}

	var applied bool
	var action string
	level := eventlog.LevelInfo
	switch outcome {
	case OutcomeSuccess:
		applied, err = d.apps.MarkSent(ctx, app.ID)
		action = "submission_sent"
	case OutcomeFailure:
		applied, err = d.apps.MarkFailed(ctx, app.ID)
		action, level = "submission_failed", eventlog.LevelError
	case OutcomeManualReview, OutcomeLoginFailed:
		applied, err = d.apps.MarkManualReview(ctx, app.ID)
		action, level = "submission_needs_review", eventlog.LevelWarn
	default:
		return fmt.Errorf("dispatch: unknown outcome %q for task %s", outcome, engineTaskID)
	}
	if err != nil {
		return err
	}
	if !applied {
		d.logger.Info("dispatch: stale result ignored",
			"application", app.ID, "task", engineTaskID, "outcome", outcome)
		return nil
	}

	d.logEvent(ctx, app, engineTaskID, level, action, detail)
	return nil
}

func (d *Dispatcher) logEvent(ctx context.Context, app *lifecycle.Application, taskID, level, action, detail string) {
	err := d.events.Log(ctx, &eventlog.Entry{
		JobID:         app.JobID,
		ApplicationID: app.ID,
		TaskID:        taskID,
		Action:        action,
		Detail:        detail,
		Level:         level,
	})
	if err != nil {
		d.logger.Error("dispatch: event log write failed", "action", action, "error", err)
	}
}
