package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jarosser06/ratio-sub000/eventbus"
	"github.com/jarosser06/ratio-sub000/process"
	"github.com/jarosser06/ratio-sub000/telemetry"
	"github.com/jarosser06/ratio-sub000/token"
)

// defaultGlobalProcessTimeout is global_process_timeout_minutes' default
// (spec.md §4.5.3).
const defaultGlobalProcessTimeout = 15 * time.Minute

// reconciliationSystemGroup is the authorized_groups value minted onto the
// sweep's own system token, distinguishing sweep-originated tool-response
// events from ones a real caller's token produced.
const reconciliationSystemGroup = "system"

// Reconciler runs the periodic reconciliation sweep described in spec.md
// §4.5.3: it closes out processes that exceeded global_process_timeout_minutes
// and unsticks RUNNING parents whose children are all terminal but which
// never observed a completion event, in both cases re-triggering the normal
// tool-response flow with an audit trail appended to status_message
// (grounded on agent_manager/runtime/reconcile.py's reconcile_processes).
type Reconciler struct {
	processes     process.Store
	bus           eventbus.Bus
	tokens        *token.Service
	logger        telemetry.Logger
	globalTimeout time.Duration
	cron          *cron.Cron
}

// NewReconciler constructs a Reconciler. globalTimeout defaults to 15
// minutes when zero.
func NewReconciler(processes process.Store, bus eventbus.Bus, tokens *token.Service, logger telemetry.Logger, globalTimeout time.Duration) *Reconciler {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	if globalTimeout <= 0 {
		globalTimeout = defaultGlobalProcessTimeout
	}
	return &Reconciler{processes: processes, bus: bus, tokens: tokens, logger: logger, globalTimeout: globalTimeout}
}

// Start schedules Sweep to run every five minutes via robfig/cron, mirroring
// the teacher's preference for a library-driven scheduler over a hand-rolled
// ticker loop.
func (r *Reconciler) Start() {
	r.cron = cron.New()
	_, _ = r.cron.AddFunc("*/5 * * * *", func() { r.Sweep(context.Background()) })
	r.cron.Start()
}

// Stop halts the scheduled sweep, waiting for any in-flight run to finish.
func (r *Reconciler) Stop() {
	if r.cron == nil {
		return
	}
	ctx := r.cron.Stop()
	<-ctx.Done()
}

// Sweep runs one reconciliation pass: stuck parents first, then timeouts,
// matching reconcile_processes's ordering.
func (r *Reconciler) Sweep(ctx context.Context) {
	stuck, err := r.handleStuckParentProcesses(ctx)
	if err != nil {
		r.logger.Error(ctx, "stuck parent reconciliation failed", "error", err.Error())
	}
	timedOut, err := r.handleTimedOutProcesses(ctx)
	if err != nil {
		r.logger.Error(ctx, "timeout reconciliation failed", "error", err.Error())
	}
	r.logger.Info(ctx, "reconciliation sweep complete", "stuck_parents", len(stuck), "timed_out", len(timedOut))
}

func (r *Reconciler) notifyParent(ctx context.Context, child *process.Process, resp ToolResponseEvent) error {
	parent, err := r.processes.Get(ctx, child.ParentProcessID)
	if err != nil {
		return err
	}
	sysToken, err := r.tokens.MintSystemToken(parent.ProcessOwner, []string{reconciliationSystemGroup})
	if err != nil {
		return err
	}
	resp.ParentProcessID = parent.ParentProcessID
	resp.ProcessID = parent.ProcessID
	resp.Token = sysToken
	return r.bus.Publish(ctx, eventbus.Event{Type: EventToolResponse, Body: toBody(resp)}, 0)
}

// handleTimedOutProcesses closes out every RUNNING process started more
// than r.globalTimeout ago and, for non-root processes, notifies the parent
// of the failure so its own handler re-evaluates the schedule (grounded on
// handle_timed_out_processes).
func (r *Reconciler) handleTimedOutProcesses(ctx context.Context) ([]string, error) {
	cutoff := time.Now().UTC().Add(-r.globalTimeout)
	candidates, err := r.processes.ListRunningOlderThan(ctx, cutoff)
	if err != nil {
		return nil, err
	}

	var reconciled []string
	for _, p := range candidates {
		now := time.Now().UTC()
		p.ExecutionStatus = process.StatusTimedOut
		p.EndedOn = &now
		p.AppendStatusMessage(fmt.Sprintf("reconciled: timed out after %s at %s", r.globalTimeout, now.Format(time.RFC3339)))
		if err := r.processes.CompareAndSwap(ctx, p, p.Revision); err != nil {
			r.logger.Warn(ctx, "failed to persist timed out process", "process_id", p.ProcessID, "error", err.Error())
			continue
		}
		if p.ParentProcessID != process.RootParentSentinel {
			if err := r.notifyParent(ctx, p, ToolResponseEvent{
				Status:  string(process.StatusTimedOut),
				Failure: fmt.Sprintf("process timed out after %d minutes", int(r.globalTimeout.Minutes())),
			}); err != nil {
				r.logger.Warn(ctx, "failed to notify parent of timeout", "process_id", p.ProcessID, "error", err.Error())
			}
		}
		reconciled = append(reconciled, p.ProcessID)
	}
	return reconciled, nil
}

// handleStuckParentProcesses finds RUNNING processes whose children are all
// terminal but whose own status was never updated, re-triggering the normal
// tool-response flow so process_complete_handler's equivalent reconciles
// them forward (grounded on handle_stuck_parent_processes). It scans the
// same RUNNING-processes source as the timeout sweep with a cutoff of "now"
// since process.Store exposes no separate "list all RUNNING" query.
func (r *Reconciler) handleStuckParentProcesses(ctx context.Context) ([]string, error) {
	candidates, err := r.processes.ListRunningOlderThan(ctx, time.Now().UTC())
	if err != nil {
		return nil, err
	}

	var reconciled []string
	for _, p := range candidates {
		children, err := r.processes.ListChildren(ctx, p.ProcessID)
		if err != nil || len(children) == 0 {
			continue
		}
		allTerminal := true
		var completedChild *process.Process
		for _, child := range children {
			if !child.ExecutionStatus.IsTerminal() {
				allTerminal = false
				break
			}
			if child.ExecutionStatus == process.StatusCompleted && completedChild == nil {
				completedChild = child
			}
		}
		if !allTerminal {
			continue
		}
		// Re-trigger is addressed as if one of p's own children had just
		// reported completion, so the coordinator's tool-response handler
		// derives p as the parent to re-evaluate in the usual way: process_id
		// names the child, not p itself (grounded on handle_stuck_parent_processes
		// picking a completed child, or any child if none completed, as the
		// trigger).
		trigger := completedChild
		if trigger == nil {
			trigger = children[0]
		}

		p.AppendStatusMessage(fmt.Sprintf("reconciled: stuck parent process unstuck at %s", time.Now().UTC().Format(time.RFC3339)))
		if err := r.processes.CompareAndSwap(ctx, p, p.Revision); err != nil {
			r.logger.Warn(ctx, "failed to persist stuck parent reconciliation", "process_id", p.ProcessID, "error", err.Error())
			continue
		}

		sysToken, err := r.tokens.MintSystemToken(p.ProcessOwner, []string{reconciliationSystemGroup})
		if err != nil {
			r.logger.Warn(ctx, "failed to mint system token for stuck parent reconciliation", "process_id", p.ProcessID, "error", err.Error())
			continue
		}
		resp := ToolResponseEvent{ParentProcessID: p.ProcessID, ProcessID: trigger.ProcessID, Token: sysToken, Status: string(process.StatusCompleted)}
		if completedChild != nil {
			resp.Response = completedChild.ResponsePath
		}
		if err := r.bus.Publish(ctx, eventbus.Event{Type: EventToolResponse, Body: toBody(resp)}, 0); err != nil {
			r.logger.Warn(ctx, "failed to publish stuck parent reconciliation event", "process_id", p.ProcessID, "error", err.Error())
			continue
		}
		reconciled = append(reconciled, p.ProcessID)
	}
	return reconciled, nil
}
