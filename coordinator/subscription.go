package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jarosser06/ratio-sub000/eventbus"
	"github.com/jarosser06/ratio-sub000/process"
	"github.com/jarosser06/ratio-sub000/storage"
)

// defaultRecursionThreshold is the fallback recursion_detection_threshold
// when a subscription does not declare its own (spec.md §4.5.4).
const defaultRecursionThreshold = 30 * time.Second

// Subscription binds a file or system event match to a tool to execute on
// the matching owner's behalf (spec.md §4.5.4 "Token-carried subscription
// execution"). LastExecution and RecursionThreshold implement the
// recursion-defense rule: a subscription whose own firing re-triggers the
// same event within RecursionThreshold of its last firing is suppressed
// rather than executed again.
type Subscription struct {
	SubscriptionID      string        `json:"subscription_id" bson:"subscription_id"`
	ProcessOwner        string        `json:"process_owner" bson:"process_owner"`
	WorkingDirectory    string        `json:"working_directory" bson:"working_directory"`
	ToolDefinitionPath  string        `json:"tool_definition_path" bson:"tool_definition_path"`
	ArgumentsPath       string        `json:"arguments_path,omitempty" bson:"arguments_path,omitempty"`
	LastExecution       *time.Time    `json:"last_execution,omitempty" bson:"last_execution,omitempty"`
	RecursionThreshold  time.Duration `json:"recursion_detection_threshold" bson:"recursion_detection_threshold"`
}

// SubscriptionStore persists Subscription records, mirroring the narrow
// lookup/update surface the trigger handler needs.
type SubscriptionStore interface {
	Get(ctx context.Context, subscriptionID string) (*Subscription, error)
	Touch(ctx context.Context, subscriptionID string, firedAt time.Time) error
}

// ErrRecursionSuppressed describes a subscription firing again within its
// own recursion_detection_threshold. FireSubscription does not return it: a
// suppressed firing is logged as a warning and FireSubscription returns nil.
var ErrRecursionSuppressed = fmt.Errorf("subscription firing suppressed: recursion detection threshold not elapsed")

// FireSubscription handles an external trigger matching sub: it applies
// recursion defense, mints a short-lived system JWT for the subscription's
// process_owner, verifies read/write access to the working directory, and
// issues an Execute-Tool request exactly as a direct caller would (spec.md
// §4.5.4). Recursion suppression is reported to the logger rather than
// returned as an error, since a suppressed firing is expected steady-state
// behavior, not a failure to retry.
func (c *Coordinator) FireSubscription(ctx context.Context, subs SubscriptionStore, sub *Subscription) error {
	threshold := sub.RecursionThreshold
	if threshold <= 0 {
		threshold = defaultRecursionThreshold
	}
	now := time.Now().UTC()
	if sub.LastExecution != nil && now.Sub(*sub.LastExecution) < threshold {
		c.logger.Warn(ctx, "subscription firing suppressed by recursion detection",
			"subscription_id", sub.SubscriptionID, "last_execution", sub.LastExecution.Format(time.RFC3339))
		return nil
	}

	sysToken, err := c.tokens.MintSystemToken(sub.ProcessOwner, []string{"subscription"})
	if err != nil {
		return err
	}

	access, err := c.storageClient.ValidateFileAccess(ctx, sysToken, sub.WorkingDirectory, []storage.Permission{storage.PermissionRead, storage.PermissionWrite})
	if err != nil {
		return err
	}
	if !access.EntityHasAccess {
		c.logger.Error(ctx, "subscription owner lacks access to working directory",
			"subscription_id", sub.SubscriptionID, "working_directory", sub.WorkingDirectory)
		return fmt.Errorf("process owner %q does not have access to %q", sub.ProcessOwner, sub.WorkingDirectory)
	}

	processID := uuid.NewString()
	proc := &process.Process{
		ProcessID:        processID,
		ParentProcessID:  process.RootParentSentinel,
		ProcessOwner:     sub.ProcessOwner,
		WorkingDirectory: sub.WorkingDirectory,
		ExecutionStatus:  process.StatusRunning,
		StartedOn:        now,
	}
	if err := c.processes.Upsert(ctx, proc); err != nil {
		return err
	}

	if err := subs.Touch(ctx, sub.SubscriptionID, now); err != nil {
		return err
	}

	body := toBody(ExecuteCompositeRequest{
		ArgumentsPath:      sub.ArgumentsPath,
		ToolDefinitionPath: sub.ToolDefinitionPath,
		ParentProcessID:    process.RootParentSentinel,
		ProcessID:          processID,
		Token:              sysToken,
		WorkingDirectory:   sub.WorkingDirectory,
	})
	return c.bus.Publish(ctx, eventbus.Event{Type: EventExecuteComposite, Body: body}, 0)
}
