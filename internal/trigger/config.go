// Package trigger implements the per-trigger consumer worker and its
// owner-side handle: the lifecycle state machine, bounded batching poll
// loop, offset-commit discipline, and the exponential-retry / auto-disable
// policy.
package trigger

import "github.com/openwhisk/openwhisk-package-kafka/internal/payload"

// Config is the immutable configuration of a trigger for a Worker's
// lifetime. Reconfiguring means destroy and recreate.
type Config struct {
	ID          string
	WebhookURL  string
	Brokers     []string
	Topic       string
	Flags       payload.Flags
	IsSecureBus bool
	Username    string
	Password    string
	Active      bool
}
