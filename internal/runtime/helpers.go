package runtime

import (
	"github.com/glancehq/eventmesh/internal/bus"
	"github.com/glancehq/eventmesh/internal/pkg/config"
	"github.com/glancehq/eventmesh/internal/topic"
)

// autoDocumentEntries resolves the auto-document topic list, falling back
// to the built-in set when the config leaves it empty.
func autoDocumentEntries(cfg *config.Config) []string {
	if len(cfg.Bus.AutoDocument) > 0 {
		return cfg.Bus.AutoDocument
	}
	return topic.DefaultAutoDocument()
}

// newRegistry builds the bus topic registry from config.
func newRegistry(cfg *config.Config) *topic.Registry {
	return topic.NewRegistry(autoDocumentEntries(cfg)...)
}

// retryPolicy maps journal config onto the bus retry policy, keeping the
// defaults for anything unset.
func retryPolicy(cfg *config.Config) bus.RetryPolicy {
	p := bus.DefaultRetryPolicy()
	if cfg.Bus.Journal.MaxAttempts > 0 {
		p.MaxAttempts = cfg.Bus.Journal.MaxAttempts
	}
	p.InitialDelay = config.Duration(cfg.Bus.Journal.RetryBase, p.InitialDelay)
	return p
}
