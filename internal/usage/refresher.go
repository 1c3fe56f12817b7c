package usage

import (
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// DefaultRefreshSpec polls usage every five minutes.
const DefaultRefreshSpec = "@every 5m"

// cronParser accepts both standard 5-field cron expressions and 6-field
// expressions with an optional seconds field.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Refresher periodically asks the server for a fresh usage snapshot.
type Refresher struct {
	spec    string
	request func()
	cron    *cron.Cron
}

// NewRefresher creates a refresher that calls request on the given cron spec.
func NewRefresher(spec string, request func()) *Refresher {
	if spec == "" {
		spec = DefaultRefreshSpec
	}
	return &Refresher{
		spec:    spec,
		request: request,
		cron:    cron.New(cron.WithParser(cronParser)),
	}
}

// Start registers the schedule and starts the cron ticker.
func (r *Refresher) Start() error {
	if _, err := r.cron.AddFunc(r.spec, func() {
		slog.Debug("refreshing usage snapshot", "schedule", r.spec)
		r.request()
	}); err != nil {
		return fmt.Errorf("invalid usage refresh schedule %q: %w", r.spec, err)
	}
	r.cron.Start()
	return nil
}

// Stop stops the cron ticker.
func (r *Refresher) Stop() {
	r.cron.Stop()
}
