package reader

import (
	"context"
	"errors"
)

// Poller drives a polling provider with the same lifecycle as a Connector:
// a successful fetch counts as Subscribed, a failed one as a disconnect.
type Poller struct {
	*feed
	adapter PollAdapter
}

// NewPoller builds a poller for adapter.
func NewPoller(adapter PollAdapter, opts Options) *Poller {
	return &Poller{
		feed:    newFeed(adapter.Provider(), adapter.Provider()+"_poller", opts),
		adapter: adapter,
	}
}

// Run polls until ctx ends. Between successful rounds it waits the current
// backoff delay; after a failure it waits the next one.
func (p *Poller) Run(ctx context.Context) error {
	if err := p.begin(); err != nil {
		return err
	}
	defer p.end()

	natives, err := p.resolveNatives()
	if err != nil {
		p.log.WithError(err).Error("poller cannot start")
		return err
	}

	p.log.WithField("symbols", len(natives)).Info("starting poller")
	for {
		if ctx.Err() != nil {
			p.transition(StateDisconnected, 0, nil)
			return nil
		}

		p.transition(StateConnecting, 0, nil)
		quotes, err := p.adapter.Fetch(ctx, natives)
		if ctx.Err() != nil {
			p.transition(StateDisconnected, 0, nil)
			return nil
		}

		delay := p.backoff.Current()
		switch {
		case errors.Is(err, ErrAuthRejected):
			p.log.WithError(err).Error("provider rejected credentials; poller is fatal")
			p.transition(StateFatal, 0, err)
			return err
		case err != nil:
			p.recordFailure()
			p.reportLimit("poll", err)
			delay = p.backoff.Next()
			p.log.WithError(err).WithField("retry_in", delay.String()).Warn("poll failed")
			p.transition(StateDisconnected, delay, err)
		default:
			p.backoff.Reset()
			delay = p.backoff.Current()
			p.transition(StateSubscribed, 0, nil)
			p.publish(ctx, quotes)
		}

		if p.sleep(ctx, delay) {
			p.transition(StateDisconnected, 0, nil)
			return nil
		}
	}
}
