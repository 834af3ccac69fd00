// Package dbwatch reacts to newly provisioned pay-in addresses announced by
// the database. A server-side trigger fires pg_notify on the "bitcoin" and
// "ether" channels whenever an investor's pay-in columns change; a dedicated
// listener connection dispatches each notification to the action bound to
// its channel.
package dbwatch

import (
	"fmt"
	"sync"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog"

	"payin-monitor/internal/interfaces"
)

// Watcher owns the long-lived LISTEN connection and the dispatch loop.
// Exactly one goroutine reads from the connection; it is never reused for
// ad hoc queries.
type Watcher struct {
	log      zerolog.Logger
	listener *pq.Listener
	actions  map[string]interfaces.TriggerAction
	notify   <-chan *pq.Notification

	pingInterval time.Duration
	stopTimeout  time.Duration

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// Options tunes the listener connection lifecycle.
type Options struct {
	MinReconnect time.Duration
	MaxReconnect time.Duration
	PingInterval time.Duration
	StopTimeout  time.Duration
}

func (o *Options) withDefaults() Options {
	opts := Options{
		MinReconnect: 10 * time.Second,
		MaxReconnect: time.Minute,
		PingInterval: 90 * time.Second,
		StopTimeout:  10 * time.Second,
	}
	if o == nil {
		return opts
	}
	if o.MinReconnect > 0 {
		opts.MinReconnect = o.MinReconnect
	}
	if o.MaxReconnect > 0 {
		opts.MaxReconnect = o.MaxReconnect
	}
	if o.PingInterval > 0 {
		opts.PingInterval = o.PingInterval
	}
	if o.StopTimeout > 0 {
		opts.StopTimeout = o.StopTimeout
	}
	return opts
}

// New opens a dedicated listener connection and subscribes to every channel
// with a bound action. Reconnection with bounded backoff is handled by
// pq.Listener between MinReconnect and MaxReconnect.
func New(connStr string, actions map[string]interfaces.TriggerAction, opts *Options, log zerolog.Logger) (*Watcher, error) {
	o := opts.withDefaults()

	listener := pq.NewListener(connStr, o.MinReconnect, o.MaxReconnect, func(ev pq.ListenerEventType, err error) {
		switch ev {
		case pq.ListenerEventConnectionAttemptFailed:
			log.Error().Err(err).Msg("Listener connection attempt failed")
		case pq.ListenerEventDisconnected:
			log.Warn().Err(err).Msg("Listener disconnected, reconnecting with backoff")
		case pq.ListenerEventReconnected:
			log.Warn().Msg("Listener reconnected, address registrations may have been missed during the outage")
		}
	})

	for channel := range actions {
		if err := listener.Listen(channel); err != nil {
			_ = listener.Close()
			return nil, fmt.Errorf("listen on channel %q: %w", channel, err)
		}
	}

	w := newWatcher(actions, listener.Notify, o, log)
	w.listener = listener
	return w, nil
}

// newWatcher wires the dispatch loop around a notification stream. Split out
// so tests can feed notifications without a database.
func newWatcher(actions map[string]interfaces.TriggerAction, notify <-chan *pq.Notification, o Options, log zerolog.Logger) *Watcher {
	return &Watcher{
		log:          log,
		actions:      actions,
		notify:       notify,
		pingInterval: o.PingInterval,
		stopTimeout:  o.StopTimeout,
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// Start launches the dispatch loop in its own goroutine.
func (w *Watcher) Start() {
	go w.loop()
}

func (w *Watcher) loop() {
	defer close(w.done)
	for {
		select {
		case <-w.stop:
			return

		case n := <-w.notify:
			if n == nil {
				// pq delivers nil after a reconnect. Notifications sent while
				// the connection was down are gone.
				w.log.Warn().Msg("Listener connection was re-established, registrations may have been missed")
				continue
			}
			w.dispatch(n.Channel, n.Extra, time.Now())

		case <-time.After(w.pingInterval):
			if w.listener == nil {
				continue
			}
			go func() {
				if err := w.listener.Ping(); err != nil {
					w.log.Error().Err(err).Msg("Listener ping failed")
				}
			}()
		}
	}
}

// dispatch invokes the action bound to the channel. A missing binding or a
// failing action is logged and never terminates the loop.
func (w *Watcher) dispatch(channel, payload string, at time.Time) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error().
				Interface("panic", r).
				Str("channel", channel).
				Str("payload", payload).
				Msg("Trigger action panicked")
		}
	}()

	action, ok := w.actions[channel]
	if !ok {
		w.log.Warn().
			Str("channel", channel).
			Str("payload", payload).
			Msg("No action bound to notification channel, dropping")
		return
	}

	if err := action(payload, at); err != nil {
		w.log.Error().
			Err(err).
			Str("channel", channel).
			Str("payload", payload).
			Msg("Trigger action failed")
	}
}

// GracefulStop requests loop termination and waits, bounded by StopTimeout,
// for any in-flight dispatch to finish. After it returns no further dispatch
// occurs. Safe to call more than once and concurrently with dispatch.
func (w *Watcher) GracefulStop() {
	w.stopOnce.Do(func() { close(w.stop) })

	select {
	case <-w.done:
	case <-time.After(w.stopTimeout):
		w.log.Error().Msg("Timed out waiting for listener loop to stop")
	}

	if w.listener != nil {
		_ = w.listener.Close()
	}
}
