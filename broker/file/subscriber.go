package file

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/slatewire/slatewire/broker"
)

const (
	// DefaultPollInterval is how often the inbox is scanned.
	DefaultPollInterval = 2 * time.Second

	// ProcessedDir is the inbox subdirectory delivered envelopes are
	// moved to.
	ProcessedDir = "processed"

	// RejectedDir is the inbox subdirectory envelopes that can't be
	// decoded are moved to.
	RejectedDir = "rejected"
)

// errInboxWrite marks a failure to move an envelope out of the inbox. The
// inbox is then treated as lost until its subdirectories can be prepared
// again.
var errInboxWrite = errors.New("unable to move envelope")

// Config configures a file Subscriber.
type Config struct {
	// Name identifies the listener.
	Name string

	// Inbox is the directory that is watched for envelopes. It must
	// exist when the subscriber starts.
	Inbox string

	// PollInterval is how often the inbox is scanned. It is ignored if
	// Ticker is set.
	PollInterval time.Duration

	// Ticker drives the scans. If nil, a ticker with PollInterval is
	// created on every start.
	Ticker ticker.Ticker

	// Retry decides when an unreadable inbox is given up on.
	Retry broker.RetryPolicy
}

// Subscriber delivers the envelopes that appear in a directory. Files are
// delivered in name order and moved to the processed subdirectory only after
// the handler returned, so an envelope is delivered again if the process
// stops halfway.
type Subscriber struct {
	cfg Config
	lc  *broker.Lifecycle

	// delivered holds the envelopes handed to the handler that are still
	// waiting to be moved out of the inbox. It is only used by the poll
	// goroutine.
	delivered map[string]struct{}

	mu sync.Mutex
	gm *fn.GoroutineManager
}

// A compile time check to ensure Subscriber implements the broker.Subscriber
// interface.
var _ broker.Subscriber = (*Subscriber)(nil)

// NewSubscriber creates a subscriber for the config.
func NewSubscriber(cfg *Config) *Subscriber {
	c := *cfg
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.Retry == (broker.RetryPolicy{}) {
		c.Retry = broker.DefaultRetryPolicy()
	}
	if c.Name == "" {
		c.Name = "file"
	}

	return &Subscriber{
		cfg: c,
		lc:  broker.NewLifecycle(c.Name),
	}
}

// Start checks the inbox and starts polling it.
//
// NOTE: This is part of the broker.Subscriber interface.
func (s *Subscriber) Start(handler broker.SubscriptionHandler) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.lc.Starting(handler); err != nil {
		return err
	}

	if err := s.prepareInbox(); err != nil {
		s.lc.Closed(broker.AbnormalClose(err))
		return err
	}

	if err := s.lc.Opened(); err != nil {
		return err
	}

	t := s.cfg.Ticker
	if t == nil {
		t = ticker.New(s.cfg.PollInterval)
	}

	if s.gm != nil {
		s.gm.Stop()
	}
	s.delivered = make(map[string]struct{})
	s.gm = fn.NewGoroutineManager()
	s.gm.Go(context.Background(), func(ctx context.Context) {
		s.pollLoop(ctx, t)
	})

	return nil
}

// Stop stops polling.
//
// NOTE: This is part of the broker.Subscriber interface.
func (s *Subscriber) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.gm != nil {
		s.gm.Stop()
		s.gm = nil
	}

	s.lc.Closed(broker.NormalClose())
}

// IsRunning returns true while the inbox is readable.
//
// NOTE: This is part of the broker.Subscriber interface.
func (s *Subscriber) IsRunning() bool {
	return s.lc.IsRunning()
}

func (s *Subscriber) prepareInbox() error {
	info, err := os.Stat(s.cfg.Inbox)
	if err != nil {
		return fmt.Errorf("inbox unavailable: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("inbox %v is not a directory", s.cfg.Inbox)
	}

	for _, dir := range []string{ProcessedDir, RejectedDir} {
		err := os.MkdirAll(filepath.Join(s.cfg.Inbox, dir), 0700)
		if err != nil {
			return err
		}
	}

	return nil
}

// pollLoop scans the inbox right away and then on every tick.
//
// NOTE: MUST be run as a goroutine.
func (s *Subscriber) pollLoop(ctx context.Context, t ticker.Ticker) {
	t.Resume()
	defer t.Stop()

	var permanentFailures int
	for {
		err := s.poll(ctx)
		switch {
		case err == nil:
			permanentFailures = 0

		case ctx.Err() != nil:
			return

		default:
			if os.IsPermission(err) {
				err = broker.Permanent(err)
				permanentFailures++
			}

			if s.lc.Dropped() {
				log.Warnf("Inbox %v of listener %v unreadable: "+
					"%v", s.cfg.Inbox, s.cfg.Name, err)
			}

			if s.cfg.Retry.GiveUp(err, permanentFailures) {
				s.lc.Closed(broker.AbnormalClose(err))
				return
			}
		}

		select {
		case <-t.Ticks():
		case <-ctx.Done():
			return
		}
	}
}

// poll delivers every envelope currently in the inbox.
func (s *Subscriber) poll(ctx context.Context) error {
	entries, err := os.ReadDir(s.cfg.Inbox)
	if err != nil {
		return err
	}

	// The subdirectories could have been removed, on their own or together
	// with the inbox.
	if s.lc.State() == broker.StateDropped {
		if err := s.prepareInbox(); err != nil {
			return err
		}
		s.lc.Reestablished()
	}

	for _, entry := range entries {
		if ctx.Err() != nil {
			return nil
		}

		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, slateExt) {
			continue
		}

		err := s.deliverFile(name)
		switch {
		case errors.Is(err, broker.ErrNotRunning):
			return nil

		case errors.Is(err, errInboxWrite):
			return err

		case err != nil:
			log.Errorf("Unable to deliver %v: %v", name, err)
		}
	}

	return nil
}

// deliverFile hands the envelope in name to the handler and moves it to the
// processed directory. An envelope that was delivered but couldn't be moved
// is only moved on later calls.
func (s *Subscriber) deliverFile(name string) error {
	path := filepath.Join(s.cfg.Inbox, name)

	if _, ok := s.delivered[name]; !ok {
		b, err := os.ReadFile(path)
		if err != nil {
			return err
		}

		env, err := broker.DecodeEnvelope(b)
		if err != nil {
			log.Warnf("Rejecting envelope %v: %v", name, err)

			return s.moveFile(name, RejectedDir)
		}

		log.Debugf("Delivering slate %v from %v", env.Slate.ID, name)

		err = s.lc.Deliver(env.From, env.Slate, env.Proof)
		if err != nil {
			return err
		}
		s.delivered[name] = struct{}{}
	}

	if err := s.moveFile(name, ProcessedDir); err != nil {
		return err
	}
	delete(s.delivered, name)

	return nil
}

// moveFile moves name from the inbox into the subdirectory dir.
func (s *Subscriber) moveFile(name, dir string) error {
	err := os.Rename(
		filepath.Join(s.cfg.Inbox, name),
		filepath.Join(s.cfg.Inbox, dir, name),
	)
	if err != nil {
		return fmt.Errorf("%w %v to %v: %w", errInboxWrite, name, dir,
			err)
	}

	return nil
}
