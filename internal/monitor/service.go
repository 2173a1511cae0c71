package monitor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/liamashdown/peggwatch/internal/model"
	"github.com/liamashdown/peggwatch/internal/task"
)

// ErrUnknownNetwork is returned for a manual scan of a network that is not being scanned
var ErrUnknownNetwork = errors.New("unknown network")

// Store is the read side the service exposes
type Store interface {
	Ping(ctx context.Context) error
	ListInstruments(ctx context.Context) ([]model.Instrument, error)
	ListAlerts(ctx context.Context, limit int) ([]model.Alert, error)
	ListTransfers(ctx context.Context, limit int) ([]model.Transfer, error)
	ListAccounts(ctx context.Context, network string, activeOnly bool) ([]model.TrackedAccount, error)
	MarkAlertRead(ctx context.Context, id string) error
	SavePushSubscription(ctx context.Context, sub *model.PushSubscription) error
}

// Loop is a scheduled task as seen by the service
type Loop interface {
	Name() string
	Status() task.Status
	RunNow(ctx context.Context) error
}

// DigestRunner produces the digest for the day containing now
type DigestRunner func(ctx context.Context, now time.Time) (*model.DigestEntry, bool, error)

// Service is the query and command surface over the running monitor
type Service struct {
	store  Store
	log    *logrus.Logger
	now    func() time.Time
	digest DigestRunner

	mu    sync.RWMutex
	peg   Loop
	dloop Loop
	scans map[string]Loop
}

// NewService creates a service with no loops registered
func NewService(store Store, digest DigestRunner, log *logrus.Logger) *Service {
	return &Service{
		store:  store,
		digest: digest,
		log:    log,
		now:    time.Now,
		scans:  make(map[string]Loop),
	}
}

// SetPegLoop registers the peg tracker loop
func (s *Service) SetPegLoop(l Loop) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peg = l
}

// SetDigestLoop registers the digest loop
func (s *Service) SetDigestLoop(l Loop) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dloop = l
}

// AddScanLoop registers the scanner loop of a network
func (s *Service) AddScanLoop(network string, l Loop) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scans[network] = l
}

// Ready reports whether the store is reachable
func (s *Service) Ready(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Instruments returns every tracked instrument
func (s *Service) Instruments(ctx context.Context) ([]model.Instrument, error) {
	return s.store.ListInstruments(ctx)
}

// Alerts returns the newest alerts first
func (s *Service) Alerts(ctx context.Context, limit int) ([]model.Alert, error) {
	return s.store.ListAlerts(ctx, limit)
}

// Transfers returns the newest transfers first
func (s *Service) Transfers(ctx context.Context, limit int) ([]model.Transfer, error) {
	return s.store.ListTransfers(ctx, limit)
}

// TrackedAccounts returns every account on every network, active or not
func (s *Service) TrackedAccounts(ctx context.Context) ([]model.TrackedAccount, error) {
	return s.store.ListAccounts(ctx, "", false)
}

// MarkAlertRead sets the read flag of an alert
func (s *Service) MarkAlertRead(ctx context.Context, id string) error {
	return s.store.MarkAlertRead(ctx, id)
}

// SubscribePush registers a browser push endpoint
func (s *Service) SubscribePush(ctx context.Context, sub *model.PushSubscription) error {
	if sub.Endpoint == "" || sub.P256dh == "" || sub.Auth == "" {
		return fmt.Errorf("push subscription needs endpoint and keys")
	}
	return s.store.SavePushSubscription(ctx, sub)
}

// ScanTargets resolves which networks a manual scan covers; empty means all
func (s *Service) ScanTargets(network string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if network != "" {
		if _, ok := s.scans[network]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownNetwork, network)
		}
		return []string{network}, nil
	}

	names := make([]string, 0, len(s.scans))
	for name := range s.scans {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// TriggerManualScan runs a scan cycle now for one network, or all when network is empty.
// Networks scan concurrently; a cycle already in progress finishes first.
func (s *Service) TriggerManualScan(ctx context.Context, network string) ([]string, error) {
	targets, err := s.ScanTargets(network)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	loops := make([]Loop, 0, len(targets))
	for _, name := range targets {
		loops = append(loops, s.scans[name])
	}
	s.mu.RUnlock()

	s.log.WithField("networks", targets).Info("Manual scan triggered")

	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	for i, l := range loops {
		g.Go(func() error {
			if err := l.RunNow(ctx); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("scan %s: %w", targets[i], err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return targets, errors.Join(errs...)
}

// TriggerManualDigest produces today's digest unless one exists already
func (s *Service) TriggerManualDigest(ctx context.Context) (*model.DigestEntry, bool, error) {
	if s.digest == nil {
		return nil, false, fmt.Errorf("digest is disabled")
	}
	s.log.Info("Manual digest triggered")
	return s.digest(ctx, s.now())
}

// Status returns one entry per loop: peg first, then digest, then scanners by network
func (s *Service) Status() []task.Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []task.Status
	if s.peg != nil {
		out = append(out, s.peg.Status())
	}
	if s.dloop != nil {
		out = append(out, s.dloop.Status())
	}

	names := make([]string, 0, len(s.scans))
	for name := range s.scans {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		out = append(out, s.scans[name].Status())
	}
	return out
}
