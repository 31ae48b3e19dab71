package main

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	ErrDuplicate        = errors.New("announcement already handled")
	ErrStale            = errors.New("announcement too old")
	errDispatcherClosed = errors.New("dispatcher closed")
)

// Clock is the time source used to judge announcement age.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// RetryPolicy starts a fresh session (new page) after failures of the
// listed kinds. Network additionally retries page loads that failed on a
// transient network error. MaxAttempts <= 1 disables retries.
type RetryPolicy struct {
	MaxAttempts int           `yaml:"max_attempts"`
	On          []string      `yaml:"on,omitempty"`
	Network     bool          `yaml:"network,omitempty"`
	Delay       time.Duration `yaml:"delay"`
}

type DispatcherConfig struct {
	MaxSessions        int           `yaml:"max_sessions"`
	MaxAnnouncementAge time.Duration `yaml:"max_announcement_age"`
	DedupeTTL          time.Duration `yaml:"dedupe_ttl"`
	ResultBuffer       int           `yaml:"result_buffer"`
	Retry              RetryPolicy   `yaml:"retry"`
	Timeouts           Timeouts      `yaml:"timeouts"`
}

// DispatcherDeps are the collaborators the dispatcher wires together.
// Sink, Dedupe, Clock, Metrics and Logger are optional.
type DispatcherDeps struct {
	Normalizer *Normalizer
	Resolver   *IndirectResolver
	Vendors    VendorTable
	Pages      PageOpener
	Sink       StatusSink
	Dedupe     Deduper
	Clock      Clock
	Metrics    *Metrics
	Logger     *zap.Logger
}

// Result is what became of one accepted announcement.
type Result struct {
	Record  ProductRecord
	Outcome Outcome
	Err     error
	Attempt int
}

// Dispatcher feeds announcements through normalization, optional vendor
// resolution and configuration into sessions, at most MaxSessions at once.
type Dispatcher struct {
	cfg  DispatcherConfig
	deps DispatcherDeps
	log  *zap.Logger

	retryOn map[ErrorKind]bool
	sem     chan struct{}
	results chan Result

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func NewDispatcher(deps DispatcherDeps, cfg DispatcherConfig) (*Dispatcher, error) {
	if deps.Normalizer == nil || deps.Pages == nil {
		return nil, errors.New("dispatcher: normalizer and page opener are required")
	}
	if deps.Sink == nil {
		deps.Sink = nopSink{}
	}
	if deps.Clock == nil {
		deps.Clock = systemClock{}
	}
	if deps.Dedupe == nil {
		ttl := cfg.DedupeTTL
		if ttl <= 0 {
			ttl = time.Hour
		}
		deps.Dedupe = NewMemoryDeduper(ttl)
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = 4
	}
	if cfg.ResultBuffer <= 0 {
		cfg.ResultBuffer = 64
	}
	cfg.Timeouts = cfg.Timeouts.withDefaults()

	retryOn := make(map[ErrorKind]bool, len(cfg.Retry.On))
	for _, name := range cfg.Retry.On {
		kind, ok := ParseErrorKind(name)
		if !ok {
			return nil, &Error{Kind: KindConfiguration, Msg: fmt.Sprintf("unknown error kind in retry.on: %q", name)}
		}
		retryOn[kind] = true
	}

	return &Dispatcher{
		cfg:     cfg,
		deps:    deps,
		log:     deps.Logger.Named("dispatcher"),
		retryOn: retryOn,
		sem:     make(chan struct{}, cfg.MaxSessions),
		results: make(chan Result, cfg.ResultBuffer),
	}, nil
}

// Results delivers one Result per accepted announcement. Results are
// dropped when nobody drains the channel fast enough.
func (d *Dispatcher) Results() <-chan Result {
	return d.results
}

// Submit decodes a raw message and hands it to Handle. Non-message gateway
// frames are not dispatched and return errSkipFrame.
func (d *Dispatcher) Submit(ctx context.Context, raw []byte) error {
	ann, err := DecodeAnnouncement(raw)
	if errors.Is(err, errSkipFrame) {
		return err
	}
	if err != nil {
		d.count("rejected")
		return err
	}
	return d.Handle(ctx, ann)
}

// Handle runs the cheap checks synchronously and starts the browser work in
// the background. It returns an error when the announcement is rejected.
func (d *Dispatcher) Handle(ctx context.Context, ann Announcement) error {
	d.publish(announcementRecord(ann), StatusReceived, nil)

	rec, err := d.deps.Normalizer.Normalize(ann)
	if err != nil {
		d.count("rejected")
		d.publish(announcementRecord(ann), StatusRejected, err)
		d.log.Debug("announcement rejected", zap.String("id", ann.ID), zap.Error(err))
		return err
	}

	if d.cfg.MaxAnnouncementAge > 0 {
		if age := d.deps.Clock.Now().Sub(rec.Timestamp); age > d.cfg.MaxAnnouncementAge {
			d.count("stale")
			d.publish(rec, StatusRejected, ErrStale)
			return fmt.Errorf("%w: %s old", ErrStale, age.Round(time.Second))
		}
	}

	first, err := d.deps.Dedupe.Claim(ctx, rec.ID)
	if err != nil {
		// fail open
		d.log.Warn("dedupe claim failed", zap.String("id", rec.ID), zap.Error(err))
		first = true
	}
	if !first {
		d.count("duplicate")
		return ErrDuplicate
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return errDispatcherClosed
	}
	d.wg.Add(1)
	d.mu.Unlock()

	d.count("accepted")
	go d.process(ctx, rec)
	return nil
}

func (d *Dispatcher) process(ctx context.Context, rec ProductRecord) {
	defer d.wg.Done()

	select {
	case d.sem <- struct{}{}:
	case <-ctx.Done():
		d.emit(Result{Record: rec, Err: ctx.Err()})
		return
	}
	defer func() { <-d.sem }()

	attempt := 0
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("session panicked",
				zap.String("product", rec.ID),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			d.emit(Result{Record: rec, Err: fmt.Errorf("session panicked: %v", r), Attempt: attempt})
		}
	}()

	if rec.Indirect {
		resolved, err := d.resolve(ctx, rec)
		if err != nil {
			d.emit(Result{Record: rec, Err: err})
			return
		}
		rec = resolved
	}

	vendorCfg, err := d.deps.Vendors.Resolve(rec.Vendor)
	if err != nil {
		err = asError(err).withProduct(rec)
		d.publish(rec, StatusRejected, err)
		d.emit(Result{Record: rec, Err: err})
		return
	}

	for attempt = 1; ; attempt++ {
		out, err := d.runSession(ctx, rec, vendorCfg)
		if err == nil || !d.shouldRetry(err, attempt) {
			d.emit(Result{Record: rec, Outcome: out, Err: err, Attempt: attempt})
			return
		}

		d.log.Info("retrying listing",
			zap.String("product", rec.ID),
			zap.Int("attempt", attempt),
			zap.String("kind", KindOf(err).String()))

		select {
		case <-ctx.Done():
			d.emit(Result{Record: rec, Err: err, Attempt: attempt})
			return
		case <-time.After(d.cfg.Retry.Delay):
		}
	}
}

func (d *Dispatcher) resolve(ctx context.Context, rec ProductRecord) (ProductRecord, error) {
	fail := func(msg string, cause error) (ProductRecord, error) {
		err := newError(KindVendorResolution, msg, cause).withProduct(rec)
		d.publish(rec, StatusRejected, err)
		return rec, err
	}
	if d.deps.Resolver == nil {
		return fail("no resolver configured", nil)
	}

	d.publish(rec, StatusResolving, nil)

	page, err := d.deps.Pages.NewPage(ctx)
	if err != nil {
		return fail("open page", err)
	}
	defer page.Close()

	navCtx, cancel := context.WithTimeout(ctx, d.cfg.Timeouts.Navigation)
	err = page.Navigate(navCtx, rec.URL)
	cancel()
	if err != nil {
		return fail("listing page load failed", err)
	}

	resolved, err := d.deps.Resolver.Resolve(ctx, page, rec)
	if err != nil {
		d.publish(rec, StatusRejected, err)
		return rec, err
	}
	d.publish(resolved, StatusResolved, nil)
	return resolved, nil
}

func (d *Dispatcher) runSession(ctx context.Context, rec ProductRecord, vendorCfg VendorConfig) (Outcome, error) {
	page, err := d.deps.Pages.NewPage(ctx)
	if err != nil {
		return Outcome{}, newError(KindNavigation, "open page", err).withProduct(rec)
	}

	s := NewSession(page, rec, vendorCfg, d.deps.Sink,
		WithTimeouts(d.cfg.Timeouts),
		WithSessionLogger(d.deps.Logger.Named("session")),
	)
	return s.Run(ctx)
}

func (d *Dispatcher) shouldRetry(err error, attempt int) bool {
	if attempt >= d.cfg.Retry.MaxAttempts {
		return false
	}
	kind := KindOf(err)
	if d.retryOn[kind] {
		return true
	}
	return d.cfg.Retry.Network && kind == KindNavigation && isNetworkError(err)
}

func (d *Dispatcher) emit(r Result) {
	select {
	case d.results <- r:
	default:
		d.log.Debug("result dropped", zap.String("product", r.Record.ID))
	}
}

func (d *Dispatcher) publish(rec ProductRecord, state Status, err error) {
	d.deps.Sink.Publish(newEvent("", rec, state, err))
}

func (d *Dispatcher) count(outcome string) {
	if d.deps.Metrics != nil {
		d.deps.Metrics.Announcement(outcome)
	}
}

// Wait blocks until every accepted announcement has finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Close rejects new announcements, waits for running ones and closes the
// results channel.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()

	d.wg.Wait()
	close(d.results)
}

// announcementRecord is the best-effort record for events emitted before
// normalization succeeds.
func announcementRecord(ann Announcement) ProductRecord {
	rec := ProductRecord{ID: ann.ID}
	if len(ann.Embeds) > 0 {
		rec.URL = ann.Embeds[0].URL
	}
	return rec
}

// asError returns err as an *Error, wrapping foreign errors as KindUnknown.
func asError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return newError(KindUnknown, "", err)
}
