package livemap

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"greencoins/map-go/internal/realtime"
	"greencoins/map-go/internal/reports"
)

type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Notifier receives user-facing messages. Implementations must not block.
type Notifier interface {
	Notify(message string, severity Severity)
}

type NotifierFunc func(message string, severity Severity)

func (f NotifierFunc) Notify(message string, severity Severity) { f(message, severity) }

// Fetcher returns one complete, coordinate-valid report list.
type Fetcher interface {
	Fetch(ctx context.Context) ([]reports.Report, error)
}

type Phase string

const (
	PhaseLoading Phase = "loading"
	PhaseError   Phase = "error"
	PhaseEmpty   Phase = "empty"
	PhaseReady   Phase = "ready"
)

// ViewState is what a client needs to choose between the loading, error,
// empty and content views.
type ViewState struct {
	Phase   Phase  `json:"phase"`
	Message string `json:"message,omitempty"`
	Reports int    `json:"reports"`
	// ByStatus counts the working set per status for the map legend. Every
	// status is present, zero or not. The map is never mutated once published.
	ByStatus   map[reports.Status]int `json:"by_status"`
	Lifecycle  string                 `json:"lifecycle"`
	Stale      bool                   `json:"stale"`
	Refreshing bool                   `json:"refreshing"`
	UpdatedAt  time.Time              `json:"updated_at"`
}

const (
	initFailedMessage   = "Map could not be initialized. Reload the page to try again."
	noDensityMessage    = "Heatmap layer unavailable; showing markers only."
	renderFailedMessage = "Map update failed"
)

type SessionOptions struct {
	// RefreshInterval enables periodic refetching in addition to change
	// notifications. Zero disables it.
	RefreshInterval time.Duration
	// OnUpdate is called from the session loop after every view state change.
	// It must not block.
	OnUpdate func(ViewState)
}

type fetchResult struct {
	seq     uint64
	reports []reports.Report
	err     error
}

// Session is one mounted live map. All surface work happens on the session's
// loop goroutine; fetches and initialization run beside it and post results
// back.
type Session struct {
	log       zerolog.Logger
	manager   *Manager
	renderer  *Renderer
	fetcher   Fetcher
	feed      realtime.Feed
	notifier  Notifier
	container Container
	opts      SessionOptions

	handle *Handle

	ctx     context.Context
	cancel  context.CancelFunc
	refresh chan struct{}
	resize  chan struct{}
	fetched chan fetchResult
	initRes chan error
	done    chan struct{}
	helpers sync.WaitGroup

	lifeMu    sync.Mutex
	mounted   bool
	unmounted bool

	viewMu sync.RWMutex
	view   ViewState

	// Loop-owned.
	sub      realtime.Subscription
	seq      uint64
	applied  uint64
	inFlight int
	latest   []reports.Report
	haveData bool
	rendered bool
	fetchErr error
	initErr  error
}

func NewSession(
	log zerolog.Logger,
	manager *Manager,
	renderer *Renderer,
	fetcher Fetcher,
	feed realtime.Feed,
	notifier Notifier,
	container Container,
	opts SessionOptions,
) *Session {
	if notifier == nil {
		notifier = NotifierFunc(func(string, Severity) {})
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		log:       log,
		manager:   manager,
		renderer:  renderer,
		fetcher:   fetcher,
		feed:      feed,
		notifier:  notifier,
		container: container,
		opts:      opts,
		handle:    NewHandle(),
		ctx:       ctx,
		cancel:    cancel,
		refresh:   make(chan struct{}, 1),
		resize:    make(chan struct{}, 1),
		fetched:   make(chan fetchResult),
		initRes:   make(chan error, 1),
		done:      make(chan struct{}),
	}
	s.view = ViewState{Phase: PhaseLoading, Lifecycle: StateUninitialized.String(), UpdatedAt: time.Now()}
	return s
}

// Mount starts initialization, the first fetch and the change subscription.
// A session mounts at most once.
func (s *Session) Mount() error {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	if s.mounted || s.unmounted {
		return ErrTerminal
	}
	s.mounted = true

	s.helpers.Add(1)
	go func() {
		defer s.helpers.Done()
		s.initRes <- s.manager.Start(s.ctx, s.handle, s.container)
	}()

	go s.run()
	return nil
}

// Unmount cancels pending work, unsubscribes from change notifications and
// releases the surface. It returns once the loop, initialization and every
// in-flight fetch have stopped. Fetch results arriving after cancellation
// are discarded without touching the surface.
func (s *Session) Unmount() {
	s.lifeMu.Lock()
	if s.unmounted {
		s.lifeMu.Unlock()
		return
	}
	s.unmounted = true
	mounted := s.mounted
	s.lifeMu.Unlock()

	s.cancel()
	if mounted {
		<-s.done
	}
	s.helpers.Wait()
	if !mounted {
		_ = s.manager.Teardown(s.handle)
	}
}

// Refresh asks for a refetch. Requests made while one is pending coalesce.
func (s *Session) Refresh() {
	select {
	case s.refresh <- struct{}{}:
	default:
	}
}

// Resize asks the surface to re-read its container size.
func (s *Session) Resize() {
	select {
	case s.resize <- struct{}{}:
	default:
	}
}

func (s *Session) View() ViewState {
	s.viewMu.RLock()
	defer s.viewMu.RUnlock()
	return s.view
}

// Handle exposes the session's map handle for read-only inspection.
func (s *Session) Handle() *Handle { return s.handle }

func (s *Session) run() {
	defer close(s.done)

	if s.feed != nil {
		s.sub = s.feed.Subscribe(s.Refresh)
	}

	var tick <-chan time.Time
	if s.opts.RefreshInterval > 0 {
		t := time.NewTicker(s.opts.RefreshInterval)
		defer t.Stop()
		tick = t.C
	}

	s.publish()
	s.startFetch()

	for {
		select {
		case <-s.ctx.Done():
			s.shutdown()
			return
		case err := <-s.initRes:
			s.onInit(err)
		case res := <-s.fetched:
			s.onFetched(res)
		case <-s.refresh:
			s.startFetch()
		case <-tick:
			s.startFetch()
		case <-s.resize:
			if err := s.manager.Resize(s.handle); err != nil && !errors.Is(err, ErrNotReady) {
				s.log.Warn().Err(err).Msg("map resize failed")
			}
		}
	}
}

func (s *Session) shutdown() {
	if s.sub != nil {
		s.sub.Unsubscribe()
	}
	if err := s.manager.Teardown(s.handle); err != nil {
		s.log.Warn().Err(err).Msg("map session teardown")
	}
	s.log.Debug().Msg("map session unmounted")
}

func (s *Session) startFetch() {
	s.seq++
	seq := s.seq
	s.inFlight++
	s.publish()

	s.helpers.Add(1)
	go func() {
		defer s.helpers.Done()
		list, err := s.fetcher.Fetch(s.ctx)
		select {
		case s.fetched <- fetchResult{seq: seq, reports: list, err: err}:
		case <-s.ctx.Done():
		}
	}()
}

func (s *Session) onFetched(res fetchResult) {
	s.inFlight--
	if res.seq < s.applied {
		s.log.Debug().Uint64("seq", res.seq).Uint64("applied", s.applied).Msg("stale fetch discarded")
		s.publish()
		return
	}
	s.applied = res.seq

	if res.err != nil {
		s.fetchErr = res.err
		msg := res.err.Error()
		var fe *reports.FetchError
		if errors.As(res.err, &fe) {
			msg = fe.Message
		}
		s.notifier.Notify(msg, SeverityError)
		s.publish()
		return
	}

	s.fetchErr = nil
	s.latest = res.reports
	s.haveData = true
	if s.handle.State() == StateReady {
		s.render()
	}
	s.publish()
}

func (s *Session) onInit(err error) {
	if err != nil {
		if errors.Is(err, ErrDisposed) || errors.Is(err, context.Canceled) {
			return
		}
		s.initErr = err
		s.notifier.Notify(initFailedMessage, SeverityError)
		s.publish()
		return
	}

	if !s.handle.SupportsDensity() {
		s.notifier.Notify(noDensityMessage, SeverityWarning)
	}
	if s.haveData {
		s.render()
	}
	s.publish()
}

func (s *Session) render() {
	if err := s.renderer.Render(s.handle, s.latest); err != nil {
		s.log.Error().Err(err).Int("reports", len(s.latest)).Msg("map render failed")
		s.notifier.Notify(renderFailedMessage, SeverityWarning)
		return
	}
	s.rendered = true
}

func (s *Session) publish() {
	v := ViewState{
		Lifecycle:  s.handle.State().String(),
		Reports:    len(s.latest),
		ByStatus:   countByStatus(s.latest),
		Refreshing: s.inFlight > 0,
		UpdatedAt:  time.Now(),
	}
	switch {
	case s.initErr != nil:
		v.Phase = PhaseError
		v.Message = initFailedMessage
	case s.fetchErr != nil:
		v.Phase = PhaseError
		v.Message = s.fetchErr.Error()
		var fe *reports.FetchError
		if errors.As(s.fetchErr, &fe) {
			v.Message = fe.Message
		}
		v.Stale = s.rendered
	case !s.haveData:
		v.Phase = PhaseLoading
	case len(s.latest) == 0:
		v.Phase = PhaseEmpty
	default:
		v.Phase = PhaseReady
	}

	s.viewMu.Lock()
	s.view = v
	s.viewMu.Unlock()

	if s.opts.OnUpdate != nil {
		s.opts.OnUpdate(v)
	}
}

func countByStatus(list []reports.Report) map[reports.Status]int {
	counts := map[reports.Status]int{
		reports.StatusPending:    0,
		reports.StatusInProgress: 0,
		reports.StatusResolved:   0,
	}
	for _, r := range list {
		counts[r.Status]++
	}
	return counts
}
