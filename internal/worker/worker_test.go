package worker

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/leadgrid/scraperd/internal/platform"
	"github.com/leadgrid/scraperd/internal/protocol"
	"github.com/leadgrid/scraperd/internal/ratelimit"
	"github.com/leadgrid/scraperd/internal/task"
)

// fakeSession serves canned pages. Optional gates block a page's scrape until
// the test releases it; oneShotErrs fail a page exactly once.
type fakeSession struct {
	mu          sync.Mutex
	page        int
	pages       [][]task.Result
	gates       map[int]chan struct{}
	oneShotErrs map[int]error
	closed      bool
}

func (s *fakeSession) SearchBusinesses(ctx context.Context, _ []string, _ string) ([]task.Result, error) {
	s.mu.Lock()
	page := s.page
	gate := s.gates[page]
	err := s.oneShotErrs[page]
	delete(s.oneShotErrs, page)
	s.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	if page-1 < len(s.pages) {
		return s.pages[page-1], nil
	}
	return nil, nil
}

func (s *fakeSession) ExtractDetail(_ context.Context, ref task.Result) (task.Result, error) {
	return ref, nil
}

func (s *fakeSession) NextPage(_ context.Context, maxPages int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.page >= maxPages {
		return false, nil
	}
	s.page++
	return true, nil
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

type fakeAdapter struct {
	key  string
	sess *fakeSession
}

func (a *fakeAdapter) Key() string { return a.key }

func (a *fakeAdapter) OpenSession(context.Context, protocol.PlatformInfo, platform.SessionOptions) (platform.Session, error) {
	return a.sess, nil
}

// harness wires a Worker to in-memory pipes and plays the supervisor role.
type harness struct {
	t       *testing.T
	control *protocol.Writer
	events  *protocol.Reader
	done    chan error
}

func newHarness(t *testing.T, cfg Config, sess *fakeSession) *harness {
	t.Helper()
	sess.page = 1

	registry := platform.NewRegistry()
	require.NoError(t, registry.Register(&fakeAdapter{key: "yellowpages", sess: sess}))

	controlR, controlW := io.Pipe()
	eventsR, eventsW := io.Pipe()
	w := New(cfg, registry, zap.NewNop(), controlR, eventsW)

	h := &harness{
		t:       t,
		control: protocol.NewWriter(controlW),
		events:  protocol.NewReader(eventsR),
		done:    make(chan error, 1),
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() {
		h.done <- w.Run(ctx)
		eventsW.Close()
	}()
	return h
}

func (h *harness) sendStart(t task.Task, info protocol.PlatformInfo) {
	h.t.Helper()
	require.NoError(h.t, h.control.Send(&protocol.Start{
		Header:       protocol.NewHeader(protocol.TypeStart, t.ID),
		TaskData:     t,
		PlatformInfo: info,
	}))
}

func (h *harness) send(msg protocol.Message) {
	h.t.Helper()
	require.NoError(h.t, h.control.Send(msg))
}

// next reads one event with a deadline.
func (h *harness) next() protocol.Message {
	h.t.Helper()
	type read struct {
		msg protocol.Message
		err error
	}
	ch := make(chan read, 1)
	go func() {
		msg, err := h.events.Next()
		ch <- read{msg: msg, err: err}
	}()
	select {
	case r := <-ch:
		require.NoError(h.t, r.err)
		return r.msg
	case <-time.After(5 * time.Second):
		h.t.Fatal("timed out waiting for a worker event")
		return nil
	}
}

// nextOfType skips events until one of the wanted type arrives.
func (h *harness) nextOfType(want protocol.Type) protocol.Message {
	h.t.Helper()
	for i := 0; i < 50; i++ {
		msg := h.next()
		if msg.Type() == want {
			return msg
		}
	}
	h.t.Fatalf("never saw a %s event", want)
	return nil
}

func (h *harness) waitDone() error {
	h.t.Helper()
	select {
	case err := <-h.done:
		return err
	case <-time.After(5 * time.Second):
		h.t.Fatal("worker never finished")
		return nil
	}
}

func testTask() task.Task {
	return task.Task{
		ID:       7,
		Platform: "yellowpages",
		Keywords: []string{"pizza"},
		Location: "NY",
		MaxPages: 2,
		Status:   task.StatusInProgress,
	}
}

func TestRun_HappyPath(t *testing.T) {
	t.Parallel()

	sess := &fakeSession{pages: [][]task.Result{
		{{Name: "Gino's Pizza"}},
		{{Name: "Lombardi's"}},
	}}
	h := newHarness(t, Config{}, sess)
	h.sendStart(testTask(), protocol.PlatformInfo{Key: "yellowpages"})

	require.Equal(t, protocol.TypeScrapingStarted, h.next().Type())

	found := h.nextOfType(protocol.TypeScrapingResultFound).(*protocol.ScrapingResultFound)
	require.Equal(t, "Gino's Pizza", found.Result.Name)

	pageDone := h.nextOfType(protocol.TypeScrapingPageComplete).(*protocol.ScrapingPageComplete)
	require.Equal(t, 1, pageDone.Page)
	require.Equal(t, 2, pageDone.TotalPages)

	progress := h.nextOfType(protocol.TypeProgress).(*protocol.Progress)
	require.Equal(t, 1, progress.Progress.CurrentPage)
	require.InDelta(t, 50.0, progress.Progress.Percentage, 0.01)

	completed := h.nextOfType(protocol.TypeCompleted).(*protocol.Completed)
	require.Len(t, completed.Results, 2)
	require.NoError(t, h.waitDone())
}

func TestRun_PauseResume(t *testing.T) {
	t.Parallel()

	gate := make(chan struct{})
	sess := &fakeSession{
		pages: [][]task.Result{
			{{Name: "Gino's Pizza"}},
			{{Name: "Lombardi's"}},
		},
		gates: map[int]chan struct{}{1: gate},
	}
	h := newHarness(t, Config{}, sess)
	h.sendStart(testTask(), protocol.PlatformInfo{Key: "yellowpages"})

	h.send(&protocol.Pause{Header: protocol.NewHeader(protocol.TypePause, 7)})
	close(gate)

	h.nextOfType(protocol.TypeTaskPaused)
	h.send(&protocol.Resume{Header: protocol.NewHeader(protocol.TypeResume, 7)})
	h.nextOfType(protocol.TypeTaskResumed)

	completed := h.nextOfType(protocol.TypeCompleted).(*protocol.Completed)
	require.Len(t, completed.Results, 2)
	require.NoError(t, h.waitDone())
}

func TestRun_CaptchaSelfPausesAndRetriesPage(t *testing.T) {
	t.Parallel()

	sess := &fakeSession{
		pages: [][]task.Result{{{Name: "Gino's Pizza"}}},
		oneShotErrs: map[int]error{
			1: &task.AntiBotError{Kind: task.NotifyCaptcha, URL: "https://yp.example.com/search"},
		},
	}
	task1 := testTask()
	task1.MaxPages = 1
	h := newHarness(t, Config{}, sess)
	h.sendStart(task1, protocol.PlatformInfo{Key: "yellowpages"})

	captcha := h.nextOfType(protocol.TypeScrapingCaptchaDetected).(*protocol.ScrapingCaptchaDetected)
	require.Equal(t, "https://yp.example.com/search", captcha.URL)

	h.send(&protocol.Resume{Header: protocol.NewHeader(protocol.TypeResume, 7)})
	h.nextOfType(protocol.TypeTaskResumed)

	completed := h.nextOfType(protocol.TypeCompleted).(*protocol.Completed)
	require.Len(t, completed.Results, 1, "the challenged page must be retried after resume")
	require.NoError(t, h.waitDone())
}

func TestRun_FatalErrorReportsAndExitsNonZero(t *testing.T) {
	t.Parallel()

	cause := errors.New("connection reset by platform")
	sess := &fakeSession{oneShotErrs: map[int]error{1: cause}}
	h := newHarness(t, Config{}, sess)
	h.sendStart(testTask(), protocol.PlatformInfo{Key: "yellowpages"})

	fatal := h.nextOfType(protocol.TypeError).(*protocol.Error)
	require.Contains(t, fatal.ErrorText, "connection reset")

	err := h.waitDone()
	require.ErrorIs(t, err, cause)
}

func TestRun_UnknownPlatformFails(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, &fakeSession{})
	badTask := testTask()
	badTask.Platform = "nonesuch"
	h.sendStart(badTask, protocol.PlatformInfo{Key: "nonesuch"})

	h.nextOfType(protocol.TypeError)
	require.Error(t, h.waitDone())
}

func TestRun_RateLimitBackoffIsReported(t *testing.T) {
	t.Parallel()

	sess := &fakeSession{pages: [][]task.Result{
		{{Name: "Gino's Pizza"}},
		{{Name: "Lombardi's"}},
	}}
	h := newHarness(t, Config{
		RateLimit: ratelimit.Config{MaxPerMinute: 1, Window: 1200 * time.Millisecond},
	}, sess)
	h.sendStart(testTask(), protocol.PlatformInfo{Key: "yellowpages"})

	var sawBackoff bool
	for {
		msg := h.next()
		if msg.Type() == protocol.TypeScrapingRateLimited {
			sawBackoff = true
		}
		if msg.Type() == protocol.TypeCompleted {
			break
		}
	}
	require.True(t, sawBackoff, "a second page behind a 1/window limit must report backoff")
	require.NoError(t, h.waitDone())
}

func TestRun_CooldownAloneIsNotBackoff(t *testing.T) {
	t.Parallel()

	sess := &fakeSession{pages: [][]task.Result{{{Name: "Gino's Pizza"}}}}
	task1 := testTask()
	task1.MaxPages = 1
	h := newHarness(t, Config{
		RateLimit: ratelimit.Config{Cooldown: 1100 * time.Millisecond},
	}, sess)
	h.sendStart(task1, protocol.PlatformInfo{Key: "yellowpages"})

	for {
		msg := h.next()
		require.NotEqual(t, protocol.TypeScrapingRateLimited, msg.Type(),
			"the per-request cooldown must not be reported as backoff")
		if msg.Type() == protocol.TypeCompleted {
			break
		}
	}
	require.NoError(t, h.waitDone())
}

func TestRun_DropsDuplicateListingsAcrossPages(t *testing.T) {
	t.Parallel()

	sess := &fakeSession{pages: [][]task.Result{
		{{Name: "Gino's Pizza", Address: "1 Main St"}},
		{{Name: "Gino's Pizza", Address: "1 Main St"}, {Name: "Lombardi's"}},
	}}
	h := newHarness(t, Config{}, sess)
	h.sendStart(testTask(), protocol.PlatformInfo{Key: "yellowpages"})

	completed := h.nextOfType(protocol.TypeCompleted).(*protocol.Completed)
	require.Len(t, completed.Results, 2, "a re-surfaced listing must be dropped")
	require.NoError(t, h.waitDone())
}

func TestRun_IgnoresControlBeforeStart(t *testing.T) {
	t.Parallel()

	sess := &fakeSession{pages: [][]task.Result{{{Name: "Gino's Pizza"}}}}
	task1 := testTask()
	task1.MaxPages = 1
	h := newHarness(t, Config{}, sess)

	h.send(&protocol.Pause{Header: protocol.NewHeader(protocol.TypePause, 7)})
	h.sendStart(task1, protocol.PlatformInfo{Key: "yellowpages"})

	h.nextOfType(protocol.TypeCompleted)
	require.NoError(t, h.waitDone())
}
