package supervisor

import (
	"context"
	"errors"
	"io"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/leadgrid/scraperd/internal/protocol"
	"github.com/leadgrid/scraperd/internal/task"
)

// fakeProc stands in for a worker process. Control messages written by the
// supervisor are drained into the control channel; events are injected with
// emit; exit is simulated with exit.
type fakeProc struct {
	pid     int
	control chan protocol.Message

	stdinR  *io.PipeReader
	stdinW  *io.PipeWriter
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
	events  *protocol.Writer

	mu         sync.Mutex
	signals    []syscall.Signal
	killed     bool
	onSIGTERM  func()
	exitCode   int
	exitedOnce sync.Once
	exited     chan struct{}
}

func newFakeProc(pid int) *fakeProc {
	p := &fakeProc{
		pid:     pid,
		control: make(chan protocol.Message, 16),
		exited:  make(chan struct{}),
	}
	p.stdinR, p.stdinW = io.Pipe()
	p.stdoutR, p.stdoutW = io.Pipe()
	p.events = protocol.NewWriter(p.stdoutW)
	go func() {
		r := protocol.NewReader(p.stdinR)
		for {
			msg, err := r.Next()
			if err != nil {
				return
			}
			p.control <- msg
		}
	}()
	return p
}

func (p *fakeProc) PID() int          { return p.pid }
func (p *fakeProc) Stdin() io.Writer  { return p.stdinW }
func (p *fakeProc) Stdout() io.Reader { return p.stdoutR }

func (p *fakeProc) Signal(sig syscall.Signal) error {
	p.mu.Lock()
	p.signals = append(p.signals, sig)
	handler := p.onSIGTERM
	p.mu.Unlock()
	if sig == syscall.SIGTERM && handler != nil {
		handler()
	}
	return nil
}

func (p *fakeProc) Kill() error {
	p.mu.Lock()
	p.killed = true
	p.mu.Unlock()
	p.exit(137)
	return nil
}

func (p *fakeProc) Wait() (int, error) {
	<-p.exited
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode, nil
}

func (p *fakeProc) emit(t *testing.T, msg protocol.Message) {
	t.Helper()
	require.NoError(t, p.events.Send(msg))
}

func (p *fakeProc) exit(code int) {
	p.exitedOnce.Do(func() {
		p.mu.Lock()
		p.exitCode = code
		p.mu.Unlock()
		p.stdoutW.Close()
		close(p.exited)
	})
}

func (p *fakeProc) exitOnSIGTERM() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onSIGTERM = func() { p.exit(0) }
}

func (p *fakeProc) wasKilled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.killed
}

type fakeLauncher struct {
	mu      sync.Mutex
	nextPID int
	procs   map[int64]*fakeProc
	err     error
	gate    chan struct{} // when set, Launch blocks until it closes
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{nextPID: 1000, procs: make(map[int64]*fakeProc)}
}

func (l *fakeLauncher) Launch(_ context.Context, t task.Task) (Proc, error) {
	l.mu.Lock()
	gate := l.gate
	l.mu.Unlock()
	if gate != nil {
		<-gate
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, l.err
	}
	l.nextPID++
	p := newFakeProc(l.nextPID)
	l.procs[t.ID] = p
	return p, nil
}

func (l *fakeLauncher) proc(id int64) *fakeProc {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.procs[id]
}

type recordingSink struct {
	mu    sync.Mutex
	msgs  []protocol.Message
	exits []exitRecord
}

type exitRecord struct {
	taskID   int64
	exitCode int
	clean    bool
}

func (s *recordingSink) HandleMessage(_ context.Context, msg protocol.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, msg)
}

func (s *recordingSink) HandleExit(_ context.Context, taskID int64, exitCode int, clean bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exits = append(s.exits, exitRecord{taskID: taskID, exitCode: exitCode, clean: clean})
}

func (s *recordingSink) messages() []protocol.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]protocol.Message, len(s.msgs))
	copy(out, s.msgs)
	return out
}

func (s *recordingSink) exitRecords() []exitRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]exitRecord, len(s.exits))
	copy(out, s.exits)
	return out
}

func testTask(id int64) task.Task {
	return task.Task{
		ID:       id,
		Platform: "yellowpages",
		Keywords: []string{"pizza"},
		MaxPages: 3,
		Status:   task.StatusPending,
	}
}

func newSupervisor(t *testing.T, launcher Launcher) (*Supervisor, *recordingSink) {
	t.Helper()
	sup := New(Config{GracePeriod: 100 * time.Millisecond}, launcher, zap.NewNop(), nil)
	sink := &recordingSink{}
	sup.SetSink(sink)
	return sup, sink
}

func TestSpawn_SendsStartAndRegistersHandle(t *testing.T) {
	t.Parallel()

	launcher := newFakeLauncher()
	sup, _ := newSupervisor(t, launcher)

	h, err := sup.Spawn(context.Background(), testTask(1), protocol.PlatformInfo{Key: "yellowpages"})
	require.NoError(t, err)
	require.Equal(t, int64(1), h.TaskID)
	require.NotZero(t, h.PID)
	require.Equal(t, 1, sup.ProcessCount())

	select {
	case msg := <-launcher.proc(1).control:
		start, ok := msg.(*protocol.Start)
		require.True(t, ok)
		require.Equal(t, int64(1), start.Task())
		require.Equal(t, "yellowpages", start.PlatformInfo.Key)
	case <-time.After(time.Second):
		t.Fatal("worker never received the Start message")
	}
}

func TestSpawn_RejectsDuplicateTask(t *testing.T) {
	t.Parallel()

	launcher := newFakeLauncher()
	sup, _ := newSupervisor(t, launcher)

	_, err := sup.Spawn(context.Background(), testTask(1), protocol.PlatformInfo{})
	require.NoError(t, err)

	_, err = sup.Spawn(context.Background(), testTask(1), protocol.PlatformInfo{})
	require.ErrorIs(t, err, task.ErrAlreadyRunning)
	require.Equal(t, 1, sup.ProcessCount())
}

func TestSpawn_LaunchFailureLeavesNoHandle(t *testing.T) {
	t.Parallel()

	launcher := newFakeLauncher()
	launcher.err = io.ErrClosedPipe
	sup, _ := newSupervisor(t, launcher)

	_, err := sup.Spawn(context.Background(), testTask(1), protocol.PlatformInfo{})
	var spawnErr *task.SpawnError
	require.ErrorAs(t, err, &spawnErr)
	require.Equal(t, int64(1), spawnErr.TaskID)
	require.Zero(t, sup.ProcessCount())
}

func TestProcessCount_IgnoresLaunchInFlight(t *testing.T) {
	t.Parallel()

	launcher := newFakeLauncher()
	gate := make(chan struct{})
	launcher.gate = gate
	sup, _ := newSupervisor(t, launcher)

	done := make(chan error, 1)
	go func() {
		_, err := sup.Spawn(context.Background(), testTask(1), protocol.PlatformInfo{})
		done <- err
	}()

	// The slot is reserved before the launch finishes, so a duplicate Spawn
	// fails fast while the counts still report zero live workers.
	require.Eventually(t, func() bool {
		_, err := sup.Spawn(context.Background(), testTask(1), protocol.PlatformInfo{})
		return errors.Is(err, task.ErrAlreadyRunning)
	}, time.Second, 10*time.Millisecond)
	require.Zero(t, sup.ProcessCount())
	require.Empty(t, sup.ActiveProcesses())

	close(gate)
	require.NoError(t, <-done)
	require.Equal(t, 1, sup.ProcessCount())
}

func TestSpawn_WorkerLimit(t *testing.T) {
	t.Parallel()

	launcher := newFakeLauncher()
	sup := New(Config{GracePeriod: 100 * time.Millisecond, MaxActiveWorkers: 1}, launcher, zap.NewNop(), nil)
	sup.SetSink(&recordingSink{})

	_, err := sup.Spawn(context.Background(), testTask(1), protocol.PlatformInfo{})
	require.NoError(t, err)
	_, err = sup.Spawn(context.Background(), testTask(2), protocol.PlatformInfo{})
	require.Error(t, err)
}

func TestPump_ForwardsEventsToSink(t *testing.T) {
	t.Parallel()

	launcher := newFakeLauncher()
	sup, sink := newSupervisor(t, launcher)

	_, err := sup.Spawn(context.Background(), testTask(1), protocol.PlatformInfo{})
	require.NoError(t, err)
	proc := launcher.proc(1)

	proc.emit(t, &protocol.ScrapingStarted{Header: protocol.NewHeader(protocol.TypeScrapingStarted, 1)})
	proc.emit(t, &protocol.ScrapingPageComplete{
		Header: protocol.NewHeader(protocol.TypeScrapingPageComplete, 1),
		Page:   1, TotalPages: 3,
	})

	require.Eventually(t, func() bool {
		return len(sink.messages()) == 2
	}, time.Second, 10*time.Millisecond)

	got := sink.messages()
	require.Equal(t, protocol.TypeScrapingStarted, got[0].Type())
	require.Equal(t, protocol.TypeScrapingPageComplete, got[1].Type())
}

func TestPump_CleanExitAfterCompleted(t *testing.T) {
	t.Parallel()

	launcher := newFakeLauncher()
	sup, sink := newSupervisor(t, launcher)

	_, err := sup.Spawn(context.Background(), testTask(1), protocol.PlatformInfo{})
	require.NoError(t, err)
	proc := launcher.proc(1)

	proc.emit(t, &protocol.Completed{Header: protocol.NewHeader(protocol.TypeCompleted, 1)})
	proc.exit(0)

	require.Eventually(t, func() bool {
		return len(sink.exitRecords()) == 1
	}, time.Second, 10*time.Millisecond)

	exit := sink.exitRecords()[0]
	require.Equal(t, int64(1), exit.taskID)
	require.Zero(t, exit.exitCode)
	require.True(t, exit.clean)
	require.Zero(t, sup.ProcessCount())
}

func TestPump_ExitWithoutCompletedIsCrash(t *testing.T) {
	t.Parallel()

	launcher := newFakeLauncher()
	sup, sink := newSupervisor(t, launcher)

	_, err := sup.Spawn(context.Background(), testTask(1), protocol.PlatformInfo{})
	require.NoError(t, err)
	launcher.proc(1).exit(1)

	require.Eventually(t, func() bool {
		return len(sink.exitRecords()) == 1
	}, time.Second, 10*time.Millisecond)

	exit := sink.exitRecords()[0]
	require.Equal(t, 1, exit.exitCode)
	require.False(t, exit.clean)
}

func TestPump_SkipsMalformedLines(t *testing.T) {
	t.Parallel()

	launcher := newFakeLauncher()
	sup, sink := newSupervisor(t, launcher)

	_, err := sup.Spawn(context.Background(), testTask(1), protocol.PlatformInfo{})
	require.NoError(t, err)
	proc := launcher.proc(1)

	_, err = proc.stdoutW.Write([]byte("{\"type\":\"Bogus\",\"taskId\":1}\n"))
	require.NoError(t, err)
	proc.emit(t, &protocol.ScrapingStarted{Header: protocol.NewHeader(protocol.TypeScrapingStarted, 1)})

	require.Eventually(t, func() bool {
		return len(sink.messages()) == 1
	}, time.Second, 10*time.Millisecond)
	require.Equal(t, protocol.TypeScrapingStarted, sink.messages()[0].Type())
}

func TestSend_ForwardsControlMessages(t *testing.T) {
	t.Parallel()

	launcher := newFakeLauncher()
	sup, _ := newSupervisor(t, launcher)

	_, err := sup.Spawn(context.Background(), testTask(1), protocol.PlatformInfo{})
	require.NoError(t, err)
	proc := launcher.proc(1)
	<-proc.control // Start

	require.NoError(t, sup.Send(1, &protocol.Pause{Header: protocol.NewHeader(protocol.TypePause, 1)}))
	select {
	case msg := <-proc.control:
		require.Equal(t, protocol.TypePause, msg.Type())
	case <-time.After(time.Second):
		t.Fatal("worker never received the Pause message")
	}

	require.ErrorIs(t, sup.Send(99, &protocol.Pause{}), task.ErrNotFound)
}

func TestTerminate_GracefulWhenWorkerHonorsSIGTERM(t *testing.T) {
	t.Parallel()

	launcher := newFakeLauncher()
	sup, sink := newSupervisor(t, launcher)

	_, err := sup.Spawn(context.Background(), testTask(1), protocol.PlatformInfo{})
	require.NoError(t, err)
	proc := launcher.proc(1)
	proc.exitOnSIGTERM()

	require.NoError(t, sup.Terminate(context.Background(), 1))
	require.False(t, proc.wasKilled())
	require.Zero(t, sup.ProcessCount())

	require.Eventually(t, func() bool {
		return len(sink.exitRecords()) == 1
	}, time.Second, 10*time.Millisecond)
	require.True(t, sink.exitRecords()[0].clean, "intentional termination is not a crash")
}

func TestTerminate_EscalatesToSIGKILL(t *testing.T) {
	t.Parallel()

	launcher := newFakeLauncher()
	sup, _ := newSupervisor(t, launcher)

	_, err := sup.Spawn(context.Background(), testTask(1), protocol.PlatformInfo{})
	require.NoError(t, err)
	proc := launcher.proc(1) // ignores SIGTERM

	require.NoError(t, sup.Terminate(context.Background(), 1))
	require.True(t, proc.wasKilled())
	require.Zero(t, sup.ProcessCount())
}

func TestTerminate_UnknownTaskIsNoop(t *testing.T) {
	t.Parallel()

	sup, _ := newSupervisor(t, newFakeLauncher())
	require.NoError(t, sup.Terminate(context.Background(), 42))
}

func TestHealthCheck_UniquePIDs(t *testing.T) {
	t.Parallel()

	launcher := newFakeLauncher()
	sup, _ := newSupervisor(t, launcher)

	for id := int64(1); id <= 3; id++ {
		_, err := sup.Spawn(context.Background(), testTask(id), protocol.PlatformInfo{})
		require.NoError(t, err)
	}

	h := sup.HealthCheck()
	require.True(t, h.ProcessIsolation)
	require.Equal(t, 3, h.TotalProcesses)
	require.Len(t, sup.ActiveProcesses(), 3)
}

func TestShutdown_TerminatesAllWorkers(t *testing.T) {
	t.Parallel()

	launcher := newFakeLauncher()
	sup, _ := newSupervisor(t, launcher)

	for id := int64(1); id <= 2; id++ {
		_, err := sup.Spawn(context.Background(), testTask(id), protocol.PlatformInfo{})
		require.NoError(t, err)
		launcher.proc(id).exitOnSIGTERM()
	}

	require.NoError(t, sup.Shutdown(context.Background()))
	require.Zero(t, sup.ProcessCount())
}
