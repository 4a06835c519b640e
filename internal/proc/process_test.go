package proc

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/g960059/procmux/internal/model"
)

type harness struct {
	t      *testing.T
	p      *Process
	events chan Event
	output bytes.Buffer
}

func newHarness(t *testing.T, rec model.ProcessRecord, grace time.Duration) *harness {
	t.Helper()
	h := &harness{t: t, events: make(chan Event, 256)}
	p, err := New(1, rec, func(ev Event) { h.events <- ev }, Options{Grace: grace, Logger: zerolog.Nop()})
	require.NoError(t, err)
	h.p = p
	t.Cleanup(func() {
		if h.p.State().Alive() {
			_ = h.p.Kill()
			h.pumpUntilStopped(5 * time.Second)
		}
	})
	return h
}

// pumpUntilStopped feeds events back into the process the way the supervisor
// loop does until the process reaches Stopped.
func (h *harness) pumpUntilStopped(timeout time.Duration) {
	h.t.Helper()
	deadline := time.After(timeout)
	for h.p.State() != model.StateStopped {
		select {
		case ev := <-h.events:
			switch ev.Kind {
			case EventOutput:
				if h.p.AppendOutput(ev) {
					h.output.Write(ev.Data)
				}
			case EventGraceExpired:
				require.NoError(h.t, h.p.GraceExpired(ev.Gen))
			case EventIOFailure:
				require.NoError(h.t, h.p.IOFailed(ev))
			case EventExit:
				_, restart := h.p.Exited(ev)
				if restart {
					require.NoError(h.t, h.p.Start())
				}
			}
		case <-deadline:
			h.t.Fatalf("process %s still %s after %s", h.p.Name(), h.p.State(), timeout)
		}
	}
}

func TestProcessRunsToExit(t *testing.T) {
	h := newHarness(t, model.ProcessRecord{Name: "echo", Command: model.ShellLine("echo hi")}, 0)
	require.Equal(t, model.StateNotStarted, h.p.State())

	require.NoError(t, h.p.Start())
	assert.Equal(t, model.StateRunning, h.p.State())
	h.pumpUntilStopped(5 * time.Second)

	info := h.p.Info()
	require.NotNil(t, info.Exit)
	assert.Equal(t, model.Exited(0), *info.Exit)
	assert.Contains(t, strings.ReplaceAll(h.output.String(), "\r\n", "\n"), "hi\n")
	assert.Contains(t, string(h.p.OutputTail()), "hi")
}

func TestProcessStartTwiceRejected(t *testing.T) {
	h := newHarness(t, model.ProcessRecord{Name: "sleep", Command: model.Argv("sleep", "30")}, time.Second)
	require.NoError(t, h.p.Start())
	gen := h.p.Gen()

	err := h.p.Start()
	require.ErrorIs(t, err, model.ErrInvalidTransition)
	assert.Equal(t, gen, h.p.Gen())
	assert.Equal(t, model.StateRunning, h.p.State())
}

func TestProcessSpawnFailureIsRecorded(t *testing.T) {
	h := newHarness(t, model.ProcessRecord{Name: "missing", Command: model.Argv("/nonexistent/procmux-test-binary")}, 0)

	err := h.p.Start()
	require.ErrorIs(t, err, model.ErrSpawnFailure)
	info := h.p.Info()
	assert.Equal(t, model.StateStopped, info.State)
	require.NotNil(t, info.Exit)
	assert.Equal(t, model.ExitSpawnFailed, info.Exit.Kind)
	assert.NotEmpty(t, info.Exit.Reason)
}

func TestProcessStopEscalatesAfterGrace(t *testing.T) {
	rec := model.ProcessRecord{
		Name:    "stubborn",
		Command: model.ShellLine(`trap '' INT; echo ready; while :; do sleep 1; done`),
	}
	h := newHarness(t, rec, 200*time.Millisecond)
	require.NoError(t, h.p.Start())
	waitForOutput(t, h, "ready")

	start := time.Now()
	require.NoError(t, h.p.Stop())
	assert.Equal(t, model.StateStopping, h.p.State())
	h.pumpUntilStopped(5 * time.Second)

	info := h.p.Info()
	require.NotNil(t, info.Exit)
	assert.Equal(t, model.Signaled("SIGKILL"), *info.Exit)
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
}

func TestProcessStopCancelsGraceOnExit(t *testing.T) {
	h := newHarness(t, model.ProcessRecord{Name: "sleep", Command: model.Argv("sleep", "30")}, time.Hour)
	require.NoError(t, h.p.Start())

	require.NoError(t, h.p.Stop())
	h.pumpUntilStopped(5 * time.Second)
	assert.Nil(t, h.p.graceTimer)
	require.NotNil(t, h.p.Info().Exit)
	assert.Equal(t, model.Signaled("SIGINT"), *h.p.Info().Exit)
}

func TestProcessHardKillPolicy(t *testing.T) {
	rec := model.ProcessRecord{
		Name:    "hard",
		Command: model.Argv("sleep", "30"),
		Stop:    model.StopPolicy{Signal: model.StopHardKill},
	}
	h := newHarness(t, rec, time.Hour)
	require.NoError(t, h.p.Start())
	require.NoError(t, h.p.Stop())
	h.pumpUntilStopped(5 * time.Second)
	assert.Equal(t, model.Signaled("SIGKILL"), *h.p.Info().Exit)
}

func TestProcessRestartCollapses(t *testing.T) {
	h := newHarness(t, model.ProcessRecord{Name: "sleep", Command: model.Argv("sleep", "30")}, time.Second)
	require.NoError(t, h.p.Start())
	firstGen := h.p.Gen()

	require.NoError(t, h.p.Restart())
	require.NoError(t, h.p.Restart())
	require.NoError(t, h.p.Restart())
	assert.True(t, h.p.RestartArmed())

	deadline := time.After(5 * time.Second)
	for h.p.Gen() == firstGen {
		select {
		case ev := <-h.events:
			if ev.Kind == EventExit {
				_, restart := h.p.Exited(ev)
				require.True(t, restart)
				require.NoError(t, h.p.Start())
			}
		case <-deadline:
			t.Fatal("restart did not happen")
		}
	}
	assert.Equal(t, firstGen+1, h.p.Gen())
	assert.Equal(t, model.StateRunning, h.p.State())
	assert.False(t, h.p.RestartArmed())
}

func TestProcessKillDisarmsRestart(t *testing.T) {
	rec := model.ProcessRecord{
		Name:    "stubborn",
		Command: model.ShellLine(`trap '' INT; echo ready; while :; do sleep 1; done`),
	}
	h := newHarness(t, rec, time.Hour)
	require.NoError(t, h.p.Start())
	waitForOutput(t, h, "ready")

	require.NoError(t, h.p.Restart())
	require.True(t, h.p.RestartArmed())
	require.NoError(t, h.p.Kill())
	assert.False(t, h.p.RestartArmed())

	deadline := time.After(5 * time.Second)
	for h.p.State() != model.StateStopped {
		select {
		case ev := <-h.events:
			if ev.Kind == EventExit {
				_, restart := h.p.Exited(ev)
				assert.False(t, restart)
			}
		case <-deadline:
			t.Fatal("kill did not stop the process")
		}
	}
	assert.Equal(t, model.Signaled("SIGKILL"), *h.p.Info().Exit)
}

func TestProcessInputAndResizeRequireRunning(t *testing.T) {
	h := newHarness(t, model.ProcessRecord{Name: "cat", Command: model.Argv("cat")}, time.Second)

	require.ErrorIs(t, h.p.Write([]byte("x")), model.ErrInvalidTransition)
	_, err := h.p.Resize(100, 40)
	require.ErrorIs(t, err, model.ErrInvalidTransition)

	require.NoError(t, h.p.Start())
	require.NoError(t, h.p.Write([]byte("ping\n")))
	waitForOutput(t, h, "ping")

	changed, err := h.p.Resize(100, 40)
	require.NoError(t, err)
	assert.True(t, changed)
	changed, err = h.p.Resize(100, 40)
	require.NoError(t, err)
	assert.False(t, changed)
	cols, rows := h.p.Size()
	assert.Equal(t, 100, cols)
	assert.Equal(t, 40, rows)
}

func TestProcessEnvAndDir(t *testing.T) {
	dir := t.TempDir()
	val := "from-record"
	t.Setenv("PROCMUX_TEST_DROP", "inherited")
	rec := model.ProcessRecord{
		Name:    "env",
		Command: model.ShellLine(`echo "$PROCMUX_TEST_SET:${PROCMUX_TEST_DROP-unset}:$(pwd)"`),
		Env: []model.EnvVar{
			{Name: "PROCMUX_TEST_SET", Value: &val},
			{Name: "PROCMUX_TEST_DROP"},
		},
		Dir: dir,
	}
	h := newHarness(t, rec, 0)
	require.NoError(t, h.p.Start())
	h.pumpUntilStopped(5 * time.Second)
	assert.Contains(t, h.output.String(), "from-record:unset:")
	assert.Contains(t, h.output.String(), dir)
}

func TestStaleEventsIgnored(t *testing.T) {
	h := newHarness(t, model.ProcessRecord{Name: "echo", Command: model.ShellLine("echo one")}, 0)
	require.NoError(t, h.p.Start())
	h.pumpUntilStopped(5 * time.Second)

	applied, _ := h.p.Exited(Event{ProcID: 1, Gen: h.p.Gen() - 1, Kind: EventExit, Exit: model.Exited(3)})
	assert.False(t, applied)
	assert.False(t, h.p.AppendOutput(Event{Gen: h.p.Gen() + 1, Data: []byte("late")}))
	assert.NotContains(t, string(h.p.OutputTail()), "late")
}

func TestSubscribers(t *testing.T) {
	p, err := New(7, model.ProcessRecord{Name: "x", Command: model.Argv("true")}, func(Event) {}, Options{Logger: zerolog.Nop()})
	require.NoError(t, err)
	p.Subscribe("b")
	p.Subscribe("a")
	p.Subscribe("a")
	assert.Equal(t, []string{"a", "b"}, p.Subscribers())
	p.Unsubscribe("b")
	assert.True(t, p.Subscribed("a"))
	assert.False(t, p.Subscribed("b"))
}

func TestNewRejectsUnknownSignal(t *testing.T) {
	_, err := New(1, model.ProcessRecord{Name: "x", Command: model.Argv("true"), Stop: model.StopPolicy{Signal: "SIGNOPE"}}, func(Event) {}, Options{})
	require.ErrorIs(t, err, model.ErrConfiguration)
}

func waitForOutput(t *testing.T, h *harness, want string) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for !strings.Contains(h.output.String(), want) {
		select {
		case ev := <-h.events:
			require.Equal(t, EventOutput, ev.Kind, "unexpected %s before %q", ev.Kind, want)
			if h.p.AppendOutput(ev) {
				h.output.Write(ev.Data)
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q, got %q", want, h.output.String())
		}
	}
}
