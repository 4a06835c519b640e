package proc

import (
	"errors"
	"fmt"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/g960059/procmux/internal/model"
)

const DefaultStopSignal = "SIGINT"

// ParseSignal resolves a stop policy signal name. hard-kill yields SIGKILL with
// hardKill set, meaning no grace period applies.
func ParseSignal(name string) (sig syscall.Signal, hardKill bool, err error) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = DefaultStopSignal
	}
	if strings.EqualFold(name, model.StopHardKill) {
		return unix.SIGKILL, true, nil
	}
	upper := strings.ToUpper(name)
	if !strings.HasPrefix(upper, "SIG") {
		upper = "SIG" + upper
	}
	sig = unix.SignalNum(upper)
	if sig == 0 {
		return 0, false, fmt.Errorf("%w: unknown stop signal %q", model.ErrConfiguration, name)
	}
	return sig, sig == unix.SIGKILL, nil
}

// signalGroup delivers sig to the child's process group, falling back to the
// child alone. The child leads its own session, so its pgid equals its pid.
func signalGroup(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return fmt.Errorf("signal %s: no pid", unix.SignalName(sig))
	}
	err := unix.Kill(-pid, sig)
	if err == nil {
		return nil
	}
	if errors.Is(err, unix.ESRCH) || errors.Is(err, unix.EPERM) {
		if err2 := unix.Kill(pid, sig); err2 != nil && !errors.Is(err2, unix.ESRCH) {
			return err2
		}
		return nil
	}
	return err
}

func signalName(sig syscall.Signal) string {
	if name := unix.SignalName(sig); name != "" {
		return name
	}
	return sig.String()
}
