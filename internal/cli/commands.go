package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/g960059/procmux/internal/client"
	"github.com/g960059/procmux/internal/config"
	"github.com/g960059/procmux/internal/console"
	"github.com/g960059/procmux/internal/ctl"
	"github.com/g960059/procmux/internal/doctor"
	"github.com/g960059/procmux/internal/journal"
	"github.com/g960059/procmux/internal/model"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true)
	stateStyles = map[model.ProcState]lipgloss.Style{
		model.StateRunning:  lipgloss.NewStyle().Foreground(lipgloss.Color("#42be65")),
		model.StateStopping: lipgloss.NewStyle().Foreground(lipgloss.Color("#ff832b")),
		model.StateStopped:  lipgloss.NewStyle().Foreground(lipgloss.Color("#da1e28")),
	}
)

func (r *Runner) ctlCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "ctl <command>",
		Short: "Send one YAML/JSON command to a running server",
		Long: `Send one command to a running server and print the outcome.

Examples:
  procmux ctl '{c: start, proc: web}'
  procmux ctl '{c: send-input, proc: 2, data: "rs\n"}'
  procmux ctl '{c: add, name: tail, cmd: [tail, -f, app.log]}'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return r.runCtl(cmd.Context(), args[0])
		},
	}
}

func (r *Runner) runCtl(ctx context.Context, text string) error {
	cfg, err := r.loadConfig()
	if err != nil {
		return err
	}
	addr, err := serverAddress(cfg)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout+cfg.CommandTimeout)
	defer cancel()
	res, err := ctl.Run(ctx, addr, cfg.MaxFrame, text)
	if err != nil {
		return err
	}
	if res.Process != nil {
		_, _ = fmt.Fprintf(r.out, "%s %s: %s\n", res.Kind, res.Process.Name, res.Process.Status())
		return nil
	}
	_, _ = fmt.Fprintf(r.out, "%s: ok\n", res.Kind)
	return nil
}

// dial connects to the configured server for a client-side command.
func (r *Runner) dial(ctx context.Context) (*client.Client, config.Config, error) {
	cfg, err := r.loadConfig()
	if err != nil {
		return nil, cfg, err
	}
	addr, err := serverAddress(cfg)
	if err != nil {
		return nil, cfg, err
	}
	dialCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	c, err := client.Dial(dialCtx, addr, cfg.MaxFrame)
	if err != nil {
		return nil, cfg, fmt.Errorf("connect %s: %w", addr, err)
	}
	return c, cfg, nil
}

func (r *Runner) listCommand() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the processes of a running server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, cfg, err := r.dial(cmd.Context())
			if err != nil {
				return err
			}
			defer c.Close() //nolint:errcheck
			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.CommandTimeout)
			defer cancel()
			procs, err := c.List(ctx)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(r.out)
				enc.SetIndent("", "  ")
				return enc.Encode(map[string]any{"processes": procs})
			}
			writeProcessTable(r.out, procs)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func writeProcessTable(w io.Writer, procs []model.ProcessInfo) {
	_, _ = fmt.Fprintln(w, headerStyle.Render(fmt.Sprintf("%-4s %-24s %s", "ID", "NAME", "STATUS")))
	for _, p := range procs {
		status := p.Status()
		if style, ok := stateStyles[p.State]; ok {
			status = style.Render(status)
		}
		_, _ = fmt.Fprintf(w, "%-4d %-24s %s\n", p.ID, p.Name, status)
	}
}

// parseRef reads a process reference: all digits is an id, anything else a
// name.
func parseRef(s string) model.ProcRef {
	s = strings.TrimSpace(s)
	if id, err := strconv.ParseUint(s, 10, 64); err == nil && id > 0 {
		return model.ProcRef{ID: id}
	}
	return model.ProcRef{Name: s}
}

func (r *Runner) attachCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "attach <proc>",
		Short: "Attach the terminal to one process of a running server",
		Long: `Attach the terminal to one process by name or id. Ctrl-A q detaches and
leaves the server running.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, _, err := r.dial(cmd.Context())
			if err != nil {
				return err
			}
			defer c.Close() //nolint:errcheck
			err = console.New(c, console.Options{
				In:     r.in,
				Out:    r.out,
				Pin:    parseRef(args[0]),
				Logger: zerolog.Nop(),
			}).Run(cmd.Context())
			if errors.Is(err, console.ErrDetached) {
				_, _ = fmt.Fprintln(r.errOut, "\r\ndetached")
				return nil
			}
			return err
		},
	}
}

func (r *Runner) journalCommand() *cobra.Command {
	var q journal.Query
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Show recorded state transitions and commands",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := r.loadConfig()
			if err != nil {
				return err
			}
			if cfg.JournalPath == "" {
				return fmt.Errorf("%w: journal_path is not configured", model.ErrConfiguration)
			}
			j, err := journal.Open(cmd.Context(), cfg.JournalPath, zerolog.Nop())
			if err != nil {
				return err
			}
			defer j.Close() //nolint:errcheck
			entries, err := j.List(cmd.Context(), q)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(r.out)
				for _, e := range entries {
					if err := enc.Encode(e); err != nil {
						return err
					}
				}
				return nil
			}
			for _, e := range entries {
				_, _ = fmt.Fprintln(r.out, formatEntry(e))
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&q.Proc, "proc", "", "only entries for this process name")
	f.StringVar(&q.Kind, "kind", "", "only entries of this kind (transition, command)")
	f.IntVar(&q.Limit, "limit", 50, "newest entries to show, 0 for all")
	f.BoolVar(&asJSON, "json", false, "print one JSON object per line")
	return cmd
}

func formatEntry(e journal.Entry) string {
	at := e.At.Local().Format("2006-01-02 15:04:05.000")
	if e.Kind == journal.KindTransition {
		return fmt.Sprintf("%s  %-10s %-16s %s", at, "state", e.ProcName, e.Detail)
	}
	target := e.ProcName
	if target == "" && e.ProcID != 0 {
		target = "#" + strconv.FormatUint(e.ProcID, 10)
	}
	line := fmt.Sprintf("%s  %-10s %-16s %s", at, e.Action, target, e.Detail)
	if e.ErrorCode != "" {
		line += "  [" + e.ErrorCode + "]"
	}
	if e.SessionID != "" {
		line += "  session=" + e.SessionID
	}
	return strings.TrimRight(line, " ")
}

func (r *Runner) doctorCommand() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check the configuration and the local server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := r.loadConfig()
			res := doctor.Run(cmd.Context(), doctor.Options{Config: cfg, ConfigErr: err})
			if asJSON {
				enc := json.NewEncoder(r.out)
				enc.SetIndent("", "  ")
				if err := enc.Encode(res); err != nil {
					return err
				}
			} else {
				for _, c := range res.Checks {
					line := fmt.Sprintf("%-4s %-12s %s", c.Status, c.Name, c.Message)
					if c.Path != "" {
						line += " (" + c.Path + ")"
					}
					_, _ = fmt.Fprintln(r.out, line)
				}
			}
			if !res.OK {
				return errors.New("doctor found problems")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}
