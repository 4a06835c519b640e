package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/g960059/procmux/internal/config"
	"github.com/g960059/procmux/internal/transport"
)

// Runner builds and executes the procmux command tree.
type Runner struct {
	in     *os.File
	out    io.Writer
	errOut io.Writer

	configPath string
	server     string
	logLevel   string
}

func NewRunner(in *os.File, out, errOut io.Writer) *Runner {
	if in == nil {
		in = os.Stdin
	}
	if out == nil {
		out = os.Stdout
	}
	if errOut == nil {
		errOut = os.Stderr
	}
	return &Runner{in: in, out: out, errOut: errOut}
}

// Run executes args and returns the process exit code.
func (r *Runner) Run(ctx context.Context, args []string) int {
	root := r.rootCommand()
	root.SetArgs(args)
	root.SetIn(r.in)
	root.SetOut(r.out)
	root.SetErr(r.errOut)
	if err := root.ExecuteContext(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return 130
		}
		_, _ = fmt.Fprintf(r.errOut, "procmux: %v\n", err)
		return 1
	}
	return 0
}

func (r *Runner) rootCommand() *cobra.Command {
	var opts runOptions
	root := &cobra.Command{
		Use:   "procmux [COMMANDS...]",
		Short: "Run and control several processes behind one terminal",
		Long: `procmux supervises long-running processes, each in its own pseudo-terminal,
and serves them to any number of attached clients.

Start the processes from procmux.yaml, or from the command line:
  procmux "npm run dev" "go run ./cmd/api" --names web,api

A command that is exactly a subcommand name (ctl, list, attach, journal,
doctor) runs that subcommand. Put such commands after "--":
  procmux -- doctor

Control a running server:
  procmux --ctl '{c: restart, proc: web}'
  procmux list
  procmux attach web
  procmux doctor`,
		Args:          cobra.ArbitraryArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.ctl != "" {
				return r.runCtl(cmd.Context(), opts.ctl)
			}
			return r.runServer(cmd.Context(), args, opts)
		},
	}
	pf := root.PersistentFlags()
	pf.StringVarP(&r.configPath, "config", "c", "", "config file (default ./procmux.yaml when present)")
	pf.StringVarP(&r.server, "server", "s", "", "server address: socket path or host:port")
	pf.StringVar(&r.logLevel, "log-level", "", "log level (debug, info, warn, error)")

	f := root.Flags()
	f.StringSliceVar(&opts.names, "names", nil, "comma separated names for positional commands")
	f.BoolVar(&opts.headless, "headless", false, "serve without the terminal front end")
	f.StringVar(&opts.ctl, "ctl", "", "send one YAML/JSON command to a running server and exit")

	root.AddCommand(r.ctlCommand(), r.listCommand(), r.attachCommand(), r.journalCommand(), r.doctorCommand())
	return root
}

// loadConfig reads the explicit or discovered config file and applies flag
// overrides.
func (r *Runner) loadConfig() (config.Config, error) {
	path := r.configPath
	if path == "" {
		wd, err := os.Getwd()
		if err != nil {
			return config.Config{}, err
		}
		if path, err = config.Discover(wd); err != nil {
			return config.Config{}, err
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, err
	}
	if r.server != "" {
		cfg.Server = r.server
	}
	if r.logLevel != "" {
		cfg.LogLevel = r.logLevel
	}
	return cfg, nil
}

func serverAddress(cfg config.Config) (transport.Address, error) {
	return transport.Parse(strings.TrimSpace(cfg.Server), cfg.SocketPath)
}
