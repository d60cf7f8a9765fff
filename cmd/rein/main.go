// Command rein is the orchestrator's CLI entrypoint: flag parsing and
// dispatch only. All behavior lives in the internal packages.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// cliFlags mirrors spec.md §6's CLI surface.
type cliFlags struct {
	flow        string
	task        string
	input       string
	question    string
	pause       bool
	resume      string
	agentsDir   string
	daemon      bool
	daemonInterval string
	maxWorkflows int
	wsPort      int
	status      string
}

func main() {
	flags := &cliFlags{}

	root := &cobra.Command{
		Use:   "rein [flow-document-path]",
		Short: "rein drives a declarative multi-agent workflow to completion",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var flowPath string
			if len(args) == 1 {
				flowPath = args[0]
			}
			return dispatch(cmd.Context(), flowPath, flags)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&flags.flow, "flow", "", "flow name, resolved under agents-dir/flows")
	pf.StringVar(&flags.task, "task", "", "existing task directory to join")
	pf.StringVar(&flags.input, "input", "", "JSON-encoded task input")
	pf.StringVar(&flags.question, "question", "", "path to a free-form question file")
	pf.BoolVar(&flags.pause, "pause", false, "start the task in a paused state")
	pf.StringVar(&flags.resume, "resume", "", "resume an existing task by run id")
	pf.StringVar(&flags.agentsDir, "agents-dir", "", "root directory containing flows/, specialists/, teams/, tasks/")
	pf.BoolVar(&flags.daemon, "daemon", false, "run as the Task Watcher instead of executing one task")
	pf.StringVar(&flags.daemonInterval, "daemon-interval", "@every 2s", "cron expression governing the watcher's scan cadence")
	pf.IntVar(&flags.maxWorkflows, "max-workflows", 4, "maximum concurrent worker subprocesses in daemon mode")
	pf.IntVar(&flags.wsPort, "ws-port", 0, "port for the daemon's websocket broadcast endpoint (0 disables it)")
	pf.StringVar(&flags.status, "status", "", "print a read-only status view for the given task id and exit")

	bindViper(pf)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// bindViper layers environment overrides (REIN_TASK_ROOT, REIN_AGENTS_DIR)
// on top of the cobra-parsed flags, matching the teacher's own
// env-default pattern but centralized instead of scattered getEnvDefault calls.
func bindViper(pf *pflag.FlagSet) {
	viper.SetEnvPrefix("rein")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	_ = viper.BindPFlag("agents-dir", pf.Lookup("agents-dir"))
	_ = viper.BindPFlag("task", pf.Lookup("task"))
}

// taskRoot resolves the effective task root: REIN_TASK_ROOT if set,
// otherwise a fixed default under the working directory.
func taskRoot() string {
	if v := viper.GetString("task_root"); v != "" {
		return v
	}
	return "./tasks"
}

// agentsDir resolves the effective agents-dir: flag value, else
// REIN_AGENTS_DIR via viper, else the default "./agents".
func agentsDir(flagVal string) string {
	if flagVal != "" {
		return flagVal
	}
	if v := viper.GetString("agents-dir"); v != "" {
		return v
	}
	return "./agents"
}
