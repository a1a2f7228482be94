package main

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/nixpig/shellcompose/internal/config"
	"github.com/nixpig/shellcompose/internal/ipc"
	"github.com/nixpig/shellcompose/internal/protocol"
)

// TODO: Inject version at build time.
const version = "0.1.0"

type cli struct {
	socketDir string
}

func newCLI() *cli {
	return &cli{}
}

func (c *cli) rootCmd() *cobra.Command {
	command := &cobra.Command{
		Use:           "composectl",
		Short:         "Run and supervise shell commands, services, and schedules in the background",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	command.AddCommand(
		c.runCmd(),
		c.startCmd(),
		c.upCmd(),
		c.downCmd(),
		c.stopCmd(),
		c.jobsCmd(),
		c.logsCmd(),
		c.psCmd(),
		c.cronCmd(),
		c.everyCmd(),
		c.exitCmd(),
	)

	command.CompletionOptions.HiddenDefaultCmd = true

	command.PersistentFlags().StringVar(
		&c.socketDir,
		"socket-dir",
		os.Getenv(config.EnvSocketDir),
		"Directory holding the daemon socket",
	)

	return command
}

// connect dials the daemon, starting one first when nothing answers on
// the socket and autostart is set.
func (c *cli) connect(autostart bool) (*ipc.Client, error) {
	path := ipc.SocketPath(c.socketDir)

	if autostart {
		if err := ipc.EnsureDaemon(path, c.startDaemon); err != nil {
			return nil, err
		}
	}

	return ipc.Dial(path)
}

// startDaemon launches composed detached, preferring the binary next to
// composectl over PATH.
func (c *cli) startDaemon() error {
	name := "composed"

	if exe, err := os.Executable(); err == nil {
		candidate := filepath.Join(filepath.Dir(exe), name)
		if _, err := os.Stat(candidate); err == nil {
			name = candidate
		}
	}

	daemon := exec.Command(name)

	if c.socketDir != "" {
		daemon.Env = append(os.Environ(), config.EnvSocketDir+"="+c.socketDir)
	}

	if err := daemon.Start(); err != nil {
		return err
	}

	return daemon.Process.Release()
}

func (c *cli) runCmd() *cobra.Command {
	command := &cobra.Command{
		Use:     "run [flags] COMMAND [ARGS]",
		Short:   "Run a one-shot command and stream its output until it exits",
		Example: "  composectl run sh -c 'echo hello'",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := c.connect(true)
			if err != nil {
				return err
			}
			defer client.Close()

			if err := client.Send(&protocol.Run{Args: args}); err != nil {
				return err
			}

			for {
				msg, err := client.Recv()
				if err != nil {
					return err
				}

				switch msg := msg.(type) {
				case *protocol.Ack:
				case *protocol.LogBatch:
					printEntries(msg.Entries)
				case *protocol.LogFollowEnd:
					if msg.Lagged {
						fmt.Fprintln(cmd.ErrOrStderr(), "log stream lagged, some output was dropped")
					}
				case *protocol.JobExit:
					if msg.ExitCode == 0 {
						return nil
					}

					code := msg.ExitCode
					if code < 0 {
						code = 1
					}

					return exitStatusError{code: code}
				case *protocol.Error:
					return msg
				default:
					return fmt.Errorf("unexpected response %T", msg)
				}
			}
		},
	}

	// Flags after the command belong to the command being run, not to
	// composectl.
	command.Flags().SetInterspersed(false)

	return command
}

func (c *cli) startCmd() *cobra.Command {
	command := &cobra.Command{
		Use:     "start [flags] NAME|COMMAND [ARGS]",
		Short:   "Start a service from a recipe name or a command",
		Example: "  composectl start webserver",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := &protocol.Start{Args: args}
			if len(args) == 1 {
				req.Name = args[0]
				req.Args = nil
			}

			ack, err := c.roundTrip(req)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%d\n", ack.JobID)

			return nil
		},
	}

	command.Flags().SetInterspersed(false)

	return command
}

func (c *cli) upCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "up GROUP",
		Short:   "Start every recipe tagged with GROUP as a service",
		Example: "  composectl up autostart",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := c.connect(true)
			if err != nil {
				return err
			}
			defer client.Close()

			if err := client.Send(&protocol.Up{Group: args[0]}); err != nil {
				return err
			}

			msg, err := client.Recv()
			if err != nil {
				return err
			}

			list, ok := msg.(*protocol.JobList)
			if !ok {
				return responseError(msg)
			}

			for _, job := range list.Jobs {
				fmt.Fprintf(cmd.OutOrStdout(), "%d\t%s\n", job.ID, commandLine(job.Args))
			}

			return nil
		},
	}
}

func (c *cli) downCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "down GROUP",
		Short:   "Stop every job in GROUP",
		Example: "  composectl down autostart",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := c.connect(true)
			if err != nil {
				return err
			}
			defer client.Close()

			if err := client.Send(&protocol.Down{Group: args[0]}); err != nil {
				return err
			}

			msg, err := client.Recv()
			if err != nil {
				return err
			}

			list, ok := msg.(*protocol.JobList)
			if !ok {
				return responseError(msg)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "stopped %d jobs\n", len(list.Jobs))

			return nil
		},
	}
}

func (c *cli) stopCmd() *cobra.Command {
	command := &cobra.Command{
		Use:     "stop JOB_ID|COMMAND [ARGS]",
		Short:   "Stop a job by id or by command",
		Example: "  composectl stop 3",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := &protocol.Stop{Args: args}

			if len(args) == 1 {
				if id, err := strconv.ParseUint(args[0], 10, 64); err == nil {
					req = &protocol.Stop{JobID: id}
				}
			}

			client, err := c.connect(true)
			if err != nil {
				return err
			}
			defer client.Close()

			if err := client.Send(req); err != nil {
				return err
			}

			msg, err := client.Recv()
			if err != nil {
				return err
			}

			if _, ok := msg.(*protocol.OK); !ok {
				return responseError(msg)
			}

			return nil
		},
	}

	command.Flags().SetInterspersed(false)

	return command
}

func (c *cli) jobsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "jobs",
		Short: "List jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := c.connect(true)
			if err != nil {
				return err
			}
			defer client.Close()

			if err := client.Send(&protocol.Jobs{}); err != nil {
				return err
			}

			msg, err := client.Recv()
			if err != nil {
				return err
			}

			list, ok := msg.(*protocol.JobList)
			if !ok {
				return responseError(msg)
			}

			printJobs(cmd.OutOrStdout(), list.Jobs)

			return nil
		},
	}
}

func (c *cli) logsCmd() *cobra.Command {
	var (
		follow bool
		jobID  uint64
		stream streamValue
		tail   int
	)

	command := &cobra.Command{
		Use:     "logs [flags] [TARGET]",
		Short:   "Show captured job output, optionally following new entries",
		Example: "  composectl logs --follow --stream err",
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := &protocol.Logs{Follow: follow, Stream: stream.String(), Tail: tail}

			if len(args) == 1 {
				req.Target = args[0]
			}

			if jobID != 0 {
				req.Target = strconv.FormatUint(jobID, 10)
			}

			client, err := c.connect(true)
			if err != nil {
				return err
			}
			defer client.Close()

			if err := client.Send(req); err != nil {
				return err
			}

			for {
				msg, err := client.Recv()
				if err != nil {
					return err
				}

				switch msg := msg.(type) {
				case *protocol.LogBatch:
					printEntries(msg.Entries)
				case *protocol.LogFollowEnd:
					if msg.Lagged {
						fmt.Fprintln(cmd.ErrOrStderr(), "log stream lagged, some output was dropped")
					}

					return nil
				case *protocol.Error:
					return msg
				default:
					return fmt.Errorf("unexpected response %T", msg)
				}
			}
		},
	}

	command.Flags().BoolVarP(&follow, "follow", "f", false, "Keep streaming new entries")
	command.Flags().Uint64Var(&jobID, "job", 0, "Only entries for this job id")
	command.Flags().Var(&stream, "stream", "Only one stream: out or err")
	command.Flags().IntVar(&tail, "tail", 0, "Number of buffered entries to show")

	return command
}

// streamValue validates the --stream flag at parse time.
type streamValue string

var _ pflag.Value = (*streamValue)(nil)

func (s *streamValue) String() string {
	return string(*s)
}

func (s *streamValue) Set(v string) error {
	if v != protocol.StreamOut && v != protocol.StreamErr {
		return fmt.Errorf("must be %q or %q", protocol.StreamOut, protocol.StreamErr)
	}

	*s = streamValue(v)

	return nil
}

func (s *streamValue) Type() string {
	return "stream"
}

func (c *cli) psCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ps",
		Short: "Show resource usage of running jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := c.connect(true)
			if err != nil {
				return err
			}
			defer client.Close()

			if err := client.Send(&protocol.Ps{}); err != nil {
				return err
			}

			msg, err := client.Recv()
			if err != nil {
				return err
			}

			procStats, ok := msg.(*protocol.ProcStats)
			if !ok {
				return responseError(msg)
			}

			printStats(cmd.OutOrStdout(), procStats.Samples)

			return nil
		},
	}
}

func (c *cli) cronCmd() *cobra.Command {
	command := &cobra.Command{
		Use:     `cron "EXPRESSION" COMMAND [ARGS]`,
		Short:   "Run a command on a cron schedule (six fields, seconds first)",
		Example: `  composectl cron "*/10 * * * * *" date`,
		Args:    cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ack, err := c.roundTrip(&protocol.Schedule{Cron: args[0], Args: args[1:]})
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%d\n", ack.JobID)

			return nil
		},
	}

	command.Flags().SetInterspersed(false)

	return command
}

func (c *cli) everyCmd() *cobra.Command {
	command := &cobra.Command{
		Use:     "every DURATION COMMAND [ARGS]",
		Short:   "Run a command at a fixed interval",
		Example: "  composectl every 30s date",
		Args:    cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			every, err := time.ParseDuration(args[0])
			if err != nil {
				return fmt.Errorf("parse interval %q: %w", args[0], err)
			}

			ack, err := c.roundTrip(&protocol.Schedule{Every: every, Args: args[1:]})
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%d\n", ack.JobID)

			return nil
		},
	}

	command.Flags().SetInterspersed(false)

	return command
}

func (c *cli) exitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "exit",
		Short: "Stop all jobs and shut the daemon down",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := c.connect(false)
			if err != nil {
				// Nothing to shut down.
				return nil
			}
			defer client.Close()

			if err := client.Send(&protocol.Exit{}); err != nil {
				return err
			}

			if msg, err := client.Recv(); err == nil {
				if _, ok := msg.(*protocol.OK); !ok {
					return responseError(msg)
				}
			}

			return nil
		},
	}
}

// roundTrip sends one request expecting a single Ack.
func (c *cli) roundTrip(req any) (*protocol.Ack, error) {
	client, err := c.connect(true)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	if err := client.Send(req); err != nil {
		return nil, err
	}

	msg, err := client.Recv()
	if err != nil {
		return nil, err
	}

	ack, ok := msg.(*protocol.Ack)
	if !ok {
		return nil, responseError(msg)
	}

	return ack, nil
}

// responseError turns an unexpected response into an error, passing
// daemon errors through.
func responseError(msg any) error {
	if daemonErr, ok := msg.(*protocol.Error); ok {
		return daemonErr
	}

	return fmt.Errorf("unexpected response %T", msg)
}
