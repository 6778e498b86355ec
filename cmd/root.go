// Package cmd implements the bctree command-line interface.
package cmd

import (
	"fmt"
	"io"
	stdlog "log"
	"os"
	"sync"

	"github.com/fatih/color"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"go.bctree.io/bctree/lib/consts"
)

// BannerColor is the color used for the top banner.
var BannerColor = color.New(color.FgCyan) //nolint:gochecknoglobals

//nolint:gochecknoglobals
var (
	outMutex  = &sync.Mutex{}
	stdoutTTY = isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())
	stderrTTY = isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd())
	stdout    = &consoleWriter{colorable.NewColorableStdout(), stdoutTTY, outMutex}
	stderr    = &consoleWriter{colorable.NewColorableStderr(), stderrTTY, outMutex}
)

// This keeps all fields needed by the main/root bctree command.
type rootCommand struct {
	cmd    *cobra.Command
	logger *logrus.Logger

	verbose   bool
	noColor   bool
	logOutput string
	logFmt    string
}

func newRootCommand(logger *logrus.Logger) *rootCommand {
	c := &rootCommand{
		logger: logger,
	}
	// the base command when called without any subcommands.
	c.cmd = &cobra.Command{
		Use:               "bctree",
		Short:             "a cross-process browsing context tree tracker",
		Long:              BannerColor.Sprintf("\n%s", consts.Banner()),
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: c.persistentPreRunE,
	}
	c.cmd.PersistentFlags().AddFlagSet(c.rootCmdPersistentFlagSet())
	return c
}

func (c *rootCommand) persistentPreRunE(cmd *cobra.Command, args []string) error {
	if err := c.setupLoggers(); err != nil {
		return err
	}
	if c.noColor {
		stdout.Writer = colorable.NewNonColorable(os.Stdout)
		stderr.Writer = colorable.NewNonColorable(os.Stderr)
	}
	stdlog.SetOutput(c.logger.Writer())
	c.logger.Debugf("bctree version: v%s", consts.FullVersion())
	return nil
}

func (c *rootCommand) rootCmdPersistentFlagSet() *pflag.FlagSet {
	flags := pflag.NewFlagSet("", pflag.ContinueOnError)
	flags.BoolVarP(&c.verbose, "verbose", "v", false, "enable debug logging")
	flags.BoolVar(&c.noColor, "no-color", false, "disable colored output")
	flags.StringVar(&c.logOutput, "log-output", "stderr",
		"change the output for bctree logs, possible values are stderr,stdout,none")
	flags.StringVar(&c.logFmt, "logformat", "", "log output format, possible values are json,raw")
	return flags
}

func (c *rootCommand) setupLoggers() error {
	if c.verbose {
		c.logger.SetLevel(logrus.DebugLevel)
	}
	switch c.logOutput {
	case "stderr":
		c.logger.SetOutput(stderr)
	case "stdout":
		c.logger.SetOutput(stdout)
	case "none":
		c.logger.SetOutput(io.Discard)
	default:
		return fmt.Errorf("unsupported log output `%s`", c.logOutput)
	}

	switch c.logFmt {
	case "raw":
		c.logger.SetFormatter(&RawFormatter{})
		c.logger.Debug("Logger format: RAW")
	case "json":
		c.logger.SetFormatter(&logrus.JSONFormatter{})
		c.logger.Debug("Logger format: JSON")
	default:
		c.logger.SetFormatter(&logrus.TextFormatter{ForceColors: stderrTTY, DisableColors: c.noColor})
		c.logger.Debug("Logger format: TEXT")
	}
	return nil
}

// fprintf panics when where's an error writing to the supplied io.Writer
func fprintf(w io.Writer, format string, a ...interface{}) (n int) {
	n, err := fmt.Fprintf(w, format, a...)
	if err != nil {
		panic(err.Error())
	}
	return n
}

// RawFormatter it does nothing with the message just prints it
type RawFormatter struct{}

// Format renders a single log entry
func (f RawFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	return append([]byte(entry.Message), '\n'), nil
}

// Execute adds all child commands to the root command, sets flags
// appropriately and runs it. This is called by main.main().
func Execute() {
	logger := &logrus.Logger{
		Out:       os.Stderr,
		Formatter: new(logrus.TextFormatter),
		Hooks:     make(logrus.LevelHooks),
		Level:     logrus.InfoLevel,
	}

	c := newRootCommand(logger)
	c.cmd.AddCommand(
		getCmdAuthority(c),
		getCmdContent(c),
		getCmdVersion(),
	)

	if err := c.cmd.Execute(); err != nil {
		logger.Error(err)
		os.Exit(1)
	}
}
