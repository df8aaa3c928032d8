package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/tracekit/observer/debugger"
	"github.com/tracekit/observer/logflags"
)

const observeLongDesc = `observe launches a program under ptrace, with address space
randomization disabled, and stops it at software break points.

Break points are given as addresses (e.g., 0x401000) or function symbol
names.  Pass arguments to the traced program using ` + "`--`" + `, for example:

` + "`observe -b main -- ./debugee --verbose`"

type options struct {
	configFile  string
	breakPoints []string
	run         bool
	log         bool
	logOutput   string
}

func newFlagSet(opts *options) *pflag.FlagSet {
	flags := pflag.NewFlagSet("observe", pflag.ContinueOnError)
	flags.StringVarP(&opts.configFile, "config", "c", "", "Session file (yaml).")
	flags.StringSliceVarP(&opts.breakPoints, "break", "b", nil, "Comma separated list of break point addresses or symbol names.")
	flags.BoolVarP(&opts.run, "run", "r", false, "Print every break point hit until the program exits, without the interactive prompt.")
	flags.BoolVarP(&opts.log, "log", "", false, "Enable debug logging.")
	flags.StringVarP(&opts.logOutput, "log-output", "", "", "Comma separated list of components that should produce debug output (debugger, ptrace).")
	return flags
}

func newRootCommand() *cobra.Command {
	opts := &options{}

	rootCommand := &cobra.Command{
		Use:          "observe [flags] -- program [args...]",
		Short:        "observe is a minimal break point tracer for x86-64 linux programs.",
		Long:         observeLongDesc,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := LoadSessionConfig(opts.configFile)
			if err != nil {
				return err
			}

			err = config.ApplyFlags(cmd.Flags(), args)
			if err != nil {
				return err
			}

			return execute(config)
		},
	}

	rootCommand.Flags().AddFlagSet(newFlagSet(opts))
	return rootCommand
}

func execute(config *SessionConfig) error {
	err := logflags.Setup(config.Log, config.LogOutput, os.Stderr)
	if err != nil {
		return err
	}

	db, err := debugger.StartCmdAndAttachTo(config.Program, config.Args...)
	if err != nil {
		return err
	}

	defer func() {
		err := db.Close()
		if err != nil {
			fmt.Fprintln(os.Stderr, "failed to close process:", err)
		}
	}()

	symbols, path, err := LoadProcessSymbols(db.Pid)
	if err != nil {
		// stripped binaries can still be traced by address
		fmt.Fprintln(os.Stderr, "WARNING:", err)
		symbols = &SymbolTable{}
	}

	fmt.Printf("launched process %d (%s)\n", db.Pid, path)

	sess := &session{
		db:      db,
		symbols: symbols,
	}

	for _, location := range config.BreakPoints {
		err := sess.addBreakPoint(location)
		if err != nil {
			return err
		}
	}

	if config.Run {
		return sess.runToExit()
	}

	return sess.interact()
}

func main() {
	err := newRootCommand().Execute()
	if err != nil {
		os.Exit(1)
	}
}
