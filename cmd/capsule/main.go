// capsule runs WebAssembly modules under a permission policy, resource
// limits and the capability drivers its manifest declares.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/VikingOwl91/capsule/internal/config"
	"github.com/VikingOwl91/capsule/internal/driver"
	"github.com/VikingOwl91/capsule/internal/explain"
	"github.com/VikingOwl91/capsule/internal/logging"
	"github.com/VikingOwl91/capsule/internal/sandbox"
	"github.com/VikingOwl91/capsule/internal/supervisor"
	"github.com/charmbracelet/fang"
	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "unknown"
)

// exitError carries a process exit code through cobra.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }
func (e *exitError) ExitCode() int { return e.code }

func main() {
	// The sandbox re-exec must run before any flag parsing.
	if len(os.Args) >= 2 && os.Args[1] == sandbox.Sentinel {
		if err := sandbox.RunEntrypoint(); err != nil {
			fmt.Fprintf(os.Stderr, "sandbox: %v\n", err)
		}
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := 0
	err := fang.Execute(ctx, newRootCmd(&code), fang.WithVersion(version+" ("+commit+")"))
	stop()
	if err != nil {
		code = exitCode(err)
	}
	os.Exit(code)
}

// exitCode returns the code carried anywhere in err's chain, or the
// configuration error code.
func exitCode(err error) int {
	var coder interface{ ExitCode() int }
	if errors.As(err, &coder) {
		return coder.ExitCode()
	}
	return supervisor.ExitConfigError
}

func newRootCmd(code *int) *cobra.Command {
	root := &cobra.Command{
		Use:           "capsule",
		Short:         "Run WebAssembly modules inside a capability sandbox",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newRunCmd(code), newExplainCmd(), newHashCmd())
	return root
}

func newRunCmd(code *int) *cobra.Command {
	var (
		flags  runFlags
		report string
	)
	cmd := &cobra.Command{
		Use:   "run <manifest|module.wasm> [-- args...]",
		Short: "Run a manifest or a single module",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := loadManifest(args[0], flags.overrides(cmd.Flags()))
			if err != nil {
				return err
			}

			logger, closer := logging.New(logging.Options{Level: m.LogLevel, File: m.RuntimeLogger})
			defer closer.Close()

			s := supervisor.New(supervisor.Options{
				Manifest:  m,
				Args:      args[1:],
				Factories: driver.Factories(),
				Environ:   os.Environ(),
				Stdin:     os.Stdin,
				Stdout:    os.Stdout,
				Stderr:    os.Stderr,
				Logger:    logger,
			})
			o := s.Run(cmd.Context())

			if report != "" {
				if err := s.Report().Write(report); err != nil {
					logger.Error("writing report", slog.String("path", report), slog.String("error", err.Error()))
				}
			}
			*code = o.ExitCode
			if o.State == supervisor.ConfigError {
				return &exitError{code: o.ExitCode, err: o.Cause}
			}
			return nil
		},
	}
	flags.register(cmd.Flags())
	cmd.Flags().StringVar(&report, "report", "", "write a run report (.cbor for CBOR, JSON otherwise)")
	return cmd
}

func newExplainCmd() *cobra.Command {
	var flags runFlags
	cmd := &cobra.Command{
		Use:   "explain <manifest|module.wasm>",
		Short: "Show the effective policy, limits, modules and drivers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := loadManifest(args[0], flags.overrides(cmd.Flags()))
			if err != nil {
				return err
			}
			out, err := explain.Build(m, sandbox.DetectCapabilities())
			if err != nil {
				return err
			}
			data, err := out.JSON()
			if err != nil {
				return err
			}
			return writeLine(cmd.OutOrStdout(), data)
		},
	}
	flags.register(cmd.Flags())
	return cmd
}

func newHashCmd() *cobra.Command {
	var algorithm string
	cmd := &cobra.Command{
		Use:   "hash <manifest|module.wasm>",
		Short: "Print module digests as a manifest fragment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := loadManifest(args[0], config.Overrides{})
			if err != nil {
				return err
			}
			hashes, err := explain.Hashes(m, algorithm)
			if err != nil {
				return err
			}
			data, err := explain.Lockfile(hashes)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
	cmd.Flags().StringVarP(&algorithm, "algorithm", "a", "sha256", "md5, sha256 or blake3")
	return cmd
}

func writeLine(w io.Writer, data []byte) error {
	_, err := fmt.Fprintf(w, "%s\n", data)
	return err
}
