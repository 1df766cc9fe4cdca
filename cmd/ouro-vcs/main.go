// Command ouro-vcs drives a repository from the shell. Peers are named by
// the path of another repository on the same machine.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	ouroboros "github.com/i5heu/ouroboros-vcs"
	"github.com/i5heu/ouroboros-vcs/pkg/failure"
	"github.com/i5heu/ouroboros-vcs/pkg/logging"
)

type app struct {
	repoPath string
	verbose  bool
	log      *logrus.Logger
	repo     *ouroboros.Repository
}

// noRepo marks commands that run without an open repository.
const noRepo = "no-repo"

func newRootCmd() (*app, *cobra.Command) {
	a := &app{log: logging.New(os.Stderr, false)}
	root := &cobra.Command{
		Use:           "ouro-vcs",
		Short:         "A distributed version control engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			logging.SetVerbose(a.log, a.verbose)
			if cmd.Annotations[noRepo] != "" {
				return nil
			}
			repo, err := ouroboros.Open(cmd.Context(), a.repoPath, a.config())
			if err != nil {
				return err
			}
			a.repo = repo
			return nil
		},
	}
	root.PersistentFlags().StringVarP(&a.repoPath, "repository", "R", ".", "repository root")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(
		a.initCmd(),
		a.cloneCmd(),
		a.commitCmd(),
		a.logCmd(),
		a.headsCmd(),
		a.catCmd(),
		a.manifestCmd(),
		a.incomingCmd(),
		a.outgoingCmd(),
		a.pullCmd(),
		a.pushCmd(),
		a.bundleCmd(),
		a.unbundleCmd(),
		a.verifyCmd(),
		a.phaseCmd(),
		a.bookmarkCmd(),
	)
	return a, root
}

// execute runs one command line. The repository is closed whether or not
// the command succeeded.
func execute(ctx context.Context, args []string, out io.Writer) error {
	a, root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(out)
	root.SetErr(out)
	err := root.ExecuteContext(ctx)
	if a.repo != nil {
		err = errors.Join(err, a.repo.Close())
	}
	return err
}

func (a *app) config() ouroboros.Config {
	return ouroboros.Config{Logger: a.log}
}

// exitCode maps failures to distinct statuses so scripts can tell a bad
// argument from a broken repository.
func exitCode(err error) int {
	switch failure.KindOf(err) {
	case 0:
		return 1
	case failure.KindInvalidArgument:
		return 2
	case failure.KindCancelled:
		return 130
	}
	return 3
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := execute(ctx, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(exitCode(err))
	}
}
