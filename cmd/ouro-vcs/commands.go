package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	ouroboros "github.com/i5heu/ouroboros-vcs"
	"github.com/i5heu/ouroboros-vcs/internal/phases"
	"github.com/i5heu/ouroboros-vcs/pkg/failure"
	"github.com/i5heu/ouroboros-vcs/pkg/revision"
)

func (a *app) resolve(id string) (revision.Node, error) {
	if id == "tip" || id == "" {
		return a.repo.Tip()
	}
	return a.repo.Lookup(id)
}

func (a *app) resolveAll(ids []string) ([]revision.Node, error) {
	out := make([]revision.Node, 0, len(ids))
	for _, id := range ids {
		n, err := a.resolve(id)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

// withPeer opens the repository at path as a peer for the duration of fn.
func (a *app) withPeer(ctx context.Context, path string, fn func(*ouroboros.LocalPeer) error) error {
	other, err := ouroboros.Open(ctx, path, a.config())
	if err != nil {
		return err
	}
	err = fn(ouroboros.NewLocalPeer(other))
	return errors.Join(err, other.Close())
}

func (a *app) initCmd() *cobra.Command {
	var publish bool
	cmd := &cobra.Command{
		Use:         "init [dir]",
		Short:       "Create an empty repository",
		Args:        cobra.MaximumNArgs(1),
		Annotations: map[string]string{noRepo: "1"},
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := a.repoPath
			if len(args) == 1 {
				dir = args[0]
			}
			conf := a.config()
			conf.Phases.Publish = publish
			repo, err := ouroboros.Init(cmd.Context(), dir, conf)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "initialized empty repository in %s\n", dir)
			return repo.Close()
		},
	}
	cmd.Flags().BoolVar(&publish, "publish", false, "make changesets pushed here public")
	return cmd
}

func (a *app) cloneCmd() *cobra.Command {
	return &cobra.Command{
		Use:         "clone SOURCE DEST",
		Short:       "Copy a repository",
		Args:        cobra.ExactArgs(2),
		Annotations: map[string]string{noRepo: "1"},
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withPeer(cmd.Context(), args[0], func(p *ouroboros.LocalPeer) error {
				repo, res, err := ouroboros.Clone(cmd.Context(), p, args[1], a.config())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "cloned %d changesets (%d revisions)\n",
					len(res.Applied.Changesets), res.Applied.Revisions)
				return repo.Close()
			})
		},
	}
}

func (a *app) commitCmd() *cobra.Command {
	var (
		message string
		user    string
		removed []string
		parents []string
	)
	cmd := &cobra.Command{
		Use:   "commit FILE...",
		Short: "Record the current content of files",
		RunE: func(cmd *cobra.Command, args []string) error {
			req := ouroboros.CommitRequest{
				Files:   make(map[string][]byte, len(args)),
				User:    user,
				Message: message,
			}
			for _, arg := range args {
				path, content, err := a.readWorkingFile(arg)
				if err != nil {
					return err
				}
				req.Files[path] = content
			}
			for _, r := range removed {
				req.Removed = append(req.Removed, filepath.ToSlash(filepath.Clean(r)))
			}
			ps, err := a.resolveAll(parents)
			if err != nil {
				return err
			}
			req.Parents = ps
			n, err := a.repo.Commit(cmd.Context(), req)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "committed %s\n", n)
			return nil
		},
	}
	cmd.Flags().StringVarP(&message, "message", "m", "", "commit message")
	cmd.Flags().StringVarP(&user, "user", "u", os.Getenv("USER"), "committer")
	cmd.Flags().StringSliceVar(&removed, "remove", nil, "paths to stop tracking")
	cmd.Flags().StringSliceVar(&parents, "parent", nil, "parent revisions (default tip)")
	return cmd
}

// readWorkingFile reads a file below the repository root and returns its
// tracked path.
func (a *app) readWorkingFile(arg string) (string, []byte, error) {
	root, err := filepath.Abs(a.repo.Root())
	if err != nil {
		return "", nil, err
	}
	abs := arg
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(root, arg)
	}
	rel, err := filepath.Rel(root, abs)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", nil, failure.InvalidArgument("commit", "%s is outside the repository", arg)
	}
	content, err := os.ReadFile(abs)
	if err != nil {
		return "", nil, failure.InvalidArgument("commit", "%v", err)
	}
	return filepath.ToSlash(rel), content, nil
}

func (a *app) logCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Show history, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := a.repo.Log(limit)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			for _, e := range entries {
				fmt.Fprintf(w, "changeset:   %s\n", e)
				fmt.Fprintf(w, "phase:       %s\n", e.Phase)
				for _, p := range e.Parents {
					fmt.Fprintf(w, "parent:      %s\n", p.Short())
				}
				fmt.Fprintf(w, "user:        %s\n", e.User)
				fmt.Fprintf(w, "date:        %s\n", e.Time.Format(time.RFC1123Z))
				if len(e.Files) > 0 {
					fmt.Fprintf(w, "files:       %s\n", strings.Join(e.Files, " "))
				}
				summary, _, _ := strings.Cut(e.Description, "\n")
				fmt.Fprintf(w, "summary:     %s\n\n", summary)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "l", 0, "show at most this many changesets")
	return cmd
}

func (a *app) headsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "heads",
		Short: "List changesets without children",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			heads, err := a.repo.Heads()
			if err != nil {
				return err
			}
			for _, h := range heads {
				fmt.Fprintln(cmd.OutOrStdout(), h)
			}
			return nil
		},
	}
}

func (a *app) catCmd() *cobra.Command {
	var rev string
	cmd := &cobra.Command{
		Use:   "cat FILE",
		Short: "Print a file as of a revision",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := a.resolve(rev)
			if err != nil {
				return err
			}
			data, err := a.repo.Cat(n, args[0])
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
	cmd.Flags().StringVarP(&rev, "rev", "r", "tip", "revision")
	return cmd
}

func (a *app) manifestCmd() *cobra.Command {
	var rev string
	cmd := &cobra.Command{
		Use:   "manifest",
		Short: "List the files of a revision",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := a.resolve(rev)
			if err != nil {
				return err
			}
			m, err := a.repo.Manifest(n)
			if err != nil {
				return err
			}
			for _, path := range m.Paths() {
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", m[path].Short(), path)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&rev, "rev", "r", "tip", "revision")
	return cmd
}

func (a *app) incomingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "incoming PEER",
		Short: "Show changesets a pull would bring in",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withPeer(cmd.Context(), args[0], func(p *ouroboros.LocalPeer) error {
				res, err := a.repo.Incoming(cmd.Context(), p)
				if err != nil {
					return err
				}
				for _, n := range res.Missing.Nodes() {
					fmt.Fprintln(cmd.OutOrStdout(), n)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d incoming changesets, %d round trips\n", res.Missing.Len(), res.RoundTrips)
				return nil
			})
		},
	}
}

func (a *app) outgoingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "outgoing PEER",
		Short: "Show changesets a push would send",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withPeer(cmd.Context(), args[0], func(p *ouroboros.LocalPeer) error {
				out, err := a.repo.Outgoing(cmd.Context(), p)
				if err != nil {
					return err
				}
				for _, n := range out.Nodes() {
					fmt.Fprintln(cmd.OutOrStdout(), n)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d outgoing changesets\n", out.Len())
				return nil
			})
		},
	}
}

func (a *app) pullCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pull PEER",
		Short: "Fetch changesets, phases and bookmarks from a peer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withPeer(cmd.Context(), args[0], func(p *ouroboros.LocalPeer) error {
				res, err := a.repo.Pull(cmd.Context(), p)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "pulled %d changesets\n", len(res.Applied.Changesets))
				for _, name := range res.Bookmarks {
					fmt.Fprintf(cmd.OutOrStdout(), "updated bookmark %s\n", name)
				}
				return nil
			})
		},
	}
}

func (a *app) pushCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "push PEER",
		Short: "Send changesets, phases and bookmarks to a peer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withPeer(cmd.Context(), args[0], func(p *ouroboros.LocalPeer) error {
				res, err := a.repo.Push(cmd.Context(), p, ouroboros.PushOptions{Force: force})
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "pushed %d changesets\n", len(res.Pushed))
				for _, name := range res.Bookmarks {
					fmt.Fprintf(cmd.OutOrStdout(), "exported bookmark %s\n", name)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "push even if the peer has changesets missing here")
	return cmd
}

func (a *app) bundleCmd() *cobra.Command {
	var bases, heads []string
	cmd := &cobra.Command{
		Use:   "bundle FILE",
		Short: "Write changesets to a bundle file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := a.resolveAll(bases)
			if err != nil {
				return err
			}
			h, err := a.resolveAll(heads)
			if err != nil {
				return err
			}
			n, err := a.repo.Bundle(cmd.Context(), args[0], b, h)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d revisions written to %s\n", n, args[0])
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&bases, "base", nil, "revisions the receiver is assumed to have")
	cmd.Flags().StringSliceVar(&heads, "head", nil, "revisions to include with their ancestors (default all heads)")
	return cmd
}

func (a *app) unbundleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unbundle FILE",
		Short: "Apply a bundle file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := a.repo.Unbundle(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "added %d changesets (%d revisions)\n", len(res.Changesets), res.Revisions)
			return nil
		},
	}
}

func (a *app) verifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Check the integrity of every revlog",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rep, err := a.repo.Verify(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "checked %d changesets, %d manifests, %d files, %d revisions\n",
				rep.Changesets, rep.Manifests, rep.Files, rep.Revisions)
			return nil
		},
	}
}

func (a *app) phaseCmd() *cobra.Command {
	var public, draft, secret, force bool
	cmd := &cobra.Command{
		Use:   "phase [REV...]",
		Short: "Show or set the phase of revisions",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				args = []string{"tip"}
			}
			nodes, err := a.resolveAll(args)
			if err != nil {
				return err
			}
			var targets []phases.Phase
			for p, set := range map[phases.Phase]bool{phases.Public: public, phases.Draft: draft, phases.Secret: secret} {
				if set {
					targets = append(targets, p)
				}
			}
			switch len(targets) {
			case 0:
				for _, n := range nodes {
					p, err := a.repo.Phase(n)
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", n.Short(), p)
				}
				return nil
			case 1:
				return a.repo.SetPhase(cmd.Context(), targets[0], nodes, force)
			}
			return failure.InvalidArgument("phase", "choose one of --public, --draft and --secret")
		},
	}
	cmd.Flags().BoolVarP(&public, "public", "p", false, "move to public")
	cmd.Flags().BoolVarP(&draft, "draft", "d", false, "move to draft")
	cmd.Flags().BoolVarP(&secret, "secret", "s", false, "move to secret")
	cmd.Flags().BoolVarP(&force, "force", "f", false, "allow moving back from public or draft")
	return cmd
}

func (a *app) bookmarkCmd() *cobra.Command {
	var del bool
	cmd := &cobra.Command{
		Use:   "bookmark [NAME [REV]]",
		Short: "List, set or delete bookmarks",
		Args:  cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			switch {
			case len(args) == 0:
				marks, err := a.repo.Bookmarks()
				if err != nil {
					return err
				}
				names := make([]string, 0, len(marks))
				for name := range marks {
					names = append(names, name)
				}
				sort.Strings(names)
				for _, name := range names {
					fmt.Fprintf(cmd.OutOrStdout(), "%-20s %s\n", name, marks[name].Short())
				}
				return nil
			case del:
				return a.repo.DeleteBookmark(cmd.Context(), args[0])
			}
			rev := "tip"
			if len(args) == 2 {
				rev = args[1]
			}
			n, err := a.resolve(rev)
			if err != nil {
				return err
			}
			return a.repo.SetBookmark(cmd.Context(), args[0], n)
		},
	}
	cmd.Flags().BoolVarP(&del, "delete", "d", false, "delete the bookmark")
	return cmd
}
