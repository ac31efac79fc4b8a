package folder

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/buger/goterm"
	units "github.com/docker/go-units"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/sidkik/tbak/cmd/util"
	"github.com/sidkik/tbak/pkg/backup"
	"github.com/sidkik/tbak/pkg/errors"
	"github.com/sidkik/tbak/pkg/fswatch"
	"github.com/sidkik/tbak/pkg/store"
	"github.com/sidkik/tbak/pkg/sync/transfer"
)

func newPushCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "push [PATH...]",
		Short: "Back up source folders to every node",
		Long: "Back up source folders to every node. Without a path, all\n" +
			"source folders are pushed. Files that were deleted locally are\n" +
			"also deleted from the nodes' archives.",
		Run: func(cmd *cobra.Command, args []string) {
			util.WithEnv(func(env *util.Env) error {
				sources, err := selectSources(env.Folders, args)
				if err != nil {
					return err
				}

				syncer, err := env.Syncer(log.StandardLogger())
				if err != nil {
					return err
				}
				return push(cmd.Context(), stdout, syncer, sources)
			})
		},
	}
}

func push(ctx context.Context, out io.Writer, syncer *backup.Syncer, sources []*store.Source) error {
	var failed int
	for _, src := range sources {
		fmt.Fprintf(out, "Pushing %s\n", src.Path)
		results, err := syncer.Push(ctx, src)
		printResults(out, results)
		if err != nil {
			if _, ok := errors.GetFriendlyMessage(err); ok {
				return err
			}
			failed++
		}
	}

	if failed > 0 {
		return errors.NewFriendlyError("Failed to push %d of %d folders", failed, len(sources))
	}
	return nil
}

func newRestoreCommand() *cobra.Command {
	var to string
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "restore PATH",
		Short: "Restore a source folder from the nodes' archives",
		Long: "Restore a source folder from the nodes' archives. Files that\n" +
			"are missing or older locally are downloaded. Local files are\n" +
			"never deleted.",
		Args: cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			util.WithEnv(func(env *util.Env) error {
				src, err := restoreTarget(env, args[0], to)
				if err != nil {
					return err
				}

				syncer, err := env.Syncer(log.StandardLogger())
				if err != nil {
					return err
				}

				results, err := syncer.Restore(cmd.Context(), src, dryRun)
				printResults(stdout, results)
				return err
			})
		},
	}
	cmd.Flags().StringVar(&to, "to", "",
		"Restore into this directory instead of the source folder itself")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false,
		"Only show the files that would be downloaded")
	return cmd
}

// restoreTarget returns the Source to restore into. Sources can be restored
// into a different directory, for example on a new machine, so the path
// doesn't need to be registered.
func restoreTarget(env *util.Env, path, to string) (*store.Source, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, errors.WithContext(err, "absolute path")
	}

	src, ok := env.Folders.Source(abs)
	if !ok {
		src = store.NewSource(abs)
	}
	if to == "" {
		return src, nil
	}

	dir, err := filepath.Abs(to)
	if err != nil {
		return nil, errors.WithContext(err, "absolute path")
	}
	return store.NewSourceAt(src.Hash, dir), nil
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status [PATH...]",
		Short: "Show how much of each source folder the nodes store",
		Run: func(cmd *cobra.Command, args []string) {
			util.WithEnv(func(env *util.Env) error {
				sources, err := selectSources(env.Folders, args)
				if err != nil {
					return err
				}

				syncer, err := env.Syncer(log.StandardLogger())
				if err != nil {
					return err
				}

				for _, src := range sources {
					statuses, err := syncer.Status(cmd.Context(), src.Hash)
					if err != nil {
						return err
					}
					printStatus(stdout, src, statuses)
				}
				return nil
			})
		},
	}
}

func printStatus(out io.Writer, src *store.Source, statuses []backup.Status) {
	fmt.Fprintln(out, src.Path)
	w := tabwriter.NewWriter(out, 0, 10, 3, ' ', 0)
	defer w.Flush()
	for _, status := range statuses {
		if status.Err != nil {
			fmt.Fprintf(w, "  %s\t%s\n", status.Node.URI,
				goterm.Color("unavailable: "+status.Err.Error(), goterm.RED))
			continue
		}
		fmt.Fprintf(w, "  %s\t%s\n", status.Node.URI, units.HumanSize(float64(status.Size)))
	}
}

func newListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "ls PATH",
		Short: "List the files archived for a source folder",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			util.WithEnv(func(env *util.Env) error {
				src, err := restoreTarget(env, args[0], "")
				if err != nil {
					return err
				}

				syncer, err := env.Syncer(log.StandardLogger())
				if err != nil {
					return err
				}

				files, node, err := syncer.List(cmd.Context(), src.Hash)
				if err != nil {
					return err
				}
				fmt.Fprintf(stdout, "Archive of %s on %s:\n", src.Path, node.URI)
				printFiles(stdout, files)
				return nil
			})
		},
	}
}

func printFiles(out io.Writer, files []backup.RemoteFile) {
	w := tabwriter.NewWriter(out, 0, 10, 2, ' ', 0)
	defer w.Flush()
	for _, f := range files {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			os.FileMode(f.Mode).Perm(),
			units.HumanSize(float64(f.Size)),
			time.Unix(int64(f.Mtime), 0).Format("2006-01-02 15:04"),
			f.Path)
	}
}

func newWatchCommand() *cobra.Command {
	var quiet time.Duration
	cmd := &cobra.Command{
		Use:   "watch PATH",
		Short: "Push a source folder whenever it changes",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			util.WithEnv(func(env *util.Env) error {
				src, err := lookupSource(env.Folders, args[0])
				if err != nil {
					return err
				}

				syncer, err := env.Syncer(log.StandardLogger())
				if err != nil {
					return err
				}
				return watch(cmd.Context(), stdout, syncer, src, quiet)
			})
		},
	}
	cmd.Flags().DurationVar(&quiet, "quiet", 5*time.Second,
		"How long the folder must stay unchanged before it's pushed")
	return cmd
}

// watch pushes `src` once, and then again every time it changes. It returns
// when the context is cancelled.
func watch(ctx context.Context, out io.Writer, syncer *backup.Syncer,
	src *store.Source, quiet time.Duration) error {
	changes, err := fswatch.Watch(ctx, src.Path, quiet)
	if err != nil {
		return errors.WithContext(err, "watch")
	}

	for {
		// Errors are logged by the syncer. Keep watching since the nodes may
		// come back.
		if err := push(ctx, out, syncer, []*store.Source{src}); err != nil {
			log.WithError(err).Debug("Push failed")
		}

		if _, ok := <-changes; !ok {
			return nil
		}
		log.WithField("folder", src.Path).Info("Change detected")
	}
}

func printResults(out io.Writer, results []backup.Result) {
	for _, res := range results {
		switch failed := len(res.Failed()); {
		case res.Err != nil:
			fmt.Fprintf(out, "  %s: %s\n", res.Node.URI, goterm.Color(res.Err.Error(), goterm.RED))
		case failed > 0:
			msg := fmt.Sprintf("ok, %d files failed", failed)
			fmt.Fprintf(out, "  %s: %s\n", res.Node.URI, goterm.Color(msg, goterm.YELLOW))
		default:
			fmt.Fprintf(out, "  %s: %s\n", res.Node.URI, goterm.Color("ok", goterm.GREEN))
		}

		for _, report := range []transfer.Report{res.Deleted, res.Uploaded, res.Downloaded} {
			for _, item := range report.Items {
				if item.State == transfer.Acknowledged {
					continue
				}
				fmt.Fprintf(out, "    %s\t%s\n", item.Hash.Base64(), util.StateString(item.State))
			}
		}
	}
}
