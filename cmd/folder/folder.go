package folder

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	units "github.com/docker/go-units"
	"github.com/spf13/cobra"

	"github.com/sidkik/tbak/cmd/util"
	"github.com/sidkik/tbak/pkg/db"
	"github.com/sidkik/tbak/pkg/errors"
	"github.com/sidkik/tbak/pkg/pathhash"
	"github.com/sidkik/tbak/pkg/store"
)

// Mocked out for unit testing.
var stdout io.Writer = os.Stdout

// New creates a new `folder` command.
func New() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "folder",
		Short: "Manage backed up folders and the archives stored for peers",
	}
	cmd.AddCommand(
		newShowCommand(),
		newStatusCommand(),
		newAddSourceCommand(),
		newAddArchiveCommand(),
		newRemoveSourceCommand(),
		newRemoveArchiveCommand(),
		newPushCommand(),
		newRestoreCommand(),
		newUpdateCommand(),
		newListCommand(),
		newWatchCommand(),
	)
	return cmd
}

func lookupSource(folders *db.FolderDB, path string) (*store.Source, error) {
	src, ok := folders.Source(path)
	if !ok {
		return nil, errors.NewFriendlyError("%s isn't a source folder. "+
			"Add it with `tbak folder add-source`.", path)
	}
	return src, nil
}

func newShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "List the source folders and the archives stored on this machine",
		Args:  cobra.NoArgs,
		Run: func(_ *cobra.Command, _ []string) {
			util.WithEnv(func(env *util.Env) error {
				return showFolders(stdout, env.Folders)
			})
		},
	}
}

func showFolders(out io.Writer, folders *db.FolderDB) error {
	w := tabwriter.NewWriter(out, 0, 10, 3, ' ', 0)
	defer w.Flush()

	fmt.Fprintln(w, "SOURCE\tFILES\tSIZE")
	for _, src := range folders.Sources() {
		files, err := src.Files()
		if err != nil {
			return errors.WithContext(err, fmt.Sprintf("scan %s", src.Path))
		}
		size, err := src.Size()
		if err != nil {
			return errors.WithContext(err, fmt.Sprintf("scan %s", src.Path))
		}
		fmt.Fprintf(w, "%s\t%d\t%s\n", src.Path, len(files), units.HumanSize(float64(size)))
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "ARCHIVE\tFILES\tSIZE")
	for _, archive := range folders.Archives() {
		fmt.Fprintf(w, "%s\t%d\t%s\n", archive.Hash.Base64(), len(archive.Files()),
			units.HumanSize(float64(archive.ActualSize())))
	}
	return nil
}

func newAddSourceCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "add-source PATH",
		Short: "Start backing up a folder",
		Args:  cobra.ExactArgs(1),
		Run: func(_ *cobra.Command, args []string) {
			util.WithEnv(func(env *util.Env) error {
				fi, err := os.Stat(args[0])
				if err != nil || !fi.IsDir() {
					return errors.NewFriendlyError("%s isn't a directory", args[0])
				}

				src, err := env.Folders.AddSource(args[0])
				if err != nil {
					return errors.WithContext(err, "add source")
				}
				fmt.Fprintf(stdout, "Added source %s (%s)\n", src.Path, src.Hash.Base64())
				return nil
			})
		},
	}
}

func newAddArchiveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "add-archive HASH",
		Short: "Start storing the archive of a peer's folder",
		Long: "Start storing the archive of a peer's folder. HASH is the\n" +
			"folder hash shown by `tbak folder show` on the peer.",
		Args: cobra.ExactArgs(1),
		Run: func(_ *cobra.Command, args []string) {
			util.WithEnv(func(env *util.Env) error {
				hash, err := pathhash.ParseBase64(args[0])
				if err != nil {
					return errors.NewFriendlyError("%q isn't a valid folder hash: %s", args[0], err)
				}

				if _, err := env.Folders.AddArchive(hash); err != nil {
					return errors.WithContext(err, "add archive")
				}
				fmt.Fprintf(stdout, "Added archive %s\n", hash.Base64())
				return nil
			})
		},
	}
}

func newRemoveSourceCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "remove-source PATH",
		Short: "Stop backing up a folder",
		Long: "Stop backing up a folder. Neither the folder nor the archives\n" +
			"stored on other nodes are deleted.",
		Args: cobra.ExactArgs(1),
		Run: func(_ *cobra.Command, args []string) {
			util.WithEnv(func(env *util.Env) error {
				if err := env.Folders.RemoveSource(args[0]); err != nil {
					if errors.Is(err, errors.ErrNotFound) {
						return errors.NewFriendlyError("%s isn't a source folder", args[0])
					}
					return errors.WithContext(err, "remove source")
				}
				fmt.Fprintf(stdout, "Removed source %s\n", args[0])
				return nil
			})
		},
	}
}

func newRemoveArchiveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "remove-archive HASH",
		Short: "Delete the archive stored for a peer's folder",
		Args:  cobra.ExactArgs(1),
		Run: func(_ *cobra.Command, args []string) {
			util.WithEnv(func(env *util.Env) error {
				if err := env.Folders.RemoveArchiveString(args[0]); err != nil {
					if errors.Is(err, errors.ErrNotFound) {
						return errors.NewFriendlyError("No archive is stored for %s", args[0])
					}
					return errors.WithContext(err, "remove archive")
				}
				fmt.Fprintf(stdout, "Removed archive %s\n", args[0])
				return nil
			})
		},
	}
}

func newUpdateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "update [PATH...]",
		Short: "Rescan source folders for changes",
		Run: func(_ *cobra.Command, args []string) {
			util.WithEnv(func(env *util.Env) error {
				sources, err := selectSources(env.Folders, args)
				if err != nil {
					return err
				}
				return updateSources(stdout, sources)
			})
		},
	}
}

func updateSources(out io.Writer, sources []*store.Source) error {
	for _, src := range sources {
		if err := src.Populate(); err != nil {
			return errors.WithContext(err, fmt.Sprintf("scan %s", src.Path))
		}

		files, _ := src.Files()
		size, _ := src.Size()
		fmt.Fprintf(out, "%s: %d files, %s\n", src.Path, len(files), units.HumanSize(float64(size)))
	}
	return nil
}

// selectSources returns the sources at `paths`, or every source if no path
// is given.
func selectSources(folders *db.FolderDB, paths []string) ([]*store.Source, error) {
	if len(paths) == 0 {
		sources := folders.Sources()
		if len(sources) == 0 {
			return nil, errors.NewFriendlyError("No source folders are configured. " +
				"Add one with `tbak folder add-source`.")
		}
		return sources, nil
	}

	var sources []*store.Source
	for _, path := range paths {
		src, err := lookupSource(folders, path)
		if err != nil {
			return nil, err
		}
		sources = append(sources, src)
	}
	return sources, nil
}
