package node

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/sidkik/tbak/cmd/util"
	"github.com/sidkik/tbak/pkg/config"
	"github.com/sidkik/tbak/pkg/db"
	"github.com/sidkik/tbak/pkg/errors"
	"github.com/sidkik/tbak/pkg/metrics"
	"github.com/sidkik/tbak/pkg/secure"
	"github.com/sidkik/tbak/pkg/sync/client"
	"github.com/sidkik/tbak/pkg/sync/server"
)

// Mocked out for unit testing.
var (
	stdout         io.Writer = os.Stdout
	fetchPublicKey           = client.FetchPublicKey
	promptYesOrNo            = util.PromptYesOrNo
)

// New creates a new `node` command.
func New() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "node",
		Short: "Manage the peers this machine backs up to",
	}
	cmd.AddCommand(
		newShowCommand(),
		newShowKeyCommand(),
		newAddCommand(),
		newRemoveCommand(),
		newStartCommand(),
	)
	return cmd
}

func newShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "List the known nodes",
		Args:  cobra.NoArgs,
		Run: func(_ *cobra.Command, _ []string) {
			util.WithEnv(func(env *util.Env) error {
				showNodes(stdout, env.Nodes.Nodes())
				return nil
			})
		},
	}
}

func showNodes(out io.Writer, nodes []db.Node) {
	w := tabwriter.NewWriter(out, 0, 10, 3, ' ', 0)
	defer w.Flush()

	fmt.Fprintln(w, "URI\tPUBLIC KEY")
	for _, node := range nodes {
		fmt.Fprintf(w, "%s\t%s\n", node.URI, node.PublicKey)
	}
}

func newShowKeyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "showkey",
		Short: "Print this machine's public key",
		Long: "Print this machine's public key. Peers need it to accept\n" +
			"connections from this machine.",
		Args: cobra.NoArgs,
		Run: func(_ *cobra.Command, _ []string) {
			util.WithEnv(func(env *util.Env) error {
				identity, err := env.Identity()
				if err != nil {
					return errors.WithContext(err, "load identity")
				}
				fmt.Fprintln(stdout, identity.Public)
				return nil
			})
		},
	}
}

func newAddCommand() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "add URI [PUBLIC_KEY]",
		Short: "Add a node to back up to and accept backups from",
		Long: "Add a node to back up to and accept backups from. If the\n" +
			"public key isn't given, it's fetched from the node and must be\n" +
			"confirmed.",
		Args: cobra.RangeArgs(1, 2),
		Run: func(_ *cobra.Command, args []string) {
			util.WithEnv(func(env *util.Env) error {
				var key string
				if len(args) == 2 {
					key = args[1]
				}
				return addNode(env.Nodes, args[0], key, yes)
			})
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false,
		"Trust the fetched public key without asking")
	return cmd
}

func addNode(nodes *db.NodeDB, uri, key string, yes bool) error {
	var pk secure.Key
	if key != "" {
		var err error
		pk, err = secure.ParseKey(key)
		if err != nil {
			return errors.NewFriendlyError("Invalid public key %q: %s", key, err)
		}
	} else {
		pp := util.NewProgressPrinter(stdout, fmt.Sprintf("Fetching the public key of %s..", uri))
		go pp.Run()

		var err error
		pk, err = fetchPublicKey(config.NodeAddress(uri))
		pp.StopWithPrint(util.ClearProgress)
		if err != nil {
			return errors.WithContext(err, "fetch public key")
		}

		fmt.Fprintf(stdout, "%s has the public key %s\n", uri, pk)
		if !yes {
			trust, err := promptYesOrNo("Does it match the output of `tbak node showkey` on that node?")
			if err != nil {
				return errors.WithContext(err, "prompt")
			}
			if !trust {
				fmt.Fprintln(stdout, "Aborting.")
				return nil
			}
		}
	}

	if err := nodes.Add(uri, pk); err != nil {
		return errors.WithContext(err, "add node")
	}
	fmt.Fprintf(stdout, "Added node %s\n", uri)
	return nil
}

func newRemoveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "remove URI",
		Short: "Forget a node",
		Args:  cobra.ExactArgs(1),
		Run: func(_ *cobra.Command, args []string) {
			util.WithEnv(func(env *util.Env) error {
				if err := env.Nodes.Remove(args[0]); err != nil {
					if errors.Is(err, errors.ErrNotFound) {
						return errors.NewFriendlyError("%s isn't a known node", args[0])
					}
					return errors.WithContext(err, "remove node")
				}
				fmt.Fprintf(stdout, "Removed node %s\n", args[0])
				return nil
			})
		},
	}
}

func newStartCommand() *cobra.Command {
	var metricsAddress string
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Store archives for the known nodes until interrupted",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			util.WithEnv(func(env *util.Env) error {
				if metricsAddress == "" {
					metricsAddress = env.Config.MetricsAddress
				}
				return start(cmd.Context(), env, metricsAddress)
			})
		},
	}
	cmd.Flags().StringVar(&metricsAddress, "metrics-address", "",
		"Serve Prometheus metrics on this address, such as :9100")
	return cmd
}

func start(ctx context.Context, env *util.Env, metricsAddress string) error {
	identity, err := env.Identity()
	if err != nil {
		return errors.WithContext(err, "load identity")
	}
	log.WithField("publicKey", identity.Public.String()).Info("Loaded identity")

	if metricsAddress != "" {
		go serveMetrics(ctx, metricsAddress)
	}

	srv := server.New(identity, env.Folders, env.Nodes, log.StandardLogger())
	if err := srv.ListenAndServe(ctx, env.Config.ListenHostPort()); err != nil {
		return errors.WithContext(err, "serve")
	}
	log.Info("Server stopped")
	return nil
}

func serveMetrics(ctx context.Context, address string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              address,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("Failed to stop metrics server")
		}
	}()

	log.WithField("address", address).Info("Serving metrics")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.WithError(err).Error("Metrics server failed")
	}
}
