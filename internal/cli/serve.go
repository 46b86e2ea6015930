package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	xlog "github.com/agentx-labs/agentdispatch/internal/log"
	"github.com/agentx-labs/agentdispatch/internal/webhook"
)

var (
	serveAddr      string
	serveManifests string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Receive GitHub webhooks and dispatch agents",
	Long: `Listen for GitHub webhook deliveries on POST /webhook. Deliveries must be
signed with the configured webhook secret. Accepted events are queued and
dispatched in the background; /healthz and /metrics are served alongside.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (default :8080)")
	serveCmd.Flags().StringVar(&serveManifests, "manifests", "", "Directory of agent manifests")
	bindFlag(serveCmd, "webhook.addr", "addr")
	bindFlag(serveCmd, "dispatch.manifests_dir", "manifests")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	s, err := settings()
	if err != nil {
		return err
	}
	if s.Webhook.Secret == "" {
		return fmt.Errorf("webhook.secret is required: set GITHUB_WEBHOOK_SECRET or %s config set webhook.secret", cmd.Root().Name())
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := buildStack(ctx, s, stackOptions{runtime: true})
	if err != nil {
		return err
	}
	defer st.Close()

	logger := xlog.WithComponent("webhook")
	runner := &reloadingRunner{stack: st, dir: s.Dispatch.ManifestsDir, logger: logger}
	// Fail fast on broken manifests instead of on the first delivery.
	if _, err := st.dispatcher(runner.dir, false); err != nil {
		return err
	}

	srv, err := webhook.New(webhook.Config{
		Secret:       s.Webhook.Secret,
		QueueSize:    s.Webhook.QueueSize,
		Workers:      s.Webhook.Workers,
		RequestLimit: s.Webhook.RequestLimit,
	}, runner, st.metrics, logger)
	if err != nil {
		return err
	}
	return srv.ListenAndServe(ctx, s.Webhook.Addr, s.Webhook.Grace)
}
