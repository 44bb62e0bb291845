// p2pshare: CLI entry point.
//
// This tool sends files directly between two machines over an encrypted
// WebRTC DataChannel. A small signaling relay pairs the peers; it never sees
// the key (which lives only in the invitation link) or the file content.
//
//	p2pshare relay                 run the signaling relay
//	p2pshare send <files...>       print an invitation link and stream the files
//	p2pshare receive <link>        fetch the files behind a link
//
// send and receive fall back to interactive prompts when arguments are missing.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/1ureka/p2pshare/internal/app"
	"github.com/1ureka/p2pshare/internal/config"
	"github.com/1ureka/p2pshare/internal/signaling"
	"github.com/1ureka/p2pshare/internal/transfer"
	"github.com/1ureka/p2pshare/internal/util"
)

var version = "dev"

func main() {
	// Root context, cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := config.Default()

	root := &cobra.Command{
		Use:           "p2pshare",
		Short:         "End-to-end encrypted peer-to-peer file transfer",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if cfg.Debug {
				util.EnableDebug()
			}
			pterm.Info.Println(fmt.Sprintf("p2pshare v%s", version))
			pterm.Println()
		},
	}

	root.PersistentFlags().BoolVar(&cfg.Debug, "debug", false, "Enable debug logging")
	root.PersistentFlags().StringVar(&cfg.RelayURL, "relay", envOr("RELAY_URL", cfg.RelayURL), "Signaling relay URL (host, http(s):// or ws(s)://)")
	root.PersistentFlags().DurationVar(&cfg.Negotiation.ConnectTimeout, "connect-timeout", cfg.Negotiation.ConnectTimeout, "Give up if the peer connection is not up this long after negotiation starts")

	root.AddCommand(relayCmd(&cfg), sendCmd(&cfg), receiveCmd(&cfg))
	return root
}

// ---------------------------------------------------------------------------
// Commands
// ---------------------------------------------------------------------------

func relayCmd(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Run the signaling relay",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if port := os.Getenv("PORT"); port != "" && !cmd.Flags().Changed("listen") {
				cfg.RelayAddr = ":" + port
			}
			if origin := os.Getenv("ORIGIN"); origin != "" && !cmd.Flags().Changed("allowed-origin") {
				cfg.Relay.AllowedOrigin = origin
			}

			relay := signaling.NewRelay(cfg.Relay)
			return relay.ListenAndServe(cmd.Context(), cfg.RelayAddr)
		},
	}

	cmd.Flags().StringVar(&cfg.RelayAddr, "listen", cfg.RelayAddr, "Listen address (PORT overrides the port)")
	cmd.Flags().StringVar(&cfg.Relay.AllowedOrigin, "allowed-origin", "", "Only accept browser upgrades from this origin (ORIGIN)")
	cmd.Flags().DurationVar(&cfg.Relay.SweepInterval, "sweep", cfg.Relay.SweepInterval, "How often abandoned rooms are evicted")
	return cmd
}

func sendCmd(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "send [files...]",
		Short: "Send files to whoever opens the printed link",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				args = askFiles()
			}
			cfg.Role = config.RoleSender
			return runSender(cmd.Context(), *cfg, args)
		},
	}

	cmd.Flags().StringVar(&cfg.Origin, "origin", envOr("ORIGIN", cfg.Origin), "Origin invitation links are built under")
	cmd.Flags().BoolVar(&cfg.Transfer.AwaitCompletion, "wait-confirm", cfg.Transfer.AwaitCompletion, "Wait for the receiver to confirm before exiting")
	return cmd
}

func receiveCmd(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "receive [link]",
		Short: "Receive the files behind an invitation link",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var link string
			if len(args) == 1 {
				link = args[0]
			} else {
				link = askLink()
			}
			cfg.Role = config.RoleReceiver
			return runReceiver(cmd.Context(), *cfg, link)
		},
	}

	cmd.Flags().StringVarP(&cfg.OutDir, "out", "o", cfg.OutDir, "Directory the received file or archive is written to")
	cmd.Flags().DurationVar(&cfg.TeardownGrace, "grace", cfg.TeardownGrace, "How long to wait for the sender to release the room")
	return cmd
}

// ---------------------------------------------------------------------------
// Run modes
// ---------------------------------------------------------------------------

// runSender prints the invitation link and streams the files once the
// receiver connects.
func runSender(ctx context.Context, cfg config.Config, paths []string) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	sources, err := app.SourcesFromPaths(paths)
	if err != nil {
		return err
	}

	bar := newProgress("Sending")
	cfg.Transfer.OnProgress = bar.update
	defer bar.stop()

	sender, err := app.NewSender(cfg, sources)
	if err != nil {
		return err
	}

	pterm.DefaultBox.WithTitle("Invitation link").Println(sender.Link())
	pterm.Println()
	util.LogInfo("share this link with the receiver; it carries the decryption key")

	util.StartStatsReporter(ctx, cfg.StatsInterval)
	res, err := sender.Run(ctx)
	if err != nil {
		return fmt.Errorf("transfer failed: %w", err)
	}

	util.LogSuccess("sent %d file(s), %s", res.Files, strings.TrimSpace(util.FormatBytes(float64(res.Bytes))))
	return nil
}

// runReceiver joins the room from link and saves what arrives.
func runReceiver(ctx context.Context, cfg config.Config, link string) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	bar := newProgress("Receiving")
	cfg.Transfer.OnProgress = bar.update
	defer bar.stop()

	receiver, err := app.NewReceiver(cfg, link)
	if err != nil {
		return err
	}

	util.StartStatsReporter(ctx, cfg.StatsInterval)
	got, err := receiver.Run(ctx)
	if err != nil {
		return fmt.Errorf("transfer failed: %w", err)
	}

	util.LogSuccess("received %d file(s) into %s", got.Files, got.Path)
	return nil
}

// ---------------------------------------------------------------------------
// Helper Functions
// ---------------------------------------------------------------------------

// progress renders transfer progress as a pterm bar in KiB.
type progress struct {
	title string
	bar   *pterm.ProgressbarPrinter
	shown int
}

func newProgress(title string) *progress {
	return &progress{title: title}
}

// update is the session's OnProgress hook; it runs on the session goroutine.
func (p *progress) update(pr transfer.Progress) {
	if p.bar == nil {
		total := int(pr.Total / 1024)
		if total < 1 {
			total = 1
		}
		p.bar, _ = pterm.DefaultProgressbar.
			WithTotal(total).
			WithTitle(p.title).
			WithRemoveWhenDone(false).
			Start()
	}
	if p.bar == nil {
		return
	}

	done := int(pr.Bytes / 1024)
	if done > p.bar.Total {
		done = p.bar.Total
	}
	if done > p.shown {
		p.bar.Add(done - p.shown)
		p.shown = done
	}
}

func (p *progress) stop() {
	if p.bar != nil {
		_, _ = p.bar.Stop()
	}
}

func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

// askFiles prompts for file paths until at least one is entered.
func askFiles() []string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText("Files to send (separated by commas)").
			Show()

		var paths []string
		for _, p := range strings.Split(raw, ",") {
			if p = strings.TrimSpace(p); p != "" {
				paths = append(paths, p)
			}
		}
		pterm.Println()
		if len(paths) > 0 {
			return paths
		}

		util.LogWarning("invalid input: enter at least one file path")
	}
}

// askLink prompts for an invitation link until a non-empty one is entered.
func askLink() string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText("Invitation link (e.g. https://share.example.com/share/abcd1234?key=...)").
			Show()

		pterm.Println()
		if link := strings.TrimSpace(raw); link != "" {
			return link
		}

		util.LogWarning("invalid input: please paste the invitation link")
	}
}
