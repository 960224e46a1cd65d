package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/google/renameio/v2"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/firewatch/internal/artifact"
	"github.com/nextlevelbuilder/firewatch/internal/bus"
	"github.com/nextlevelbuilder/firewatch/internal/channels/whatsapp"
	"github.com/nextlevelbuilder/firewatch/internal/config"
	"github.com/nextlevelbuilder/firewatch/internal/control"
	"github.com/nextlevelbuilder/firewatch/internal/dispatch"
	"github.com/nextlevelbuilder/firewatch/internal/ingest"
	"github.com/nextlevelbuilder/firewatch/internal/metrics"
	"github.com/nextlevelbuilder/firewatch/internal/recipients"
	"github.com/nextlevelbuilder/firewatch/internal/telephony"
	"github.com/nextlevelbuilder/firewatch/pkg/protocol"
)

type serveOptions struct {
	link   string // "", "qr" or "pairing"
	phone  string
	events bool
}

func serveCmd() *cobra.Command {
	var opts serveOptions
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the notifier (ingest, dispatcher, chat channel)",
		Long: `Run the notifier. With --link the chat channel is linked interactively:
"qr" prints a QR code to scan, "pairing" prints a code to enter on the phone.`,
		Run: func(cmd *cobra.Command, args []string) {
			runServe(opts)
		},
	}
	cmd.Flags().StringVar(&opts.link, "link", "", `link the chat channel: "qr" or "pairing"`)
	cmd.Flags().StringVar(&opts.phone, "phone", "", "phone number for pairing-code linking")
	cmd.Flags().BoolVar(&opts.events, "events", false, "stream bus events to stdout as JSON lines")
	return cmd
}

// app holds the wired core.
type app struct {
	cfg      *config.Config
	bus      *bus.MessageBus
	registry *recipients.Registry
	creds    *whatsapp.CredentialStore
	manager  *whatsapp.Manager
	caller   *telephony.Client
	disp     *dispatch.Dispatcher
	surface  *control.Surface
}

func newApp(cfg *config.Config, registry *recipients.Registry) *app {
	msgBus := bus.New(256)

	resolver := artifact.NewResolver(artifact.Config{
		SnapshotDir:  cfg.Artifact.SnapshotDir,
		FetchTimeout: cfg.Artifact.FetchTimeout.Std(),
		MaxBytes:     cfg.Artifact.MaxBytes,
		MaxSide:      cfg.Artifact.MaxSide,
	})

	caller := telephony.NewClient(telephony.Config{
		BaseURL:        cfg.Telephony.BaseURL,
		AccountSID:     cfg.Telephony.AccountSID,
		AuthToken:      cfg.Telephony.AuthToken,
		FromNumber:     cfg.Telephony.FromNumber,
		Voice:          cfg.Telephony.Voice,
		Language:       cfg.Telephony.Language,
		StatusCallback: cfg.Telephony.StatusCallback,
		CallsPerSecond: cfg.Telephony.CallsPerSecond,
	})

	creds := whatsapp.NewCredentialStore(cfg.WhatsApp.SessionDir)
	manager := whatsapp.NewManager(whatsapp.Config{
		QRTimeout:      cfg.WhatsApp.QRTimeout.Std(),
		PollInterval:   cfg.WhatsApp.PairingPollInterval.Std(),
		PollAttempts:   cfg.WhatsApp.PairingPollAttempts,
		ReconnectDelay: cfg.WhatsApp.ReconnectDelay.Std(),
		SyncTimeout:    cfg.WhatsApp.SyncTimeout.Std(),
	}, creds, whatsapp.NewWhatsmeowFactory(cfg.WhatsApp.DeviceName), msgBus)

	disp := dispatch.New(dispatch.Config{
		ChatCooldown:    cfg.Dispatch.ChatCooldown.Std(),
		VoiceCooldown:   cfg.Dispatch.VoiceCooldown.Std(),
		Concurrency:     cfg.Dispatch.Concurrency,
		Location:        cfg.Location(),
		VoiceOnPhoto:    cfg.Dispatch.VoiceOnPhoto,
		VoiceOnVerified: cfg.Dispatch.VoiceOnVerified,
	}, manager, caller, resolver, registry, msgBus)

	surface := control.New(manager, registry, disp)
	surface.SetLimiter(control.NewFileRateLimiter(control.TestDeliveriesPerMinute, control.TestDeliveryBurst, cfg.TestLimitsPath()))

	return &app{
		cfg:      cfg,
		bus:      msgBus,
		registry: registry,
		creds:    creds,
		manager:  manager,
		caller:   caller,
		disp:     disp,
		surface:  surface,
	}
}

// startManager runs the connection manager in g and waits until it accepts commands.
func (a *app) startManager(ctx context.Context, g *errgroup.Group) {
	g.Go(func() error { return a.manager.Run(ctx) })
	select {
	case <-a.manager.Running():
	case <-ctx.Done():
	}
}

func runServe(opts serveOptions) {
	if opts.link != "" && opts.link != protocol.AuthQR && opts.link != protocol.AuthPairing {
		fmt.Fprintf(os.Stderr, "Error: --link must be %q or %q\n", protocol.AuthQR, protocol.AuthPairing)
		os.Exit(1)
	}

	cfg := mustLoadConfig()
	registry, recStore := mustOpenRegistry(cfg)
	defer recStore.Close()

	a := newApp(cfg, registry)
	a.surface.Attach(a.bus)
	if !a.caller.Configured() {
		slog.Warn("telephony: credentials not configured, voice alerts disabled")
	}

	a.bus.Subscribe("linking", linkPrinter(cfg.DataDir))
	if opts.events {
		a.bus.Subscribe("events", eventPrinter())
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	a.startManager(gctx, g)
	g.Go(func() error { return a.disp.Run(gctx) })

	if cfg.Metrics.Listen != "" {
		g.Go(func() error { return metrics.Serve(gctx, cfg.Metrics.Listen) })
	}

	sub := ingest.NewSubscriber(cfg.MQTT, a.bus)
	if err := sub.Start(gctx); err != nil {
		slog.Error("ingest: start failed", "error", err)
		stop()
	}
	defer sub.Stop()

	reloader := config.NewReloader(resolveConfigPath(), func(next *config.Config) {
		a.disp.UpdateCooldowns(next.Dispatch.ChatCooldown.Std(), next.Dispatch.VoiceCooldown.Std())
	})
	g.Go(func() error {
		if err := reloader.Run(gctx); err != nil {
			slog.Warn("config: hot reload disabled", "error", err)
		}
		return nil
	})

	switch {
	case opts.link != "":
		if err := a.surface.Connect(gctx, opts.phone, opts.link); err != nil {
			slog.Error("whatsapp: link failed", "error", err)
		}
	case cfg.WhatsApp.AutoConnect && a.creds.HasSession():
		if err := a.manager.Resume(gctx); err != nil {
			slog.Warn("whatsapp: resume failed", "error", err)
		}
	default:
		slog.Info("whatsapp: not linked, run `firewatch serve --link qr` to link")
	}

	slog.Info("firewatch: running", "version", Version, "broker", cfg.MQTT.BrokerURL)
	<-gctx.Done()
	a.bus.Broadcast(bus.Notice{Name: protocol.EventShutdown})

	if err := g.Wait(); err != nil {
		slog.Error("firewatch: stopped with error", "error", err)
		os.Exit(1)
	}
	slog.Info("firewatch: stopped")
}

// linkPrinter shows QR codes and pairing codes on the terminal as they are
// issued. The QR image is also saved to <dataDir>/qr.png.
func linkPrinter(dataDir string) bus.NoticeHandler {
	var mu sync.Mutex
	var lastQR, lastCode string
	qrPath := filepath.Join(dataDir, "qr.png")

	return func(n bus.Notice) {
		if n.Name != protocol.EventConnectionState {
			return
		}
		st, ok := n.Payload.(whatsapp.ConnectionState)
		if !ok {
			return
		}
		mu.Lock()
		defer mu.Unlock()

		switch st.Status {
		case protocol.StatusAwaitingQR:
			if st.QRCode == "" || st.QRCode == lastQR {
				return
			}
			lastQR = st.QRCode
			if art, err := whatsapp.RenderQRTerminal(st.QRCode); err == nil {
				fmt.Println("Scan this QR code with WhatsApp (Linked devices > Link a device):")
				fmt.Println(art)
			}
			if len(st.QRImage) > 0 {
				if err := renameio.WriteFile(qrPath, st.QRImage, 0o600); err != nil {
					slog.Warn("whatsapp: write qr image failed", "path", qrPath, "error", err)
				}
			}
		case protocol.StatusAwaitingPairing:
			if st.PairingCode == "" || st.PairingCode == lastCode {
				return
			}
			lastCode = st.PairingCode
			fmt.Printf("Enter this pairing code on your phone: %s\n", st.PairingCode)
		case protocol.StatusQRExpired:
			fmt.Println("QR code expired. Run `firewatch serve --link qr` again.")
			_ = os.Remove(qrPath)
		case protocol.StatusConnected:
			if lastQR != "" || lastCode != "" {
				fmt.Println("Linked.")
				lastQR, lastCode = "", ""
				_ = os.Remove(qrPath)
			}
		}
	}
}

// eventPrinter writes every bus notice to stdout as a JSON line.
func eventPrinter() bus.NoticeHandler {
	var seq atomic.Int64
	var mu sync.Mutex
	enc := json.NewEncoder(os.Stdout)
	return func(n bus.Notice) {
		payload := n.Payload
		if st, ok := payload.(whatsapp.ConnectionState); ok {
			st.QRImage = nil
			payload = st
		}
		mu.Lock()
		defer mu.Unlock()
		_ = enc.Encode(protocol.NewEvent(n.Name, payload, seq.Add(1)))
	}
}
