package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/firewatch/pkg/protocol"
)

func testCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "test",
		Short: "Send test deliveries (cooldowns do not apply)",
	}
	cmd.AddCommand(testSendCmd())
	cmd.AddCommand(testCallCmd())
	return cmd
}

func testSendCmd() *cobra.Command {
	var jsonOutput bool
	var wait time.Duration
	cmd := &cobra.Command{
		Use:   "send [recipient-id]",
		Short: "Send a test WhatsApp message to one recipient",
		Long: `Connect with the stored session and send a test message. Stop a running
"firewatch serve" first: a session can only be used by one process.`,
		Args: cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			cfg := mustLoadConfig()
			registry, recStore := mustOpenRegistry(cfg)
			defer recStore.Close()

			a := newApp(cfg, registry)
			ctx, cancel := context.WithTimeout(context.Background(), wait+30*time.Second)
			defer cancel()
			g, gctx := errgroup.WithContext(ctx)
			a.startManager(gctx, g)

			err := connectForTest(gctx, a, wait)
			if err == nil {
				err = a.surface.TestSend(gctx, args[0])
			}
			cancel()
			_ = g.Wait()
			if err != nil {
				exitWithError(err, jsonOutput)
			}
			if jsonOutput {
				printJSON(protocol.NewOKResult(map[string]string{"recipientId": args[0]}))
				return
			}
			fmt.Printf("Test message sent to %s\n", args[0])
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	cmd.Flags().DurationVar(&wait, "wait", 60*time.Second, "how long to wait for the chat connection")
	return cmd
}

// connectForTest resumes the stored session and waits up to wait for it to
// become usable.
func connectForTest(ctx context.Context, a *app, wait time.Duration) error {
	if err := a.surface.Resume(ctx); err != nil {
		return err
	}
	m := a.manager
	deadline := time.NewTimer(wait)
	defer deadline.Stop()
	tick := time.NewTicker(250 * time.Millisecond)
	defer tick.Stop()
	for {
		if m.Ready() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			// TestSend reports the not-linked error.
			slog.Warn("whatsapp: not connected in time", "status", m.Status().Status, "waited", wait)
			return nil
		case <-tick.C:
		}
	}
}

func testCallCmd() *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "call [target-id]",
		Short: "Place a test voice call to one call target",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			cfg := mustLoadConfig()
			registry, recStore := mustOpenRegistry(cfg)
			defer recStore.Close()

			a := newApp(cfg, registry)
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()

			res, err := a.surface.TestCall(ctx, args[0])
			if err != nil {
				exitWithError(err, jsonOutput)
			}
			if jsonOutput {
				printJSON(protocol.NewOKResult(res))
				return
			}
			fmt.Printf("Call queued: sid=%s status=%s to=%s\n", res.SID, res.Status, res.To)
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}
