package cmd

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/firewatch/internal/channels/whatsapp"
	"github.com/nextlevelbuilder/firewatch/pkg/protocol"
)

func sessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Inspect or delete the linked chat session",
	}
	cmd.AddCommand(sessionStatusCmd())
	cmd.AddCommand(sessionDeleteCmd())
	return cmd
}

type sessionInfo struct {
	Linked     bool     `json:"linked"`
	SessionDir string   `json:"sessionDir"`
	Files      []string `json:"files,omitempty"`
}

func sessionStatusCmd() *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show whether a linked session is stored",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := mustLoadConfig()
			creds := whatsapp.NewCredentialStore(cfg.WhatsApp.SessionDir)
			files, err := creds.Files()
			if err != nil {
				exitWithError(err, jsonOutput)
			}
			info := sessionInfo{Linked: creds.HasSession(), SessionDir: creds.Dir()}
			for _, f := range files {
				info.Files = append(info.Files, filepath.Base(f))
			}

			if jsonOutput {
				printJSON(protocol.NewOKResult(info))
				return
			}
			fmt.Printf("Session dir: %s\n", info.SessionDir)
			if info.Linked {
				fmt.Printf("Linked:      yes (%d file(s))\n", len(info.Files))
			} else {
				fmt.Println("Linked:      no (run `firewatch serve --link qr`)")
			}
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}

func sessionDeleteCmd() *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Erase the stored session (recipients are kept)",
		Long: `Erase the stored chat session. The recipient and call-target lists are
not touched. Stop a running "firewatch serve" first.`,
		Run: func(cmd *cobra.Command, args []string) {
			cfg := mustLoadConfig()
			registry, recStore := mustOpenRegistry(cfg)
			defer recStore.Close()

			a := newApp(cfg, registry)
			ctx, cancel := context.WithCancel(context.Background())
			g, gctx := errgroup.WithContext(ctx)
			a.startManager(gctx, g)

			err := a.surface.DeleteSession(gctx)
			cancel()
			_ = g.Wait()
			if err != nil {
				exitWithError(err, jsonOutput)
			}

			kept, _ := registry.ListRecipients()
			if jsonOutput {
				printJSON(protocol.NewOKResult(map[string]int{"recipientsKept": len(kept)}))
				return
			}
			fmt.Printf("Session deleted. %d recipient(s) kept.\n", len(kept))
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}
