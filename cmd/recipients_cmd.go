package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/firewatch/internal/control"
	"github.com/nextlevelbuilder/firewatch/internal/store"
	"github.com/nextlevelbuilder/firewatch/pkg/protocol"
)

// listOps binds one recipient list to the control surface.
type listOps struct {
	noun   string // "recipient", "call target"
	add    func(s *control.Surface, phone, name string) (store.Recipient, error)
	remove func(s *control.Surface, id string) error
	list   func(s *control.Surface) ([]store.Recipient, error)
}

var recipientOps = listOps{
	noun:   "recipient",
	add:    (*control.Surface).AddRecipient,
	remove: (*control.Surface).RemoveRecipient,
	list:   (*control.Surface).ListRecipients,
}

var callTargetOps = listOps{
	noun:   "call target",
	add:    (*control.Surface).AddCallTarget,
	remove: (*control.Surface).RemoveCallTarget,
	list:   (*control.Surface).ListCallTargets,
}

func recipientsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "recipients",
		Short: "Manage WhatsApp alert recipients",
	}
	addListSubcommands(cmd, recipientOps)
	return cmd
}

func callTargetsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "calltargets",
		Aliases: []string{"call-targets"},
		Short:   "Manage voice-call targets",
	}
	addListSubcommands(cmd, callTargetOps)
	return cmd
}

func addListSubcommands(parent *cobra.Command, ops listOps) {
	var jsonOutput bool

	add := &cobra.Command{
		Use:   "add [phone] [name]",
		Short: "Add a " + ops.noun,
		Args:  cobra.RangeArgs(1, 2),
		Run: func(cmd *cobra.Command, args []string) {
			name := ""
			if len(args) > 1 {
				name = args[1]
			}
			withSurface(func(s *control.Surface) {
				r, err := ops.add(s, args[0], name)
				if err != nil {
					exitWithError(err, jsonOutput)
				}
				if jsonOutput {
					printJSON(protocol.NewOKResult(r))
					return
				}
				fmt.Printf("Added %s %s (%s)\n", ops.noun, r.ID, r.PhoneNumber)
			})
		},
	}

	remove := &cobra.Command{
		Use:   "remove [id]",
		Short: "Remove a " + ops.noun,
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			withSurface(func(s *control.Surface) {
				if err := ops.remove(s, args[0]); err != nil {
					exitWithError(err, jsonOutput)
				}
				if jsonOutput {
					printJSON(protocol.NewOKResult(nil))
					return
				}
				fmt.Printf("Removed %s: %s\n", ops.noun, args[0])
			})
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List " + ops.noun + "s",
		Run: func(cmd *cobra.Command, args []string) {
			withSurface(func(s *control.Surface) {
				entries, err := ops.list(s)
				if err != nil {
					exitWithError(err, jsonOutput)
				}
				if jsonOutput {
					printJSON(protocol.NewOKResult(entries))
					return
				}
				printRecipients(entries, ops.noun)
			})
		},
	}

	for _, c := range []*cobra.Command{add, remove, list} {
		c.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
		parent.AddCommand(c)
	}
}

// withSurface runs fn against the registry of the configured data dir.
func withSurface(fn func(s *control.Surface)) {
	cfg := mustLoadConfig()
	registry, recStore := mustOpenRegistry(cfg)
	defer recStore.Close()
	fn(newApp(cfg, registry).surface)
}

func printRecipients(entries []store.Recipient, noun string) {
	if len(entries) == 0 {
		fmt.Printf("No %ss found.\n", noun)
		return
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "ID\tPHONE\tNAME\tADDED\n")
	for _, r := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
			r.ID,
			r.PhoneNumber,
			truncateStr(r.Name, 30),
			r.AddedAt.Local().Format(time.DateTime),
		)
	}
	tw.Flush()
}
