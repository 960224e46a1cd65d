package cmd

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/firewatch/internal/channels/whatsapp"
	"github.com/nextlevelbuilder/firewatch/internal/config"
	"github.com/nextlevelbuilder/firewatch/internal/store"
	"github.com/nextlevelbuilder/firewatch/pkg/protocol"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check configuration, session and provider health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("firewatch doctor")
	fmt.Printf("  Version:  %s (output format %d)\n", Version, protocol.ProtocolVersion)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	// Config
	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND, using defaults)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}
	checkDir("Data dir", cfg.DataDir)
	if cfg.Artifact.SnapshotDir != "" {
		checkDir("Snapshots", cfg.Artifact.SnapshotDir)
	}

	// Broker
	fmt.Println()
	fmt.Println("  MQTT:")
	checkBroker(cfg.MQTT.BrokerURL)
	fmt.Printf("    %-12s %s, %s, %s, %s\n", "Topics:",
		cfg.MQTT.Topics.Telemetry, cfg.MQTT.Topics.Events, cfg.MQTT.Topics.Alerts, cfg.MQTT.Topics.PhotoAlerts)

	// Chat channel
	fmt.Println()
	fmt.Println("  WhatsApp:")
	creds := whatsapp.NewCredentialStore(cfg.WhatsApp.SessionDir)
	if creds.HasSession() {
		fmt.Printf("    %-12s linked (%s)\n", "Session:", creds.Dir())
	} else {
		fmt.Printf("    %-12s not linked (run `firewatch serve --link qr`)\n", "Session:")
	}

	// Telephony
	fmt.Println()
	fmt.Println("  Telephony:")
	checkSecret("Account SID", cfg.Telephony.AccountSID)
	checkSecret("Auth token", cfg.Telephony.AuthToken)
	checkSecret("From", cfg.Telephony.FromNumber)

	// Registry
	fmt.Println()
	fmt.Printf("  Registry (%s):\n", cfg.Storage.Backend)
	s, err := openRecipientStore(cfg)
	if err != nil {
		fmt.Printf("    %-12s %s\n", "Error:", err)
	} else {
		defer s.Close()
		chat, _ := s.List(store.ListRecipients)
		calls, _ := s.List(store.ListCallTargets)
		fmt.Printf("    %-12s %d\n", "Recipients:", len(chat))
		fmt.Printf("    %-12s %d\n", "Call targets:", len(calls))
		if len(chat) == 0 {
			fmt.Println("    (no recipients: chat alerts will be suppressed)")
		}
	}

	fmt.Println()
	fmt.Println("Doctor check complete.")
}

func checkDir(label, path string) {
	fmt.Printf("  %-9s %s", label+":", path)
	if _, err := os.Stat(path); err != nil {
		fmt.Println(" (NOT FOUND)")
	} else {
		fmt.Println(" (OK)")
	}
}

func checkSecret(name, value string) {
	if value == "" {
		fmt.Printf("    %-12s (not configured)\n", name+":")
		return
	}
	fmt.Printf("    %-12s %s\n", name+":", maskSecret(value))
}

func maskSecret(v string) string {
	if len(v) <= 8 {
		return strings.Repeat("*", len(v))
	}
	return v[:4] + strings.Repeat("*", len(v)-8) + v[len(v)-4:]
}

// checkBroker dials the broker's TCP address.
func checkBroker(rawURL string) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		fmt.Printf("    %-12s %s (INVALID URL)\n", "Broker:", rawURL)
		return
	}
	conn, err := net.DialTimeout("tcp", u.Host, 3*time.Second)
	if err != nil {
		fmt.Printf("    %-12s %s (UNREACHABLE: %v)\n", "Broker:", rawURL, err)
		return
	}
	conn.Close()
	fmt.Printf("    %-12s %s (OK)\n", "Broker:", rawURL)
}
