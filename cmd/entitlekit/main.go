package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/entitlekit/entitlekit-go/internal/config"
	"github.com/entitlekit/entitlekit-go/internal/logging"
	"github.com/entitlekit/entitlekit-go/pkg/sdk"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var envPath string

var rootCmd = &cobra.Command{
	Use:     "entitlekit",
	Short:   "entitlekit - purchase identity and entitlement cache CLI",
	Long:    `entitlekit exercises the entitlekit SDK from the command line: inspect the current purchase identity, log in and out, and read the cached entitlement snapshot.`,
	Version: Version,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("entitlekit %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Printf("Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Printf("Commit: %s\n", GitCommit)
		}
	},
}

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Print the current app user id",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		defer client.Close()

		kind := "known"
		if client.IsAnonymous() {
			kind = "anonymous"
		}
		fmt.Printf("%s (%s)\n", client.CurrentAppUserID(), kind)
		return nil
	},
}

var loginCmd = &cobra.Command{
	Use:   "login <app-user-id>",
	Short: "Log in as a known app user id",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		defer client.Close()

		type loginResult struct {
			snapshot *sdk.Snapshot
			created  bool
			err      error
		}
		done := make(chan loginResult, 1)
		client.LogIn(args[0], func(snapshot *sdk.Snapshot, created bool, err error) {
			done <- loginResult{snapshot, created, err}
		})

		result := <-done
		if result.err != nil {
			return result.err
		}
		fmt.Printf("Logged in as %s (created=%v)\n", client.CurrentAppUserID(), result.created)
		printSnapshot(result.snapshot)
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Log out, replacing the current user with a fresh anonymous id",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		defer client.Close()

		done := make(chan error, 1)
		client.LogOut(func(err error) { done <- err })
		if err := <-done; err != nil {
			return err
		}
		fmt.Printf("Logged out, now %s\n", client.CurrentAppUserID())
		return nil
	},
}

var entitlementsWatch bool

var entitlementsCmd = &cobra.Command{
	Use:   "entitlements",
	Short: "Print the current entitlement snapshot",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		defer client.Close()

		type fetchResult struct {
			snapshot *sdk.Snapshot
			err      error
		}
		done := make(chan fetchResult, 1)
		client.GetEntitlementSnapshot(func(snapshot *sdk.Snapshot, err error) {
			done <- fetchResult{snapshot, err}
		})
		result := <-done
		if result.err != nil {
			return result.err
		}
		printSnapshot(result.snapshot)

		if !entitlementsWatch {
			return nil
		}

		unsubscribe := client.OnSnapshotChanged(func(snapshot *sdk.Snapshot) {
			fmt.Println("--- snapshot changed ---")
			printSnapshot(snapshot)
		})
		defer unsubscribe()

		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		for {
			select {
			case <-ticker.C:
				client.GetEntitlementSnapshot(nil)
			case <-sigCh:
				return nil
			}
		}
	},
}

func newClient() (*sdk.Client, error) {
	settings, err := config.Load(envPath)
	if err != nil {
		return nil, err
	}

	logging.Init(logging.Config{
		Format:    settings.LogFormat,
		Level:     settings.LogLevel,
		Component: "entitlekit",
	})

	if envPath != "" {
		if watcher, err := config.NewWatcher(envPath); err != nil {
			log.Warn().Err(err).Msg("Config watcher unavailable")
		} else {
			// Leaked intentionally; the watcher lives for the process.
			_ = watcher
		}
	}

	return sdk.New(sdk.Config{
		APIKey:              settings.APIKey,
		BaseURL:             settings.BaseURL,
		DataDir:             settings.DataDir,
		AppUserID:           settings.AppUserID,
		ForegroundTTL:       settings.ForegroundTTL,
		BackgroundTTL:       settings.BackgroundTTL,
		BackgroundJitterMax: settings.BackgroundJitterMax,
		HTTPTimeout:         settings.HTTPTimeout,
	})
}

func printSnapshot(snapshot *sdk.Snapshot) {
	if snapshot == nil {
		fmt.Println("No snapshot available")
		return
	}
	fmt.Printf("Original app user id: %s\n", snapshot.OriginalAppUserID)
	fmt.Printf("First seen: %s\n", snapshot.FirstSeen.Format(time.RFC3339))
	if len(snapshot.Entitlements) == 0 {
		fmt.Println("No entitlements")
		return
	}
	for key, ent := range snapshot.Entitlements {
		status := "inactive"
		if ent.IsActive {
			status = "active"
		}
		line := fmt.Sprintf("  %s: %s (%s)", key, ent.ProductIdentifier, status)
		if ent.ExpiresDate != nil {
			line += fmt.Sprintf(", expires %s", ent.ExpiresDate.Format(time.RFC3339))
		}
		fmt.Println(line)
	}
}

func init() {
	defaultEnv := ""
	if home, err := os.UserHomeDir(); err == nil {
		defaultEnv = filepath.Join(home, ".config", "entitlekit", ".env")
	}
	rootCmd.PersistentFlags().StringVar(&envPath, "env", defaultEnv, "Path to .env file")

	entitlementsCmd.Flags().BoolVar(&entitlementsWatch, "watch", false, "Keep running and print snapshot changes")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(whoamiCmd)
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
	rootCmd.AddCommand(entitlementsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
