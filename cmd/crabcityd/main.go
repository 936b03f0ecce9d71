// Command crabcityd is the daemon entrypoint: loads config, sets up
// the data directory and log files, writes the on-disk pid/port
// lock, and hands off to internal/daemon.Run. Grounded on
// cmd/wtd/main.go's cobra-based entrypoint shape in the reference
// tree, generalized from a single relay flag set to crabcity's
// config-file + env-override layering.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/ehrlich-b/crabcity/internal/capability"
	"github.com/ehrlich-b/crabcity/internal/config"
	"github.com/ehrlich-b/crabcity/internal/daemon"
	"github.com/ehrlich-b/crabcity/internal/logger"
	"github.com/ehrlich-b/crabcity/internal/store"
)

func main() {
	var bindAddr, federationAddr, logLevel, dataDir string

	root := &cobra.Command{
		Use:   "crabcityd",
		Short: "crabcity daemon: PTY sessions, multi-viewer fan-out, and peer federation",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := resolveDataDir(&dataDir); err != nil {
				return err
			}
			projectDir, err := config.GetProjectDir()
			if err != nil {
				projectDir = dataDir
			}
			if err := config.EnsureDataDirs(dataDir, projectDir); err != nil {
				return fmt.Errorf("ensure data dirs: %w", err)
			}

			if err := logger.Init(logLevel, filepath.Join(dataDir, "logs", "daemon.log")); err != nil {
				return fmt.Errorf("init logger: %w", err)
			}

			mgr := config.NewManager()
			if err := mgr.Load(dataDir, projectDir); err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			cfg := mgr.Get()
			if bindAddr != "" {
				cfg.BindAddr = bindAddr
			}
			if federationAddr != "" {
				cfg.FederationAddr = federationAddr
			}

			if err := writePidFile(dataDir, cfg); err != nil {
				return fmt.Errorf("write pid file: %w", err)
			}
			defer removePidFile(dataDir)

			return daemon.Run(cfg, dataDir)
		},
	}

	root.Flags().StringVar(&bindAddr, "bind", "", "loopback client listener address (default from settings, falls back to 127.0.0.1:7780)")
	root.Flags().StringVar(&federationAddr, "federation-addr", "", "federation listener address (default from settings, falls back to 0.0.0.0:7781)")
	root.Flags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	root.PersistentFlags().StringVar(&dataDir, "data-dir", "", "data directory (default ~/.crabcity)")

	root.AddCommand(newInviteCmd(&dataDir))

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// resolveDataDir fills *dataDir with the user's default data
// directory when the caller didn't supply one via --data-dir.
func resolveDataDir(dataDir *string) error {
	if *dataDir != "" {
		return nil
	}
	dir, err := config.GetUserDataDir()
	if err != nil {
		return fmt.Errorf("resolve data dir: %w", err)
	}
	*dataDir = dir
	return nil
}

// openInviteStore opens the identity key and operator database a
// running daemon would use, for invite subcommands run while the
// daemon may or may not be up — sqlite's own file locking arbitrates
// concurrent access.
func openInviteStore(dataDir string) (*capability.SigningKey, *store.Store, error) {
	identity, err := capability.EnsureKeyPair(dataDir)
	if err != nil {
		return nil, nil, fmt.Errorf("ensure identity key: %w", err)
	}
	s, err := store.Open(filepath.Join(dataDir, "crabcity.db"))
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}
	return identity, s, nil
}

func parseCapabilityFlag(s string) (capability.Capability, error) {
	switch s {
	case "view":
		return capability.View, nil
	case "collaborate":
		return capability.Collaborate, nil
	case "admin":
		return capability.Admin, nil
	case "owner":
		return capability.Owner, nil
	default:
		return 0, fmt.Errorf("unknown capability %q (want view, collaborate, admin, or owner)", s)
	}
}

// newInviteCmd builds the `invite create|list|revoke` subcommands:
// minting a root chain (capability.NewRoot), persisting it
// (store.StoreInvite), and managing it thereafter. dataDir is read at
// RunE time so it picks up the root command's --data-dir flag.
func newInviteCmd(dataDir *string) *cobra.Command {
	var capLevel string
	var maxUses, maxDepth int
	var expiresIn time.Duration

	cmd := &cobra.Command{
		Use:   "invite",
		Short: "mint, list, and revoke federation invite chains",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "mint a root invite chain and persist it for redemption",
		RunE: func(c *cobra.Command, args []string) error {
			if err := resolveDataDir(dataDir); err != nil {
				return err
			}
			identity, s, err := openInviteStore(*dataDir)
			if err != nil {
				return err
			}
			defer s.Close()

			target, err := parseCapabilityFlag(capLevel)
			if err != nil {
				return err
			}
			var expiresAt time.Time
			if expiresIn > 0 {
				expiresAt = time.Now().Add(expiresIn)
			}
			chain, err := capability.NewRoot(identity, target, maxUses, maxDepth, expiresAt)
			if err != nil {
				return fmt.Errorf("mint invite: %w", err)
			}

			inv := &store.Invite{
				Nonce: chain.Links[0].NonceHex(), Issuer: identity.Public(),
				Capability: target, MaxUses: maxUses, Chain: chain,
			}
			if !expiresAt.IsZero() {
				inv.ExpiresAt = &expiresAt
			}
			if err := s.StoreInvite(inv); err != nil {
				return fmt.Errorf("store invite: %w", err)
			}

			chainJSON, err := json.Marshal(chain)
			if err != nil {
				return err
			}
			fmt.Printf("nonce=%s capability=%s max_uses=%d\n", inv.Nonce, target, maxUses)
			fmt.Printf("chain=%s\n", chainJSON)
			return nil
		},
	}
	createCmd.Flags().StringVar(&capLevel, "capability", "view", "capability to grant: view, collaborate, admin, or owner")
	createCmd.Flags().IntVar(&maxUses, "max-uses", 1, "maximum redemptions (0 = unlimited)")
	createCmd.Flags().IntVar(&maxDepth, "max-depth", 1, "maximum delegation depth for this chain")
	createCmd.Flags().DurationVar(&expiresIn, "expires-in", 0, "expire after this duration from now (0 = never)")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "list active (unrevoked) invites",
		RunE: func(c *cobra.Command, args []string) error {
			if err := resolveDataDir(dataDir); err != nil {
				return err
			}
			_, s, err := openInviteStore(*dataDir)
			if err != nil {
				return err
			}
			defer s.Close()

			invites, err := s.ListActiveInvites()
			if err != nil {
				return err
			}
			for _, inv := range invites {
				fmt.Printf("%s  capability=%-11s uses=%d/%d\n", inv.Nonce, inv.Capability, inv.UseCount, inv.MaxUses)
			}
			return nil
		},
	}

	revokeCmd := &cobra.Command{
		Use:   "revoke <nonce>",
		Short: "revoke a stored invite by nonce",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			if err := resolveDataDir(dataDir); err != nil {
				return err
			}
			_, s, err := openInviteStore(*dataDir)
			if err != nil {
				return err
			}
			defer s.Close()
			return s.RevokeInvite(args[0])
		},
	}

	cmd.AddCommand(createCmd, listCmd, revokeCmd)
	return cmd
}

// writePidFile records daemon.pid and daemon.port in dataDir, the
// on-disk lock a CLI front end reads to find a running daemon without
// guessing its address.
func writePidFile(dataDir string, cfg *config.Config) error {
	if err := os.WriteFile(filepath.Join(dataDir, "daemon.pid"), []byte(strconv.Itoa(os.Getpid())), 0644); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dataDir, "daemon.port"), []byte(cfg.BindAddr), 0644)
}

func removePidFile(dataDir string) {
	_ = os.Remove(filepath.Join(dataDir, "daemon.pid"))
	_ = os.Remove(filepath.Join(dataDir, "daemon.port"))
}
