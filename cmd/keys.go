package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/strand-protocol/strand/curvecp/pkg/keys"
)

var keygenForce bool

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a long-term key pair",
	Long: `Generate a Curve25519 key pair and write the secret key to the key file
(mode 0600). The public key is printed; give it to clients that dial this
host or add it to a server's peer registry. An existing key file is kept
unless --force is given.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		path := cfg.KeyFile
		if dryRun {
			fmt.Fprintf(cmd.OutOrStdout(), "(dry-run) would write a new secret key to %s\n", path)
			return nil
		}
		if keygenForce && !yesFlag {
			if _, err := os.Stat(path); err == nil &&
				!confirm(cmd, fmt.Sprintf("Replace the existing key in %s? Peers that know the old public key will stop trusting this host. [y/N]: ", path)) {
				fmt.Fprintln(cmd.OutOrStdout(), "Aborted.")
				return nil
			}
		}
		kp, err := keys.Generate(nil)
		if err != nil {
			return fmt.Errorf("failed to generate key: %w", err)
		}
		defer kp.Wipe()
		if err := keys.Save(path, kp, keygenForce); err != nil {
			if errors.Is(err, os.ErrExist) {
				return fmt.Errorf("key file %s already exists (use --force to replace it)", path)
			}
			return fmt.Errorf("failed to save key: %w", err)
		}
		logger.Info().Str("path", path).Msg("secret key written")
		fmt.Fprintln(cmd.OutOrStdout(), kp.Public.String())
		return nil
	},
}

var pubkeyCmd = &cobra.Command{
	Use:   "pubkey",
	Short: "Print the public key of the key file",
	RunE: func(cmd *cobra.Command, args []string) error {
		kp, err := keys.Load(cfg.KeyFile)
		if err != nil {
			return fmt.Errorf("failed to load key: %w", err)
		}
		defer kp.Wipe()
		fmt.Fprintln(cmd.OutOrStdout(), kp.Public.String())
		return nil
	},
}

func init() {
	keygenCmd.Flags().BoolVar(&keygenForce, "force", false, "replace an existing key file")
	rootCmd.AddCommand(keygenCmd)
	rootCmd.AddCommand(pubkeyCmd)
}
