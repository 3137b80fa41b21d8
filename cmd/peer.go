package cmd

import (
	"bufio"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/strand-protocol/strand/curvecp/pkg/keys"
	"github.com/strand-protocol/strand/curvecp/pkg/registry"
)

// peerRow is the table form of a registry.Peer.
type peerRow struct {
	Name    string `json:"name" yaml:"name"`
	Key     string `json:"key" yaml:"key" table:"PUBLIC KEY"`
	Addr    string `json:"addr,omitempty" yaml:"addr,omitempty"`
	Allowed bool   `json:"allowed" yaml:"allowed"`
	Created string `json:"created" yaml:"created"`
}

func toRow(p registry.Peer) peerRow {
	return peerRow{
		Name:    p.Name,
		Key:     p.Key.String(),
		Addr:    p.Addr,
		Allowed: p.Allowed,
		Created: p.CreatedAt.Format(time.RFC3339),
	}
}

var peerCmd = &cobra.Command{
	Use:   "peer",
	Short: "Manage the peer registry",
	Long:  "Add, remove, and list the client keys a listener started with --authorize accepts.",
}

var (
	peerAddAddr string
	peerAddDeny bool
)

var peerAddCmd = &cobra.Command{
	Use:   "add <name> <public-key>",
	Short: "Add or update a peer",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := keys.ParseKey(args[1])
		if err != nil {
			return fmt.Errorf("invalid public-key: %w", err)
		}
		p := registry.Peer{
			Key:       key,
			Name:      args[0],
			Addr:      peerAddAddr,
			Allowed:   !peerAddDeny,
			CreatedAt: time.Now().UTC(),
		}
		if err := p.Validate(); err != nil {
			return err
		}
		if dryRun {
			fmt.Fprintf(cmd.OutOrStdout(), "(dry-run) would add peer %q (%s)\n", p.Name, key)
			return nil
		}
		s, err := openStore()
		if err != nil {
			return err
		}
		if err := s.Put(cmd.Context(), p); err != nil {
			return fmt.Errorf("failed to add peer: %w", err)
		}
		fmt.Fprint(cmd.OutOrStdout(), formatter.Format(toRow(p)))
		return nil
	},
}

var peerRemoveCmd = &cobra.Command{
	Use:   "remove <public-key>",
	Short: "Remove a peer",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := keys.ParseKey(args[0])
		if err != nil {
			return fmt.Errorf("invalid public-key: %w", err)
		}
		if dryRun {
			fmt.Fprintf(cmd.OutOrStdout(), "(dry-run) would remove peer %s\n", key)
			return nil
		}
		if !yesFlag && !confirm(cmd, fmt.Sprintf("Remove peer %s? It will no longer be able to connect. [y/N]: ", key)) {
			fmt.Fprintln(cmd.OutOrStdout(), "Aborted.")
			return nil
		}
		s, err := openStore()
		if err != nil {
			return err
		}
		if err := s.Delete(cmd.Context(), key); err != nil {
			return fmt.Errorf("failed to remove peer: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Peer %s removed successfully.\n", key)
		return nil
	},
}

var peerListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all peers",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStore()
		if err != nil {
			return err
		}
		peers, err := s.List(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to list peers: %w", err)
		}
		rows := make([]peerRow, 0, len(peers))
		for _, p := range peers {
			rows = append(rows, toRow(p))
		}
		fmt.Fprint(cmd.OutOrStdout(), formatter.Format(rows))
		return nil
	},
}

// confirm asks prompt on the command's output and reads a y/N answer from
// its input.
func confirm(cmd *cobra.Command, prompt string) bool {
	fmt.Fprint(cmd.OutOrStdout(), prompt)
	scanner := bufio.NewScanner(cmd.InOrStdin())
	scanner.Scan()
	return strings.ToLower(strings.TrimSpace(scanner.Text())) == "y"
}

func init() {
	peerAddCmd.Flags().StringVar(&peerAddAddr, "addr", "", "last known address of the peer")
	peerAddCmd.Flags().BoolVar(&peerAddDeny, "deny", false, "record the peer but refuse its connections")

	peerCmd.AddCommand(peerAddCmd)
	peerCmd.AddCommand(peerRemoveCmd)
	peerCmd.AddCommand(peerListCmd)
	rootCmd.AddCommand(peerCmd)
}
