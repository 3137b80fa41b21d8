package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/strand-protocol/strand/curvecp/pkg/client"
	"github.com/strand-protocol/strand/curvecp/pkg/keys"
	"github.com/strand-protocol/strand/curvecp/pkg/session"
	"github.com/strand-protocol/strand/curvecp/pkg/tui"
)

const sendChunk = 64 << 10

var (
	sendServerKey string
	sendName      string
	sendTimeout   time.Duration
	sendReply     bool
	sendMonitor   bool
	sendAnonymous bool
)

var sendCmd = &cobra.Command{
	Use:   "send <addr> [file]",
	Short: "Send a file or stdin to a listener",
	Long: `Dial the listener at addr, send the contents of file (stdin when omitted
or "-") and close the stream. With --reply whatever the listener sends
back, such as the output of "listen --echo", is written to stdout.
--monitor shows a live view of the transfer.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		addr := args[0]
		if sendServerKey == "" {
			return fmt.Errorf("--server-key flag is required")
		}
		serverKey, err := keys.ParseKey(sendServerKey)
		if err != nil {
			return fmt.Errorf("invalid --server-key value: %w", err)
		}

		in := cmd.InOrStdin()
		var total uint64
		if len(args) == 2 && args[1] != "-" {
			f, err := os.Open(args[1])
			if err != nil {
				return fmt.Errorf("failed to open input: %w", err)
			}
			defer f.Close()
			if info, err := f.Stat(); err == nil {
				total = uint64(info.Size())
			}
			in = f
		}
		if dryRun {
			fmt.Fprintf(cmd.OutOrStdout(), "(dry-run) would send %s to %s\n", inputName(args), addr)
			return nil
		}

		clientExt, serverExt := cfg.Extensions()
		opts := []client.Option{
			client.WithServerKey(serverKey),
			client.WithServerName(sendName),
			client.WithExtensions(clientExt, serverExt),
			client.WithStreamConfig(cfg.Stream),
			client.WithLogger(logger),
		}
		if !sendAnonymous {
			kp, err := keys.Load(cfg.KeyFile)
			if err != nil {
				return fmt.Errorf("failed to load key (run curvecpctl keygen or pass --anonymous): %w", err)
			}
			defer kp.Wipe()
			opts = append(opts, client.WithKeys(kp))
		}

		ctx := cmd.Context()
		if sendTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, sendTimeout)
			defer cancel()
		}
		sess, err := client.Dial(ctx, addr, opts...)
		if err != nil {
			return err
		}
		defer sess.Close()

		if !sendMonitor {
			return transfer(ctx, sess, in, cmd.OutOrStdout())
		}
		return monitorTransfer(ctx, sess, addr, total, in, cmd.OutOrStdout())
	},
}

func inputName(args []string) string {
	if len(args) == 2 && args[1] != "-" {
		return args[1]
	}
	return "stdin"
}

// transfer streams in to the session, closes the outbound direction and
// waits until the listener has everything. With --reply it then copies the
// listener's data to out.
func transfer(ctx context.Context, sess *session.Session, in io.Reader, out io.Writer) error {
	buf := make([]byte, sendChunk)
	for {
		n, rerr := in.Read(buf)
		if n > 0 {
			if _, err := sess.Write(ctx, buf[:n]); err != nil {
				return fmt.Errorf("send: %w", err)
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			_ = sess.Abort()
			return fmt.Errorf("read input: %w", rerr)
		}
	}
	if err := sess.CloseWrite(); err != nil {
		return fmt.Errorf("close: %w", err)
	}
	if sendReply {
		if _, err := io.Copy(out, sess); err != nil {
			return fmt.Errorf("receive: %w", err)
		}
	}
	select {
	case <-sess.Finished():
		return nil
	case <-sess.Done():
		if err := sess.Err(); err != nil {
			return fmt.Errorf("session: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// monitorTransfer runs transfer behind the TUI monitor. Session events are
// forwarded to the monitor as they happen.
func monitorTransfer(ctx context.Context, sess *session.Session, addr string, total uint64, in io.Reader, out io.Writer) error {
	p := tea.NewProgram(tui.New(sess, addr, total), tea.WithAltScreen(), tea.WithContext(ctx))
	go func() {
		for ev := range sess.Events() {
			p.Send(tui.EventMsg(ev))
		}
	}()
	go func() {
		p.Send(tui.DoneMsg{Err: transfer(ctx, sess, in, out)})
	}()
	final, err := p.Run()
	if err != nil {
		return err
	}
	m, ok := final.(tui.Model)
	if !ok {
		return nil
	}
	if !m.Done() {
		return errors.New("transfer interrupted")
	}
	return m.Err()
}

func init() {
	sendCmd.Flags().StringVar(&sendServerKey, "server-key", "", "listener's public key in hex (required)")
	sendCmd.Flags().StringVar(&sendName, "name", "", "server name to request")
	sendCmd.Flags().DurationVar(&sendTimeout, "timeout", 0, "give up after this long (0 waits forever)")
	sendCmd.Flags().BoolVar(&sendReply, "reply", false, "write data sent back by the listener to stdout")
	sendCmd.Flags().BoolVar(&sendMonitor, "monitor", false, "show a live transfer monitor")
	sendCmd.Flags().BoolVar(&sendAnonymous, "anonymous", false, "use a throwaway key instead of the key file")
	rootCmd.AddCommand(sendCmd)
}
