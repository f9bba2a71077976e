package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/marmos91/tallyd/pkg/client"
	"github.com/spf13/cobra"
)

var (
	clientAddr    string
	clientTimeout time.Duration
)

var clientCmd = &cobra.Command{
	Use:   "client [command...]",
	Short: "Talk to a running tallyd server",
	Long: `Connect to a tallyd server and send commands.

With arguments, the arguments form a single command whose response is
printed before exiting:

  tallyd client TRANSFER 1 2 10

Without arguments, commands are read from stdin one per line until EOF or
BYE.`,
	RunE: runClient,
}

func init() {
	clientCmd.Flags().StringVarP(&clientAddr, "addr", "a", "127.0.0.1:7777", "server address (host:port)")
	clientCmd.Flags().DurationVar(&clientTimeout, "timeout", 10*time.Second, "per-command timeout (0 disables)")
	rootCmd.AddCommand(clientCmd)
}

func runClient(cmd *cobra.Command, args []string) error {
	dialCtx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
	defer cancel()

	c, err := client.Dial(dialCtx, clientAddr, clientTimeout)
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()

	out := cmd.OutOrStdout()

	if len(args) > 0 {
		return sendAndPrint(out, c, strings.Join(args, " "))
	}

	printLines(out, c.Banner())

	scanner := bufio.NewScanner(cmd.InOrStdin())
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if err := sendAndPrint(out, c, line); err != nil {
			if errors.Is(err, client.ErrClosed) {
				return nil
			}
			return err
		}
		if strings.EqualFold(strings.Fields(line)[0], "BYE") {
			return nil
		}
	}
	return scanner.Err()
}

func sendAndPrint(out io.Writer, c *client.Client, command string) error {
	lines, err := c.Do(command)
	if err != nil {
		return err
	}
	printLines(out, lines)
	return nil
}

func printLines(out io.Writer, lines []string) {
	for _, line := range lines {
		fmt.Fprintln(out, line)
	}
}
