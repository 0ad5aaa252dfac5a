package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"

	"p2pshare/internal/peer"
	"p2pshare/internal/transport"
)

// Node is the part of *node.Node the console drives.
type Node interface {
	Self() peer.Address
	Peers() []peer.Address
	SendText(ctx context.Context, target peer.Address, body []byte) error
	SendTextToAll(ctx context.Context, body []byte) []transport.Result
	SendFile(ctx context.Context, target peer.Address, path string) error
	SendFileToAll(ctx context.Context, path string) []transport.Result
	SendDirectory(ctx context.Context, target peer.Address, root string) error
	Connect(ctx context.Context, target peer.Address) error
}

type Console struct {
	Node   Node
	Logger *zap.Logger
}

// Execute runs one input line and returns the text to show the user.
// Per-peer outcomes also reach the node's observer.
func (c *Console) Execute(ctx context.Context, line string) (string, error) {
	cmd, err := Parse(line)
	if err != nil {
		return "", err
	}
	if c.Logger != nil && cmd.Kind != KindNone {
		c.Logger.Debug("command", zap.Int("kind", int(cmd.Kind)), zap.Stringer("target", cmd.Target))
	}

	switch cmd.Kind {
	case KindNone:
		return "", nil
	case KindQuit:
		return "", ErrQuit
	case KindHelp:
		return Help, nil
	case KindPeers:
		return FormatPeers(c.Node.Peers()), nil
	case KindSay:
		return summarize("message", c.Node.SendTextToAll(ctx, []byte(cmd.Arg)))
	case KindSendFileAll:
		return summarize("file", c.Node.SendFileToAll(ctx, cmd.Arg))
	case KindConnect:
		if err := c.Node.Connect(ctx, cmd.Target); err != nil {
			return "", err
		}
		return fmt.Sprintf("connected to %s", cmd.Target), nil
	case KindMsg:
		if err := c.Node.SendText(ctx, cmd.Target, []byte(cmd.Arg)); err != nil {
			return "", err
		}
		return fmt.Sprintf("message sent to %s", cmd.Target), nil
	case KindSendFile:
		if err := c.Node.SendFile(ctx, cmd.Target, cmd.Arg); err != nil {
			return "", err
		}
		return fmt.Sprintf("file sent to %s", cmd.Target), nil
	case KindSendDir:
		if err := c.Node.SendDirectory(ctx, cmd.Target, cmd.Arg); err != nil {
			return "", err
		}
		return fmt.Sprintf("directory sent to %s", cmd.Target), nil
	}
	return "", fmt.Errorf("%w: unhandled command", ErrUsage)
}

// Run reads commands from in until EOF, /quit or ctx is cancelled, writing
// results and a prompt to out.
func (c *Console) Run(ctx context.Context, in io.Reader, out io.Writer) error {
	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	fmt.Fprint(out, "> ")
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-scanErr:
			return err
		case line := <-lines:
			text, err := c.Execute(ctx, line)
			switch {
			case errors.Is(err, ErrQuit):
				return nil
			case err != nil:
				fmt.Fprintf(out, "error: %v\n", err)
			case text != "":
				fmt.Fprintln(out, text)
			}
			fmt.Fprint(out, "> ")
		}
	}
}

func summarize(what string, results []transport.Result) (string, error) {
	if len(results) == 0 {
		return "", fmt.Errorf("no peers known yet")
	}
	ok := 0
	var failed []string
	for _, r := range results {
		if r.OK() {
			ok++
			continue
		}
		failed = append(failed, r.Target.String())
	}
	msg := fmt.Sprintf("%s sent to %d of %d peers", what, ok, len(results))
	if len(failed) > 0 {
		msg += " (failed: " + strings.Join(failed, ", ") + ")"
	}
	return msg, nil
}
