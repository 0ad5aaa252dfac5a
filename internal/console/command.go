// Package console turns typed lines into node operations. Both the plain
// stdin front end and the TUI drive the node through it.
package console

import (
	"errors"
	"fmt"
	"strings"

	"p2pshare/internal/peer"
)

var (
	// ErrQuit is returned by Execute for /quit.
	ErrQuit  = errors.New("quit")
	ErrUsage = errors.New("usage")
)

type Kind int

const (
	KindNone Kind = iota
	KindSay
	KindPeers
	KindConnect
	KindMsg
	KindSendFile
	KindSendFileAll
	KindSendDir
	KindHelp
	KindQuit
)

// Command is one parsed input line.
type Command struct {
	Kind   Kind
	Target peer.Address
	// Arg is the message text or the local path.
	Arg string
}

const Help = `Commands:
  /peers                      list known peers
  /connect <host:port>        introduce this node to a peer
  /msg <host:port> <text>     send text to one peer
  /sendfile <host:port> <path> send a file to one peer
  /sendfile-all <path>        send a file to every peer
  /senddir <host:port> <path> send a directory to one peer
  /help                       show this help
  /quit                       exit
Anything else is sent as text to every peer.`

// Parse reads one input line. A blank line yields KindNone.
func Parse(line string) (Command, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return Command{}, nil
	}
	if !strings.HasPrefix(line, "/") {
		return Command{Kind: KindSay, Arg: line}, nil
	}

	name, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)
	switch name {
	case "/peers":
		return Command{Kind: KindPeers}, nil
	case "/help":
		return Command{Kind: KindHelp}, nil
	case "/quit", "/exit":
		return Command{Kind: KindQuit}, nil
	case "/connect":
		target, err := parseTarget(name, rest)
		if err != nil {
			return Command{}, err
		}
		return Command{Kind: KindConnect, Target: target}, nil
	case "/sendfile-all":
		if rest == "" {
			return Command{}, fmt.Errorf("%w: /sendfile-all <path>", ErrUsage)
		}
		return Command{Kind: KindSendFileAll, Arg: rest}, nil
	case "/msg", "/sendfile", "/senddir":
		first, arg, _ := strings.Cut(rest, " ")
		arg = strings.TrimSpace(arg)
		target, err := parseTarget(name, first)
		if err != nil {
			return Command{}, err
		}
		if arg == "" {
			return Command{}, fmt.Errorf("%w: %s <host:port> %s", ErrUsage, name, argName(name))
		}
		kind := map[string]Kind{"/msg": KindMsg, "/sendfile": KindSendFile, "/senddir": KindSendDir}[name]
		return Command{Kind: kind, Target: target, Arg: arg}, nil
	}
	return Command{}, fmt.Errorf("%w: unknown command %s, try /help", ErrUsage, name)
}

func parseTarget(name, s string) (peer.Address, error) {
	if s == "" {
		return peer.Address{}, fmt.Errorf("%w: %s <host:port> ...", ErrUsage, name)
	}
	return peer.ParseAddress(s)
}

func argName(cmd string) string {
	if cmd == "/msg" {
		return "<text>"
	}
	return "<path>"
}
