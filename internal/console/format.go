package console

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"p2pshare/internal/peer"
	"p2pshare/internal/protocol"
	"p2pshare/internal/transport"
)

func FormatPeers(peers []peer.Address) string {
	if len(peers) == 0 {
		return "no peers known yet"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d peer(s):", len(peers))
	for _, p := range peers {
		b.WriteString("\n  " + p.String())
	}
	return b.String()
}

// FormatMessage renders a received frame as one line of chat.
func FormatMessage(from peer.Address, frame protocol.Frame) string {
	switch f := frame.(type) {
	case protocol.Text:
		return fmt.Sprintf("[%s] %s", from, f.Body)
	case protocol.File:
		return fmt.Sprintf("[%s] sent file %s (%d bytes)", from, f.Name, f.Size())
	case protocol.Directory:
		return fmt.Sprintf("[%s] sent a directory (%d files, %d bytes)", from, len(f.Entries), f.TotalSize())
	}
	return fmt.Sprintf("[%s] %s frame", from, frame.Tag())
}

func FormatResult(op transport.Operation, target peer.Address, success bool, detail string) string {
	if success {
		return fmt.Sprintf("%s %s: %s", op, target, detail)
	}
	return fmt.Sprintf("%s %s failed: %s", op, target, detail)
}

// Printer is an observer that writes every event to Out as a line.
type Printer struct {
	mu  sync.Mutex
	Out io.Writer
}

func (p *Printer) OnPeerListChanged(peers []peer.Address) {
	p.println(FormatPeers(peers))
}

func (p *Printer) OnMessageReceived(from peer.Address, frame protocol.Frame) {
	p.println(FormatMessage(from, frame))
}

// OnTransferResult prints failures and receive-side events. Successful
// sends are already summarised by Execute.
func (p *Printer) OnTransferResult(op transport.Operation, target peer.Address, success bool, detail string) {
	switch op {
	case transport.OpSendText, transport.OpSendFile, transport.OpSendDirectory, transport.OpConnect:
		if success {
			return
		}
	}
	p.println(FormatResult(op, target, success, detail))
}

func (p *Printer) println(s string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.Out, "\r%s\n> ", s)
}
