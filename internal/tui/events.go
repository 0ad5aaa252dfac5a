package tui

import (
	"sync/atomic"

	tea "github.com/charmbracelet/bubbletea"

	"p2pshare/internal/peer"
	"p2pshare/internal/protocol"
	"p2pshare/internal/transport"
)

type peersMsg []peer.Address

type messageMsg struct {
	from  peer.Address
	frame protocol.Frame
}

type resultMsg struct {
	op      transport.Operation
	target  peer.Address
	success bool
	detail  string
}

// Events is the node observer feeding the TUI. Node goroutines never wait
// on the UI: when the queue is full the event is dropped and counted.
type Events struct {
	ch      chan tea.Msg
	dropped atomic.Int64
}

func NewEvents(size int) *Events {
	return &Events{ch: make(chan tea.Msg, size)}
}

func (e *Events) OnPeerListChanged(peers []peer.Address) {
	e.push(peersMsg(peers))
}

func (e *Events) OnMessageReceived(from peer.Address, frame protocol.Frame) {
	e.push(messageMsg{from: from, frame: frame})
}

func (e *Events) OnTransferResult(op transport.Operation, target peer.Address, success bool, detail string) {
	e.push(resultMsg{op: op, target: target, success: success, detail: detail})
}

// Dropped reports how many events were discarded.
func (e *Events) Dropped() int64 { return e.dropped.Load() }

func (e *Events) push(msg tea.Msg) {
	select {
	case e.ch <- msg:
	default:
		e.dropped.Add(1)
	}
}

// next waits for the following event.
func (e *Events) next() tea.Cmd {
	return func() tea.Msg {
		return <-e.ch
	}
}
