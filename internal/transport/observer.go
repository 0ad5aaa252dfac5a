package transport

import (
	"p2pshare/internal/peer"
	"p2pshare/internal/protocol"
)

// Operation names the kind of work a TransferResult reports on.
type Operation string

const (
	OpSendText      Operation = "send-text"
	OpSendFile      Operation = "send-file"
	OpSendDirectory Operation = "send-directory"
	OpConnect       Operation = "connect"
	OpReceive       Operation = "receive"
	OpDiscover      Operation = "discover"
	OpSave          Operation = "save"
)

// Observer is how a front end hears about the node. Methods are called from
// network goroutines and must not block for long.
type Observer interface {
	OnPeerListChanged(peers []peer.Address)
	OnMessageReceived(from peer.Address, frame protocol.Frame)
	OnTransferResult(op Operation, target peer.Address, success bool, detail string)
}

// NopObserver discards every event.
type NopObserver struct{}

func (NopObserver) OnPeerListChanged([]peer.Address)                       {}
func (NopObserver) OnMessageReceived(peer.Address, protocol.Frame)         {}
func (NopObserver) OnTransferResult(Operation, peer.Address, bool, string) {}

// Observers fans every event out to each member in order.
type Observers []Observer

func (o Observers) OnPeerListChanged(peers []peer.Address) {
	for _, obs := range o {
		obs.OnPeerListChanged(peers)
	}
}

func (o Observers) OnMessageReceived(from peer.Address, frame protocol.Frame) {
	for _, obs := range o {
		obs.OnMessageReceived(from, frame)
	}
}

func (o Observers) OnTransferResult(op Operation, target peer.Address, success bool, detail string) {
	for _, obs := range o {
		obs.OnTransferResult(op, target, success, detail)
	}
}

// Result is the outcome of one send to one peer.
type Result struct {
	Target peer.Address
	Err    error
}

func (r Result) OK() bool { return r.Err == nil }
