package transport

import (
	"bytes"
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uber-go/tally/v4"
	"go.uber.org/zap/zaptest"

	"p2pshare/internal/peer"
	"p2pshare/internal/protocol"
)

type received struct {
	from  peer.Address
	frame protocol.Frame
}

type outcome struct {
	op      Operation
	target  peer.Address
	success bool
	detail  string
}

type recorder struct {
	mu       sync.Mutex
	messages []received
	results  []outcome
	peers    [][]peer.Address
}

func (r *recorder) OnPeerListChanged(peers []peer.Address) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers = append(r.peers, peers)
}

func (r *recorder) OnMessageReceived(from peer.Address, frame protocol.Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, received{from: from, frame: frame})
}

func (r *recorder) OnTransferResult(op Operation, target peer.Address, success bool, detail string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, outcome{op: op, target: target, success: success, detail: detail})
}

func (r *recorder) Messages() []received {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]received(nil), r.messages...)
}

func (r *recorder) Results() []outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]outcome(nil), r.results...)
}

type testNode struct {
	addr     peer.Address
	registry *peer.Registry
	observer *recorder
	stats    tally.TestScope
	done     chan struct{}
}

// startServer runs a Server on an ephemeral loopback port until the test ends.
func startServer(t *testing.T) *testNode {
	t.Helper()
	return startServerWith(t, nil)
}

func startServerWith(t *testing.T, configure func(*Handler)) *testNode {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	addr, err := peer.FromNetAddr(ln.Addr())
	require.NoError(t, err)

	n := &testNode{
		addr:     addr,
		registry: peer.NewRegistry(),
		observer: &recorder{},
		stats:    tally.NewTestScope("", nil),
		done:     make(chan struct{}),
	}
	srv := &Server{
		Handler: &Handler{
			Self:     addr,
			Registry: n.registry,
			Observer: n.observer,
			Logger:   zaptest.NewLogger(t),
			Stats:    n.stats,
		},
		Logger: zaptest.NewLogger(t),
	}
	if configure != nil {
		configure(srv.Handler)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		defer close(n.done)
		assert.NoError(t, srv.Serve(ctx, ln))
	}()
	t.Cleanup(func() {
		cancel()
		<-n.done
	})
	return n
}

func newSender(t *testing.T, self peer.Address) (*Sender, *recorder) {
	obs := &recorder{}
	return &Sender{
		Self:         self,
		Registry:     peer.NewRegistry(),
		Observer:     obs,
		DialTimeout:  time.Second,
		WriteTimeout: time.Second,
		Logger:       zaptest.NewLogger(t),
	}, obs
}

// unusedAddr returns a loopback address nothing is listening on.
func unusedAddr(t *testing.T) peer.Address {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr, err := peer.FromNetAddr(ln.Addr())
	require.NoError(t, err)
	require.NoError(t, ln.Close())
	return addr
}

func waitMessages(t *testing.T, r *recorder, n int) []received {
	t.Helper()
	require.Eventually(t, func() bool { return len(r.Messages()) >= n }, 5*time.Second, 10*time.Millisecond)
	return r.Messages()
}

func counterValue(s tally.TestScope, name string) int64 {
	var total int64
	for _, c := range s.Snapshot().Counters() {
		if c.Name() == name {
			total += c.Value()
		}
	}
	return total
}

func TestSendTextIdentifiesSenderByListenAddress(t *testing.T) {
	b := startServer(t)
	a := peer.Address{Host: "127.0.0.1", Port: 5000}
	sender, results := newSender(t, a)

	require.NoError(t, sender.SendText(context.Background(), b.addr, []byte("hi")))

	msgs := waitMessages(t, b.observer, 1)
	assert.Equal(t, a, msgs[0].from)
	assert.Equal(t, protocol.Text{Body: []byte("hi")}, msgs[0].frame)

	assert.True(t, b.registry.Contains(a))
	assert.True(t, sender.Registry.Contains(b.addr))

	require.Len(t, results.Results(), 1)
	got := results.Results()[0]
	assert.Equal(t, OpSendText, got.op)
	assert.Equal(t, b.addr, got.target)
	assert.True(t, got.success)
}

func TestSendTextToAllIsolatesFailures(t *testing.T) {
	live := startServer(t)
	dead := unusedAddr(t)
	sender, obs := newSender(t, peer.Address{Host: "127.0.0.1", Port: 5000})
	sender.Registry.Add(dead)
	sender.Registry.Add(live.addr)

	results := sender.SendTextToAll(context.Background(), []byte("broadcast"))

	require.Len(t, results, 2)
	assert.Equal(t, dead, results[0].Target)
	assert.Error(t, results[0].Err)
	assert.Equal(t, live.addr, results[1].Target)
	assert.NoError(t, results[1].Err)

	var ok, failed int
	for _, r := range obs.Results() {
		if r.success {
			ok++
		} else {
			failed++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, failed)

	msgs := waitMessages(t, live.observer, 1)
	assert.Equal(t, protocol.Text{Body: []byte("broadcast")}, msgs[0].frame)
}

func TestSendFile(t *testing.T) {
	b := startServer(t)
	sender, _ := newSender(t, peer.Address{Host: "127.0.0.1", Port: 5000})

	data := bytes.Repeat([]byte("0123456789"), 250)
	path := filepath.Join(t.TempDir(), "report.pdf")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	require.NoError(t, sender.SendFile(context.Background(), b.addr, path))

	msgs := waitMessages(t, b.observer, 1)
	file, ok := msgs[0].frame.(protocol.File)
	require.True(t, ok, "got %T", msgs[0].frame)
	assert.Equal(t, "report.pdf", file.Name)
	assert.Equal(t, uint64(2500), file.Size())
	assert.Equal(t, data, file.Data)
}

func TestSendFileMissingFileDoesNotDial(t *testing.T) {
	b := startServer(t)
	sender, obs := newSender(t, peer.Address{Host: "127.0.0.1", Port: 5000})

	err := sender.SendFile(context.Background(), b.addr, filepath.Join(t.TempDir(), "nope"))
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)

	require.Len(t, obs.Results(), 1)
	assert.False(t, obs.Results()[0].success)
	assert.Equal(t, OpSendFile, obs.Results()[0].op)
	assert.False(t, sender.Registry.Contains(b.addr))
}

func TestSendDirectory(t *testing.T) {
	b := startServer(t)
	sender, _ := newSender(t, peer.Address{Host: "127.0.0.1", Port: 5000})

	root := t.TempDir()
	files := map[string]string{
		"a.txt":          "alpha",
		"a/b.txt":        "bravo",
		"docs/readme.md": "# readme",
		"docs/empty":     "",
		"z.bin":          string([]byte{0, 1, 2, 255}),
	}
	for rel, content := range files {
		p := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
	require.NoError(t, os.MkdirAll(filepath.Join(root, "emptydir"), 0o755))

	require.NoError(t, sender.SendDirectory(context.Background(), b.addr, root))

	msgs := waitMessages(t, b.observer, 1)
	dir, ok := msgs[0].frame.(protocol.Directory)
	require.True(t, ok, "got %T", msgs[0].frame)

	var paths []string
	for _, e := range dir.Entries {
		paths = append(paths, e.Path)
		assert.Equal(t, files[e.Path], string(e.Data), e.Path)
	}
	assert.Equal(t, []string{"a.txt", "a/b.txt", "docs/empty", "docs/readme.md", "z.bin"}, paths)
}

func TestSendDirectoryRejectsFile(t *testing.T) {
	sender, obs := newSender(t, peer.Address{})
	path := filepath.Join(t.TempDir(), "f")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	err := sender.SendDirectory(context.Background(), peer.Address{Host: "127.0.0.1", Port: 1}, path)
	assert.Error(t, err)
	require.Len(t, obs.Results(), 1)
	assert.Equal(t, OpSendDirectory, obs.Results()[0].op)
}

func TestConnectRegistersBothSides(t *testing.T) {
	b := startServer(t)
	a := peer.Address{Host: "127.0.0.1", Port: 5000}
	sender, _ := newSender(t, a)

	require.NoError(t, sender.Connect(context.Background(), b.addr))

	assert.True(t, sender.Registry.Contains(b.addr))
	require.Eventually(t, func() bool { return b.registry.Contains(a) }, 5*time.Second, 10*time.Millisecond)
	assert.Empty(t, b.observer.Messages())
}

func TestHandlerReadsSeveralFramesPerConnection(t *testing.T) {
	b := startServer(t)
	conn, err := net.Dial("tcp", b.addr.String())
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, protocol.Encode(&buf, protocol.Hello{Host: "10.1.1.1", Port: 7000}))
	require.NoError(t, protocol.Encode(&buf, protocol.Text{Body: []byte("one")}))
	require.NoError(t, protocol.Encode(&buf, protocol.File{Name: "f", Data: []byte("two")}))
	require.NoError(t, protocol.Encode(&buf, protocol.Text{Body: []byte("three")}))
	_, err = conn.Write(buf.Bytes())
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	msgs := waitMessages(t, b.observer, 3)
	from := peer.Address{Host: "10.1.1.1", Port: 7000}
	assert.Equal(t, []received{
		{from: from, frame: protocol.Text{Body: []byte("one")}},
		{from: from, frame: protocol.File{Name: "f", Data: []byte("two")}},
		{from: from, frame: protocol.Text{Body: []byte("three")}},
	}, msgs)
	assert.Equal(t, int64(3), counterValue(b.stats, "frames_received"))
	assert.Empty(t, b.observer.Results(), "clean close is not a failure")
}

func TestHandlerFallsBackToRemoteAddress(t *testing.T) {
	b := startServer(t)
	conn, err := net.Dial("tcp", b.addr.String())
	require.NoError(t, err)
	require.NoError(t, protocol.WriteText(conn, []byte("no hello")))
	local, err := peer.FromNetAddr(conn.LocalAddr())
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	msgs := waitMessages(t, b.observer, 1)
	assert.Equal(t, local, msgs[0].from)
	assert.True(t, b.registry.Contains(local))
}

func TestHandlerReportsProtocolErrorAndKeepsServing(t *testing.T) {
	b := startServer(t)
	conn, err := net.Dial("tcp", b.addr.String())
	require.NoError(t, err)
	_, err = conn.Write([]byte{0x7f, 1, 2, 3})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(b.observer.Results()) == 1 }, 5*time.Second, 10*time.Millisecond)
	res := b.observer.Results()[0]
	assert.Equal(t, OpReceive, res.op)
	assert.False(t, res.success)
	assert.Contains(t, res.detail, "unknown frame tag")
	assert.Equal(t, int64(1), counterValue(b.stats, "protocol_errors"))
	conn.Close()

	sender, _ := newSender(t, peer.Address{Host: "127.0.0.1", Port: 5000})
	require.NoError(t, sender.SendText(context.Background(), b.addr, []byte("still up")))
	waitMessages(t, b.observer, 1)
}

func TestHandlerReportsTruncatedFrame(t *testing.T) {
	b := startServer(t)
	conn, err := net.Dial("tcp", b.addr.String())
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, protocol.WriteFileHeader(&buf, "big.iso", 1000))
	buf.WriteString("only a few bytes")
	_, err = conn.Write(buf.Bytes())
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	require.Eventually(t, func() bool { return len(b.observer.Results()) == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.False(t, b.observer.Results()[0].success)
	assert.Empty(t, b.observer.Messages())
}

func TestHandlerLearnsPeersFromGossip(t *testing.T) {
	b := startServer(t)
	sender, _ := newSender(t, peer.Address{Host: "127.0.0.1", Port: 5000})
	newcomer := peer.Address{Host: "192.168.7.7", Port: 6000}

	require.NoError(t, sender.SendText(context.Background(), b.addr, []byte(GossipText(newcomer))))

	waitMessages(t, b.observer, 1)
	assert.True(t, b.registry.Contains(newcomer))
	assert.Equal(t, int64(1), counterValue(b.stats, "gossip_learned"))
}

func TestHandlerIgnoresGossipAboutItself(t *testing.T) {
	b := startServer(t)
	sender, _ := newSender(t, peer.Address{Host: "127.0.0.1", Port: 5000})

	require.NoError(t, sender.SendText(context.Background(), b.addr, []byte(GossipText(b.addr))))

	waitMessages(t, b.observer, 1)
	assert.False(t, b.registry.Contains(b.addr))
}

func TestServeReturnsOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := &Server{Handler: &Handler{}}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	// An idle inbound connection must not keep Serve from returning.
	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestListenAndServeBindFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	srv := &Server{Handler: &Handler{}}
	err = srv.ListenAndServe(context.Background(), ln.Addr().String())
	assert.Error(t, err)
}

func TestParseGossip(t *testing.T) {
	addr, ok := ParseGossip([]byte("New peer discovered: 10.0.0.2:5001"))
	require.True(t, ok)
	assert.Equal(t, peer.Address{Host: "10.0.0.2", Port: 5001}, addr)

	_, ok = ParseGossip([]byte("hello there"))
	assert.False(t, ok)
	_, ok = ParseGossip([]byte("New peer discovered: garbage"))
	assert.False(t, ok)
}

func TestHandlerReportsResetInsideFrame(t *testing.T) {
	b := startServer(t)
	conn, err := net.Dial("tcp", b.addr.String())
	require.NoError(t, err)

	a := peer.Address{Host: "127.0.0.1", Port: 5000}
	var buf bytes.Buffer
	require.NoError(t, protocol.WriteHello(&buf, a.Host, uint16(a.Port)))
	require.NoError(t, protocol.WriteText(&buf, make([]byte, 100)))
	_, err = conn.Write(buf.Bytes()[:buf.Len()-90])
	require.NoError(t, err)

	// The Hello registers a, so the partial text has been read as well.
	require.Eventually(t, func() bool { return b.registry.Contains(a) }, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, conn.(*net.TCPConn).SetLinger(0))
	require.NoError(t, conn.Close())

	require.Eventually(t, func() bool { return len(b.observer.Results()) == 1 }, 5*time.Second, 10*time.Millisecond)
	res := b.observer.Results()[0]
	assert.Equal(t, OpReceive, res.op)
	assert.Equal(t, a, res.target)
	assert.False(t, res.success)
	assert.Contains(t, res.detail, "truncated")
	assert.Equal(t, int64(1), counterValue(b.stats, "protocol_errors"))
	assert.Empty(t, b.observer.Messages())
}

func TestHandlerClosesIdleConnection(t *testing.T) {
	b := startServerWith(t, func(h *Handler) { h.IdleTimeout = 100 * time.Millisecond })
	conn, err := net.Dial("tcp", b.addr.String())
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err = conn.Read(make([]byte, 1))
	require.Error(t, err)
	var netErr net.Error
	if errors.As(err, &netErr) {
		assert.False(t, netErr.Timeout(), "server kept the idle connection open")
	}

	assert.Empty(t, b.observer.Results())
	assert.Zero(t, counterValue(b.stats, "protocol_errors"))
	assert.Zero(t, b.registry.Len())
}

func TestSendTextToAllDoesNotStallOnPeerThatNeverReads(t *testing.T) {
	stuck, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	var (
		mu    sync.Mutex
		conns []net.Conn
	)
	go func() {
		for {
			c, err := stuck.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, c)
			mu.Unlock()
		}
	}()
	t.Cleanup(func() {
		stuck.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, c := range conns {
			c.Close()
		}
	})
	stuckAddr, err := peer.FromNetAddr(stuck.Addr())
	require.NoError(t, err)

	live := startServer(t)
	sender, _ := newSender(t, peer.Address{Host: "127.0.0.1", Port: 5000})
	sender.WriteTimeout = 200 * time.Millisecond
	sender.Registry.Add(stuckAddr)
	sender.Registry.Add(live.addr)

	// Far more than the loopback socket buffers hold.
	body := bytes.Repeat([]byte("x"), 32<<20)
	start := time.Now()
	results := sender.SendTextToAll(context.Background(), body)
	elapsed := time.Since(start)

	require.Len(t, results, 2)
	assert.Equal(t, stuckAddr, results[0].Target)
	assert.Error(t, results[0].Err)
	assert.Equal(t, live.addr, results[1].Target)
	assert.NoError(t, results[1].Err)
	assert.Less(t, elapsed, 5*time.Second)

	got := waitMessages(t, live.observer, 1)
	assert.Len(t, got[0].frame.(protocol.Text).Body, 32<<20)
}
