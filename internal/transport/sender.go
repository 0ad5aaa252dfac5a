package transport

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/uber-go/tally/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"p2pshare/internal/peer"
	"p2pshare/internal/protocol"
)

const DefaultFanoutLimit = 16

// Sender opens one short-lived connection per call and writes a single
// frame on it. Calls are safe to run concurrently.
type Sender struct {
	// Self is announced in the Hello that opens every connection. A zero
	// Self sends no Hello.
	Self     peer.Address
	Registry *peer.Registry
	Observer Observer

	DialTimeout  time.Duration
	WriteTimeout time.Duration
	// FanoutLimit caps concurrent connections in the *ToAll calls.
	FanoutLimit int

	Logger *zap.Logger
	Stats  tally.Scope
}

// SendText delivers body to target as a Text frame.
func (s *Sender) SendText(ctx context.Context, target peer.Address, body []byte) error {
	return s.send(ctx, OpSendText, target, func(w io.Writer) (string, int64, error) {
		if err := protocol.WriteText(w, body); err != nil {
			return "", 0, err
		}
		return fmt.Sprintf("%d bytes", len(body)), int64(len(body)), nil
	})
}

// SendTextToAll sends body to every known peer. One peer failing does not
// affect the others; each outcome is reported separately.
func (s *Sender) SendTextToAll(ctx context.Context, body []byte) []Result {
	return s.fanOut(ctx, func(ctx context.Context, target peer.Address) error {
		return s.SendText(ctx, target, body)
	})
}

// SendFile streams the file at path to target as a FileTransfer frame.
func (s *Sender) SendFile(ctx context.Context, target peer.Address, path string) error {
	f, size, err := openRegular(path)
	if err != nil {
		s.report(OpSendFile, target, err, "")
		return err
	}
	defer f.Close()

	name := filepath.Base(path)
	return s.send(ctx, OpSendFile, target, func(w io.Writer) (string, int64, error) {
		if err := protocol.WriteFileHeader(w, name, uint64(size)); err != nil {
			return "", 0, err
		}
		if err := copyExactly(w, f, size, path); err != nil {
			return "", 0, err
		}
		return fmt.Sprintf("%s (%d bytes)", name, size), size, nil
	})
}

// SendFileToAll sends the file at path to every known peer.
func (s *Sender) SendFileToAll(ctx context.Context, path string) []Result {
	return s.fanOut(ctx, func(ctx context.Context, target peer.Address) error {
		return s.SendFile(ctx, target, path)
	})
}

// SendDirectory sends every regular file under root as one DirectoryTransfer
// frame, ordered by relative path.
func (s *Sender) SendDirectory(ctx context.Context, target peer.Address, root string) error {
	entries, err := collectTree(root)
	if err != nil {
		s.report(OpSendDirectory, target, err, "")
		return err
	}

	return s.send(ctx, OpSendDirectory, target, func(w io.Writer) (string, int64, error) {
		if err := protocol.WriteDirectoryHeader(w, len(entries)); err != nil {
			return "", 0, err
		}
		var total int64
		for _, e := range entries {
			if err := writeEntry(w, e); err != nil {
				return "", 0, err
			}
			total += e.size
		}
		return fmt.Sprintf("%s (%d files, %d bytes)", filepath.Base(root), len(entries), total), total, nil
	})
}

// Connect introduces this node to target: it dials, sends only the Hello and
// hangs up. On success target is added to the registry.
func (s *Sender) Connect(ctx context.Context, target peer.Address) error {
	return s.send(ctx, OpConnect, target, func(io.Writer) (string, int64, error) {
		return "connected", 0, nil
	})
}

func (s *Sender) fanOut(ctx context.Context, fn func(context.Context, peer.Address) error) []Result {
	if s.Registry == nil {
		return nil
	}
	targets := s.Registry.List()
	results := make([]Result, len(targets))

	var g errgroup.Group
	g.SetLimit(s.fanoutLimit())
	for i, target := range targets {
		i, target := i, target
		g.Go(func() error {
			results[i] = Result{Target: target, Err: fn(ctx, target)}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// send dials target, writes the Hello and whatever write produces, and
// reports the outcome exactly once.
func (s *Sender) send(ctx context.Context, op Operation, target peer.Address, write func(io.Writer) (string, int64, error)) (err error) {
	stats := orNoopScope(s.Stats)
	start := time.Now()
	detail := ""
	defer func() {
		s.report(op, target, err, detail)
		if err == nil {
			stats.Timer("send_latency").Record(time.Since(start))
		}
	}()

	if err := target.Validate(); err != nil {
		return err
	}

	dialer := net.Dialer{Timeout: s.dialTimeout()}
	conn, err := dialer.DialContext(ctx, "tcp", target.String())
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", target, err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	w := bufio.NewWriterSize(deadlineConn{Conn: conn, writeTimeout: s.writeTimeout()}, bufferSize)
	if !s.Self.IsZero() {
		if err := protocol.WriteHello(w, s.Self.Host, uint16(s.Self.Port)); err != nil {
			return fmt.Errorf("failed to send hello to %s: %w", target, err)
		}
	}
	d, n, err := write(w)
	if err != nil {
		return fmt.Errorf("failed to send to %s: %w", target, err)
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("failed to send to %s: %w", target, err)
	}
	if err := conn.Close(); err != nil {
		return fmt.Errorf("failed to close connection to %s: %w", target, err)
	}

	detail = d
	if op != OpConnect {
		stats.Tagged(map[string]string{"op": string(op)}).Counter("frames_sent").Inc(1)
		stats.Counter("bytes_sent").Inc(n)
	}
	if s.Registry != nil {
		s.Registry.Add(target)
	}
	return nil
}

func (s *Sender) report(op Operation, target peer.Address, err error, detail string) {
	logger := orNop(s.Logger)
	observer := orNopObserver(s.Observer)
	if err != nil {
		orNoopScope(s.Stats).Counter("send_failures").Inc(1)
		logger.Warn("send failed", zap.String("op", string(op)), zap.Stringer("peer", target), zap.Error(err))
		observer.OnTransferResult(op, target, false, err.Error())
		return
	}
	logger.Info("sent", zap.String("op", string(op)), zap.Stringer("peer", target), zap.String("detail", detail))
	observer.OnTransferResult(op, target, true, detail)
}

func (s *Sender) dialTimeout() time.Duration {
	if s.DialTimeout <= 0 {
		return DefaultDialTimeout
	}
	return s.DialTimeout
}

func (s *Sender) writeTimeout() time.Duration {
	if s.WriteTimeout <= 0 {
		return DefaultWriteTimeout
	}
	return s.WriteTimeout
}

func (s *Sender) fanoutLimit() int {
	if s.FanoutLimit <= 0 {
		return DefaultFanoutLimit
	}
	return s.FanoutLimit
}

type treeEntry struct {
	rel  string
	abs  string
	size int64
}

// collectTree lists the regular files under root sorted by slash-separated
// relative path. Symlinks and other special files are skipped.
func collectTree(root string) ([]treeEntry, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("failed to read directory: %s is not a directory", root)
	}

	var entries []treeEntry
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		entries = append(entries, treeEntry{rel: filepath.ToSlash(rel), abs: path, size: info.Size()})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk %s: %w", root, err)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].rel < entries[j].rel })
	return entries, nil
}

func writeEntry(w io.Writer, e treeEntry) error {
	f, err := os.Open(e.abs)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := protocol.WriteEntryHeader(w, e.rel, uint64(e.size)); err != nil {
		return err
	}
	return copyExactly(w, f, e.size, e.abs)
}

func openRegular(path string) (*os.File, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to open file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("failed to stat file: %w", err)
	}
	if !info.Mode().IsRegular() {
		f.Close()
		return nil, 0, fmt.Errorf("failed to open file: %s is not a regular file", path)
	}
	return f, info.Size(), nil
}

// copyExactly copies size bytes, failing if the file shrank after its size
// was declared.
func copyExactly(w io.Writer, r io.Reader, size int64, name string) error {
	n, err := io.CopyN(w, r, size)
	if err == io.EOF {
		return fmt.Errorf("%s shrank to %d bytes while sending (declared %d)", name, n, size)
	}
	return err
}
