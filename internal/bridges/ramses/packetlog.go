package ramses

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Packet log defaults.
const (
	DefaultPacketLogPath       = "packet.log"
	DefaultPacketLogMaxSizeMB  = 10
	DefaultPacketLogMaxBackups = 10
	DefaultPacketLogQueueSize  = 1024
)

// PacketLogOptions configures a PacketLog.
type PacketLogOptions struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	Compress   bool

	// QueueSize bounds the number of lines waiting to be written.
	QueueSize int

	// Writer replaces the rolling file. Used by tests.
	Writer io.WriteCloser

	// OnDrop is called for every line dropped on a full queue.
	OnDrop func()

	Logger Logger
}

// PacketLog appends inbound envelopes to a rolling file as "{ts} {msg}"
// lines. Record never blocks: lines are written by a background goroutine
// and dropped when the queue is full.
type PacketLog struct {
	out    io.WriteCloser
	lines  chan string
	onDrop func()
	logger Logger

	dropped atomic.Uint64
	written atomic.Uint64

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// NewPacketLog creates the packet log and starts its writer.
func NewPacketLog(opts PacketLogOptions) *PacketLog {
	out := opts.Writer
	if out == nil {
		path := opts.Path
		if path == "" {
			path = DefaultPacketLogPath
		}
		size := opts.MaxSizeMB
		if size <= 0 {
			size = DefaultPacketLogMaxSizeMB
		}
		backups := opts.MaxBackups
		if backups <= 0 {
			backups = DefaultPacketLogMaxBackups
		}
		out = &lumberjack.Logger{
			Filename:   path,
			MaxSize:    size,
			MaxBackups: backups,
			Compress:   opts.Compress,
		}
	}
	queue := opts.QueueSize
	if queue <= 0 {
		queue = DefaultPacketLogQueueSize
	}

	l := &PacketLog{
		out:    out,
		lines:  make(chan string, queue),
		onDrop: opts.OnDrop,
		logger: opts.Logger,
		done:   make(chan struct{}),
	}
	go l.run()
	return l
}

// Record queues env for writing. It is shaped to be passed to
// Engine.SetOnEnvelope.
func (l *PacketLog) Record(env Envelope) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return
	}

	select {
	case l.lines <- fmt.Sprintf("%s %s\n", env.Timestamp, env.Line):
	default:
		l.dropped.Add(1)
		if l.onDrop != nil {
			l.onDrop()
		}
	}
}

// Dropped returns the number of lines lost to a full queue.
func (l *PacketLog) Dropped() uint64 {
	return l.dropped.Load()
}

// Written returns the number of lines written.
func (l *PacketLog) Written() uint64 {
	return l.written.Load()
}

// Close flushes queued lines and closes the file.
func (l *PacketLog) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	close(l.lines)
	l.mu.Unlock()

	<-l.done
	return l.out.Close()
}

func (l *PacketLog) run() {
	defer close(l.done)
	for line := range l.lines {
		if _, err := io.WriteString(l.out, line); err != nil {
			if l.logger != nil {
				l.logger.Warn("packet log write failed", "error", err)
			}
			continue
		}
		l.written.Add(1)
	}
}
