package ramses

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"
)

// Serial gateway defaults.
const (
	DefaultBaudRate = 115200

	// defaultReopenDelay is the pause before reopening a failed port.
	defaultReopenDelay = 5 * time.Second
)

// PortOpener opens a serial port. Tests substitute an in-memory pipe.
type PortOpener func(name string, mode *serial.Mode) (io.ReadWriteCloser, error)

// openSerialPort opens a real port with go.bug.st/serial.
func openSerialPort(name string, mode *serial.Mode) (io.ReadWriteCloser, error) {
	port, err := serial.Open(name, mode)
	if err != nil {
		return nil, err
	}
	return port, nil
}

// SerialGatewayOptions configures a SerialGateway.
type SerialGatewayOptions struct {
	// Port is the device path, e.g. /dev/ttyUSB0. Required.
	Port string

	// BaudRate defaults to DefaultBaudRate.
	BaudRate int

	// ReopenDelay is the pause before reopening after a read error.
	ReopenDelay time.Duration

	// Open defaults to go.bug.st/serial.
	Open PortOpener

	Logger Logger
}

// SerialGateway is a Gateway on a USB attached evofw3 or HGI80 style
// stick. Lines are read one frame per line and written in transmit form
// terminated by CRLF.
//
// Thread Safety: All methods are safe for concurrent use.
type SerialGateway struct {
	portName    string
	mode        *serial.Mode
	reopenDelay time.Duration
	open        PortOpener

	port    io.ReadWriteCloser
	portMu  sync.Mutex
	writeMu sync.Mutex

	onEnvelope func(Envelope)
	callbackMu sync.RWMutex

	ctx       context.Context
	ctxCancel context.CancelFunc
	wg        sync.WaitGroup
	stopOnce  sync.Once

	logger Logger
}

// NewSerialGateway creates a serial gateway. Call Start to open the port.
func NewSerialGateway(opts SerialGatewayOptions) (*SerialGateway, error) {
	if opts.Port == "" {
		return nil, fmt.Errorf("serial port is required")
	}
	baud := opts.BaudRate
	if baud == 0 {
		baud = DefaultBaudRate
	}
	if baud < 0 {
		return nil, fmt.Errorf("invalid baud rate %d", baud)
	}
	delay := opts.ReopenDelay
	if delay <= 0 {
		delay = defaultReopenDelay
	}
	open := opts.Open
	if open == nil {
		open = openSerialPort
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &SerialGateway{
		portName: opts.Port,
		mode: &serial.Mode{
			BaudRate: baud,
			DataBits: 8,
			Parity:   serial.NoParity,
			StopBits: serial.OneStopBit,
		},
		reopenDelay: delay,
		open:        open,
		ctx:         ctx,
		ctxCancel:   cancel,
		logger:      opts.Logger,
	}, nil
}

// Start opens the port and begins reading in the background. A failure to
// open the port the first time is returned; later failures are retried.
func (g *SerialGateway) Start() error {
	port, err := g.open(g.portName, g.mode)
	if err != nil {
		return fmt.Errorf("%w: open %s: %w", ErrTransport, g.portName, err)
	}
	g.setPort(port)
	g.logInfo("serial gateway opened", "port", g.portName, "baud", g.mode.BaudRate)

	g.wg.Add(1)
	go g.readLoop(port)
	return nil
}

// Stop closes the port and waits for the reader to exit.
func (g *SerialGateway) Stop() {
	g.stopOnce.Do(func() {
		g.ctxCancel()
		g.closePort()
		g.wg.Wait()
	})
}

// Send implements Gateway.
func (g *SerialGateway) Send(ctx context.Context, line string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	g.portMu.Lock()
	port := g.port
	g.portMu.Unlock()
	if port == nil {
		return fmt.Errorf("%w: serial port %s not open", ErrTransport, g.portName)
	}

	g.writeMu.Lock()
	defer g.writeMu.Unlock()
	if _, err := io.WriteString(port, line+"\r\n"); err != nil {
		return fmt.Errorf("%w: write %s: %w", ErrTransport, g.portName, err)
	}
	return nil
}

// SetOnEnvelope implements Gateway.
func (g *SerialGateway) SetOnEnvelope(callback func(Envelope)) {
	g.callbackMu.Lock()
	g.onEnvelope = callback
	g.callbackMu.Unlock()
}

// readLoop reads lines until the gateway stops, reopening the port after
// read errors.
func (g *SerialGateway) readLoop(port io.ReadWriteCloser) {
	defer g.wg.Done()

	for {
		if g.ctx.Err() != nil {
			return
		}
		err := g.readLines(port)
		if g.ctx.Err() != nil {
			return
		}
		g.logWarn("serial read failed, reopening", "port", g.portName, "error", err)
		g.closePort()

		port = g.reopen()
		if port == nil {
			return
		}
	}
}

// reopen retries opening the port until it succeeds or the gateway stops.
// A port that opens after Stop has begun is closed again here, since
// Stop has already closed whatever port it saw.
func (g *SerialGateway) reopen() io.ReadWriteCloser {
	for {
		select {
		case <-g.ctx.Done():
			return nil
		case <-time.After(g.reopenDelay):
		}
		port, err := g.open(g.portName, g.mode)
		if err != nil {
			g.logWarn("serial reopen failed", "port", g.portName, "error", err)
			continue
		}

		g.portMu.Lock()
		if g.ctx.Err() != nil {
			g.portMu.Unlock()
			if err := port.Close(); err != nil {
				g.logDebug("closing serial port", "error", err)
			}
			return nil
		}
		g.port = port
		g.portMu.Unlock()

		g.logInfo("serial gateway reopened", "port", g.portName)
		return port
	}
}

func (g *SerialGateway) readLines(r io.Reader) error {
	reader := bufio.NewReader(r)
	for {
		raw, err := reader.ReadString('\n')
		if line := strings.TrimSpace(raw); line != "" {
			g.handleLine(line)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return io.ErrUnexpectedEOF
			}
			return err
		}
	}
}

func (g *SerialGateway) handleLine(line string) {
	// evofw3 prefixes its own status output with '#'.
	if strings.HasPrefix(line, "#") {
		g.logInfo("gateway message", "port", g.portName, "text", line)
		return
	}

	g.callbackMu.RLock()
	cb := g.onEnvelope
	g.callbackMu.RUnlock()
	if cb != nil {
		cb(Envelope{Timestamp: time.Now().Format(time.RFC3339Nano), Line: line})
	}
}

func (g *SerialGateway) setPort(port io.ReadWriteCloser) {
	g.portMu.Lock()
	g.port = port
	g.portMu.Unlock()
}

func (g *SerialGateway) closePort() {
	g.portMu.Lock()
	port := g.port
	g.port = nil
	g.portMu.Unlock()
	if port != nil {
		if err := port.Close(); err != nil {
			g.logDebug("closing serial port", "error", err)
		}
	}
}

func (g *SerialGateway) logInfo(msg string, keysAndValues ...any) {
	if g.logger != nil {
		g.logger.Info(msg, keysAndValues...)
	}
}

func (g *SerialGateway) logWarn(msg string, keysAndValues ...any) {
	if g.logger != nil {
		g.logger.Warn(msg, keysAndValues...)
	}
}

func (g *SerialGateway) logDebug(msg string, keysAndValues ...any) {
	if g.logger != nil {
		g.logger.Debug(msg, keysAndValues...)
	}
}
