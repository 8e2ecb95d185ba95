package tftp

import (
	"io"
	"os"
	"sync/atomic"

	"github.com/pkg/errors"
	"golang.org/x/term"
)

// ClientConfig holds the configuration of one client transfer.
type ClientConfig struct {
	// Host and Port locate the server's service socket.
	Host string
	Port int

	// RemotePath is the server-side file to read. Empty means the
	// transfer is an upload fed from Stdin instead.
	RemotePath string

	// LocalPath is the local destination (download) or the server-side
	// destination name (upload).
	LocalPath string

	// Mode is the transfer format.
	Mode Mode

	// Options are proposed to the server in order (RFC 2347).
	Options []OptionPair

	// Stdin feeds upload payloads. Defaults to os.Stdin.
	Stdin io.Reader

	// Sink receives structured events. Defaults to NopSink.
	Sink EventSink

	// Shutdown is an optional process-wide stop flag, polled on every
	// engine step.
	Shutdown *atomic.Bool
}

// DefaultClientConfig returns a configuration with the service port
// and octet mode filled in.
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		Port:  DefaultPort,
		Mode:  ModeOctet,
		Stdin: os.Stdin,
	}
}

// Client performs a single TFTP transfer: one file read from the
// server into a fresh local file, or one upload of stdin to a
// server-side path.
type Client struct {
	cfg      *ClientConfig
	transfer *Transfer
}

// clientSide is the initiating half of the handshake: it composes and
// sends the RRQ/WRQ and feeds upload payloads.
type clientSide struct {
	cfg     *ClientConfig
	payload *payloadReader
}

// NewClient validates cfg, resolves the server address and readies
// one transfer. The destination file of a download is created (and
// never overwritten) before the request is sent.
func NewClient(cfg *ClientConfig) (*Client, error) {
	if cfg.Host == "" {
		return nil, errors.New("no host given")
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return nil, errors.Errorf("invalid port %d", cfg.Port)
	}
	if cfg.LocalPath == "" {
		return nil, errors.New("no target path given")
	}
	if cfg.Sink == nil {
		cfg.Sink = NopSink{}
	}
	if cfg.Stdin == nil {
		cfg.Stdin = os.Stdin
	}

	dir := Upload
	if cfg.RemotePath != "" {
		dir = Download
		// Refuse to overwrite before any packet is sent.
		if _, err := os.Stat(cfg.LocalPath); err == nil {
			return nil, errors.Errorf("file %s already exists", cfg.LocalPath)
		}
	}

	peer, err := resolveAddr(cfg.Host, cfg.Port)
	if err != nil {
		return nil, err
	}

	cs := &clientSide{cfg: cfg}
	if dir == Upload {
		cs.payload = newPayloadReader(cfg.Stdin, cfg.Mode == ModeNetASCII)
		if f, ok := cfg.Stdin.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
			cfg.Sink.Infof("reading upload data from terminal, end with EOF (^D)")
		}
	}

	// The server answers from a fresh TID, so the peer address latches
	// on the first reply.
	t, err := newTransfer(dir, cfg.Mode, peer, false, cs, cfg.Sink, cfg.Shutdown)
	if err != nil {
		return nil, err
	}

	return &Client{cfg: cfg, transfer: t}, nil
}

// Run drives the transfer to a terminal state and releases its
// resources. It returns nil only if the transfer completed.
func (c *Client) Run() error {
	c.transfer.Run()
	err := c.transfer.Err()
	c.transfer.Close()
	if err != nil {
		return err
	}
	return nil
}

// BytesMoved returns the payload volume moved by the finished transfer.
func (c *Client) BytesMoved() int64 { return c.transfer.BytesMoved() }

// handleRequest composes and sends the RRQ or WRQ. Re-entered by the
// engine when the request itself must be retransmitted; the already
// created destination file is kept.
func (s *clientSide) handleRequest(t *Transfer) {
	cfg := s.cfg

	if t.dir == Download && !t.fileCreated {
		f, err := os.OpenFile(cfg.LocalPath,
			os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
		if err != nil {
			if os.IsExist(err) {
				t.fail(ErrFile, CodeFileExists, "file already exists")
			} else {
				t.fail(ErrFile, CodeAccessViolation, "failed to create file")
			}
			return
		}
		t.file = f
		t.filePath = cfg.LocalPath
		t.fileCreated = true
	}

	kind := WriteRequest
	filename := cfg.LocalPath
	if t.dir == Download {
		kind = ReadRequest
		filename = cfg.RemotePath
	}

	req := &Request{
		Kind:     kind,
		Filename: filename,
		Mode:     cfg.Mode,
		Options:  cfg.Options,
	}
	t.proposed = cfg.Options

	if !t.send(req) {
		return
	}

	// Only a request that proposed options may be answered with OACK.
	t.oackExpect = len(cfg.Options) > 0
	t.setState(StateAwaiting)
}

func (s *clientSide) nextPayload(t *Transfer) ([]byte, error) {
	return s.payload.next(t.opts.BlockSize)
}
