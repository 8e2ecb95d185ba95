package tftp

import (
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// ServerConfig holds the configuration of the TFTP server.
type ServerConfig struct {
	// Port is the service port. 0 picks an ephemeral port (useful in
	// tests); the default is 69.
	Port int

	// Root is the directory all requests are served from and into.
	// It must exist, be a directory, and be readable and writable.
	Root string

	// Sink receives structured events. Defaults to NopSink.
	Sink EventSink

	// Shutdown is the process-wide stop flag. Setting it makes
	// ListenAndServe wind down all transfers and return.
	Shutdown *atomic.Bool
}

// DefaultServerConfig returns a configuration with the well-known
// service port filled in.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{Port: DefaultPort}
}

// Server owns the service socket and all live transfers, and drives
// them from one thread with a poll readiness loop. Requests arriving
// on the service socket spawn a transfer on a fresh ephemeral socket;
// everything else the service socket receives is dropped.
type Server struct {
	cfg      *ServerConfig
	sock     *sock
	conns    []*Transfer
	shutdown *atomic.Bool
	sink     EventSink
	port     atomic.Int32
}

// NewServer validates cfg and returns an unstarted server.
func NewServer(cfg *ServerConfig) (*Server, error) {
	if cfg.Port < 0 || cfg.Port > 65535 {
		return nil, errors.Errorf("invalid port %d", cfg.Port)
	}
	if err := validateRoot(cfg.Root); err != nil {
		return nil, err
	}
	if cfg.Sink == nil {
		cfg.Sink = NopSink{}
	}
	if cfg.Shutdown == nil {
		cfg.Shutdown = new(atomic.Bool)
	}
	return &Server{
		cfg:      cfg,
		shutdown: cfg.Shutdown,
		sink:     cfg.Sink,
	}, nil
}

// validateRoot checks that root exists, is a directory, and is both
// readable and writable.
func validateRoot(root string) error {
	fi, err := os.Stat(root)
	if err != nil {
		return errors.Wrapf(err, "root directory %q", root)
	}
	if !fi.IsDir() {
		return errors.Errorf("root %q is not a directory", root)
	}
	if err := unix.Access(root, unix.R_OK|unix.W_OK); err != nil {
		return errors.Wrapf(err, "root %q is not readable and writable", root)
	}
	return nil
}

// Port returns the bound service port once ListenAndServe has started.
func (s *Server) Port() int { return int(s.port.Load()) }

// ListenAndServe binds the service socket and runs the readiness loop
// until the shutdown flag is set. It returns nil on a clean shutdown.
func (s *Server) ListenAndServe() error {
	sk, err := newSock(s.cfg.Port)
	if err != nil {
		return err
	}
	s.sock = sk
	s.port.Store(int32(sk.tid))
	s.sink.Infof("tftp server listening on port %d, root %s", sk.tid, s.cfg.Root)

	for !s.shutdown.Load() {
		s.pollOnce()
		s.reap()
	}

	s.windDown()
	return nil
}

// pollOnce waits for readiness on the service socket and every
// transfer socket, with a bounded tick so retransmission timers and
// the shutdown flag stay fresh.
func (s *Server) pollOnce() {
	// Snapshot: accept() may grow s.conns while we dispatch.
	conns := s.conns
	fds := make([]unix.PollFd, 1+len(conns))
	fds[0] = unix.PollFd{Fd: int32(s.sock.fd), Events: unix.POLLIN}
	for i, t := range conns {
		fds[i+1] = unix.PollFd{Fd: int32(t.sock.fd), Events: unix.POLLIN}
	}

	n, err := unix.Poll(fds, int(pollTick.Milliseconds()))
	if err != nil && err != unix.EINTR {
		s.sink.Infof("poll failed: %v", err)
		return
	}

	if n > 0 {
		if fds[0].Revents&unix.POLLIN != 0 {
			s.accept()
		}
		for i, t := range conns {
			if fds[i+1].Revents&unix.POLLIN != 0 {
				s.drive(t)
			}
		}
	}

	// Tick: give every waiting transfer a chance to notice an expired
	// retransmission timer; the engine checks the clock itself.
	for _, t := range s.conns {
		if t.State() == StateAwaiting && t.timedOut() {
			s.drive(t)
		}
	}
}

// drive steps a transfer until it parks in Awaiting or terminates, so
// every unit of work unlocked by one readiness event is performed.
func (s *Server) drive(t *Transfer) {
	t.Step()
	for t.Running() && t.State() != StateAwaiting {
		t.Step()
	}
}

// accept reads one datagram from the service socket. An RRQ or WRQ
// spawns a transfer on a fresh ephemeral socket; anything else is
// dropped without a reply (answering strays from the service port
// invites amplification).
func (s *Server) accept() {
	buf := make([]byte, MaxRequestSize+1)
	n, from, err := s.sock.recvFrom(buf)
	if err != nil || from == nil {
		return
	}

	pkt, perr := Parse(buf[:n])
	if perr != nil || pkt == nil {
		s.sink.Debugf("dropping undecodable datagram from %s", addrString(from))
		return
	}
	req, ok := pkt.(*Request)
	if !ok {
		s.sink.Debugf("dropping %s from %s on service port",
			OpcodeName(pkt.Opcode()), addrString(from))
		return
	}

	t, err := s.spawn(req, from)
	if err != nil {
		s.sink.Infof("failed to open connection for %s: %v", addrString(from), err)
		return
	}
	s.sink.PacketIn(t.tid, addrString(from), req)
	s.conns = append(s.conns, t)
	s.drive(t)
}

// spawn builds the transfer for one accepted request. The client
// already knows this side's service address, so the peer is fixed to
// the request's origin and never latched from later packets.
func (s *Server) spawn(req *Request, from unix.Sockaddr) (*Transfer, error) {
	dir := Upload // answering a read request means sending data
	if req.Kind == WriteRequest {
		dir = Download
	}
	side := &serverSide{root: s.cfg.Root, req: req}
	return newTransfer(dir, req.Mode, from, true, side, s.sink, s.shutdown)
}

// reap closes and forgets terminal transfers.
func (s *Server) reap() {
	live := s.conns[:0]
	for _, t := range s.conns {
		if t.Running() {
			live = append(live, t)
			continue
		}
		t.Close()
	}
	s.conns = live
}

// windDown stops all remaining transfers (each sends one best-effort
// ERROR as it observes the flag) and closes the service socket.
func (s *Server) windDown() {
	for _, t := range s.conns {
		for t.Running() {
			t.Step()
		}
		t.Close()
	}
	s.conns = nil
	s.sock.close()
	s.sink.Infof("tftp server stopped")
}

// serverSide answers one RRQ or WRQ: it opens or creates the file
// under the served root, negotiates options, and feeds upload
// payloads.
type serverSide struct {
	root    string
	req     *Request
	payload *payloadReader
}

// handleRequest validates the requested path and readies the engine.
// Runs exactly once per transfer; retransmissions of the first reply
// are handled downstream by the upload/download handlers.
func (s *serverSide) handleRequest(t *Transfer) {
	path := filepath.Join(s.root, filepath.Clean("/"+s.req.Filename))
	t.filePath = path

	if t.dir == Upload {
		s.openForReading(t, path)
	} else {
		s.createForWriting(t, path)
	}
}

// openForReading answers an RRQ: open the file, negotiate options,
// and start uploading (the first outbound packet is the OACK when any
// option was accepted, DATA 1 otherwise).
func (s *serverSide) openForReading(t *Transfer, path string) {
	f, err := os.Open(path)
	if err != nil {
		switch {
		case os.IsNotExist(err):
			t.fail(ErrFile, CodeFileNotFound, "file not found")
		case os.IsPermission(err):
			t.fail(ErrFile, CodeAccessViolation, "access violation")
		default:
			t.fail(ErrFile, CodeUndefined, "failed to open file")
		}
		return
	}

	accepted := t.opts.Negotiate(s.req.Options)

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		t.fail(ErrFile, CodeUndefined, "failed to stat file")
		return
	}
	if fi.Size() > int64(t.opts.BlockSize)*MaxBlockNumber-1 {
		f.Close()
		t.fail(ErrFile, CodeUndefined, "file too big")
		return
	}

	// A tsize=0 probe is answered with the real size (RFC 2349).
	if t.opts.TransferSize == 0 {
		t.opts.TransferSize = fi.Size()
		setOption(accepted, OptTransferSize, strconv.FormatInt(fi.Size(), 10))
	}

	t.file = f
	t.proposed = accepted
	t.oackInit = len(accepted) > 0
	s.payload = newPayloadReader(f, t.format == ModeNetASCII)
	t.setState(StateUploading)
}

// createForWriting answers a WRQ: create the file (refusing to
// overwrite), negotiate options, and start downloading (the first
// outbound packet is the OACK when any option was accepted, ACK 0
// otherwise).
func (s *serverSide) createForWriting(t *Transfer, path string) {
	if _, err := os.Stat(path); err == nil {
		t.fail(ErrFile, CodeFileExists, "file already exists")
		return
	}

	accepted := t.opts.Negotiate(s.req.Options)

	// An announced transfer size that cannot fit the block ceiling is
	// refused up front.
	if t.opts.TransferSize > int64(t.opts.BlockSize)*MaxBlockNumber-1 {
		t.fail(ErrFile, CodeDiskFull, "announced transfer size too big")
		return
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		t.fail(ErrFile, CodeAccessViolation, "failed to create file")
		return
	}

	t.file = f
	t.fileCreated = true
	t.proposed = accepted
	t.oackInit = len(accepted) > 0
	t.setState(StateDownloading)
}

func (s *serverSide) nextPayload(t *Transfer) ([]byte, error) {
	return s.payload.next(t.opts.BlockSize)
}
