package tftp

import (
	"io"
	"os"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// State is the connection-engine state of one transfer.
type State int

const (
	// StateIdle is the state before the socket is bound
	StateIdle State = iota

	// StateRequesting sends or answers the initial RRQ/WRQ
	StateRequesting

	// StateUploading sends the next DATA block (or the initial OACK)
	StateUploading

	// StateDownloading writes a received block and acknowledges it
	StateDownloading

	// StateAwaiting waits for the peer's next packet
	StateAwaiting

	// StateErrored is terminal: the transfer failed
	StateErrored

	// StateCompleted is terminal: the transfer succeeded
	StateCompleted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRequesting:
		return "requesting"
	case StateUploading:
		return "uploading"
	case StateDownloading:
		return "downloading"
	case StateAwaiting:
		return "awaiting"
	case StateErrored:
		return "errored"
	case StateCompleted:
		return "completed"
	default:
		return "invalid"
	}
}

// Direction is the flow of file data relative to this side. A server
// answering an RRQ is uploading; the client that sent that RRQ is
// downloading.
type Direction int

const (
	// Upload sends file data to the peer
	Upload Direction = iota

	// Download receives file data from the peer
	Download
)

// side supplies the half of a transfer that differs between the client
// and the server: composing or answering the initial request, and
// producing successive DATA payloads when uploading.
type side interface {
	// handleRequest runs in StateRequesting. It binds the local file,
	// sends or processes the request, and transitions the engine.
	// Re-entered when a request retransmission is due (client side).
	handleRequest(t *Transfer)

	// nextPayload returns the next DATA payload, at most
	// t.opts.BlockSize bytes. A short (or empty) payload is the last.
	nextPayload(t *Transfer) ([]byte, error)
}

// Transfer is the connection engine of one RRQ/WRQ exchange. It owns
// its UDP socket and its local file handle exclusively; Close releases
// both and removes a partially downloaded file.
//
// The engine is driven by Step, which performs one small unit of work,
// or by Run, which loops Step until a terminal state. The server
// multiplexer calls Step on socket readiness; the standalone client
// calls Run.
type Transfer struct {
	sock *sock
	tid  int

	peer       unix.Sockaddr
	addrStatic bool // never latch peer from an incoming packet

	dir    Direction
	state  State
	pstate State // state before Awaiting, restored after a timeout

	blockN    int // current block; int so the 0xFFFF overflow check is explicit
	isLast    bool
	crEnd     bool // last NetASCII byte written was CR
	sendTries int
	lastSent  time.Time

	opts       Options
	proposed   []OptionPair // client: options sent; server: options accepted
	oackInit   bool         // server: OACK is the next outbound packet
	oackExpect bool         // client: an OACK may answer the request

	format      Mode
	file        *os.File
	filePath    string
	fileCreated bool

	rxBuf     []byte
	rxData    *Data // buffered DATA packet between await and write
	txBlock   int
	txPayload []byte // cached payload of txBlock, for retransmission

	bytesMoved int64
	err        *Error
	closed     bool

	shutdown *atomic.Bool
	sink     EventSink
	side     side
}

// newTransfer binds a fresh ephemeral socket (whose port becomes the
// TID) and readies the engine in StateRequesting.
func newTransfer(dir Direction, format Mode, peer unix.Sockaddr, addrStatic bool,
	s side, sink EventSink, shutdown *atomic.Bool) (*Transfer, error) {
	if sink == nil {
		sink = NopSink{}
	}
	sk, err := newSock(0)
	if err != nil {
		return nil, err
	}
	t := &Transfer{
		sock:       sk,
		tid:        sk.tid,
		peer:       peer,
		addrStatic: addrStatic,
		dir:        dir,
		state:      StateRequesting,
		pstate:     StateIdle,
		opts:       DefaultOptions(),
		format:     format,
		rxBuf:      make([]byte, 4+MaxBlockSize+4),
		txBlock:    -1,
		shutdown:   shutdown,
		sink:       sink,
		side:       s,
	}
	sink.ConnOpened(t.tid, addrString(peer))
	return t, nil
}

// TID returns the local transfer identifier (the bound UDP port).
func (t *Transfer) TID() int { return t.tid }

// State returns the engine state.
func (t *Transfer) State() State { return t.state }

// Err returns the terminal error, or nil while running or completed.
func (t *Transfer) Err() *Error { return t.err }

// Running reports whether the transfer has not yet reached a terminal
// state.
func (t *Transfer) Running() bool {
	return t.state != StateCompleted && t.state != StateErrored
}

// BytesMoved returns the payload volume moved so far: bytes written to
// the local file when downloading, DATA payload bytes acknowledged by
// the peer when uploading (NetASCII-encoded in netascii mode).
func (t *Transfer) BytesMoved() int64 { return t.bytesMoved }

// Step advances the state machine by one unit of work. It never
// blocks: a socket with nothing to receive returns the engine to the
// caller unchanged.
func (t *Transfer) Step() {
	if !t.Running() {
		return
	}

	if t.shutdown != nil && t.shutdown.Load() {
		t.fail(ErrShutdown, CodeUndefined, "terminated")
		return
	}

	switch t.state {
	case StateRequesting:
		t.side.handleRequest(t)
	case StateUploading:
		t.handleUpload()
	case StateDownloading:
		t.handleDownload()
	case StateAwaiting:
		if t.dir == Upload {
			t.handleAwaitUpload()
		} else {
			t.handleAwaitDownload()
		}
	default:
		t.fail(ErrProtocol, CodeUndefined, "stepped in invalid state")
	}
}

// Run loops Step until the transfer is terminal, yielding briefly
// between iterations. Used by the standalone client, which has no
// readiness loop to drive it.
func (t *Transfer) Run() {
	for t.Running() {
		t.Step()
		time.Sleep(stepYield)
	}
}

// Close releases the socket and the file. If the transfer errored
// after creating its destination file, the partial file is removed.
// Close is idempotent.
func (t *Transfer) Close() {
	if t.closed {
		return
	}
	t.closed = true
	t.sock.close()
	if t.file != nil {
		t.file.Close()
		t.file = nil
	}
	if t.state == StateErrored && t.fileCreated {
		os.Remove(t.filePath)
	}
	t.sink.ConnClosed(t.tid, t.state == StateCompleted, t.bytesMoved)
}

func (t *Transfer) setState(s State) {
	t.pstate = t.state
	t.state = s
}

func (t *Transfer) timedOut() bool {
	return time.Since(t.lastSent) > t.opts.Timeout
}

// retry charges one send attempt and restores the pre-Awaiting state
// so its handler retransmits; after MaxRetries total attempts the
// transfer fails.
func (t *Transfer) retry() {
	t.sendTries++
	if t.sendTries >= MaxRetries {
		t.fail(ErrTimeout, CodeUndefined, "retransmission timeout")
		return
	}
	t.sink.Debugf("tid %d: retransmitting block %d (attempt %d)",
		t.tid, t.blockN, t.sendTries+1)
	t.setState(t.pstate)
}

// send encodes and transmits one packet to the peer, stamping the
// retransmission timer. Returns false if the transfer failed.
func (t *Transfer) send(pkt Packet) bool {
	buf, err := pkt.Encode()
	if err != nil {
		t.fail(ErrProtocol, CodeUndefined, err.Error())
		return false
	}
	if err := t.sock.sendTo(buf, t.peer); err != nil {
		t.fail(ErrFile, CodeUndefined, err.Error())
		return false
	}
	t.lastSent = time.Now()
	t.sink.PacketOut(t.tid, addrString(t.peer), pkt)
	return true
}

// fail logs the error, sends one best-effort ERROR packet (neither
// retried nor acknowledged) and makes the transfer terminal.
func (t *Transfer) fail(kind ErrorKind, code uint16, message string) {
	t.err = NewError(kind, code, message)
	t.sink.ConnErrored(t.tid, code, message)
	if t.peer != nil {
		pkt := &ErrorPacket{Code: code, Message: message}
		if buf, err := pkt.Encode(); err == nil {
			t.sock.sendTo(buf, t.peer)
			t.sink.PacketOut(t.tid, addrString(t.peer), pkt)
		}
	}
	t.setState(StateErrored)
}

// peerErrored records an ERROR packet received from the remote host.
// No reply is sent.
func (t *Transfer) peerErrored(p *ErrorPacket) {
	t.err = NewError(ErrPeer, p.Code, p.Message)
	t.sink.ConnErrored(t.tid, p.Code, p.Message)
	t.setState(StateErrored)
}

// recvPacket receives and decodes one datagram without blocking.
// Returns nil when there is nothing to process: no datagram waiting,
// an empty datagram, or a stray from a foreign TID (answered with
// Error 5 to its origin, transfer state untouched). A malformed
// datagram is terminal. When latch is true and the peer address is not
// static, the origin of the packet becomes the peer: the remote chose
// its TID with its first reply.
func (t *Transfer) recvPacket(latch bool) Packet {
	n, from, err := t.sock.recvFrom(t.rxBuf)
	if err != nil {
		t.fail(ErrFile, CodeUndefined, err.Error())
		return nil
	}
	if from == nil {
		return nil // nothing waiting
	}

	pkt, perr := Parse(t.rxBuf[:n])
	if perr != nil {
		t.fail(ErrDecode, CodeIllegalOperation, "received an invalid packet")
		return nil
	}
	if pkt == nil {
		return nil // empty datagram, not a packet
	}

	if latch && !t.addrStatic {
		t.peer = from
	} else if !sameAddr(from, t.peer) {
		// Wrong TID: tell the origin, keep the transfer running.
		t.sink.Debugf("tid %d: stray packet from %s", t.tid, addrString(from))
		reply := &ErrorPacket{Code: CodeUnknownTID, Message: "unexpected packet origin"}
		if buf, err := reply.Encode(); err == nil {
			t.sock.sendTo(buf, from)
			t.sink.PacketOut(t.tid, addrString(from), reply)
		}
		return nil
	}

	t.sink.PacketIn(t.tid, addrString(from), pkt)
	return pkt
}

/* === Upload flow === */

// handleUpload sends the initial OACK when options were accepted,
// otherwise the next DATA block. Re-entered with an unchanged block
// number it retransmits the cached payload, so non-seekable sources
// (the client's stdin) survive retries.
func (t *Transfer) handleUpload() {
	if t.blockN == 0 && t.oackInit {
		if t.send(&OptionAck{Options: t.proposed}) {
			t.setState(StateAwaiting)
		}
		return
	}

	// No OACK means no ACK 0: the first data block is 1.
	if t.blockN == 0 {
		t.blockN = 1
	}

	payload := t.txPayload
	if t.txBlock != t.blockN {
		var err error
		payload, err = t.side.nextPayload(t)
		if err != nil {
			t.fail(ErrFile, CodeAccessViolation, "failed to read data: "+err.Error())
			return
		}
		t.txBlock = t.blockN
		t.txPayload = payload
	}
	t.isLast = len(payload) < t.opts.BlockSize

	if t.send(&Data{Block: uint16(t.blockN), Payload: payload}) {
		t.setState(StateAwaiting)
	}
}

// handleAwaitUpload waits for the ACK of the block just sent.
func (t *Transfer) handleAwaitUpload() {
	if t.timedOut() {
		t.retry()
		return
	}

	pkt := t.recvPacket(t.blockN == 0)
	if pkt == nil {
		return
	}

	switch p := pkt.(type) {
	case *ErrorPacket:
		t.peerErrored(p)

	case *OptionAck:
		if !t.oackExpect {
			t.sink.Debugf("tid %d: unexpected OACK, ignoring", t.tid)
			return
		}
		t.oackExpect = false
		if err := t.opts.AcceptOACK(t.proposed, p.Options); err != nil {
			t.fail(err.Kind, err.Code, err.Message)
			return
		}
		// Proceed as if ACK 0 arrived.
		t.advanceUpload()

	case *Ack:
		if int(p.Block) < t.blockN {
			t.sink.Debugf("tid %d: stray ACK for block %d, ignoring", t.tid, p.Block)
			return
		}
		if int(p.Block) > t.blockN {
			t.fail(ErrProtocol, CodeIllegalOperation, "received ACK for a future block")
			return
		}
		t.advanceUpload()

	default:
		t.fail(ErrProtocol, CodeIllegalOperation, "received a non-ACK packet")
	}
}

// advanceUpload moves past an acknowledged block.
func (t *Transfer) advanceUpload() {
	t.sendTries = 0
	if t.isLast {
		t.bytesMoved += int64(len(t.txPayload))
		t.setState(StateCompleted)
		return
	}
	if t.blockN > 0 {
		t.bytesMoved += int64(len(t.txPayload))
	}
	t.blockN++
	if t.blockN > MaxBlockNumber {
		t.fail(ErrProtocol, CodeUndefined, "block overflow (file too big)")
		return
	}
	t.setState(StateUploading)
}

/* === Download flow === */

// handleDownload sends the initial OACK when options were accepted,
// writes the buffered DATA block and acknowledges it, or — entered
// with nothing buffered — just re-sends the current ACK (the WRQ
// acknowledgement and the retransmission path).
func (t *Transfer) handleDownload() {
	if t.blockN == 0 && t.oackInit {
		if t.send(&OptionAck{Options: t.proposed}) {
			t.setState(StateAwaiting)
		}
		return
	}

	if t.blockN == 0 || t.rxData == nil {
		if t.send(&Ack{Block: uint16(t.blockN)}) {
			t.setState(StateAwaiting)
		}
		return
	}

	p := t.rxData
	t.rxData = nil
	payload := p.Payload
	orig := len(p.Payload)

	if t.format == ModeNetASCII && orig > 0 {
		// Splice a CR/LF or CR/NUL pair broken across the block
		// boundary: the CR already reached the file at the end of the
		// previous block.
		if t.crEnd && payload[0] == '\n' {
			if err := t.dropTrailingCR(); err != nil {
				t.fail(ErrFile, CodeAccessViolation, "failed to truncate file on CR")
				return
			}
		} else if t.crEnd && payload[0] == 0 {
			payload = payload[1:]
		}
		t.crEnd = p.Payload[orig-1] == '\r'
		payload = FromNetASCII(payload)
	}

	if _, err := t.file.Write(payload); err != nil {
		t.fail(ErrFile, CodeAccessViolation, "failed to write to file")
		return
	}
	t.bytesMoved += int64(len(payload))

	if !t.send(&Ack{Block: uint16(t.blockN)}) {
		return
	}

	// A short block is the last one.
	if orig < t.opts.BlockSize {
		t.setState(StateCompleted)
		return
	}
	t.setState(StateAwaiting)
}

// dropTrailingCR removes the CR written at the end of the previous
// block, the first half of a pair completed by this block's first byte.
func (t *Transfer) dropTrailingCR() error {
	fi, err := t.file.Stat()
	if err != nil {
		return err
	}
	if fi.Size() == 0 {
		return nil
	}
	if err := t.file.Truncate(fi.Size() - 1); err != nil {
		return err
	}
	_, err = t.file.Seek(0, io.SeekEnd)
	return err
}

// handleAwaitDownload waits for the next DATA block.
func (t *Transfer) handleAwaitDownload() {
	if t.timedOut() {
		t.retry()
		return
	}

	pkt := t.recvPacket(t.blockN == 0)
	if pkt == nil {
		return
	}

	switch p := pkt.(type) {
	case *ErrorPacket:
		t.peerErrored(p)

	case *OptionAck:
		if !t.oackExpect {
			t.sink.Debugf("tid %d: unexpected OACK, ignoring", t.tid)
			return
		}
		t.oackExpect = false
		if err := t.opts.AcceptOACK(t.proposed, p.Options); err != nil {
			t.fail(err.Kind, err.Code, err.Message)
			return
		}
		// Reply ACK 0 and await DATA 1: Downloading with nothing
		// buffered does exactly that.
		t.sendTries = 0
		t.setState(StateDownloading)

	case *Data:
		if int(p.Block) < t.blockN+1 {
			t.sink.Debugf("tid %d: stray DATA for block %d, ignoring", t.tid, p.Block)
			return
		}
		if int(p.Block) > t.blockN+1 {
			t.fail(ErrProtocol, CodeIllegalOperation, "received DATA for a future block")
			return
		}
		t.blockN++
		if t.blockN > MaxBlockNumber {
			t.fail(ErrProtocol, CodeUndefined, "block overflow (file too big)")
			return
		}
		t.sendTries = 0
		t.rxData = p
		t.setState(StateDownloading)

	default:
		t.fail(ErrProtocol, CodeIllegalOperation, "received a non-DATA packet")
	}
}

/* === Payload carving === */

// payloadReader carves successive DATA payloads of at most blksize
// bytes from a byte source, applying the NetASCII transform when
// active. A CR read at the end of a chunk is held back until its
// follower is known, so the encoding never splits wrongly at a read
// boundary.
type payloadReader struct {
	src      io.Reader
	netascii bool
	pend     []byte // encoded, not yet carved
	carry    []byte // trailing CR awaiting its follower
	eof      bool
}

func newPayloadReader(src io.Reader, netascii bool) *payloadReader {
	return &payloadReader{src: src, netascii: netascii}
}

func (p *payloadReader) next(blksize int) ([]byte, error) {
	chunk := make([]byte, blksize)
	for !p.eof && len(p.pend) < blksize {
		n, err := p.src.Read(chunk)
		if n > 0 {
			p.feed(chunk[:n])
		}
		if err == io.EOF {
			p.eof = true
			break
		}
		if err != nil {
			return nil, err
		}
	}
	if p.eof && len(p.carry) > 0 {
		p.pend = append(p.pend, ToNetASCII(p.carry)...)
		p.carry = nil
	}

	n := len(p.pend)
	if n > blksize {
		n = blksize
	}
	out := p.pend[:n:n]
	p.pend = p.pend[n:]
	return out, nil
}

func (p *payloadReader) feed(raw []byte) {
	if !p.netascii {
		p.pend = append(p.pend, raw...)
		return
	}
	buf := append(p.carry, raw...)
	p.carry = nil
	if buf[len(buf)-1] == '\r' {
		p.carry = []byte{'\r'}
		buf = buf[:len(buf)-1]
	}
	p.pend = append(p.pend, ToNetASCII(buf)...)
}
