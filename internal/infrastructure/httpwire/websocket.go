package httpwire

import (
	"crypto/sha1"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
)

const wsMagicGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// WebSocket opcodes handled by this subset of RFC6455. Clients only send
// control frames; text flows server to client.
const (
	opText  = 0x1
	opClose = 0x8
	opPing  = 0x9
	opPong  = 0xA
)

var errSocketClosed = errors.New("websocket closed")

// acceptKey computes the Sec-WebSocket-Accept value for a client key.
func acceptKey(clientKey string) string {
	sum := sha1.Sum([]byte(clientKey + wsMagicGUID))
	return base64.StdEncoding.EncodeToString(sum[:])
}

// encodeFrame builds a single unmasked server frame.
func encodeFrame(opcode byte, payload []byte) []byte {
	n := len(payload)
	var header []byte
	switch {
	case n < 126:
		header = []byte{0x80 | opcode, byte(n)}
	case n <= 0xFFFF:
		header = []byte{0x80 | opcode, 126, 0, 0}
		binary.BigEndian.PutUint16(header[2:], uint16(n))
	default:
		header = make([]byte, 10)
		header[0] = 0x80 | opcode
		header[1] = 127
		binary.BigEndian.PutUint64(header[2:], uint64(n))
	}
	return append(header, payload...)
}

// readFrame decodes one frame, unmasking client payloads.
func readFrame(r io.Reader) (opcode byte, payload []byte, err error) {
	var head [2]byte
	if _, err = io.ReadFull(r, head[:]); err != nil {
		return 0, nil, err
	}
	opcode = head[0] & 0x0F
	masked := head[1]&0x80 != 0
	length := uint64(head[1] & 0x7F)

	switch length {
	case 126:
		var ext [2]byte
		if _, err = io.ReadFull(r, ext[:]); err != nil {
			return 0, nil, err
		}
		length = uint64(binary.BigEndian.Uint16(ext[:]))
	case 127:
		var ext [8]byte
		if _, err = io.ReadFull(r, ext[:]); err != nil {
			return 0, nil, err
		}
		length = binary.BigEndian.Uint64(ext[:])
	}
	if length > 1<<20 {
		return 0, nil, fmt.Errorf("frame too large: %d bytes", length)
	}

	var mask [4]byte
	if masked {
		if _, err = io.ReadFull(r, mask[:]); err != nil {
			return 0, nil, err
		}
	}
	payload = make([]byte, length)
	if _, err = io.ReadFull(r, payload); err != nil {
		return 0, nil, err
	}
	if masked {
		for i := range payload {
			payload[i] ^= mask[i%4]
		}
	}
	return opcode, payload, nil
}

// Socket is one upgraded WebSocket connection. Outbound text is queued on a
// buffered channel drained by a writer goroutine so the control-plane loop
// never blocks on a slow client.
type Socket struct {
	conn net.Conn

	writeMu sync.Mutex
	out     chan []byte
	quit    chan struct{}

	closeOnce sync.Once
	onClose   []func()
	closeMu   sync.Mutex
}

func newSocket(conn net.Conn) *Socket {
	return &Socket{
		conn: conn,
		out:  make(chan []byte, 64),
		quit: make(chan struct{}),
	}
}

// SendText queues a text frame. Returns false when the socket is closed or
// the queue is full; a full queue means the client is not keeping up and
// the caller should drop it.
func (s *Socket) SendText(payload []byte) bool {
	select {
	case <-s.quit:
		return false
	default:
	}
	select {
	case s.out <- payload:
		return true
	default:
		return false
	}
}

// OnClose registers fn to run exactly once when the socket tears down.
func (s *Socket) OnClose(fn func()) {
	s.closeMu.Lock()
	s.onClose = append(s.onClose, fn)
	s.closeMu.Unlock()
}

// Close tears the socket down from either side.
func (s *Socket) Close() {
	s.closeOnce.Do(func() {
		close(s.quit)
		_ = s.conn.Close()
		s.closeMu.Lock()
		handlers := s.onClose
		s.closeMu.Unlock()
		for _, fn := range handlers {
			fn()
		}
	})
}

func (s *Socket) writeFrame(opcode byte, payload []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.conn.Write(encodeFrame(opcode, payload))
	return err
}

// writeLoop drains queued text frames.
func (s *Socket) writeLoop() {
	for {
		select {
		case payload := <-s.out:
			if err := s.writeFrame(opText, payload); err != nil {
				s.Close()
				return
			}
		case <-s.quit:
			return
		}
	}
}

// readLoop consumes inbound frames until close. Only control frames are
// meaningful: close is echoed then torn down, ping answered with pong,
// anything else ignored.
func (s *Socket) readLoop() error {
	for {
		opcode, payload, err := readFrame(s.conn)
		if err != nil {
			s.Close()
			return err
		}
		switch opcode {
		case opClose:
			_ = s.writeFrame(opClose, payload)
			s.Close()
			return errSocketClosed
		case opPing:
			if err := s.writeFrame(opPong, payload); err != nil {
				s.Close()
				return err
			}
		}
	}
}
