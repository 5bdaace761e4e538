package httpwire

import (
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// readTimeout bounds how long a connection may sit idle mid-request.
const readTimeout = 30 * time.Second

// Handler routes parsed requests. AcceptSocket authorizes an upgrade before
// the 101 goes out; a non-nil response rejects it. ServeSocket is called
// once the socket is live and must register interest and return; frame I/O
// stays inside the transport.
type Handler interface {
	ServeRequest(req *Request) *Response
	AcceptSocket(req *Request) *Response
	ServeSocket(req *Request, sock *Socket)
}

// Server owns the TCP listener and per-connection goroutines.
type Server struct {
	addr    string
	wsPath  string
	handler Handler
	logger  zerolog.Logger

	ln net.Listener
	wg sync.WaitGroup

	mu      sync.Mutex
	sockets map[*Socket]struct{}
	closed  bool
}

func NewServer(addr, wsPath string, handler Handler, logger zerolog.Logger) *Server {
	return &Server{
		addr:    addr,
		wsPath:  wsPath,
		handler: handler,
		logger:  logger.With().Str("service", "httpwire").Logger(),
		sockets: make(map[*Socket]struct{}),
	}
}

// Start binds the listener and begins accepting.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.ln = ln
	s.wg.Add(1)
	go s.acceptLoop()
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("listening")
	return nil
}

// Addr returns the bound address, for tests using port 0.
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Shutdown closes the listener and tears down every live websocket.
func (s *Server) Shutdown() {
	s.mu.Lock()
	s.closed = true
	sockets := make([]*Socket, 0, len(s.sockets))
	for sock := range s.sockets {
		sockets = append(sockets, sock)
	}
	s.mu.Unlock()

	if s.ln != nil {
		_ = s.ln.Close()
	}
	for _, sock := range sockets {
		sock.Close()
	}
	s.wg.Wait()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn().Err(err).Msg("accept failed")
			continue
		}
		s.wg.Add(1)
		go s.serveConn(conn)
	}
}

// serveConn reads into an accumulating buffer until one full request is
// parsed, dispatches it, and closes. A connection that ends mid-request
// gets a 400.
func (s *Server) serveConn(conn net.Conn) {
	defer s.wg.Done()

	buf := make([]byte, 0, 4096)
	chunk := make([]byte, 4096)
	var req *Request
	for req == nil {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		n, err := conn.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			parsed, _, perr := parseRequest(buf)
			if perr != nil {
				s.writeAndClose(conn, badRequest(perr))
				return
			}
			req = parsed
		}
		if err != nil {
			if req == nil {
				if len(buf) > 0 && !errors.Is(err, io.EOF) {
					s.logger.Debug().Err(err).Msg("connection read failed")
				}
				if len(buf) > 0 {
					s.writeAndClose(conn, badRequest(errors.New("incomplete request")))
				} else {
					_ = conn.Close()
				}
				return
			}
			break
		}
	}

	if req.IsUpgrade() && req.Path == s.wsPath {
		// websockets idle indefinitely between frames
		_ = conn.SetReadDeadline(time.Time{})
		s.upgrade(conn, req)
		return
	}

	resp := s.handler.ServeRequest(req)
	if resp == nil {
		resp = &Response{Status: 500}
	}
	s.writeAndClose(conn, resp)
}

func (s *Server) upgrade(conn net.Conn, req *Request) {
	if reject := s.handler.AcceptSocket(req); reject != nil {
		s.writeAndClose(conn, reject)
		return
	}
	clientKey := req.Header("sec-websocket-key")
	if clientKey == "" {
		s.writeAndClose(conn, badRequest(errors.New("missing sec-websocket-key")))
		return
	}

	handshake := &Response{
		Status: 101,
		Headers: map[string]string{
			"Upgrade":              "websocket",
			"Sec-WebSocket-Accept": acceptKey(clientKey),
		},
	}
	// 101 keeps the connection open: hand-build the head without the
	// Connection: close / Content-Length tail.
	head := "HTTP/1.1 101 Switching Protocols\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Accept: " + handshake.Headers["Sec-WebSocket-Accept"] + "\r\n\r\n"
	if _, err := conn.Write([]byte(head)); err != nil {
		_ = conn.Close()
		return
	}

	sock := newSocket(conn)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		sock.Close()
		return
	}
	s.sockets[sock] = struct{}{}
	s.mu.Unlock()
	sock.OnClose(func() {
		s.mu.Lock()
		delete(s.sockets, sock)
		s.mu.Unlock()
	})

	go sock.writeLoop()
	s.handler.ServeSocket(req, sock)
	_ = sock.readLoop()
}

func (s *Server) writeAndClose(conn net.Conn, resp *Response) {
	_, _ = conn.Write(resp.encode())
	_ = conn.Close()
}

func badRequest(err error) *Response {
	return &Response{
		Status:  400,
		Headers: map[string]string{"Content-Type": "application/json"},
		Body:    []byte(`{"error":{"code":"DEPENDENCY_VIOLATION","message":` + quoteJSON(err.Error()) + `}}`),
	}
}

func quoteJSON(s string) string {
	out := make([]byte, 0, len(s)+2)
	out = append(out, '"')
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch c {
		case '"', '\\':
			out = append(out, '\\', c)
		case '\n':
			out = append(out, '\\', 'n')
		case '\r':
			out = append(out, '\\', 'r')
		case '\t':
			out = append(out, '\\', 't')
		default:
			if c < 0x20 {
				continue
			}
			out = append(out, c)
		}
	}
	return string(append(out, '"'))
}
