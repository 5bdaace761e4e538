// Package httpwire is the raw TCP transport: it parses HTTP/1.1 requests
// byte-stream-incrementally, answers one response per connection, and
// upgrades a fixed path to WebSocket framing on the same socket.
package httpwire

import (
	"bytes"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// maxHeaderBytes bounds the header block of a single request.
const maxHeaderBytes = 64 * 1024

// Request is one parsed HTTP request.
type Request struct {
	Method  string
	Target  string
	Path    string
	Query   url.Values
	Proto   string
	Headers map[string]string
	Body    []byte
}

// Header returns a header value by lower-cased name.
func (r *Request) Header(name string) string {
	return r.Headers[strings.ToLower(name)]
}

// BearerToken extracts the token from an Authorization: Bearer header.
func (r *Request) BearerToken() string {
	auth := r.Header("authorization")
	const prefix = "Bearer "
	if len(auth) > len(prefix) && strings.EqualFold(auth[:len(prefix)], prefix) {
		return auth[len(prefix):]
	}
	return ""
}

// IsUpgrade reports whether the request asks for a websocket upgrade.
func (r *Request) IsUpgrade() bool {
	return strings.EqualFold(r.Header("upgrade"), "websocket")
}

// errMalformed marks bytes that can never become a valid request.
type errMalformed struct{ reason string }

func (e errMalformed) Error() string { return "malformed request: " + e.reason }

// parseRequest attempts to parse one request from buf. It returns the
// request and the number of bytes consumed, or (nil, 0, nil) when more
// bytes are needed.
func parseRequest(buf []byte) (*Request, int, error) {
	head := bytes.Index(buf, []byte("\r\n\r\n"))
	if head < 0 {
		if len(buf) > maxHeaderBytes {
			return nil, 0, errMalformed{"header block too large"}
		}
		return nil, 0, nil
	}

	lines := strings.Split(string(buf[:head]), "\r\n")
	if len(lines) == 0 {
		return nil, 0, errMalformed{"empty header block"}
	}
	parts := strings.SplitN(lines[0], " ", 3)
	if len(parts) != 3 || !strings.HasPrefix(parts[2], "HTTP/") {
		return nil, 0, errMalformed{fmt.Sprintf("bad request line %q", lines[0])}
	}

	req := &Request{
		Method:  parts[0],
		Target:  parts[1],
		Proto:   parts[2],
		Headers: make(map[string]string, len(lines)-1),
	}
	for _, line := range lines[1:] {
		idx := strings.Index(line, ":")
		if idx <= 0 {
			return nil, 0, errMalformed{fmt.Sprintf("bad header line %q", line)}
		}
		key := strings.ToLower(strings.TrimSpace(line[:idx]))
		req.Headers[key] = strings.TrimSpace(line[idx+1:])
	}

	req.Path = req.Target
	if q := strings.Index(req.Target, "?"); q >= 0 {
		req.Path = req.Target[:q]
		values, err := url.ParseQuery(req.Target[q+1:])
		if err == nil {
			req.Query = values
		}
	}
	if req.Query == nil {
		req.Query = url.Values{}
	}

	bodyStart := head + 4
	length := 0
	if cl := req.Headers["content-length"]; cl != "" {
		n, err := strconv.Atoi(cl)
		if err != nil || n < 0 {
			return nil, 0, errMalformed{"bad content-length"}
		}
		length = n
	}
	if len(buf) < bodyStart+length {
		return nil, 0, nil
	}
	req.Body = append([]byte(nil), buf[bodyStart:bodyStart+length]...)
	return req, bodyStart + length, nil
}

// Response is one HTTP response. Every response closes the connection.
type Response struct {
	Status  int
	Headers map[string]string
	Body    []byte
}

var statusText = map[int]string{
	101: "Switching Protocols",
	200: "OK",
	202: "Accepted",
	204: "No Content",
	400: "Bad Request",
	401: "Unauthorized",
	404: "Not Found",
	409: "Conflict",
	422: "Unprocessable Entity",
	500: "Internal Server Error",
	503: "Service Unavailable",
}

func (r *Response) encode() []byte {
	text := statusText[r.Status]
	if text == "" {
		text = "Unknown"
	}
	var b bytes.Buffer
	fmt.Fprintf(&b, "HTTP/1.1 %d %s\r\n", r.Status, text)
	for k, v := range r.Headers {
		fmt.Fprintf(&b, "%s: %s\r\n", k, v)
	}
	fmt.Fprintf(&b, "Content-Length: %d\r\n", len(r.Body))
	b.WriteString("Connection: close\r\n\r\n")
	b.Write(r.Body)
	return b.Bytes()
}
