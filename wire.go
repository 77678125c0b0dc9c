// SPDX-License-Identifier: GPL-3.0-or-later

package evhttp

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
)

// This file adapts net/http's wire codecs to the reactor's
// buffer-then-parse model: bytes accumulate in a connection buffer as
// readiness events fire, and each accumulation attempts a full parse,
// waiting for more data while the message is still incomplete.

// errNeedsMoreData reports whether a parse failure means the buffered
// bytes are merely a truncated prefix of a valid message.
func errNeedsMoreData(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}

// parseResponse attempts to parse one complete HTTP response from data.
// The eof flag says the peer closed the connection, which both ends
// read-until-close bodies and turns truncation into a hard error.
func parseResponse(data []byte, method string, eof bool) (resp *http.Response, body []byte, needMore bool, err error) {
	br := bufio.NewReader(bytes.NewReader(data))
	resp, err = http.ReadResponse(br, &http.Request{Method: method})
	if err != nil {
		if !eof && errNeedsMoreData(err) {
			return nil, nil, true, nil
		}
		return nil, nil, false, fmt.Errorf("evhttp: parse response: %w", err)
	}
	body, err = io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		if !eof && errNeedsMoreData(err) {
			return nil, nil, true, nil
		}
		return nil, nil, false, fmt.Errorf("evhttp: read response body: %w", err)
	}
	// No framing at all means the body runs until connection close.
	if resp.ContentLength < 0 && len(resp.TransferEncoding) == 0 && !eof {
		return nil, nil, true, nil
	}
	return resp, body, false, nil
}

// parseRequest attempts to parse one complete HTTP request from data.
// The rest return value holds the bytes past the parsed message, which
// belong to a pipelined follow-up request.
func parseRequest(data []byte, eof bool) (req *http.Request, body, rest []byte, needMore bool, err error) {
	rd := bytes.NewReader(data)
	br := bufio.NewReader(rd)
	req, err = http.ReadRequest(br)
	if err != nil {
		if !eof && errNeedsMoreData(err) {
			return nil, nil, nil, true, nil
		}
		return nil, nil, nil, false, fmt.Errorf("evhttp: parse request: %w", err)
	}
	body, err = io.ReadAll(req.Body)
	req.Body.Close()
	if err != nil {
		if !eof && errNeedsMoreData(err) {
			return nil, nil, nil, true, nil
		}
		return nil, nil, nil, false, fmt.Errorf("evhttp: read request body: %w", err)
	}
	rest = data[len(data)-br.Buffered()-rd.Len():]
	return req, body, rest, false, nil
}

// serializeRequest renders an outgoing request through
// [*http.Request.Write].
func serializeRequest(method, uri, host string, hdr http.Header, body []byte) ([]byte, error) {
	u, err := url.ParseRequestURI(uri)
	if err != nil {
		return nil, fmt.Errorf("evhttp: bad request URI %q: %w", uri, err)
	}
	hr := &http.Request{
		Method:     method,
		URL:        u,
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Host:       host,
		Header:     hdr.Clone(),
	}
	if hr.Header == nil {
		hr.Header = make(http.Header)
	}
	if len(body) > 0 {
		hr.Body = io.NopCloser(bytes.NewReader(body))
		hr.ContentLength = int64(len(body))
	}
	var buf bytes.Buffer
	if err := hr.Write(&buf); err != nil {
		return nil, fmt.Errorf("evhttp: serialize request: %w", err)
	}
	return buf.Bytes(), nil
}

// serializeResponse renders an outgoing response. The status line and
// Content-Length are emitted explicitly so that framing stays
// unambiguous for keep-alive clients.
func serializeResponse(status int, hdr http.Header, body []byte, closeConn bool) []byte {
	var buf bytes.Buffer
	text := http.StatusText(status)
	if text == "" {
		text = "Status"
	}
	fmt.Fprintf(&buf, "HTTP/1.1 %d %s\r\n", status, text)
	h := hdr.Clone()
	if h == nil {
		h = make(http.Header)
	}
	h.Set("Content-Length", strconv.Itoa(len(body)))
	if closeConn {
		h.Set("Connection", "close")
	}
	h.Write(&buf)
	buf.WriteString("\r\n")
	buf.Write(body)
	return buf.Bytes()
}
