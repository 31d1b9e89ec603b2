// Package socket implements the loopback stream transport: one JSON
// request per line, one JSON response per line, responses in request
// order per connection. Dropping the connection cancels every request
// still in flight on it.
package socket

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/agent-device/agent-device/internal/domain"
	"github.com/agent-device/agent-device/internal/pipeline"
	"github.com/agent-device/agent-device/internal/proc"
)

// abort-window bounds for runner cancellation after a disconnect.
const (
	abortPollInterval = 200 * time.Millisecond
	abortWindow       = 15 * time.Second
)

// maxLineBytes bounds one request line.
const maxLineBytes = 4 * 1024 * 1024

// Server is the NDJSON stream server.
type Server struct {
	pipe    *pipeline.Pipeline
	cancels *proc.CancelRegistry

	listener net.Listener
	mu       sync.Mutex
	conns    map[net.Conn]struct{}
	closed   bool
	wg       sync.WaitGroup
}

// NewServer creates a socket server over the shared pipeline.
func NewServer(pipe *pipeline.Pipeline, cancels *proc.CancelRegistry) *Server {
	return &Server{
		pipe:    pipe,
		cancels: cancels,
		conns:   make(map[net.Conn]struct{}),
	}
}

// Start binds an ephemeral loopback port and begins accepting.
func (s *Server) Start() (int, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("listen: %w", err)
	}
	s.listener = ln
	port := ln.Addr().(*net.TCPAddr).Port
	s.wg.Add(1)
	go s.acceptLoop()
	log.Info().Int("port", port).Msg("socket server listening")
	return port, nil
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed || errors.Is(err, net.ErrClosed) {
				return
			}
			log.Warn().Err(err).Msg("accept failed")
			continue
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.conns[conn] = struct{}{}
		s.mu.Unlock()
		s.wg.Add(1)
		go s.serveConn(conn)
	}
}

// connState tracks the request ids a connection still owes responses
// for, shared between the reader and the handler goroutine.
type connState struct {
	mu  sync.Mutex
	ids map[string]struct{}
}

func (cs *connState) add(id string) {
	if id == "" {
		return
	}
	cs.mu.Lock()
	cs.ids[id] = struct{}{}
	cs.mu.Unlock()
}

func (cs *connState) remove(id string) {
	cs.mu.Lock()
	delete(cs.ids, id)
	cs.mu.Unlock()
}

func (cs *connState) snapshot() []string {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	out := make([]string, 0, len(cs.ids))
	for id := range cs.ids {
		out = append(out, id)
	}
	return out
}

// serveConn splits reading from handling: the reader enqueues lines and
// notices the disconnect; the handler drains the queue serially so
// responses keep request order. On disconnect every request still in
// flight is canceled and runner sessions are signaled within the abort
// window.
func (s *Server) serveConn(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	state := &connState{ids: make(map[string]struct{})}
	lines := make(chan []byte, 16)
	writer := bufio.NewWriter(conn)

	var handlerDone sync.WaitGroup
	handlerDone.Add(1)
	go func() {
		defer handlerDone.Done()
		for line := range lines {
			var req domain.Request
			if err := json.Unmarshal(line, &req); err != nil {
				s.writeResponse(writer, domain.FailResponse(
					domain.Errorf(domain.CodeInvalidArgs, "malformed request: %v", err)))
				continue
			}
			state.add(req.Meta.RequestID)
			ctx, release := s.cancels.Track(context.Background(), req.Meta.RequestID)
			resp := s.pipe.HandleRequest(ctx, &req)
			release()
			state.remove(req.Meta.RequestID)
			s.writeResponse(writer, resp)
		}
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		buf := make([]byte, len(line))
		copy(buf, line)
		lines <- buf
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, net.ErrClosed) {
		log.Debug().Err(err).Msg("connection read ended")
	}
	close(lines)

	if pending := state.snapshot(); len(pending) > 0 {
		s.cancels.CancelAll(pending)
		deadline := time.Now().Add(abortWindow)
		for time.Now().Before(deadline) && len(state.snapshot()) > 0 {
			proc.SweepOrphanedRunners()
			time.Sleep(abortPollInterval)
		}
	}
	handlerDone.Wait()
}

func (s *Server) writeResponse(w *bufio.Writer, resp *domain.Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		log.Error().Err(err).Msg("response marshal failed")
		return
	}
	w.Write(data)
	w.WriteByte('\n')
	w.Flush()
}

// Close stops accepting and closes live connections.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	conns := make([]net.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	if s.listener != nil {
		s.listener.Close()
	}
	for _, c := range conns {
		c.Close()
	}
	s.wg.Wait()
}
