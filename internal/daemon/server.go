// Package daemon shares one engine between processes over a Unix socket.
// Clients send newline-delimited JSON messages; the server records them
// through the engine's single writer.
package daemon

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"

	"github.com/ehrlich-b/historian"
)

// Engine is the part of *historian.Engine the server drives.
type Engine interface {
	Record(level historian.Level, tag, message string) error
	Flush(ctx context.Context) error
}

// Server is the daemon's Unix socket server.
type Server struct {
	socketPath string
	engine     Engine
	log        *slog.Logger

	mu      sync.Mutex
	clients map[net.Conn]struct{}

	listener net.Listener
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewServer creates a new daemon server.
func NewServer(socketPath string, engine Engine, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		socketPath: socketPath,
		engine:     engine,
		log:        log,
		clients:    make(map[net.Conn]struct{}),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start begins listening on the Unix socket.
func (s *Server) Start() error {
	// Remove a stale socket left by a previous run
	if _, err := os.Stat(s.socketPath); err == nil {
		if IsDaemonRunning(s.socketPath) {
			return fmt.Errorf("daemon already running on %s", s.socketPath)
		}
		if err := os.Remove(s.socketPath); err != nil {
			return fmt.Errorf("remove existing socket: %w", err)
		}
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen on socket: %w", err)
	}
	s.listener = listener

	// Owner only
	if err := os.Chmod(s.socketPath, 0600); err != nil {
		s.log.Warn("failed to set socket permissions", "error", err)
	}

	s.log.Info("daemon listening", "socket", s.socketPath)

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Stop closes the listener and every client, then waits for handlers to
// finish the messages they already read.
func (s *Server) Stop() {
	s.cancel()
	if s.listener != nil {
		s.listener.Close()
	}

	s.mu.Lock()
	for c := range s.clients {
		c.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	os.Remove(s.socketPath)
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
				s.log.Warn("accept error", "error", err)
				continue
			}
		}

		s.mu.Lock()
		if s.ctx.Err() != nil {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.clients[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.handleClient(conn)
	}
}

func (s *Server) handleClient(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.clients, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024) // 1MB buffer

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		msgType, payload, err := Decode(line)
		if err != nil {
			s.log.Warn("decode error", "error", err)
			continue
		}

		switch msgType {
		case TypeRecord:
			rec, err := DecodePayload[Record](payload)
			if err != nil {
				s.reply(conn, TypeError, Error{Message: err.Error()})
				continue
			}
			if err := s.engine.Record(historian.Level(rec.Level), rec.Tag, rec.Message); err != nil {
				s.reply(conn, TypeError, Error{Message: err.Error()})
			}
		case TypeFlush:
			if err := s.engine.Flush(s.ctx); err != nil {
				s.reply(conn, TypeError, Error{Message: err.Error()})
				continue
			}
			s.reply(conn, TypeFlushed, nil)
		default:
			s.reply(conn, TypeError, Error{Message: "unknown message type " + msgType})
		}
	}
}

func (s *Server) reply(conn net.Conn, msgType string, payload any) {
	data, err := Encode(msgType, payload)
	if err != nil {
		s.log.Warn("encode reply", "error", err)
		return
	}
	if _, err := conn.Write(append(data, '\n')); err != nil {
		s.log.Debug("write reply", "error", err)
	}
}
