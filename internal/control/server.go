package control

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net"
	"os"
	"strings"

	"codeberg.org/mutker/powerd/internal/errors"
	"codeberg.org/mutker/powerd/internal/logger"
)

// Server accepts control connections on a unix socket. An address starting
// with '@' names an abstract socket.
type Server struct {
	listener net.Listener
	handler  Handler
	log      logger.Logger
}

func Listen(addr string, h Handler, log logger.Logger) (*Server, error) {
	errFactory := errors.New()

	if !strings.HasPrefix(addr, "@") {
		if err := os.Remove(addr); err != nil && !os.IsNotExist(err) {
			return nil, errFactory.Wrap(errors.ErrInitFailed, err)
		}
	}

	listener, err := net.Listen("unix", addr)
	if err != nil {
		return nil, errFactory.Wrap(errors.ErrInitFailed, err)
	}

	log.Info().Str("socket", addr).Msg("Control socket listening")

	return &Server{listener: listener, handler: h, log: log}, nil
}

func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Serve accepts connections until ctx is done, handling each on its own
// goroutine. A connection that never sends a line holds its goroutine until
// the peer goes away.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.listener.Close()
	}()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.log.Error().Err(err).Msg("Failed to accept control connection")
			continue
		}

		go s.handle(ctx, conn)
	}
}

// Close stops accepting connections.
func (s *Server) Close() error {
	return s.listener.Close()
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		s.log.Debug().Err(err).Msg("Control connection closed before a request")
		return
	}

	reply, err := s.process(ctx, line)
	if err != nil {
		s.log.Debug().Err(err).Msg("Control request failed")
		reply = ErrorPrefix + strings.ReplaceAll(err.Error(), "\n", " ")
	}

	if _, err := io.WriteString(conn, reply+"\n"); err != nil {
		s.log.Debug().Err(err).Msg("Failed to write control reply")
	}
}

func (s *Server) process(ctx context.Context, line string) (string, error) {
	var req Request
	if err := json.Unmarshal([]byte(line), &req); err != nil {
		return "", err
	}

	s.log.Debug().Str("request", string(req.Kind)).Msg("Handling control request")

	return Dispatch(ctx, s.handler, req)
}
