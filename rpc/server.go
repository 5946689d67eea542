package rpc

import (
	"context"
	"net"
	"net/http"
	"time"

	ethrpc "github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/zap"
)

const shutdownGrace = 5 * time.Second

// Server exposes the registered namespaces over HTTP and WebSocket.
type Server struct {
	rpc    *ethrpc.Server
	logger *zap.SugaredLogger

	httpSrv *http.Server
	wsSrv   *http.Server
}

func NewServer(logger *zap.SugaredLogger) *Server {
	return &Server{
		rpc:    ethrpc.NewServer(),
		logger: logger,
	}
}

// RegisterAPIs attaches the namespaces; a nil debug API keeps the
// debug namespace off.
func (s *Server) RegisterAPIs(eth *EthAPI, debug *DebugAPI) error {
	if err := s.rpc.RegisterName("eth", eth); err != nil {
		return err
	}
	if debug != nil {
		if err := s.rpc.RegisterName("debug", debug); err != nil {
			return err
		}
	}
	return nil
}

// Start binds the HTTP and WebSocket listeners; empty addresses skip
// the transport.
func (s *Server) Start(httpAddr, wsAddr string) error {
	if httpAddr != "" {
		ln, err := net.Listen("tcp", httpAddr)
		if err != nil {
			return err
		}
		s.httpSrv = &http.Server{Handler: s.rpc}
		go s.serve(s.httpSrv, ln, "http")
		s.logger.Infow("rpc http server listening", "addr", httpAddr)
	}
	if wsAddr != "" {
		ln, err := net.Listen("tcp", wsAddr)
		if err != nil {
			return err
		}
		s.wsSrv = &http.Server{Handler: s.rpc.WebsocketHandler([]string{"*"})}
		go s.serve(s.wsSrv, ln, "ws")
		s.logger.Infow("rpc ws server listening", "addr", wsAddr)
	}
	return nil
}

func (s *Server) serve(srv *http.Server, ln net.Listener, transport string) {
	if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
		s.logger.Errorw("rpc server stopped", "transport", transport, "error", err)
	}
}

// Stop drains in-flight requests and closes the listeners.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	var firstErr error
	for _, srv := range []*http.Server{s.httpSrv, s.wsSrv} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.rpc.Stop()
	return firstErr
}
