package inspect

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"connectrpc.com/connect"

	"github.com/ellie-lang/ellie/vm"
)

// Server is the inspection endpoint wrapping a VM. It serves Connect
// (HTTP/JSON and binary protobuf) on a single mux.
type Server struct {
	worker *Worker
	svc    *InspectService
	mux    *http.ServeMux
	http   *http.Server
}

// ServerOption configures a Server.
type ServerOption func(*serverConfig)

type serverConfig struct {
	sink *Sink
}

// WithSink enables the Snapshot RPC, writing into sink.
func WithSink(sink *Sink) ServerOption {
	return func(c *serverConfig) { c.sink = sink }
}

// NewServer creates a Server wrapping the given VM.
func NewServer(v *vm.VM, opts ...ServerOption) *Server {
	cfg := &serverConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	worker := NewWorker(v)
	s := &Server{
		worker: worker,
		svc:    NewInspectService(worker, cfg.sink),
		mux:    http.NewServeMux(),
	}
	s.http = &http.Server{Handler: s.mux, ReadHeaderTimeout: 10 * time.Second}

	s.mux.Handle(DumpStackProcedure, connect.NewUnaryHandler(DumpStackProcedure, s.svc.DumpStack))
	s.mux.Handle(DumpHeapProcedure, connect.NewUnaryHandler(DumpHeapProcedure, s.svc.DumpHeap))
	s.mux.Handle(ListThreadsProcedure, connect.NewUnaryHandler(ListThreadsProcedure, s.svc.ListThreads))
	s.mux.Handle(RunMainProcedure, connect.NewUnaryHandler(RunMainProcedure, s.svc.RunMain))
	s.mux.Handle(SnapshotProcedure, connect.NewUnaryHandler(SnapshotProcedure, s.svc.Snapshot))
	return s
}

// Handler returns the HTTP handler serving every procedure.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Worker returns the goroutine that serializes runs for this server.
func (s *Server) Worker() *Worker {
	return s.worker
}

// ListenAndServe starts the HTTP server on the given address.
// The address should be in the form "host:port" or ":port".
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Shutdown is called.
func (s *Server) Serve(ln net.Listener) error {
	log.Noticef("inspection server listening on %s", ln.Addr())
	log.Infof("  Connect (HTTP/JSON): http://%s%s", ln.Addr(), DumpStackProcedure)
	err := s.http.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting requests and stops the worker.
func (s *Server) Shutdown(ctx context.Context) error {
	defer s.worker.Stop()
	return s.http.Shutdown(ctx)
}
