// Package rpc serves a finished session over Connect.
//
// Messages are the protobuf well-known types, so no generated code is
// needed: edges come back as a structpb.ListValue of {from, to, label}
// structs with hex address strings.
package rpc

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"connectrpc.com/connect"
	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	glog "github.com/zboralski/bootrace/internal/log"
	"github.com/zboralski/bootrace/internal/session"
	"github.com/zboralski/bootrace/internal/symbols"
)

// Procedure paths.
const (
	ServiceName       = "bootrace.v1.TraceService"
	EdgesProcedure    = "/" + ServiceName + "/Edges"
	LookupProcedure   = "/" + ServiceName + "/Lookup"
	SummaryProcedure  = "/" + ServiceName + "/Summary"
	SymbolsProcedure  = "/" + ServiceName + "/Symbols"
	shutdownTimeout   = 5 * time.Second
	readHeaderTimeout = 10 * time.Second
)

// Server answers queries about one Result. The result is never mutated.
type Server struct {
	res  *session.Result
	syms *symbols.Table
	log  *glog.Logger
}

// NewServer creates a server for res. syms may be nil.
func NewServer(res *session.Result, syms *symbols.Table) *Server {
	return &Server{res: res, syms: syms, log: glog.Get().WithCategory("rpc")}
}

// Handler returns the Connect handlers mounted on a mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(EdgesProcedure, connect.NewUnaryHandler(EdgesProcedure, s.Edges))
	mux.Handle(LookupProcedure, connect.NewUnaryHandler(LookupProcedure, s.Lookup))
	mux.Handle(SummaryProcedure, connect.NewUnaryHandler(SummaryProcedure, s.Summary))
	mux.Handle(SymbolsProcedure, connect.NewUnaryHandler(SymbolsProcedure, s.Symbols))
	return mux
}

// Edges returns the rendered trace.
func (s *Server) Edges(ctx context.Context, req *connect.Request[emptypb.Empty]) (*connect.Response[structpb.ListValue], error) {
	vals := make([]any, 0, len(s.res.Lines))
	for _, l := range s.res.Lines {
		vals = append(vals, map[string]any{
			"from":  glog.Hex(uint64(l.From)),
			"to":    glog.Hex(uint64(l.To)),
			"label": l.Label,
		})
	}
	list, err := structpb.NewList(vals)
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	return connect.NewResponse(list), nil
}

// Lookup names an address.
func (s *Server) Lookup(ctx context.Context, req *connect.Request[wrapperspb.UInt32Value]) (*connect.Response[wrapperspb.StringValue], error) {
	addr := req.Msg.GetValue()
	name, ok := s.syms.Lookup(addr)
	if !ok {
		s.log.Debug("lookup miss", glog.Addr(addr))
		return nil, connect.NewError(connect.CodeNotFound, fmt.Errorf("no symbol at 0x%08x", addr))
	}
	return connect.NewResponse(wrapperspb.String(name)), nil
}

// Symbols returns the symbol table as an address to name struct.
func (s *Server) Symbols(ctx context.Context, req *connect.Request[emptypb.Empty]) (*connect.Response[structpb.Struct], error) {
	fields := make(map[string]any, s.syms.Len())
	for _, addr := range s.syms.Addresses() {
		fields[glog.Hex(uint64(addr))] = s.syms.Name(addr)
	}
	st, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	return connect.NewResponse(st), nil
}

// Summary returns the session id, counters and fault.
func (s *Server) Summary(ctx context.Context, req *connect.Request[emptypb.Empty]) (*connect.Response[structpb.Struct], error) {
	r := s.res
	fields := map[string]any{
		"session":       r.ID,
		"edges":         len(r.Lines),
		"blocks":        r.Blocks,
		"passes":        r.Passes,
		"symbols":       r.Symbols,
		"devices":       r.Devices,
		"reads":         r.Stats.Reads,
		"writes":        r.Stats.Writes,
		"invalid":       r.Stats.Invalid,
		"skipped":       r.Stats.Skipped,
		"fetch_errors":  r.Stats.FetchErrors,
		"device_errors": r.Stats.DeviceErrors,
	}
	if r.Fault != nil {
		fields["fault"] = r.Fault.Error()
		fields["fault_pc"] = glog.Hex(uint64(r.Fault.PC))
	}
	if r.Custom != nil {
		fields["v1"] = glog.Hex(uint64(r.Custom.V1))
		fields["v2"] = glog.Hex(uint64(r.Custom.V2))
	}
	st, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	return connect.NewResponse(st), nil
}

// ListenAndServe serves h over cleartext HTTP/2 (and HTTP/1.1) until ctx
// is cancelled.
func ListenAndServe(ctx context.Context, addr string, h http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h2c.NewHandler(h, &http2.Server{}),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	log := glog.Get().WithCategory("rpc")

	errc := make(chan error, 1)
	go func() {
		log.Info("listening", zap.String("addr", addr))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			return err
		}
		if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
