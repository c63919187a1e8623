package rpc

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"connectrpc.com/connect"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/zboralski/bootrace/internal/trace"
)

// Client queries a Server.
type Client struct {
	edges   *connect.Client[emptypb.Empty, structpb.ListValue]
	lookup  *connect.Client[wrapperspb.UInt32Value, wrapperspb.StringValue]
	summary *connect.Client[emptypb.Empty, structpb.Struct]
	symbols *connect.Client[emptypb.Empty, structpb.Struct]
}

// NewClient creates a client for the server at baseURL.
func NewClient(hc connect.HTTPClient, baseURL string, opts ...connect.ClientOption) *Client {
	baseURL = strings.TrimSuffix(baseURL, "/")
	return &Client{
		edges:   connect.NewClient[emptypb.Empty, structpb.ListValue](hc, baseURL+EdgesProcedure, opts...),
		lookup:  connect.NewClient[wrapperspb.UInt32Value, wrapperspb.StringValue](hc, baseURL+LookupProcedure, opts...),
		summary: connect.NewClient[emptypb.Empty, structpb.Struct](hc, baseURL+SummaryProcedure, opts...),
		symbols: connect.NewClient[emptypb.Empty, structpb.Struct](hc, baseURL+SymbolsProcedure, opts...),
	}
}

// Edges fetches the rendered trace.
func (c *Client) Edges(ctx context.Context) ([]trace.Line, error) {
	resp, err := c.edges.CallUnary(ctx, connect.NewRequest(&emptypb.Empty{}))
	if err != nil {
		return nil, err
	}
	var lines []trace.Line
	for i, v := range resp.Msg.GetValues() {
		f := v.GetStructValue().GetFields()
		from, err := parseHex(f["from"].GetStringValue())
		if err != nil {
			return nil, fmt.Errorf("edge %d: %w", i, err)
		}
		to, err := parseHex(f["to"].GetStringValue())
		if err != nil {
			return nil, fmt.Errorf("edge %d: %w", i, err)
		}
		lines = append(lines, trace.Line{From: from, To: to, Label: f["label"].GetStringValue()})
	}
	return lines, nil
}

// Lookup names addr. A missing symbol is a connect.CodeNotFound error.
func (c *Client) Lookup(ctx context.Context, addr uint32) (string, error) {
	resp, err := c.lookup.CallUnary(ctx, connect.NewRequest(wrapperspb.UInt32(addr)))
	if err != nil {
		return "", err
	}
	return resp.Msg.GetValue(), nil
}

// Summary fetches the session counters.
func (c *Client) Summary(ctx context.Context) (map[string]any, error) {
	resp, err := c.summary.CallUnary(ctx, connect.NewRequest(&emptypb.Empty{}))
	if err != nil {
		return nil, err
	}
	return resp.Msg.AsMap(), nil
}

// Symbols fetches the symbol table keyed by hex address.
func (c *Client) Symbols(ctx context.Context) (map[string]any, error) {
	resp, err := c.symbols.CallUnary(ctx, connect.NewRequest(&emptypb.Empty{}))
	if err != nil {
		return nil, err
	}
	return resp.Msg.AsMap(), nil
}

func parseHex(s string) (uint32, error) {
	v, err := strconv.ParseUint(strings.TrimPrefix(s, "0x"), 16, 32)
	if err != nil {
		return 0, err
	}
	return uint32(v), nil
}
