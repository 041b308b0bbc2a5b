package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/brycewcole/capsule-agents-sub000/internal/a2a"
	otelPkg "github.com/brycewcole/capsule-agents-sub000/internal/otel"
)

type wsClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsClient) write(ctx context.Context, v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return wsjson.Write(ctx, c.conn, v)
}

// handleWS serves the JSON-RPC methods over a WebSocket. Streaming methods
// send one frame per event with the request id; several may run at once.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	opts := &websocket.AcceptOptions{}
	if len(s.cfg.AllowOrigins) > 0 {
		// Same-origin requests are always allowed by the websocket library.
		opts.OriginPatterns = s.cfg.AllowOrigins
	} else {
		opts.InsecureSkipVerify = true
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		s.logger.Warn("ws: accept failed", "error", err)
		return
	}
	c := &wsClient{conn: conn}
	ctx, cancel := context.WithCancel(r.Context())
	var streams sync.WaitGroup
	s.logger.Info("ws: client connected")
	defer func() {
		cancel()
		streams.Wait()
		s.logger.Info("ws: client disconnecting")
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	for {
		var raw json.RawMessage
		if err := wsjson.Read(ctx, conn, &raw); err != nil {
			if websocket.CloseStatus(err) != websocket.StatusNormalClosure && !errors.Is(err, context.Canceled) {
				s.logger.Debug("ws: read error, closing", "error", err)
			}
			return
		}
		req, rpcErr := decodeRequest(raw)
		if rpcErr != nil {
			_ = c.write(ctx, &a2a.JSONRPCResponse{JSONRPC: "2.0", ID: req.ID, Error: rpcErr})
			continue
		}
		s.logger.Info("ws: request", "method", req.Method)

		if isStreamingMethod(req.Method) {
			streams.Add(1)
			go func() {
				defer streams.Done()
				s.serveWSStream(ctx, c, req)
			}()
			continue
		}
		reqCtx, span := otelPkg.StartServerSpan(ctx, s.tracer, "ws "+req.Method,
			otelPkg.AttrRPCMethod.String(req.Method))
		result, rpcErr := s.call(reqCtx, req)
		span.End()
		resp := a2a.NewResponse(req.ID, result)
		if rpcErr != nil {
			resp = &a2a.JSONRPCResponse{JSONRPC: "2.0", ID: req.ID, Error: rpcErr}
		}
		if err := c.write(ctx, resp); err != nil {
			s.logger.Debug("ws: write response error", "method", req.Method, "error", err)
			return
		}
	}
}

func (s *Server) serveWSStream(ctx context.Context, c *wsClient, req a2a.JSONRPCRequest) {
	ctx, span := otelPkg.StartServerSpan(ctx, s.tracer, "ws "+req.Method,
		otelPkg.AttrRPCMethod.String(req.Method))
	defer span.End()
	items, rpcErr := s.openStream(ctx, req)
	if rpcErr != nil {
		_ = c.write(ctx, &a2a.JSONRPCResponse{JSONRPC: "2.0", ID: req.ID, Error: rpcErr})
		return
	}
	for item := range items {
		if err := c.write(ctx, &a2a.JSONRPCResponse{JSONRPC: "2.0", ID: req.ID, Result: item.Result, Error: item.Err}); err != nil {
			s.logger.Debug("ws: stream write failed", "method", req.Method, "error", err)
			for range items {
			}
			return
		}
	}
}
