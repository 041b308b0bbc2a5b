package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/brycewcole/capsule-agents-sub000/internal/a2a"
)

// sseKeepAlive is how often an idle stream gets a comment line so proxies
// keep the connection open.
const sseKeepAlive = 15 * time.Second

// writeSSE writes each item as a JSON-RPC response in its own SSE data
// frame, all carrying the request id, until items closes or the client leaves.
func (s *Server) writeSSE(ctx context.Context, w http.ResponseWriter, id any, items <-chan streamItem) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusOK, a2a.NewErrorResponse(id, a2a.ErrCodeInternal, "streaming not supported"))
		go func() {
			for range items {
			}
		}()
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepAlive := time.NewTicker(sseKeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("sse: client disconnected")
			return
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case item, ok := <-items:
			if !ok {
				return
			}
			resp := &a2a.JSONRPCResponse{JSONRPC: "2.0", ID: id, Result: item.Result, Error: item.Err}
			data, err := json.Marshal(resp)
			if err != nil {
				s.logger.Error("sse: marshal event", "error", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
				s.logger.Debug("sse: write failed (client disconnected?)", "error", err)
				return
			}
			flusher.Flush()
		}
	}
}
