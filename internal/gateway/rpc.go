package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/codes"

	"github.com/brycewcole/capsule-agents-sub000/internal/a2a"
	"github.com/brycewcole/capsule-agents-sub000/internal/bus"
	"github.com/brycewcole/capsule-agents-sub000/internal/engine"
	otelPkg "github.com/brycewcole/capsule-agents-sub000/internal/otel"
	"github.com/brycewcole/capsule-agents-sub000/internal/persistence"
	"github.com/brycewcole/capsule-agents-sub000/internal/shared"
	"github.com/brycewcole/capsule-agents-sub000/internal/tasks"
)

// streamItem is one frame of a streaming method: a result or an error.
type streamItem struct {
	Result any
	Err    *a2a.JSONRPCError
}

func isStreamingMethod(method string) bool {
	return method == a2a.MethodMessageStream || method == a2a.MethodTasksResubscribe
}

// handleJSONRPC serves POST /. Streaming methods answer with SSE, the rest
// with a single JSON-RPC response.
func (s *Server) handleJSONRPC(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeJSON(w, http.StatusRequestEntityTooLarge, a2a.NewErrorResponse(nil, a2a.ErrCodeInvalidRequest, "request body too large"))
		return
	}
	if err != nil {
		writeJSON(w, http.StatusOK, a2a.NewErrorResponse(nil, a2a.ErrCodeParseError, "could not read request body"))
		return
	}
	req, rpcErr := decodeRequest(body)
	if rpcErr != nil {
		writeJSON(w, http.StatusOK, &a2a.JSONRPCResponse{JSONRPC: "2.0", ID: req.ID, Error: rpcErr})
		return
	}

	ctx, span := otelPkg.StartServerSpan(r.Context(), s.tracer, "rpc "+req.Method,
		otelPkg.AttrRPCMethod.String(req.Method))
	defer span.End()
	s.logger.Info("rpc request", "method", req.Method, "trace_id", shared.TraceID(ctx))

	if isStreamingMethod(req.Method) {
		items, rpcErr := s.openStream(ctx, req)
		if rpcErr != nil {
			span.SetStatus(codes.Error, rpcErr.Message)
			writeJSON(w, http.StatusOK, &a2a.JSONRPCResponse{JSONRPC: "2.0", ID: req.ID, Error: rpcErr})
			return
		}
		s.writeSSE(ctx, w, req.ID, items)
		return
	}

	result, rpcErr := s.call(ctx, req)
	if rpcErr != nil {
		span.SetStatus(codes.Error, rpcErr.Message)
		writeJSON(w, http.StatusOK, &a2a.JSONRPCResponse{JSONRPC: "2.0", ID: req.ID, Error: rpcErr})
		return
	}
	writeJSON(w, http.StatusOK, a2a.NewResponse(req.ID, result))
}

func decodeRequest(body []byte) (a2a.JSONRPCRequest, *a2a.JSONRPCError) {
	var req a2a.JSONRPCRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return req, &a2a.JSONRPCError{Code: a2a.ErrCodeParseError, Message: "invalid JSON"}
	}
	if req.JSONRPC != "2.0" || strings.TrimSpace(req.Method) == "" {
		return req, &a2a.JSONRPCError{Code: a2a.ErrCodeInvalidRequest, Message: "invalid JSON-RPC request"}
	}
	return req, nil
}

// call dispatches a unary method.
func (s *Server) call(ctx context.Context, req a2a.JSONRPCRequest) (any, *a2a.JSONRPCError) {
	switch req.Method {
	case a2a.MethodMessageSend:
		return s.sendMessage(ctx, req.Params)
	case a2a.MethodTasksGet:
		var p a2a.TaskQueryParams
		if err := decodeParams(req.Params, &p); err != nil || p.ID == "" {
			return nil, invalidParams("id is required")
		}
		task, err := s.cfg.Agent.GetTask(ctx, p.ID, p.HistoryLength)
		if err != nil {
			return nil, rpcErrorFor(err)
		}
		return task, nil
	case a2a.MethodTasksCancel:
		var p a2a.TaskIDParams
		if err := decodeParams(req.Params, &p); err != nil || p.ID == "" {
			return nil, invalidParams("id is required")
		}
		task, err := s.cfg.Agent.CancelTask(ctx, p.ID)
		if err != nil {
			return nil, rpcErrorFor(err)
		}
		return task, nil
	case a2a.MethodPushConfigSet:
		return s.setPushConfig(ctx, req.Params)
	case a2a.MethodPushConfigGet:
		var p a2a.TaskIDParams
		if err := decodeParams(req.Params, &p); err != nil || p.ID == "" {
			return nil, invalidParams("id is required")
		}
		pc, err := s.cfg.Store.GetPushConfig(ctx, p.ID)
		if errors.Is(err, persistence.ErrNotFound) {
			if _, terr := s.cfg.Agent.GetTask(ctx, p.ID, intPtr(0)); terr != nil {
				return nil, rpcErrorFor(terr)
			}
			return nil, invalidParams("no push notification config for task")
		}
		if err != nil {
			return nil, rpcErrorFor(err)
		}
		return a2a.TaskPushNotificationConfig{
			TaskID:                 pc.TaskID,
			PushNotificationConfig: a2a.PushNotificationConfig{URL: pc.URL, Token: pc.Token},
		}, nil
	case a2a.MethodMessageStream, a2a.MethodTasksResubscribe:
		return nil, &a2a.JSONRPCError{Code: a2a.ErrCodeInvalidRequest, Message: req.Method + " requires a streaming transport"}
	default:
		return nil, &a2a.JSONRPCError{Code: a2a.ErrCodeMethodNotFound, Message: "method not found: " + req.Method}
	}
}

// openStream starts a streaming method. Errors that occur before the first
// frame are returned directly.
func (s *Server) openStream(ctx context.Context, req a2a.JSONRPCRequest) (<-chan streamItem, *a2a.JSONRPCError) {
	switch req.Method {
	case a2a.MethodMessageStream:
		return s.streamMessage(ctx, req.Params)
	case a2a.MethodTasksResubscribe:
		return s.resubscribe(ctx, req.Params)
	default:
		return nil, &a2a.JSONRPCError{Code: a2a.ErrCodeMethodNotFound, Message: "method not found: " + req.Method}
	}
}

func (s *Server) decodeSendParams(raw json.RawMessage) (a2a.MessageSendParams, *a2a.JSONRPCError) {
	var p a2a.MessageSendParams
	if err := s.validateSendParams(raw); err != nil {
		return p, &a2a.JSONRPCError{Code: a2a.ErrCodeInvalidParams, Message: "invalid params", Data: err.Error()}
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, invalidParams(err.Error())
	}
	return p, nil
}

func sendRequest(p a2a.MessageSendParams) engine.SendRequest {
	return engine.SendRequest{ContextID: p.Message.ContextID, Message: p.Message, Metadata: p.Metadata}
}

func historyLength(p a2a.MessageSendParams) *int {
	if p.Configuration == nil {
		return nil
	}
	return p.Configuration.HistoryLength
}

// sendMessage runs message/send. A non-blocking call returns as soon as the
// task exists and lets the turn finish in the background.
func (s *Server) sendMessage(ctx context.Context, raw json.RawMessage) (any, *a2a.JSONRPCError) {
	p, rpcErr := s.decodeSendParams(raw)
	if rpcErr != nil {
		return nil, rpcErr
	}
	blocking := p.Configuration == nil || p.Configuration.Blocking == nil || *p.Configuration.Blocking
	turnCtx := ctx
	if !blocking {
		turnCtx = context.WithoutCancel(ctx)
	}
	events, err := s.cfg.Agent.SendMessageStream(turnCtx, sendRequest(p))
	if err != nil {
		return nil, rpcErrorFor(err)
	}

	var (
		taskID string
		msg    *a2a.Message
		runErr error
	)
	for ev := range events {
		switch {
		case ev.Task != nil:
			taskID = ev.Task.ID
			s.registerPush(ctx, taskID, p)
			if !blocking {
				go drain(events)
				return ev.Task, nil
			}
		case ev.Status != nil:
			taskID = ev.Status.TaskID
		case ev.Message != nil:
			msg = ev.Message
		case ev.Err != nil:
			runErr = ev.Err
		}
	}
	if runErr != nil {
		return nil, rpcErrorFor(runErr)
	}
	if taskID != "" {
		task, err := s.cfg.Agent.GetTask(context.WithoutCancel(ctx), taskID, historyLength(p))
		if err != nil {
			return nil, rpcErrorFor(err)
		}
		return task, nil
	}
	if msg != nil {
		return msg, nil
	}
	return nil, rpcErrorFor(ctx.Err())
}

func (s *Server) streamMessage(ctx context.Context, raw json.RawMessage) (<-chan streamItem, *a2a.JSONRPCError) {
	p, rpcErr := s.decodeSendParams(raw)
	if rpcErr != nil {
		return nil, rpcErr
	}
	events, err := s.cfg.Agent.SendMessageStream(ctx, sendRequest(p))
	if err != nil {
		return nil, rpcErrorFor(err)
	}
	out := make(chan streamItem)
	go func() {
		defer close(out)
		for ev := range events {
			if ev.Task != nil {
				s.registerPush(ctx, ev.Task.ID, p)
			}
			item := streamItem{Result: ev.Result()}
			if ev.Err != nil {
				item = streamItem{Err: rpcErrorFor(ev.Err)}
			}
			select {
			case out <- item:
			case <-ctx.Done():
				drain(events)
				return
			}
		}
	}()
	return out, nil
}

// resubscribe streams a task's current snapshot and then its live status
// and artifact events until a final status.
func (s *Server) resubscribe(ctx context.Context, raw json.RawMessage) (<-chan streamItem, *a2a.JSONRPCError) {
	var p a2a.TaskQueryParams
	if err := decodeParams(raw, &p); err != nil || p.ID == "" {
		return nil, invalidParams("id is required")
	}
	if s.cfg.Bus == nil {
		return nil, &a2a.JSONRPCError{Code: a2a.ErrCodeInternal, Message: "streaming not available"}
	}
	// Subscribe before reading the snapshot so no transition is missed.
	sub := s.cfg.Bus.Subscribe(bus.TopicTaskPrefix, bus.ForTask(p.ID))
	task, err := s.cfg.Agent.GetTask(ctx, p.ID, p.HistoryLength)
	if err != nil {
		sub.Close()
		return nil, rpcErrorFor(err)
	}

	out := make(chan streamItem)
	go func() {
		defer close(out)
		defer sub.Close()
		send := func(v any) bool {
			select {
			case out <- streamItem{Result: v}:
				return true
			case <-ctx.Done():
				return false
			}
		}
		if !send(task) {
			return
		}
		if task.Status.State.IsTerminal() {
			send(&a2a.TaskStatusUpdateEvent{
				Kind:      a2a.KindStatusUpdate,
				TaskID:    task.ID,
				ContextID: task.ContextID,
				Status:    task.Status,
				Final:     true,
			})
			return
		}
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-sub.Ch():
				if !ok {
					return
				}
				switch pl := ev.Payload.(type) {
				case bus.TaskStatusEvent:
					e := pl.Event
					if !send(&e) || e.Final {
						return
					}
				case bus.TaskArtifactEvent:
					e := pl.Event
					if !send(&e) {
						return
					}
				}
			}
		}
	}()
	return out, nil
}

func (s *Server) setPushConfig(ctx context.Context, raw json.RawMessage) (any, *a2a.JSONRPCError) {
	var p a2a.TaskPushNotificationConfig
	if err := decodeParams(raw, &p); err != nil || p.TaskID == "" {
		return nil, invalidParams("taskId is required")
	}
	if strings.TrimSpace(p.PushNotificationConfig.URL) == "" {
		return nil, invalidParams("pushNotificationConfig.url is required")
	}
	if _, err := s.cfg.Agent.GetTask(ctx, p.TaskID, intPtr(0)); err != nil {
		return nil, rpcErrorFor(err)
	}
	if _, err := s.cfg.Store.SetPushConfig(ctx, persistence.PushConfig{
		TaskID: p.TaskID,
		URL:    p.PushNotificationConfig.URL,
		Token:  p.PushNotificationConfig.Token,
	}); err != nil {
		return nil, rpcErrorFor(err)
	}
	return p, nil
}

// registerPush stores the push target supplied with message/send. Failure is
// logged; the turn carries on without it.
func (s *Server) registerPush(ctx context.Context, taskID string, p a2a.MessageSendParams) {
	if p.Configuration == nil || p.Configuration.PushConfig == nil {
		return
	}
	pc := p.Configuration.PushConfig
	if _, err := s.cfg.Store.SetPushConfig(context.WithoutCancel(ctx), persistence.PushConfig{
		TaskID: taskID,
		URL:    pc.URL,
		Token:  pc.Token,
	}); err != nil {
		s.logger.Warn("push config not stored", "task_id", taskID, "error", err)
	}
}

// rpcErrorFor maps engine and task errors onto JSON-RPC codes. Unexpected
// errors are sanitized so provider details never reach the client.
func rpcErrorFor(err error) *a2a.JSONRPCError {
	switch {
	case err == nil:
		return &a2a.JSONRPCError{Code: a2a.ErrCodeInternal, Message: "turn ended without a result"}
	case errors.Is(err, engine.ErrInvalidContext):
		return &a2a.JSONRPCError{Code: a2a.ErrCodeInvalidParams, Message: err.Error()}
	case errors.Is(err, tasks.ErrTaskNotFound):
		return &a2a.JSONRPCError{Code: a2a.ErrCodeTaskNotFound, Message: err.Error()}
	case errors.Is(err, tasks.ErrInvalidState):
		return &a2a.JSONRPCError{Code: a2a.ErrCodeTaskNotCancelable, Message: err.Error()}
	default:
		return &a2a.JSONRPCError{Code: a2a.ErrCodeInternal, Message: engine.SanitizeError(err)}
	}
}

func invalidParams(msg string) *a2a.JSONRPCError {
	return &a2a.JSONRPCError{Code: a2a.ErrCodeInvalidParams, Message: msg}
}

func decodeParams(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return errors.New("params are required")
	}
	return json.Unmarshal(raw, v)
}

func drain(events <-chan engine.Event) {
	for range events {
	}
}

func intPtr(v int) *int { return &v }
