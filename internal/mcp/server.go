package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/earlbot/earl/internal/log"
)

// ToolHandler handles one tool call. threadID identifies the chat thread
// whose session issued the call, recovered from the request path.
type ToolHandler func(ctx context.Context, threadID string, args json.RawMessage) (*ToolCallResult, error)

// Server is a JSON-RPC 2.0 MCP server over HTTP. Each assistant process
// connects to /mcp/<thread_id> so tool handlers know which thread they
// are serving.
type Server struct {
	info ImplementationInfo

	mu       sync.RWMutex
	tools    map[string]Tool
	handlers map[string]ToolHandler

	listener net.Listener
	httpSrv  *http.Server
}

// NewServer creates an MCP server. Call Start to begin listening.
func NewServer(name, version string) *Server {
	return &Server{
		info:     ImplementationInfo{Name: name, Version: version},
		tools:    make(map[string]Tool),
		handlers: make(map[string]ToolHandler),
	}
}

// RegisterTool registers a tool with its handler.
func (s *Server) RegisterTool(tool Tool, handler ToolHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tools[tool.Name] = tool
	s.handlers[tool.Name] = handler
	log.Debug(log.CatMCP, "registered tool", "name", tool.Name)
}

// Start binds a loopback listener on an ephemeral port and serves until
// Stop. Returns the bound port.
func (s *Server) Start() (int, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("binding mcp listener: %w", err)
	}
	s.listener = listener

	mux := http.NewServeMux()
	mux.Handle("/mcp/", s.handler())
	s.httpSrv = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		if err := s.httpSrv.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.ErrorErr(log.CatMCP, "mcp server stopped", err)
		}
	}()

	port := listener.Addr().(*net.TCPAddr).Port
	log.Info(log.CatMCP, "mcp server listening", "port", port)
	return port, nil
}

// Stop shuts the HTTP server down.
func (s *Server) Stop(ctx context.Context) {
	if s.httpSrv != nil {
		_ = s.httpSrv.Shutdown(ctx)
	}
}

// URLFor returns the endpoint an assistant for the given thread should
// connect to.
func URLFor(port int, threadID string) string {
	return fmt.Sprintf("http://localhost:%d/mcp/%s", port, threadID)
}

func (s *Server) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		threadID := strings.TrimPrefix(r.URL.Path, "/mcp/")

		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "Failed to read request", http.StatusBadRequest)
			return
		}

		response := s.handleRequestBytes(r.Context(), threadID, body)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write(response); err != nil {
			log.Debug(log.CatMCP, "writing response", "error", err)
		}
	})
}

// handleRequestBytes processes one JSON-RPC message and returns the
// response bytes. Notifications get an empty object back.
func (s *Server) handleRequestBytes(ctx context.Context, threadID string, body []byte) []byte {
	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		data, _ := json.Marshal(NewErrorResponse(nil, NewParseError(err.Error())))
		return data
	}

	if len(req.ID) == 0 || string(req.ID) == "null" {
		// Notification: nothing to do beyond acknowledging.
		log.Debug(log.CatMCP, "notification", "method", req.Method)
		return []byte("{}")
	}

	var result any
	var rpcErr *RPCError

	switch req.Method {
	case "initialize":
		result = InitializeResult{
			ProtocolVersion: ProtocolVersion,
			Capabilities:    ServerCapability{Tools: &ToolsCapability{}},
			ServerInfo:      s.info,
		}
	case "tools/list":
		result = s.toolsList()
	case "tools/call":
		result, rpcErr = s.toolsCall(ctx, threadID, req.Params)
	case "ping":
		result = struct{}{}
	default:
		rpcErr = NewMethodNotFound(req.Method)
	}

	var resp *Response
	if rpcErr != nil {
		resp = NewErrorResponse(req.ID, rpcErr)
	} else {
		resp = NewResponse(req.ID, result)
	}
	data, _ := json.Marshal(resp)
	return data
}

func (s *Server) toolsList() ToolsListResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tools := make([]Tool, 0, len(s.tools))
	for _, tool := range s.tools {
		tools = append(tools, tool)
	}
	return ToolsListResult{Tools: tools}
}

func (s *Server) toolsCall(ctx context.Context, threadID string, params json.RawMessage) (any, *RPCError) {
	var p ToolCallParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, NewInvalidParams(err.Error())
	}

	s.mu.RLock()
	handler, ok := s.handlers[p.Name]
	s.mu.RUnlock()
	if !ok {
		return nil, NewToolNotFound(p.Name)
	}

	log.Debug(log.CatMCP, "calling tool", "name", p.Name, "thread", threadID)
	result, err := handler(ctx, threadID, p.Arguments)
	if err != nil {
		// Tool failures surface as tool results, not RPC errors.
		return ErrorResult(err.Error()), nil
	}
	return result, nil
}
