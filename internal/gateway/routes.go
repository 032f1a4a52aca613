package gateway

import "net/http"

// registerRoutes wires every endpoint. /health stays open for probes
// and the webhook authenticates with its own platform signature;
// everything else sits behind the bearer token when one is configured.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("POST /api/chat", s.requireAuth(s.handleChat))
	mux.HandleFunc("POST /api/execute", s.requireAuth(s.handleExecute))
	mux.HandleFunc("POST /api/clear", s.requireAuth(s.handleClear))
	mux.HandleFunc("GET /api/channels", s.requireAuth(s.handleChannels))

	mux.HandleFunc("GET /ws/chat", s.requireAuth(s.handleChatSocket))

	if s.webhook != nil {
		mux.Handle("POST /webhook/feishu", s.webhook)
	}

	mux.HandleFunc("/", handleNotFound)
}
