package server

import "net/http"

// Routes returns a ServeMux with every application endpoint.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/", HealthHandler)
	mux.HandleFunc("/healthz", HealthHandler)
	mux.HandleFunc("/ws", s.WebSocketHandler)
	mux.Handle("/upload", s.uploads)
	mux.Handle("/uploads/", uploadsFileServer(s.cfg.UploadDir))
	return mux
}
