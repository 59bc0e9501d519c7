package server

import "net/http"

func (s *Server) handleOrphanScan(w http.ResponseWriter, r *http.Request) {
	result, err := s.deps.Scanner.Scan(r.Context(), userID(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
