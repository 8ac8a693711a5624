package storage

import (
	"encoding/json"
	"net/http"
	"strconv"
)

const defaultSearchLimit = 10

// SearchHandler serves GET /api/history/search?q=...&limit=N over the
// clue similarity index.
func (s *Store) SearchHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query().Get("q")
		if query == "" {
			http.Error(w, `missing "q" parameter`, http.StatusBadRequest)
			return
		}

		limit := defaultSearchLimit
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 || n > 100 {
				http.Error(w, `"limit" must be between 1 and 100`, http.StatusBadRequest)
				return
			}
			limit = n
		}

		matches, err := s.SearchSimilarClues(r.Context(), query, limit)
		if err != nil {
			s.log.Error("history search failed", "error", err)
			http.Error(w, "search failed", http.StatusInternalServerError)
			return
		}
		if matches == nil {
			matches = []ClueMatch{}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(matches)
	}
}
