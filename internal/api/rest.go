package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/eugeniagram/eugeniagram/internal/common/utils"
	"github.com/eugeniagram/eugeniagram/internal/store"
)

// GET /rest/v1/{table}
func (s *Server) selectRows(w http.ResponseWriter, r *http.Request) {
	table := mux.Vars(r)["table"]

	q, err := store.ParseQuery(r.URL.Query())
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	if err := s.policy.Select(r.Context(), table, q); err != nil {
		writeError(w, s.log, err)
		return
	}

	var rows []store.Row
	if err := s.backend.Select(r.Context(), table, q, &rows); err != nil {
		writeError(w, s.log, err)
		return
	}
	utils.SuccessResponse(w, rows, http.StatusOK)
}

// POST /rest/v1/{table} with an object or a list of objects
func (s *Server) insertRows(w http.ResponseWriter, r *http.Request) {
	table := mux.Vars(r)["table"]

	var body interface{}
	if err := utils.DecodeJSON(w, r, &body, maxJSONBody); err != nil {
		writeError(w, s.log, fmt.Errorf("%w: %v", store.ErrInvalidInput, err))
		return
	}
	rows, err := store.ToRows(body)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	if err := s.policy.Insert(r.Context(), table, rows); err != nil {
		writeError(w, s.log, err)
		return
	}

	var inserted []store.Row
	if err := s.backend.Insert(r.Context(), table, rows, &inserted); err != nil {
		writeError(w, s.log, err)
		return
	}
	utils.SuccessResponse(w, inserted, http.StatusCreated)
}

// PATCH /rest/v1/{table}?col=op.value
func (s *Server) updateRows(w http.ResponseWriter, r *http.Request) {
	table := mux.Vars(r)["table"]

	q, err := store.ParseQuery(r.URL.Query())
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	var values store.Row
	if err := utils.DecodeJSON(w, r, &values, maxJSONBody); err != nil {
		writeError(w, s.log, fmt.Errorf("%w: %v", store.ErrInvalidInput, err))
		return
	}

	filters, err := s.policy.Update(r.Context(), table, values, q.Filters)
	if err != nil {
		writeError(w, s.log, err)
		return
	}

	var updated []store.Row
	if err := s.backend.Update(r.Context(), table, values, filters, &updated); err != nil {
		writeError(w, s.log, err)
		return
	}
	utils.SuccessResponse(w, updated, http.StatusOK)
}

// DELETE /rest/v1/{table}?col=op.value
func (s *Server) deleteRows(w http.ResponseWriter, r *http.Request) {
	table := mux.Vars(r)["table"]

	q, err := store.ParseQuery(r.URL.Query())
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	filters, err := s.policy.Delete(r.Context(), table, q.Filters)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	if err := s.backend.Delete(r.Context(), table, filters); err != nil {
		writeError(w, s.log, err)
		return
	}
	utils.MessageResponse(w, "deleted", http.StatusOK)
}

// POST /rest/v1/rpc/{name}
func (s *Server) rpc(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if _, ok := store.CallerFrom(r.Context()); !ok {
		writeError(w, s.log, store.ErrUnauthorized)
		return
	}

	var params json.RawMessage
	if r.ContentLength != 0 {
		if err := utils.DecodeJSON(w, r, &params, maxJSONBody); err != nil {
			writeError(w, s.log, fmt.Errorf("%w: %v", store.ErrInvalidInput, err))
			return
		}
	}

	var result json.RawMessage
	if err := s.backend.RPC(r.Context(), name, params, &result); err != nil {
		writeError(w, s.log, err)
		return
	}
	utils.SuccessResponse(w, result, http.StatusOK)
}

// POST /storage/v1/object/{bucket}/{path}
func (s *Server) upload(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	bucket, objectPath := vars["bucket"], vars["path"]

	if err := s.policy.Upload(r.Context(), objectPath); err != nil {
		writeError(w, s.log, err)
		return
	}

	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	url, err := s.storage.Upload(r.Context(), bucket, objectPath, r.Body, contentType)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	utils.SuccessResponse(w, map[string]string{"url": url}, http.StatusCreated)
}
