package transport

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/labqms/internal/sequence"
	"github.com/pitabwire/labqms/model"
)

type identifierResponse struct {
	Identifier string `json:"identifier"`
	Prefix     string `json:"prefix"`
	Year       int    `json:"year"`
	Sequence   int64  `json:"sequence"`
}

func newIdentifierResponse(id sequence.Identifier) identifierResponse {
	return identifierResponse{
		Identifier: id.String(),
		Prefix:     id.Prefix,
		Year:       id.Year,
		Sequence:   id.Sequence,
	}
}

func handleSequenceNext(numbers *sequence.Generator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := numbers.Issue(r.Context(), chi.URLParam(r, "kind"))
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusCreated, newIdentifierResponse(id))
	}
}

func handleSequenceCurrent(numbers *sequence.Generator, now func() time.Time) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		kind := chi.URLParam(r, "kind")
		scheme, ok := numbers.Scheme(kind)
		if !ok {
			WriteError(w, r, model.NewBadRequestError(fmt.Sprintf("no numbering scheme for kind %q", kind)))
			return
		}
		year := queryInt(r, "year", now().Year())

		value, err := numbers.Peek(r.Context(), scheme.Prefix, year)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{
			"prefix":  scheme.Prefix,
			"year":    year,
			"current": value,
		})
	}
}

func handleIdentifierParse(numbers *sequence.Generator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := numbers.Parse(chi.URLParam(r, "identifier"))
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, newIdentifierResponse(id))
	}
}

// queryInt reads a non-negative integer query parameter, falling back to def.
func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}
