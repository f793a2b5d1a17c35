package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/labqms/internal/document"
	"github.com/pitabwire/labqms/internal/version"
	"github.com/pitabwire/labqms/model"
)

type revisionResponse struct {
	Document model.VersionedEntity `json:"document"`
	Revision model.RevisionRecord  `json:"revision"`
}

func handleDocumentCreate(svc *document.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Title       string `json:"title"`
			Owner       string `json:"owner"`
			Description string `json:"description"`
		}
		if err := decodeJSON(r, &body); err != nil {
			WriteError(w, r, err)
			return
		}

		doc, rev, err := svc.Create(r.Context(), model.RequestContextFrom(r.Context()), document.CreateRequest{
			Title:       body.Title,
			Owner:       body.Owner,
			Description: body.Description,
		})
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusCreated, revisionResponse{Document: doc, Revision: rev})
	}
}

func handleDocumentList(svc *document.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		docs, err := svc.List(r.Context(), version.ListFilters{
			Status: model.EntityStatus(r.URL.Query().Get("status")),
			Limit:  queryInt(r, "limit", 0),
			Offset: queryInt(r, "offset", 0),
		})
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"data": docs})
	}
}

func handleDocumentGet(svc *document.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doc, err := svc.Get(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, doc)
	}
}

func handleDocumentSign(svc *document.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Role     string `json:"role"`
			Approved *bool  `json:"approved"`
			Comments string `json:"comments"`
			Payload  string `json:"payload"`
		}
		if err := decodeJSON(r, &body); err != nil {
			WriteError(w, r, err)
			return
		}
		approved, err := requireVerdict(body.Approved)
		if err != nil {
			WriteError(w, r, err)
			return
		}

		res, err := svc.Sign(r.Context(), model.RequestContextFrom(r.Context()), chi.URLParam(r, "id"), document.SignRequest{
			Role:     model.Role(body.Role),
			Approved: approved,
			Comments: body.Comments,
			Payload:  []byte(body.Payload),
		})
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusCreated, res)
	}
}

func handleDocumentSignatures(svc *document.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sigs, err := svc.Signatures(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"data": sigs})
	}
}

func handleDocumentRevise(svc *document.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			IsMajor           bool   `json:"is_major"`
			ChangeDescription string `json:"change_description"`
		}
		if err := decodeJSON(r, &body); err != nil {
			WriteError(w, r, err)
			return
		}

		doc, rev, err := svc.Revise(r.Context(), model.RequestContextFrom(r.Context()), chi.URLParam(r, "id"), body.IsMajor, body.ChangeDescription)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusCreated, revisionResponse{Document: doc, Revision: rev})
	}
}

func handleDocumentHistory(svc *document.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		revs, err := svc.History(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"data": revs})
	}
}

func handleDocumentEffective(svc *document.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doc, err := svc.MarkEffective(r.Context(), model.RequestContextFrom(r.Context()), chi.URLParam(r, "id"))
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, doc)
	}
}

func handleDocumentObsolete(svc *document.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doc, err := svc.MarkObsolete(r.Context(), model.RequestContextFrom(r.Context()), chi.URLParam(r, "id"))
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, doc)
	}
}
