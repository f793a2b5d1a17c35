package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/labqms/internal/workflow"
	"github.com/pitabwire/labqms/model"
)

func handleWorkflowCreate(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Subject        model.Subject `json:"subject"`
			SubjectVersion string        `json:"subject_version"`
			DoerID         string        `json:"doer_id"`
			CheckerID      string        `json:"checker_id"`
			ApproverID     string        `json:"approver_id"`
		}
		if err := decodeJSON(r, &body); err != nil {
			WriteError(w, r, err)
			return
		}

		var v model.Version
		if body.SubjectVersion != "" {
			parsed, err := model.ParseVersion(body.SubjectVersion)
			if err != nil {
				WriteError(w, r, model.NewValidationError([]model.FieldError{
					{Field: "subject_version", Code: "INVALID", Message: err.Error()},
				}))
				return
			}
			v = parsed
		}

		inst, err := engine.Create(r.Context(), model.RequestContextFrom(r.Context()), workflow.CreateRequest{
			Subject:        body.Subject,
			SubjectVersion: v,
			DoerID:         body.DoerID,
			CheckerID:      body.CheckerID,
			ApproverID:     body.ApproverID,
		})
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusCreated, inst)
	}
}

func handleWorkflowGet(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		inst, err := engine.Get(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, inst)
	}
}

func handleWorkflowList(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		kind, id := q.Get("subject_kind"), q.Get("subject_id")

		var (
			insts []model.WorkflowInstance
			err   error
		)
		if kind != "" && id != "" {
			insts, err = engine.FindBySubject(r.Context(), model.Subject{Kind: kind, ID: id})
		} else {
			insts, err = engine.List(r.Context(), workflow.Filters{
				SubjectKind: kind,
				Status:      model.WorkflowStatus(q.Get("status")),
				Limit:       queryInt(r, "limit", 0),
				Offset:      queryInt(r, "offset", 0),
			})
		}
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"data": insts})
	}
}

type actionFunc func(engine *workflow.Engine, r *http.Request, rctx *model.RequestContext, id string, in workflow.ActionInput) (model.WorkflowInstance, error)

// handleWorkflowAction serves submit, check and approve, which share a body.
// Check and approve record a decision, so they pass needsVerdict.
func handleWorkflowAction(engine *workflow.Engine, act actionFunc, needsVerdict bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Approved *bool  `json:"approved"`
			Comments string `json:"comments"`
			Payload  string `json:"payload"`
		}
		if err := decodeJSON(r, &body); err != nil {
			WriteError(w, r, err)
			return
		}
		approved := true
		if needsVerdict {
			v, err := requireVerdict(body.Approved)
			if err != nil {
				WriteError(w, r, err)
				return
			}
			approved = v
		}

		inst, err := act(engine, r, model.RequestContextFrom(r.Context()), chi.URLParam(r, "id"), workflow.ActionInput{
			Approved: approved,
			Comments: body.Comments,
			Payload:  []byte(body.Payload),
		})
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, inst)
	}
}

func submitAction(e *workflow.Engine, r *http.Request, rctx *model.RequestContext, id string, in workflow.ActionInput) (model.WorkflowInstance, error) {
	return e.Submit(r.Context(), rctx, id, in)
}

func checkAction(e *workflow.Engine, r *http.Request, rctx *model.RequestContext, id string, in workflow.ActionInput) (model.WorkflowInstance, error) {
	return e.Check(r.Context(), rctx, id, in)
}

func approveAction(e *workflow.Engine, r *http.Request, rctx *model.RequestContext, id string, in workflow.ActionInput) (model.WorkflowInstance, error) {
	return e.Approve(r.Context(), rctx, id, in)
}

func handleWorkflowReject(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Reason   string `json:"reason"`
			Comments string `json:"comments"`
		}
		if err := decodeJSON(r, &body); err != nil {
			WriteError(w, r, err)
			return
		}

		inst, err := engine.Reject(r.Context(), model.RequestContextFrom(r.Context()), chi.URLParam(r, "id"), workflow.RejectInput{
			Reason:   body.Reason,
			Comments: body.Comments,
		})
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, inst)
	}
}

func handleWorkflowSignatures(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sigs, err := engine.Signatures(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"data": sigs})
	}
}
