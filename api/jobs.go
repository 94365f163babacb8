package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/julienschmidt/httprouter"
	"github.com/xeipuuv/gojsonschema"

	"github.com/captionscale/transcribe-api/config"
	apperrors "github.com/captionscale/transcribe-api/errors"
	"github.com/captionscale/transcribe-api/job"
	"github.com/captionscale/transcribe-api/orchestrator"
)

var submitJobSchema = mustSchema(`{
	"type": "object",
	"properties": {
		"source_url": { "type": "string", "minLength": 1 },
		"method": { "type": "string", "enum": ["captions_only", "groq", "openai"] },
		"format": { "type": "string", "enum": ["txt", "srt", "vtt", "json"] },
		"webhook_url": { "type": "string" },
		"tier": { "type": "string" }
	},
	"required": [ "source_url", "method", "format" ],
	"additionalProperties": false
}`)

func mustSchema(raw string) *gojsonschema.Schema {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(raw))
	if err != nil {
		panic(err)
	}
	return schema
}

type submitJobRequest struct {
	SourceURL  string `json:"source_url"`
	Method     string `json:"method"`
	Format     string `json:"format"`
	WebhookURL string `json:"webhook_url"`
	Tier       string `json:"tier"`
}

type jobResponse struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	SourceKind  string `json:"source_kind"`
	Method      string `json:"method"`
	Format      string `json:"format"`
	TotalVideos int    `json:"total_videos"`
	Totals      struct {
		Pending    int `json:"pending"`
		Processing int `json:"processing"`
		Completed  int `json:"completed"`
		Failed     int `json:"failed"`
		Retry      int `json:"retry"`
	} `json:"totals"`
	ArtifactURL string `json:"artifact_url,omitempty"`
}

func toJobResponse(j job.Job, artifactURL string) jobResponse {
	resp := jobResponse{
		ID:          j.ID,
		Status:      string(j.Status),
		SourceKind:  string(j.SourceKind),
		Method:      string(j.Method),
		Format:      string(j.Format),
		TotalVideos: j.TotalVideos,
		ArtifactURL: artifactURL,
	}
	resp.Totals.Pending = j.Totals.Pending
	resp.Totals.Processing = j.Totals.Processing
	resp.Totals.Completed = j.Totals.Completed
	resp.Totals.Failed = j.Totals.Failed
	resp.Totals.Retry = j.Totals.Retry
	return resp
}

// SubmitJob handles POST /v1/jobs: resolves the caller's principal
// (authenticated or guest), validates the request body against
// submitJobSchema, resolves a tier, and hands off to
// Orchestrator.Submit. On success the job is kicked off in the
// background and its initial state returned immediately, mirroring the
// teacher's fire-and-forget StartUploadJob shape.
func (d *Deps) SubmitJob() httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		owner, err := resolvePrincipal(w, r)
		if err != nil {
			apperrors.WriteHTTPInternalServerError(w, "could not establish a session", err)
			return
		}

		payload, err := io.ReadAll(r.Body)
		if err != nil {
			apperrors.WriteHTTPInternalServerError(w, "cannot read request body", err)
			return
		}
		result, err := submitJobSchema.Validate(gojsonschema.NewBytesLoader(payload))
		if err != nil {
			apperrors.WriteHTTPInternalServerError(w, "cannot validate request body", err)
			return
		}
		if !result.Valid() {
			apperrors.WriteHTTPBadBodySchema("submit job", w, result.Errors())
			return
		}

		var req submitJobRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			apperrors.WriteHTTPBadRequest(w, "invalid request body", err)
			return
		}

		tier, maxVideos := d.resolveTierFor(owner, req.Tier)

		created, err := d.Orchestrator.Submit(r.Context(), buildSubmitRequest(owner, req, tier, maxVideos))
		if err != nil {
			writeTaskError(w, err)
			return
		}

		go func(jobID string) {
			if err := d.Orchestrator.Run(context.Background(), jobID); err != nil {
				_ = err // logged internally by Orchestrator.Run
			}
		}(created.ID)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(toJobResponse(created, ""))
	}
}

func buildSubmitRequest(owner job.Principal, req submitJobRequest, tier config.Tier, maxVideos int) orchestrator.SubmitRequest {
	return orchestrator.SubmitRequest{
		Owner:      owner,
		SourceURL:  req.SourceURL,
		Method:     job.Method(req.Method),
		Format:     job.Format(req.Format),
		WebhookURL: req.WebhookURL,
		Tier:       tier,
		MaxVideos:  maxVideos,
	}
}

// resolveTierFor picks the config.Tier and per-job video cap for a
// request: guests always get config.GuestTier() regardless of what they
// asked for (the "tier" field only has meaning for authenticated
// principals, where it stands in for a subscription lookup this service
// doesn't itself perform — billing is an external collaborator per §1's
// non-goals).
func (d *Deps) resolveTierFor(owner job.Principal, requested string) (config.Tier, int) {
	if owner.IsGuest() {
		t := config.GuestTier()
		return t, t.MaxVideosPerJob
	}
	t := config.ResolveTier(requested)
	return t, t.MaxVideosPerJob
}

// GetJob handles GET /v1/jobs/:id.
func (d *Deps) GetJob() httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		j, err := d.Store.GetJob(ps.ByName("id"))
		if err != nil {
			apperrors.WriteHTTPNotFound(w, "job not found", err)
			return
		}

		artifactURL := ""
		if j.ArtifactPath != "" && d.Storage != nil {
			if u, err := d.Storage.Presign(j.ArtifactPath); err == nil {
				artifactURL = u
			}
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(toJobResponse(j, artifactURL))
	}
}

// CancelJob handles POST /v1/jobs/:id/cancel.
func (d *Deps) CancelJob() httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		if ok := d.Orchestrator.Cancel(ps.ByName("id")); !ok {
			apperrors.WriteHTTPNotFound(w, "job is not running", nil)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}
}

func writeTaskError(w http.ResponseWriter, err error) {
	te := apperrors.AsTaskError(err)
	switch te.Kind {
	case apperrors.KindInvalidURL:
		apperrors.WriteHTTPBadRequest(w, te.Message, te.Cause)
	case apperrors.KindQuotaExceeded:
		apperrors.WriteHTTPTooManyRequests(w, te.Message, te.Cause)
	default:
		apperrors.WriteHTTPInternalServerError(w, te.Message, te.Cause)
	}
}
