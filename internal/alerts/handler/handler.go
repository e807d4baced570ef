package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"quickex/internal/alerts/models"
	"quickex/internal/alerts/service"
	"quickex/pkg/platform/httputil"
)

// Engine defines the alert operations exposed over HTTP.
type Engine interface {
	Ingest(ctx context.Context, req models.IngestRequest) (*service.IngestResult, error)
	Query(ctx context.Context, subject models.Subject) (models.Aggregate, error)
}

type Handler struct {
	engine Engine
	logger *slog.Logger
}

func New(engine Engine, logger *slog.Logger) *Handler {
	return &Handler{engine: engine, logger: logger}
}

func (h *Handler) Register(r chi.Router) {
	r.Post("/v1/reports", h.handleIngest)
	r.Get("/v1/risk/{subjectType}/{subjectValue}", h.handleQuery)
}

// RiskResponse is the public view of an aggregate.
type RiskResponse struct {
	SubjectType  string                    `json:"subject_type"`
	SubjectValue string                    `json:"subject_value"`
	ReportCount  int                       `json:"report_count"`
	Score        float64                   `json:"score"`
	Tier         models.Tier               `json:"tier"`
	ReasonCounts map[models.ReasonCode]int `json:"reason_counts"`
	LastUpdated  *time.Time                `json:"last_updated,omitempty"`
}

type IngestResponse struct {
	ReportID    string       `json:"report_id"`
	Created     bool         `json:"created"`
	TierChanged bool         `json:"tier_changed"`
	Risk        RiskResponse `json:"risk"`
}

func ToRiskResponse(agg models.Aggregate) RiskResponse {
	resp := RiskResponse{
		SubjectType:  string(agg.Subject.Type),
		SubjectValue: agg.Subject.Value,
		ReportCount:  agg.ReportCount,
		Score:        agg.Score,
		Tier:         agg.Tier,
		ReasonCounts: agg.ReasonCounts,
	}
	if resp.ReasonCounts == nil {
		resp.ReasonCounts = map[models.ReasonCode]int{}
	}
	if !agg.LastUpdated.IsZero() {
		t := agg.LastUpdated
		resp.LastUpdated = &t
	}
	return resp
}

func (h *Handler) handleIngest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req models.IngestRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.Fail(ctx, h.logger, w, "invalid report request", err)
		return
	}
	res, err := h.engine.Ingest(ctx, req)
	if err != nil {
		httputil.Fail(ctx, h.logger, w, "report ingest failed", err)
		return
	}
	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	httputil.WriteJSON(w, status, IngestResponse{
		ReportID:    res.Report.ID.String(),
		Created:     res.Created,
		TierChanged: res.TierChanged,
		Risk:        ToRiskResponse(res.Aggregate),
	})
}

func (h *Handler) handleQuery(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	subject := models.Subject{
		Type:  models.SubjectType(chi.URLParam(r, "subjectType")),
		Value: chi.URLParam(r, "subjectValue"),
	}
	agg, err := h.engine.Query(ctx, subject)
	if err != nil {
		httputil.Fail(ctx, h.logger, w, "risk query failed", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, ToRiskResponse(agg))
}
