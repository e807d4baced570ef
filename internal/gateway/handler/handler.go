package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"quickex/internal/gateway"
	"quickex/pkg/platform/httputil"
)

// Resolver produces payment verdicts.
type Resolver interface {
	Resolve(ctx context.Context, destination, linkToken string) (*gateway.Verdict, error)
}

type Handler struct {
	resolver Resolver
	logger   *slog.Logger
}

func New(resolver Resolver, logger *slog.Logger) *Handler {
	return &Handler{resolver: resolver, logger: logger}
}

func (h *Handler) Register(r chi.Router) {
	r.Get("/v1/verdict", h.handleVerdict)
}

// handleVerdict answers GET /v1/verdict?destination=&link_token=.
// An unknown username is a 200 with ok=false, not a 404.
func (h *Handler) handleVerdict(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()
	verdict, err := h.resolver.Resolve(ctx, q.Get("destination"), q.Get("link_token"))
	if err != nil {
		httputil.Fail(ctx, h.logger, w, "verdict failed", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, verdict)
}
