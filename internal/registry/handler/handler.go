package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"quickex/internal/registry/models"
	"quickex/pkg/platform/httputil"
)

// Service defines the registry operations exposed over HTTP.
type Service interface {
	Claim(ctx context.Context, username, address, ownerToken string) (*models.Binding, error)
	Lookup(ctx context.Context, username string) (*models.Binding, error)
	ListByAddress(ctx context.Context, address string) ([]*models.Binding, error)
	Transfer(ctx context.Context, username, ownerToken, newOwnerToken string) (*models.Binding, error)
	Release(ctx context.Context, username, ownerToken string) (*models.Binding, error)
}

// Handler serves the username registry endpoints.
type Handler struct {
	registry Service
	logger   *slog.Logger
}

func New(registry Service, logger *slog.Logger) *Handler {
	return &Handler{registry: registry, logger: logger}
}

// Register mounts the registry routes on r.
func (h *Handler) Register(r chi.Router) {
	r.Post("/v1/usernames", h.handleClaim)
	r.Get("/v1/usernames/{username}", h.handleLookup)
	r.Post("/v1/usernames/{username}/transfer", h.handleTransfer)
	r.Post("/v1/usernames/{username}/release", h.handleRelease)
	r.Get("/v1/addresses/{address}/usernames", h.handleListByAddress)
}

type ClaimRequest struct {
	Username   string `json:"username"`
	Address    string `json:"address"`
	OwnerToken string `json:"owner_token"`
}

type TransferRequest struct {
	OwnerToken    string `json:"owner_token"`
	NewOwnerToken string `json:"new_owner_token"`
}

type ReleaseRequest struct {
	OwnerToken string `json:"owner_token"`
}

// BindingResponse is the public view of a binding. Token hashes are never serialized.
type BindingResponse struct {
	Username  string    `json:"username"`
	Address   string    `json:"address"`
	Status    string    `json:"status"`
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type AddressUsernamesResponse struct {
	Address   string            `json:"address"`
	Usernames []BindingResponse `json:"usernames"`
}

func toResponse(b *models.Binding) BindingResponse {
	return BindingResponse{
		Username:  b.Username.String(),
		Address:   b.Address.String(),
		Status:    string(b.Status),
		Version:   b.Version,
		CreatedAt: b.CreatedAt,
		UpdatedAt: b.UpdatedAt,
	}
}

func (h *Handler) handleClaim(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req ClaimRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		h.fail(ctx, w, "invalid claim request", err)
		return
	}
	b, err := h.registry.Claim(ctx, req.Username, req.Address, req.OwnerToken)
	if err != nil {
		h.fail(ctx, w, "claim failed", err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, toResponse(b))
}

func (h *Handler) handleLookup(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	b, err := h.registry.Lookup(ctx, chi.URLParam(r, "username"))
	if err != nil {
		h.fail(ctx, w, "lookup failed", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toResponse(b))
}

func (h *Handler) handleTransfer(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req TransferRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		h.fail(ctx, w, "invalid transfer request", err)
		return
	}
	b, err := h.registry.Transfer(ctx, chi.URLParam(r, "username"), req.OwnerToken, req.NewOwnerToken)
	if err != nil {
		h.fail(ctx, w, "transfer failed", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toResponse(b))
}

func (h *Handler) handleRelease(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req ReleaseRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		h.fail(ctx, w, "invalid release request", err)
		return
	}
	b, err := h.registry.Release(ctx, chi.URLParam(r, "username"), req.OwnerToken)
	if err != nil {
		h.fail(ctx, w, "release failed", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toResponse(b))
}

func (h *Handler) handleListByAddress(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	address := chi.URLParam(r, "address")
	bindings, err := h.registry.ListByAddress(ctx, address)
	if err != nil {
		h.fail(ctx, w, "list usernames failed", err)
		return
	}
	resp := AddressUsernamesResponse{Address: address, Usernames: make([]BindingResponse, 0, len(bindings))}
	for _, b := range bindings {
		resp.Usernames = append(resp.Usernames, toResponse(b))
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

func (h *Handler) fail(ctx context.Context, w http.ResponseWriter, msg string, err error) {
	httputil.Fail(ctx, h.logger, w, msg, err)
}
