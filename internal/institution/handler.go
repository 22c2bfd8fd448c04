package institution

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"asncorpu/internal/app/apiresp"
	"asncorpu/internal/auth"
)

type Handler struct {
	svc institutionService
}

type institutionService interface {
	GetProfile(ctx context.Context, userID int64) (*Profile, error)
	UpsertProfile(ctx context.Context, userID int64, in UpsertInput) (*Profile, error)
	List(ctx context.Context, q string, limit, offset int) ([]ListItem, error)
}

type upsertRequest struct {
	Name            string `json:"name"`
	InstitutionType string `json:"institution_type"`
	Address         string `json:"address"`
	PICName         string `json:"pic_name"`
	PICPhone        string `json:"pic_phone"`
}

func NewHandler(svc institutionService) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) GetMine(w http.ResponseWriter, r *http.Request) {
	user, ok := auth.CurrentUser(r.Context())
	if !ok {
		apiresp.WriteError(w, r, http.StatusUnauthorized, "unauthorized")
		return
	}
	p, err := h.svc.GetProfile(r.Context(), user.ID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, p)
}

func (h *Handler) UpsertMine(w http.ResponseWriter, r *http.Request) {
	user, ok := auth.CurrentUser(r.Context())
	if !ok {
		apiresp.WriteError(w, r, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req upsertRequest
	if err := apiresp.DecodeJSON(w, r, &req); err != nil {
		apiresp.WriteError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}

	p, err := h.svc.UpsertProfile(r.Context(), user.ID, UpsertInput{
		Name:            req.Name,
		InstitutionType: req.InstitutionType,
		Address:         req.Address,
		PICName:         req.PICName,
		PICPhone:        req.PICPhone,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, p)
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))

	items, err := h.svc.List(r.Context(), q.Get("q"), limit, offset)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, items)
}

func (h *Handler) Types(w http.ResponseWriter, r *http.Request) {
	apiresp.WriteOK(w, r, http.StatusOK, Types)
}

func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrInvalidInput):
		apiresp.WriteError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrNotFound):
		apiresp.WriteError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, ErrNotAnInstitution):
		apiresp.WriteError(w, r, http.StatusForbidden, err.Error())
	default:
		apiresp.WriteError(w, r, http.StatusInternalServerError, "internal error")
	}
}
