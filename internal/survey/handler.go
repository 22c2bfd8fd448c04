package survey

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"asncorpu/internal/app/apiresp"
	"asncorpu/internal/auth"
	"asncorpu/internal/maturity"

	"github.com/go-chi/chi/v5"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

type Handler struct {
	svc surveyService
}

type surveyService interface {
	Submit(ctx context.Context, actorID int64, in SubmitInput) (*SubmitResult, error)
	GetSurvey(ctx context.Context, userID int64, tahun int) (*Survey, error)
	Result(ctx context.Context, userID int64, tahun int) (*Result, error)
	ListYears(ctx context.Context, userID int64) ([]int, error)
	GetVerification(ctx context.Context, surveyID int64) (*Verification, error)
	SaveVerification(ctx context.Context, actorID, surveyID int64, raw map[string]any) (*Verification, error)
	Verify(ctx context.Context, surveyID int64, by Verifier) (*Verification, error)
	YearReport(ctx context.Context, tahun int) ([]ReportRow, error)
	YearStats(ctx context.Context, tahun int) (*YearStats, error)
	ExportYearExcel(ctx context.Context, tahun int) ([]byte, error)
	ImportAnswersExcel(ctx context.Context, actorID int64, tahun int, r io.Reader) (*ImportReport, error)
}

type submitRequest struct {
	Answers  map[string]any    `json:"answers"`
	Evidence map[string]string `json:"evidence"`
}

type verificationRequest struct {
	Answers map[string]any `json:"answers"`
}

type bandView struct {
	Level maturity.Level `json:"level"`
	Min   float64        `json:"min"`
	Max   *float64       `json:"max"`
	Color string         `json:"color"`
}

type catalogView struct {
	Categories []maturity.Category `json:"categories"`
	Questions  []maturity.Question `json:"questions"`
	Options    []maturity.Option   `json:"options"`
	Bands      []bandView          `json:"bands"`
}

func NewHandler(svc surveyService) *Handler {
	return &Handler{svc: svc}
}

// Catalog exposes question numbering, option values and band thresholds so
// forms and charts never hard-code them.
func (h *Handler) Catalog(w http.ResponseWriter, r *http.Request) {
	bands := make([]bandView, 0, len(maturity.Bands))
	for _, b := range maturity.Bands {
		bands = append(bands, bandView{Level: b.Level, Min: b.Min, Max: b.MaxScore(), Color: b.Color})
	}
	apiresp.WriteOK(w, r, http.StatusOK, catalogView{
		Categories: maturity.Categories,
		Questions:  maturity.Questions(),
		Options:    maturity.ChoiceOptions,
		Bands:      bands,
	})
}

func (h *Handler) Submit(w http.ResponseWriter, r *http.Request) {
	user, ok := auth.CurrentUser(r.Context())
	if !ok {
		apiresp.WriteError(w, r, http.StatusUnauthorized, "unauthorized")
		return
	}
	tahun, ok := yearParam(r)
	if !ok {
		apiresp.WriteError(w, r, http.StatusBadRequest, "invalid tahun")
		return
	}
	var req submitRequest
	if err := apiresp.DecodeJSON(w, r, &req); err != nil {
		apiresp.WriteError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}

	res, err := h.svc.Submit(r.Context(), user.ID, SubmitInput{
		UserID:   user.ID,
		Tahun:    tahun,
		Answers:  req.Answers,
		Evidence: req.Evidence,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, res)
}

func (h *Handler) GetSurvey(w http.ResponseWriter, r *http.Request) {
	user, ok := auth.CurrentUser(r.Context())
	if !ok {
		apiresp.WriteError(w, r, http.StatusUnauthorized, "unauthorized")
		return
	}
	tahun, ok := yearParam(r)
	if !ok {
		apiresp.WriteError(w, r, http.StatusBadRequest, "invalid tahun")
		return
	}

	s, err := h.svc.GetSurvey(r.Context(), user.ID, tahun)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, s)
}

func (h *Handler) ListYears(w http.ResponseWriter, r *http.Request) {
	user, ok := auth.CurrentUser(r.Context())
	if !ok {
		apiresp.WriteError(w, r, http.StatusUnauthorized, "unauthorized")
		return
	}
	years, err := h.svc.ListYears(r.Context(), user.ID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, years)
}

// Result serves institutions their own result and reviewers any result.
func (h *Handler) Result(w http.ResponseWriter, r *http.Request) {
	user, ok := auth.CurrentUser(r.Context())
	if !ok {
		apiresp.WriteError(w, r, http.StatusUnauthorized, "unauthorized")
		return
	}
	userID, ok := apiresp.PositiveIntParam(r, "userID")
	if !ok {
		apiresp.WriteError(w, r, http.StatusBadRequest, "invalid user id")
		return
	}
	tahun, ok := yearParam(r)
	if !ok {
		apiresp.WriteError(w, r, http.StatusBadRequest, "invalid tahun")
		return
	}
	if userID != user.ID && !user.IsReviewer() {
		apiresp.WriteError(w, r, http.StatusForbidden, "forbidden")
		return
	}

	res, err := h.svc.Result(r.Context(), userID, tahun)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, res)
}

func (h *Handler) GetVerification(w http.ResponseWriter, r *http.Request) {
	surveyID, ok := apiresp.PositiveIntParam(r, "id")
	if !ok {
		apiresp.WriteError(w, r, http.StatusBadRequest, "invalid survey id")
		return
	}
	v, err := h.svc.GetVerification(r.Context(), surveyID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, v)
}

func (h *Handler) SaveVerification(w http.ResponseWriter, r *http.Request) {
	user, ok := auth.CurrentUser(r.Context())
	if !ok {
		apiresp.WriteError(w, r, http.StatusUnauthorized, "unauthorized")
		return
	}
	surveyID, ok := apiresp.PositiveIntParam(r, "id")
	if !ok {
		apiresp.WriteError(w, r, http.StatusBadRequest, "invalid survey id")
		return
	}
	var req verificationRequest
	if err := apiresp.DecodeJSON(w, r, &req); err != nil {
		apiresp.WriteError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}

	v, err := h.svc.SaveVerification(r.Context(), user.ID, surveyID, req.Answers)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, v)
}

func (h *Handler) Verify(w http.ResponseWriter, r *http.Request) {
	user, ok := auth.CurrentUser(r.Context())
	if !ok {
		apiresp.WriteError(w, r, http.StatusUnauthorized, "unauthorized")
		return
	}
	surveyID, ok := apiresp.PositiveIntParam(r, "id")
	if !ok {
		apiresp.WriteError(w, r, http.StatusBadRequest, "invalid survey id")
		return
	}

	v, err := h.svc.Verify(r.Context(), surveyID, Verifier{ID: user.ID, Name: user.FullName})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, v)
}

func (h *Handler) YearReport(w http.ResponseWriter, r *http.Request) {
	tahun, ok := yearParam(r)
	if !ok {
		apiresp.WriteError(w, r, http.StatusBadRequest, "invalid tahun")
		return
	}
	rows, err := h.svc.YearReport(r.Context(), tahun)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, rows)
}

func (h *Handler) YearStats(w http.ResponseWriter, r *http.Request) {
	tahun, ok := yearParam(r)
	if !ok {
		apiresp.WriteError(w, r, http.StatusBadRequest, "invalid tahun")
		return
	}
	stats, err := h.svc.YearStats(r.Context(), tahun)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, stats)
}

func (h *Handler) ExportYearExcel(w http.ResponseWriter, r *http.Request) {
	tahun, ok := yearParam(r)
	if !ok {
		apiresp.WriteError(w, r, http.StatusBadRequest, "invalid tahun")
		return
	}
	body, err := h.svc.ExportYearExcel(r.Context(), tahun)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	apiresp.WriteFile(w, xlsxContentType, fmt.Sprintf("asn-corpu-%d.xlsx", tahun), body)
}

func (h *Handler) ImportTemplate(w http.ResponseWriter, r *http.Request) {
	body, err := ImportTemplateExcel()
	if err != nil {
		apiresp.WriteError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	apiresp.WriteFile(w, xlsxContentType, "template-import-survei.xlsx", body)
}

func (h *Handler) ImportAnswersExcel(w http.ResponseWriter, r *http.Request) {
	user, ok := auth.CurrentUser(r.Context())
	if !ok {
		apiresp.WriteError(w, r, http.StatusUnauthorized, "unauthorized")
		return
	}
	tahun, ok := yearParam(r)
	if !ok {
		apiresp.WriteError(w, r, http.StatusBadRequest, "invalid tahun")
		return
	}
	if err := r.ParseMultipartForm(16 << 20); err != nil {
		apiresp.WriteError(w, r, http.StatusBadRequest, "invalid multipart form")
		return
	}
	file, hdr, err := r.FormFile("file")
	if err != nil {
		apiresp.WriteError(w, r, http.StatusBadRequest, "file field is required")
		return
	}
	defer file.Close()

	report, err := h.svc.ImportAnswersExcel(r.Context(), user.ID, tahun, file)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, map[string]any{
		"filename": hdr.Filename,
		"report":   report,
	})
}

func yearParam(r *http.Request) (int, bool) {
	n, err := strconv.Atoi(strings.TrimSpace(chi.URLParam(r, "tahun")))
	if err != nil || n < MinYear || n > MaxYear {
		return 0, false
	}
	return n, true
}

func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var ae *AnswerError
	switch {
	case errors.As(err, &ae):
		apiresp.WriteError(w, r, http.StatusUnprocessableEntity, ae.Error())
	case errors.Is(err, ErrInvalidEvidence), errors.Is(err, ErrInvalidWorkbook):
		apiresp.WriteError(w, r, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, ErrInvalidYear):
		apiresp.WriteError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrSurveyNotFound):
		apiresp.WriteError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, ErrAlreadyVerified):
		apiresp.WriteError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, ErrNotInstitution), errors.Is(err, maturity.ErrVerifierRequired):
		apiresp.WriteError(w, r, http.StatusForbidden, err.Error())
	default:
		apiresp.WriteError(w, r, http.StatusInternalServerError, "internal error")
	}
}
