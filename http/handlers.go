package http

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"carprice/db"
	"carprice/ml"
	"carprice/monitoring"
	"carprice/pricing"
)

const (
	internalErrorDetail = "internal server error"
	defaultListLimit    = 50
	maxListLimit        = 500
)

// PriceService is what the handlers need from pricing.Service.
type PriceService interface {
	Status() string
	Metadata() map[string]any
	Predict(ctx context.Context, f pricing.CarFeatures) (float64, error)
	Explain(ctx context.Context, f pricing.CarFeatures) (*pricing.Explanation, error)
	ExplainVisual(ctx context.Context, f pricing.CarFeatures) (*pricing.Explanation, string, error)
}

// PredictionLister reads the prediction log.
type PredictionLister interface {
	RecentPredictions(ctx context.Context, limit int) ([]db.PredictionRecord, error)
}

type Handler struct {
	svc      PriceService
	log      PredictionLister
	validate *validator.Validate
	logger   *zap.Logger
}

// NewHandler builds the API handlers. log may be nil, in which case
// /predictions is not served.
func NewHandler(svc PriceService, log PredictionLister, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	validate := validator.New(validator.WithRequiredStructEnabled())
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &Handler{svc: svc, log: log, validate: validate, logger: logger}
}

func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /status", h.handleStatus)
	mux.HandleFunc("GET /metadata", h.handleMetadata)
	mux.HandleFunc("POST /predict", h.handlePredict)
	mux.HandleFunc("POST /explain", h.handleExplain)
	mux.HandleFunc("POST /explain_visual", h.handleExplainVisual)
	if h.log != nil {
		mux.HandleFunc("GET /predictions", h.handlePredictions)
	}
}

type errorResponse struct {
	Detail         string   `json:"detail"`
	Field          string   `json:"field,omitempty"`
	AcceptedValues []string `json:"accepted_values,omitempty"`
}

type predictResponse struct {
	PredictedSellingPrice float64 `json:"predicted_selling_price"`
}

type explainVisualResponse struct {
	Message string `json:"message"`
	Path    string `json:"path"`
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": h.svc.Status()})
}

func (h *Handler) handleMetadata(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.Metadata())
}

func (h *Handler) handlePredict(w http.ResponseWriter, r *http.Request) {
	features, ok := h.decodeFeatures(w, r)
	if !ok {
		return
	}
	price, err := h.svc.Predict(r.Context(), features)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, predictResponse{PredictedSellingPrice: price})
}

func (h *Handler) handleExplain(w http.ResponseWriter, r *http.Request) {
	features, ok := h.decodeFeatures(w, r)
	if !ok {
		return
	}
	start := time.Now()
	exp, err := h.svc.Explain(r.Context(), features)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	monitoring.RecordExplanation(false, time.Since(start))
	writeJSON(w, http.StatusOK, exp)
}

func (h *Handler) handleExplainVisual(w http.ResponseWriter, r *http.Request) {
	features, ok := h.decodeFeatures(w, r)
	if !ok {
		return
	}
	start := time.Now()
	_, path, err := h.svc.ExplainVisual(r.Context(), features)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	monitoring.RecordExplanation(true, time.Since(start))
	h.logger.Info("waterfall chart saved", zap.String("request_id", GetRequestID(r)), zap.String("path", path))
	writeJSON(w, http.StatusOK, explainVisualResponse{
		Message: "Visualization generated and saved to " + path,
		Path:    path,
	})
}

func (h *Handler) handlePredictions(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Detail: "limit must be a positive integer", Field: "limit"})
			return
		}
		limit = min(n, maxListLimit)
	}
	records, err := h.log.RecentPredictions(r.Context(), limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"predictions": records, "count": len(records)})
}

// carRequest is the wire form of pricing.CarFeatures. KmDriven is a pointer
// so a missing field is told apart from an explicit 0.
type carRequest struct {
	Year         int    `json:"year" validate:"required,gte=1900,lte=2100"`
	KmDriven     *int   `json:"km_driven" validate:"required,gte=0"`
	Fuel         string `json:"fuel" validate:"required"`
	Transmission string `json:"transmission" validate:"required"`
	Brand        string `json:"brand" validate:"required"`
	Owner        string `json:"owner,omitempty"`
	SellerType   string `json:"seller_type,omitempty"`
}

func (c carRequest) features() pricing.CarFeatures {
	return pricing.CarFeatures{
		Year:         c.Year,
		KmDriven:     *c.KmDriven,
		Fuel:         c.Fuel,
		Transmission: c.Transmission,
		Brand:        c.Brand,
		Owner:        c.Owner,
		SellerType:   c.SellerType,
	}
}

// decodeFeatures writes a 400 and returns false when the body is not a
// valid CarFeatures document.
func (h *Handler) decodeFeatures(w http.ResponseWriter, r *http.Request) (pricing.CarFeatures, bool) {
	var features pricing.CarFeatures
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Detail: "request body too large"})
			return features, false
		}
		writeJSON(w, http.StatusBadRequest, errorResponse{Detail: "could not read request body"})
		return features, false
	}
	if len(bytes.TrimSpace(body)) == 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{Detail: "request body is required"})
		return features, false
	}
	var req carRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Detail: "malformed request body: " + err.Error()})
		return features, false
	}
	if err := h.validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			writeJSON(w, http.StatusBadRequest, errorResponse{
				Detail: fmt.Sprintf("invalid %s: failed %s", fe.Field(), validationRule(fe)),
				Field:  fe.Field(),
			})
			return features, false
		}
		h.writeError(w, r, err)
		return features, false
	}
	return req.features(), true
}

func validationRule(fe validator.FieldError) string {
	if fe.Param() == "" {
		return fe.Tag()
	}
	return fe.Tag() + "=" + fe.Param()
}

// writeError maps ml.ValidationError to 400 and hides everything else
// behind a generic 500.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *ml.ValidationError
	if errors.As(err, &verr) {
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Detail:         verr.Error(),
			Field:          verr.Field,
			AcceptedValues: verr.Accepted,
		})
		return
	}
	h.logger.Error("request failed",
		zap.String("request_id", GetRequestID(r)),
		zap.String("path", r.URL.Path),
		zap.Error(err),
	)
	writeJSON(w, http.StatusInternalServerError, errorResponse{Detail: internalErrorDetail})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
