package main

import (
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"io"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/Tutortoise/image-classification-service/classification"
	"github.com/Tutortoise/image-classification-service/models"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	jsoniter "github.com/json-iterator/go"
	"github.com/sirupsen/logrus"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type AppState struct {
	Pool           *ModelSessionPool
	Classifier     *classification.Classifier
	MaxUploadBytes int64
	Log            logrus.FieldLogger
}

type PredictResponse struct {
	RequestID   string              `json:"request_id"`
	Predictions []models.Prediction `json:"predictions"`
}

type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

func (s *AppState) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/predict", s.handlePredict).Methods(http.MethodPost)
	r.HandleFunc("/health", handleHealth).Methods(http.MethodGet)
	s.addMonitoringRoutes(r)
	return r
}

func (s *AppState) addMonitoringRoutes(r *mux.Router) {
	r.HandleFunc("/metrics", s.handleMetrics).Methods(http.MethodGet)
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *AppState) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	var lastErrors []string
	for _, err := range s.Pool.LastErrors() {
		lastErrors = append(lastErrors, err.Error())
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"pool":         s.Pool.GetMetrics(),
		"cpu_features": classification.CPUFeatures(),
		"last_errors":  lastErrors,
	})
}

func (s *AppState) handlePredict(w http.ResponseWriter, r *http.Request) {
	startTotal := time.Now()
	requestID := uuid.NewString()
	timings := &models.ProcessingTimings{RequestID: requestID}
	log := s.Log.WithField("request_id", requestID)

	ctx := r.Context()

	topK, err := parseTopK(r)
	if err != nil {
		sendErrorResponse(w, "invalid_request", MsgInvalidTopK, err.Error(), http.StatusBadRequest)
		return
	}

	if s.MaxUploadBytes > 0 {
		if r.ContentLength > s.MaxUploadBytes {
			sendErrorResponse(w, "payload_too_large", MsgTooLarge,
				fmt.Sprintf("limit is %d bytes", s.MaxUploadBytes), http.StatusRequestEntityTooLarge)
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, s.MaxUploadBytes)
	}
	imgBytes, err := readImageBytes(r, s.MaxUploadBytes)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			sendErrorResponse(w, "payload_too_large", MsgTooLarge,
				fmt.Sprintf("limit is %d bytes", maxErr.Limit), http.StatusRequestEntityTooLarge)
			return
		}
		sendErrorResponse(w, "invalid_request", MsgInvalidRequest, err.Error(), http.StatusBadRequest)
		return
	}

	decodeStart := time.Now()
	img, err := classification.DecodeBytes(imgBytes)
	timings.ImageDecode = time.Since(decodeStart)
	if err != nil {
		log.WithError(err).Debug("Rejected undecodable image")
		sendErrorResponse(w, "invalid_image", MsgInvalidImage, "", http.StatusBadRequest)
		return
	}

	predictions, err := s.classify(r, img, topK, timings)
	if err != nil {
		switch {
		case errors.Is(err, ErrAcquireTimeout), errors.Is(err, ErrPoolClosed):
			sendErrorResponse(w, "session_error", MsgBusy, err.Error(), http.StatusServiceUnavailable)
		case ctx.Err() != nil:
			log.WithError(err).Info("Client went away")
		default:
			log.WithError(err).Error("Prediction failed")
			sendErrorResponse(w, "processing_error", MsgProcessingFailed, err.Error(), http.StatusInternalServerError)
		}
		return
	}

	timings.Total = time.Since(startTotal)
	logTimings(log, timings)

	writeJSON(w, http.StatusOK, PredictResponse{
		RequestID:   requestID,
		Predictions: predictions,
	})
}

func (s *AppState) classify(r *http.Request, img image.Image, topK int, timings *models.ProcessingTimings) ([]models.Prediction, error) {
	session, err := s.Pool.Acquire(r.Context())
	if err != nil {
		return nil, err
	}

	predictions, err := s.Classifier.Classify(r.Context(), img, session, topK, timings)

	var perr *classification.ProcessingError
	if errors.As(err, &perr) && perr.Stage == "inference" {
		s.Pool.Discard(session)
	} else {
		s.Pool.Release(session)
	}
	return predictions, err
}

func logTimings(log logrus.FieldLogger, t *models.ProcessingTimings) {
	log.WithFields(logrus.Fields{
		"decode":      t.ImageDecode,
		"resize":      t.Resize,
		"preprocess":  t.Preprocess,
		"inference":   t.Inference,
		"postprocess": t.Postprocess,
		"total":       t.Total,
	}).Debug("Processing times")
}

func parseTopK(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("top_k")
	if raw == "" {
		return 0, nil
	}
	k, err := strconv.Atoi(raw)
	if err != nil || k <= 0 {
		return 0, fmt.Errorf("invalid top_k %q", raw)
	}
	return k, nil
}

func readImageBytes(r *http.Request, maxBytes int64) ([]byte, error) {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		mediaType = ""
	}

	switch mediaType {
	case "application/json":
		return handleJSONRequest(r)
	case "multipart/form-data":
		return handleMultipartRequest(r, maxBytes)
	default:
		return handleRawRequest(r)
	}
}

func handleJSONRequest(r *http.Request) ([]byte, error) {
	var req struct {
		Image string `json:"image"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, err
	}
	if req.Image == "" {
		return nil, errors.New("missing image field")
	}
	return base64.StdEncoding.DecodeString(req.Image)
}

// defaultMultipartMemory matches net/http's in-memory limit for form parsing.
const defaultMultipartMemory = 10 << 20

func handleMultipartRequest(r *http.Request, maxBytes int64) ([]byte, error) {
	if maxBytes <= 0 {
		maxBytes = defaultMultipartMemory
	}
	if err := r.ParseMultipartForm(maxBytes); err != nil {
		return nil, err
	}

	file, _, err := r.FormFile("file")
	if errors.Is(err, http.ErrMissingFile) {
		file, _, err = r.FormFile("image")
	}
	if err != nil {
		return nil, err
	}
	defer file.Close()

	return io.ReadAll(file)
}

func handleRawRequest(r *http.Request) ([]byte, error) {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, errors.New("empty request body")
	}
	return data, nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.WithError(err).Warn("Failed to write response")
	}
}

func sendErrorResponse(w http.ResponseWriter, code, message, details string, status int) {
	writeJSON(w, status, ErrorResponse{
		Code:    code,
		Message: message,
		Details: details,
	})
}
