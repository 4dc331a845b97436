package sagas

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-conductor/conductor/log"
	"github.com/pkg/errors"
)

// SagaHandler exposes the engine over HTTP:
//
//	POST /sagas                     submit a saga, responds 202 with its uid
//	GET  /sagas/{uid}               current saga view, 404 when unknown
//	DELETE /sagas/{uid}             request cancellation
//	GET  /readmodels/{model}        all rows of a read model
//	GET  /readmodels/{model}?key=k  one row
type SagaHandler struct {
	service SagaService
	logger  log.Logger
}

func NewSagaHandler(logger log.Logger, service SagaService) *SagaHandler {
	return &SagaHandler{service: service, logger: logger}
}

// Register attaches the handler's routes to mux
func (h *SagaHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/sagas", h.Submit)
	mux.HandleFunc("/sagas/", h.sagaByID)
	mux.HandleFunc("/readmodels/", h.QueryReadModel)
}

type submitRequest struct {
	SagaType string                 `json:"saga_type"`
	Input    map[string]interface{} `json:"input"`
}

type submitResponse struct {
	SagaUID string `json:"saga_uid"`
}

func (h *SagaHandler) Submit(resp http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		NewResponseWriterFromErrMsg("Method not allowed", http.StatusMethodNotAllowed).write(resp, h.logger)
		return
	}

	var req submitRequest

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		NewResponseWriterFromError(NewResponseError(http.StatusBadRequest, errors.Wrap(err, "decoding request body"))).write(resp, h.logger)
		return
	}

	if req.SagaType == "" {
		NewResponseWriterFromErrMsg("Field 'saga_type' is empty", http.StatusBadRequest).write(resp, h.logger)
		return
	}

	sagaID, err := h.service.Submit(r.Context(), req.SagaType, req.Input)

	if err != nil {
		NewResponseWriterFromError(err).write(resp, h.logger)
		return
	}

	NewResponseWriter(submitResponse{SagaUID: sagaID}, http.StatusAccepted).write(resp, h.logger)
}

func (h *SagaHandler) sagaByID(resp http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.GetStatus(resp, r)
	case http.MethodDelete:
		h.Cancel(resp, r)
	default:
		NewResponseWriterFromErrMsg("Method not allowed", http.StatusMethodNotAllowed).write(resp, h.logger)
	}
}

func (h *SagaHandler) GetStatus(resp http.ResponseWriter, r *http.Request) {
	sagaID := strings.TrimPrefix(r.URL.Path, "/sagas/")

	if sagaID == "" {
		NewResponseWriterFromErrMsg("Saga id is empty", http.StatusBadRequest).write(resp, h.logger)
		return
	}

	view, err := h.service.GetStatus(r.Context(), sagaID)

	if err != nil {
		NewResponseWriterFromError(err).write(resp, h.logger)
		return
	}

	NewResponseWriter(view, http.StatusOK).write(resp, h.logger)
}

func (h *SagaHandler) Cancel(resp http.ResponseWriter, r *http.Request) {
	sagaID := strings.TrimPrefix(r.URL.Path, "/sagas/")

	if sagaID == "" {
		NewResponseWriterFromErrMsg("Saga id is empty", http.StatusBadRequest).write(resp, h.logger)
		return
	}

	if err := h.service.Cancel(r.Context(), sagaID, r.URL.Query().Get("reason")); err != nil {
		NewResponseWriterFromError(err).write(resp, h.logger)
		return
	}

	NewResponseWriter(map[string]string{"saga_uid": sagaID}, http.StatusAccepted).write(resp, h.logger)
}

func (h *SagaHandler) QueryReadModel(resp http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		NewResponseWriterFromErrMsg("Method not allowed", http.StatusMethodNotAllowed).write(resp, h.logger)
		return
	}

	model := strings.TrimPrefix(r.URL.Path, "/readmodels/")

	if model == "" {
		NewResponseWriterFromErrMsg("Read model name is empty", http.StatusBadRequest).write(resp, h.logger)
		return
	}

	if key := r.URL.Query().Get("key"); key != "" {
		row, err := h.service.QueryRow(r.Context(), model, key)

		if err != nil {
			NewResponseWriterFromError(err).write(resp, h.logger)
			return
		}

		NewResponseWriter(row, http.StatusOK).write(resp, h.logger)

		return
	}

	rows, err := h.service.Query(r.Context(), model)

	if err != nil {
		NewResponseWriterFromError(err).write(resp, h.logger)
		return
	}

	NewResponseWriter(rows, http.StatusOK).write(resp, h.logger)
}
