package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/autonova/platform/services/appointment-booking-service/internal/apperr"
	"github.com/autonova/platform/services/appointment-booking-service/internal/lifecycle"
	"github.com/autonova/platform/services/appointment-booking-service/internal/model"
	"github.com/autonova/platform/services/appointment-booking-service/internal/scheduling"
	"github.com/autonova/platform/services/appointment-booking-service/internal/storage"
)

// Scheduler is the part of scheduling.Service the HTTP API drives.
type Scheduler interface {
	CreateAppointment(ctx context.Context, req scheduling.CreateRequest) (model.Appointment, error)
	GetAppointment(ctx context.Context, id string) (model.Appointment, error)
	Reschedule(ctx context.Context, id string, iv model.Interval) (model.Appointment, error)
	Cancel(ctx context.Context, id, cancelledBy string) (model.Appointment, error)
	TransitionStatus(ctx context.Context, id string, to model.Status) (model.Appointment, error)
	AssignEmployee(ctx context.Context, id, employeeID string) (model.Appointment, error)
	ListByCustomer(ctx context.Context, customerID string) ([]model.Appointment, error)
	Search(ctx context.Context, f storage.Filter) ([]model.Appointment, error)
	CheckAvailability(ctx context.Context, iv model.Interval) (scheduling.AvailabilityReport, error)
	AvailableSlots(ctx context.Context, window model.Interval, slotLength time.Duration) ([]model.Interval, error)
}

type AppointmentHandler struct {
	svc    Scheduler
	logger *slog.Logger
}

func NewAppointmentHandler(svc Scheduler, logger *slog.Logger) *AppointmentHandler {
	return &AppointmentHandler{svc: svc, logger: logger}
}

// Register mounts the appointment API on mux.
func (h *AppointmentHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/appointments", h.Create)
	mux.HandleFunc("GET /api/v1/appointments/{id}", h.Get)
	mux.HandleFunc("POST /api/v1/appointments/{id}/reschedule", h.Reschedule)
	mux.HandleFunc("POST /api/v1/appointments/{id}/cancel", h.Cancel)
	mux.HandleFunc("PATCH /api/v1/appointments/{id}/status", h.UpdateStatus)
	mux.HandleFunc("PUT /api/v1/appointments/{id}/assign", h.Assign)
	mux.HandleFunc("GET /api/v1/appointments/customer/{customerId}", h.ListByCustomer)
	mux.HandleFunc("GET /api/v1/appointments/availability", h.Availability)
	mux.HandleFunc("GET /api/v1/appointments/availability/slots", h.Slots)
	mux.HandleFunc("GET /api/v1/appointments/admin", h.Search)
}

type createAppointmentRequest struct {
	CustomerID          string `json:"customer_id"`
	VehicleID           string `json:"vehicle_id"`
	ServiceType         string `json:"service_type"`
	StartTime           string `json:"start_time"`
	EndTime             string `json:"end_time"`
	PreferredEmployeeID string `json:"preferred_employee_id"`
	Notes               string `json:"notes"`
}

type rescheduleRequest struct {
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`
}

type cancelRequest struct {
	CancelledBy string `json:"cancelled_by"`
}

type statusRequest struct {
	Status string `json:"status"`
}

type assignRequest struct {
	EmployeeID string `json:"employee_id"`
}

type appointmentResponse struct {
	ID                 string `json:"id"`
	CustomerID         string `json:"customer_id"`
	VehicleID          string `json:"vehicle_id"`
	ServiceType        string `json:"service_type"`
	StartTime          string `json:"start_time"`
	EndTime            string `json:"end_time"`
	Status             string `json:"status"`
	AssignedEmployeeID string `json:"assigned_employee_id,omitempty"`
	Notes              string `json:"notes,omitempty"`
	CancelledBy        string `json:"cancelled_by,omitempty"`
	CancelledAt        string `json:"cancelled_at,omitempty"`
	CreatedAt          string `json:"created_at"`
	UpdatedAt          string `json:"updated_at"`
}

type availabilityResponse struct {
	Available bool     `json:"available"`
	Reasons   []string `json:"reasons"`
}

type slotItem struct {
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`
}

type errorResponse struct {
	Error   string   `json:"error"`
	Reasons []string `json:"reasons,omitempty"`
}

func (h *AppointmentHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createAppointmentRequest
	if !decode(w, r, &req) {
		return
	}
	iv, ok := parseInterval(w, req.StartTime, req.EndTime)
	if !ok {
		return
	}
	appt, err := h.svc.CreateAppointment(r.Context(), scheduling.CreateRequest{
		CustomerID:          req.CustomerID,
		VehicleID:           req.VehicleID,
		ServiceType:         req.ServiceType,
		Interval:            iv,
		PreferredEmployeeID: req.PreferredEmployeeID,
		Notes:               req.Notes,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toResponse(appt))
}

func (h *AppointmentHandler) Get(w http.ResponseWriter, r *http.Request) {
	appt, err := h.svc.GetAppointment(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toResponse(appt))
}

func (h *AppointmentHandler) Reschedule(w http.ResponseWriter, r *http.Request) {
	var req rescheduleRequest
	if !decode(w, r, &req) {
		return
	}
	iv, ok := parseInterval(w, req.StartTime, req.EndTime)
	if !ok {
		return
	}
	appt, err := h.svc.Reschedule(r.Context(), r.PathValue("id"), iv)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toResponse(appt))
}

func (h *AppointmentHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return
	}
	appt, err := h.svc.Cancel(r.Context(), r.PathValue("id"), req.CancelledBy)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toResponse(appt))
}

func (h *AppointmentHandler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if !decode(w, r, &req) {
		return
	}
	status, err := lifecycle.ParseStatus(req.Status)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	appt, err := h.svc.TransitionStatus(r.Context(), r.PathValue("id"), status)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toResponse(appt))
}

func (h *AppointmentHandler) Assign(w http.ResponseWriter, r *http.Request) {
	var req assignRequest
	if !decode(w, r, &req) {
		return
	}
	appt, err := h.svc.AssignEmployee(r.Context(), r.PathValue("id"), req.EmployeeID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toResponse(appt))
}

func (h *AppointmentHandler) ListByCustomer(w http.ResponseWriter, r *http.Request) {
	appts, err := h.svc.ListByCustomer(r.Context(), r.PathValue("customerId"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toResponses(appts))
}

func (h *AppointmentHandler) Availability(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	iv, ok := parseInterval(w, q.Get("start"), q.Get("end"))
	if !ok {
		return
	}
	report, err := h.svc.CheckAvailability(r.Context(), iv)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	resp := availabilityResponse{Available: report.Available, Reasons: report.Reasons}
	if resp.Reasons == nil {
		resp.Reasons = []string{}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *AppointmentHandler) Slots(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	iv, ok := parseInterval(w, q.Get("start"), q.Get("end"))
	if !ok {
		return
	}
	var slotLength time.Duration
	if raw := strings.TrimSpace(q.Get("slot_minutes")); raw != "" {
		mins, err := strconv.Atoi(raw)
		if err != nil || mins <= 0 {
			http.Error(w, "invalid slot_minutes", http.StatusBadRequest)
			return
		}
		slotLength = time.Duration(mins) * time.Minute
	}
	slots, err := h.svc.AvailableSlots(r.Context(), iv, slotLength)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	items := make([]slotItem, 0, len(slots))
	for _, s := range slots {
		items = append(items, slotItem{
			StartTime: s.Start.Format(time.RFC3339),
			EndTime:   s.End.Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, items)
}

func (h *AppointmentHandler) Search(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var f storage.Filter
	if raw := strings.TrimSpace(q.Get("status")); raw != "" {
		status, err := lifecycle.ParseStatus(raw)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		f.Status = status
	}
	for _, p := range []struct {
		name string
		dst  **time.Time
	}{{"from", &f.From}, {"to", &f.To}} {
		raw := strings.TrimSpace(q.Get(p.name))
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			http.Error(w, "invalid "+p.name, http.StatusBadRequest)
			return
		}
		*p.dst = &t
	}
	f.VehicleID = strings.TrimSpace(q.Get("vehicle_id"))
	f.CustomerID = strings.TrimSpace(q.Get("customer_id"))
	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			f.Limit = n
		}
	}

	appts, err := h.svc.Search(r.Context(), f)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toResponses(appts))
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return false
	}
	return true
}

func parseInterval(w http.ResponseWriter, rawStart, rawEnd string) (model.Interval, bool) {
	start, err := time.Parse(time.RFC3339, strings.TrimSpace(rawStart))
	if err != nil {
		http.Error(w, "invalid start time", http.StatusBadRequest)
		return model.Interval{}, false
	}
	end, err := time.Parse(time.RFC3339, strings.TrimSpace(rawEnd))
	if err != nil {
		http.Error(w, "invalid end time", http.StatusBadRequest)
		return model.Interval{}, false
	}
	return model.Interval{Start: start, End: end}, true
}

// StatusFor maps a scheduling error to an HTTP status code.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, apperr.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, apperr.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, apperr.ErrAppointmentClosed),
		errors.Is(err, apperr.ErrInvalidTransition),
		errors.Is(err, apperr.ErrSlotUnavailable),
		errors.Is(err, apperr.ErrDuplicateKey):
		return http.StatusConflict
	case errors.Is(err, apperr.ErrTransientStorage):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *AppointmentHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusFor(err)
	resp := errorResponse{Error: err.Error()}
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
		switch status {
		case http.StatusServiceUnavailable:
			resp.Error = "service temporarily unavailable"
		default:
			resp.Error = "internal error"
		}
	}
	var slot *apperr.SlotUnavailableError
	if errors.As(err, &slot) {
		resp.Error = apperr.ErrSlotUnavailable.Error()
		for _, reason := range slot.Reasons {
			resp.Reasons = append(resp.Reasons, reason.Message)
		}
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		http.Error(w, "failed to build response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func toResponse(a model.Appointment) appointmentResponse {
	resp := appointmentResponse{
		ID:                 a.ID,
		CustomerID:         a.CustomerID,
		VehicleID:          a.VehicleID,
		ServiceType:        a.ServiceType,
		StartTime:          a.Interval.Start.Format(time.RFC3339),
		EndTime:            a.Interval.End.Format(time.RFC3339),
		Status:             string(a.Status),
		AssignedEmployeeID: a.AssignedEmployeeID,
		Notes:              a.Notes,
		CancelledBy:        a.CancelledBy,
		CreatedAt:          a.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:          a.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if a.CancelledAt != nil {
		resp.CancelledAt = a.CancelledAt.UTC().Format(time.RFC3339)
	}
	return resp
}

func toResponses(appts []model.Appointment) []appointmentResponse {
	out := make([]appointmentResponse, 0, len(appts))
	for _, a := range appts {
		out = append(out, toResponse(a))
	}
	return out
}
