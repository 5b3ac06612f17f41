package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"

	"github.com/samims/concierge/internal/model"
	"github.com/samims/concierge/internal/otp"
)

// ReportHandler applies a primary-channel delivery report.
type ReportHandler interface {
	HandleReport(ctx context.Context, report model.DeliveryReport) error
}

type OTPHandler struct {
	svc     *otp.Service
	reports ReportHandler
	logger  *slog.Logger
}

func NewOTPHandler(svc *otp.Service, reports ReportHandler, logger *slog.Logger) *OTPHandler {
	return &OTPHandler{svc: svc, reports: reports, logger: logger.With("layer", "handler", "component", "otpHandler")}
}

func (h *OTPHandler) Send(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Phone    string `json:"phone"`
		TenantID string `json:"tenant_id,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Phone == "" {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	res, err := h.svc.Send(r.Context(), otp.SendRequest{Phone: body.Phone, IP: clientIP(r), TenantID: body.TenantID})
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]model.Channel{"channel": res.Channel})
}

func (h *OTPHandler) Verify(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Phone    string `json:"phone"`
		Code     string `json:"code"`
		TenantID string `json:"tenant_id,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Phone == "" || body.Code == "" {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if _, err := h.svc.Verify(r.Context(), body.Phone, body.Code, body.TenantID); err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"verified": true})
}

// DeliveryReport is the provider webhook. Unknown statuses are accepted and
// ignored so the provider does not retry them.
func (h *OTPHandler) DeliveryReport(w http.ResponseWriter, r *http.Request) {
	var report model.DeliveryReport
	if err := json.NewDecoder(r.Body).Decode(&report); err != nil || report.MessageID == "" {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := h.reports.HandleReport(r.Context(), report); err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// clientIP relies on chi's RealIP middleware having rewritten RemoteAddr.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
