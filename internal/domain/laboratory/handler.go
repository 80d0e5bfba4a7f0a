package laboratory

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/lis/internal/platform/auth"
	"github.com/ehr/lis/internal/platform/fhir"
	"github.com/ehr/lis/internal/platform/hl7v2"
	"github.com/ehr/lis/pkg/pagination"
)

// maxHL7Body bounds the replay endpoint payload.
const maxHL7Body = 1 << 20

type Handler struct {
	svc      *Service
	alerts   *Dispatcher
	analyzer *AnalyzerIngestor
}

func NewHandler(svc *Service, alerts *Dispatcher, analyzer *AnalyzerIngestor) *Handler {
	return &Handler{svc: svc, alerts: alerts, analyzer: analyzer}
}

func (h *Handler) RegisterRoutes(api *echo.Group, fhirGroup *echo.Group) {
	lab := api.Group("/lab")

	readGroup := lab.Group("", auth.RequireRole("physician", "nurse", "lab_tech", "lab_supervisor", "pathologist"))
	readGroup.GET("/requests", h.ListRequests)
	readGroup.GET("/requests/:id", h.GetRequest)
	readGroup.GET("/requests/:id/history", h.GetHistory)
	readGroup.GET("/requests/:id/sample", h.GetSample)
	readGroup.GET("/requests/:id/result", h.GetResult)
	readGroup.GET("/results/:id", h.GetResultByID)
	readGroup.GET("/samples/:barcode", h.FindSample)
	readGroup.GET("/alerts", h.ListAlerts)
	readGroup.GET("/alerts/:id", h.GetAlert)
	readGroup.GET("/catalog", h.GetCatalog)
	readGroup.GET("/reports/register.xlsx", h.ExportRegister)

	lab.POST("/requests", h.CreateRequest, auth.RequireRole("physician", "nurse"))
	lab.POST("/requests/:id/collect", h.CollectSample, auth.RequireRole("nurse", "lab_tech"))
	lab.POST("/requests/:id/start", h.StartProcessing, auth.RequireRole("lab_tech"))
	lab.POST("/requests/:id/complete", h.CompleteProcessing, auth.RequireRole("lab_tech"))
	lab.POST("/requests/:id/cancel", h.CancelRequest, auth.RequireRole("physician", "lab_tech"))
	lab.POST("/requests/:id/void", h.VoidRequest, auth.RequireRole("lab_supervisor"))
	lab.PUT("/requests/:id/result", h.SaveResult, auth.RequireRole("lab_tech"))
	lab.POST("/results/:id/approve", h.ApproveResult, auth.RequireRole("lab_supervisor", "pathologist"))
	lab.POST("/results/:id/reject", h.RejectResult, auth.RequireRole("lab_supervisor", "pathologist"))
	lab.POST("/alerts/:id/acknowledge", h.AcknowledgeAlert, auth.RequireRole("physician", "nurse"))
	lab.POST("/analyzer/oru", h.IngestORU, auth.RequireRole("lab_tech"))

	fhirRead := fhirGroup.Group("", auth.RequireRole("physician", "nurse", "lab_tech", "lab_supervisor", "pathologist"))
	fhirRead.GET("/DiagnosticReport/:id", h.GetDiagnosticReportFHIR)
}

// -- Error mapping --

// httpError converts workflow errors to HTTP errors. Conflicts carry a retry
// hint since the caller only needs to reload and try again.
func httpError(err error) error {
	var wf *Error
	if !errors.As(err, &wf) {
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error").SetInternal(err)
	}
	status := http.StatusInternalServerError
	switch wf.Kind {
	case KindNotFound:
		status = http.StatusNotFound
	case KindValidation:
		status = http.StatusBadRequest
	case KindInvalidTransition, KindConflict:
		status = http.StatusConflict
	case KindResultLocked:
		status = http.StatusLocked
	case KindSelfApprovalForbidden:
		status = http.StatusForbidden
	}
	body := map[string]interface{}{
		"error":   wf.Kind.String(),
		"message": wf.Error(),
	}
	if wf.Kind == KindConflict {
		body["retry"] = true
	}
	return echo.NewHTTPError(status, body).SetInternal(err)
}

func parseID(c echo.Context, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return id, nil
}

// actorOf returns the authenticated subject. The id supplied in the body is
// only used when the request carries no identity.
func actorOf(c echo.Context, fromBody string) string {
	if uid := auth.UserIDFromContext(c.Request().Context()); uid != "" {
		return uid
	}
	return strings.TrimSpace(fromBody)
}

// -- Requests --

type createRequestBody struct {
	PatientRef    string   `json:"patient_ref"`
	RequesterID   string   `json:"requester_id"`
	Department    string   `json:"department"`
	Tests         []string `json:"tests"`
	Priority      Priority `json:"priority"`
	ClinicalNotes string   `json:"clinical_notes"`
}

func (h *Handler) CreateRequest(c echo.Context) error {
	var body createRequestBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	req := &TestRequest{
		PatientRef:    body.PatientRef,
		RequesterID:   actorOf(c, body.RequesterID),
		Department:    strings.TrimSpace(body.Department),
		Tests:         body.Tests,
		Priority:      body.Priority,
		ClinicalNotes: strings.TrimSpace(body.ClinicalNotes),
	}
	if err := h.svc.CreateRequest(c.Request().Context(), req); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, req)
}

func (h *Handler) GetRequest(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	req, err := h.svc.GetRequest(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, req)
}

func parseTimeParam(v string) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, v); err == nil {
			return &t, nil
		}
	}
	return nil, fmt.Errorf("invalid time %q", v)
}

func (h *Handler) ListRequests(c echo.Context) error {
	pg := pagination.FromContext(c)
	f := RequestFilter{
		Department: c.QueryParam("department"),
		PatientRef: c.QueryParam("patient_ref"),
		Limit:      pg.Limit,
		Offset:     pg.Offset,
	}
	if raw := c.QueryParam("status"); raw != "" {
		for _, name := range strings.Split(raw, ",") {
			st, err := ParseRequestStatus(name)
			if err != nil {
				return echo.NewHTTPError(http.StatusBadRequest, err.Error())
			}
			f.Statuses = append(f.Statuses, st)
		}
	}
	if raw := c.QueryParam("priority"); raw != "" {
		p, err := ParsePriority(raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		f.Priority = p
	}
	var err error
	if f.From, err = parseTimeParam(c.QueryParam("from")); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if f.To, err = parseTimeParam(c.QueryParam("to")); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	items, total, err := h.svc.ListPendingRequests(c.Request().Context(), f)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) GetHistory(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	items, err := h.svc.History(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, items)
}

// -- Lifecycle --

type collectBody struct {
	CollectorID string `json:"collector_id"`
	SampleType  string `json:"sample_type"`
}

type requestSampleResponse struct {
	Request *TestRequest `json:"request"`
	Sample  *Sample      `json:"sample"`
}

func (h *Handler) CollectSample(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	var body collectBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	req, sample, err := h.svc.CollectSample(c.Request().Context(), id, CollectInput{
		CollectorID: actorOf(c, body.CollectorID),
		SampleType:  body.SampleType,
	})
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, requestSampleResponse{Request: req, Sample: sample})
}

type processingBody struct {
	ActorID  string `json:"actor_id"`
	Analyzer string `json:"analyzer"`
}

func (h *Handler) StartProcessing(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	var body processingBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	req, sample, err := h.svc.StartProcessing(c.Request().Context(), id, actorOf(c, body.ActorID), body.Analyzer)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, requestSampleResponse{Request: req, Sample: sample})
}

func (h *Handler) CompleteProcessing(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	var body processingBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	req, sample, err := h.svc.CompleteProcessing(c.Request().Context(), id, actorOf(c, body.ActorID))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, requestSampleResponse{Request: req, Sample: sample})
}

type reasonBody struct {
	ActorID string `json:"actor_id"`
	Reason  string `json:"reason"`
}

func (h *Handler) CancelRequest(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	var body reasonBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	req, err := h.svc.CancelRequest(c.Request().Context(), id, actorOf(c, body.ActorID), body.Reason)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, req)
}

func (h *Handler) VoidRequest(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	var body reasonBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	req, err := h.svc.VoidRequest(c.Request().Context(), id, actorOf(c, body.ActorID), body.Reason)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, req)
}

// -- Samples --

func (h *Handler) GetSample(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	sample, err := h.svc.GetSample(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, sample)
}

func (h *Handler) FindSample(c echo.Context) error {
	sample, err := h.svc.FindSampleByBarcode(c.Request().Context(), c.Param("barcode"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, sample)
}

// -- Results --

type saveResultBody struct {
	EnteredBy  string          `json:"entered_by"`
	Parameters []TestParameter `json:"parameters"`
	Notes      string          `json:"notes"`
}

func (h *Handler) SaveResult(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	var body saveResultBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	res, err := h.svc.SaveResult(c.Request().Context(), SaveResultInput{
		RequestID:  id,
		EnteredBy:  actorOf(c, body.EnteredBy),
		Parameters: body.Parameters,
		Notes:      body.Notes,
		Source:     SourceManual,
	})
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) GetResult(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	res, err := h.svc.GetResult(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) GetResultByID(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	res, err := h.svc.GetResultByID(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, res)
}

type approveBody struct {
	ApproverID string `json:"approver_id"`
}

func (h *Handler) ApproveResult(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	var body approveBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	res, err := h.svc.ApproveResult(c.Request().Context(), id, actorOf(c, body.ApproverID))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) RejectResult(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	var body reasonBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	res, err := h.svc.RejectResult(c.Request().Context(), id, actorOf(c, body.ActorID), body.Reason)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, res)
}

// -- Alerts --

func (h *Handler) ListAlerts(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.alerts.ListAlerts(c.Request().Context(), AlertStatus(c.QueryParam("status")), pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) GetAlert(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	a, err := h.alerts.GetAlert(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) AcknowledgeAlert(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	var body reasonBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	a, err := h.alerts.AcknowledgeAlert(c.Request().Context(), id, actorOf(c, body.ActorID))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, a)
}

// -- Catalog, analyzer, reports --

func (h *Handler) GetCatalog(c echo.Context) error {
	cat, err := h.svc.Catalog(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, cat)
}

type ingestResponse struct {
	Ack      string          `json:"ack"`
	Code     string          `json:"ack_code"`
	Outcomes []IngestOutcome `json:"outcomes,omitempty"`
}

// IngestORU accepts a raw HL7 ORU^R01 message, as an analyzer would send
// over MLLP, and answers with the acknowledgment.
func (h *Handler) IngestORU(c echo.Context) error {
	raw, err := io.ReadAll(io.LimitReader(c.Request().Body, maxHL7Body))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "failed to read body")
	}
	ack, outcomes, err := h.analyzer.IngestRaw(c.Request().Context(), raw)
	resp := ingestResponse{
		Ack:      string(hl7v2.SerializeMessage(ack)),
		Code:     ack.GetSegment("MSA").GetField(1),
		Outcomes: outcomes,
	}
	if err != nil {
		return c.JSON(http.StatusBadRequest, resp)
	}
	if resp.Code != hl7v2.AckAccept {
		return c.JSON(http.StatusUnprocessableEntity, resp)
	}
	return c.JSON(http.StatusOK, resp)
}

func (h *Handler) ExportRegister(c echo.Context) error {
	from, err := parseTimeParam(c.QueryParam("from"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	to, err := parseTimeParam(c.QueryParam("to"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	var fromT, toT time.Time
	if from != nil {
		fromT = *from
	}
	if to != nil {
		toT = *to
	}
	rows, err := h.svc.Register(c.Request().Context(), fromT, toT)
	if err != nil {
		return httpError(err)
	}
	data, err := GenerateRegister(rows)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to render register").SetInternal(err)
	}
	name := "lab-register-" + time.Now().UTC().Format("20060102") + ".xlsx"
	c.Response().Header().Set(echo.HeaderContentDisposition, `attachment; filename="`+name+`"`)
	return c.Blob(http.StatusOK, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", data)
}

// -- FHIR --

func (h *Handler) GetDiagnosticReportFHIR(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, fhir.ErrorOutcome("invalid id"))
	}
	ctx := c.Request().Context()
	req, err := h.svc.GetRequest(ctx, id)
	if err != nil {
		if KindOf(err) == KindNotFound {
			return c.JSON(http.StatusNotFound, fhir.NotFoundOutcome("DiagnosticReport", c.Param("id")))
		}
		return c.JSON(http.StatusInternalServerError, fhir.ErrorOutcome(err.Error()))
	}
	res, err := h.svc.GetResult(ctx, id)
	if err != nil {
		if KindOf(err) == KindNotFound {
			return c.JSON(http.StatusNotFound, fhir.NotFoundOutcome("DiagnosticReport", c.Param("id")))
		}
		return c.JSON(http.StatusInternalServerError, fhir.ErrorOutcome(err.Error()))
	}
	sample, err := h.svc.GetSample(ctx, id)
	if err != nil {
		sample = nil
	}
	return c.JSON(http.StatusOK, res.ToFHIR(req, sample))
}
