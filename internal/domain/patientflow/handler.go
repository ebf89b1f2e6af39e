package patientflow

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/patientflow/internal/platform/auth"
	"github.com/ehr/patientflow/pkg/pagination"
)

// Staff roles. The admin role passes every check.
const (
	RoleReceptionist  = "receptionist"
	RoleNurse         = "nurse"
	RolePhysician     = "physician"
	RoleLabTechnician = "lab_technician"
	RolePharmacist    = "pharmacist"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Read endpoints – all clinical staff
	readGroup := api.Group("", auth.RequireRole(RoleReceptionist, RoleNurse, RolePhysician, RoleLabTechnician, RolePharmacist))
	readGroup.GET("/queue", h.ListQueue)
	readGroup.GET("/queue/board", h.GetBoard)
	readGroup.GET("/queue/transitions", h.GetTransitions)
	readGroup.GET("/queue/:id", h.GetQueueEntry)
	readGroup.GET("/patients/:id/queue", h.GetPatientQueue)
	readGroup.GET("/doctors/:id/queue", h.GetDoctorQueue)
	readGroup.GET("/stations/:station/queue", h.GetStationQueue)

	// Registration desk
	deskGroup := api.Group("", auth.RequireRole(RoleReceptionist))
	deskGroup.POST("/queue", h.RegisterPatient)
	deskGroup.POST("/queue/:id/call", h.CallToken)
	deskGroup.POST("/queue/:id/notify", h.NotifyPatient)

	// Status and triage changes – any station moving a patient along
	flowGroup := api.Group("", auth.RequireRole(RoleReceptionist, RoleNurse, RolePhysician, RolePharmacist))
	flowGroup.PUT("/queue/:id/status", h.UpdateStatus)

	triageGroup := api.Group("", auth.RequireRole(RoleReceptionist, RoleNurse, RolePhysician))
	triageGroup.PUT("/queue/:id/priority", h.UpdatePriority)
	triageGroup.POST("/doctors/:id/notify", h.NotifyDoctor)

	// Vitals station
	nurseGroup := api.Group("", auth.RequireRole(RoleNurse))
	nurseGroup.POST("/queue/:id/vitals", h.RecordVitals)

	// Consultation room
	doctorGroup := api.Group("", auth.RequireRole(RolePhysician))
	doctorGroup.POST("/queue/:id/doctor", h.AssignDoctor)
	doctorGroup.POST("/queue/:id/lab-tests", h.OrderLabTests)
	doctorGroup.POST("/queue/:id/diagnoses", h.RecordDiagnosis)
	doctorGroup.POST("/queue/:id/medications", h.PrescribeMedications)

	// Lab bench
	labGroup := api.Group("", auth.RequireRole(RoleLabTechnician))
	labGroup.PUT("/queue/:id/lab-tests/:testId", h.UpdateLabTest)
}

// httpError maps queue errors to HTTP status codes.
func httpError(err error) error {
	switch {
	case errors.Is(err, ErrValidation):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrEntryNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrInvalidStateTransition):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

func parseID(c echo.Context, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return id, nil
}

func parseStatuses(raw string) []Status {
	if raw == "" {
		return nil
	}
	var out []Status
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, Status(s))
		}
	}
	return out
}

// -- Registration --

func (h *Handler) RegisterPatient(c echo.Context) error {
	var r Registration
	if err := c.Bind(&r); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	e, err := h.svc.Register(c.Request().Context(), r)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, e)
}

type statusRequest struct {
	Status Status `json:"status"`
}

func (h *Handler) UpdateStatus(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	var req statusRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	e, err := h.svc.UpdatePatientStatus(c.Request().Context(), id, req.Status)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, e)
}

type priorityRequest struct {
	Priority Priority `json:"priority"`
}

func (h *Handler) UpdatePriority(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	var req priorityRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	e, err := h.svc.UpdatePriority(c.Request().Context(), id, req.Priority)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, e)
}

// -- Vitals --

func (h *Handler) RecordVitals(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	var v Vitals
	if err := c.Bind(&v); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if v.RecordedBy == "" {
		v.RecordedBy = auth.UserIDFromContext(c.Request().Context())
	}
	e, err := h.svc.RecordVitals(c.Request().Context(), id, v)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, e)
}

// -- Consultation --

type assignDoctorRequest struct {
	DoctorID   string `json:"doctor_id"`
	DoctorName string `json:"doctor_name"`
}

func (h *Handler) AssignDoctor(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	var req assignDoctorRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	e, err := h.svc.AssignDoctor(c.Request().Context(), id, req.DoctorID, req.DoctorName)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, e)
}

type labOrderRequest struct {
	Tests []LabTestOrder `json:"tests"`
}

func (h *Handler) OrderLabTests(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	var req labOrderRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	user := auth.UserIDFromContext(c.Request().Context())
	for i := range req.Tests {
		if req.Tests[i].OrderedBy == "" {
			req.Tests[i].OrderedBy = user
		}
	}
	e, err := h.svc.OrderLabTests(c.Request().Context(), id, req.Tests)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, e)
}

func (h *Handler) RecordDiagnosis(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	var d Diagnosis
	if err := c.Bind(&d); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	e, err := h.svc.RecordDiagnosis(c.Request().Context(), id, d)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, e)
}

type prescriptionRequest struct {
	Medications []Medication `json:"medications"`
}

func (h *Handler) PrescribeMedications(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	var req prescriptionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	e, err := h.svc.PrescribeMedications(c.Request().Context(), id, req.Medications)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, e)
}

// -- Lab --

func (h *Handler) UpdateLabTest(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	testID, err := parseID(c, "testId")
	if err != nil {
		return err
	}
	var upd LabTestUpdate
	if err := c.Bind(&upd); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if upd.UploadedBy == "" {
		upd.UploadedBy = auth.UserIDFromContext(c.Request().Context())
	}
	e, err := h.svc.UpdateLabTestStatus(c.Request().Context(), id, testID, upd)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, e)
}

// -- Announcements --

type callRequest struct {
	Destination string `json:"destination"`
}

func (h *Handler) CallToken(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	var req callRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	e, err := h.svc.CallToken(c.Request().Context(), id, req.Destination)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, e)
}

type notifyRequest struct {
	Message string `json:"message"`
}

func (h *Handler) NotifyPatient(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	var req notifyRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.svc.NotifyPatient(c.Request().Context(), id, req.Message); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusAccepted)
}

func (h *Handler) NotifyDoctor(c echo.Context) error {
	var req notifyRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.svc.NotifyDoctor(c.Request().Context(), c.Param("id"), req.Message); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusAccepted)
}

// -- Queries --

func (h *Handler) GetQueueEntry(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	e, err := h.svc.GetQueueEntry(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, e)
}

// ListQueue handles GET /queue?status=a,b&patient_id=&doctor_id=&limit=&offset=.
func (h *Handler) ListQueue(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, err := h.svc.ListQueue(c.Request().Context(), QueueFilter{
		Statuses:  parseStatuses(c.QueryParam("status")),
		PatientID: c.QueryParam("patient_id"),
		DoctorID:  c.QueryParam("doctor_id"),
	})
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(pagination.Page(items, pg), len(items), pg.Limit, pg.Offset))
}

func (h *Handler) GetBoard(c echo.Context) error {
	b, err := h.svc.Board(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, b)
}

func (h *Handler) GetTransitions(c echo.Context) error {
	return c.JSON(http.StatusOK, TransitionMatrix())
}

func (h *Handler) GetPatientQueue(c echo.Context) error {
	e, err := h.svc.GetPatientQueue(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, e)
}

func (h *Handler) GetDoctorQueue(c echo.Context) error {
	items, err := h.svc.GetDoctorQueue(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, items)
}

// GetStationQueue handles GET /stations/:station/queue?limit=N.
func (h *Handler) GetStationQueue(c echo.Context) error {
	station, err := ParseStation(c.Param("station"))
	if err != nil {
		return httpError(err)
	}
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	items, err := h.svc.StationQueue(c.Request().Context(), station, limit)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, items)
}
