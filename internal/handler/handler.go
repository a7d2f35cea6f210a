// Package handler exposes the kiosk over a local JSON API.
package handler

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/deepface/attendance-kiosk/internal/attendance"
	"github.com/deepface/attendance-kiosk/internal/auth"
	"github.com/deepface/attendance-kiosk/internal/camera"
	"github.com/deepface/attendance-kiosk/internal/faceclient"
	"github.com/deepface/attendance-kiosk/internal/kiosk"
	"github.com/deepface/attendance-kiosk/internal/registration"
)

// maxDatasetFile bounds a single uploaded dataset image.
const maxDatasetFile = 10 << 20

// DatasetUploader forwards bulk training images to the recognition service.
type DatasetUploader interface {
	UploadDataset(ctx context.Context, nim string, images []string) error
}

// Operator configures operator sessions. An empty PIN disables them.
type Operator struct {
	PIN        string
	Issuer     string
	SigningKey string
	TTL        time.Duration
}

// Enabled reports whether operator auth is configured.
func (o Operator) Enabled() bool { return o.PIN != "" }

type Handler struct {
	app          *kiosk.App
	dataset      DatasetUploader
	operator     Operator
	defaultModel attendance.Model
}

func New(app *kiosk.App, dataset DatasetUploader, op Operator, defaultModel attendance.Model) *Handler {
	if defaultModel == "" {
		defaultModel = attendance.Facenet
	}
	return &Handler{app: app, dataset: dataset, operator: op, defaultModel: defaultModel}
}

// Routes mounts the API on r.
func (h *Handler) Routes(r gin.IRouter) {
	r.GET("/healthz", h.Healthz)

	api := r.Group("/api")
	api.GET("/status", h.Status)
	api.POST("/navigate", h.Navigate)
	api.GET("/dashboard", h.Dashboard)
	api.GET("/logs", h.Logs)
	api.POST("/attendance/scan", h.Scan)
	api.GET("/attendance/preview", h.Preview)
	api.POST("/operator/session", h.OperatorSession)

	op := api.Group("", auth.OperatorAuth(h.operator.Enabled(), h.operator.SigningKey, h.operator.Issuer))
	op.GET("/register", h.RegisterState)
	op.GET("/register/preview", h.Preview)
	op.GET("/register/photos/:index", h.RegisterPhoto)
	op.POST("/register/identity", h.RegisterIdentity)
	op.POST("/register/advance", h.RegisterAdvance)
	op.POST("/register/capture", h.RegisterCapture)
	op.POST("/register/submit", h.RegisterSubmit)
	op.POST("/register/reset", h.RegisterReset)
	op.POST("/dataset", h.UploadDataset)
}

func ok(c *gin.Context, code int, data any) {
	c.JSON(code, gin.H{"status": "success", "data": data})
}

// fail maps an error to a status code and writes it.
func fail(c *gin.Context, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, kiosk.ErrUnknownPage),
		errors.Is(err, attendance.ErrUnknownModel),
		errors.Is(err, registration.ErrValidation):
		code = http.StatusBadRequest
	case errors.Is(err, kiosk.ErrWrongPage),
		errors.Is(err, kiosk.ErrViewLeft),
		errors.Is(err, registration.ErrWrongStep),
		errors.Is(err, registration.ErrBusy),
		errors.Is(err, attendance.ErrScanInProgress),
		errors.Is(err, camera.ErrSessionActive):
		code = http.StatusConflict
	case errors.Is(err, camera.ErrPermissionDenied):
		code = http.StatusForbidden
	case errors.Is(err, camera.ErrDeviceUnavailable),
		errors.Is(err, camera.ErrNoActiveFrame):
		code = http.StatusServiceUnavailable
	case errors.Is(err, faceclient.ErrTransport):
		code = http.StatusBadGateway
	}
	if code == http.StatusInternalServerError {
		log.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
	}
	c.JSON(code, gin.H{"status": "error", "message": err.Error()})
}

// ---------- Health ----------

func (h *Handler) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// ---------- Pages ----------

func (h *Handler) Status(c *gin.Context) {
	ok(c, http.StatusOK, h.app.Status())
}

func (h *Handler) Navigate(c *gin.Context) {
	var req struct {
		Page string `json:"page" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "message": err.Error()})
		return
	}
	page, err := kiosk.ParsePage(req.Page)
	if err != nil {
		fail(c, err)
		return
	}
	if err := h.app.Navigate(c.Request.Context(), page); err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, h.app.Status())
}

func (h *Handler) Dashboard(c *gin.Context) {
	ok(c, http.StatusOK, h.app.Dashboard(c.Request.Context()))
}

func (h *Handler) Logs(c *gin.Context) {
	ok(c, http.StatusOK, h.app.Logs())
}

// ---------- Attendance ----------

func (h *Handler) Scan(c *gin.Context) {
	var req struct {
		Model string `json:"model"`
	}
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
			c.JSON(http.StatusBadRequest, gin.H{"status": "error", "message": err.Error()})
			return
		}
	}
	model := h.defaultModel
	if req.Model != "" {
		m, err := attendance.ParseModel(req.Model)
		if err != nil {
			fail(c, err)
			return
		}
		model = m
	}

	// A client that goes away must not abort a verification the service may
	// already have recorded; API_TIMEOUT still bounds the call.
	out, err := h.app.Scan(context.WithoutCancel(c.Request.Context()), model)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, out)
}

func (h *Handler) Preview(c *gin.Context) {
	frame, err := h.app.Preview()
	if err != nil {
		fail(c, err)
		return
	}
	c.Header("Cache-Control", "no-store")
	c.Data(http.StatusOK, frame.MediaType, frame.Data)
}

// ---------- Operator ----------

func (h *Handler) OperatorSession(c *gin.Context) {
	if !h.operator.Enabled() {
		c.JSON(http.StatusNotFound, gin.H{"status": "error", "message": "operator auth not configured"})
		return
	}
	var req struct {
		PIN string `json:"pin" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "message": err.Error()})
		return
	}
	if err := auth.CheckPIN(req.PIN, h.operator.PIN); err != nil {
		log.Warn().Str("ip", c.ClientIP()).Msg("operator pin rejected")
		c.JSON(http.StatusUnauthorized, gin.H{"status": "error", "message": err.Error()})
		return
	}
	tok, err := auth.Issue("operator", h.operator.Issuer, h.operator.SigningKey, h.operator.TTL)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"status": "error", "message": "token issue failed"})
		return
	}
	ok(c, http.StatusCreated, tok)
}

// ---------- Registration ----------

func (h *Handler) wizard(c *gin.Context) (*registration.Wizard, bool) {
	w, err := h.app.Wizard()
	if err != nil {
		fail(c, err)
		return nil, false
	}
	return w, true
}

func (h *Handler) RegisterState(c *gin.Context) {
	w, found := h.wizard(c)
	if !found {
		return
	}
	ok(c, http.StatusOK, w.Snapshot())
}

// RegisterPhoto serves a captured photo for review, 0 = front, 1 = left, 2 = right.
func (h *Handler) RegisterPhoto(c *gin.Context) {
	w, found := h.wizard(c)
	if !found {
		return
	}
	idx, err := strconv.Atoi(c.Param("index"))
	photos := w.Photos()
	if err != nil || idx < 0 || idx >= len(photos) {
		c.JSON(http.StatusNotFound, gin.H{"status": "error", "message": "no such photo"})
		return
	}
	c.Header("Cache-Control", "no-store")
	c.Data(http.StatusOK, photos[idx].MediaType, photos[idx].Data)
}

func (h *Handler) RegisterIdentity(c *gin.Context) {
	w, found := h.wizard(c)
	if !found {
		return
	}
	var req struct {
		NIM  string `json:"nim"`
		Name string `json:"name"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "message": err.Error()})
		return
	}
	if err := w.SetIdentity(req.NIM, req.Name); err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, w.Snapshot())
}

func (h *Handler) RegisterAdvance(c *gin.Context) {
	w, found := h.wizard(c)
	if !found {
		return
	}
	snap, err := w.Advance(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, snap)
}

func (h *Handler) RegisterCapture(c *gin.Context) {
	w, found := h.wizard(c)
	if !found {
		return
	}
	snap, err := w.Capture()
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, snap)
}

func (h *Handler) RegisterSubmit(c *gin.Context) {
	w, found := h.wizard(c)
	if !found {
		return
	}
	out, err := w.Submit(context.WithoutCancel(c.Request.Context()))
	if err != nil {
		fail(c, err)
		return
	}
	if !out.Success {
		c.JSON(http.StatusOK, gin.H{"status": "failed", "message": out.Message, "data": w.Snapshot()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"status": "success", "message": "registered", "data": w.Snapshot()})
}

func (h *Handler) RegisterReset(c *gin.Context) {
	w, found := h.wizard(c)
	if !found {
		return
	}
	w.Reset()
	ok(c, http.StatusOK, w.Snapshot())
}

// ---------- Dataset ----------

// UploadDataset forwards multipart images (field files[]) for a nim.
func (h *Handler) UploadDataset(c *gin.Context) {
	nim := c.PostForm("nim")
	form, err := c.MultipartForm()
	if err != nil || nim == "" {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "message": "multipart form with nim and files[] required"})
		return
	}
	files := form.File["files[]"]
	if len(files) == 0 {
		files = form.File["files"]
	}
	if len(files) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "message": "no files uploaded"})
		return
	}

	images := make([]string, 0, len(files))
	for _, fh := range files {
		f, err := fh.Open()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"status": "error", "message": "read " + fh.Filename + " failed"})
			return
		}
		data, err := io.ReadAll(io.LimitReader(f, maxDatasetFile+1))
		f.Close()
		if err != nil || len(data) > maxDatasetFile {
			c.JSON(http.StatusBadRequest, gin.H{"status": "error", "message": fh.Filename + " is unreadable or too large"})
			return
		}
		images = append(images, "data:"+http.DetectContentType(data)+";base64,"+base64.StdEncoding.EncodeToString(data))
	}

	err = h.dataset.UploadDataset(c.Request.Context(), nim, images)
	var rejected *faceclient.RejectedError
	var transport *faceclient.TransportError
	switch {
	case err == nil:
		log.Info().Str("nim", nim).Int("files", len(images)).Msg("dataset uploaded")
		ok(c, http.StatusOK, gin.H{"nim": nim, "files": len(images)})
	case errors.As(err, &rejected):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"status": "failed", "message": rejected.Message})
	case errors.As(err, &transport) && transport.Detail != "":
		c.JSON(http.StatusBadGateway, gin.H{"status": "error", "message": transport.Detail})
	default:
		log.Warn().Err(err).Str("nim", nim).Msg("dataset upload failed")
		c.JSON(http.StatusBadGateway, gin.H{"status": "error", "message": registration.TransportMessage})
	}
}
