package http

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"carspot-service/internal/backend"
	"carspot-service/internal/config"
	"carspot-service/internal/domain/car"
	"carspot-service/internal/ingest"
	"carspot-service/internal/service"
)

type Handler struct {
	registry *service.Registry
	config   *config.Config
	log      zerolog.Logger
}

func NewHandler(
	registry *service.Registry,
	cfg *config.Config,
	log zerolog.Logger,
) *Handler {
	return &Handler{
		registry: registry,
		config:   cfg,
		log:      log,
	}
}

func (h *Handler) Register(r *gin.Engine, authMiddleware, optionalAuth gin.HandlerFunc) {
	r.GET("/health", h.health)

	public := r.Group("/api/v1")
	public.Use(optionalAuth)
	{
		public.GET("/feed", h.feed)
	}

	protected := r.Group("/api/v1")
	protected.Use(authMiddleware)
	{
		protected.POST("/uploads", h.upload)
		protected.GET("/recognition", h.recognitionState)
		protected.POST("/recognition", h.identify)
		protected.DELETE("/recognition", h.resetRecognition)

		protected.POST("/cars", h.saveCar)
		protected.GET("/cars/saved", h.saved)
		protected.DELETE("/cars/:owner/:created", h.deleteCar)
		protected.POST("/cars/:owner/:created/like", h.like)
		protected.DELETE("/cars/:owner/:created/like", h.unlike)

		protected.GET("/previews/:id", h.preview)
		protected.DELETE("/previews/:id", h.releasePreview)

		protected.GET("/session", h.currentSession)
		protected.POST("/session/refresh", h.refreshSession)
		protected.DELETE("/session", h.signOut)
		protected.GET("/status", h.status)

		protected.PUT("/profile/username", h.updateUsername)
		protected.POST("/profile/photo", h.uploadProfilePhoto)
	}
}

func (h *Handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// fileEvent turns a multipart upload into a picker or drop event. A drop
// carries the element chain under the pointer, innermost first, in the
// "target" field as comma separated ids or classes.
func fileEvent(c *gin.Context, limit int64) (ingest.Event, error) {
	var files []ingest.File
	header, err := c.FormFile("file")
	switch {
	case errors.Is(err, http.ErrMissingFile):
	case err != nil:
		return nil, fmt.Errorf("%w: %v", car.ErrValidation, err)
	default:
		f, err := header.Open()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", car.ErrValidation, err)
		}
		defer f.Close()

		reader := io.Reader(f)
		if limit > 0 {
			reader = io.LimitReader(f, limit+1)
		}
		data, err := io.ReadAll(reader)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", car.ErrValidation, err)
		}
		files = append(files, ingest.File{Name: header.Filename, Size: header.Size, Data: data})
	}

	if c.PostForm("source") != "drop" {
		return ingest.PickerEvent{Files: files}, nil
	}
	return ingest.DropEvent{Target: elementChain(c.PostForm("target")), Files: files}, nil
}

func elementChain(target string) *ingest.Element {
	var root *ingest.Element
	var names []string
	for _, name := range strings.Split(target, ",") {
		if name = strings.TrimSpace(name); name != "" {
			names = append(names, name)
		}
	}
	for i := len(names) - 1; i >= 0; i-- {
		root = &ingest.Element{ID: names[i], Parent: root}
	}
	return root
}

func (h *Handler) upload(c *gin.Context) {
	ws := workspaceFrom(c)
	ev, err := fileEvent(c, h.config.Upload.MaxBytes)
	if err != nil {
		h.handleError(c, err)
		return
	}

	if identify, _ := strconv.ParseBool(c.DefaultQuery("identify", "true")); !identify {
		payload, err := ws.Select(ev)
		if ignoredDrop(err) {
			c.Status(http.StatusNoContent)
			return
		}
		if err != nil {
			h.handleError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, successResponse(gin.H{
			"payload_id":   payload.ID,
			"preview_id":   ingest.LocatorID(payload.PreviewURL),
			"content_type": payload.ContentType,
			"size":         payload.Size,
		}))
		return
	}

	snap, err := ws.SelectAndIdentify(c.Request.Context(), ev)
	if ignoredDrop(err) {
		c.Status(http.StatusNoContent)
		return
	}
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, successResponse(snap))
}

// ignoredDrop reports a drop that landed outside the upload area. Those are
// dropped silently and leave the workspace untouched.
func ignoredDrop(err error) bool {
	var rej *car.Rejection
	return errors.As(err, &rej) && rej.Reason == car.OutsideDropTarget
}

func (h *Handler) recognitionState(c *gin.Context) {
	c.JSON(http.StatusOK, successResponse(workspaceFrom(c).Recognition()))
}

func (h *Handler) identify(c *gin.Context) {
	snap, err := workspaceFrom(c).Identify(c.Request.Context())
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, successResponse(snap))
}

func (h *Handler) resetRecognition(c *gin.Context) {
	workspaceFrom(c).ResetRecognition()
	c.Status(http.StatusNoContent)
}

type saveCarRequest struct {
	Description string `json:"description"`
	IsPrivate   bool   `json:"is_private"`
}

func (h *Handler) saveCar(c *gin.Context) {
	var req saveCarRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
		return
	}

	rec, err := workspaceFrom(c).SaveLastResult(c.Request.Context(), req.Description, req.IsPrivate)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusCreated, successResponse(rec))
}

func sortParam(c *gin.Context) (car.SortKey, bool) {
	key, err := car.ParseSortKey(c.DefaultQuery("sort", string(car.SortMostRecent)))
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
		return "", false
	}
	return key, true
}

func reloadParam(c *gin.Context) bool {
	reload, err := strconv.ParseBool(c.DefaultQuery("reload", "true"))
	return err != nil || reload
}

func (h *Handler) feed(c *gin.Context) {
	key, ok := sortParam(c)
	if !ok {
		return
	}
	view, err := workspaceFrom(c).Feed(c.Request.Context(), key, reloadParam(c))
	h.respondView(c, view, err)
}

func (h *Handler) saved(c *gin.Context) {
	key, ok := sortParam(c)
	if !ok {
		return
	}
	view, err := workspaceFrom(c).Saved(c.Request.Context(), key, reloadParam(c))
	h.respondView(c, view, err)
}

// respondView serves the previous or persisted set when a reload failed but
// something is still available, and fails only when nothing ever loaded.
func (h *Handler) respondView(c *gin.Context, view service.FeedView, err error) {
	if err == nil {
		c.JSON(http.StatusOK, successResponse(view))
		return
	}
	if view.Status.Loaded || view.Status.Stale {
		c.JSON(http.StatusOK, gin.H{"data": view, "warning": err.Error()})
		return
	}
	h.handleError(c, err)
}

func keyParam(c *gin.Context) (car.Key, bool) {
	created, err := car.ParseTimestamp(c.Param("created"))
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
		return car.Key{}, false
	}
	owner := c.Param("owner")
	if owner == "" {
		c.JSON(http.StatusBadRequest, errorResponse("owner is required"))
		return car.Key{}, false
	}
	return car.Key{OwnerID: owner, CreatedAt: created}, true
}

func (h *Handler) deleteCar(c *gin.Context) {
	key, ok := keyParam(c)
	if !ok {
		return
	}
	if err := workspaceFrom(c).Delete(c.Request.Context(), key); err != nil {
		h.handleError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) like(c *gin.Context) {
	key, ok := keyParam(c)
	if !ok {
		return
	}
	res, err := workspaceFrom(c).Like(c.Request.Context(), key)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, successResponse(res))
}

func (h *Handler) unlike(c *gin.Context) {
	key, ok := keyParam(c)
	if !ok {
		return
	}
	res, err := workspaceFrom(c).Unlike(c.Request.Context(), key)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, successResponse(res))
}

func (h *Handler) preview(c *gin.Context) {
	data, contentType, ok := workspaceFrom(c).OpenPreview(ingest.Locator(c.Param("id")))
	if !ok {
		c.JSON(http.StatusNotFound, errorResponse("preview not found"))
		return
	}
	c.Data(http.StatusOK, contentType, data)
}

func (h *Handler) releasePreview(c *gin.Context) {
	if !workspaceFrom(c).ReleasePreview(ingest.Locator(c.Param("id"))) {
		c.JSON(http.StatusNotFound, errorResponse("preview not found"))
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) currentSession(c *gin.Context) {
	u, _ := userFrom(c)
	c.JSON(http.StatusOK, successResponse(u))
}

func (h *Handler) refreshSession(c *gin.Context) {
	u, err := workspaceFrom(c).Session().Refresh(c.Request.Context())
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, successResponse(u))
}

func (h *Handler) signOut(c *gin.Context) {
	u, _ := userFrom(c)
	h.registry.SignOut(c.Request.Context(), u.UserID)
	c.Status(http.StatusNoContent)
}

func (h *Handler) status(c *gin.Context) {
	ws := workspaceFrom(c)
	c.JSON(http.StatusOK, successResponse(gin.H{
		"partitions":  ws.Status(),
		"recognition": ws.Recognition(),
	}))
}

type updateUsernameRequest struct {
	Username string `json:"username" binding:"required"`
}

func (h *Handler) updateUsername(c *gin.Context) {
	var req updateUsernameRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
		return
	}
	if err := workspaceFrom(c).UpdateUsername(c.Request.Context(), req.Username); err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, successResponse(gin.H{"username": strings.TrimSpace(req.Username)}))
}

func (h *Handler) uploadProfilePhoto(c *gin.Context) {
	ev, err := fileEvent(c, h.config.Upload.ProfileMaxBytes)
	if err != nil {
		h.handleError(c, err)
		return
	}
	url, err := workspaceFrom(c).UploadProfilePhoto(c.Request.Context(), ev)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, successResponse(gin.H{"photo_url": url}))
}

func (h *Handler) handleError(c *gin.Context, err error) {
	var rej *car.Rejection
	switch {
	case errors.As(err, &rej) && rej.Reason == car.TooLarge:
		c.JSON(http.StatusRequestEntityTooLarge, rejectionResponse(rej))
	case errors.As(err, &rej):
		c.JSON(http.StatusBadRequest, rejectionResponse(rej))
	case errors.Is(err, car.ErrPersistence):
		h.log.Warn().Err(err).Str("path", c.FullPath()).Msg("save failed")
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error(), "retryable": backend.IsRetryable(err)})
	case errors.Is(err, car.ErrValidation):
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
	case errors.Is(err, car.ErrAuthRequired):
		c.JSON(http.StatusUnauthorized, errorResponse(err.Error()))
	case errors.Is(err, car.ErrNotFound):
		c.JSON(http.StatusNotFound, errorResponse(err.Error()))
	case errors.Is(err, car.ErrSuperseded):
		c.JSON(http.StatusConflict, errorResponse(err.Error()))
	case errors.Is(err, car.ErrTransport):
		h.log.Warn().Err(err).Str("path", c.FullPath()).Msg("upstream failure")
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error(), "retryable": backend.IsRetryable(err)})
	default:
		h.log.Error().Err(err).Msg("handler error")
		c.JSON(http.StatusInternalServerError, errorResponse("internal error"))
	}
}

func successResponse(data interface{}) gin.H {
	return gin.H{
		"data": data,
	}
}

func errorResponse(message string) gin.H {
	return gin.H{
		"error": message,
	}
}

func rejectionResponse(rej *car.Rejection) gin.H {
	return gin.H{
		"error":  rej.Error(),
		"reason": rej.Reason,
	}
}
