package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/openagentsinc/dvm-engine/common/errors"
	"github.com/openagentsinc/dvm-engine/common/log"
	"github.com/openagentsinc/dvm-engine/internal/db"
)

// Handler exposes the provider's read-only admin API: job history and
// aggregate statistics.
type Handler struct {
	store  *db.DB
	logger log.Logger
}

func New(store *db.DB, logger log.Logger) *Handler {
	return &Handler{store: store, logger: logger}
}

func (h *Handler) Register(r *gin.Engine) {
	group := r.Group("/v1")

	group.GET("/jobs", h.ListJobs)
	group.GET("/jobs/:id", h.GetJob)
	group.GET("/stats", h.GetStats)
	group.GET("/health", h.Health)
}

type listMeta struct {
	Total uint64 `json:"total"`
}

type jobList struct {
	Metadata listMeta          `json:"metadata"`
	Items    []db.HistoryEntry `json:"items"`
}

func (h *Handler) ListJobs(ctx *gin.Context) {
	offset, _ := strconv.Atoi(ctx.DefaultQuery("offset", "0"))
	limit, _ := strconv.Atoi(ctx.DefaultQuery("limit", "50"))

	entries, total, err := h.store.ListEntries(offset, limit)
	if err != nil {
		errors.Response(ctx, errors.Wrap(err, "list job history"))
		return
	}
	ctx.JSON(http.StatusOK, jobList{
		Metadata: listMeta{Total: uint64(total)},
		Items:    entries,
	})
}

func (h *Handler) GetJob(ctx *gin.Context) {
	entry, err := h.store.GetEntry(ctx.Param("id"))
	if err != nil {
		ctx.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	ctx.JSON(http.StatusOK, entry)
}

func (h *Handler) GetStats(ctx *gin.Context) {
	stats, err := h.store.Statistics()
	if err != nil {
		errors.Response(ctx, errors.Wrap(err, "compute statistics"))
		return
	}
	ctx.JSON(http.StatusOK, stats)
}

func (h *Handler) Health(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
}
