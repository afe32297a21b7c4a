package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/misswatch/misswatch/internal/store"
)

// Handler serves the three read-only endpoints over the full_miss table.
type Handler struct {
	store   store.QueryStore
	logger  *slog.Logger
	maxRows int
	timeout time.Duration
	now     func() time.Time
}

func WithNow(nowFunc func() time.Time) func(*Handler) {
	return func(h *Handler) {
		h.now = nowFunc
	}
}

func NewHandler(queryStore store.QueryStore, logger *slog.Logger, maxRows int, timeout time.Duration, opts ...func(*Handler)) *Handler {
	h := &Handler{
		store:   queryStore,
		logger:  logger.With(slog.String("module", "api")),
		maxRows: maxRows,
		timeout: timeout,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handler) Register(e *echo.Echo) {
	v0 := e.Group("/v0")
	v0.GET("/misses", h.Misses)
	v0.GET("/txs", h.Txs)
	v0.GET("/blocks", h.Blocks)
}

// Misses serves GET /v0/misses: the flat miss list.
func (h *Handler) Misses(c echo.Context) error {
	requestTime := h.now().UTC()
	params, err := parseMissParams(c, requestTime, h.maxRows)
	if err != nil {
		return badRequest(c, err)
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), h.timeout)
	defer cancel()

	rows, err := h.store.Misses(ctx, params.query)
	if err != nil {
		return h.storeError(c, err)
	}

	complete := len(rows) <= h.maxRows
	if !complete {
		rows = rows[:h.maxRows]
	}

	items := make([]missItem, 0, len(rows))
	for _, row := range rows {
		items = append(items, newMissItem(row))
	}

	var dataTo *Cursor
	if len(rows) > 0 {
		last := rows[len(rows)-1]
		dataTo = cursorAt(last.ProposalTime, last.TxQuorumReached)
	}

	return c.JSON(http.StatusOK, newItemizedResponse(items, complete, params.from, params.to, dataTo))
}

// Txs serves GET /v0/txs: misses grouped by transaction.
func (h *Handler) Txs(c echo.Context) error {
	requestTime := h.now().UTC()
	params, err := parseMissParams(c, requestTime, h.maxRows)
	if err != nil {
		return badRequest(c, err)
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), h.timeout)
	defer cancel()

	groups, totalRows, err := h.store.Txs(ctx, params.query)
	if err != nil {
		return h.storeError(c, err)
	}

	complete := totalRows <= int64(h.maxRows)

	var dataTo *Cursor
	if len(groups) > 0 {
		last := groups[len(groups)-1]
		dataTo = cursorAt(last.LastProposalTime, last.LastQuorumReached)
	}

	items := make([]txItem, 0, len(groups))
	for _, group := range groups {
		if params.minNumMisses != nil && group.NumMisses < *params.minNumMisses {
			continue
		}
		items = append(items, newTxItem(group))
	}

	return c.JSON(http.StatusOK, newItemizedResponse(items, complete, params.from, params.to, dataTo))
}

// Blocks serves GET /v0/blocks: misses grouped by block.
func (h *Handler) Blocks(c echo.Context) error {
	requestTime := h.now().UTC()
	params, err := parseMissParams(c, requestTime, h.maxRows)
	if err != nil {
		return badRequest(c, err)
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), h.timeout)
	defer cancel()

	groups, totalRows, err := h.store.Blocks(ctx, params.query)
	if err != nil {
		return h.storeError(c, err)
	}

	complete := totalRows <= int64(h.maxRows)

	var dataTo *Cursor
	if len(groups) > 0 {
		last := groups[len(groups)-1]
		dataTo = cursorAt(last.ProposalTime, last.LastQuorumReached)
	}

	items := make([]blockItem, 0, len(groups))
	for _, group := range groups {
		if params.minNumMisses != nil && group.NumMisses < *params.minNumMisses {
			continue
		}
		items = append(items, newBlockItem(group))
	}

	return c.JSON(http.StatusOK, newItemizedResponse(items, complete, params.from, params.to, dataTo))
}

func badRequest(c echo.Context, err error) error {
	return c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
}

// storeError maps query failures onto the status codes of the error
// contract: 408 for deadlines, 503 when the store is unreachable, 500
// otherwise.
func (h *Handler) storeError(c echo.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return c.JSON(http.StatusRequestTimeout, errorResponse{Error: "deadline exceeded"})
	}

	pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if pingErr := h.store.Ping(pingCtx); pingErr != nil {
		h.logger.Error("store unreachable", slog.String("err", err.Error()))
		return c.JSON(http.StatusServiceUnavailable, errorResponse{Error: "store unreachable"})
	}

	h.logger.Error("query failed", slog.String("err", err.Error()))
	return c.JSON(http.StatusInternalServerError, errorResponse{Error: "internal error"})
}
