package handlers

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-procurement-bot/internal/domain"
)

// ListSuppliersResponse wraps a page of suppliers.
type ListSuppliersResponse struct {
	Suppliers  []domain.Supplier `json:"suppliers"`
	Pagination Pagination        `json:"pagination"`
}

// ListSuppliers godoc
// @ID          listSuppliers
// @Summary     List suppliers (paginated)
// @Description Returns the de-duplicated supplier directory. Supports a weak ETag via If-None-Match.
// @Tags        Suppliers
// @Produce     json
// @Param       page           query   int     false "Page number"    minimum(1) default(1)
// @Param       page_size      query   int     false "Items per page" minimum(1) maximum(100) default(20)
// @Param       If-None-Match  header  string  false "Return 304 if ETag matches"
// @Success     200  {object} handlers.ListSuppliersResponse
// @Header      200  {string} ETag "Weak ETag for current result"
// @Success     304  {string} string "Not Modified"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /suppliers [get]
func (h *Handlers) ListSuppliers(c *gin.Context) {
	ctx := c.Request.Context()
	page, pageSize := clampPagination(c)

	if h.versions != nil {
		count, maxTS, err := h.versions.Suppliers(ctx)
		if notModified(c, fmt.Sprintf("suppliers:%d:%d", page, pageSize), count, maxTS, err) {
			return
		}
	}

	items, total, err := h.suppliers.ListPage(ctx, page, pageSize)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, "could not list suppliers; retry later")
		return
	}
	ok(c, http.StatusOK, ListSuppliersResponse{Suppliers: items, Pagination: newPagination(page, pageSize, total)})
}

// GetSupplier godoc
// @ID          getSupplier
// @Summary     Get a supplier
// @Tags        Suppliers
// @Produce     json
// @Param       id   path      string  true  "Supplier ID"  format(uuid)
// @Success     200  {object}  domain.Supplier
// @Failure     404  {object}  handlers.ErrorResponse "Not found"
// @Router      /suppliers/{id} [get]
func (h *Handlers) GetSupplier(c *gin.Context) {
	s, err := h.suppliers.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		failService(c, err)
		return
	}
	ok(c, http.StatusOK, s)
}
