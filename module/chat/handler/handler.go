package handler

import (
	"net/http"

	"CProject/middleware"
	"CProject/module/chat/dispatch"
	"CProject/tools/errs"

	"github.com/gin-gonic/gin"
)

// Handler is the thin HTTP edge: bind the envelope, stamp the
// authenticated actor, dispatch. All semantics live below.
type Handler struct {
	d *dispatch.Dispatcher
}

func New(d *dispatch.Dispatcher) *Handler { return &Handler{d: d} }

type response struct {
	Code int              `json:"code"`
	Msg  string           `json:"msg"`
	Data *dispatch.Result `json:"data,omitempty"`
}

// Op handles POST /chat/op. The operation name rides in the payload; the
// dispatcher's table decides whether it exists.
func (h *Handler) Op(c *gin.Context) {
	var req dispatch.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusOK, response{Code: errs.CodeArgs, Msg: "bad payload"})
		return
	}
	req.UserID = middleware.UserID(c)

	res, err := h.d.Dispatch(c.Request.Context(), &req)
	if err != nil {
		c.JSON(http.StatusOK, response{Code: errs.Code(err), Msg: err.Error()})
		return
	}
	c.JSON(http.StatusOK, response{Code: 0, Msg: "ok", Data: res})
}
