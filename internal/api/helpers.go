package api

import (
	"encoding/json"

	"github.com/valyala/fasthttp"
)

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func jsonResponse(ctx *fasthttp.RequestCtx, status int, body any) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json; charset=utf-8")
	if err := json.NewEncoder(ctx).Encode(body); err != nil {
		ctx.SetStatusCode(fasthttp.StatusInternalServerError)
	}
}

func errResponse(ctx *fasthttp.RequestCtx, status int, code, message string) {
	jsonResponse(ctx, status, errorBody{Error: code, Message: message})
}

// parseWindowDays reads the window_days query parameter, defaulting to 7
// and clamping to [1, 90].
func parseWindowDays(ctx *fasthttp.RequestCtx) int {
	days := ctx.QueryArgs().GetUintOrZero("window_days")
	if days == 0 {
		return 7
	}
	if days < 1 {
		return 1
	}
	if days > 90 {
		return 90
	}
	return days
}
