package admin

import (
	"net/http"

	"github.com/zeromicro/go-zero/rest/httpx"
)

// Response is the admin plane's uniform JSON envelope.
type Response struct {
	Code      int         `json:"code"`
	Message   string      `json:"message"`
	Data      interface{} `json:"data,omitempty"`
	RequestID string      `json:"request_id,omitempty"`
}

func writeSuccess(w http.ResponseWriter, r *http.Request, data interface{}) {
	httpx.WriteJson(w, http.StatusOK, Response{
		Code: 0, Message: "success", Data: data, RequestID: RequestIDFromContext(r.Context()),
	})
}

func writeError(w http.ResponseWriter, r *http.Request, statusCode int, message string) {
	httpx.WriteJson(w, statusCode, Response{
		Code: statusCode, Message: message, RequestID: RequestIDFromContext(r.Context()),
	})
}
