// internal/pkg/apperr/response.go
package apperr

import (
	"encoding/json"
	"errors"
	"net/http"
)

// envelope 是所有 HTTP 接口的统一响应结构。
type envelope struct {
	Status int         `json:"status"`
	Data   interface{} `json:"data,omitempty"`
	Error  *errBody    `json:"error,omitempty"`
}

type errBody struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
}

// WriteJSON 写出成功响应。
func WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Status: status, Data: data})
}

// WriteError 把任意错误映射为统一的错误响应。
// 未分类的错误不向客户端泄露内部细节。
func WriteError(w http.ResponseWriter, err error) {
	status := HTTPStatus(err)
	body := &errBody{Code: CodeOf(err), Message: "internal server error"}

	var e *Error
	if errors.As(err, &e) {
		body.Message = e.Message
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Status: status, Error: body})
}
