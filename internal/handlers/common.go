package handlers

import (
	"fmt"
	"strconv"

	"github.com/gin-gonic/gin"
)

// ErrorResponse 统一的错误响应体
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// pathID 解析路径中的数字ID
func pathID(c *gin.Context, name string) (uint, error) {
	id, err := strconv.ParseUint(c.Param(name), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid %s", name)
	}
	return uint(id), nil
}
