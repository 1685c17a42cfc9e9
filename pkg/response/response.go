package response

import (
	"net/http"

	"tenantgate/pkg/errors"
	"tenantgate/pkg/logger"
	"tenantgate/pkg/pagination"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// Response 统一返回格式
type Response struct {
	Code      int         `json:"code"`
	ErrorCode string      `json:"error_code,omitempty"`
	Message   string      `json:"message"`
	Data      interface{} `json:"data,omitempty"`
}

// ========== 基础返回方法 ==========

// Success 成功返回
func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Code:    errors.CodeSuccess,
		Message: "success",
		Data:    data,
	})
}

// SuccessWithMessage 成功返回（自定义消息）
func SuccessWithMessage(c *gin.Context, message string, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Code:    errors.CodeSuccess,
		Message: message,
		Data:    data,
	})
}

// SuccessWithPage 分页成功返回
func SuccessWithPage(c *gin.Context, data interface{}, pageInfo *pagination.PageInfo) {
	c.JSON(http.StatusOK, gin.H{
		"code":      errors.CodeSuccess,
		"message":   "success",
		"data":      data,
		"page_info": pageInfo,
	})
}

// Error 通用错误返回，HTTP状态码与响应码保持一致
func Error(c *gin.Context, code int, errorCode, message string) {
	c.AbortWithStatusJSON(code, Response{
		Code:      code,
		ErrorCode: errorCode,
		Message:   message,
	})
}

// FromError 把服务层错误转换为响应，未知错误统一返回内部错误
func FromError(c *gin.Context, err error) {
	appErr, ok := errors.As(err)
	if !ok || appErr.Kind == errors.KindInternal {
		logger.GetLogger().WithFields(logrus.Fields{
			"path":       c.FullPath(),
			"request_id": c.GetString("request_id"),
		}).Errorf("Unhandled error: %v", err)
		ServerError(c, "服务器内部错误")
		return
	}
	Error(c, errors.HTTPStatus(appErr.Kind), appErr.Code, appErr.Message)
}

// ========== HTTP错误快捷方法 ==========

func BadRequest(c *gin.Context, message string) {
	Error(c, errors.CodeInvalidParam, errors.ErrCodeValidation, message)
}

func Unauthorized(c *gin.Context, message string) {
	Error(c, errors.CodeUnauthorized, errors.ErrCodeUnauthenticated, message)
}

func Forbidden(c *gin.Context, errorCode, message string) {
	Error(c, errors.CodeForbidden, errorCode, message)
}

func NotFound(c *gin.Context, message string) {
	Error(c, errors.CodeNotFound, errors.ErrCodeNotFound, message)
}

func TooManyRequests(c *gin.Context, message string) {
	Error(c, errors.CodeTooManyRequests, errors.ErrCodeRateLimited, message)
}

func ServerError(c *gin.Context, message string) {
	Error(c, errors.CodeServerError, errors.ErrCodeInternal, message)
}
