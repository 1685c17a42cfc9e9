package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"tenantgate/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// RegisterValidators 在 gin 的校验器上注册自定义 tag
func RegisterValidators() error {
	v, ok := binding.Validator.Engine().(*validator.Validate)
	if !ok {
		return fmt.Errorf("unexpected validator engine %T", binding.Validator.Engine())
	}
	return v.RegisterValidation("notblank", func(fl validator.FieldLevel) bool {
		return strings.TrimSpace(fl.Field().String()) != ""
	})
}

// bindJSON 解析请求体，校验失败时返回第一个字段的错误
func bindJSON(c *gin.Context, req interface{}) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		var validationErr validator.ValidationErrors
		if errors.As(err, &validationErr) && len(validationErr) > 0 {
			fieldErr := validationErr[0]
			switch fieldErr.Tag() {
			case "required", "notblank":
				response.BadRequest(c, fmt.Sprintf("字段 %s 不能为空", fieldErr.Field()))
			case "email":
				response.BadRequest(c, "邮箱格式不正确")
			case "max":
				response.BadRequest(c, fmt.Sprintf("字段 %s 超出长度限制", fieldErr.Field()))
			default:
				response.BadRequest(c, fmt.Sprintf("字段 %s 验证失败", fieldErr.Field()))
			}
			return false
		}
		response.BadRequest(c, "请求参数格式错误")
		return false
	}
	return true
}

// parseID 路径参数中的 UUID
func parseID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "ID格式错误")
		return uuid.Nil, false
	}
	return id, true
}

// parseIDs 请求体中的 UUID 列表
func parseIDs(c *gin.Context, raw []string) ([]uuid.UUID, bool) {
	ids := make([]uuid.UUID, 0, len(raw))
	for _, s := range raw {
		id, err := uuid.Parse(strings.TrimSpace(s))
		if err != nil {
			response.BadRequest(c, "角色ID格式错误")
			return nil, false
		}
		ids = append(ids, id)
	}
	return ids, true
}

// ParseSameSite 配置值转换为 http.SameSite
func ParseSameSite(v string) http.SameSite {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "strict":
		return http.SameSiteStrictMode
	case "none":
		return http.SameSiteNoneMode
	default:
		return http.SameSiteLaxMode
	}
}
