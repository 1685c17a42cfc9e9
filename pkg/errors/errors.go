package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ========== 错误码常量定义 ==========

// CodeSuccess 成功码
const (
	CodeSuccess = 200
)

// HTTP层错误码 (400-599)
const (
	CodeInvalidParam    = 400
	CodeUnauthorized    = 401
	CodeForbidden       = 403
	CodeNotFound        = 404
	CodeConflict        = 409
	CodeBusinessRule    = 422
	CodeTooManyRequests = 429
	CodeServerError     = 500
)

// Kind 错误分类
type Kind string

const (
	KindValidation      Kind = "VALIDATION"
	KindBusinessRule    Kind = "BUSINESS_RULE"
	KindNotFound        Kind = "NOT_FOUND"
	KindConflict        Kind = "CONFLICT"
	KindUnauthenticated Kind = "UNAUTHENTICATED"
	KindForbidden       Kind = "FORBIDDEN"
	KindInternal        Kind = "INTERNAL"
)

// 业务错误码
const (
	ErrCodeInvalidCredentials    = "AUTH_INVALID_CREDENTIALS"
	ErrCodeUnauthenticated       = "UNAUTHENTICATED"
	ErrCodeResetTokenInvalid     = "AUTH_RESET_TOKEN_INVALID"
	ErrCodeSessionTokenRequired  = "SESSION_TOKEN_REQUIRED"
	ErrCodeSessionNotFound       = "AUTH_SESSION_NOT_FOUND"
	ErrCodeForbidden             = "FORBIDDEN"
	ErrCodePlatformOnly          = "PLATFORM_ONLY"
	ErrCodeTenantMismatch        = "TENANT_CONTEXT_MISMATCH"
	ErrCodeTenantNotActive       = "TENANT_NOT_ACTIVE"
	ErrCodeTenantNotFound        = "TENANT_NOT_FOUND"
	ErrCodeTenantRequired        = "TENANT_REQUIRED"
	ErrCodeTenantDuplicateName   = "TENANT_DUPLICATE_NAME"
	ErrCodeTenantSlugTaken       = "TENANT_SLUG_TAKEN"
	ErrCodeTenantInvalidPlan     = "TENANT_INVALID_PLAN"
	ErrCodeTenantInvalidStatus   = "TENANT_INVALID_STATUS"
	ErrCodeTenantBootstrapped    = "TENANT_ALREADY_BOOTSTRAPPED"
	ErrCodeUserNotFound          = "USER_NOT_FOUND"
	ErrCodeUserNotActive         = "USER_NOT_ACTIVE"
	ErrCodeUserAlreadyInactive   = "USER_ALREADY_INACTIVE"
	ErrCodeUserRoleRequired      = "USER_ROLE_REQUIRED"
	ErrCodeUserPasswordRequired  = "USER_PASSWORD_REQUIRED"
	ErrCodeEmailDuplicate        = "EMAIL_DUPLICATE"
	ErrCodeRoleNotFound          = "ROLE_NOT_FOUND"
	ErrCodeRoleDuplicate         = "ROLE_DUPLICATE"
	ErrCodePermOutOfBounds       = "PERMISSION_OUT_OF_BOUNDS"
	ErrCodeSelfLockout           = "SELF_LOCKOUT"
	ErrCodeLastAdmin             = "LAST_ADMIN"
	ErrCodeInvalidPassword       = "INVALID_PASSWORD"
	ErrCodeInvalidEmail          = "INVALID_EMAIL"
	ErrCodeValidation            = "VALIDATION_ERROR"
	ErrCodeConflict              = "CONFLICT"
	ErrCodeNotFound              = "NOT_FOUND"
	ErrCodeRateLimited           = "RATE_LIMITED"
	ErrCodeInternal              = "INTERNAL_ERROR"
)

// AppError 统一业务错误
type AppError struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// New 创建业务错误
func New(kind Kind, code, message string) *AppError {
	return &AppError{Kind: kind, Code: code, Message: message}
}

// Wrap 包装底层错误
func Wrap(kind Kind, code, message string, err error) *AppError {
	return &AppError{Kind: kind, Code: code, Message: message, Err: err}
}

func Validation(code, message string) *AppError {
	return New(KindValidation, code, message)
}

func BusinessRule(code, message string) *AppError {
	return New(KindBusinessRule, code, message)
}

func NotFound(code, message string) *AppError {
	return New(KindNotFound, code, message)
}

func Conflict(code, message string) *AppError {
	return New(KindConflict, code, message)
}

func Unauthenticated(code, message string) *AppError {
	return New(KindUnauthenticated, code, message)
}

func Forbidden(code, message string) *AppError {
	return New(KindForbidden, code, message)
}

func Internal(err error) *AppError {
	return Wrap(KindInternal, ErrCodeInternal, "服务器内部错误", err)
}

// As 提取 AppError
func As(err error) (*AppError, bool) {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// IsKind 判断错误分类
func IsKind(err error, kind Kind) bool {
	appErr, ok := As(err)
	return ok && appErr.Kind == kind
}

// HasCode 判断业务错误码
func HasCode(err error, code string) bool {
	appErr, ok := As(err)
	return ok && appErr.Code == code
}

// HTTPStatus 错误分类对应的HTTP状态码
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindBusinessRule:
		return http.StatusUnprocessableEntity
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindUnauthenticated:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// ResponseCode 错误分类对应的响应码
func ResponseCode(kind Kind) int {
	switch kind {
	case KindValidation:
		return CodeInvalidParam
	case KindBusinessRule:
		return CodeBusinessRule
	case KindNotFound:
		return CodeNotFound
	case KindConflict:
		return CodeConflict
	case KindUnauthenticated:
		return CodeUnauthorized
	case KindForbidden:
		return CodeForbidden
	default:
		return CodeServerError
	}
}
