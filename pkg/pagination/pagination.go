package pagination

import (
	"math"
	"strconv"

	"github.com/gin-gonic/gin"
)

// PageParams 分页参数，页码从1开始
type PageParams struct {
	Page     int `json:"page" form:"page"`
	PageSize int `json:"page_size" form:"page_size"`
}

// PageInfo 分页信息
type PageInfo struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
	HasNext    bool  `json:"has_next"`
	HasPrev    bool  `json:"has_prev"`
}

const (
	DefaultPage     = 1
	DefaultPageSize = 20

	// 各列表接口的单页上限
	MaxUserPageSize   = 100
	MaxTenantPageSize = 50
)

// New 规范化页码，pageSize 非法时取默认值，超过 maxSize 时截断
func New(page, pageSize, maxSize int) PageParams {
	if page < 1 {
		page = DefaultPage
	}
	if pageSize < 1 {
		pageSize = DefaultPageSize
	}
	if maxSize > 0 && pageSize > maxSize {
		pageSize = maxSize
	}
	return PageParams{Page: page, PageSize: pageSize}
}

// ParsePageParams 从 query 解析分页参数，非数字按缺省处理
func ParsePageParams(c *gin.Context, maxSize int) PageParams {
	page, err := strconv.Atoi(c.Query("page"))
	if err != nil {
		page = DefaultPage
	}
	pageSize, err := strconv.Atoi(c.Query("page_size"))
	if err != nil {
		pageSize = DefaultPageSize
	}
	return New(page, pageSize, maxSize)
}

// Offset 当前页第一条记录的偏移
func (p PageParams) Offset() int {
	return (p.Page - 1) * p.PageSize
}

// Info 按总数计算分页信息
func (p PageParams) Info(total int64) *PageInfo {
	totalPages := 0
	if p.PageSize > 0 {
		totalPages = int(math.Ceil(float64(total) / float64(p.PageSize)))
	}
	return &PageInfo{
		Page:       p.Page,
		PageSize:   p.PageSize,
		Total:      total,
		TotalPages: totalPages,
		HasNext:    p.Page < totalPages,
		HasPrev:    p.Page > 1,
	}
}
