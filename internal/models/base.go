package models

import (
	"time"

	"github.com/google/uuid"
)

// BaseModel 基础模型，ID 由工厂函数生成，UpdatedAt 由存储层在保存时刷新
type BaseModel struct {
	ID        uuid.UUID `json:"id" gorm:"type:uuid;primaryKey"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func newBaseModel(now time.Time) BaseModel {
	return BaseModel{
		ID:        uuid.New(),
		CreatedAt: now,
		UpdatedAt: now,
	}
}
