package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"tenantgate/internal/store"
	"tenantgate/pkg/config"
	"tenantgate/pkg/logger"
	"tenantgate/pkg/metrics"

	"github.com/robfig/cron/v3"
)

// CleanupResult 一次清理删除的记录数
type CleanupResult struct {
	Sessions    int64
	ResetTokens int64
}

// CleanupScheduler 定期删除过期会话和失效令牌
type CleanupScheduler struct {
	store     store.Store
	cron      *cron.Cron
	schedule  string
	retention time.Duration
	now       Clock

	mu      sync.Mutex
	running bool
	entryID cron.EntryID
}

// NewCleanupScheduler 创建清理调度器
func NewCleanupScheduler(st store.Store, cfg config.CleanupConfig, now Clock) *CleanupScheduler {
	return &CleanupScheduler{
		store:     st,
		cron:      cron.New(),
		schedule:  cfg.Schedule,
		retention: cfg.Retention,
		now:       orSystemClock(now),
	}
}

// Start 启动调度器
func (s *CleanupScheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("调度器已经在运行")
	}

	if _, err := cron.ParseStandard(s.schedule); err != nil {
		return fmt.Errorf("无效的cron表达式 %q: %v", s.schedule, err)
	}
	entryID, err := s.cron.AddFunc(s.schedule, func() {
		if _, err := s.RunOnce(context.Background()); err != nil {
			logger.GetLogger().Errorf("定时清理失败: %v", err)
		}
	})
	if err != nil {
		return fmt.Errorf("添加定时任务失败: %v", err)
	}
	s.entryID = entryID
	s.cron.Start()
	s.running = true

	logger.GetLogger().Infof("清理调度器启动成功，cron: %s，保留时长: %s", s.schedule, s.retention)
	return nil
}

// Stop 停止调度器并等待正在执行的任务结束
func (s *CleanupScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	logger.GetLogger().Info("停止清理调度器")
	<-s.cron.Stop().Done()
	s.cron.Remove(s.entryID)
	s.running = false
}

// NextRun 下次执行时间，未启动时为零值
func (s *CleanupScheduler) NextRun() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return time.Time{}
	}
	return s.cron.Entry(s.entryID).Next
}

// RunOnce 删除在保留时长之前过期、撤销或使用的记录
func (s *CleanupScheduler) RunOnce(ctx context.Context) (CleanupResult, error) {
	before := s.now().Add(-s.retention)
	var result CleanupResult
	err := s.store.WithinTx(ctx, func(tx store.Tx) error {
		n, err := tx.DeleteExpiredSessions(before)
		if err != nil {
			return fmt.Errorf("清理会话失败: %w", err)
		}
		result.Sessions = n
		if result.ResetTokens, err = tx.DeleteStaleResetTokens(before); err != nil {
			return fmt.Errorf("清理令牌失败: %w", err)
		}
		return nil
	})
	if err != nil {
		return CleanupResult{}, err
	}

	metrics.CleanupDeleted.WithLabelValues("sessions").Add(float64(result.Sessions))
	metrics.CleanupDeleted.WithLabelValues("reset_tokens").Add(float64(result.ResetTokens))
	if result.Sessions > 0 || result.ResetTokens > 0 {
		logger.GetLogger().Infof("清理完成: 会话 %d 条, 令牌 %d 条", result.Sessions, result.ResetTokens)
	}
	return result, nil
}
