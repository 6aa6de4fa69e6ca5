package gateway

import (
	"fmt"
	"sync/atomic"

	"golang.org/x/time/rate"
)

// ConnLimiter 并发连接数限流（semaphore）
type ConnLimiter struct {
	sem           chan struct{}
	maxConn       int
	activeCount   atomic.Int64
	rejectedCount atomic.Int64
}

// NewConnLimiter 创建连接数限流器，maxConn 非正时取 5000
func NewConnLimiter(maxConn int) *ConnLimiter {
	if maxConn <= 0 {
		maxConn = 5000
	}
	return &ConnLimiter{sem: make(chan struct{}, maxConn), maxConn: maxConn}
}

// Acquire 非阻塞获取连接许可
func (l *ConnLimiter) Acquire() error {
	select {
	case l.sem <- struct{}{}:
		l.activeCount.Add(1)
		return nil
	default:
		l.rejectedCount.Add(1)
		return fmt.Errorf("connection limit exceeded: max=%d", l.maxConn)
	}
}

// Release 释放连接许可
func (l *ConnLimiter) Release() {
	select {
	case <-l.sem:
		l.activeCount.Add(-1)
	default:
		// 不应该发生
	}
}

// Current 当前活跃连接数
func (l *ConnLimiter) Current() int { return int(l.activeCount.Load()) }

// RejectedCount 被拒绝的连接数（累计）
func (l *ConnLimiter) RejectedCount() int64 { return l.rejectedCount.Load() }

// AcceptLimiter 基于 Token Bucket 的握手速率限流
type AcceptLimiter struct {
	limiter       *rate.Limiter
	rejectedCount atomic.Int64
}

// NewAcceptLimiter 创建握手速率限流器
// ratePerSec: 每秒允许的握手数；burst: 突发容量
func NewAcceptLimiter(ratePerSec, burst int) *AcceptLimiter {
	if ratePerSec <= 0 {
		ratePerSec = 100
	}
	if burst <= 0 {
		burst = ratePerSec * 2
	}
	return &AcceptLimiter{limiter: rate.NewLimiter(rate.Limit(ratePerSec), burst)}
}

// Allow 检查是否允许本次握手（非阻塞）
func (l *AcceptLimiter) Allow() bool {
	if l.limiter.Allow() {
		return true
	}
	l.rejectedCount.Add(1)
	return false
}

// RejectedCount 被拒绝的握手数（累计）
func (l *AcceptLimiter) RejectedCount() int64 { return l.rejectedCount.Load() }
