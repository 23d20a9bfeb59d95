// Package sequence 全局序列号生成
package sequence

import "sync/atomic"

// Sequencer 进程级严格递增序列号生成器。
//
// 订单与成交共用同一个计数器，因此持久化存储中的最大序列号
// 就是唯一的恢复水位线。启动时必须从该水位线之上继续，否则
// 两个订单可能获得相同的时间优先级。
type Sequencer struct {
	next atomic.Int64
}

// New 从给定水位线创建 Sequencer。
// 全新启动 start=0；恢复启动 start=持久化的最大序列号。
func New(start int64) *Sequencer {
	s := &Sequencer{}
	s.next.Store(start)
	return s
}

// Next 返回下一个全局序列号，并发安全且无重复。
func (s *Sequencer) Next() int64 {
	return s.next.Add(1)
}

// Current 返回最近一次发出的序列号。
func (s *Sequencer) Current() int64 {
	return s.next.Load()
}
