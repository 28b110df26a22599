package sigchan

// Chan 是一个非阻塞、可合并的信号 channel：
// 在消费方处理之前多次 Emit 只会留下一个待处理信号
type Chan struct {
	c chan struct{}
}

// New 创建新的信号 channel，bufferSize<=0 时按 1 处理
func New(bufferSize int) *Chan {
	if bufferSize <= 0 {
		bufferSize = 1
	}
	return &Chan{c: make(chan struct{}, bufferSize)}
}

// Emit 发送信号（非阻塞，满了直接丢弃），返回是否真正入队
func (c *Chan) Emit() bool {
	select {
	case c.c <- struct{}{}:
		return true
	default:
		return false
	}
}

// C 返回内部的 channel（用于 select）
func (c *Chan) C() <-chan struct{} {
	return c.c
}

// Pending 当前积压的信号数
func (c *Chan) Pending() int {
	return len(c.c)
}
