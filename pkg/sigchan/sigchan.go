package sigchan

// Chan 非阻塞的信号 channel，只通知"发生过"，不传数据。
// 缓冲满时多次 Emit 合并成一次。
type Chan struct {
	c chan struct{}
}

// New 创建信号 channel（bufferSize < 1 时按 1 处理）
func New(bufferSize int) *Chan {
	if bufferSize < 1 {
		bufferSize = 1
	}
	return &Chan{
		c: make(chan struct{}, bufferSize),
	}
}

// Emit 发送信号（非阻塞）
func (c *Chan) Emit() {
	select {
	case c.c <- struct{}{}:
	default:
	}
}

// C 返回内部的 channel（用于 select）
func (c *Chan) C() <-chan struct{} {
	return c.c
}

// Drain 清掉积压的信号，返回清掉的个数
func (c *Chan) Drain() int {
	n := 0
	for {
		select {
		case <-c.c:
			n++
		default:
			return n
		}
	}
}
