// Package market 维护标的行情快照：TTL 缓存 + websocket 报价订阅
package market

import (
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/betbot/tradesim/internal/domain"
	"github.com/betbot/tradesim/internal/metrics"
	"github.com/betbot/tradesim/pkg/cache"
)

// ErrInvalidQuote 报价缺少标识或价格非正
var ErrInvalidQuote = errors.New("invalid quote")

// Cache 按 id 和 symbol 双键索引的行情快照。
// 同一标的的两个 key 指向同一份快照，写入时一起更新。
type Cache struct {
	items *cache.InMemoryCache[string, domain.Instrument]
}

// NewCache ttl<=0 表示报价不过期
func NewCache(ttl time.Duration) *Cache {
	return &Cache{items: cache.NewInMemoryCache[string, domain.Instrument](ttl)}
}

// Put 写入/覆盖一条报价
func (c *Cache) Put(inst domain.Instrument) error {
	refs := inst.Refs()
	if len(refs) == 0 {
		return errors.Wrap(ErrInvalidQuote, "no id or symbol")
	}
	if !inst.CurrentPrice.GreaterThan(decimal.Zero) {
		return errors.Wrapf(ErrInvalidQuote, "%s price %s", inst.Address(), inst.CurrentPrice)
	}
	for _, ref := range refs {
		c.items.Set(ref.Key(), inst, 0)
	}
	metrics.PriceUpdates.Add(1)
	return nil
}

// Resolve 查找标的，过期或未知时 ok=false
func (c *Cache) Resolve(ref domain.InstrumentRef) (domain.Instrument, bool) {
	if ref.IsZero() {
		return domain.Instrument{}, false
	}
	return c.items.Get(ref.Key())
}

// Forget 删除标的的全部索引
func (c *Cache) Forget(inst domain.Instrument) {
	for _, ref := range inst.Refs() {
		c.items.Delete(ref.Key())
	}
}

// Size 索引条目数（一个标的可能占两条）
func (c *Cache) Size() int {
	return c.items.Size()
}

func (c *Cache) Close() {
	c.items.Close()
}
