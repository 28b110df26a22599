package metrics

import (
	"expvar"
	"sort"
	"sync"
)

var (
	registryMu sync.Mutex
	registry   = map[string]*expvar.Int{}
)

func newInt(name string) *expvar.Int {
	v := expvar.NewInt(name)
	registryMu.Lock()
	registry[name] = v
	registryMu.Unlock()
	return v
}

// 请求执行器
var (
	Requests        = newInt("requests")
	RequestRetries  = newInt("request_retries")
	RequestFailures = newInt("request_failures")
	TokenRefreshes  = newInt("token_refreshes")
)

// 交易与对账
var (
	TradesSubmitted = newInt("trades_submitted")
	TradesFailed    = newInt("trades_failed")
	ReconcileRuns   = newInt("reconcile_runs")
	ReconcileErrors = newInt("reconcile_errors")
	SnapshotSaves   = newInt("snapshot_saves")
	SnapshotLoads   = newInt("snapshot_loads")
	PriceUpdates    = newInt("price_updates")
)

// Counter 计数器当前值
type Counter struct {
	Name  string `json:"name"`
	Value int64  `json:"value"`
}

// Snapshot 本包计数器的当前值，按名字排序
func Snapshot() []Counter {
	registryMu.Lock()
	defer registryMu.Unlock()
	out := make([]Counter, 0, len(registry))
	for name, v := range registry {
		out = append(out, Counter{Name: name, Value: v.Value()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
