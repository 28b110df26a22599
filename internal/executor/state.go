package executor

import "fmt"

// State 单个逻辑请求在执行器中的状态
type State int

const (
	StateInitial State = iota
	StateRetrying
	StateRefreshingAuth
	StateReplayed
	StateSucceeded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInitial:
		return "initial"
	case StateRetrying:
		return "retrying"
	case StateRefreshingAuth:
		return "refreshing_auth"
	case StateReplayed:
		return "replayed"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Terminal 终态
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

var transitions = map[State][]State{
	StateInitial:        {StateSucceeded, StateRetrying, StateRefreshingAuth, StateFailed},
	StateRetrying:       {StateSucceeded, StateRetrying, StateRefreshingAuth, StateFailed},
	StateRefreshingAuth: {StateReplayed, StateFailed},
	StateReplayed:       {StateSucceeded, StateRetrying, StateFailed},
}

// requestRun 一次逻辑请求的执行记录。
// retries 在整个逻辑请求内共享（包括重放之后）。
type requestRun struct {
	endpoint string
	state    State
	attempts int
	retries  int
	replayed bool
	history  []State
}

func newRequestRun(endpoint string) *requestRun {
	return &requestRun{endpoint: endpoint, state: StateInitial, history: []State{StateInitial}}
}

// to 状态迁移。一次逻辑请求最多经过一次 RefreshingAuth。
func (r *requestRun) to(next State) error {
	if next == StateRefreshingAuth && r.replayed {
		return fmt.Errorf("%s: second auth refresh in one request", r.endpoint)
	}
	for _, allowed := range transitions[r.state] {
		if allowed == next {
			if next == StateReplayed {
				r.replayed = true
			}
			r.state = next
			r.history = append(r.history, next)
			return nil
		}
	}
	return fmt.Errorf("%s: illegal transition %s -> %s", r.endpoint, r.state, next)
}
