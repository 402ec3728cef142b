// Package threshold 实现库存阈值的两状态机与通知决策。
package threshold

// State 是商品相对于阈值的状态。
type State int

const (
	// Below 总库存低于阈值（初始状态）。
	Below State = iota
	// AtOrAbove 总库存不低于阈值。
	AtOrAbove
)

func (s State) String() string {
	if s == AtOrAbove {
		return "AT_OR_ABOVE"
	}
	return "BELOW"
}

// StateOf 返回某个总库存对应的状态。
func StateOf(total, threshold int) State {
	if total >= threshold {
		return AtOrAbove
	}
	return Below
}

// Transition 根据旧状态与新的总库存计算新状态。
//
// 只有 Below -> AtOrAbove 需要通知；AtOrAbove -> Below 只用于重新布防。
func Transition(old State, total, threshold int) (State, bool) {
	next := StateOf(total, threshold)
	return next, old == Below && next == AtOrAbove
}
