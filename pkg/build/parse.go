package build

import "fmt"

// ParseOrder maps a config string onto an Order.
func ParseOrder(s string) (Order, error) {
	switch s {
	case "", "bfs":
		return BFS, nil
	case "dfs":
		return DFS, nil
	default:
		return BFS, fmt.Errorf("unknown traversal order %q (want bfs or dfs)", s)
	}
}

// ParseChildMode maps a config string onto a ChildMode.
func ParseChildMode(s string) (ChildMode, error) {
	switch s {
	case "", "strict":
		return ModeStrict, nil
	case "union":
		return ModeUnion, nil
	default:
		return ModeStrict, fmt.Errorf("unknown children mode %q (want strict or union)", s)
	}
}
