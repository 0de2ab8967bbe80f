// ABOUTME: Breadth-first reachability over a Heap from a root set
// ABOUTME: Used to verify mark results and to explain why an object is live

package graph

// Reachable returns every address reachable from roots, roots included.
// Children the heap cannot enumerate are treated as leaves.
func Reachable(h Heap, roots []Addr) map[Addr]bool {
	seen := make(map[Addr]bool, len(roots))
	queue := make([]Addr, 0, len(roots))
	for _, r := range roots {
		if r != Nil && !seen[r] {
			seen[r] = true
			queue = append(queue, r)
		}
	}

	for len(queue) > 0 {
		addr := queue[0]
		queue = queue[1:]
		_ = h.ForEachChild(addr, func(child Addr) {
			if !seen[child] {
				seen[child] = true
				queue = append(queue, child)
			}
		})
	}

	return seen
}

// PathFromRoots finds a shortest reference chain from any root to target.
// The returned slice starts at a root and ends at target; nil means target
// is unreachable.
func PathFromRoots(h Heap, roots []Addr, target Addr) []Addr {
	if target == Nil {
		return nil
	}

	parent := make(map[Addr]Addr)
	queue := make([]Addr, 0, len(roots))
	for _, r := range roots {
		if r == Nil {
			continue
		}
		if _, ok := parent[r]; ok {
			continue
		}
		parent[r] = Nil
		queue = append(queue, r)
	}

	found := false
	if _, ok := parent[target]; ok {
		found = true
	}

	for len(queue) > 0 && !found {
		addr := queue[0]
		queue = queue[1:]
		_ = h.ForEachChild(addr, func(child Addr) {
			if _, visited := parent[child]; visited {
				return
			}
			parent[child] = addr
			if child == target {
				found = true
			}
			queue = append(queue, child)
		})
	}

	if !found {
		return nil
	}

	// Walk parent links back to the root, then reverse
	var path []Addr
	for cur := target; ; {
		path = append(path, cur)
		p := parent[cur]
		if p == Nil {
			break
		}
		cur = p
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path
}
