package snapshot

// CPMResult is the outcome of critical-path analysis over a task graph.
type CPMResult struct {
	Status        string // "ok" | "dependency_cycle"
	CriticalPath  []string
	TotalSpanDays float64
}

// ComputeCPM runs Kahn's algorithm to detect dependency cycles, then
// (only if acyclic) computes the critical path by longest-path-in-a-DAG
// over task durations — grounded on the graph-free scheduling math in
// goclaw's internal/cron/scheduler.go, extended here with a small
// topological-sort helper since that file never needed one.
func ComputeCPM(tasks []Task) CPMResult {
	byID := make(map[string]Task, len(tasks))
	for _, t := range tasks {
		byID[t.TaskID] = t
	}

	indegree := make(map[string]int, len(tasks))
	dependents := make(map[string][]string, len(tasks))
	for _, t := range tasks {
		if _, ok := indegree[t.TaskID]; !ok {
			indegree[t.TaskID] = 0
		}
		for _, dep := range t.DependsOn {
			if _, ok := byID[dep]; !ok {
				continue // dependency outside this task set is not this project's concern
			}
			indegree[t.TaskID]++
			dependents[dep] = append(dependents[dep], t.TaskID)
		}
	}

	queue := make([]string, 0, len(tasks))
	for _, t := range tasks {
		if indegree[t.TaskID] == 0 {
			queue = append(queue, t.TaskID)
		}
	}

	order := make([]string, 0, len(tasks))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)
		for _, dep := range dependents[id] {
			indegree[dep]--
			if indegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if len(order) != len(tasks) {
		return CPMResult{Status: "dependency_cycle"}
	}

	earliestFinish := make(map[string]float64, len(tasks))
	predecessor := make(map[string]string, len(tasks))
	for _, id := range order {
		t := byID[id]
		start := 0.0
		var chosenPred string
		for _, dep := range t.DependsOn {
			if ef, ok := earliestFinish[dep]; ok && ef > start {
				start = ef
				chosenPred = dep
			}
		}
		earliestFinish[id] = start + t.DurationDays
		if chosenPred != "" {
			predecessor[id] = chosenPred
		}
	}

	var end string
	var maxFinish float64
	for id, ef := range earliestFinish {
		if ef > maxFinish {
			maxFinish = ef
			end = id
		}
	}

	var path []string
	for cur := end; cur != ""; cur = predecessor[cur] {
		path = append([]string{cur}, path...)
	}

	return CPMResult{Status: "ok", CriticalPath: path, TotalSpanDays: maxFinish}
}
