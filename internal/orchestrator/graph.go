package orchestrator

import (
	"github.com/baanu007/aws-serverless-etl/pkg/errors"
)

// StageNode declares one stage and its upstream dependencies in the
// pipeline graph.
type StageNode struct {
	Name     string
	Upstream []string
}

// ValidateGraph checks that the stage graph is well-formed: unique names,
// every upstream declared, and strictly forward-only (a stage may only
// depend on stages declared before it), which also rules out cycles.
func ValidateGraph(nodes []StageNode) error {
	seen := make(map[string]int, len(nodes))
	for i, node := range nodes {
		if node.Name == "" {
			return errors.New(errors.ErrorTypeConfig, "stage graph contains an unnamed stage")
		}
		if _, dup := seen[node.Name]; dup {
			return errors.Newf(errors.ErrorTypeConfig, "duplicate stage %q in graph", node.Name)
		}
		for _, up := range node.Upstream {
			if _, ok := seen[up]; !ok {
				if up == node.Name {
					return errors.Newf(errors.ErrorTypeConfig, "stage %q depends on itself", node.Name)
				}
				return errors.Newf(errors.ErrorTypeConfig,
					"stage %q depends on %q which is not declared before it", node.Name, up)
			}
		}
		seen[node.Name] = i
	}
	return nil
}
