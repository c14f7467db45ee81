// -----------------------------------------------------------------------
// Processing graph - static DAG of processing steps keyed by name
// -----------------------------------------------------------------------

package graph

import (
	"fmt"
	"os"
	"sort"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/ternarybob/hubcache/internal/models"
)

const (
	// DefaultDifficulty is assigned to steps whose specification leaves the
	// difficulty unset.
	DefaultDifficulty = 50

	// DefaultJobRunnerVersion is assigned to steps whose specification leaves
	// the job runner version unset.
	DefaultJobRunnerVersion = 1

	// DefaultMinBytesForBonusDifficulty is the dataset size above which steps
	// carrying a bonus difficulty get it applied.
	DefaultMinBytesForBonusDifficulty int64 = 3_000_000_000
)

// StepSpec describes one processing step in a graph specification.
type StepSpec struct {
	InputType                     models.InputType `yaml:"input_type" validate:"required,oneof=dataset config split"`
	TriggeredBy                   []string         `yaml:"triggered_by"`
	JobRunnerVersion              int              `yaml:"job_runner_version" validate:"min=0"`
	Difficulty                    int              `yaml:"difficulty" validate:"min=0,max=100"`
	BonusDifficultyIfDatasetIsBig int              `yaml:"bonus_difficulty_if_dataset_is_big" validate:"min=0,max=100"`
}

// Specification is the construction input of a ProcessingGraph.
type Specification struct {
	Steps                      map[string]StepSpec `yaml:"steps" validate:"required,min=1,dive"`
	MinBytesForBonusDifficulty int64               `yaml:"min_bytes_for_bonus_difficulty" validate:"min=0"`
}

// ProcessingStep is one validated node of the graph. The step name doubles as
// the cache kind and the queue job type.
type ProcessingStep struct {
	Name                          string
	InputType                     models.InputType
	JobRunnerVersion              int
	Difficulty                    int
	BonusDifficultyIfDatasetIsBig int
}

// ProcessingGraph is a validated DAG of processing steps. It is read-only
// after construction and safe to share across goroutines.
type ProcessingGraph struct {
	steps                      map[string]*ProcessingStep
	parents                    map[string][]string
	children                   map[string][]string
	ancestors                  map[string][]string
	topological                []string
	firstSteps                 []string
	minBytesForBonusDifficulty int64
}

var validate = validator.New()

// LoadSpecification reads a graph specification from a YAML file.
func LoadSpecification(path string) (*Specification, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read graph specification: %w", err)
	}
	var spec Specification
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("failed to parse graph specification: %w", err)
	}
	return &spec, nil
}

// New builds and validates a processing graph from its specification.
// Validation failures are fatal at startup: cycles, unknown parents, an empty
// specification, or a parentless step that is not dataset-scoped.
func New(spec *Specification) (*ProcessingGraph, error) {
	if spec == nil || len(spec.Steps) == 0 {
		return nil, fmt.Errorf("processing graph specification is empty")
	}
	if err := validate.Struct(spec); err != nil {
		return nil, fmt.Errorf("invalid processing graph specification: %w", err)
	}

	g := &ProcessingGraph{
		steps:                      make(map[string]*ProcessingStep, len(spec.Steps)),
		parents:                    make(map[string][]string, len(spec.Steps)),
		children:                   make(map[string][]string, len(spec.Steps)),
		ancestors:                  make(map[string][]string, len(spec.Steps)),
		minBytesForBonusDifficulty: spec.MinBytesForBonusDifficulty,
	}
	if g.minBytesForBonusDifficulty == 0 {
		g.minBytesForBonusDifficulty = DefaultMinBytesForBonusDifficulty
	}

	for name, stepSpec := range spec.Steps {
		version := stepSpec.JobRunnerVersion
		if version == 0 {
			version = DefaultJobRunnerVersion
		}
		difficulty := stepSpec.Difficulty
		if difficulty == 0 {
			difficulty = DefaultDifficulty
		}
		g.steps[name] = &ProcessingStep{
			Name:                          name,
			InputType:                     stepSpec.InputType,
			JobRunnerVersion:              version,
			Difficulty:                    difficulty,
			BonusDifficultyIfDatasetIsBig: stepSpec.BonusDifficultyIfDatasetIsBig,
		}
	}

	// Materialize parent -> children edges, resolving every parent name.
	for name, stepSpec := range spec.Steps {
		parents := append([]string(nil), stepSpec.TriggeredBy...)
		sort.Strings(parents)
		for _, parent := range parents {
			if _, ok := g.steps[parent]; !ok {
				return nil, fmt.Errorf("step %q is triggered by unknown step %q", name, parent)
			}
			g.children[parent] = append(g.children[parent], name)
		}
		g.parents[name] = parents
	}
	for _, children := range g.children {
		sort.Strings(children)
	}

	if err := g.computeTopologicalOrder(); err != nil {
		return nil, err
	}
	g.computeAncestors()

	for _, name := range g.topological {
		if len(g.parents[name]) == 0 {
			if g.steps[name].InputType != models.InputTypeDataset {
				return nil, fmt.Errorf("step %q has no parent and must be dataset-scoped, got %q", name, g.steps[name].InputType)
			}
			g.firstSteps = append(g.firstSteps, name)
		}
	}
	sort.Strings(g.firstSteps)

	return g, nil
}

// computeTopologicalOrder runs Kahn's algorithm and detects cycles.
// Ties are broken alphabetically so the order is deterministic.
func (g *ProcessingGraph) computeTopologicalOrder() error {
	inDegree := make(map[string]int, len(g.steps))
	for name := range g.steps {
		inDegree[name] = len(g.parents[name])
	}

	var ready []string
	for name, degree := range inDegree {
		if degree == 0 {
			ready = append(ready, name)
		}
	}
	sort.Strings(ready)

	for len(ready) > 0 {
		name := ready[0]
		ready = ready[1:]
		g.topological = append(g.topological, name)
		inserted := false
		for _, child := range g.children[name] {
			inDegree[child]--
			if inDegree[child] == 0 {
				ready = append(ready, child)
				inserted = true
			}
		}
		if inserted {
			sort.Strings(ready)
		}
	}

	if len(g.topological) != len(g.steps) {
		var cyclic []string
		for name, degree := range inDegree {
			if degree > 0 {
				cyclic = append(cyclic, name)
			}
		}
		sort.Strings(cyclic)
		return fmt.Errorf("processing graph has a cycle involving steps %v", cyclic)
	}
	return nil
}

// computeAncestors walks the parent edges transitively for every step.
// Steps are visited in topological order so each ancestor set is final when
// its children are computed.
func (g *ProcessingGraph) computeAncestors() {
	sets := make(map[string]map[string]struct{}, len(g.steps))
	for _, name := range g.topological {
		set := make(map[string]struct{})
		for _, parent := range g.parents[name] {
			set[parent] = struct{}{}
			for ancestor := range sets[parent] {
				set[ancestor] = struct{}{}
			}
		}
		sets[name] = set
		names := make([]string, 0, len(set))
		for ancestor := range set {
			names = append(names, ancestor)
		}
		sort.Strings(names)
		g.ancestors[name] = names
	}
}

// Step returns the named step, or models.ErrUnknownStep.
func (g *ProcessingGraph) Step(name string) (*ProcessingStep, error) {
	step, ok := g.steps[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrUnknownStep, name)
	}
	return step, nil
}

// Children returns the steps triggered by the named step.
func (g *ProcessingGraph) Children(name string) ([]*ProcessingStep, error) {
	if _, ok := g.steps[name]; !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrUnknownStep, name)
	}
	return g.resolve(g.children[name]), nil
}

// Parents returns the steps the named step is triggered by.
func (g *ProcessingGraph) Parents(name string) ([]*ProcessingStep, error) {
	if _, ok := g.steps[name]; !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrUnknownStep, name)
	}
	return g.resolve(g.parents[name]), nil
}

// Ancestors returns the transitive parents of the named step.
func (g *ProcessingGraph) Ancestors(name string) ([]*ProcessingStep, error) {
	if _, ok := g.steps[name]; !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrUnknownStep, name)
	}
	return g.resolve(g.ancestors[name]), nil
}

// TopologicalSteps returns every step in a valid linear extension of the
// triggered-by partial order.
func (g *ProcessingGraph) TopologicalSteps() []*ProcessingStep {
	return g.resolve(g.topological)
}

// InputTypeSteps returns every step with the given input type, in
// topological order.
func (g *ProcessingGraph) InputTypeSteps(inputType models.InputType) []*ProcessingStep {
	var steps []*ProcessingStep
	for _, name := range g.topological {
		if g.steps[name].InputType == inputType {
			steps = append(steps, g.steps[name])
		}
	}
	return steps
}

// FirstSteps returns the parentless (root) steps, alphabetically. They are
// the entry points enqueued by set-revision.
func (g *ProcessingGraph) FirstSteps() []*ProcessingStep {
	return g.resolve(g.firstSteps)
}

// MinBytesForBonusDifficulty is the dataset size threshold above which the
// per-step bonus difficulty applies.
func (g *ProcessingGraph) MinBytesForBonusDifficulty() int64 {
	return g.minBytesForBonusDifficulty
}

func (g *ProcessingGraph) resolve(names []string) []*ProcessingStep {
	steps := make([]*ProcessingStep, 0, len(names))
	for _, name := range names {
		steps = append(steps, g.steps[name])
	}
	return steps
}
