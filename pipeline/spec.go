package pipeline

import (
	"time"

	"gopkg.in/yaml.v2"

	"go.sluice.dev/core/table"
)

// Duration is a time.Duration which round-trips YAML in its string form
// ("30s", "5m"); yaml.v2 otherwise renders durations as bare nanosecond
// integers.
type Duration time.Duration

// String returns the time.Duration string form.
func (d Duration) String() string { return time.Duration(d).String() }

// MarshalYAML returns the string form of the Duration.
func (d Duration) MarshalYAML() (interface{}, error) { return d.String(), nil }

// UnmarshalYAML parses the Duration from its string form.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	var parsed, err = time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// TransformSpec references the Transform of a Stage: either the Name of a
// registered native Transform, or the JS source of a JavaScript transform
// function compiled at pipeline build time. Exactly one must be set.
type TransformSpec struct {
	Name string `yaml:"name,omitempty"`
	JS   string `yaml:"js,omitempty"`
}

// Validate returns an error if the TransformSpec is not well-formed.
func (s TransformSpec) Validate() error {
	if s.Name == "" && s.JS == "" {
		return table.NewValidationError("expected a transform name or js body")
	} else if s.Name != "" && s.JS != "" {
		return table.NewValidationError("cannot set both name and js")
	} else if s.Name != "" {
		if err := table.ValidateName(s.Name); err != nil {
			return table.ExtendContext(err, "Name")
		}
	}
	return nil
}

// Trigger determines when a Stage becomes eligible to run: on a recurring
// Interval, or immediately After the named parent Stage completes with
// outcome success or no-op. Exactly one must be set.
type Trigger struct {
	Interval Duration `yaml:"interval,omitempty"`
	After    string   `yaml:"after,omitempty"`
}

// Validate returns an error if the Trigger is not well-formed.
func (t Trigger) Validate() error {
	if t.Interval != 0 && t.After != "" {
		return table.NewValidationError("cannot set both interval and after")
	} else if t.Interval < 0 {
		return table.NewValidationError("invalid interval (%s; expected > 0)", t.Interval)
	} else if t.Interval == 0 && t.After == "" {
		return table.NewValidationError("expected an interval or after")
	} else if t.After != "" {
		if err := table.ValidateName(t.After); err != nil {
			return table.ExtendContext(err, "After")
		}
	}
	return nil
}

// StageSpec describes a Stage: its source Table (whose ChangeLog it
// consumes), target Table, Transform, Trigger, and optional operation
// filter and per-run Deadline.
type StageSpec struct {
	// Name of the Stage.
	Name string `yaml:"name"`
	// Source is the Table whose ChangeLog the Stage consumes.
	Source string `yaml:"source"`
	// Target is the Table the Stage writes.
	Target string `yaml:"target"`
	// Transform applied to each consumed batch.
	Transform TransformSpec `yaml:"transform"`
	// Trigger of the Stage.
	Trigger Trigger `yaml:"trigger"`
	// Ops filters the operations presented to the Transform, as a list of
	// "insert", "update", "delete". Empty means all operations: filtering is
	// otherwise the Transform's own business.
	Ops []string `yaml:"ops,omitempty"`
	// Deadline bounds the duration of a single run. Zero means unbounded.
	Deadline Duration `yaml:"deadline,omitempty"`
}

// Validate returns an error if the StageSpec is not well-formed.
func (s StageSpec) Validate() error {
	if err := table.ValidateName(s.Name); err != nil {
		return table.ExtendContext(err, "Name")
	} else if err = table.ValidateName(s.Source); err != nil {
		return table.ExtendContext(err, "Source")
	} else if err = table.ValidateName(s.Target); err != nil {
		return table.ExtendContext(err, "Target")
	} else if s.Source == s.Target {
		return table.NewValidationError("stage reads its own target (%s)", s.Target)
	} else if err = s.Transform.Validate(); err != nil {
		return table.ExtendContext(err, "Transform")
	} else if err = s.Trigger.Validate(); err != nil {
		return table.ExtendContext(err, "Trigger")
	} else if s.Trigger.After == s.Name && s.Trigger.After != "" {
		return table.NewValidationError("stage triggers after itself")
	} else if s.Deadline < 0 {
		return table.NewValidationError("invalid Deadline (%s; expected >= 0)", s.Deadline)
	}
	if _, err := s.OpMask(); err != nil {
		return table.ExtendContext(err, "Ops")
	}
	return nil
}

// OpMask returns the operation mask of the StageSpec's Ops list, or OpAll if
// the list is empty.
func (s StageSpec) OpMask() (table.Op, error) {
	if len(s.Ops) == 0 {
		return table.OpAll, nil
	}
	var mask table.Op
	for _, o := range s.Ops {
		var op, err = table.ParseOp(o)
		if err != nil {
			return 0, err
		}
		mask |= op
	}
	return mask, nil
}

// PipelineSpec is the declarative form of a complete pipeline: its Tables
// and the DAG of Stages over them.
type PipelineSpec struct {
	// Name of the pipeline.
	Name string `yaml:"name"`
	// Tables of the pipeline. Tables not targeted by any Stage are roots,
	// written only by the external ingestion boundary.
	Tables []table.Spec `yaml:"tables"`
	// Stages of the pipeline.
	Stages []StageSpec `yaml:"stages"`
}

// Validate returns an error if the PipelineSpec is not well-formed: all
// Tables and Stages individually validate, names are unique, every Source
// and Target resolves to a Table, each Table is written by at most one
// Stage, every After names another Stage, and both the dataflow graph and
// the After trigger graph are acyclic.
func (s PipelineSpec) Validate() error {
	if err := table.ValidateName(s.Name); err != nil {
		return table.ExtendContext(err, "Name")
	}

	var tables = make(map[string]struct{}, len(s.Tables))
	for i, t := range s.Tables {
		if err := t.Validate(); err != nil {
			return table.ExtendContext(err, "Tables[%d]", i)
		} else if _, ok := tables[t.Name]; ok {
			return table.NewValidationError("Tables[%d]: duplicated table (%s)", i, t.Name)
		}
		tables[t.Name] = struct{}{}
	}

	var stages = make(map[string]int, len(s.Stages))
	var writers = make(map[string]string)
	for i, st := range s.Stages {
		if err := st.Validate(); err != nil {
			return table.ExtendContext(err, "Stages[%d]", i)
		} else if _, ok := stages[st.Name]; ok {
			return table.NewValidationError("Stages[%d]: duplicated stage (%s)", i, st.Name)
		} else if _, ok = tables[st.Source]; !ok {
			return table.NewValidationError("Stages[%d]: unknown source table (%s)", i, st.Source)
		} else if _, ok = tables[st.Target]; !ok {
			return table.NewValidationError("Stages[%d]: unknown target table (%s)", i, st.Target)
		} else if w, ok := writers[st.Target]; ok {
			return table.NewValidationError(
				"Stages[%d]: table %s is already written by stage %s", i, st.Target, w)
		}
		stages[st.Name] = i
		writers[st.Target] = st.Name
	}
	for i, st := range s.Stages {
		if st.Trigger.After == "" {
			continue
		} else if _, ok := stages[st.Trigger.After]; !ok {
			return table.NewValidationError("Stages[%d]: unknown after stage (%s)", i, st.Trigger.After)
		}
	}

	// Walk the dataflow graph, where stage X feeds stage Y if Y's source is
	// X's target, verifying it's acyclic. Colors: 0 unvisited, 1 on the
	// current walk, 2 done.
	var color = make([]int, len(s.Stages))
	var walk func(i int) error
	walk = func(i int) error {
		if color[i] == 1 {
			return table.NewValidationError("stage cycle through %s", s.Stages[i].Name)
		} else if color[i] == 2 {
			return nil
		}
		color[i] = 1
		if j, ok := stages[writers[s.Stages[i].Source]]; ok {
			if err := walk(j); err != nil {
				return err
			}
		}
		color[i] = 2
		return nil
	}
	for i := range s.Stages {
		if err := walk(i); err != nil {
			return err
		}
	}

	// The trigger graph, where a stage is dispatched After its parent, must
	// be acyclic as well: it's independent of the dataflow graph, and a
	// cycle of after-triggered stages would re-dispatch one another forever
	// once any one of them ran.
	color = make([]int, len(s.Stages))
	var walkAfter func(i int) error
	walkAfter = func(i int) error {
		if color[i] == 1 {
			return table.NewValidationError("trigger cycle through %s", s.Stages[i].Name)
		} else if color[i] == 2 {
			return nil
		}
		color[i] = 1
		if after := s.Stages[i].Trigger.After; after != "" {
			if err := walkAfter(stages[after]); err != nil {
				return err
			}
		}
		color[i] = 2
		return nil
	}
	for i := range s.Stages {
		if err := walkAfter(i); err != nil {
			return err
		}
	}
	return nil
}

// ParsePipelineSpec parses and validates a PipelineSpec from its YAML form,
// rejecting unknown fields.
func ParsePipelineSpec(b []byte) (PipelineSpec, error) {
	var spec PipelineSpec
	if err := yaml.UnmarshalStrict(b, &spec); err != nil {
		return PipelineSpec{}, err
	}
	return spec, spec.Validate()
}
