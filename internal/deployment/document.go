package deployment

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"edgeagent/internal/configtree"
	"edgeagent/internal/graph"
)

// FailureHandlingPolicy decides what happens when a deployment fails after
// the configuration was merged.
type FailureHandlingPolicy string

const (
	PolicyRollback  FailureHandlingPolicy = "ROLLBACK"
	PolicyDoNothing FailureHandlingPolicy = "DO_NOTHING"
)

// UpdateAction decides whether components are asked before an update.
type UpdateAction string

const (
	ActionNotifyComponents     UpdateAction = "NOTIFY_COMPONENTS"
	ActionSkipNotifyComponents UpdateAction = "SKIP_NOTIFY_COMPONENTS"
)

// ComponentUpdatePolicy bounds how long components may defer an update.
type ComponentUpdatePolicy struct {
	Action  UpdateAction  `yaml:"action,omitempty"`
	Timeout time.Duration `yaml:"timeout,omitempty"`
}

// Document is the desired state carried by a deployment. Components is the
// complete target set: anything running that it does not name is obsolete.
type Document struct {
	ID                    string                          `yaml:"id,omitempty"`
	Timestamp             time.Time                       `yaml:"timestamp,omitempty"`
	GroupName             string                          `yaml:"groupName,omitempty"`
	FailureHandlingPolicy FailureHandlingPolicy           `yaml:"failureHandlingPolicy,omitempty"`
	ComponentUpdatePolicy ComponentUpdatePolicy           `yaml:"componentUpdatePolicy,omitempty"`
	RequiredCapabilities  []string                        `yaml:"requiredCapabilities,omitempty"`
	Timeout               time.Duration                   `yaml:"timeout,omitempty"`
	Components            map[string]configtree.Component `yaml:"components"`
}

// ParseDocument decodes and validates a YAML or JSON deployment document.
func ParseDocument(data []byte) (Document, error) {
	var doc Document
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return Document{}, invalidDocument(errors.New("document is empty"))
		}
		return Document{}, invalidDocument(err)
	}
	if doc.Components == nil {
		doc.Components = make(map[string]configtree.Component)
	}
	switch doc.FailureHandlingPolicy {
	case "", PolicyRollback, PolicyDoNothing:
	default:
		return Document{}, invalidDocument(fmt.Errorf("unknown failure handling policy %q", doc.FailureHandlingPolicy))
	}
	switch doc.ComponentUpdatePolicy.Action {
	case "", ActionNotifyComponents, ActionSkipNotifyComponents:
	default:
		return Document{}, invalidDocument(fmt.Errorf("unknown component update action %q", doc.ComponentUpdatePolicy.Action))
	}
	if err := configtree.Validate(doc.Components); err != nil {
		return Document{}, invalidDocument(err)
	}
	return doc, nil
}

func invalidDocument(err error) error {
	return newError(KindRequest, []string{CodeDocumentNotValid}, []string{TypeRequestError}, "invalid deployment document", err)
}

// Encode serializes the document.
func (d Document) Encode() ([]byte, error) {
	data, err := yaml.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("encode deployment document: %w", err)
	}
	return data, nil
}

// AutoRollback reports whether a failed merge is reversed. Rollback is the
// default.
func (d Document) AutoRollback() bool {
	return d.FailureHandlingPolicy != PolicyDoNothing
}

// NotifyComponents reports whether components may defer the update.
func (d Document) NotifyComponents() bool {
	return d.ComponentUpdatePolicy.Action != ActionSkipNotifyComponents
}

// MissingCapabilities returns required capabilities absent from supported, sorted.
func (d Document) MissingCapabilities(supported []string) []string {
	var missing []string
	for _, c := range d.RequiredCapabilities {
		if !slices.Contains(supported, c) && !slices.Contains(missing, c) {
			missing = append(missing, c)
		}
	}
	slices.Sort(missing)
	return missing
}

func missingCapabilitiesError(missing []string) error {
	return newError(KindRequest,
		[]string{CodeMissingCapabilities},
		[]string{TypeRequestError},
		"the agent does not support one or more capabilities required by this deployment: "+strings.Join(missing, ", "),
		nil)
}

// Check runs the request checks made before any state changes: required
// capabilities against supported, then dependency cycles over current.
func (d Document) Check(supported []string, current map[string]configtree.Component) error {
	if missing := d.MissingCapabilities(supported); len(missing) > 0 {
		return missingCapabilitiesError(missing)
	}
	return d.CheckCycles(current)
}

// CheckCycles orders current overlaid with the document's components over
// HARD edges and fails if any component cannot be placed.
func (d Document) CheckCycles(current map[string]configtree.Component) error {
	merged := maps.Clone(current)
	maps.Copy(merged, d.Components)

	g := graph.New()
	for _, name := range slices.Sorted(maps.Keys(merged)) {
		g.Ensure(name)
		if err := g.SetDependencies(name, merged[name].DependencyKinds()); err != nil {
			return invalidDocument(err)
		}
	}
	snap := g.Snapshot()
	order := snap.OrderedDependencies()
	if len(order) == snap.Len() {
		return nil
	}

	placed := make(map[string]bool, len(order))
	for _, name := range order {
		placed[name] = true
	}
	var stuck []string
	for _, name := range snap.Names() {
		if !placed[name] {
			stuck = append(stuck, name)
		}
	}
	return newError(KindRequest,
		[]string{CodeCircularDependency},
		[]string{TypeRequestError},
		fmt.Sprintf("circular dependency detected among components [%s]", strings.Join(stuck, ", ")),
		nil)
}

// BootstrapTask is one component bootstrap step carried across restarts.
type BootstrapTask struct {
	Component string                          `json:"component"`
	Requires  configtree.BootstrapRequirement `json:"requires"`
	Done      bool                            `json:"done,omitempty"`
}

// BootstrapTasks lists the new or changed components of target that declare
// a bootstrap step, dependencies first.
func BootstrapTasks(current, target map[string]configtree.Component) []BootstrapTask {
	g := graph.New()
	for name, c := range target {
		g.Ensure(name)
		_ = g.SetDependencies(name, c.DependencyKinds())
	}
	var tasks []BootstrapTask
	for _, name := range g.OrderedDependencies() {
		next, ok := target[name]
		if !ok || !next.RequiresBootstrap() {
			continue
		}
		if prev, existed := current[name]; existed && prev.Equal(next) {
			continue
		}
		tasks = append(tasks, BootstrapTask{Component: name, Requires: next.Bootstrap.Requires})
	}
	return tasks
}
