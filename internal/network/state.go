// Package network tracks the agent call network of a session: which agents
// are running, how they nest, what they invoke and how they perform.
//
// A State holds one session's network and is not safe for concurrent use.
// The Registry owns every State and serializes access to it per session.
package network

import (
	"maps"
	"slices"
	"sort"
	"time"

	"github.com/ashita-ai/tsunagi/internal/model"
)

// DefaultMaxDepth is the execution stack depth used when none is configured.
const DefaultMaxDepth = 10

// AgentMetrics are the counters for one agent within a session.
// Averages and rates are computed from the counters on demand.
type AgentMetrics struct {
	InvocationCount    int
	TotalExecutionTime time.Duration
	SuccessCount       int
	FailureCount       int
	ToolsUsed          map[string]struct{}
	IsActive           bool
	LastInvokedAt      time.Time
}

// Completions returns the number of recorded completions.
func (m AgentMetrics) Completions() int {
	return m.SuccessCount + m.FailureCount
}

// AverageExecutionTime returns TotalExecutionTime divided by the number of
// completions, or 0 before the first completion.
func (m AgentMetrics) AverageExecutionTime() time.Duration {
	n := m.Completions()
	if n == 0 {
		return 0
	}
	return m.TotalExecutionTime / time.Duration(n)
}

// SuccessRate returns SuccessCount / InvocationCount, or 0 when the agent
// has never been invoked.
func (m AgentMetrics) SuccessRate() float64 {
	if m.InvocationCount == 0 {
		return 0
	}
	return float64(m.SuccessCount) / float64(m.InvocationCount)
}

// Tools returns the tool names in alphabetical order.
func (m AgentMetrics) Tools() []string {
	return slices.Sorted(maps.Keys(m.ToolsUsed))
}

func (m AgentMetrics) clone() AgentMetrics {
	c := m
	c.ToolsUsed = maps.Clone(m.ToolsUsed)
	if c.ToolsUsed == nil {
		c.ToolsUsed = map[string]struct{}{}
	}
	return c
}

func (m AgentMetrics) view() model.AgentMetricsView {
	v := model.AgentMetricsView{
		InvocationCount:      m.InvocationCount,
		TotalExecutionTime:   m.TotalExecutionTime.Seconds(),
		AverageExecutionTime: m.AverageExecutionTime().Seconds(),
		SuccessCount:         m.SuccessCount,
		FailureCount:         m.FailureCount,
		SuccessRate:          m.SuccessRate(),
		ToolsUsed:            m.Tools(),
		IsActive:             m.IsActive,
	}
	if !m.LastInvokedAt.IsZero() {
		t := m.LastInvokedAt.UTC()
		v.LastInvokedAt = &t
	}
	return v
}

// Relationship is a directed edge: Source invoked Target InteractionCount times.
type Relationship struct {
	Source           string
	Target           string
	Type             string
	InteractionCount int
}

type relationKey struct {
	source, target, kind string
}

// State is one session's agent network.
type State struct {
	maxDepth int
	now      func() time.Time

	agents        map[string]*AgentMetrics
	relationships map[relationKey]*Relationship
	hierarchy     map[string]map[string]struct{}
	stack         []string
	frames        map[string]int // stack frames per agent name

	version uint64 // bumped on every mutation
}

// NewState creates an empty network. A non-positive maxDepth selects
// DefaultMaxDepth.
func NewState(maxDepth int) *State {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	return &State{
		maxDepth:      maxDepth,
		now:           time.Now,
		agents:        make(map[string]*AgentMetrics),
		relationships: make(map[relationKey]*Relationship),
		hierarchy:     make(map[string]map[string]struct{}),
		frames:        make(map[string]int),
	}
}

func (s *State) metrics(name string) *AgentMetrics {
	m, ok := s.agents[name]
	if !ok {
		m = &AgentMetrics{ToolsUsed: make(map[string]struct{})}
		s.agents[name] = m
	}
	return m
}

// PushAgent records the start of an invocation of name. It returns the agent
// that was on top of the stack before the push, or "" for a root invocation.
// If the push would exceed the depth limit the state is left unchanged and a
// *RecursionLimitError is returned.
func (s *State) PushAgent(name string) (parent string, err error) {
	if name == "" {
		return "", ErrMissingAgent
	}
	if len(s.stack) >= s.maxDepth {
		return "", &RecursionLimitError{Agent: name, Limit: s.maxDepth, Stack: slices.Clone(s.stack)}
	}
	if n := len(s.stack); n > 0 {
		parent = s.stack[n-1]
	}

	s.stack = append(s.stack, name)
	s.frames[name]++

	m := s.metrics(name)
	m.InvocationCount++
	m.IsActive = true
	m.LastInvokedAt = s.now()
	s.version++
	return parent, nil
}

// PopAgent records the end of the innermost invocation, which must be name.
// Execution is strictly nested: popping anything other than the stack top is
// an integration bug. In that case the stack is reset to empty, every agent
// is marked inactive and an *InconsistentStackError is returned.
func (s *State) PopAgent(name string) error {
	n := len(s.stack)
	if n == 0 || s.stack[n-1] != name {
		err := &InconsistentStackError{Agent: name, Stack: slices.Clone(s.stack)}
		if n > 0 {
			err.Top = s.stack[n-1]
		}
		s.resetStack()
		return err
	}

	s.stack = s.stack[:n-1]
	s.frames[name]--
	if s.frames[name] <= 0 {
		delete(s.frames, name)
		if m, ok := s.agents[name]; ok {
			m.IsActive = false
		}
	}
	s.version++
	return nil
}

func (s *State) resetStack() {
	s.stack = nil
	clear(s.frames)
	for _, m := range s.agents {
		m.IsActive = false
	}
	s.version++
}

// RecordCompletion adds one completed invocation to the agent's counters.
// Negative durations are recorded as zero.
func (s *State) RecordCompletion(name string, d time.Duration, success bool) {
	if d < 0 {
		d = 0
	}
	m := s.metrics(name)
	m.TotalExecutionTime += d
	if success {
		m.SuccessCount++
	} else {
		m.FailureCount++
	}
	s.version++
}

// RecordToolUse adds tool to the set of tools agent has used.
func (s *State) RecordToolUse(agent, tool string) {
	m := s.metrics(agent)
	if _, ok := m.ToolsUsed[tool]; ok {
		return
	}
	m.ToolsUsed[tool] = struct{}{}
	s.version++
}

// RecordRelationship upserts the directed source→target edge of the given
// type and returns its interaction count. An empty type means "invokes".
func (s *State) RecordRelationship(source, target, kind string) int {
	if kind == "" {
		kind = model.RelationInvokes
	}
	key := relationKey{source, target, kind}
	rel, ok := s.relationships[key]
	if !ok {
		rel = &Relationship{Source: source, Target: target, Type: kind}
		s.relationships[key] = rel
	}
	rel.InteractionCount++
	s.version++
	return rel.InteractionCount
}

// RecordHierarchy notes that parent delegated to child. Entries are never
// removed within a session.
func (s *State) RecordHierarchy(parent, child string) {
	children, ok := s.hierarchy[parent]
	if !ok {
		children = make(map[string]struct{})
		s.hierarchy[parent] = children
	}
	if _, ok := children[child]; ok {
		return
	}
	children[child] = struct{}{}
	s.version++
}

// Stack returns a copy of the execution stack, outermost first.
func (s *State) Stack() []string {
	return slices.Clone(s.stack)
}

// Depth returns the current execution stack depth.
func (s *State) Depth() int {
	return len(s.stack)
}

// MaxDepth returns the configured stack depth limit.
func (s *State) MaxDepth() int {
	return s.maxDepth
}

// Version returns a counter that changes whenever the state is mutated.
func (s *State) Version() uint64 {
	return s.version
}

// ActiveAgents returns the distinct agents on the execution stack in
// alphabetical order.
func (s *State) ActiveAgents() []string {
	return slices.Sorted(maps.Keys(s.frames))
}

// IsActive reports whether any stack frame references name.
func (s *State) IsActive(name string) bool {
	return s.frames[name] > 0
}

// Agent returns a copy of the metrics for name.
func (s *State) Agent(name string) (AgentMetrics, bool) {
	m, ok := s.agents[name]
	if !ok {
		return AgentMetrics{}, false
	}
	return m.clone(), true
}

// Agents returns a copy of every agent's metrics.
func (s *State) Agents() map[string]AgentMetrics {
	out := make(map[string]AgentMetrics, len(s.agents))
	for name, m := range s.agents {
		out[name] = m.clone()
	}
	return out
}

// Relationships returns the edges sorted by source, target and type.
func (s *State) Relationships() []Relationship {
	out := make([]Relationship, 0, len(s.relationships))
	for _, rel := range s.relationships {
		out = append(out, *rel)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Source != b.Source {
			return a.Source < b.Source
		}
		if a.Target != b.Target {
			return a.Target < b.Target
		}
		return a.Type < b.Type
	})
	return out
}

// Hierarchy returns parent → children with children in alphabetical order.
func (s *State) Hierarchy() map[string][]string {
	out := make(map[string][]string, len(s.hierarchy))
	for parent, children := range s.hierarchy {
		out[parent] = slices.Sorted(maps.Keys(children))
	}
	return out
}

// Export returns the wire form of the network for sessionID.
func (s *State) Export(sessionID string) model.NetworkExport {
	exp := model.EmptyNetworkExport(sessionID)
	for name, m := range s.agents {
		exp.Agents[name] = m.view()
	}
	for _, rel := range s.Relationships() {
		exp.Relationships = append(exp.Relationships, model.RelationshipView{
			Source:           rel.Source,
			Target:           rel.Target,
			Type:             rel.Type,
			InteractionCount: rel.InteractionCount,
		})
	}
	exp.Hierarchy = s.Hierarchy()
	exp.ExecutionStack = append(exp.ExecutionStack, s.stack...)
	exp.ActiveAgents = append(exp.ActiveAgents, s.ActiveAgents()...)
	return exp
}
