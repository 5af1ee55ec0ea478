package chain

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	ErrChainNotFound     = errors.New("chain: not found")
	ErrAlreadyDelivered  = errors.New("chain: already delivered")
	ErrStepMismatch      = errors.New("chain: step already advanced")
	ErrSynthesisFailed   = errors.New("chain: synthesis failed on every head")
	ErrUnknownDepartment = errors.New("chain: unknown department")
)

type Mode string

const (
	ModeSingle    Mode = "single"
	ModeBroadcast Mode = "broadcast"
)

type Step string

const (
	StepClassify    Step = "classify"
	StepDelegation  Step = "delegation"
	StepSpecialists Step = "specialists"
	StepSynthesis   Step = "synthesis"
	StepCompleted   Step = "completed"
	StepFailed      Step = "failed"
)

type Status string

const (
	StatusRunning   Status = "running"
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// AgentResult is one agent's output for one step. Via is "batch" or
// "realtime".
type AgentResult struct {
	AgentID    string    `json:"agent_id"`
	Department string    `json:"department"`
	Content    string    `json:"content"`
	Model      string    `json:"model,omitempty"`
	Via        string    `json:"via"`
	CostUSD    float64   `json:"cost_usd"`
	At         time.Time `json:"at"`
}

// CustomIDRef resolves a batch custom id back to its agent and step.
type CustomIDRef struct {
	AgentID    string `json:"agent_id"`
	Department string `json:"department"`
	Step       Step   `json:"step"`
}

type BatchRef struct {
	BatchID   string   `json:"batch_id"`
	Provider  string   `json:"provider"`
	CustomIDs []string `json:"custom_ids"`
	Error     string   `json:"error,omitempty"`
}

// Chain is the persisted state of one command. Everything but Status, Step,
// Results, Failures and Delivered is append-only.
type Chain struct {
	ID             string                          `json:"chain_id"`
	TaskID         string                          `json:"task_id"`
	Command        string                          `json:"command"`
	Mode           Mode                            `json:"mode"`
	Step           Step                            `json:"step"`
	Status         Status                          `json:"status"`
	TargetID       string                          `json:"target_id"`
	Targets        []string                        `json:"targets"`
	Reason         string                          `json:"reason,omitempty"`
	SkipDelegation bool                            `json:"skip_delegation,omitempty"`
	Batches        map[Step][]BatchRef             `json:"batches"`
	Results        map[Step]map[string]AgentResult `json:"results"`
	Instructions   map[string]string               `json:"instructions,omitempty"`
	CustomIDMap    map[string]CustomIDRef          `json:"custom_id_map"`
	Failures       map[string]string               `json:"failures,omitempty"`
	Fallbacks      []string                        `json:"fallbacks,omitempty"`
	TotalCostUSD   float64                         `json:"total_cost_usd"`
	Delivered      bool                            `json:"delivered"`
	Cancelled      bool                            `json:"cancelled,omitempty"`
	Error          string                          `json:"error,omitempty"`
	Output         string                          `json:"output,omitempty"`
	Label          string                          `json:"label,omitempty"`
	CreatedAt      time.Time                       `json:"created_at"`
	UpdatedAt      time.Time                       `json:"updated_at"`
	CompletedAt    *time.Time                      `json:"completed_at,omitempty"`
}

func NewChainID(now time.Time) string {
	return fmt.Sprintf("chain_%s_%s", now.UTC().Format("20060102150405"), uuid.NewString()[:8])
}

// Active reports whether the chain still needs work or delivery.
func (c Chain) Active() bool { return !c.Delivered }

func (c Chain) Terminal() bool { return c.Step == StepCompleted || c.Step == StepFailed }

func (c *Chain) ensureMaps() {
	if c.Batches == nil {
		c.Batches = make(map[Step][]BatchRef)
	}
	if c.Results == nil {
		c.Results = make(map[Step]map[string]AgentResult)
	}
	if c.CustomIDMap == nil {
		c.CustomIDMap = make(map[string]CustomIDRef)
	}
	if c.Failures == nil {
		c.Failures = make(map[string]string)
	}
	if c.Instructions == nil {
		c.Instructions = make(map[string]string)
	}
}

// Record stores r unless a result for the same step and agent exists. The
// first result wins and its cost is added once.
func (c *Chain) Record(step Step, r AgentResult) bool {
	c.ensureMaps()
	m, ok := c.Results[step]
	if !ok {
		m = make(map[string]AgentResult)
		c.Results[step] = m
	}
	if _, exists := m[r.AgentID]; exists {
		return false
	}
	m[r.AgentID] = r
	c.TotalCostUSD += r.CostUSD
	return true
}

func (c Chain) Result(step Step, agentID string) (AgentResult, bool) {
	r, ok := c.Results[step][agentID]
	return r, ok
}

// advance moves the chain from one step to the next, reporting false when
// another path already moved it.
func (c *Chain) advance(from, to Step) bool {
	if c.Step != from {
		return false
	}
	c.Step = to
	return true
}

// stepIDs lists the custom ids issued for step.
func (c Chain) stepIDs(step Step) []string {
	var out []string
	for id, ref := range c.CustomIDMap {
		if ref.Step == step {
			out = append(out, id)
		}
	}
	return out
}

// stepSettled reports whether every custom id of step has a result or a
// recorded failure.
func (c Chain) stepSettled(step Step) bool {
	for _, id := range c.stepIDs(step) {
		ref := c.CustomIDMap[id]
		if _, ok := c.Result(step, ref.AgentID); ok {
			continue
		}
		if _, failed := c.Failures[id]; failed {
			continue
		}
		return false
	}
	return true
}
