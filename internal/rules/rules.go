// Package rules gates store writes with an OPA Rego policy. The policy input
// is the authenticated uid, the write path split into segments, and the value
// being written; the policy decides allow/deny.
package rules

import (
	"context"
	"fmt"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
)

const allowQuery = "data.talkline.store.allow"

// DefaultPolicy is the embedded write policy: users may write their own
// profile, their own chat-list entries, and message logs they participate in.
const DefaultPolicy = `package talkline.store

default allow = false

allow if {
	input.path[0] == "users"
	input.path[1] == input.uid
}

allow if {
	input.path[0] == "chats"
	input.value.userId == input.uid
}

allow if {
	input.path[0] == "messages"
	input.path[1] == input.uid
}

allow if {
	input.path[0] == "messages"
	input.path[2] == input.uid
}
`

// Input is one write decision request.
type Input struct {
	UID   string
	Path  []string
	Value any
}

// Engine evaluates the write policy. The policy module is compiled once at
// construction.
type Engine struct {
	compiler *ast.Compiler
}

// New compiles policy into an Engine. An empty policy uses DefaultPolicy.
func New(policy string) (*Engine, error) {
	if policy == "" {
		policy = DefaultPolicy
	}
	compiler, err := ast.CompileModules(map[string]string{"store_rules.rego": policy})
	if err != nil {
		return nil, fmt.Errorf("compile store rules: %w", err)
	}
	return &Engine{compiler: compiler}, nil
}

// Allow reports whether the write described by in is permitted.
func (e *Engine) Allow(ctx context.Context, in Input) (bool, error) {
	q := rego.New(
		rego.Query(allowQuery),
		rego.Compiler(e.compiler),
		rego.Input(map[string]any{
			"uid":   in.UID,
			"path":  in.Path,
			"value": in.Value,
		}),
	)
	rs, err := q.Eval(ctx)
	if err != nil {
		return false, fmt.Errorf("eval store rules: %w", err)
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return false, nil
	}
	allowed, ok := rs[0].Expressions[0].Value.(bool)
	if !ok {
		return false, fmt.Errorf("store rules: allow is not a boolean")
	}
	return allowed, nil
}

// HealthCheck verifies the engine can evaluate its compiled policy.
func (e *Engine) HealthCheck(ctx context.Context) error {
	_, err := e.Allow(ctx, Input{UID: "healthcheck", Path: []string{"users", "healthcheck"}})
	return err
}
