// Copyright 2026 Teradata
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package agent

import (
	"context"

	"github.com/teradata-labs/hive/pkg/types"
)

// Executor performs the actual work of a task. Implementations wrap the
// opaque worker behind an agent (an LLM caller, a tool runner, a shell).
// Execute must honor ctx cancellation; a cancelled task reports failure.
type Executor interface {
	Execute(ctx context.Context, task *types.Task) (map[string]interface{}, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, task *types.Task) (map[string]interface{}, error)

// Execute implements Executor.
func (f ExecutorFunc) Execute(ctx context.Context, task *types.Task) (map[string]interface{}, error) {
	return f(ctx, task)
}

// Voter decides an agent's position on a consensus proposal.
type Voter interface {
	Vote(ctx context.Context, proposalID string, proposal map[string]interface{}) (approve bool, reason string)
}

// VoterFunc adapts a function to the Voter interface.
type VoterFunc func(ctx context.Context, proposalID string, proposal map[string]interface{}) (bool, string)

// Vote implements Voter.
func (f VoterFunc) Vote(ctx context.Context, proposalID string, proposal map[string]interface{}) (bool, string) {
	return f(ctx, proposalID, proposal)
}
