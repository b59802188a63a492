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
package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teradata-labs/hive/pkg/types"
)

type stopReason int

const (
	stopNone stopReason = iota
	stopPause
	stopCancel
)

type humanResponse struct {
	taskID   string
	response map[string]interface{}
}

type externalEvent struct {
	eventType string
	payload   map[string]interface{}
}

// interp drives one instance, processing a single transition at a time.
// Parallel branches share the instance through the mutex; everything
// else runs on the interpreter goroutine.
type interp struct {
	e    *Engine
	defn *types.WorkflowDefinition

	mu   sync.Mutex
	inst *types.WorkflowInstance

	ctx       context.Context
	cancelRun context.CancelFunc

	reasonMu   sync.Mutex
	reason     stopReason
	cancelNote string

	humanResp chan humanResponse
	extEvents chan externalEvent
	done      chan struct{}
}

func newInterp(e *Engine, defn *types.WorkflowDefinition, inst *types.WorkflowInstance) *interp {
	ctx, cancel := context.WithCancel(context.Background())
	return &interp{
		e:         e,
		defn:      defn,
		inst:      inst,
		ctx:       ctx,
		cancelRun: cancel,
		humanResp: make(chan humanResponse, 1),
		extEvents: make(chan externalEvent, 8),
		done:      make(chan struct{}),
	}
}

// stop requests termination. The first reason wins; the interpreter
// finalizes accordingly on its own goroutine.
func (it *interp) stop(reason stopReason, note string) {
	it.reasonMu.Lock()
	if it.reason == stopNone {
		it.reason = reason
		it.cancelNote = note
	}
	it.reasonMu.Unlock()
	it.cancelRun()
}

func (it *interp) stopState() (stopReason, string) {
	it.reasonMu.Lock()
	defer it.reasonMu.Unlock()
	return it.reason, it.cancelNote
}

func (it *interp) run() {
	defer close(it.done)
	defer it.e.dropInterp(it.instanceID())

	if it.e.cfg.EnableSnapshots {
		go it.snapshotLoop()
	}

	bg := context.Background()
	for {
		if it.ctx.Err() != nil {
			it.finalize(bg)
			return
		}

		node := it.defn.NodeByID(it.currentNode())
		if node == nil {
			it.fail(bg, fmt.Errorf("workflow: unknown node %q", it.currentNode()))
			return
		}
		if node.Type == types.NodeEnd {
			it.finish(bg, node)
			return
		}

		output, err := it.execNode(it.ctx, node)
		if err != nil {
			if it.ctx.Err() != nil {
				it.finalize(bg)
				return
			}
			it.fail(bg, fmt.Errorf("node %s: %w", node.ID, err))
			return
		}
		it.completeNode(bg, node, output)

		next, err := it.nextAfter(node)
		if err != nil {
			it.fail(bg, err)
			return
		}
		it.enterNode(bg, next)
	}
}

func (it *interp) snapshotLoop() {
	ticker := time.NewTicker(it.e.cfg.SnapshotInterval)
	defer ticker.Stop()
	for {
		select {
		case <-it.ctx.Done():
			return
		case <-ticker.C:
			if it.status() != types.InstanceRunning {
				continue
			}
			if err := it.snapshot(context.Background()); err != nil {
				it.e.logger.Warn("periodic snapshot failed",
					zap.String("instance_id", it.instanceID()),
					zap.Error(err))
			}
		}
	}
}

// execNode runs one node and returns its output. Routing-only nodes
// (start, decision, loop) produce nothing; their edges are chosen in
// nextAfter.
func (it *interp) execNode(ctx context.Context, node *types.Node) (interface{}, error) {
	switch node.Type {
	case types.NodeStart, types.NodeDecision, types.NodeLoop:
		return nil, nil
	case types.NodeTask:
		return it.execTask(ctx, node)
	case types.NodeParallel:
		return it.execParallel(ctx, node)
	case types.NodeHumanTask:
		return it.execHumanTask(ctx, node)
	case types.NodeTimer:
		return it.execTimer(ctx, node)
	case types.NodeEvent:
		return it.execEvent(ctx, node)
	case types.NodeSubworkflow:
		return it.execSubworkflow(ctx, node)
	case types.NodeTransform:
		return it.execTransform(node)
	case types.NodeAggregate:
		return it.execAggregate(node)
	case types.NodeCustom:
		return it.execCustom(ctx, node)
	default:
		return nil, fmt.Errorf("workflow: unknown node type %q", node.Type)
	}
}

// execTask asks an external agent over the bus and suspends until its
// response arrives. The response body becomes the node output.
func (it *interp) execTask(ctx context.Context, node *types.Node) (interface{}, error) {
	timeout := it.e.cfg.TaskTimeout
	if node.Config.TimeoutMs > 0 {
		timeout = time.Duration(node.Config.TimeoutMs) * time.Millisecond
	}
	target, err := types.ParseAgentID(node.Config.Target)
	if err != nil {
		return nil, err
	}

	payload := make(map[string]interface{}, len(node.Config.Payload)+2)
	for k, v := range node.Config.Payload {
		payload[k] = it.resolveValue(v)
	}
	payload["instanceId"] = it.instanceID()
	payload["nodeId"] = node.ID

	msg := types.NewMessage(it.e.id, []types.AgentID{target}, types.MessageRequest,
		types.PriorityNormal, node.Config.Topic, payload)
	resp, err := it.e.bus.SendAndWait(ctx, msg, timeout)
	if err != nil {
		return nil, fmt.Errorf("task request to %s: %w", target.Key(), err)
	}
	return resp.Content.Body, nil
}

// execParallel runs every outgoing branch concurrently up to the join
// node. The output maps branch head node id to that branch's last
// output.
func (it *interp) execParallel(ctx context.Context, node *types.Node) (interface{}, error) {
	join, err := joinNode(it.defn, node.ID)
	if err != nil {
		return nil, err
	}
	branches := it.defn.OutgoingEdges(node.ID)

	var (
		wg    sync.WaitGroup
		resMu sync.Mutex
	)
	results := make(map[string]interface{}, len(branches))
	errs := make(chan error, len(branches))

	for _, b := range branches {
		wg.Add(1)
		go func(head string) {
			defer wg.Done()
			out, err := it.runBranch(ctx, head, join)
			if err != nil {
				errs <- fmt.Errorf("branch %s: %w", head, err)
				return
			}
			resMu.Lock()
			results[head] = out
			resMu.Unlock()
		}(b.To)
	}
	wg.Wait()

	select {
	case err := <-errs:
		return nil, err
	default:
	}
	return results, nil
}

// runBranch executes nodes from head until reaching the join node,
// returning the last output produced on the way.
func (it *interp) runBranch(ctx context.Context, head, join string) (interface{}, error) {
	cursor := head
	var last interface{}
	for cursor != join {
		node := it.defn.NodeByID(cursor)
		if node == nil {
			return nil, fmt.Errorf("workflow: unknown node %q", cursor)
		}
		if node.Type == types.NodeEnd {
			return nil, fmt.Errorf("workflow: branch reached end node %q before the join", cursor)
		}
		output, err := it.execNode(ctx, node)
		if err != nil {
			return nil, err
		}
		it.completeNode(context.Background(), node, output)
		if output != nil {
			last = output
		}
		next, err := it.nextAfter(node)
		if err != nil {
			return nil, err
		}
		cursor = next
	}
	return last, nil
}

// execHumanTask creates a human task record, moves the instance to
// waiting, and suspends until completeHumanTask answers or the deadline
// passes.
func (it *interp) execHumanTask(ctx context.Context, node *types.Node) (interface{}, error) {
	task := &types.HumanTask{
		ID:         types.NewID("humantask"),
		InstanceID: it.instanceID(),
		NodeID:     node.ID,
		Assignee:   node.Config.Assignee,
		Prompt:     node.Config.Prompt,
		Status:     types.HumanTaskPending,
		CreatedAt:  types.Now(),
	}
	var deadlineCh <-chan time.Time
	if node.Config.DeadlineMs > 0 {
		d := types.At(time.Now().Add(time.Duration(node.Config.DeadlineMs) * time.Millisecond))
		task.Deadline = &d
		deadlineCh = time.After(time.Until(d.Time))
	}
	if err := it.e.store.SaveHumanTask(ctx, task); err != nil {
		return nil, fmt.Errorf("persist human task: %w", err)
	}

	it.mu.Lock()
	it.inst.HumanTasks = append(it.inst.HumanTasks, task.ID)
	it.mu.Unlock()
	it.e.recordEvent(ctx, task.InstanceID, types.EventHumanTaskCreated, node.ID, map[string]interface{}{
		"taskId":   task.ID,
		"assignee": task.Assignee,
	})
	it.setStatus(types.InstanceWaiting)
	it.persist(ctx)

	for {
		select {
		case resp := <-it.humanResp:
			if resp.taskID != task.ID {
				continue
			}
			now := types.Now()
			task.Status = types.HumanTaskCompleted
			task.CompletedAt = &now
			task.Response = resp.response
			if err := it.e.store.SaveHumanTask(ctx, task); err != nil {
				return nil, err
			}
			it.e.recordEvent(ctx, task.InstanceID, types.EventHumanTaskDone, node.ID, map[string]interface{}{
				"taskId": task.ID,
			})
			it.setStatus(types.InstanceRunning)
			it.persist(ctx)
			return resp.response, nil
		case <-deadlineCh:
			task.Status = types.HumanTaskExpired
			if err := it.e.store.SaveHumanTask(context.Background(), task); err != nil {
				it.e.logger.Warn("expired human task not persisted", zap.Error(err))
			}
			return nil, fmt.Errorf("workflow: human task %s expired", task.ID)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (it *interp) execTimer(ctx context.Context, node *types.Node) (interface{}, error) {
	timer := time.NewTimer(time.Duration(node.Config.DelayMs) * time.Millisecond)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// execEvent suspends until an external event of the configured type is
// delivered; other event types are dropped.
func (it *interp) execEvent(ctx context.Context, node *types.Node) (interface{}, error) {
	for {
		select {
		case ev := <-it.extEvents:
			if ev.eventType != node.Config.EventType {
				it.e.logger.Debug("dropping unawaited event",
					zap.String("instance_id", it.instanceID()),
					zap.String("event_type", ev.eventType))
				continue
			}
			if ev.payload == nil {
				return map[string]interface{}{}, nil
			}
			return ev.payload, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// execSubworkflow starts a child instance and suspends until it
// finishes. The child's outputs become the node output.
func (it *interp) execSubworkflow(ctx context.Context, node *types.Node) (interface{}, error) {
	child, err := it.e.store.GetWorkflow(ctx, node.Config.WorkflowID)
	if err != nil {
		return nil, fmt.Errorf("load subworkflow %s: %w", node.Config.WorkflowID, err)
	}
	inputs := make(map[string]interface{}, len(node.Config.Payload))
	for k, v := range node.Config.Payload {
		inputs[k] = it.resolveValue(v)
	}

	childID, err := it.e.StartWorkflow(ctx, child, inputs, it.instanceID())
	if err != nil {
		return nil, err
	}
	final, err := it.e.awaitInstance(ctx, childID)
	if err != nil {
		return nil, err
	}
	if final.Status != types.InstanceCompleted {
		return nil, fmt.Errorf("subworkflow %s ended %s: %s", childID, final.Status, final.Error)
	}
	return final.Context.Outputs, nil
}

func (it *interp) execTransform(node *types.Node) (interface{}, error) {
	fn := it.e.transform(node.Config.Handler)
	if fn == nil {
		return nil, fmt.Errorf("workflow: unknown transform handler %q", node.Config.Handler)
	}
	it.mu.Lock()
	defer it.mu.Unlock()
	return fn(&it.inst.Context)
}

// execAggregate combines the outputs of the declared input nodes.
func (it *interp) execAggregate(node *types.Node) (interface{}, error) {
	it.mu.Lock()
	vals := make([]interface{}, 0, len(node.Config.Inputs))
	for _, id := range node.Config.Inputs {
		vals = append(vals, it.inst.Context.NodeOutputs[id])
	}
	it.mu.Unlock()

	switch node.Config.Mode {
	case types.AggregateMerge:
		merged := make(map[string]interface{})
		for i, v := range vals {
			m, ok := v.(map[string]interface{})
			if !ok {
				return nil, fmt.Errorf("workflow: merge input %q is %T, not an object", node.Config.Inputs[i], v)
			}
			for k, mv := range m {
				merged[k] = mv
			}
		}
		return merged, nil
	case types.AggregateConcat:
		var out []interface{}
		for _, v := range vals {
			if items, ok := v.([]interface{}); ok {
				out = append(out, items...)
				continue
			}
			out = append(out, v)
		}
		return out, nil
	case types.AggregateSum, types.AggregateAverage:
		sum := 0.0
		for i, v := range vals {
			if node.Config.Field != "" {
				m, ok := v.(map[string]interface{})
				if !ok {
					return nil, fmt.Errorf("workflow: input %q is %T, not an object", node.Config.Inputs[i], v)
				}
				v = m[node.Config.Field]
			}
			n, ok := toFloat64(v)
			if !ok {
				return nil, fmt.Errorf("workflow: input %q is not numeric", node.Config.Inputs[i])
			}
			sum += n
		}
		if node.Config.Mode == types.AggregateAverage && len(vals) > 0 {
			return sum / float64(len(vals)), nil
		}
		return sum, nil
	default:
		return nil, fmt.Errorf("workflow: unknown aggregate mode %q", node.Config.Mode)
	}
}

func (it *interp) execCustom(ctx context.Context, node *types.Node) (interface{}, error) {
	fn := it.e.custom(node.Config.Handler)
	if fn == nil {
		return nil, fmt.Errorf("workflow: unknown custom handler %q", node.Config.Handler)
	}
	return fn(ctx, it.snapshotInstance(), node)
}

// nextAfter picks the node's outgoing edge. Decisions evaluate edge
// conditions in declared order with the default edge as last resort;
// loops evaluate their guard and bound the iteration counter; parallel
// continues at the join.
func (it *interp) nextAfter(node *types.Node) (string, error) {
	out := it.defn.OutgoingEdges(node.ID)

	switch node.Type {
	case types.NodeDecision:
		var def string
		for _, e := range out {
			if e.Default {
				def = e.To
				continue
			}
			if e.Condition == nil {
				return e.To, nil
			}
			ok, err := it.evaluate(e.Condition, nil)
			if err != nil {
				return "", fmt.Errorf("decision %s: %w", node.ID, err)
			}
			if ok {
				return e.To, nil
			}
		}
		if def != "" {
			return def, nil
		}
		return "", fmt.Errorf("workflow: decision %s matched no edge", node.ID)

	case types.NodeLoop:
		maxIter := node.Config.MaxIterations
		if maxIter <= 0 {
			maxIter = it.e.cfg.MaxIterations
		}
		var body, exit string
		for _, e := range out {
			if e.Default {
				exit = e.To
			} else {
				body = e.To
			}
		}
		count := it.loopCount(node.ID)
		ok, err := it.evaluate(node.Config.Condition, nil)
		if err != nil {
			return "", fmt.Errorf("loop %s: %w", node.ID, err)
		}
		if ok && count < maxIter {
			it.setLoopCount(node.ID, count+1)
			return body, nil
		}
		return exit, nil

	case types.NodeParallel:
		return joinNode(it.defn, node.ID)

	default:
		if len(out) == 0 {
			return "", fmt.Errorf("workflow: node %s has no outgoing edge", node.ID)
		}
		return out[0].To, nil
	}
}

// finish executes an end node: outputs come from the node's payload
// mapping when declared, otherwise from the accumulated node outputs.
func (it *interp) finish(ctx context.Context, node *types.Node) {
	it.mu.Lock()
	outputs := make(map[string]interface{})
	if len(node.Config.Payload) > 0 {
		for k, v := range node.Config.Payload {
			outputs[k] = resolveOperand(v, NewEvalContext(&it.inst.Context, nil))
		}
	} else {
		for k, v := range it.inst.Context.NodeOutputs {
			outputs[k] = v
		}
	}
	now := types.Now()
	it.inst.Context.Outputs = outputs
	it.inst.CurrentNode = node.ID
	it.inst.Status = types.InstanceCompleted
	it.inst.CompletedAt = &now
	it.mu.Unlock()

	it.e.recordEvent(ctx, it.instanceID(), types.EventInstanceCompleted, node.ID, map[string]interface{}{
		"outputs": outputs,
	})
	it.persist(ctx)
	it.e.logger.Info("workflow completed", zap.String("instance_id", it.instanceID()))
}

func (it *interp) fail(ctx context.Context, err error) {
	it.mu.Lock()
	now := types.Now()
	it.inst.Status = types.InstanceFailed
	it.inst.Error = err.Error()
	it.inst.CompletedAt = &now
	node := it.inst.CurrentNode
	it.mu.Unlock()

	it.e.recordEvent(ctx, it.instanceID(), types.EventInstanceFailed, node, map[string]interface{}{
		"error": err.Error(),
	})
	it.persist(ctx)
	it.e.logger.Warn("workflow failed",
		zap.String("instance_id", it.instanceID()),
		zap.Error(err))
}

// finalize handles a stop request: pause snapshots synchronously so the
// instance is resumable; cancel is terminal.
func (it *interp) finalize(ctx context.Context) {
	reason, note := it.stopState()
	switch reason {
	case stopCancel:
		it.mu.Lock()
		now := types.Now()
		it.inst.Status = types.InstanceCancelled
		it.inst.CompletedAt = &now
		node := it.inst.CurrentNode
		it.mu.Unlock()
		it.e.recordEvent(ctx, it.instanceID(), types.EventInstanceCancelled, node, map[string]interface{}{
			"reason": note,
		})
		it.persist(ctx)
		it.e.logger.Info("workflow cancelled",
			zap.String("instance_id", it.instanceID()),
			zap.String("reason", note))
	default:
		it.setStatus(types.InstancePaused)
		it.e.recordEvent(ctx, it.instanceID(), types.EventInstancePaused, it.currentNode(), nil)
		it.persist(ctx)
		if err := it.snapshot(ctx); err != nil {
			it.e.logger.Error("pause snapshot failed",
				zap.String("instance_id", it.instanceID()),
				zap.Error(err))
		}
		it.e.logger.Info("workflow paused", zap.String("instance_id", it.instanceID()))
	}
}

// snapshot persists a checkpoint of the instance. State is the canonical
// serialization; the checksum is computed over the same bytes, so a
// snapshot and its clone always checksum identically.
func (it *interp) snapshot(ctx context.Context) error {
	it.mu.Lock()
	state, err := types.CanonicalJSON(it.inst)
	if err != nil {
		it.mu.Unlock()
		return err
	}
	sum, err := types.ChecksumJSON(it.inst)
	it.mu.Unlock()
	if err != nil {
		return err
	}

	snap := &types.Snapshot{
		ID:         types.NewID("snapshot"),
		InstanceID: it.instanceID(),
		Timestamp:  types.Now(),
		State:      state,
		Checksum:   sum,
	}
	return it.e.store.SaveSnapshot(ctx, snap)
}

// completeNode records the node output. Routing nodes produce no output
// and no completion event, which keeps replay aligned with the live run.
func (it *interp) completeNode(ctx context.Context, node *types.Node, output interface{}) {
	if output == nil {
		return
	}
	it.mu.Lock()
	it.inst.Context.NodeOutputs[node.ID] = output
	it.mu.Unlock()
	it.e.recordEvent(ctx, it.instanceID(), types.EventNodeCompleted, node.ID, map[string]interface{}{
		"output": output,
	})
}

func (it *interp) enterNode(ctx context.Context, id string) {
	it.mu.Lock()
	it.inst.CurrentNode = id
	it.mu.Unlock()
	it.e.recordEvent(ctx, it.instanceID(), types.EventNodeEntered, id, nil)
	it.persist(ctx)
}

func (it *interp) evaluate(cond *types.Condition, event map[string]interface{}) (bool, error) {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.e.eval.Evaluate(cond, NewEvalContext(&it.inst.Context, event))
}

// resolveValue maps a payload value through the context: strings naming
// a context path resolve, everything else passes through.
func (it *interp) resolveValue(v interface{}) interface{} {
	it.mu.Lock()
	defer it.mu.Unlock()
	return resolveOperand(v, NewEvalContext(&it.inst.Context, nil))
}

func (it *interp) loopCount(nodeID string) int {
	it.mu.Lock()
	defer it.mu.Unlock()
	n, _ := strconv.Atoi(it.inst.Context.Metadata["loop:"+nodeID])
	return n
}

func (it *interp) setLoopCount(nodeID string, n int) {
	it.mu.Lock()
	defer it.mu.Unlock()
	if it.inst.Context.Metadata == nil {
		it.inst.Context.Metadata = make(map[string]string)
	}
	it.inst.Context.Metadata["loop:"+nodeID] = strconv.Itoa(n)
}

func (it *interp) instanceID() string {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.inst.ID
}

func (it *interp) currentNode() string {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.inst.CurrentNode
}

func (it *interp) status() types.InstanceStatus {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.inst.Status
}

func (it *interp) setStatus(s types.InstanceStatus) {
	it.mu.Lock()
	defer it.mu.Unlock()
	it.inst.Status = s
}

func (it *interp) persist(ctx context.Context) {
	cp := it.snapshotInstance()
	if err := it.e.store.SaveInstance(ctx, cp); err != nil {
		it.e.logger.Error("instance write failed",
			zap.String("instance_id", cp.ID),
			zap.Error(err))
	}
}

// snapshotInstance returns a deep copy safe to hand outside the
// interpreter.
func (it *interp) snapshotInstance() *types.WorkflowInstance {
	it.mu.Lock()
	defer it.mu.Unlock()
	data, err := json.Marshal(it.inst)
	if err != nil {
		cp := *it.inst
		return &cp
	}
	cp := &types.WorkflowInstance{}
	if err := json.Unmarshal(data, cp); err != nil {
		shallow := *it.inst
		return &shallow
	}
	return cp
}
