// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package backward is the public façade over the reverse-mode automatic
// differentiation execution engine: a multi-threaded, multi-device scheduler
// that drives a recorded computation graph backward from a set of output
// nodes to their inputs.
//
// It re-exports the pieces of internal/engine, internal/graph, internal/tensor
// and internal/devrt a caller needs to record a graph and run it, following
// autodiff/autodiff.go's pattern of aliasing types out of an internal package
// rather than duplicating them.
//
// Example:
//
//	reg := devrt.NewRegistry()
//	reg.Register(devrt.CPU, cpu.New())
//	eng := backward.New(reg, myArith, backward.DefaultConfig())
//
//	grads, err := eng.Execute(backward.Request{
//	    Roots: []backward.Node{lossNode},
//	    Seeds: []*tensor.RawTensor{seed},
//	})
package backward

import (
	"github.com/born-ml/backward/internal/devrt"
	"github.com/born-ml/backward/internal/engine"
	"github.com/born-ml/backward/internal/graph"
	"github.com/born-ml/backward/internal/tensor"
)

// Engine is the scheduler that drives GraphTasks to completion.
type Engine = engine.Engine

// Config controls Engine construction.
type Config = engine.Config

// DefaultConfig returns the engine's default policy (max recursion depth
// 100, exit-on-first-error).
func DefaultConfig() Config { return engine.DefaultConfig() }

// New constructs an Engine bound to registry (the device-type runtimes
// available) and arith (the tensor arithmetic collaborator input-buffer
// accumulation calls into).
func New(registry *devrt.Registry, arith tensor.Arith, cfg Config) *Engine {
	return engine.New(registry, arith, cfg)
}

// Request bundles the arguments to Execute: the output nodes to
// differentiate from, their seed gradients, and the keep/create-graph and
// requested-output-capture options.
type Request = engine.Request

// Node is a single differentiable function in the recorded graph: the
// engine-facing contract a forward-pass recorder implements to make its
// graph walkable backward.
type Node = graph.Node

// Edge is a directed connection from one node's output slot to the node
// that consumes it as an input.
type Edge = graph.Edge

// InputMetadata describes the shape/dtype/device an input slot expects.
type InputMetadata = graph.InputMetadata

// Hook is a user-supplied gradient transform run before or after a node's
// Apply.
type Hook = graph.Hook

// NodeMetadata carries anomaly-mode bookkeeping captured when a node was
// recorded.
type NodeMetadata = graph.NodeMetadata

// Registry is the device-type runtime registry: which device runtimes
// (CPU, WebGPU, ...) are available and how many flat device indices they
// expose.
type Registry = devrt.Registry

// NewRegistry constructs an empty device runtime Registry.
func NewRegistry() *Registry { return devrt.NewRegistry() }

// RawTensor is the refcounted, copy-on-write tensor buffer InputBuffer
// accumulates into and Node.Apply exchanges.
type RawTensor = tensor.RawTensor

// Arith is the narrow tensor-arithmetic surface the engine calls into for
// input-buffer accumulation and shape-mismatch reduction.
type Arith = tensor.Arith

// EngineStub is the interface an alternate or subclassed engine
// implementation must satisfy to be installed as the process default via
// SetDefaultEngineStub. *Engine satisfies it.
type EngineStub = engine.EngineStub

// SetDefaultEngineStub installs stub as the process-wide default engine,
// letting a distributed-autograd extension or other subclass replace the
// built-in scheduler for callers that fetch it via DefaultEngineStub.
// Passing nil clears the override.
func SetDefaultEngineStub(stub EngineStub) { engine.SetDefaultEngineStub(stub) }

// DefaultEngineStub returns the process-wide default engine installed via
// SetDefaultEngineStub, or nil if none has been installed.
func DefaultEngineStub() EngineStub { return engine.DefaultEngineStub() }
