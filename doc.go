// Package conductor orchestrates multi-stage LLM agent pipelines.
//
// An agent is a declarative spec: named stages with dependencies form a
// DAG, each stage drives one LLM conversation with an iteration-bounded
// tool-calling loop, and stages share a session-scoped memory manager
// with pluggable backends (in-process, badger, redis, chromem).
//
// # Quick Start
//
// Install the CLI:
//
//	go install github.com/kadirpekel/conductor/cmd/conductor@latest
//
// Describe a pipeline:
//
//	name: researcher
//	stages:
//	  - name: gather
//	    llm:
//	      provider: echo
//	      model: m1
//	      messages:
//	        - role: user
//	          parts:
//	            - type: text
//	              text: "research <%= topic %>"
//	  - name: write
//	    depends_on: [gather]
//	    entrypoint: true
//	    llm:
//	      provider: echo
//	      model: m1
//	      messages:
//	        - role: user
//	          parts:
//	            - type: text
//	              text: "write it up"
//
// Run it:
//
//	conductor run researcher.yaml --input '{"topic":"rivers"}'
//
// Or serve the session API:
//
//	conductor serve --config conductor.yaml
//
// # Using as a Go Library
//
// Import the packages you need:
//
//	import (
//	    "github.com/kadirpekel/conductor/pkg/agent"
//	    "github.com/kadirpekel/conductor/pkg/llm"
//	    "github.com/kadirpekel/conductor/pkg/session"
//	)
//
// Register providers and tools, then run a spec through a session
// manager:
//
//	providers := llm.NewRegistry()
//	_ = providers.RegisterProvider(llm.NewEchoProvider())
//	manager := session.NewManager(providers, nil, nil, nil, nil)
//	result, err := manager.RunSync(ctx, spec, input, nil)
//
// Sessions survive completion: SendMessage delivers a follow-up user
// turn to the entrypoint stage, re-running it and everything downstream
// with conversation history preserved.
package conductor
