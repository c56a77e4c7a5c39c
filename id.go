package proposalflow

import (
	"go.jetify.com/typeid"
)

// NewThreadID returns a new prefixed identifier for a workflow thread.
func NewThreadID() string {
	id, err := typeid.WithPrefix("thread")
	if err != nil {
		panic(err)
	}
	return id.String()
}

// NewRunID returns a new prefixed identifier for one engine entry (a fresh
// run or a resume). The thread ID stays stable across runs; the run ID does
// not.
func NewRunID() string {
	id, err := typeid.WithPrefix("run")
	if err != nil {
		panic(err)
	}
	return id.String()
}
