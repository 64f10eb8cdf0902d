package vm

import (
	"testing"

	"github.com/sirupsen/logrus"
)

func TestDefaultSyscallsSolLogReadsMessage(t *testing.T) {
	mem := NewRegionMemory(nil, []byte("hello"), 0, 0)
	v := NewInterpreter(Program{}, mem, DefaultSyscalls(logrus.New()))
	handler, ok := v.Syscalls["sol_log_"]
	if !ok {
		t.Fatal("sol_log_ not registered")
	}
	if _, err := handler(v, InputBase, 5, 0, 0, 0); err != nil {
		t.Fatalf("sol_log_: %v", err)
	}
}

func TestDefaultSyscallsAbortFails(t *testing.T) {
	mem := NewRegionMemory(nil, nil, 0, 0)
	v := NewInterpreter(Program{}, mem, DefaultSyscalls(logrus.New()))
	handler, ok := v.Syscalls["abort"]
	if !ok {
		t.Fatal("abort not registered")
	}
	if _, err := handler(v, 0, 0, 0, 0, 0); err == nil {
		t.Fatal("expected abort to return an error")
	}
}

func TestDefaultSyscallsLog64DoesNotTouchMemory(t *testing.T) {
	mem := NewRegionMemory(nil, nil, 0, 0)
	v := NewInterpreter(Program{}, mem, DefaultSyscalls(nil))
	handler := v.Syscalls["sol_log_64_"]
	if _, err := handler(v, 1, 2, 3, 4, 5); err != nil {
		t.Fatalf("sol_log_64_: %v", err)
	}
}
