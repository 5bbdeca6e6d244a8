// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

package callback

import (
	"errors"
	"testing"

	"github.com/256lights/luacore/value"
)

func TestStackPushGetClear(t *testing.T) {
	s := NewStack(value.Int(1), value.Int(2))
	if got := s.Len(); got != 2 {
		t.Fatalf("Len() = %d; want 2", got)
	}
	s.Push(value.Int(3))
	if got := s.Len(); got != 3 {
		t.Fatalf("Len() after Push = %d; want 3", got)
	}
	if got := s.Get(2); got != value.Int(3) {
		t.Errorf("Get(2) = %v; want 3", got)
	}
	if got := s.Get(99); got != nil {
		t.Errorf("Get(out of range) = %v; want nil", got)
	}
	s.Clear()
	if got := s.Len(); got != 0 {
		t.Errorf("Len() after Clear = %d; want 0", got)
	}
}

func TestStackPushFront(t *testing.T) {
	s := NewStack(value.Int(2), value.Int(3))
	s.PushFront(value.Int(1))
	want := []value.Value{value.Int(1), value.Int(2), value.Int(3)}
	got := s.Values()
	if len(got) != len(want) {
		t.Fatalf("Values() = %v; want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Values()[%d] = %v; want %v", i, got[i], want[i])
		}
	}
}

func TestStackReplace(t *testing.T) {
	s := NewStack(value.Int(1))
	s.Replace([]value.Value{value.Int(9), value.Int(8)})
	if got := s.Len(); got != 2 {
		t.Fatalf("Len() after Replace = %d; want 2", got)
	}
	if got := s.Get(0); got != value.Int(9) {
		t.Errorf("Get(0) = %v; want 9", got)
	}
}

func TestContextInternDefault(t *testing.T) {
	var c *Context
	s := c.String("hello")
	if s.String() != "hello" {
		t.Errorf("String() = %q; want %q", s.String(), "hello")
	}
}

func TestContextInternCustom(t *testing.T) {
	calls := 0
	c := &Context{Intern: func(s string) *value.String {
		calls++
		return value.NewString(s)
	}}
	c.String("a")
	c.String("b")
	if calls != 2 {
		t.Errorf("custom Intern called %d times; want 2", calls)
	}
}

// TestCallbackReturnConstructors checks every constructor sets the
// kind its corresponding Dispatch case in vm.Executor switches on,
// plus whatever payload field it claims to carry.
func TestCallbackReturnConstructors(t *testing.T) {
	if got := Return().Kind; got != ReturnKindReturn {
		t.Errorf("Return().Kind = %v; want ReturnKindReturn", got)
	}

	fn := value.NewGoFunction("f", nil)
	seq := Func(nil)
	cr := Call(fn, seq)
	if cr.Kind != ReturnKindCall || cr.Function != fn || cr.Then != Sequence(seq) {
		t.Errorf("Call() = %+v; want Kind=ReturnKindCall Function=fn Then=seq", cr)
	}

	if got := Yield(nil).Kind; got != ReturnKindYield {
		t.Errorf("Yield(nil).Kind = %v; want ReturnKindYield", got)
	}

	rr := Resume(nil)
	if rr.Kind != ReturnKindResume {
		t.Errorf("Resume(nil).Kind = %v; want ReturnKindResume", rr.Kind)
	}

	sr := StartSequence(seq)
	if sr.Kind != ReturnKindSequence || sr.Seq != Sequence(seq) {
		t.Errorf("StartSequence() = %+v; want Kind=ReturnKindSequence Seq=seq", sr)
	}
}

func TestSequencePollConstructors(t *testing.T) {
	if got := Pending().Kind; got != PollKindPending {
		t.Errorf("Pending().Kind = %v; want PollKindPending", got)
	}

	fn := value.NewGoFunction("f", nil)
	seq := Func(nil)
	pc := PollCall(fn, seq)
	if pc.Kind != PollKindCall || pc.Function != fn || pc.Then != Sequence(seq) {
		t.Errorf("PollCall() = %+v; want Kind=PollKindCall Function=fn Then=seq", pc)
	}

	if got := PollYield(nil).Kind; got != PollKindYield {
		t.Errorf("PollYield(nil).Kind = %v; want PollKindYield", got)
	}
	if got := PollResume(nil).Kind; got != PollKindResume {
		t.Errorf("PollResume(nil).Kind = %v; want PollKindResume", got)
	}
	if got := PollReturn().Kind; got != PollKindReturn {
		t.Errorf("PollReturn().Kind = %v; want PollKindReturn", got)
	}

	pt := PollTailCall(fn)
	if pt.Kind != PollKindTailCall || pt.Function != fn {
		t.Errorf("PollTailCall() = %+v; want Kind=PollKindTailCall Function=fn", pt)
	}
}

// TestFuncAdapter checks Func satisfies Sequence by delegating Poll to
// the wrapped function and propagating errors unchanged from Error.
func TestFuncAdapter(t *testing.T) {
	var gotStack *Stack
	f := Func(func(ctx *Context, exec Execution, stack *Stack) (SequencePoll, error) {
		gotStack = stack
		return PollReturn(), nil
	})

	var seq Sequence = f
	stack := NewStack(value.Int(1))
	poll, err := seq.Poll(nil, nil, stack)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if poll.Kind != PollKindReturn {
		t.Errorf("Poll().Kind = %v; want PollKindReturn", poll.Kind)
	}
	if gotStack != stack {
		t.Error("Poll did not receive the stack it was called with")
	}

	sentinel := errors.New("boom")
	_, err = seq.Error(nil, nil, sentinel, stack)
	if !errors.Is(err, sentinel) {
		t.Errorf("Error() = %v; want %v unchanged", err, sentinel)
	}
}
