// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package hook

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/mbeema/intercept/pkg/logtree"
)

// CallState is where a FunctionCall is in its lifecycle.
type CallState int

const (
	StateEntering CallState = iota
	StateLeaving
)

func (s CallState) String() string {
	if s == StateLeaving {
		return "leaving"
	}
	return "entering"
}

// FunctionCall is one invocation of a hooked function. It is created on
// entry, handed to the handler on entry and on return, and dropped after
// the second callback. It belongs to the thread making the call.
type FunctionCall struct {
	function   *Function
	tid        uint32
	backtrace  uint32
	returnAddr uint32

	live  *CpuContext
	enter CpuContext
	leave CpuContext

	lastErrorLive  *uint32
	lastErrorEnter uint32
	lastErrorLeave uint32

	argsData []byte
	args     *ArgumentList

	state    CallState
	carryOn  bool
	userData interface{}
}

func newFunctionCall(f *Function, backtrace, returnAddr uint32, enter CpuContext) *FunctionCall {
	return &FunctionCall{
		function:   f,
		backtrace:  backtrace,
		returnAddr: returnAddr,
		enter:      enter,
		state:      StateEntering,
		carryOn:    true,
	}
}

func (c *FunctionCall) Function() *Function { return c.function }

// ThreadID identifies the thread making the call.
func (c *FunctionCall) ThreadID() uint32 { return c.tid }

// BacktraceAddress is the return address of the caller's own frame.
func (c *FunctionCall) BacktraceAddress() uint32 { return c.backtrace }

// ReturnAddress is where the hooked function returns to.
func (c *FunctionCall) ReturnAddress() uint32 { return c.returnAddr }

// CpuContextLive points at the registers the thread resumes with. Changes
// take effect when the handler returns. It is nil outside a callback.
func (c *FunctionCall) CpuContextLive() *CpuContext { return c.live }

// CpuContextEnter is the register state on entry.
func (c *FunctionCall) CpuContextEnter() CpuContext { return c.enter }

// CpuContextLeave is the register state on return, EAX holding the result.
func (c *FunctionCall) CpuContextLeave() CpuContext { return c.leave }

// LastErrorLive points at the thread's last error value. Changes take
// effect when the handler returns. It is nil outside a callback.
func (c *FunctionCall) LastErrorLive() *uint32 { return c.lastErrorLive }

// LastError is the last error observed at the current state.
func (c *FunctionCall) LastError() uint32 {
	if c.state == StateLeaving {
		return c.lastErrorLeave
	}
	return c.lastErrorEnter
}

// ReturnValue is EAX at return.
func (c *FunctionCall) ReturnValue() (uint32, bool) {
	return c.leave.EAX, c.state == StateLeaving
}

func (c *FunctionCall) ArgumentsData() []byte    { return c.argsData }
func (c *FunctionCall) Arguments() *ArgumentList { return c.args }
func (c *FunctionCall) State() CallState         { return c.state }

// ShouldCarryOn reports whether the original function will run.
func (c *FunctionCall) ShouldCarryOn() bool { return c.carryOn }

// SetShouldCarryOn(false) on entry skips the original function; the
// caller gets EAX from CpuContextLive as the result.
func (c *FunctionCall) SetShouldCarryOn(v bool) { c.carryOn = v }

func (c *FunctionCall) UserData() interface{}     { return c.userData }
func (c *FunctionCall) SetUserData(v interface{}) { c.userData = v }

// Skipped reports whether the original function was bypassed.
func (c *FunctionCall) Skipped() bool { return !c.carryOn }

func (c *FunctionCall) context() *CpuContext {
	if c.state == StateLeaving {
		return &c.leave
	}
	return &c.enter
}

// QueryForProperty resolves a name to an integer: a register (eax..edi),
// retval, lasterror, an argument name or argN for the N'th argument.
func (c *FunctionCall) QueryForProperty(name string) (int, bool) {
	key := strings.ToLower(strings.TrimSpace(name))

	if v, ok := c.context().Register(key); ok {
		return int(v), true
	}
	switch key {
	case "retval", "returnvalue":
		v, ok := c.ReturnValue()
		return int(v), ok
	case "lasterror":
		return int(c.LastError()), true
	}

	if c.args == nil {
		return 0, false
	}
	if a, ok := c.args.Lookup(key); ok {
		return a.ToInt()
	}
	if strings.HasPrefix(key, "arg") {
		if i, err := strconv.Atoi(key[3:]); err == nil && i >= 0 && i < c.args.Count() {
			return c.args.Arg(i).ToInt()
		}
	}
	return 0, false
}

// Out arguments are not filled before the call completes, so they are
// only followed into memory on return.
func (c *FunctionCall) shouldFormatDeep(a Argument) bool {
	if a.spec.direction&DirOut != 0 {
		return c.state == StateLeaving
	}
	return true
}

// AppendBacktrace adds the caller addresses to n.
func (c *FunctionCall) AppendBacktrace(n *logtree.Node) {
	bt := n.AppendChild(logtree.New("backtrace"))
	bt.AppendChild(logtree.New("entry")).SetAttr("address", hexAddr(uintptr(c.returnAddr)))
	if c.backtrace != 0 {
		bt.AppendChild(logtree.New("entry")).SetAttr("address", hexAddr(uintptr(c.backtrace)))
	}
}

// AppendCpuContext adds the registers of the current state to n.
func (c *FunctionCall) AppendCpuContext(n *logtree.Node) {
	ctx := c.context()
	el := n.AppendChild(logtree.New("cpuContext")).SetAttr("state", c.state.String())
	for i := len(RegisterNames) - 1; i >= 0; i-- {
		v, _ := ctx.Register(RegisterNames[i])
		el.SetAttr(RegisterNames[i], hexAddr(uintptr(v)))
	}
}

// AppendArguments adds the formatted arguments to n.
func (c *FunctionCall) AppendArguments(n *logtree.Node) {
	el := n.AppendChild(logtree.New("arguments"))
	if c.args == nil {
		return
	}
	for i := 0; i < c.args.Count(); i++ {
		a := c.args.Arg(i)
		el.AppendChild(a.ToNode(c.shouldFormatDeep(a), c))
	}
}

// ToNode renders the call for logging.
func (c *FunctionCall) ToNode() *logtree.Node {
	n := logtree.New("call").
		SetAttr("function", c.function.FullName()).
		SetAttr("state", c.state.String())
	c.AppendBacktrace(n)
	c.AppendArguments(n)
	if c.state == StateLeaving {
		n.AddTextChild("returnValue", hexAddr(uintptr(c.leave.EAX)))
		n.AddTextChild("lastError", strconv.FormatUint(uint64(c.lastErrorLeave), 10))
		if c.Skipped() {
			n.SetAttr("skipped", "true")
		}
	}
	return n
}

// ToString formats the call as a single line: name(args) [=> result].
func (c *FunctionCall) ToString() string {
	var sb strings.Builder
	sb.WriteString(c.function.FullName())
	sb.WriteByte('(')
	if c.args != nil {
		for i := 0; i < c.args.Count(); i++ {
			if i > 0 {
				sb.WriteString(", ")
			}
			a := c.args.Arg(i)
			if name := a.spec.name; name != "" {
				sb.WriteString(name)
				sb.WriteByte('=')
			}
			sb.WriteString(a.ToString(c.shouldFormatDeep(a), c))
		}
	}
	sb.WriteByte(')')
	if c.state == StateLeaving {
		fmt.Fprintf(&sb, " => 0x%x", c.leave.EAX)
		if c.Skipped() {
			sb.WriteString(" [skipped]")
		}
	}
	return sb.String()
}
