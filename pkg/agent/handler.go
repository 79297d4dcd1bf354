// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package agent

import (
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/mbeema/intercept/pkg/config"
	"github.com/mbeema/intercept/pkg/export"
	"github.com/mbeema/intercept/pkg/hook"
	"github.com/mbeema/intercept/pkg/traces"
)

// callState travels from the enter callback to the leave callback in the
// call's user data.
type callState struct {
	span          *traces.Span
	lastErrorSeen uint32
}

// handlerFor returns the handler for one hook rule. It runs on the hooked
// thread, so it only records and enqueues.
func (a *Agent) handlerFor(rule config.HookSpec) hook.Handler {
	return hook.HandlerFunc(func(call *hook.FunctionCall) bool {
		if call.State() == hook.StateEntering {
			a.onEnter(call, rule)
			return true
		}
		a.onLeave(call, rule)
		return true
	})
}

func (a *Agent) onEnter(call *hook.FunctionCall, rule config.HookSpec) {
	span := a.traceProc.Start(call.ThreadID(), call.Function().FullName())
	span.Module = rule.Module
	span.Function = call.Function().FullName()
	span.ReturnAddr = call.ReturnAddress()
	call.SetUserData(&callState{span: span, lastErrorSeen: call.LastError()})

	if rule.Skip() {
		call.SetShouldCarryOn(false)
		if live := call.CpuContextLive(); live != nil {
			live.EAX = rule.ReturnValue
		}
		if rule.LastError != nil {
			if le := call.LastErrorLive(); le != nil {
				*le = *rule.LastError
			}
		}
	}
}

func (a *Agent) onLeave(call *hook.FunctionCall, rule config.HookSpec) {
	st, ok := call.UserData().(*callState)
	if !ok {
		return
	}
	span := st.span
	redactor := a.redactor.Load()

	var body strings.Builder
	body.WriteString(span.Function)
	body.WriteByte('(')
	if args := call.Arguments(); args != nil {
		for i := 0; i < args.Count(); i++ {
			arg := args.Arg(i)
			// a skipped call never filled its out arguments
			deep := !call.Skipped() || arg.Spec().Direction()&hook.DirOut == 0
			name := arg.Spec().Name()
			value := redactor.RedactArgument(name, arg.ToString(deep, call))
			span.SetAttribute("intercept.arg."+name, value)
			if i > 0 {
				body.WriteString(", ")
			}
			body.WriteString(name)
			body.WriteByte('=')
			body.WriteString(value)
		}
	}
	body.WriteByte(')')
	rv, _ := call.ReturnValue()
	retHex := "0x" + strconv.FormatUint(uint64(rv), 16)
	span.SetAttribute("intercept.return_value", retHex)
	body.WriteString(" => ")
	body.WriteString(retHex)
	if call.Skipped() {
		body.WriteString(" [skipped]")
	}
	lastErr := call.LastError()
	span.SetAttribute("intercept.last_error", strconv.FormatUint(uint64(lastErr), 10))
	span.SetAttribute("intercept.caller", a.resolver.Symbolize(uintptr(call.ReturnAddress())))
	span.Skipped = call.Skipped()

	failed := lastErr != 0 && lastErr != st.lastErrorSeen
	if failed {
		span.SetError("last error " + strconv.FormatUint(uint64(lastErr), 10))
	}

	if ce := a.logger.Check(zap.DebugLevel, "call completed"); ce != nil {
		if redactor.Enabled() {
			ce.Write(zap.String("call", body.String()))
		} else {
			ce.Write(zap.Object("call", call.ToNode()))
		}
	}

	a.traceProc.Finish(span)

	a.exporter.ExportLog(&export.LogRecord{
		Timestamp:      span.EndTime,
		Body:           body.String(),
		Level:          "INFO",
		SeverityNumber: 9,
		Attributes: map[string]interface{}{
			"intercept.skipped":     span.Skipped,
			"intercept.duration_us": span.Duration.Microseconds(),
		},
		PID:         int(span.PID),
		TID:         int(span.TID),
		TraceID:     span.TraceID,
		SpanID:      span.SpanID,
		ServiceName: a.serviceName,
		Function:    span.Function,
	})
	a.healthStats.LogsExported.Add(1)

	if a.callMetrics != nil {
		a.callMetrics.Record(span.Function, span.Duration, span.Skipped, failed)
	}
}
