// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package agent

import (
	"fmt"
	"reflect"
	"sort"
	"strconv"

	"go.uber.org/zap"

	"github.com/mbeema/intercept/pkg/config"
	"github.com/mbeema/intercept/pkg/health"
	"github.com/mbeema/intercept/pkg/hook"
	"github.com/mbeema/intercept/pkg/marshal"
	"github.com/mbeema/intercept/pkg/resolve"
)

type installedHook struct {
	rule config.HookSpec
	fn   *hook.Function
}

// syncHooks makes the installed set match rules. Caller holds a.mu.
func (a *Agent) syncHooks(rules []config.HookSpec) {
	a.failed = make(map[string]error)
	want := make(map[string]config.HookSpec, len(rules))
	for _, r := range rules {
		if r.Disabled {
			continue
		}
		want[r.Key()] = r
	}

	for key, ih := range a.hooks {
		if r, ok := want[key]; ok && reflect.DeepEqual(r, ih.rule) {
			continue
		}
		if err := ih.fn.UnHook(); err != nil {
			a.logger.Warn("unhook failed", zap.String("hook", key), zap.Error(err))
		} else {
			a.logger.Info("hook removed", zap.String("hook", key))
		}
		delete(a.hooks, key)
	}

	keys := make([]string, 0, len(want))
	for key := range want {
		if _, ok := a.hooks[key]; !ok {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	for _, key := range keys {
		ih, err := a.install(want[key])
		if err != nil {
			a.healthStats.HooksFailed.Add(1)
			a.failed[key] = err
			a.logger.Warn("hook failed", zap.String("hook", key), zap.Error(err))
			continue
		}
		a.hooks[key] = ih
		a.logger.Info("hook installed",
			zap.String("hook", key),
			zap.String("address", formatAddr(ih.fn.Offset())),
			zap.String("action", actionName(ih.rule)),
		)
	}
}

func (a *Agent) install(rule config.HookSpec) (*installedHook, error) {
	addr, err := a.targetAddress(rule)
	if err != nil {
		return nil, err
	}
	spec, err := a.functionSpec(rule)
	if err != nil {
		return nil, err
	}
	fn := a.engine.NewFunction(spec, addr)
	fn.SetParentName(rule.Module)
	if err := fn.Hook(); err != nil {
		return nil, err
	}
	return &installedHook{rule: rule, fn: fn}, nil
}

func (a *Agent) targetAddress(rule config.HookSpec) (uintptr, error) {
	if rule.Function != "" {
		return resolve.Address(a.resolver, rule.Module, rule.Function, 0, false)
	}
	addr, relative, err := rule.ParseAddress()
	if err != nil {
		return 0, err
	}
	return resolve.Address(a.resolver, rule.Module, "", addr, relative)
}

// functionSpec translates a hook rule into the engine's description of
// the function, wiring the rule's action into the handler.
func (a *Agent) functionSpec(rule config.HookSpec) (*hook.FunctionSpec, error) {
	conv, err := hook.ParseCallingConvention(rule.Convention)
	if err != nil {
		return nil, err
	}
	argsSize := hook.ArgsSizeUnknown
	if rule.ArgsSize != nil {
		argsSize = *rule.ArgsSize
	}
	spec := hook.NewFunctionSpec(rule.Function, conv, argsSize, a.handlerFor(rule))

	if len(rule.Args) > 0 {
		list := hook.NewArgumentListSpec()
		for _, arg := range rule.Args {
			as, err := a.argumentSpec(arg)
			if err != nil {
				return nil, fmt.Errorf("argument %q: %w", arg.Name, err)
			}
			list.AddArgument(as)
		}
		spec.SetArguments(list)
	}
	return spec, nil
}

func (a *Agent) argumentSpec(arg config.ArgSpec) (*hook.ArgumentSpec, error) {
	dir, err := hook.ParseArgumentDirection(arg.Direction)
	if err != nil {
		return nil, err
	}
	m, err := marshal.Lookup(arg.Type, marshal.Options{
		Mem:        a.engine.Memory(),
		Length:     arg.Length,
		LengthFrom: arg.LengthFrom,
		Max:        arg.Max,
		Values:     arg.Values,
		Elem:       arg.Pointee,
	})
	if err != nil {
		return nil, err
	}
	return hook.NewArgumentSpec(arg.Name, dir, m), nil
}

// HookInfos lists the installed hooks ordered by name.
func (a *Agent) HookInfos() []health.HookInfo {
	a.mu.Lock()
	defer a.mu.Unlock()

	infos := make([]health.HookInfo, 0, len(a.hooks))
	for _, ih := range a.hooks {
		info := health.HookInfo{
			Name:       ih.fn.FullName(),
			Address:    formatAddr(ih.fn.Offset()),
			Convention: ih.fn.Spec().CallingConvention().String(),
			Action:     actionName(ih.rule),
		}
		if tr := ih.fn.Trampoline(); tr != nil {
			info.PatchBytes = tr.PrefixLen
		}
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// HookFailure is a configured hook that could not be installed by the
// last Start or Reload.
type HookFailure struct {
	Hook string
	Err  error
}

// HookFailures lists the hooks the last Start or Reload failed to
// install, ordered by hook key.
func (a *Agent) HookFailures() []HookFailure {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]HookFailure, 0, len(a.failed))
	for key, err := range a.failed {
		out = append(out, HookFailure{Hook: key, Err: err})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hook < out[j].Hook })
	return out
}

func actionName(rule config.HookSpec) string {
	if rule.Skip() {
		return "skip"
	}
	return "log"
}

func formatAddr(addr uintptr) string {
	s := strconv.FormatUint(uint64(addr), 16)
	for len(s) < 8 {
		s = "0" + s
	}
	return "0x" + s
}
