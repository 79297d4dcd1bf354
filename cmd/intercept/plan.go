// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package main

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/mbeema/intercept/pkg/config"
	"github.com/mbeema/intercept/pkg/hook"
	"github.com/mbeema/intercept/pkg/marshal"
)

// printPlan writes one line per enabled hook rule: its target, how the
// engine will treat its stack, and its argument layout. Rules whose
// convention, directions or argument types do not parse are reported and
// make the plan fail.
func printPlan(w io.Writer, cfg *config.Config) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "HOOK\tCONVENTION\tSTACK ARGS\tUNWIND\tACTION\tARGUMENTS")

	var errs []error
	for i := range cfg.Hooks {
		rule := &cfg.Hooks[i]
		if rule.Disabled {
			continue
		}
		spec, args, err := planSpec(rule)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", rule.Key(), err))
			continue
		}
		action := "log"
		if rule.Skip() {
			action = "skip"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			rule.Key(),
			spec.CallingConvention(),
			sizeOrUnknown(spec.StackArgsSize()),
			sizeOrUnknown(spec.UnwindSize()),
			action,
			strings.Join(args, ", "),
		)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	return errors.Join(errs...)
}

func planSpec(rule *config.HookSpec) (*hook.FunctionSpec, []string, error) {
	conv, err := hook.ParseCallingConvention(rule.Convention)
	if err != nil {
		return nil, nil, err
	}
	argsSize := hook.ArgsSizeUnknown
	if rule.ArgsSize != nil {
		argsSize = *rule.ArgsSize
	}
	spec := hook.NewFunctionSpec(rule.Function, conv, argsSize, nil)

	var desc []string
	if len(rule.Args) > 0 {
		list := hook.NewArgumentListSpec()
		for _, arg := range rule.Args {
			dir, err := hook.ParseArgumentDirection(arg.Direction)
			if err != nil {
				return nil, nil, fmt.Errorf("argument %q: %w", arg.Name, err)
			}
			m, err := marshal.Lookup(arg.Type, marshal.Options{
				Length:     arg.Length,
				LengthFrom: arg.LengthFrom,
				Max:        arg.Max,
				Values:     arg.Values,
				Elem:       arg.Pointee,
			})
			if err != nil {
				return nil, nil, fmt.Errorf("argument %q: %w", arg.Name, err)
			}
			list.AddArgument(hook.NewArgumentSpec(arg.Name, dir, m))
			desc = append(desc, fmt.Sprintf("%s:%s/%s", arg.Name, arg.Type, dir))
		}
		spec.SetArguments(list)
	}
	return spec, desc, nil
}

func sizeOrUnknown(n int, ok bool) string {
	if !ok {
		return "?"
	}
	return strconv.Itoa(n)
}
