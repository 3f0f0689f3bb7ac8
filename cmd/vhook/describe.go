// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package main

import (
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"

	"github.com/mbeema/vhook/pkg/agent"
	"github.com/mbeema/vhook/pkg/plan"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var methodIndex = map[string]int{
	"get_health":  plan.IdxGetHealth,
	"take_damage": plan.IdxTakeDamage,
	"set_name":    plan.IdxSetName,
	"think":       plan.IdxThink,
}

func newDescribeCmd() *cobra.Command {
	var showHex bool

	cmd := &cobra.Command{
		Use:   "describe",
		Short: "Print the Entity method signatures and the hooks the plan installs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			cfg.Health.Enabled = false
			cfg.Exporters.OTLP.Enabled = false
			cfg.Exporters.Stdout.Enabled = false

			a, err := agent.New(cfg, version, zap.NewNop())
			if err != nil {
				return err
			}
			defer a.Stop()

			return describe(cmd.OutOrStdout(), a, showHex)
		},
	}
	cmd.Flags().BoolVar(&showHex, "hex", false, "also print the binary type descriptor tables")
	return cmd
}

func describe(out io.Writer, a *agent.Agent, showHex bool) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)

	protos := a.Plan().Protos()
	names := make([]string, 0, len(protos))
	for name := range protos {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return methodIndex[names[i]] < methodIndex[names[j]] })

	fmt.Fprintln(tw, "METHOD\tINDEX\tPROTO")
	for _, name := range names {
		p := protos[name]
		fmt.Fprintf(tw, "%s\t%d\t%s\n", name, methodIndex[name], p)
		if showHex {
			b, err := p.MarshalBinary()
			if err != nil {
				return err
			}
			fmt.Fprintf(tw, "\t\t%s\n", hex.EncodeToString(b))
		}
	}
	fmt.Fprintln(tw)

	fmt.Fprintln(tw, "ENTITY\tTHIS\tHEALTH")
	for _, e := range a.Plan().World().Entities() {
		fmt.Fprintf(tw, "%s\t%s\t%d\n", e.Name, e.This, e.Health())
	}
	fmt.Fprintln(tw)

	fmt.Fprintln(tw, "HOOK\tID\tMETHOD\tENTITY\tMODE\tPASS\tSTATE")
	hooks := a.Env().Hooks()
	byID := make(map[int]int, len(hooks))
	for i, h := range hooks {
		byID[h.ID] = i
	}
	for _, inst := range a.Plan().Installed() {
		i, ok := byID[inst.ID]
		if !ok {
			continue
		}
		h := hooks[i]
		pass, state := "pre", "active"
		if h.Post {
			pass = "post"
		}
		if h.Paused {
			state = "paused"
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\t%s\t%s\n", inst.Name, h.ID, inst.Method, inst.Entity, h.Mode, pass, state)
	}
	return tw.Flush()
}
