package main

import (
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"gopkg.in/yaml.v3"

	"github.com/lixiao1981/evm-track/internal/action"
	"github.com/lixiao1981/evm-track/internal/sigdb"
)

func runActions(args []string) error {
	registry := action.NewRegistry()
	if err := action.RegisterBuiltins(registry); err != nil {
		return err
	}

	if len(args) < 1 || args[0] == "list" {
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		for _, name := range registry.Names() {
			d, err := registry.Describe(name)
			if err != nil {
				return err
			}
			desc := d.Description
			if len(d.Deps) > 0 {
				desc += fmt.Sprintf(" (requires: %s)", strings.Join(d.Deps, ", "))
			}
			fmt.Fprintf(w, "%s\t%s\n", d.Name, desc)
		}
		return w.Flush()
	}

	if args[0] == "describe" {
		if len(args) < 2 {
			return fmt.Errorf("usage: evm-track actions describe <name>")
		}
		d, err := registry.Describe(args[1])
		if err != nil {
			return err
		}
		fmt.Printf("name: %s\n", d.Name)
		if len(d.Deps) > 0 {
			fmt.Printf("requires: %s\n", strings.Join(d.Deps, ", "))
		}
		fmt.Printf("description: %s\n\n", d.Description)

		example, err := yaml.Marshal(map[string]any{d.Name: d.Example})
		if err != nil {
			return err
		}
		fmt.Printf("example configuration:\n%s", indent(string(example), "  "))
		return nil
	}

	return fmt.Errorf("unknown actions subcommand %q, want list or describe", args[0])
}

func runSigdb(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: evm-track sigdb events|funcs [flags] <path>")
	}
	mode := args[0]
	if mode != "events" && mode != "funcs" {
		return fmt.Errorf("unknown sigdb mode %q, want events or funcs", mode)
	}

	fs := flag.NewFlagSet("sigdb "+mode, flag.ExitOnError)
	var (
		key = fs.String("key", "", "Look up a single topic0/selector instead of listing")
		sig = fs.String("sig", "", "Compute the database entry for a plain signature and print it")
	)
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}

	if *sig != "" {
		var (
			entry *sigdb.Entry
			err   error
		)
		if mode == "events" {
			entry, err = sigdb.BuildEventEntry(*sig)
		} else {
			entry, err = sigdb.BuildFuncEntry(*sig)
		}
		if err != nil {
			return err
		}
		fmt.Printf("%s  %s\n", entry.Key, entry.Signature)
		return nil
	}

	if fs.NArg() < 1 {
		return fmt.Errorf("usage: evm-track sigdb %s [flags] <path>", mode)
	}
	path := fs.Arg(0)

	var (
		store sigdb.Store
		err   error
	)
	if mode == "events" {
		store, err = sigdb.LoadEvents(path)
	} else {
		store, err = sigdb.LoadFuncs(path)
	}
	if err != nil {
		return err
	}

	if *key != "" {
		entry := store.Lookup(*key)
		if entry == nil {
			return fmt.Errorf("%s: no entry for %s", path, *key)
		}
		fmt.Printf("%s  %s\n", entry.Key, entry.Signature)
		return nil
	}

	fmt.Printf("%s: %d entries\n", path, len(store))
	keys := make([]string, 0, len(store))
	for k := range store {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Printf("%s  %s\n", store[k].Key, store[k].Signature)
	}
	return nil
}

func indent(s, prefix string) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	for i, line := range lines {
		if line != "" {
			lines[i] = prefix + line
		}
	}
	return strings.Join(lines, "\n") + "\n"
}
