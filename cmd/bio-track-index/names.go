package main

import (
	"fmt"
	"io"

	"github.com/grailbio/tracks/nameindex"
)

type namesFlags struct {
	db       string
	complete bool
	limit    int
	maxDist  int
}

func runNames(flags namesFlags, name string, out io.Writer) (err error) {
	x, err := nameindex.OpenReadOnly(flags.db)
	if err != nil {
		return err
	}
	defer func() {
		if e := x.Close(); e != nil && err == nil {
			err = e
		}
	}()
	var entries []nameindex.Entry
	if flags.complete {
		entries, err = x.Complete(name, flags.limit)
	} else {
		entries, err = x.Lookup(name)
	}
	if err != nil {
		return err
	}
	for _, e := range entries {
		fmt.Fprintf(out, "%s\t%s\t%s:%d-%d\t%s\n", e.Name, e.Track, e.Ref, e.Start+1, e.End, e.Type)
	}
	if len(entries) > 0 || flags.complete {
		return nil
	}
	suggestions, err := x.Suggest(name, flags.maxDist, flags.limit)
	if err != nil {
		return err
	}
	if len(suggestions) == 0 {
		fmt.Fprintf(out, "%s: not found\n", name)
		return nil
	}
	fmt.Fprintf(out, "%s: not found; did you mean:\n", name)
	for _, s := range suggestions {
		fmt.Fprintf(out, "\t%s\n", s.Name)
	}
	return nil
}
