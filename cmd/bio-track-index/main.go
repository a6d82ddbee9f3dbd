// bio-track-index builds chunked, interval-indexed feature tracks for a
// genome browser, and queries them.
//
//	bio-track-index index -config tracks.yaml
//	bio-track-index index -out data -label genes -gff genes.gff3.gz -fai ref.fa.fai
//	bio-track-index query -data data -label genes chr1:10,000-20,000
//	bio-track-index names -db data/names.db BRCA
package main

import (
	"fmt"
	"strings"

	"github.com/grailbio/base/cmdutil"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/vcontext"
	"v.io/x/lib/cmdline"
)

func newCmdIndex() *cmdline.Command {
	cmd := &cmdline.Command{
		Name:  "index",
		Short: "Index feature files into tracks",
		Long: `Index reads GFF3, BED or BAM files and writes one track per input under the data
directory.  Tracks come from a YAML configuration file (-config), or from a single
input given by -gff, -bed or -bam together with -label.`,
	}
	var flags indexFlags
	cmd.Flags.StringVar(&flags.config, "config", "", "YAML configuration file")
	cmd.Flags.StringVar(&flags.out, "out", "", "Data directory. Overrides the configuration")
	cmd.Flags.StringVar(&flags.label, "label", "", "Track label, for a single input")
	cmd.Flags.StringVar(&flags.gff, "gff", "", "GFF3 input, optionally gzipped")
	cmd.Flags.StringVar(&flags.bed, "bed", "", "BED input, optionally gzipped")
	cmd.Flags.StringVar(&flags.bam, "bam", "", "BAM input")
	cmd.Flags.StringVar(&flags.types, "types", "", "Comma-separated feature types to index. Empty means all")
	cmd.Flags.StringVar(&flags.fai, "fai", "", "FASTA index (.fai) listing the reference sequences")
	cmd.Flags.StringVar(&flags.refs, "refs", "", "Comma-separated reference sequences to index. Empty means all")
	cmd.Flags.BoolVar(&flags.compress, "compress", false, "Compress chunks")
	cmd.Flags.IntVar(&flags.chunkBytes, "chunk-bytes", 0, "Chunk size bound in bytes. 0 keeps the configured value")
	cmd.Flags.Int64Var(&flags.memory, "sort-memory", 0, "Sort memory budget in bytes. 0 keeps the configured value")
	cmd.Flags.IntVar(&flags.parallelism, "parallelism", 0, "Units indexed in parallel. 0 keeps the configured value")
	cmd.Flags.StringVar(&flags.names, "names", "", "Name index directory. Defaults to <out>/names.db")
	cmd.Flags.StringVar(&flags.metrics, "metrics", "", "If set, write metrics in Prometheus text format to this file")
	cmd.Runner = cmdutil.RunnerFunc(func(env *cmdline.Env, argv []string) error {
		if len(argv) != 0 {
			return fmt.Errorf("index takes no arguments, but got %v", argv)
		}
		return runIndex(vcontext.Background(), flags, env.Stdout)
	})
	return cmd
}

func newCmdQuery() *cmdline.Command {
	cmd := &cmdline.Command{
		Name:     "query",
		Short:    "Print the features of a track overlapping a region",
		ArgsName: "region",
		ArgsLong: `region is "chr:start-end" (1-based, closed), "chr:pos" or "chr".`,
	}
	var flags queryFlags
	cmd.Flags.StringVar(&flags.data, "data", "data", "Data directory")
	cmd.Flags.StringVar(&flags.label, "label", "", "Track label")
	cmd.Flags.BoolVar(&flags.subs, "subfeatures", false, "Print sub-feature rows too")
	cmd.Flags.BoolVar(&flags.gff, "gff", false, "Print GFF2 lines instead of a table; zero-length rows are omitted")
	cmd.Runner = cmdutil.RunnerFunc(func(env *cmdline.Env, argv []string) error {
		if len(argv) != 1 || flags.label == "" {
			return fmt.Errorf("query takes -label and one region argument, but got %v", argv)
		}
		return runQuery(vcontext.Background(), flags, argv[0], env.Stdout)
	})
	return cmd
}

func newCmdNames() *cmdline.Command {
	cmd := &cmdline.Command{
		Name:     "names",
		Short:    "Look up feature names",
		ArgsName: "name",
	}
	var flags namesFlags
	cmd.Flags.StringVar(&flags.db, "db", "data/names.db", "Name index directory")
	cmd.Flags.BoolVar(&flags.complete, "complete", false, "Treat the argument as a prefix")
	cmd.Flags.IntVar(&flags.limit, "limit", 20, "Maximum number of results")
	cmd.Flags.IntVar(&flags.maxDist, "max-dist", 2, "Maximum edit distance of suggestions when nothing matches")
	cmd.Runner = cmdutil.RunnerFunc(func(env *cmdline.Env, argv []string) error {
		if len(argv) != 1 {
			return fmt.Errorf("names takes one name argument, but got %v", argv)
		}
		return runNames(flags, argv[0], env.Stdout)
	})
	return cmd
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

func main() {
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds | log.Lshortfile)
	cmdline.HideGlobalFlagsExcept()
	cmdline.Main(
		&cmdline.Command{
			Name:     "bio-track-index",
			Short:    "Build and query interval-indexed feature tracks",
			LookPath: false,
			Children: []*cmdline.Command{
				newCmdIndex(),
				newCmdQuery(),
				newCmdNames(),
			},
		})
}
