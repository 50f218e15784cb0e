package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/rs/zerolog"

	opencep "github.com/martymichal/opencep"
	"github.com/martymichal/opencep/cep"
	"github.com/martymichal/opencep/cep/adaptive"
	"github.com/martymichal/opencep/cep/metrics"
	"github.com/martymichal/opencep/cep/parallel"
	"github.com/martymichal/opencep/cep/plan"
	"github.com/martymichal/opencep/cep/stream"
	"github.com/martymichal/opencep/cep/tree"
)

func main() {
	var (
		eventsPath string
		separator  string

		op         string
		atoms      string
		where      string
		whereNames string
		window     time.Duration
		confidence float64

		mechanismType string
		updateType    string
		optimizerKind string
		adaptiveFlag  bool
		statsWindow   time.Duration
		deviation     float64
		builderKind   string
		mergeKind     string
		negationAlg   string

		sorted    bool
		dedup     bool
		threshold int
		target    int

		mode  string
		units int

		emitMetrics bool
		verbose     bool
	)

	flag.StringVar(&eventsPath, "events", "", "event file (default: stdin)")
	flag.StringVar(&separator, "sep", ",", "input field separator")
	flag.StringVar(&op, "op", "seq", "top-level operator: seq or and")
	flag.StringVar(&atoms, "atoms", "A a,B b", "pattern atoms: 'TYPE name' pairs, '!TYPE name' negated, 'TYPE name*N' iterated")
	flag.StringVar(&where, "where", "", "conditions, semicolon separated")
	flag.StringVar(&whereNames, "where-names", "", "bound names per condition, semicolon separated, comma-joined")
	flag.DurationVar(&window, "window", 10*time.Second, "pattern time window")
	flag.Float64Var(&confidence, "confidence", 0, "confidence threshold for probabilistic inputs")
	flag.StringVar(&mechanismType, "mechanism", "tree-based", "evaluation mechanism type")
	flag.StringVar(&updateType, "update", "trivial", "tree update type: trivial or simultaneous")
	flag.StringVar(&optimizerKind, "optimizer", "deviation-aware", "optimizer: trivial, deviation-aware or invariants-aware")
	flag.BoolVar(&adaptiveFlag, "adaptive", false, "enable mid-stream reoptimization")
	flag.DurationVar(&statsWindow, "stats-window", 30*time.Second, "statistics update window (event time)")
	flag.Float64Var(&deviation, "deviation-threshold", 0.5, "deviation threshold for the deviation-aware optimizer")
	flag.StringVar(&builderKind, "builder", "trivial-left-deep", "plan builder: trivial-left-deep or rate-ordered-left-deep")
	flag.StringVar(&mergeKind, "merge", "share-leaves", "multi-pattern merge: none, share-leaves, subtree-union or local-search")
	flag.StringVar(&negationAlg, "negation", "naive", "negation algorithm: naive, statistic or lowest-position")
	flag.BoolVar(&sorted, "sorted", false, "use sorted partial-match storage")
	flag.BoolVar(&dedup, "dedup", true, "reject duplicate partial matches")
	flag.IntVar(&threshold, "shed-threshold", 0, "max concurrent active partials, 0 disables shedding")
	flag.IntVar(&target, "shed-target", 1, "partials to free per shed")
	flag.StringVar(&mode, "mode", "sequential", "execution mode: sequential or data-parallel")
	flag.IntVar(&units, "units", 0, "data-parallel worker count, 0 means one per CPU")
	flag.BoolVar(&emitMetrics, "metrics", false, "emit the metric protocol on stdout")
	flag.BoolVar(&verbose, "verbose", false, "verbose logging and structure summary")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "A tree-based complex event processing engine.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  %s -events trades.csv -atoms 'BUY b,SELL s' -where 'b.price < s.price' -where-names 'b,s'\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -events sensors.csv -op and -atoms 'TEMP t,!ALERT x' -window 30s\n", os.Args[0])
	}
	flag.Parse()

	pattern, err := buildPattern(op, atoms, where, whereNames, window, confidence)
	if err != nil {
		fatal(err)
	}

	params := tree.DefaultMechanismParams()
	if params.Type, err = tree.ParseMechanismType(mechanismType); err != nil {
		fatal(err)
	}
	if params.UpdateType, err = tree.ParseUpdateType(updateType); err != nil {
		fatal(err)
	}
	if params.Optimizer.Kind, err = adaptive.ParseOptimizerKind(optimizerKind); err != nil {
		fatal(err)
	}
	if params.Optimizer.Builder, err = plan.ParseBuilderKind(builderKind); err != nil {
		fatal(err)
	}
	if params.Optimizer.NegationAlg, err = plan.ParseNegationAlgorithm(negationAlg); err != nil {
		fatal(err)
	}
	if params.Merge, err = plan.ParseMergeKind(mergeKind); err != nil {
		fatal(err)
	}
	params.Optimizer.Adaptive = adaptiveFlag
	params.Optimizer.StatisticsWindow = statsWindow
	params.Optimizer.DeviationThreshold = deviation
	params.Storage = tree.StorageParams{Sort: sorted, PrimaryKeyDedup: dedup}
	params.ShedThreshold = threshold
	params.ShedTarget = target
	if emitMetrics {
		params.Sink = metrics.NewSink(os.Stdout)
	}
	if verbose {
		params.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	}

	parallelParams := parallel.Params{Units: units}
	if parallelParams.Mode, err = parallel.ParseExecutionMode(mode); err != nil {
		fatal(err)
	}

	engine, err := opencep.New([]*cep.Pattern{pattern}, &params, &parallelParams)
	if err != nil {
		fatal(err)
	}

	in, err := openEvents(eventsPath)
	if err != nil {
		fatal(err)
	}
	out := stream.NewWriterOutput(os.Stdout)
	formatter := stream.NewDelimitedFormatter(separator)

	elapsed, err := engine.Run(in, out, formatter)
	if err != nil {
		fatal(err)
	}

	if verbose {
		header := color.New(color.FgGreen).Sprint("=== evaluation structure ===")
		fmt.Fprintf(os.Stderr, "%s\n%s\nprocessed in %v\n", header, engine.StructureSummary(), elapsed)
	}
}

func openEvents(path string) (stream.InputStream, error) {
	if path == "" {
		return streamFromReader(os.Stdin)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return streamFromReader(f)
}

func streamFromReader(f *os.File) (stream.InputStream, error) {
	s, err := stream.FromLines(f)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// buildPattern assembles the pattern from the CLI's flat flag surface.
func buildPattern(op, atoms, where, whereNames string, window time.Duration, confidence float64) (*cep.Pattern, error) {
	var operands []*cep.PatternOperator
	for _, field := range strings.Split(atoms, ",") {
		operand, err := parseAtom(strings.TrimSpace(field))
		if err != nil {
			return nil, err
		}
		operands = append(operands, operand)
	}

	var structure *cep.PatternOperator
	switch op {
	case "seq":
		structure = cep.Seq(operands...)
	case "and":
		structure = cep.And(operands...)
	default:
		return nil, fmt.Errorf("%w: unknown operator %q", cep.ErrConfiguration, op)
	}
	if len(operands) == 1 {
		structure = operands[0]
	}

	conditions, err := parseConditions(where, whereNames)
	if err != nil {
		return nil, err
	}

	pattern, err := cep.NewPattern(1, structure, conditions, window)
	if err != nil {
		return nil, err
	}
	pattern.Confidence = confidence
	return pattern, nil
}

// parseAtom parses 'TYPE name', '!TYPE name' (negated) or 'TYPE name*N'
// (iterated with bound N).
func parseAtom(field string) (*cep.PatternOperator, error) {
	negated := strings.HasPrefix(field, "!")
	field = strings.TrimPrefix(field, "!")

	parts := strings.Fields(field)
	if len(parts) != 2 {
		return nil, fmt.Errorf("%w: atom %q is not 'TYPE name'", cep.ErrConfiguration, field)
	}
	eventType, name := parts[0], parts[1]

	maxIter := 0
	iterated := false
	if base, bound, found := strings.Cut(name, "*"); found {
		iterated = true
		name = base
		n, err := strconv.Atoi(bound)
		if err != nil {
			return nil, fmt.Errorf("%w: bad iteration bound in %q", cep.ErrConfiguration, field)
		}
		maxIter = n
	}

	atom := cep.AtomOf(eventType, name)
	switch {
	case negated:
		return cep.Neg(atom), nil
	case iterated:
		return cep.Kleene(atom, maxIter), nil
	default:
		return atom, nil
	}
}

func parseConditions(where, whereNames string) ([]*cep.Condition, error) {
	if where == "" {
		return nil, nil
	}
	sources := strings.Split(where, ";")
	nameLists := strings.Split(whereNames, ";")
	if len(nameLists) != len(sources) {
		return nil, fmt.Errorf("%w: %d conditions but %d name lists", cep.ErrConfiguration, len(sources), len(nameLists))
	}

	var conditions []*cep.Condition
	for i, source := range sources {
		var names []string
		for _, name := range strings.Split(nameLists[i], ",") {
			if name = strings.TrimSpace(name); name != "" {
				names = append(names, name)
			}
		}
		c, err := cep.NewCondition(strings.TrimSpace(source), names...)
		if err != nil {
			return nil, err
		}
		conditions = append(conditions, c)
	}
	return conditions, nil
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "cep:", err)
	os.Exit(1)
}
