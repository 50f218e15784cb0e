// Package parallel provides the evaluation managers that drive one or
// many evaluation mechanisms over an input stream. The sequential
// manager wraps a single mechanism; the data-parallel manager shards the
// stream across workers, each owning its own tree and honoring the
// single-threaded per-tree discipline. Cross-worker match ordering is
// not guaranteed.
package parallel

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/martymichal/opencep/cep"
	"github.com/martymichal/opencep/cep/stream"
	"github.com/martymichal/opencep/cep/tree"
)

// ExecutionMode selects the parallelization strategy.
type ExecutionMode int

const (
	ModeSequential ExecutionMode = iota
	ModeDataParallel
)

// ParseExecutionMode maps a configuration tag to an execution mode.
func ParseExecutionMode(tag string) (ExecutionMode, error) {
	switch tag {
	case "sequential":
		return ModeSequential, nil
	case "data-parallel":
		return ModeDataParallel, nil
	default:
		return 0, fmt.Errorf("%w: unknown execution mode %q", cep.ErrConfiguration, tag)
	}
}

// Params configures manager construction.
type Params struct {
	Mode ExecutionMode
	// Units is the worker count for data parallelism; zero means one
	// per CPU.
	Units int
}

// EvaluationManager runs a workload against a stream.
type EvaluationManager interface {
	Eval(in stream.InputStream, out stream.OutputStream, formatter stream.DataFormatter) error
	Stop()
	StructureSummary() string
}

// NewEvaluationManager creates the manager for the given execution mode.
func NewEvaluationManager(patterns []*cep.Pattern, mechParams tree.MechanismParams, params Params) (EvaluationManager, error) {
	switch params.Mode {
	case ModeSequential:
		return NewSequentialManager(patterns, mechParams)
	case ModeDataParallel:
		return NewDataParallelManager(patterns, mechParams, params.Units)
	default:
		return nil, fmt.Errorf("%w: unknown execution mode %d", cep.ErrConfiguration, params.Mode)
	}
}

// SequentialManager drives a single evaluation mechanism.
type SequentialManager struct {
	mechanism tree.EvaluationMechanism
}

// NewSequentialManager wraps one mechanism over the whole workload.
func NewSequentialManager(patterns []*cep.Pattern, mechParams tree.MechanismParams) (*SequentialManager, error) {
	mechanism, err := tree.NewEvaluationMechanism(patterns, mechParams)
	if err != nil {
		return nil, err
	}
	return &SequentialManager{mechanism: mechanism}, nil
}

// Eval implements EvaluationManager.
func (m *SequentialManager) Eval(in stream.InputStream, out stream.OutputStream, formatter stream.DataFormatter) error {
	return m.mechanism.Eval(in, out, formatter)
}

// Stop implements EvaluationManager.
func (m *SequentialManager) Stop() {
	m.mechanism.Stop()
}

// StructureSummary implements EvaluationManager.
func (m *SequentialManager) StructureSummary() string {
	return m.mechanism.StructureSummary()
}

// worker is one data-parallel execution unit: its own mechanism fed by a
// private stream.
type worker struct {
	id        uuid.UUID
	mechanism tree.EvaluationMechanism
	input     *stream.Stream
}

// DataParallelManager shards the input round-robin across workers. All
// workers share one partial-id generator so ids stay process-unique, and
// one mutex-guarded output sink.
type DataParallelManager struct {
	workers []*worker
	stopped atomic.Bool
	log     zerolog.Logger
}

// NewDataParallelManager creates units workers, each with a full copy of
// the workload.
func NewDataParallelManager(patterns []*cep.Pattern, mechParams tree.MechanismParams, units int) (*DataParallelManager, error) {
	if units <= 0 {
		units = runtime.NumCPU()
	}
	if mechParams.Gen == nil {
		mechParams.Gen = cep.NewIDGenerator()
	}

	m := &DataParallelManager{log: mechParams.Logger}
	for i := 0; i < units; i++ {
		mechanism, err := tree.NewEvaluationMechanism(patterns, mechParams)
		if err != nil {
			return nil, err
		}
		m.workers = append(m.workers, &worker{
			id:        uuid.New(),
			mechanism: mechanism,
			input:     stream.NewStream(1024),
		})
	}
	return m, nil
}

// Eval implements EvaluationManager: the caller's goroutine demultiplexes
// the input while the workers evaluate their shards concurrently.
func (m *DataParallelManager) Eval(in stream.InputStream, out stream.OutputStream, formatter stream.DataFormatter) error {
	shared := &sharedOutput{out: out}

	var wg sync.WaitGroup
	errs := make([]error, len(m.workers))
	for i, w := range m.workers {
		wg.Add(1)
		go func(i int, w *worker) {
			defer wg.Done()
			m.log.Debug().Str("worker", w.id.String()).Msg("worker started")
			errs[i] = w.mechanism.Eval(w.input, shared, formatter)
		}(i, w)
	}

	next := 0
	for !m.stopped.Load() {
		raw, ok := in.Next()
		if !ok {
			break
		}
		m.workers[next].input.Put(raw)
		next = (next + 1) % len(m.workers)
	}
	for _, w := range m.workers {
		w.input.Close()
	}

	wg.Wait()
	out.Close()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// Stop implements EvaluationManager. The demultiplexer observes the
// flag before pulling the next item; worker inputs are closed by Eval.
func (m *DataParallelManager) Stop() {
	m.stopped.Store(true)
	for _, w := range m.workers {
		w.mechanism.Stop()
	}
}

// StructureSummary implements EvaluationManager. All workers share one
// structure; the first stands in for the rest.
func (m *DataParallelManager) StructureSummary() string {
	return m.workers[0].mechanism.StructureSummary()
}

// sharedOutput fans worker matches into one downstream sink, deferring
// the close to the manager.
type sharedOutput struct {
	mu  sync.Mutex
	out stream.OutputStream
}

func (s *sharedOutput) Put(item string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.out.Put(item)
}

func (s *sharedOutput) Close() {}
