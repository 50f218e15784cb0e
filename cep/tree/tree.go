package tree

import (
	"fmt"
	"sort"
	"strings"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/renderer"
	"github.com/olekukonko/tablewriter/tw"
	"github.com/rs/zerolog"

	"github.com/martymichal/opencep/cep"
	"github.com/martymichal/opencep/cep/adaptive"
	"github.com/martymichal/opencep/cep/plan"
	"github.com/martymichal/opencep/cep/shedder"
)

// Tree is the live instantiation of one or more tree plans: an arena of
// operator nodes indexed by event type at the leaves, emitting full
// matches at its roots. Plans sharing subtrees by pointer instantiate a
// shared DAG in which a node serves several parents and patterns.
type Tree struct {
	nodes     []Node
	roots     map[int][]*cep.Pattern
	leafIndex map[string][]int

	patternIDs mapset.Set[int]
	window     time.Duration

	gen       *cep.IDGenerator
	buckets   *shedder.BucketManager
	collector *adaptive.StatisticsCollector

	matches []*cep.PatternMatch

	conditionErrors uint64
	log             zerolog.Logger
}

// NewTree instantiates the given plans. The id generator is shared with
// any sibling trees so partial ids stay process-unique; the statistics
// collector is optional and only wired when adaptivity samples joins.
func NewTree(plans []*plan.TreePlan, params StorageParams, gen *cep.IDGenerator,
	collector *adaptive.StatisticsCollector, log zerolog.Logger) (*Tree, error) {
	if len(plans) == 0 {
		return nil, fmt.Errorf("%w: no plans to instantiate", cep.ErrConfiguration)
	}

	window := plans[0].Pattern.Window
	for _, tp := range plans[1:] {
		if tp.Pattern.Window > window {
			window = tp.Pattern.Window
		}
	}

	t := &Tree{
		roots:      map[int][]*cep.Pattern{},
		leafIndex:  map[string][]int{},
		patternIDs: mapset.NewThreadUnsafeSet[int](),
		window:     window,
		gen:        gen,
		collector:  collector,
		log:        log,
	}
	t.buckets = shedder.NewBucketManager(window, log)

	memo := map[*plan.TreePlanNode]int{}
	for _, tp := range plans {
		rootIdx, err := t.instantiate(tp.Root, tp.Pattern, params, memo)
		if err != nil {
			return nil, err
		}
		t.roots[rootIdx] = append(t.roots[rootIdx], tp.Pattern)
		t.patternIDs.Add(tp.Pattern.ID)
	}
	return t, nil
}

// instantiate builds (or reuses) the live node for a plan node.
func (t *Tree) instantiate(pn *plan.TreePlanNode, p *cep.Pattern, params StorageParams, memo map[*plan.TreePlanNode]int) (int, error) {
	if idx, ok := memo[pn]; ok {
		node := t.nodes[idx]
		node.addPatternID(p.ID)
		if base, ok := node.(interface{ growWindow(time.Duration) }); ok {
			base.growWindow(p.Window)
		}
		return idx, nil
	}

	var node Node
	switch pn.Kind {
	case plan.KindLeaf:
		node = newLeafNode(pn.EventType, pn.Name, pn.LeafConditions, p.Window,
			newStorage(params, pn.SortAttribute))

	case plan.KindAnd, plan.KindSeq:
		leftIdx, err := t.instantiate(pn.Left, p, params, memo)
		if err != nil {
			return 0, err
		}
		rightIdx, err := t.instantiate(pn.Right, p, params, memo)
		if err != nil {
			return 0, err
		}
		bn := &binaryNode{
			baseNode:     newBaseNode(p.Window),
			kind:         pn.Kind,
			leftChild:    leftIdx,
			rightChild:   rightIdx,
			leftNames:    pn.Left.Names(),
			rightNames:   pn.Right.Names(),
			leftStorage:  newStorage(params, pn.Left.SortAttribute),
			rightStorage: newStorage(params, pn.Right.SortAttribute),
			conditions:   pn.Conditions,
			leftType:     firstLeafType(pn.Left),
			rightType:    firstLeafType(pn.Right),
		}
		node = bn
		defer func(idx int) {
			t.nodes[leftIdx].attachParent(idx)
			t.nodes[rightIdx].attachParent(idx)
		}(len(t.nodes))

	case plan.KindNegation:
		posIdx, err := t.instantiate(pn.Left, p, params, memo)
		if err != nil {
			return 0, err
		}
		negIdx, err := t.instantiate(pn.Right, p, params, memo)
		if err != nil {
			return 0, err
		}
		nn := &negationNode{
			baseNode:      newBaseNode(p.Window),
			positiveChild: posIdx,
			negativeChild: negIdx,
			positiveNames: pn.Left.Names(),
			negativeName:  pn.Right.Name,
			pending:       newStorage(params, ""),
			negatives:     newStorage(params, pn.Right.SortAttribute),
			conditions:    pn.Conditions,
			alg:           pn.NegationAlg,
		}
		node = nn
		defer func(idx int) {
			t.nodes[posIdx].attachParent(idx)
			t.nodes[negIdx].attachParent(idx)
		}(len(t.nodes))

	case plan.KindKleene:
		childIdx, err := t.instantiate(pn.Child, p, params, memo)
		if err != nil {
			return 0, err
		}
		kn := &kleeneNode{
			baseNode: newBaseNode(p.Window),
			child:    childIdx,
			name:     pn.Child.Name,
			buffer:   newStorage(params, pn.Child.SortAttribute),
			chain:    pn.KleeneCondition,
			maxIter:  pn.MaxIterations,
		}
		node = kn
		defer func(idx int) {
			t.nodes[childIdx].attachParent(idx)
		}(len(t.nodes))

	default:
		return 0, fmt.Errorf("%w: cannot instantiate node kind %v", cep.ErrConfiguration, pn.Kind)
	}

	idx := len(t.nodes)
	node.setIndex(idx)
	node.addPatternID(p.ID)
	t.nodes = append(t.nodes, node)
	memo[pn] = idx

	if leaf, ok := node.(*leafNode); ok {
		t.leafIndex[leaf.eventType] = append(t.leafIndex[leaf.eventType], idx)
	}
	return idx, nil
}

func firstLeafType(pn *plan.TreePlanNode) string {
	leaves := pn.Leaves()
	if len(leaves) == 0 {
		return ""
	}
	return leaves[0].EventType
}

// OnEvent advances the held state of every non-leaf node to the event's
// timestamp, then routes the event to every leaf accepting its type;
// those leaves expire their own state as they handle it.
func (t *Tree) OnEvent(e *cep.Event) {
	now := e.MaxTimestamp
	for _, node := range t.nodes {
		if _, ok := node.(*leafNode); !ok {
			node.advance(t, now)
		}
	}
	for _, idx := range t.leafIndex[e.Type] {
		t.nodes[idx].(*leafNode).handleEvent(t, e)
	}
}

// AcceptsType reports whether any leaf consumes the event type.
func (t *Tree) AcceptsType(eventType string) bool {
	return len(t.leafIndex[eventType]) > 0
}

// propagate hands a partial match from a node to its parents, or emits
// it when the node is a root.
func (t *Tree) propagate(from int, pm *cep.PatternMatch) {
	node := t.nodes[from]
	if patterns, isRoot := t.roots[from]; isRoot {
		t.emit(pm, patterns)
		if len(node.parents()) == 0 {
			return
		}
	}
	for _, parent := range node.parents() {
		t.nodes[parent].handlePartial(t, pm, from)
	}
}

// emit records a full match for the given root's patterns, re-checking
// each pattern's own window and confidence threshold.
func (t *Tree) emit(pm *cep.PatternMatch, patterns []*cep.Pattern) {
	matched := false
	for _, p := range patterns {
		if pm.Span() > p.Window {
			continue
		}
		if p.Confidence > 0 && pm.Probability < p.Confidence {
			continue
		}
		if t.patternIDs.Cardinality() > 1 {
			pm.AddPatternID(p.ID)
		}
		matched = true
	}
	if matched {
		t.matches = append(t.matches, pm)
		t.unregister(pm)
	}
}

// Matches drains the full matches collected since the last call.
func (t *Tree) Matches() []*cep.PatternMatch {
	out := t.matches
	t.matches = nil
	return out
}

// Drain releases every held candidate (negation nodes hold theirs until
// the window passes) and returns the final matches.
func (t *Tree) Drain() []*cep.PatternMatch {
	for _, node := range t.nodes {
		if nn, ok := node.(*negationNode); ok {
			nn.drain(t)
		}
	}
	return t.Matches()
}

// register tracks a stored partial match with the load shedder.
func (t *Tree) register(pm *cep.PatternMatch) {
	t.buckets.Register(pm)
}

// unregister forgets a partial match that expired, was consumed at a
// root, or was rejected.
func (t *Tree) unregister(pm *cep.PatternMatch) {
	t.buckets.Remove(pm.PartialID)
}

// ActivePartials reports the partial matches tracked by the shedder.
func (t *Tree) ActivePartials() int {
	return t.buckets.Active()
}

// Shed frees up to target partial matches (fewer only when fewer are
// live), lowest-value buckets first, and drops them from every node
// storage. Returns the freed ids.
func (t *Tree) Shed(target int) []uint64 {
	freed := t.buckets.Shed(target)
	t.DropPartials(freed)
	return freed
}

// DropPartials removes the given partial ids from every node storage.
func (t *Tree) DropPartials(ids []uint64) {
	for _, id := range ids {
		for _, node := range t.nodes {
			node.dropPartial(t, id)
		}
	}
}

// Buckets exposes the shedder for inspection.
func (t *Tree) Buckets() *shedder.BucketManager {
	return t.buckets
}

// Window returns the widest pattern window the tree retains state for.
func (t *Tree) Window() time.Duration {
	return t.window
}

// PatternIDs returns the ids of the patterns the tree evaluates.
func (t *Tree) PatternIDs() mapset.Set[int] {
	return t.patternIDs
}

// sampleJoin feeds a join attempt into the selectivity estimator.
func (t *Tree) sampleJoin(leftType, rightType string, passed bool) {
	if t.collector != nil && leftType != "" && rightType != "" {
		t.collector.RecordJoin(leftType, rightType, passed)
	}
}

// conditionError counts a failed predicate evaluation. Per-event errors
// never escape the evaluation loop.
func (t *Tree) conditionError(err error) {
	t.conditionErrors++
	t.log.Warn().Err(err).Msg("condition evaluation failed")
}

// ConditionErrors reports the number of failed predicate evaluations.
func (t *Tree) ConditionErrors() uint64 {
	return t.conditionErrors
}

// StructureSummary renders the node arena as a table: one row per node
// with its operator, detail, storage policy, stored count and patterns.
func (t *Tree) StructureSummary() string {
	out := &strings.Builder{}

	alignment := make([]tw.Align, 5)
	for i := range alignment {
		alignment[i] = tw.AlignNone
	}
	table := tablewriter.NewTable(out,
		tablewriter.WithRenderer(renderer.NewMarkdown()),
		tablewriter.WithAlignment(alignment),
		tablewriter.WithHeaderAutoFormat(tw.Off),
	)
	table.Header([]string{"node", "operator", "detail", "storage", "stored"})

	for idx, node := range t.nodes {
		detail, storage := node.describe()
		role := node.Kind().String()
		if _, isRoot := t.roots[idx]; isRoot {
			role += " (root)"
		}
		ids := node.PatternIDs().ToSlice()
		sort.Ints(ids)
		table.Append([]string{
			fmt.Sprintf("%d %v", idx, ids),
			role,
			detail,
			storage,
			fmt.Sprintf("%d", node.storedCount()),
		})
	}
	table.Render()
	return out.String()
}
