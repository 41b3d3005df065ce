package stream

import (
	"encoding/gob"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/freshet-io/freshet/pkg/types"
)

// AggKind names an aggregate function
type AggKind string

const (
	AggSum                 AggKind = "sum"
	AggCount               AggKind = "count"
	AggMin                 AggKind = "min"
	AggMax                 AggKind = "max"
	AggAvg                 AggKind = "avg"
	AggBitAnd              AggKind = "bit_and"
	AggBitOr               AggKind = "bit_or"
	AggBitXor              AggKind = "bit_xor"
	AggBoolAnd             AggKind = "bool_and"
	AggBoolOr              AggKind = "bool_or"
	AggStringAgg           AggKind = "string_agg"
	AggArrayAgg            AggKind = "array_agg"
	AggFirstValue          AggKind = "first_value"
	AggLastValue           AggKind = "last_value"
	AggVarPop              AggKind = "var_pop"
	AggVarSamp             AggKind = "var_samp"
	AggStddevPop           AggKind = "stddev_pop"
	AggStddevSamp          AggKind = "stddev_samp"
	AggApproxCountDistinct AggKind = "approx_count_distinct"
	AggMode                AggKind = "mode"
	AggPercentileCont      AggKind = "percentile_cont"
	AggPercentileDisc      AggKind = "percentile_disc"
)

// customAggs holds user-defined aggregate builders
var customAggs = map[AggKind]func(call AggCall) (AggState, error){}

// RegisterAggFunc installs a user-defined aggregate kind. Panics on a
// name already taken by a built-in or a previous registration.
func RegisterAggFunc(kind AggKind, builder func(call AggCall) (AggState, error)) {
	if _, ok := customAggs[kind]; ok {
		panic(fmt.Sprintf("aggregate %q already registered", kind))
	}
	if _, err := NewAggState(AggCall{Kind: kind}); err == nil {
		panic(fmt.Sprintf("aggregate %q shadows a built-in", kind))
	}
	customAggs[kind] = builder
}

// AggCall is one aggregate invocation: a kind applied to an input column
// (ArgIdx < 0 for count(*)), optionally de-duplicated.
type AggCall struct {
	Kind     AggKind
	ArgIdx   int
	Distinct bool
	// Delimiter for string_agg
	Delimiter string
	// Fraction for percentile_cont / percentile_disc, in [0, 1]
	Fraction float64
}

// AggState is the running state of one aggregate for one group. Update
// applies an insert (+1) or retraction (-1) of one argument value.
type AggState interface {
	Update(arg types.Datum, retract bool) error
	Result() types.Datum
}

// retractableKinds can incrementally apply deletions; other kinds fall
// back to a materialized value buffer.
var retractableKinds = map[AggKind]bool{
	AggSum: true, AggCount: true, AggAvg: true, AggBitXor: true,
	AggVarPop: true, AggVarSamp: true, AggStddevPop: true, AggStddevSamp: true,
}

// Retractable reports whether the kind supports incremental deletes
// without a buffer.
func Retractable(kind AggKind) bool {
	return retractableKinds[kind]
}

// NewAggState builds the state for a call
func NewAggState(call AggCall) (AggState, error) {
	var inner AggState
	switch call.Kind {
	case AggSum:
		inner = &SumState{}
	case AggCount:
		inner = &CountState{}
	case AggAvg:
		inner = &AvgState{}
	case AggBitXor:
		inner = &XorState{}
	case AggVarPop, AggVarSamp, AggStddevPop, AggStddevSamp:
		inner = &MomentsState{Kind: call.Kind}
	case AggMin, AggMax, AggMode, AggBoolAnd, AggBoolOr, AggBitAnd, AggBitOr,
		AggStringAgg, AggArrayAgg, AggFirstValue, AggLastValue, AggApproxCountDistinct,
		AggPercentileCont, AggPercentileDisc:
		inner = &BufferState{Kind: call.Kind, Delimiter: call.Delimiter, Fraction: call.Fraction, Counts: make(map[string]*bufferedValue)}
	default:
		if builder, ok := customAggs[call.Kind]; ok {
			var err error
			inner, err = builder(call)
			if err != nil {
				return nil, err
			}
		} else {
			return nil, fmt.Errorf("unknown aggregate kind %q", call.Kind)
		}
	}
	if call.Distinct {
		return &DistinctState{Inner: inner, Seen: make(map[string]int64)}, nil
	}
	return inner, nil
}

// SumState sums int64 or float64 arguments; NULLs are ignored
type SumState struct {
	IntSum   int64
	FloatSum float64
	IsFloat  bool
	NonNull  int64
}

func (s *SumState) Update(arg types.Datum, retract bool) error {
	if arg == nil {
		return nil
	}
	sign := int64(1)
	if retract {
		sign = -1
	}
	switch v := arg.(type) {
	case int64:
		s.IntSum += sign * v
	case float64:
		s.IsFloat = true
		s.FloatSum += float64(sign) * v
	default:
		return fmt.Errorf("sum over unsupported type %T", arg)
	}
	s.NonNull += sign
	return nil
}

func (s *SumState) Result() types.Datum {
	if s.NonNull == 0 {
		return nil
	}
	if s.IsFloat {
		return s.FloatSum
	}
	return s.IntSum
}

// CountState counts non-null arguments (or rows for count(*))
type CountState struct {
	N int64
}

func (s *CountState) Update(arg types.Datum, retract bool) error {
	if retract {
		s.N--
	} else {
		s.N++
	}
	return nil
}

func (s *CountState) Result() types.Datum {
	return s.N
}

// AvgState tracks sum and count
type AvgState struct {
	Sum SumState
	N   int64
}

func (s *AvgState) Update(arg types.Datum, retract bool) error {
	if arg == nil {
		return nil
	}
	if err := s.Sum.Update(arg, retract); err != nil {
		return err
	}
	if retract {
		s.N--
	} else {
		s.N++
	}
	return nil
}

func (s *AvgState) Result() types.Datum {
	if s.N == 0 {
		return nil
	}
	switch v := s.Sum.Result().(type) {
	case int64:
		return float64(v) / float64(s.N)
	case float64:
		return v / float64(s.N)
	}
	return nil
}

// XorState folds bit_xor, which is its own inverse
type XorState struct {
	Acc     int64
	NonNull int64
}

func (s *XorState) Update(arg types.Datum, retract bool) error {
	if arg == nil {
		return nil
	}
	v, ok := arg.(int64)
	if !ok {
		return fmt.Errorf("bit_xor over unsupported type %T", arg)
	}
	s.Acc ^= v
	if retract {
		s.NonNull--
	} else {
		s.NonNull++
	}
	return nil
}

func (s *XorState) Result() types.Datum {
	if s.NonNull == 0 {
		return nil
	}
	return s.Acc
}

// MomentsState keeps (n, sum, sumsq) for variance and stddev; exact
// retraction by subtracting contributions.
type MomentsState struct {
	Kind  AggKind
	N     int64
	Sum   float64
	SumSq float64
}

func (s *MomentsState) Update(arg types.Datum, retract bool) error {
	if arg == nil {
		return nil
	}
	var x float64
	switch v := arg.(type) {
	case int64:
		x = float64(v)
	case float64:
		x = v
	default:
		return fmt.Errorf("variance over unsupported type %T", arg)
	}
	if retract {
		s.N--
		s.Sum -= x
		s.SumSq -= x * x
	} else {
		s.N++
		s.Sum += x
		s.SumSq += x * x
	}
	return nil
}

func (s *MomentsState) Result() types.Datum {
	if s.N == 0 {
		return nil
	}
	n := float64(s.N)
	m2 := s.SumSq - s.Sum*s.Sum/n
	if m2 < 0 {
		m2 = 0
	}
	switch s.Kind {
	case AggVarPop:
		return m2 / n
	case AggStddevPop:
		return math.Sqrt(m2 / n)
	case AggVarSamp:
		if s.N < 2 {
			return nil
		}
		return m2 / (n - 1)
	case AggStddevSamp:
		if s.N < 2 {
			return nil
		}
		return math.Sqrt(m2 / (n - 1))
	}
	return nil
}

type bufferedValue struct {
	Value types.Datum
	Count int64
	// Seq is the arrival order of the first occurrence, for
	// first/last_value.
	Seq int64
}

// BufferState materializes the multiset of input values for kinds whose
// incremental retraction is impossible; results recompute over the
// buffer.
type BufferState struct {
	Kind      AggKind
	Delimiter string
	Fraction  float64
	Counts    map[string]*bufferedValue
	NextSeq   int64
}

func (s *BufferState) Update(arg types.Datum, retract bool) error {
	if arg == nil {
		return nil
	}
	key := string(types.EncodeDatum(nil, arg))
	bv, ok := s.Counts[key]
	if retract {
		if !ok {
			return fmt.Errorf("retraction of absent value in %s buffer", s.Kind)
		}
		bv.Count--
		if bv.Count <= 0 {
			delete(s.Counts, key)
		}
		return nil
	}
	if !ok {
		s.Counts[key] = &bufferedValue{Value: arg, Count: 1, Seq: s.NextSeq}
	} else {
		bv.Count++
	}
	s.NextSeq++
	return nil
}

func (s *BufferState) sorted() []*bufferedValue {
	out := make([]*bufferedValue, 0, len(s.Counts))
	for _, bv := range s.Counts {
		out = append(out, bv)
	}
	sort.Slice(out, func(i, j int) bool {
		return types.CompareDatum(out[i].Value, out[j].Value) < 0
	})
	return out
}

func (s *BufferState) Result() types.Datum {
	if len(s.Counts) == 0 {
		return nil
	}
	vals := s.sorted()
	switch s.Kind {
	case AggMin:
		return vals[0].Value
	case AggMax:
		return vals[len(vals)-1].Value
	case AggMode:
		// Highest multiplicity; ties break to the smallest value under
		// the total order (NaN greatest, -0 before +0).
		best := vals[0]
		for _, bv := range vals[1:] {
			if bv.Count > best.Count {
				best = bv
			}
		}
		return best.Value
	case AggBoolAnd:
		for _, bv := range vals {
			if b, ok := bv.Value.(bool); ok && !b {
				return false
			}
		}
		return true
	case AggBoolOr:
		for _, bv := range vals {
			if b, ok := bv.Value.(bool); ok && b {
				return true
			}
		}
		return false
	case AggBitAnd:
		acc := int64(-1)
		for _, bv := range vals {
			for i := int64(0); i < bv.Count; i++ {
				acc &= bv.Value.(int64)
			}
		}
		return acc
	case AggBitOr:
		acc := int64(0)
		for _, bv := range vals {
			acc |= bv.Value.(int64)
		}
		return acc
	case AggStringAgg:
		delim := s.Delimiter
		var parts []string
		for _, bv := range vals {
			for i := int64(0); i < bv.Count; i++ {
				parts = append(parts, fmt.Sprint(bv.Value))
			}
		}
		return strings.Join(parts, delim)
	case AggArrayAgg:
		var parts []string
		for _, bv := range vals {
			for i := int64(0); i < bv.Count; i++ {
				parts = append(parts, fmt.Sprint(bv.Value))
			}
		}
		return "{" + strings.Join(parts, ",") + "}"
	case AggFirstValue, AggLastValue:
		byArrival := make([]*bufferedValue, 0, len(s.Counts))
		for _, bv := range s.Counts {
			byArrival = append(byArrival, bv)
		}
		sort.Slice(byArrival, func(i, j int) bool { return byArrival[i].Seq < byArrival[j].Seq })
		if s.Kind == AggFirstValue {
			return byArrival[0].Value
		}
		return byArrival[len(byArrival)-1].Value
	case AggApproxCountDistinct:
		return int64(len(s.Counts))
	case AggPercentileCont, AggPercentileDisc:
		return s.percentile(vals)
	}
	return nil
}

// percentile resolves over the expanded, sorted multiset
func (s *BufferState) percentile(vals []*bufferedValue) types.Datum {
	var expanded []types.Datum
	for _, bv := range vals {
		for i := int64(0); i < bv.Count; i++ {
			expanded = append(expanded, bv.Value)
		}
	}
	if len(expanded) == 0 {
		return nil
	}
	pos := s.Fraction * float64(len(expanded)-1)
	lo := int(pos)
	if s.Kind == AggPercentileDisc || lo == len(expanded)-1 {
		if s.Kind == AggPercentileDisc {
			// The first value whose cumulative position reaches the
			// fraction.
			idx := int(math.Ceil(s.Fraction*float64(len(expanded)))) - 1
			if idx < 0 {
				idx = 0
			}
			return expanded[idx]
		}
		return expanded[lo]
	}
	frac := pos - float64(lo)
	a, aok := toFloat(expanded[lo])
	b, bok := toFloat(expanded[lo+1])
	if !aok || !bok {
		return expanded[lo]
	}
	return a + (b-a)*frac
}

func toFloat(d types.Datum) (float64, bool) {
	switch v := d.(type) {
	case int64:
		return float64(v), true
	case float64:
		return v, true
	}
	return 0, false
}

// DistinctState de-duplicates inputs before the inner state: only the
// first insert and the last delete of a value pass through.
type DistinctState struct {
	Inner AggState
	Seen  map[string]int64
}

func (s *DistinctState) Update(arg types.Datum, retract bool) error {
	if arg == nil {
		return nil
	}
	key := string(types.EncodeDatum(nil, arg))
	if retract {
		s.Seen[key]--
		if s.Seen[key] == 0 {
			delete(s.Seen, key)
			return s.Inner.Update(arg, true)
		}
		return nil
	}
	s.Seen[key]++
	if s.Seen[key] == 1 {
		return s.Inner.Update(arg, false)
	}
	return nil
}

func (s *DistinctState) Result() types.Datum {
	return s.Inner.Result()
}

func init() {
	// Agg states persist to the state table as gob blobs.
	gob.Register(&SumState{})
	gob.Register(&CountState{})
	gob.Register(&AvgState{})
	gob.Register(&XorState{})
	gob.Register(&MomentsState{})
	gob.Register(&BufferState{})
	gob.Register(&DistinctState{})
	// Scalar datum types carried inside interface-typed fields.
	gob.Register(int64(0))
	gob.Register(float64(0))
	gob.Register(false)
	gob.Register("")
}
