package normalization

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"

	"github.com/correlator-io/seeder/internal/record"
)

var (
	// ErrUnknownFunction is returned for a function name missing from the table.
	ErrUnknownFunction = errors.New("unknown transform function")

	// ErrFunctionKind is returned when a function is used with a transform kind it does not support.
	ErrFunctionKind = errors.New("function not allowed for transform kind")

	errNoNumericInputs = errors.New("no numeric inputs")
	errDivideByZero    = errors.New("division by zero")
)

type (
	// TransformFunc computes a value from the resolved input values. Missing
	// inputs arrive as nil. Functions are pure.
	TransformFunc func(args []any) (any, error)

	function struct {
		kinds []TransformKind
		fn    TransformFunc
	}
)

// Function names bound in the static table.
const (
	FuncSum            = "sum"
	FuncAverage        = "average"
	FuncMin            = "min"
	FuncMax            = "max"
	FuncCountPresent   = "count_present"
	FuncRatio          = "ratio"
	FuncDifference     = "difference"
	FuncEngagementRate = "engagement_rate"
	FuncConcat         = "concat"
	FuncFirstNonEmpty  = "first_non_empty"
	FuncLowercase      = "lowercase"
	FuncUppercase      = "uppercase"
	FuncTrim           = "trim"
	FuncWordCount      = "word_count"
	FuncHashtags       = "hashtags"
	FuncDomain         = "domain"
)

var hashtagPattern = regexp.MustCompile(`#([\p{L}\p{N}_]+)`)

// functions is the compile-time function table. Adding a transform means
// adding an entry here; schemas can only reference what is listed.
var functions = map[string]function{
	FuncSum:            {kinds: kinds(TransformCalculated, TransformAggregated), fn: sum},
	FuncAverage:        {kinds: kinds(TransformCalculated, TransformAggregated), fn: average},
	FuncMin:            {kinds: kinds(TransformAggregated), fn: minimum},
	FuncMax:            {kinds: kinds(TransformAggregated), fn: maximum},
	FuncCountPresent:   {kinds: kinds(TransformAggregated), fn: countPresent},
	FuncRatio:          {kinds: kinds(TransformCalculated), fn: ratio},
	FuncDifference:     {kinds: kinds(TransformCalculated), fn: difference},
	FuncEngagementRate: {kinds: kinds(TransformCalculated), fn: engagementRate},
	FuncConcat:         {kinds: kinds(TransformDerived), fn: concat},
	FuncFirstNonEmpty:  {kinds: kinds(TransformDirect, TransformDerived), fn: firstNonEmpty},
	FuncLowercase:      {kinds: kinds(TransformDirect, TransformDerived), fn: stringFn(strings.ToLower)},
	FuncUppercase:      {kinds: kinds(TransformDirect, TransformDerived), fn: stringFn(strings.ToUpper)},
	FuncTrim:           {kinds: kinds(TransformDirect, TransformDerived), fn: stringFn(strings.TrimSpace)},
	FuncWordCount:      {kinds: kinds(TransformDerived), fn: wordCount},
	FuncHashtags:       {kinds: kinds(TransformDerived), fn: hashtags},
	FuncDomain:         {kinds: kinds(TransformDerived), fn: domain},
}

func kinds(k ...TransformKind) []TransformKind { return k }

// LookupFunction returns the function bound to name. An empty kind accepts any
// function (transformation rules are not tied to a mapping kind).
func LookupFunction(name string, kind TransformKind) (TransformFunc, error) {
	f, ok := functions[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownFunction, name)
	}

	if kind == "" {
		return f.fn, nil
	}

	for _, k := range f.kinds {
		if k == kind {
			return f.fn, nil
		}
	}

	return nil, fmt.Errorf("%w: %s cannot be used as %s", ErrFunctionKind, name, kind)
}

// FunctionNames lists the registered function names, sorted.
func FunctionNames() []string {
	names := make([]string, 0, len(functions))
	for name := range functions {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

func numbers(args []any) []float64 {
	out := make([]float64, 0, len(args))

	for _, a := range args {
		if a == nil {
			continue
		}

		if f, err := toNumber(a); err == nil {
			out = append(out, f)
		}
	}

	return out
}

func sum(args []any) (any, error) {
	nums := numbers(args)
	if len(nums) == 0 {
		return nil, errNoNumericInputs
	}

	total := 0.0
	for _, n := range nums {
		total += n
	}

	return total, nil
}

func average(args []any) (any, error) {
	nums := numbers(args)
	if len(nums) == 0 {
		return nil, errNoNumericInputs
	}

	total := 0.0
	for _, n := range nums {
		total += n
	}

	return total / float64(len(nums)), nil
}

func minimum(args []any) (any, error) {
	nums := numbers(args)
	if len(nums) == 0 {
		return nil, errNoNumericInputs
	}

	out := nums[0]
	for _, n := range nums[1:] {
		out = math.Min(out, n)
	}

	return out, nil
}

func maximum(args []any) (any, error) {
	nums := numbers(args)
	if len(nums) == 0 {
		return nil, errNoNumericInputs
	}

	out := nums[0]
	for _, n := range nums[1:] {
		out = math.Max(out, n)
	}

	return out, nil
}

func countPresent(args []any) (any, error) {
	count := 0

	for _, a := range args {
		if !record.IsEmpty(a) {
			count++
		}
	}

	return float64(count), nil
}

func twoNumbers(args []any) (float64, float64, error) {
	if len(args) != 2 { //nolint:mnd // binary operator
		return 0, 0, fmt.Errorf("expected 2 inputs, got %d", len(args))
	}

	a, err := toNumber(args[0])
	if err != nil {
		return 0, 0, err
	}

	b, err := toNumber(args[1])
	if err != nil {
		return 0, 0, err
	}

	return a, b, nil
}

func ratio(args []any) (any, error) {
	a, b, err := twoNumbers(args)
	if err != nil {
		return nil, err
	}

	if b == 0 {
		return nil, errDivideByZero
	}

	return a / b, nil
}

func difference(args []any) (any, error) {
	a, b, err := twoNumbers(args)
	if err != nil {
		return nil, err
	}

	return a - b, nil
}

// engagementRate expects interactions followed by the audience size as the
// last input: (likes, shares, comments, followers).
func engagementRate(args []any) (any, error) {
	if len(args) < 2 { //nolint:mnd // at least one interaction and the audience
		return nil, fmt.Errorf("expected interactions and audience, got %d inputs", len(args))
	}

	audience, err := toNumber(args[len(args)-1])
	if err != nil {
		return nil, err
	}

	if audience <= 0 {
		return nil, errDivideByZero
	}

	interactions := 0.0
	for _, n := range numbers(args[:len(args)-1]) {
		interactions += n
	}

	return interactions / audience, nil
}

func concat(args []any) (any, error) {
	parts := make([]string, 0, len(args))

	for _, a := range args {
		if record.IsEmpty(a) {
			continue
		}

		s, err := toString(a)
		if err != nil {
			return nil, err
		}

		parts = append(parts, s)
	}

	return strings.Join(parts, " "), nil
}

func firstNonEmpty(args []any) (any, error) {
	for _, a := range args {
		if !record.IsEmpty(a) {
			return a, nil
		}
	}

	return nil, errors.New("all inputs empty")
}

func stringFn(f func(string) string) TransformFunc {
	return func(args []any) (any, error) {
		if len(args) == 0 || args[0] == nil {
			return nil, errors.New("missing input")
		}

		s, err := toString(args[0])
		if err != nil {
			return nil, err
		}

		return f(s), nil
	}
}

func wordCount(args []any) (any, error) {
	if len(args) == 0 || args[0] == nil {
		return float64(0), nil
	}

	s, err := toString(args[0])
	if err != nil {
		return nil, err
	}

	return float64(len(strings.Fields(s))), nil
}

func hashtags(args []any) (any, error) {
	out := []any{}

	for _, a := range args {
		if a == nil {
			continue
		}

		s, err := toString(a)
		if err != nil {
			return nil, err
		}

		for _, m := range hashtagPattern.FindAllStringSubmatch(s, -1) {
			out = append(out, strings.ToLower(m[1]))
		}
	}

	return out, nil
}

// domain extracts the host part of an email address or URL.
func domain(args []any) (any, error) {
	if len(args) == 0 || args[0] == nil {
		return nil, errors.New("missing input")
	}

	s, err := toString(args[0])
	if err != nil {
		return nil, err
	}

	s = strings.ToLower(strings.TrimSpace(s))

	if at := strings.LastIndex(s, "@"); at >= 0 {
		return s[at+1:], nil
	}

	s = strings.TrimPrefix(strings.TrimPrefix(s, "https://"), "http://")
	if slash := strings.IndexAny(s, "/?#"); slash >= 0 {
		s = s[:slash]
	}

	if s == "" {
		return nil, errors.New("no domain")
	}

	return s, nil
}
