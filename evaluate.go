package toolgate

// DefaultDepthLimit is the default ceiling on requirement tree depth.
// Trees deeper than this fail closed with ErrTooDeep instead of risking
// unbounded recursion; every producer observed in practice stays far below.
const DefaultDepthLimit = 64

// Evaluation is the outcome of testing a requirement sequence against a
// caller context. Unmet lists the unsatisfied leaf predicates in tree order;
// for a failed negation it carries the negated child expression whole.
type Evaluation struct {
	Satisfied bool
	Unmet     []Requirement
}

// Evaluator tests requirement trees against caller contexts. Evaluation is
// pure: it reads the context and never mutates it, and the boolean verdict
// is independent of evaluation order.
type Evaluator struct {
	depthLimit int
}

// EvaluatorOption configures an Evaluator
type EvaluatorOption func(*Evaluator)

// WithDepthLimit sets the depth ceiling for requirement trees
func WithDepthLimit(limit int) EvaluatorOption {
	return func(e *Evaluator) {
		if limit > 0 {
			e.depthLimit = limit
		}
	}
}

// NewEvaluator creates an evaluator with the default depth ceiling
func NewEvaluator(opts ...EvaluatorOption) *Evaluator {
	e := &Evaluator{depthLimit: DefaultDepthLimit}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Evaluate tests an ordered requirement sequence against a context. The
// sequence is an implicit conjunction: all expressions must hold and an
// empty sequence is always satisfied. Returns ErrTooDeep (with Satisfied
// false) if any tree exceeds the depth ceiling.
func (e *Evaluator) Evaluate(reqs []Requirement, ctx *CallerContext) (*Evaluation, error) {
	result := &Evaluation{Satisfied: true}
	for _, req := range reqs {
		ok, unmet, err := e.eval(req, ctx, 0)
		if err != nil {
			return &Evaluation{Satisfied: false}, err
		}
		if !ok {
			result.Satisfied = false
			result.Unmet = append(result.Unmet, unmet...)
		}
	}
	return result, nil
}

// EvaluateOne tests a single requirement tree against a context
func (e *Evaluator) EvaluateOne(req Requirement, ctx *CallerContext) (*Evaluation, error) {
	return e.Evaluate([]Requirement{req}, ctx)
}

func (e *Evaluator) eval(req Requirement, ctx *CallerContext, depth int) (bool, []Requirement, error) {
	if depth > e.depthLimit {
		return false, nil, ErrTooDeep
	}

	switch req.Kind {
	case RequirementCapability:
		if ctx.HasCapability(req.Name) {
			return true, nil, nil
		}
		return false, []Requirement{req}, nil

	case RequirementScope:
		if ctx.HasScope(req.Value) {
			return true, nil, nil
		}
		return false, []Requirement{req}, nil

	case RequirementClaim:
		if value, ok := ctx.Claim(req.Name); ok && value == req.Value {
			return true, nil, nil
		}
		return false, []Requirement{req}, nil

	case RequirementResource:
		if ctx.HasResourcePermission(req.URI, req.Value) {
			return true, nil, nil
		}
		return false, []Requirement{req}, nil

	case RequirementInput:
		if req.Property != nil {
			if value, ok := ctx.Input(*req.Property); ok && value == req.Value {
				return true, nil, nil
			}
		} else if ctx.InputMatchesAny(req.Value) {
			return true, nil, nil
		}
		return false, []Requirement{req}, nil

	case RequirementAnyOf:
		if len(req.Children) == 0 {
			return false, nil, &RequirementError{Kind: req.Kind, Message: "combinator requires at least one child"}
		}
		// Children are evaluated left to right; when none is satisfied the
		// unmet leaves of every branch are reported.
		var unmet []Requirement
		for _, child := range req.Children {
			ok, childUnmet, err := e.eval(child, ctx, depth+1)
			if err != nil {
				return false, nil, err
			}
			if ok {
				return true, nil, nil
			}
			unmet = append(unmet, childUnmet...)
		}
		return false, unmet, nil

	case RequirementAllOf:
		if len(req.Children) == 0 {
			return false, nil, &RequirementError{Kind: req.Kind, Message: "combinator requires at least one child"}
		}
		// No boolean short-circuit: diagnostics collect every unmet leaf
		// across all children.
		satisfied := true
		var unmet []Requirement
		for _, child := range req.Children {
			ok, childUnmet, err := e.eval(child, ctx, depth+1)
			if err != nil {
				return false, nil, err
			}
			if !ok {
				satisfied = false
				unmet = append(unmet, childUnmet...)
			}
		}
		if satisfied {
			return true, nil, nil
		}
		return false, unmet, nil

	case RequirementNot:
		if len(req.Children) != 1 {
			return false, nil, &RequirementError{Kind: req.Kind, Message: "negation requires exactly one child"}
		}
		ok, _, err := e.eval(req.Children[0], ctx, depth+1)
		if err != nil {
			return false, nil, err
		}
		if !ok {
			return true, nil, nil
		}
		// The negation inverts only the verdict. Reporting inverts nothing:
		// the negated child expression is the unmet unit.
		return false, []Requirement{req.Children[0]}, nil

	default:
		return false, nil, &RequirementError{Kind: req.Kind, Message: "unknown requirement kind"}
	}
}
