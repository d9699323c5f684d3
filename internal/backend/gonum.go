package backend

// ============================================================================
// Gonum-based least-squares fitter
// Responsibility:
//   - weighted chi-square (Neyman weights 1/y, empty bins skipped)
//   - linear models solved directly with QR
//   - non-linear models minimised with Nelder-Mead in scaled coordinates
//   - parameter errors from the covariance (JᵀJ)⁻¹ of the weighted residuals
// ============================================================================

import (
	"context"
	"log/slog"
	"math"
	"time"

	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"

	"github.com/ChuLiYu/spectrum-fit/internal/fitmodel"
)

var log = slog.Default()

// Gonum fits with gonum/optimize and gonum/mat.
type Gonum struct {
	MaxEvaluations int     // per minimiser run
	Tolerance      float64 // absolute chi-square change treated as converged
	Restarts       int     // extra Nelder-Mead runs started from the previous best point
}

// NewGonum returns a fitter with default limits.
func NewGonum() *Gonum {
	return &Gonum{
		MaxEvaluations: 20000,
		Tolerance:      1e-9,
		Restarts:       1,
	}
}

// Fit implements Fitter.
func (g *Gonum) Fit(ctx context.Context, req Request, extract func(Handle) error) error {
	if err := ctx.Err(); err != nil {
		return fail(ReasonNonConvergence, err, "fit not started")
	}

	start := time.Now()
	p, err := newProblem(req)
	if err != nil {
		return err
	}

	var sol *solution
	switch {
	case len(p.free) == 0:
		sol, err = p.evaluateOnly()
	case req.Model.Linear:
		sol, err = p.solveLinear()
	default:
		sol, err = p.solveNonLinear(ctx, g, req.Options.Improve)
	}
	if err != nil {
		return err
	}

	for i, v := range sol.values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fail(ReasonOutOfRange, nil, "parameter %d is %v", i, v)
		}
	}

	if !req.Options.Quiet {
		log.Debug("Fit finished",
			"model", req.Model.Kind,
			"points", len(p.x),
			"chi2", sol.chi2,
			"ndf", sol.ndf,
			"duration", time.Since(start))
	}

	h := &result{sol: sol}
	defer h.release()
	return extract(h)
}

// ============================================================================
// Problem setup
// ============================================================================

type problem struct {
	model fitmodel.Model
	x, y  []float64
	sw    []float64 // sqrt(weight)
	seeds []float64
	free  []int
	scale []float64 // search scale per free parameter
}

type solution struct {
	values []float64
	errors []float64
	chi2   float64
	ndf    int
	scale  *float64
	status int
}

func newProblem(req Request) (*problem, error) {
	m := req.Model
	if len(req.Seeds) != m.Arity() || len(req.Fixed) != m.Arity() {
		return nil, fail(ReasonInsufficientData, nil, "%s needs %d parameters, got %d seeds and %d flags",
			m.Kind, m.Arity(), len(req.Seeds), len(req.Fixed))
	}
	if len(req.X) != len(req.Y) {
		return nil, fail(ReasonInsufficientData, nil, "x/y length mismatch")
	}

	p := &problem{
		model: m,
		seeds: append([]float64(nil), req.Seeds...),
	}
	for i := range req.X {
		y := req.Y[i]
		w := 1.0
		if !req.Options.UnitWeights {
			if y <= 0 {
				continue
			}
			w = 1 / y
		}
		p.x = append(p.x, req.X[i])
		p.y = append(p.y, y)
		p.sw = append(p.sw, math.Sqrt(w))
	}

	for i, fixed := range req.Fixed {
		if fixed {
			continue
		}
		p.free = append(p.free, i)
		p.scale = append(p.scale, stepScale(m.Roles[i], req.Seeds[i], req.Region.HalfWidth))
	}

	need := len(p.free)
	if m.ShapeOnly {
		need++
	}
	if len(p.x) == 0 || len(p.x) < need {
		return nil, fail(ReasonInsufficientData, nil, "%d usable points for %d free parameters", len(p.x), need)
	}
	return p, nil
}

// stepScale maps one unit of the minimiser's coordinates to parameter units.
func stepScale(role fitmodel.ParamRole, seed, halfWidth float64) float64 {
	switch role {
	case fitmodel.RoleLocation:
		return math.Max(halfWidth*0.1, 1e-6)
	case fitmodel.RoleWidth:
		return math.Max(math.Abs(seed)*0.2, halfWidth*0.01)
	case fitmodel.RoleAmplitude:
		return math.Max(math.Abs(seed)*0.1, 1e-3)
	default:
		return math.Max(math.Abs(seed)*0.1, 1e-3)
	}
}

// params expands scaled free coordinates into a full parameter vector.
func (p *problem) params(u []float64) []float64 {
	out := append([]float64(nil), p.seeds...)
	for k, i := range p.free {
		out[i] = p.seeds[i] + p.scale[k]*u[k]
	}
	return out
}

// predict fills dst with model values and returns the profiled scale
// for shape-only models (1 otherwise).
func (p *problem) predict(dst, params []float64) float64 {
	for i, x := range p.x {
		dst[i] = p.model.Eval(x, params)
	}
	if !p.model.ShapeOnly {
		return 1
	}
	var num, den float64
	for i, g := range dst {
		w := p.sw[i] * p.sw[i]
		num += w * p.y[i] * g
		den += w * g * g
	}
	a := 0.0
	if den > 0 {
		a = num / den
	}
	for i := range dst {
		dst[i] *= a
	}
	return a
}

// residuals fills dst with sqrt(w)·(y - f).
func (p *problem) residuals(dst, params []float64) {
	p.predict(dst, params)
	for i := range dst {
		dst[i] = p.sw[i] * (p.y[i] - dst[i])
	}
}

func (p *problem) chiSquare(params []float64) float64 {
	r := make([]float64, len(p.x))
	p.residuals(r, params)
	var sum float64
	for _, v := range r {
		sum += v * v
	}
	return sum
}

func (p *problem) ndf() int {
	n := len(p.x) - len(p.free)
	if p.model.ShapeOnly {
		n--
	}
	return n
}

func (p *problem) finish(values []float64, cov *mat.Dense, colScale []float64) *solution {
	sol := &solution{
		values: values,
		errors: make([]float64, len(values)),
		chi2:   p.chiSquare(values),
		ndf:    p.ndf(),
	}
	if cov != nil {
		for k, i := range p.free {
			sol.errors[i] = colScale[k] * math.Sqrt(math.Abs(cov.At(k, k)))
		}
	}
	if p.model.ShapeOnly {
		tmp := make([]float64, len(p.x))
		a := p.predict(tmp, values)
		sol.scale = &a
	}
	return sol
}

// ============================================================================
// Solvers
// ============================================================================

func (p *problem) evaluateOnly() (*solution, error) {
	return p.finish(append([]float64(nil), p.seeds...), nil, nil), nil
}

// solveLinear solves the weighted linear least-squares problem directly.
func (p *problem) solveLinear() (*solution, error) {
	n, c := len(p.x), len(p.free)

	a := mat.NewDense(n, c, nil)
	b := mat.NewVecDense(n, nil)
	freeSet := make(map[int]bool, c)
	for _, i := range p.free {
		freeSet[i] = true
	}
	for r, x := range p.x {
		rhs := p.y[r]
		for k := range p.seeds {
			if !freeSet[k] {
				rhs -= p.seeds[k] * p.model.Basis(k, x)
			}
		}
		b.SetVec(r, p.sw[r]*rhs)
		for col, k := range p.free {
			a.Set(r, col, p.sw[r]*p.model.Basis(k, x))
		}
	}

	// 欄位尺度正規化，降低 x^k 之間的條件數
	norms := make([]float64, c)
	for col := 0; col < c; col++ {
		norms[col] = mat.Norm(a.ColView(col), 2)
		if norms[col] == 0 {
			return nil, fail(ReasonSingularMatrix, nil, "basis column %d vanishes on the data", col)
		}
		for r := 0; r < n; r++ {
			a.Set(r, col, a.At(r, col)/norms[col])
		}
	}

	var qr mat.QR
	qr.Factorize(a)
	var z mat.VecDense
	if err := qr.SolveVecTo(&z, false, b); err != nil {
		return nil, fail(ReasonSingularMatrix, err, "linear solve")
	}

	cov, err := covariance(a)
	if err != nil {
		return nil, fail(ReasonSingularMatrix, err, "covariance")
	}

	values := append([]float64(nil), p.seeds...)
	inv := make([]float64, c)
	for col, k := range p.free {
		values[k] = z.AtVec(col) / norms[col]
		inv[col] = 1 / norms[col]
	}
	sol := p.finish(values, cov, inv)
	sol.status = int(optimize.Success)
	return sol, nil
}

// solveNonLinear minimises chi-square with Nelder-Mead.
func (p *problem) solveNonLinear(ctx context.Context, g *Gonum, improve bool) (*solution, error) {
	objective := func(u []float64) float64 {
		v := p.chiSquare(p.params(u))
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return math.MaxFloat64
		}
		return v
	}

	u := make([]float64, len(p.free))
	runs := 1 + g.Restarts
	if improve {
		runs++
	}

	var res *optimize.Result
	simplex := 1.0
	for run := 0; run < runs; run++ {
		settings := &optimize.Settings{
			FuncEvaluations: g.MaxEvaluations,
			Converger: &contextConverger{
				ctx:   ctx,
				inner: &optimize.FunctionConverge{Absolute: g.Tolerance, Iterations: 50},
			},
		}
		r, err := optimize.Minimize(optimize.Problem{Func: objective}, u, settings, &optimize.NelderMead{SimplexSize: simplex})
		if ctx.Err() != nil {
			return nil, fail(ReasonNonConvergence, ctx.Err(), "minimiser interrupted")
		}
		if err != nil {
			return nil, fail(ReasonNonConvergence, err, "run %d", run)
		}
		if r.Status.Early() {
			return nil, fail(ReasonNonConvergence, r.Status.Err(), "run %d stopped with %v", run, r.Status)
		}
		res = r
		u = append([]float64(nil), r.X...)
		simplex = 0.1
	}
	if res.F == math.MaxFloat64 {
		return nil, fail(ReasonOutOfRange, nil, "no finite chi-square reached")
	}

	// 在縮放座標下計算殘差的 Jacobian
	jac := mat.NewDense(len(p.x), len(p.free), nil)
	fd.Jacobian(jac, func(dst, v []float64) {
		p.residuals(dst, p.params(v))
	}, u, &fd.JacobianSettings{Formula: fd.Central})

	cov, err := covariance(jac)
	if err != nil {
		return nil, fail(ReasonSingularMatrix, err, "covariance")
	}

	sol := p.finish(p.params(u), cov, p.scale)
	sol.status = int(res.Status)
	return sol, nil
}

// covariance returns (AᵀA)⁻¹ computed from the QR factorisation of A,
// as XᵀX where X is the minimum-norm solution of AᵀX = I.
func covariance(a *mat.Dense) (*mat.Dense, error) {
	_, c := a.Dims()
	var qr mat.QR
	qr.Factorize(a)

	ones := make([]float64, c)
	for i := range ones {
		ones[i] = 1
	}
	var x mat.Dense
	if err := qr.SolveTo(&x, true, mat.NewDiagDense(c, ones)); err != nil {
		return nil, err
	}
	var cov mat.Dense
	cov.Mul(x.T(), &x)
	return &cov, nil
}

// contextConverger stops the minimiser when ctx is done.
type contextConverger struct {
	ctx   context.Context
	inner optimize.Converger
}

func (c *contextConverger) Init(dim int) { c.inner.Init(dim) }

func (c *contextConverger) Converged(loc *optimize.Location) optimize.Status {
	if c.ctx.Err() != nil {
		return optimize.RuntimeLimit
	}
	return c.inner.Converged(loc)
}

// ============================================================================
// Handle
// ============================================================================

type result struct {
	sol      *solution
	released bool
}

func (r *result) release() {
	r.released = true
	r.sol = nil
}

func (r *result) live() *solution {
	if r.released {
		panic(ErrHandleReleased)
	}
	return r.sol
}

func (r *result) Status() int { return r.live().status }

func (r *result) ChiSquare() (float64, bool) { return r.live().chi2, true }

func (r *result) NDF() (int, bool) { return r.live().ndf, true }

func (r *result) NumParams() int { return len(r.live().values) }

func (r *result) Parameter(i int) (float64, bool) {
	s := r.live()
	if i < 0 || i >= len(s.values) {
		return 0, false
	}
	return s.values[i], true
}

func (r *result) ParameterError(i int) (float64, bool) {
	s := r.live()
	if i < 0 || i >= len(s.errors) {
		return 0, false
	}
	return s.errors[i], true
}

func (r *result) Scale() (float64, bool) {
	s := r.live()
	if s.scale == nil {
		return 0, false
	}
	return *s.scale, true
}
