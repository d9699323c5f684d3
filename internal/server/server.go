package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/ChuLiYu/spectrum-fit/internal/fitmodel"
	"github.com/ChuLiYu/spectrum-fit/internal/registry"
	"github.com/ChuLiYu/spectrum-fit/internal/render"
	"github.com/ChuLiYu/spectrum-fit/internal/resultcache"
	"github.com/ChuLiYu/spectrum-fit/internal/session"
	"github.com/ChuLiYu/spectrum-fit/pkg/types"
)

var log = slog.Default()

// Server implements FitSessionServer on top of a session engine.
//
// It is also the engine's Surface: it holds the latest preview per fit
// for as long as the fit exists and drops it when the fit is closed.
type Server struct {
	engine *session.Engine

	mu     sync.RWMutex
	images map[types.FitID]*render.Image
	events []types.Event // recent events, newest last
}

const maxEvents = 64

// NewServer creates a Server. Pass it to session.WithSurface, then Attach
// the engine.
func NewServer() *Server {
	return &Server{images: make(map[types.FitID]*render.Image)}
}

// Attach sets the engine served by s.
func (s *Server) Attach(e *session.Engine) {
	s.engine = e
}

// Show stores img as the preview for rec.
func (s *Server) Show(rec types.FitRecord, img *render.Image) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.images[rec.ID]; ok && old.Epoch > img.Epoch {
		return
	}
	s.images[rec.ID] = img
}

// OnEvent drops previews of closed fits and keeps a short event history.
func (s *Server) OnEvent(ev types.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ev.Kind == types.EventClosed {
		delete(s.images, ev.FitID)
	}
	s.events = append(s.events, ev)
	if len(s.events) > maxEvents {
		s.events = s.events[len(s.events)-maxEvents:]
	}
	if ev.Kind == types.EventFitList {
		log.Info("Batch finished", "previews", len(s.images))
	}
}

// Events returns the recent engine events.
func (s *Server) Events() []types.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]types.Event(nil), s.events...)
}

// ListFits returns {"fits": [...], "active": id|null}.
func (s *Server) ListFits(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	var (
		recs   []types.FitRecord
		active types.FitID
		has    bool
	)
	if err := s.do(ctx, func() {
		recs = s.engine.Fits()
		active, has = s.engine.Active()
	}); err != nil {
		return nil, err
	}

	fits := make([]any, 0, len(recs))
	for _, rec := range recs {
		fits = append(fits, fitToMap(rec))
	}
	out := map[string]any{"fits": fits, "active": nil}
	if has {
		out["active"] = float64(active)
	}
	return newStruct(out)
}

// GetFit returns one fit.
func (s *Server) GetFit(ctx context.Context, req *wrapperspb.Int64Value) (*structpb.Struct, error) {
	var (
		rec types.FitRecord
		ok  bool
	)
	id := types.FitID(req.GetValue())
	if err := s.do(ctx, func() { rec, ok = s.engine.Fit(id) }); err != nil {
		return nil, err
	}
	if !ok {
		return nil, status.Errorf(codes.NotFound, "fit %d not found", id)
	}
	return newStruct(fitToMap(rec))
}

// CreateFit creates a fit from {"center", "half_width", "model"}.
func (s *Server) CreateFit(ctx context.Context, req *structpb.Struct) (*wrapperspb.Int64Value, error) {
	fields := req.GetFields()
	center, ok := numberField(fields, "center")
	if !ok {
		return nil, status.Error(codes.InvalidArgument, "center is required")
	}
	halfWidth, ok := numberField(fields, "half_width")
	if !ok {
		return nil, status.Error(codes.InvalidArgument, "half_width is required")
	}
	kind := types.ModelKind(fields["model"].GetStringValue())

	var (
		id     types.FitID
		actErr error
	)
	if err := s.do(ctx, func() {
		id, actErr = s.engine.CreateFit(types.Region{Center: center, HalfWidth: halfWidth}, kind)
	}); err != nil {
		return nil, err
	}
	if actErr != nil {
		return nil, toStatus(actErr)
	}
	return wrapperspb.Int64(int64(id)), nil
}

// Refit fits immediately and returns the updated fit. A backend failure is
// not an RPC error: the returned fit carries the failed status.
func (s *Server) Refit(ctx context.Context, req *wrapperspb.Int64Value) (*structpb.Struct, error) {
	id := types.FitID(req.GetValue())
	var (
		rec    types.FitRecord
		ok     bool
		actErr error
	)
	if err := s.do(ctx, func() {
		_, actErr = s.engine.Refit(id)
		rec, ok = s.engine.Fit(id)
	}); err != nil {
		return nil, err
	}
	if actErr != nil && !errors.Is(actErr, types.ErrBackendFitFailure) {
		return nil, toStatus(actErr)
	}
	if !ok {
		return nil, status.Errorf(codes.NotFound, "fit %d not found", id)
	}
	return newStruct(fitToMap(rec))
}

// Select makes id the active fit.
func (s *Server) Select(ctx context.Context, req *wrapperspb.Int64Value) (*emptypb.Empty, error) {
	return s.action(ctx, func() error { return s.engine.Select(types.FitID(req.GetValue())) })
}

// RemoveFit removes id.
func (s *Server) RemoveFit(ctx context.Context, req *wrapperspb.Int64Value) (*emptypb.Empty, error) {
	return s.action(ctx, func() error { return s.engine.RemoveFit(types.FitID(req.GetValue())) })
}

// RunBatch starts a batch over {"peaks": [energy, ...]}; without peaks the
// current peak list is used (detected when empty).
func (s *Server) RunBatch(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	var peaks []types.PeakCandidate
	for _, v := range req.GetFields()["peaks"].GetListValue().GetValues() {
		e, ok := v.GetKind().(*structpb.Value_NumberValue)
		if !ok || math.IsNaN(e.NumberValue) {
			return nil, status.Error(codes.InvalidArgument, "peaks must be numbers")
		}
		peaks = append(peaks, types.PeakCandidate{Energy: e.NumberValue, Provenance: types.ProvenanceManual})
	}
	return s.action(ctx, func() error {
		var err error
		if len(peaks) == 0 {
			_, err = s.engine.RunBatchDetected()
		} else {
			_, err = s.engine.RunBatch(peaks)
		}
		return err
	})
}

// GetPreview returns the PNG preview currently held for id.
func (s *Server) GetPreview(_ context.Context, req *wrapperspb.Int64Value) (*wrapperspb.BytesValue, error) {
	id := types.FitID(req.GetValue())
	s.mu.RLock()
	img, ok := s.images[id]
	s.mu.RUnlock()
	if !ok {
		return nil, status.Errorf(codes.NotFound, "no preview for fit %d", id)
	}
	return wrapperspb.Bytes(img.PNG), nil
}

// do runs fn on the engine's scheduler.
func (s *Server) do(ctx context.Context, fn func()) error {
	if s.engine == nil {
		return status.Error(codes.Unavailable, "session engine not attached")
	}
	if err := s.engine.Do(ctx, fn); err != nil {
		return toStatus(err)
	}
	return nil
}

func (s *Server) action(ctx context.Context, fn func() error) (*emptypb.Empty, error) {
	var actErr error
	if err := s.do(ctx, func() { actErr = fn() }); err != nil {
		return nil, err
	}
	if actErr != nil {
		return nil, toStatus(actErr)
	}
	return &emptypb.Empty{}, nil
}

// toStatus maps engine errors to gRPC status codes.
func toStatus(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return status.FromContextError(err).Err()
	case errors.Is(err, registry.ErrFitNotFound), errors.Is(err, types.ErrSchedulingConflict):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, types.ErrInvalidFitInput), errors.Is(err, fitmodel.ErrUnknownModel):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, session.ErrNoHistogram), errors.Is(err, session.ErrClosed),
		errors.Is(err, types.ErrBackendFitFailure):
		return status.Error(codes.FailedPrecondition, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// fitToMap is the Struct shape of a fit.
func fitToMap(rec types.FitRecord) map[string]any {
	m := map[string]any{
		"id":         float64(rec.ID),
		"name":       rec.DisplayName(),
		"model":      string(rec.Model),
		"state":      string(rec.Status),
		"status":     resultcache.StatusLabel(rec),
		"center":     rec.Region.Center,
		"half_width": rec.Region.HalfWidth,
		"epoch":      float64(rec.Epoch),
		"options":    rec.ExecutionOptions,
		"error":      rec.LastError,
		"summary":    resultcache.FormatLong(rec),
	}

	names := resultcache.ParamNames(rec)
	params := make([]any, 0, len(names))
	for i, name := range names {
		p := map[string]any{"name": name, "seed": nil, "value": nil, "error": nil}
		if i < len(rec.InitialParameters) {
			p["seed"] = number(rec.InitialParameters[i])
		}
		if i < len(rec.FixedFlags) {
			p["fixed"] = rec.FixedFlags[i]
		}
		if res := rec.CachedResult; res != nil {
			if i < len(res.ParameterValues) {
				p["value"] = number(res.ParameterValues[i])
			}
			if i < len(res.ParameterErrors) {
				p["error"] = number(res.ParameterErrors[i])
			}
		}
		params = append(params, p)
	}
	m["parameters"] = params

	if res := rec.CachedResult; res != nil {
		m["chi_square"] = optNumber(res.ChiSquare)
		m["reduced_chi_square"] = optNumber(res.ReducedChiSquare)
		if res.DegreesOfFreedom != nil {
			m["ndf"] = float64(*res.DegreesOfFreedom)
		}
		m["fwhm"] = optNumber(res.Derived.FWHM)
		m["area"] = optNumber(res.Derived.Area)
	}
	if rec.PeakOrigin != nil {
		m["peak_energy"] = rec.PeakOrigin.Energy
		m["peak_source"] = string(rec.PeakOrigin.Provenance)
	}
	return m
}

func number(v float64) any {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return v
}

func optNumber(v *float64) any {
	if v == nil {
		return nil
	}
	return number(*v)
}

func numberField(fields map[string]*structpb.Value, name string) (float64, bool) {
	v, ok := fields[name].GetKind().(*structpb.Value_NumberValue)
	if !ok {
		return 0, false
	}
	return v.NumberValue, true
}

func newStruct(m map[string]any) (*structpb.Struct, error) {
	st, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Error(codes.Internal, fmt.Sprintf("encode fit: %v", err))
	}
	return st, nil
}
