package assign

import (
	"context"
	"errors"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"

	"abinsight/internal/bucket"
	"abinsight/internal/db"
	"abinsight/internal/targeting"
)

// AssignmentVersion is the schema version stamped on newly created
// assignment rows and reported on resolution responses.
const AssignmentVersion = 1

// ExperimentSource provides the currently active experiments. The
// production implementation is db.ExperimentStore, optionally wrapped by
// the redis cache.
type ExperimentSource interface {
	Active(ctx context.Context) ([]db.Experiment, error)
}

// AssignmentAccess is the narrow store surface the resolver needs.
type AssignmentAccess interface {
	ForUser(ctx context.Context, anonymousUserID string, experimentIDs []string) ([]db.Assignment, error)
	CreateIfAbsent(ctx context.Context, row *db.Assignment) (*db.Assignment, error)
}

// Request carries the client context for one assignment resolution.
type Request struct {
	AnonymousUserID string
	SessionID       string
	Platform        string
	AppVersion      string
	InstallID       string
}

// AssignedVariant is one (experiment, variant) pairing in a response.
type AssignedVariant struct {
	ExperimentID string `json:"experiment_id"`
	VariantID    string `json:"variant_id"`
	VariantName  string `json:"variant_name"`
}

// Response is the API-shaped resolution result.
type Response struct {
	AssignmentVersion int               `json:"assignment_version"`
	Assignments       []AssignedVariant `json:"assignments"`
	Config            map[string]any    `json:"config"`
}

// Resolver orchestrates bucketing and sticky persistence across all
// eligible experiments for a request.
type Resolver struct {
	experiments ExperimentSource
	assignments AssignmentAccess
	log         *zap.Logger
}

// NewResolver wires a resolver over the given stores.
func NewResolver(experiments ExperimentSource, assignments AssignmentAccess, log *zap.Logger) *Resolver {
	return &Resolver{experiments: experiments, assignments: assignments, log: log}
}

// Resolve returns the user's variant for every eligible experiment plus
// the merged client configuration. Existing assignments are reused
// without writes; missing ones are selected deterministically and
// persisted with an insert-if-absent so concurrent first requests
// converge on a single row. A storage error aborts the whole resolution;
// callers retry the entire request.
func (r *Resolver) Resolve(ctx context.Context, req Request) (*Response, error) {
	now := time.Now().UTC()

	active, err := r.experiments.Active(ctx)
	if err != nil {
		return nil, err
	}

	eligible := make([]db.Experiment, 0, len(active))
	for _, exp := range active {
		if !experimentLive(exp, now) {
			continue
		}
		if len(exp.Variants) == 0 {
			continue
		}
		if !targeting.Matches(exp.Targeting, targeting.Context{Platform: req.Platform, AppVersion: req.AppVersion}) {
			continue
		}
		eligible = append(eligible, exp)
	}
	// Canonical experiment order fixes the config merge order downstream.
	sort.Slice(eligible, func(i, j int) bool { return eligible[i].ExperimentID < eligible[j].ExperimentID })

	if len(eligible) == 0 {
		return &Response{
			AssignmentVersion: AssignmentVersion,
			Assignments:       []AssignedVariant{},
			Config:            BaselineConfig(),
		}, nil
	}

	experimentIDs := make([]string, len(eligible))
	for i, exp := range eligible {
		experimentIDs[i] = exp.ExperimentID
	}

	existing, err := r.assignments.ForUser(ctx, req.AnonymousUserID, experimentIDs)
	if err != nil {
		return nil, err
	}
	existingByExperiment := make(map[string]db.Assignment, len(existing))
	for _, row := range existing {
		existingByExperiment[row.ExperimentID] = row
	}

	// Per-experiment resolution has no ordering dependency; run it
	// concurrently and fold results back in the sorted order.
	resolved := make([]*db.Variant, len(eligible))
	group, groupCtx := errgroup.WithContext(ctx)
	for i := range eligible {
		i := i
		group.Go(func() error {
			exp := eligible[i]
			prior, hasPrior := existingByExperiment[exp.ExperimentID]
			variant, err := r.resolveOne(groupCtx, req, exp, prior, hasPrior)
			if errors.Is(err, bucket.ErrNoEligibleVariants) {
				// Misconfigured experiment; skip it without failing siblings.
				r.log.Warn("experiment has no selectable variants",
					zap.String("experiment_id", exp.ExperimentID))
				return nil
			}
			if err != nil {
				return err
			}
			resolved[i] = variant
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}

	assignments := make([]AssignedVariant, 0, len(eligible))
	config := BaselineConfig()
	for i, exp := range eligible {
		variant := resolved[i]
		if variant == nil {
			continue
		}
		assignments = append(assignments, AssignedVariant{
			ExperimentID: exp.ExperimentID,
			VariantID:    variant.VariantID,
			VariantName:  variant.VariantName,
		})
		config = DeepMerge(config, variant.Config)
	}

	return &Response{
		AssignmentVersion: AssignmentVersion,
		Assignments:       assignments,
		Config:            config,
	}, nil
}

// resolveOne reuses a valid existing assignment, or selects and persists
// a new one. When the conditional insert loses a race, the persisted
// row's variant wins and the locally selected one is discarded.
func (r *Resolver) resolveOne(ctx context.Context, req Request, exp db.Experiment, prior db.Assignment, hasPrior bool) (*db.Variant, error) {
	variantsByID := make(map[string]*db.Variant, len(exp.Variants))
	for i := range exp.Variants {
		variantsByID[exp.Variants[i].VariantID] = &exp.Variants[i]
	}

	if hasPrior {
		if variant, ok := variantsByID[prior.VariantID]; ok {
			return variant, nil
		}
		// The persisted variant no longer exists on the experiment; fall
		// through and re-select. The insert below will return the stale
		// row again, so keep the freshly selected variant in that case.
	}

	weighted := make([]bucket.Weighted, len(exp.Variants))
	for i, v := range exp.Variants {
		weighted[i] = bucket.Weighted{VariantID: v.VariantID, Weight: v.Weight}
	}
	selected, err := bucket.SelectWeighted(req.AnonymousUserID+":"+exp.ExperimentID, weighted)
	if err != nil {
		return nil, err
	}

	persisted, err := r.assignments.CreateIfAbsent(ctx, &db.Assignment{
		AnonymousUserID:   req.AnonymousUserID,
		ExperimentID:      exp.ExperimentID,
		VariantID:         selected.VariantID,
		AssignmentVersion: AssignmentVersion,
		Context:           assignmentContext(req),
	})
	if err != nil {
		return nil, err
	}

	if variant, ok := variantsByID[persisted.VariantID]; ok {
		return variant, nil
	}
	return variantsByID[selected.VariantID], nil
}

func experimentLive(exp db.Experiment, now time.Time) bool {
	if exp.Status != db.ExperimentStatusRunning {
		return false
	}
	if exp.StartAt != nil && exp.StartAt.After(now) {
		return false
	}
	if exp.EndAt != nil && exp.EndAt.Before(now) {
		return false
	}
	return true
}

func assignmentContext(req Request) datatypes.JSONMap {
	return datatypes.JSONMap{
		"session_id":  nullable(req.SessionID),
		"platform":    nullable(req.Platform),
		"app_version": nullable(req.AppVersion),
		"install_id":  nullable(req.InstallID),
	}
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
