package softap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/chaz8081/wifiprov/internal/metrics"
	"github.com/chaz8081/wifiprov/internal/wifi"
)

// Stage is one step of SoftAP provisioning.
type Stage string

const (
	StageJoin     Stage = "join_softap"
	StageDiscover Stage = "discover"
	StageNetworks Stage = "fetch_networks"
	StageConfig   Stage = "configure"
	StageLeave    Stage = "leave_softap"
	StageVerify   Stage = "verify"
)

// Stages lists the pipeline in execution order.
var Stages = []Stage{StageJoin, StageDiscover, StageNetworks, StageConfig, StageLeave, StageVerify}

// StageStatus is the progress of a stage.
type StageStatus int

const (
	StatusPending StageStatus = iota
	StatusRunning
	StatusDone
	StatusFailed
	StatusSkipped
)

func (s StageStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusRunning:
		return "running"
	case StatusDone:
		return "done"
	case StatusFailed:
		return "failed"
	case StatusSkipped:
		return "skipped"
	}
	return fmt.Sprintf("StageStatus(%d)", int(s))
}

// StageEvent reports a stage status change.
type StageEvent struct {
	Stage  Stage
	Status StageStatus
	Err    error // set for StatusFailed
}

// PipelineConfig configures a SoftAP provisioning run.
type PipelineConfig struct {
	SoftAPSSID string
	Query      Query
	Client     ClientOptions
	Target     wifi.Target

	DiscoveryTimeout time.Duration // per mDNS lookup
	VerifyTimeout    time.Duration // overall wait for the device on the target network
	VerifyInterval   time.Duration // minimum spacing between verify lookups
	SkipVerify       bool

	Metrics *metrics.Recorder
	OnStage func(StageEvent)
}

// Result is what a pipeline run learned, also on failure.
type Result struct {
	Endpoint Endpoint // device service on the SoftAP
	Networks *wifi.AccessPointList
	Network  wifi.AccessPoint // network the device was configured for
	Verified *Endpoint        // device service on the target network
	Status   map[Stage]StageStatus
}

// Pipeline runs SoftAP provisioning stage by stage.
type Pipeline struct {
	joiner  Joiner
	browser Browser
	cfg     PipelineConfig
}

// NewPipeline creates a pipeline. Zero timeouts get defaults.
func NewPipeline(joiner Joiner, browser Browser, cfg PipelineConfig) *Pipeline {
	if cfg.DiscoveryTimeout <= 0 {
		cfg.DiscoveryTimeout = 10 * time.Second
	}
	if cfg.VerifyTimeout <= 0 {
		cfg.VerifyTimeout = 60 * time.Second
	}
	if cfg.VerifyInterval <= 0 {
		cfg.VerifyInterval = 2 * time.Second
	}
	return &Pipeline{joiner: joiner, browser: browser, cfg: cfg}
}

// run is the state of one Run call.
type run struct {
	p      *Pipeline
	res    *Result
	client *Client
}

// Run executes all stages. The first failing stage stops the run and later
// stages are skipped, except that the SoftAP is always left once joined. The
// returned error is a *StageError for the first failure; the Result holds
// everything gathered up to that point.
func (p *Pipeline) Run(ctx context.Context) (*Result, error) {
	r := &run{p: p, res: &Result{Status: make(map[Stage]StageStatus, len(Stages))}}
	for _, st := range Stages {
		r.res.Status[st] = StatusPending
	}

	rec := p.cfg.Metrics
	rec.ProvisionStarted(metrics.TransportSoftAP)

	var first *StageError
	joined := false
	for _, st := range Stages {
		if first != nil && !(st == StageLeave && joined) {
			r.report(st, StatusSkipped, nil)
			continue
		}
		if st == StageVerify && p.cfg.SkipVerify {
			r.report(st, StatusSkipped, nil)
			continue
		}

		r.report(st, StatusRunning, nil)
		err := r.stage(ctx, st)
		if err != nil {
			r.report(st, StatusFailed, err)
			if first == nil {
				first = &StageError{Stage: st, Err: err}
			} else {
				slog.Warn("[SoftAP] cleanup stage failed", "stage", st, "error", err)
			}
			continue
		}
		r.report(st, StatusDone, nil)
		if st == StageJoin {
			joined = true
		}
	}

	rec.ProvisionFinished(metrics.TransportSoftAP, r.outcome(first))
	if first != nil {
		return r.res, first
	}
	return r.res, nil
}

func (r *run) report(st Stage, status StageStatus, err error) {
	r.res.Status[st] = status
	if status != StatusRunning && status != StatusPending {
		r.p.cfg.Metrics.Stage(string(st), status.String())
	}
	if status == StatusFailed {
		slog.Error("[SoftAP] stage failed", "stage", st, "error", err)
	} else {
		slog.Debug("[SoftAP] stage", "stage", st, "status", status)
	}
	if r.p.cfg.OnStage != nil {
		r.p.cfg.OnStage(StageEvent{Stage: st, Status: status, Err: err})
	}
}

func (r *run) outcome(first *StageError) string {
	switch {
	case first != nil:
		return string(first.Stage) + "_failed"
	case r.res.Verified != nil:
		return "verified"
	}
	return "configured"
}

func (r *run) stage(ctx context.Context, st Stage) error {
	cfg := r.p.cfg
	switch st {
	case StageJoin:
		return r.p.joiner.Join(ctx, cfg.SoftAPSSID)

	case StageDiscover:
		dctx, cancel := context.WithTimeout(ctx, cfg.DiscoveryTimeout)
		defer cancel()
		ep, err := r.p.browser.Browse(dctx, cfg.Query)
		if err != nil {
			return err
		}
		r.res.Endpoint = ep
		r.client, err = NewClient(ep, cfg.Client)
		return err

	case StageNetworks:
		list, err := r.client.Networks(ctx)
		if err != nil {
			return err
		}
		r.res.Networks = list
		slog.Info("[SoftAP] device reported networks", "count", list.Len())
		return nil

	case StageConfig:
		wcfg, ap, err := cfg.Target.Resolve(r.res.Networks)
		if err != nil {
			return err
		}
		if err := r.client.Configure(ctx, wcfg); err != nil {
			return err
		}
		r.res.Network = ap
		slog.Info("[SoftAP] configuration accepted", "ssid", ap.SSID, "bssid", ap.BSSID)
		return nil

	case StageLeave:
		// Leaving must work after the caller's context ends.
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.DiscoveryTimeout)
		defer cancel()
		return r.p.joiner.Leave(lctx)

	case StageVerify:
		return r.verify(ctx)
	}
	return fmt.Errorf("softap: unknown stage %q", st)
}

// verify waits for the device to advertise its service on the target
// network, spacing lookups by VerifyInterval.
func (r *run) verify(ctx context.Context) error {
	cfg := r.p.cfg
	vctx, cancel := context.WithTimeout(ctx, cfg.VerifyTimeout)
	defer cancel()

	limiter := rate.NewLimiter(rate.Every(cfg.VerifyInterval), 1)
	for attempt := 1; ; attempt++ {
		if err := limiter.Wait(vctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("device did not reappear on %q: %w", cfg.Target.SSID, ErrDeviceNotFound)
		}
		lctx, lcancel := context.WithTimeout(vctx, cfg.DiscoveryTimeout)
		ep, err := r.p.browser.Browse(lctx, cfg.Query)
		lcancel()
		if err == nil {
			r.res.Verified = &ep
			slog.Info("[SoftAP] device reachable on target network", "addr", ep.Addr(), "attempt", attempt)
			return nil
		}
		if !errors.Is(err, ErrDeviceNotFound) {
			return err
		}
		slog.Debug("[SoftAP] device not visible yet", "attempt", attempt)
	}
}
