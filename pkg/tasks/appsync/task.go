// Copyright 2025 INFN - Istituto Nazionale di Fisica Nucleare
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package appsync implements the reconciliation task: it tracks the
// beamline's IOC and service entities, polls their application objects
// once per cycle, maps the remote state onto the canonical status model,
// and executes queued control actions.
package appsync

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/tiendc/go-deepcopy"
	"github.com/united-manufacturing-hub/expiremap/v2/pkg/expiremap"
	"go.uber.org/zap"

	"github.com/infn-epics/epik8s-beamline-controller/pkg/argocd"
	"github.com/infn-epics/epik8s-beamline-controller/pkg/backoff"
	"github.com/infn-epics/epik8s-beamline-controller/pkg/channel"
	"github.com/infn-epics/epik8s-beamline-controller/pkg/config"
	"github.com/infn-epics/epik8s-beamline-controller/pkg/logger"
	"github.com/infn-epics/epik8s-beamline-controller/pkg/metrics"
	"github.com/infn-epics/epik8s-beamline-controller/pkg/task"
	"github.com/infn-epics/epik8s-beamline-controller/pkg/telemetry"
)

// ModuleName is the identifier this task registers under in the factory.
const ModuleName = "appsync"

const (
	// defaultStatusCacheTTL bounds how stale a last-seen application
	// status may be served when the remote listing fails.
	defaultStatusCacheTTL = 5 * time.Minute

	// pingRetries bounds the connectivity probe during initialization.
	pingRetries = 4
)

// dispatchTarget maps a command channel back to its entity and verb. The
// table is consulted at callback time, not captured at channel creation.
type dispatchTarget struct {
	entity string
	verb   Verb
}

// Task reconciles the tracked entities against the remote application
// objects. Status fields are mutated only by its own cycle; external
// writes reach it exclusively through the action queue.
type Task struct {
	name     string
	cfg      config.TaskConfig
	facility config.FacilityConfig
	reg      *channel.Registry
	log      *zap.SugaredLogger

	argo      argocd.Client
	telemetry telemetry.Client

	queue    *ActionQueue
	governor *Governor
	dispatch map[string]dispatchTarget

	// mu guards entity status and aggregates against concurrent snapshot
	// reads from the channel API.
	mu       sync.RWMutex
	entities map[string]*Entity
	order    []string // insertion order for deterministic cycles

	lastSeen *expiremap.ExpireMap[string, argocd.Application]

	gatewayService string
	gatewayApp     string
}

// New constructs the task from configuration. Remote clients are created
// during Initialize so that connection problems surface as initialization
// errors, not construction panics.
func New(cfg config.TaskConfig, facility config.FacilityConfig, reg *channel.Registry) (task.Task, error) {
	if cfg.AppSync == nil {
		return nil, fmt.Errorf("task %s: missing appsync parameters", cfg.Name)
	}

	return &Task{
		name:     cfg.Name,
		cfg:      cfg,
		facility: facility,
		reg:      reg,
		log:      logger.For(logger.ComponentAppSyncTask).Named(cfg.Name),
		queue:    NewActionQueue(),
		dispatch: make(map[string]dispatchTarget),
		entities: make(map[string]*Entity),
	}, nil
}

// NewWithClients is New with injected remote clients, used by tests and by
// callers that manage client lifecycles themselves.
func NewWithClients(cfg config.TaskConfig, facility config.FacilityConfig, reg *channel.Registry,
	argo argocd.Client, telem telemetry.Client) (*Task, error) {

	t, err := New(cfg, facility, reg)
	if err != nil {
		return nil, err
	}

	concrete := t.(*Task)
	concrete.argo = argo
	concrete.telemetry = telem
	return concrete, nil
}

// Name returns the task name.
func (t *Task) Name() string { return t.name }

// Channels returns the task's channel registry.
func (t *Task) Channels() *channel.Registry { return t.reg }

// Initialize parses the tracked entities out of the facility
// configuration, creates their channels and verifies remote connectivity.
// Configuration errors are permanent: the task refuses to start its loop
// while the process keeps running other tasks.
func (t *Task) Initialize(ctx context.Context) error {
	t.log.Infof("Initializing application reconciliation task")

	params := t.cfg.AppSync

	ttl := params.StatusCacheTTL.AsDuration()
	if ttl <= 0 {
		ttl = defaultStatusCacheTTL
	}
	t.lastSeen = expiremap.NewEx[string, argocd.Application](ttl, ttl)

	t.parseEntities()
	if len(t.order) == 0 {
		t.log.Warnf("No enabled entities found in facility configuration")
	}

	t.createEntityChannels()
	t.createAggregateChannels()

	if t.argo == nil {
		client, err := argocd.NewClient(params.ArgoCD)
		if err != nil {
			return backoff.NewPermanentError(err)
		}
		if err := client.PingWithRetry(ctx, pingRetries); err != nil {
			if argocd.IsUnauthorized(err) {
				return backoff.NewPermanentError(fmt.Errorf("remote credentials rejected: %w", err))
			}
			return backoff.NewTransientError(fmt.Errorf("remote API unreachable: %w", err))
		}
		t.argo = client
	}

	if gw := params.Gateway; gw != nil {
		t.gatewayService = gw.Service
		t.gatewayApp = t.gatewayAppName(gw.Service)
		t.governor = NewGovernor(gw.RestartThreshold, (*time.Duration)(gw.Cooldown))

		if t.telemetry == nil && gw.TelemetryURL != "" {
			telem, err := telemetry.NewClient(gw.TelemetryURL)
			if err != nil {
				return backoff.NewPermanentError(err)
			}
			t.telemetry = telem
		}

		t.reg.MustAdd(ChannelGatewayTotal, channel.TypeInt, int64(0), nil)
		t.reg.MustAdd(ChannelGatewayConnected, channel.TypeInt, int64(0), nil)
		t.reg.MustAdd(ChannelGatewayDisconnected, channel.TypeInt, int64(0), nil)

		if t.governor.Enabled() {
			t.log.Infof("Gateway remediation enabled for %s (threshold=%d, cooldown=%s)",
				gw.Service, *gw.RestartThreshold, gw.Cooldown.AsDuration())
		} else {
			t.log.Infof("Gateway remediation disabled: threshold or cooldown not configured")
		}
	}

	iocs, svcs := t.countByClass()
	t.log.Infof("Monitoring %d IOCs and %d services in namespace %s",
		iocs, svcs, params.ArgoCD.Namespace)

	return nil
}

// Cleanup is invoked once when the task stops.
func (t *Task) Cleanup(ctx context.Context) error {
	t.log.Infof("Cleaning up application reconciliation task")
	return nil
}

// Cycle runs one reconciliation pass. Remote API errors are handled inside
// and never abort the cycle; a panic from a programming error is caught at
// this boundary so the runner can park the task in ERROR while the next
// cycle is still attempted.
func (t *Task) Cycle(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("cycle panic: %v", r)
		}
	}()

	t.refreshStatuses(ctx)
	t.drainActions(ctx)
	t.updateGateway(ctx)
	t.updateMessage()

	return nil
}

// parseEntities builds the tracked entity set from the facility
// configuration. Application identifiers are derived here, once.
func (t *Task) parseEntities() {
	namespace := t.facility.Namespace
	prefix := t.reg.Prefix()

	add := func(name, devgroup string, class Class) {
		e := &Entity{
			Name:     name,
			Class:    class,
			Devgroup: devgroup,
			AppName:  namespace + "-" + name + class.appSuffix(),
			Segment:  channel.EntitySegment(prefix, name),
			status: Status{
				AppStatus:        healthUnknown,
				SyncStatus:       syncUnknown,
				HealthStatus:     healthUnknown,
				LastSyncTime:     NeverSentinel,
				LastHealthChange: NeverSentinel,
			},
			prevHealth: healthUnknown,
		}
		t.entities[name] = e
		t.order = append(t.order, name)
	}

	for _, ioc := range t.facility.EPICS.IOCs {
		if ioc.Disable {
			t.log.Debugf("Skipping disabled IOC: %s", ioc.Name)
			continue
		}
		add(ioc.Name, ioc.Devgroup, ClassIOC)
	}
	for _, svc := range t.facility.EPICS.Services {
		if svc.Disable {
			t.log.Debugf("Skipping disabled service: %s", svc.Name)
			continue
		}
		add(svc.Name, svc.Devgroup, ClassService)
	}
}

// createEntityChannels creates the per-devgroup rosters plus the status
// and command channels of every entity, and fills the dispatch table.
func (t *Task) createEntityChannels() {
	rosters := make(map[string][]string)
	for _, name := range t.order {
		e := t.entities[name]
		if e.Class == ClassIOC {
			group := e.Devgroup
			if group == "" {
				group = "default"
			}
			rosters[group] = append(rosters[group], e.Name)
		}
	}
	for group, names := range rosters {
		chName := "DEVGROUP_" + strings.ToUpper(strings.ReplaceAll(group, "-", "_")) + "_IOCS"
		t.reg.MustAdd(chName, channel.TypeString, strings.Join(names, ","), nil)
		t.log.Infof("Created devgroup roster %s with %d IOCs", chName, len(names))
	}

	for _, name := range t.order {
		e := t.entities[name]

		t.reg.MustAdd(e.Segment+suffixAppStatus, channel.TypeString, e.status.AppStatus, nil)
		t.reg.MustAdd(e.Segment+suffixSyncStatus, channel.TypeInt, SyncValue(e.status.SyncStatus), nil)
		t.reg.MustAdd(e.Segment+suffixHealthStatus, channel.TypeInt, HealthValue(e.status.HealthStatus), nil)
		t.reg.MustAdd(e.Segment+suffixLastSync, channel.TypeString, NeverSentinel, nil)
		t.reg.MustAdd(e.Segment+suffixLastHealth, channel.TypeString, NeverSentinel, nil)

		t.addCommandChannel(e.Segment+suffixStart, e.Name, VerbStart)
		t.addCommandChannel(e.Segment+suffixStop, e.Name, VerbStop)
		t.addCommandChannel(e.Segment+suffixRestart, e.Name, VerbRestart)

		t.log.Debugf("Created channels for entity %s (app %s)", e.Name, e.AppName)
	}
}

// addCommandChannel registers a momentary command channel. The dispatch
// table is consulted when the callback fires, so the closure captures only
// the channel name.
func (t *Task) addCommandChannel(chName, entity string, verb Verb) {
	t.dispatch[chName] = dispatchTarget{entity: entity, verb: verb}
	t.reg.MustAdd(chName, channel.TypeBool, false, func(value any) {
		t.onCommand(chName, value)
	})
}

func (t *Task) createAggregateChannels() {
	for _, name := range []string{
		ChannelTotalIOCs, ChannelHealthyIOCs, ChannelProgressingIOCs, ChannelOtherIOCs,
		ChannelTotalSvcs, ChannelHealthySvcs, ChannelProgressingSvcs, ChannelOtherSvcs,
	} {
		t.reg.MustAdd(name, channel.TypeInt, int64(0), nil)
	}
}

// onCommand handles a write to a momentary command channel: reset the
// button, look up the target, enqueue. Runs on the writer's goroutine and
// never touches the remote API.
func (t *Task) onCommand(chName string, value any) {
	pressed, _ := value.(bool)
	if !pressed {
		return
	}

	// Reset the button immediately so the write is momentary, not a toggle.
	t.reg.Set(chName, false)

	target, ok := t.dispatch[chName]
	if !ok {
		t.log.Warnf("Command write on unknown channel %s", chName)
		return
	}

	action := t.queue.Enqueue(target.entity, target.verb)
	t.log.Infof("Queued %s action for %s (action %s)", action.Verb, action.Entity, action.ID)
}

// refreshStatuses lists the remote applications and updates every tracked
// entity. A listing failure keeps entities on their last-seen status (with
// bounded staleness) instead of flapping to Missing.
func (t *Task) refreshStatuses(ctx context.Context) {
	apps, err := t.argo.ListApplications(ctx)

	var appMap map[string]argocd.Application
	if err != nil {
		t.log.Errorf("Error listing applications: %v", err)
		metrics.IncErrorCount(metrics.ComponentAppSyncTask, t.name)
	} else {
		appMap = make(map[string]argocd.Application, len(apps))
		for _, app := range apps {
			appMap[app.Metadata.Name] = app
			t.lastSeen.Set(app.Metadata.Name, app)
		}
	}

	t.mu.Lock()
	for _, name := range t.order {
		e := t.entities[name]

		var app *argocd.Application
		if appMap != nil {
			if a, ok := appMap[e.AppName]; ok {
				app = &a
			}
		} else if cached, ok := t.lastSeen.Load(e.AppName); ok {
			app = cached
		}

		t.updateEntity(e, app)
	}
	t.updateAggregates()
	t.mu.Unlock()
}

// updateEntity maps one remote object (or its absence) onto the entity's
// canonical status and pushes the result to its channels. Must be called
// with t.mu held.
func (t *Task) updateEntity(e *Entity, app *argocd.Application) {
	if app == nil {
		e.status.AppStatus = healthMissing
		e.status.SyncStatus = syncUnknown
		e.status.HealthStatus = healthMissing
		t.pushEntityChannels(e)
		return
	}

	phase := healthUnknown
	lastSync := ""
	if app.Status.OperationState != nil {
		if app.Status.OperationState.Phase != "" {
			phase = app.Status.OperationState.Phase
		}
		lastSync = app.Status.OperationState.FinishedAt
	}
	e.status.AppStatus = phase

	syncStatus := app.Status.Sync.Status
	if syncStatus == "" {
		syncStatus = syncUnknown
	}
	e.status.SyncStatus = syncStatus

	if lastSync != "" {
		e.status.LastSyncTime = formatRemoteTimestamp(lastSync)
	}

	healthStatus := app.Status.Health.Status
	if healthStatus == "" {
		healthStatus = healthUnknown
	}

	// Health-change detection: the only place a timestamp is generated
	// locally. One stamp per actual transition.
	if healthStatus != e.prevHealth {
		t.log.Infof("Entity %s health changed: %s -> %s", e.Name, e.prevHealth, healthStatus)
		e.prevHealth = healthStatus
		e.status.LastHealthChange = time.Now().Format(displayTimeFormat)
	}
	e.status.HealthStatus = healthStatus

	t.pushEntityChannels(e)
}

// pushEntityChannels writes the entity's status to its channels and
// records the per-entity metrics.
func (t *Task) pushEntityChannels(e *Entity) {
	t.reg.Set(e.Segment+suffixAppStatus, e.status.AppStatus)
	t.reg.Set(e.Segment+suffixSyncStatus, SyncValue(e.status.SyncStatus))
	t.reg.Set(e.Segment+suffixHealthStatus, HealthValue(e.status.HealthStatus))
	t.reg.Set(e.Segment+suffixLastSync, e.status.LastSyncTime)
	t.reg.Set(e.Segment+suffixLastHealth, e.status.LastHealthChange)

	metrics.SetEntitySyncState(t.name, e.Name, int(SyncValue(e.status.SyncStatus)))
	metrics.SetEntityHealthState(t.name, e.Name, int(HealthValue(e.status.HealthStatus)))
}

// updateAggregates recomputes the per-class counters. Must be called with
// t.mu held.
func (t *Task) updateAggregates() {
	var totals, healthy, progressing, other [2]int64

	for _, name := range t.order {
		e := t.entities[name]
		idx := 0
		if e.Class == ClassService {
			idx = 1
		}

		totals[idx]++
		switch e.status.HealthStatus {
		case healthHealthy:
			healthy[idx]++
		case healthProgressing:
			progressing[idx]++
		default:
			other[idx]++
		}
	}

	t.reg.Set(ChannelTotalIOCs, totals[0])
	t.reg.Set(ChannelHealthyIOCs, healthy[0])
	t.reg.Set(ChannelProgressingIOCs, progressing[0])
	t.reg.Set(ChannelOtherIOCs, other[0])
	t.reg.Set(ChannelTotalSvcs, totals[1])
	t.reg.Set(ChannelHealthySvcs, healthy[1])
	t.reg.Set(ChannelProgressingSvcs, progressing[1])
	t.reg.Set(ChannelOtherSvcs, other[1])
}

// drainActions swaps out the queued control actions and executes them.
// After any action ran, one extra status refresh pass follows so operators
// see the result within about a second instead of a full poll period.
func (t *Task) drainActions(ctx context.Context) {
	actions := t.queue.Drain()
	if len(actions) == 0 {
		return
	}

	for _, action := range actions {
		t.execute(ctx, action)
	}

	t.refreshStatuses(ctx)
}

// execute performs one control action. Verb handlers log success or
// failure but never raise past this call site: a failed mutation is
// reported, not retried, and the next poll reflects the true remote state.
func (t *Task) execute(ctx context.Context, action Action) {
	e, ok := t.entities[action.Entity]
	if !ok {
		t.log.Warnf("Dropping action %s for unknown entity %s", action.ID, action.Entity)
		return
	}

	t.log.Infof("Processing %s for %s (app %s, action %s)", action.Verb, e.Name, e.AppName, action.ID)

	var err error
	switch action.Verb {
	case VerbStart:
		err = t.argo.SyncApplication(ctx, e.AppName)
	case VerbStop:
		err = t.stop(ctx, e)
	case VerbRestart:
		err = t.restart(ctx, e.AppName)
	default:
		t.log.Warnf("Unknown verb %s in action %s", action.Verb, action.ID)
		return
	}

	if err != nil {
		t.log.Errorf("Error executing %s for %s: %v", action.Verb, e.Name, err)
		metrics.IncControlAction(string(action.Verb), "failure")
		return
	}

	t.log.Infof("Executed %s for %s", action.Verb, e.Name)
	metrics.IncControlAction(string(action.Verb), "success")
}

// stop applies the per-class STOP discipline: IOCs are suspended by
// clearing the automated-sync policy so they stay deployed but frozen;
// services are disposable and get deleted, their controller recreates
// them on the next START.
func (t *Task) stop(ctx context.Context, e *Entity) error {
	if e.Class == ClassService {
		return t.argo.DeleteApplication(ctx, e.AppName)
	}
	return t.argo.SuspendApplication(ctx, e.AppName)
}

// restart is a best-effort delete followed by an unconditional sync. A
// missing object on delete is expected and swallowed.
func (t *Task) restart(ctx context.Context, appName string) error {
	if err := t.argo.DeleteApplication(ctx, appName); err != nil && !argocd.IsNotFound(err) {
		t.log.Warnf("Delete during restart of %s failed: %v", appName, err)
	}

	return t.argo.SyncApplication(ctx, appName)
}

// updateGateway fetches the gateway telemetry, publishes the observation
// and feeds the remediation governor.
func (t *Task) updateGateway(ctx context.Context) {
	if t.telemetry == nil || t.gatewayService == "" {
		return
	}

	counts, err := t.telemetry.Counts(ctx, t.gatewayService)
	if err != nil {
		t.log.Errorf("Error reading gateway telemetry: %v", err)
		metrics.IncErrorCount(metrics.ComponentAppSyncTask, t.name)
		return
	}

	t.reg.Set(ChannelGatewayTotal, int64(counts.Total))
	t.reg.Set(ChannelGatewayConnected, int64(counts.Connected))
	t.reg.Set(ChannelGatewayDisconnected, int64(counts.Disconnected))

	if t.governor != nil && t.governor.Observe(counts.Connected, counts.Disconnected) {
		if err := t.restart(ctx, t.gatewayApp); err != nil {
			t.log.Errorf("Gateway remediation restart failed: %v", err)
			metrics.IncControlAction(string(VerbRestart), "failure")
			return
		}
		t.log.Warnf("Gateway %s restarted by remediation governor", t.gatewayService)
		metrics.IncControlAction(string(VerbRestart), "success")
	}
}

// gatewayAppName resolves the gateway's application identifier: the
// tracked service entity if present, the service-class derivation if not.
func (t *Task) gatewayAppName(service string) string {
	if e, ok := t.entities[service]; ok {
		return e.AppName
	}
	return t.facility.Namespace + "-" + service + ClassService.appSuffix()
}

// updateMessage composes the one-line cycle summary.
func (t *Task) updateMessage() {
	t.mu.RLock()
	var iocs, svcs, healthy int
	for _, name := range t.order {
		e := t.entities[name]
		if e.Class == ClassIOC {
			iocs++
		} else {
			svcs++
		}
		if e.status.HealthStatus == healthHealthy {
			healthy++
		}
	}
	t.mu.RUnlock()

	msg := fmt.Sprintf("%d IOCs, %d services, %d healthy", iocs, svcs, healthy)
	t.reg.Set(task.ChannelMessage, task.TruncateMessage(msg))
}

// countByClass returns the number of tracked IOCs and services.
func (t *Task) countByClass() (iocs, svcs int) {
	for _, name := range t.order {
		if t.entities[name].Class == ClassService {
			svcs++
		} else {
			iocs++
		}
	}
	return iocs, svcs
}

// StatusSnapshot returns a detached copy of every entity's status for
// external consumers (the channel API). Thread-safe.
func (t *Task) StatusSnapshot() []Snapshot {
	t.mu.RLock()
	src := make([]Snapshot, 0, len(t.order))
	for _, name := range t.order {
		e := t.entities[name]
		src = append(src, Snapshot{
			Name:     e.Name,
			Class:    e.Class.String(),
			Devgroup: e.Devgroup,
			AppName:  e.AppName,
			Status:   e.status,
		})
	}
	t.mu.RUnlock()

	var out []Snapshot
	if err := deepcopy.Copy(&out, &src); err != nil {
		t.log.Errorf("Failed to copy status snapshot: %v", err)
		return src
	}
	return out
}
