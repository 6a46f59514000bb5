/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package workflow

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// StepSpec declares one step of a phase template. The catalog is static;
// per-instance StepRecords are stamped out from it when a phase starts.
type StepSpec struct {
	Name             string
	Kind             StepKind
	Role             Role
	ApprovalRequired bool
	PhaseApproval    bool
	Bookkeeping      bool
	Assignment       bool
	Independent      bool
	SLADeadline      time.Duration
}

// PhaseTemplate is the declared step list for one phase, in execution order.
// Steps marked Independent may resolve in any order relative to each other,
// but all of them gate the steps that follow.
type PhaseTemplate struct {
	Phase        Phase
	Compensation CompensationStrategy
	Steps        []StepSpec
}

// Catalog holds the phase templates for a testing instance.
type Catalog struct {
	mu        sync.RWMutex
	templates map[Phase]PhaseTemplate
}

// DefaultSLADeadline is applied to human steps whose template does not
// override it.
const DefaultSLADeadline = 24 * time.Hour

// NewDefaultCatalog builds the standard eight-phase testing catalog.
func NewDefaultCatalog() *Catalog {
	c := &Catalog{templates: make(map[Phase]PhaseTemplate)}

	c.add(PhaseTemplate{
		Phase:        PhasePlanning,
		Compensation: CompensationNotify,
		Steps: []StepSpec{
			{Name: "start_phase", Kind: StepAutomatic, Bookkeeping: true},
			{Name: "generate_test_plan", Kind: StepAutomatic},
			// Document upload and attribute import are independently
			// human-gated: either may finish first, both precede the
			// checklist review.
			{Name: "upload_documents", Kind: StepHuman, Role: RoleTester, Independent: true, SLADeadline: DefaultSLADeadline},
			{Name: "import_attributes", Kind: StepHuman, Role: RoleTester, Independent: true, SLADeadline: DefaultSLADeadline},
			{Name: "review_checklist", Kind: StepHuman, Role: RoleTester, ApprovalRequired: true, SLADeadline: DefaultSLADeadline},
			{Name: "manager_plan_approval", Kind: StepHuman, Role: RoleTestManager, PhaseApproval: true, SLADeadline: DefaultSLADeadline},
			{Name: "complete_phase", Kind: StepAutomatic, Bookkeeping: true},
		},
	})

	c.add(PhaseTemplate{
		Phase:        PhaseScoping,
		Compensation: CompensationNotify,
		Steps: []StepSpec{
			{Name: "start_phase", Kind: StepAutomatic, Bookkeeping: true},
			{Name: "generate_recommendations", Kind: StepAutomatic},
			{Name: "tester_scoping_review", Kind: StepHuman, Role: RoleTester, ApprovalRequired: true, SLADeadline: DefaultSLADeadline},
			{Name: "owner_scoping_approval", Kind: StepHuman, Role: RoleReportOwner, PhaseApproval: true, SLADeadline: DefaultSLADeadline},
			{Name: "complete_phase", Kind: StepAutomatic, Bookkeeping: true},
		},
	})

	c.add(PhaseTemplate{
		Phase:        PhaseSampleSelection,
		Compensation: CompensationPartialRollback,
		Steps: []StepSpec{
			{Name: "start_phase", Kind: StepAutomatic, Bookkeeping: true},
			{Name: "generate_samples", Kind: StepAutomatic},
			{Name: "tester_sample_review", Kind: StepHuman, Role: RoleTester, ApprovalRequired: true, SLADeadline: DefaultSLADeadline},
			{Name: "owner_sample_approval", Kind: StepHuman, Role: RoleReportOwner, PhaseApproval: true, SLADeadline: DefaultSLADeadline},
			{Name: "complete_phase", Kind: StepAutomatic, Bookkeeping: true},
		},
	})

	c.add(PhaseTemplate{
		Phase:        PhaseDataProviderID,
		Compensation: CompensationNotify,
		Steps: []StepSpec{
			{Name: "start_phase", Kind: StepAutomatic, Bookkeeping: true},
			{Name: "suggest_providers", Kind: StepAutomatic},
			// One assignment work item per line of business; resolving any
			// one of them makes the phase join-ready for RFI.
			{Name: "assign_provider_lob_retail", Kind: StepHuman, Role: RoleCDO, Assignment: true, Independent: true, SLADeadline: DefaultSLADeadline},
			{Name: "assign_provider_lob_commercial", Kind: StepHuman, Role: RoleCDO, Assignment: true, Independent: true, SLADeadline: DefaultSLADeadline},
			{Name: "assign_provider_lob_treasury", Kind: StepHuman, Role: RoleCDO, Assignment: true, Independent: true, SLADeadline: DefaultSLADeadline},
			{Name: "owner_provider_approval", Kind: StepHuman, Role: RoleReportOwner, PhaseApproval: true, SLADeadline: DefaultSLADeadline},
			{Name: "complete_phase", Kind: StepAutomatic, Bookkeeping: true},
		},
	})

	c.add(PhaseTemplate{
		Phase:        PhaseRequestForInformation,
		Compensation: CompensationNotify,
		Steps: []StepSpec{
			{Name: "start_phase", Kind: StepAutomatic, Bookkeeping: true},
			{Name: "dispatch_rfi_packages", Kind: StepAutomatic},
			{Name: "provider_evidence_upload", Kind: StepHuman, Role: RoleDataProvider, ApprovalRequired: true, SLADeadline: DefaultSLADeadline},
			{Name: "tester_evidence_review", Kind: StepHuman, Role: RoleTester, ApprovalRequired: true, SLADeadline: DefaultSLADeadline},
			{Name: "manager_rfi_approval", Kind: StepHuman, Role: RoleTestManager, PhaseApproval: true, SLADeadline: DefaultSLADeadline},
			{Name: "complete_phase", Kind: StepAutomatic, Bookkeeping: true},
		},
	})

	c.add(PhaseTemplate{
		Phase:        PhaseTestExecution,
		Compensation: CompensationPartialRollback,
		Steps: []StepSpec{
			{Name: "start_phase", Kind: StepAutomatic, Bookkeeping: true},
			{Name: "extract_evidence_values", Kind: StepAutomatic},
			{Name: "execute_test_cases", Kind: StepHuman, Role: RoleTester, ApprovalRequired: true, SLADeadline: 48 * time.Hour},
			{Name: "manager_execution_approval", Kind: StepHuman, Role: RoleTestManager, PhaseApproval: true, SLADeadline: DefaultSLADeadline},
			{Name: "complete_phase", Kind: StepAutomatic, Bookkeeping: true},
		},
	})

	c.add(PhaseTemplate{
		Phase:        PhaseObservations,
		Compensation: CompensationNotify,
		Steps: []StepSpec{
			{Name: "start_phase", Kind: StepAutomatic, Bookkeeping: true},
			{Name: "draft_observations", Kind: StepAutomatic},
			{Name: "owner_observation_response", Kind: StepHuman, Role: RoleReportOwner, ApprovalRequired: true, SLADeadline: DefaultSLADeadline},
			{Name: "manager_observation_approval", Kind: StepHuman, Role: RoleTestManager, PhaseApproval: true, SLADeadline: DefaultSLADeadline},
			{Name: "complete_phase", Kind: StepAutomatic, Bookkeeping: true},
		},
	})

	c.add(PhaseTemplate{
		Phase:        PhaseTestReport,
		Compensation: CompensationRollback,
		Steps: []StepSpec{
			{Name: "start_phase", Kind: StepAutomatic, Bookkeeping: true},
			{Name: "generate_report_draft", Kind: StepAutomatic},
			{Name: "manager_report_review", Kind: StepHuman, Role: RoleTestManager, ApprovalRequired: true, SLADeadline: DefaultSLADeadline},
			{Name: "owner_report_approval", Kind: StepHuman, Role: RoleReportOwner, PhaseApproval: true, SLADeadline: DefaultSLADeadline},
			{Name: "complete_phase", Kind: StepAutomatic, Bookkeeping: true},
		},
	})

	return c
}

func (c *Catalog) add(t PhaseTemplate) {
	c.templates[t.Phase] = t
}

// Template returns the declared template for a phase.
func (c *Catalog) Template(phase Phase) (PhaseTemplate, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.templates[phase]
	return t, ok
}

// CompensationFor returns the statically tagged recovery strategy.
func (c *Catalog) CompensationFor(phase Phase) CompensationStrategy {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if t, ok := c.templates[phase]; ok {
		return t.Compensation
	}
	return CompensationNotify
}

// SetSLADeadline overrides the base deadline for every SLA-monitored human
// step, used when config reload changes SLA settings. Only steps already
// armed with a deadline are affected.
func (c *Catalog) SetSLADeadline(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for phase, t := range c.templates {
		steps := make([]StepSpec, len(t.Steps))
		copy(steps, t.Steps)
		for i := range steps {
			if steps[i].Kind == StepHuman && steps[i].SLADeadline != 0 {
				steps[i].SLADeadline = d
			}
		}
		t.Steps = steps
		c.templates[phase] = t
	}
}

// Materialize stamps out StepRecords for a phase of one instance.
func (c *Catalog) Materialize(instanceID string, phase Phase) ([]*StepRecord, error) {
	t, ok := c.Template(phase)
	if !ok {
		return nil, fmt.Errorf("no template for phase %s", phase)
	}

	steps := make([]*StepRecord, 0, len(t.Steps))
	for _, spec := range t.Steps {
		steps = append(steps, &StepRecord{
			ID:               uuid.New().String(),
			InstanceID:       instanceID,
			Phase:            phase,
			Name:             spec.Name,
			Kind:             spec.Kind,
			Status:           StepPending,
			Role:             spec.Role,
			ApprovalRequired: spec.ApprovalRequired,
			PhaseApproval:    spec.PhaseApproval,
			Bookkeeping:      spec.Bookkeeping,
			Assignment:       spec.Assignment,
			Independent:      spec.Independent,
			SLADeadline:      spec.SLADeadline,
		})
	}
	return steps, nil
}
