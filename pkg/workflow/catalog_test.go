package workflow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultCatalogCoversEveryPhase(t *testing.T) {
	c := NewDefaultCatalog()

	for _, p := range AllPhases() {
		tmpl, ok := c.Template(p)
		require.True(t, ok, "phase %s", p)

		var approvals, bookkeeping int
		for _, s := range tmpl.Steps {
			if s.PhaseApproval {
				approvals++
				assert.Equal(t, StepHuman, s.Kind, "%s: approval must be a human step", p)
				assert.NotEmpty(t, s.Role)
			}
			if s.Bookkeeping {
				bookkeeping++
			}
			if s.Kind == StepHuman {
				assert.Greater(t, s.SLADeadline, time.Duration(0), "%s/%s: human steps carry a deadline", p, s.Name)
			}
		}
		assert.Equal(t, 1, approvals, "phase %s has exactly one approval gate", p)
		assert.Equal(t, 2, bookkeeping, "phase %s has start and complete records", p)
	}
}

func TestDefaultCatalogProviderAssignments(t *testing.T) {
	c := NewDefaultCatalog()
	tmpl, _ := c.Template(PhaseDataProviderID)

	assignments := 0
	for _, s := range tmpl.Steps {
		if s.Assignment {
			assignments++
			assert.True(t, s.Independent, "assignments resolve in any order")
			assert.Equal(t, RoleCDO, s.Role)
		}
	}
	assert.Equal(t, 3, assignments)
}

func TestCatalogMaterializeStampsFreshRecords(t *testing.T) {
	c := NewDefaultCatalog()

	first, err := c.Materialize("inst-1", PhasePlanning)
	require.NoError(t, err)
	second, err := c.Materialize("inst-2", PhasePlanning)
	require.NoError(t, err)

	require.Equal(t, len(first), len(second))
	for i := range first {
		assert.NotEmpty(t, first[i].ID)
		assert.NotEqual(t, first[i].ID, second[i].ID)
		assert.Equal(t, "inst-1", first[i].InstanceID)
		assert.Equal(t, StepPending, first[i].Status)
		assert.Equal(t, first[i].Name, second[i].Name)
	}

	_, err = c.Materialize("inst-1", Phase("NoSuchPhase"))
	require.Error(t, err)
}

func TestCatalogSetSLADeadlineDoesNotMutateIssuedRecords(t *testing.T) {
	c := NewDefaultCatalog()

	before, err := c.Materialize("inst-1", PhaseScoping)
	require.NoError(t, err)

	c.SetSLADeadline(4 * time.Hour)

	after, err := c.Materialize("inst-1", PhaseScoping)
	require.NoError(t, err)

	for i := range before {
		if before[i].Kind != StepHuman {
			continue
		}
		// Already-issued records keep their original deadline.
		assert.Equal(t, DefaultSLADeadline, before[i].SLADeadline, before[i].Name)
		assert.Equal(t, 4*time.Hour, after[i].SLADeadline, after[i].Name)
	}
}
