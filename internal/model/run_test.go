package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRunStatus_Terminal(t *testing.T) {
	assert.False(t, RunStatusRunning.Terminal())
	assert.True(t, RunStatusCompleted.Terminal())
	assert.True(t, RunStatusCancelled.Terminal())
	assert.True(t, RunStatusFailed.Terminal())
}

func TestItemOutcome_Contribution(t *testing.T) {
	tests := []struct {
		name    string
		outcome ItemOutcome
		want    Contribution
	}{
		{
			name:    "completed counts transactions",
			outcome: ItemOutcome{Status: OutcomeCompleted, TransactionIDs: []string{"a", "b"}},
			want:    Contribution{Processed: 1, Transactions: 2},
		},
		{
			name:    "informational",
			outcome: ItemOutcome{Status: OutcomeInformational},
			want:    Contribution{Processed: 1, Informational: 1},
		},
		{
			name:    "evidence only counts as processed",
			outcome: ItemOutcome{Status: OutcomeEvidence},
			want:    Contribution{Processed: 1},
		},
		{
			name:    "failed",
			outcome: ItemOutcome{Status: OutcomeFailed, ErrorKind: ErrorKindAPI},
			want:    Contribution{Processed: 1, Errors: 1},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.outcome.Contribution())
		})
	}
}

func TestCounters_Add(t *testing.T) {
	var c Counters
	c = c.Add(Contribution{Processed: 1, Transactions: 2})
	c = c.Add(Contribution{Processed: 1, Informational: 1})
	c = c.Add(Contribution{Processed: 1, Errors: 1})

	assert.Equal(t, Counters{EmailsProcessed: 3, TransactionsCreated: 2, InformationalCount: 1, ErrorCount: 1}, c)
}

func TestRun_Done(t *testing.T) {
	r := &Run{TargetTotal: 2}
	assert.False(t, r.Done())
	r.Counters.EmailsProcessed = 2
	assert.True(t, r.Done())

	empty := &Run{}
	assert.True(t, empty.Done())
}
