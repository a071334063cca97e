package models

import (
	"testing"
	"time"
)

func TestJobStateTransitions(t *testing.T) {
	cases := []struct {
		from, to JobState
		ok       bool
	}{
		{JobQueued, JobActive, true},
		{JobQueued, JobFailed, true},
		{JobQueued, JobCompleted, false},
		{JobActive, JobCompleted, true},
		{JobActive, JobFailed, true},
		{JobActive, JobQueued, false},
		{JobCompleted, JobFailed, false},
		{JobFailed, JobActive, false},
	}
	for _, c := range cases {
		if got := c.from.CanTransition(c.to); got != c.ok {
			t.Errorf("%s -> %s = %v, want %v", c.from, c.to, got, c.ok)
		}
	}
}

func TestJobCloneIsDeep(t *testing.T) {
	now := time.Now()
	j := &Job{ID: "a", State: JobActive, StartedAt: &now, Error: &JobError{Kind: "x"}}
	c := j.Clone()
	*c.StartedAt = now.Add(time.Hour)
	c.Error.Kind = "y"
	if !j.StartedAt.Equal(now) || j.Error.Kind != "x" {
		t.Fatal("Clone shares pointers with the original")
	}
}
