package engine_test

import (
	"fmt"
	"sync/atomic"
	"testing"

	"golang.org/x/sync/errgroup"

	"fieldline/internal/apperr"
	"fieldline/internal/domain"
	"fieldline/internal/engine"
)

func TestConcurrentStartsHaveOneWinner(t *testing.T) {
	env := newTestEnv(t)
	task := env.assignedTasks(t, agentX, 1)[0]

	const scopes = 8
	var won, conflicted atomic.Int32
	var g errgroup.Group
	for i := 0; i < scopes; i++ {
		s := scope(fmt.Sprintf("device-%d", i), agentX)
		g.Go(func() error {
			_, err := env.Engine.Start(env.Ctx, s, task.ID)
			switch {
			case err == nil:
				won.Add(1)
			case apperr.Is(err, apperr.KindLeaseConflict):
				conflicted.Add(1)
			default:
				return fmt.Errorf("scope %s: %w", s.ID, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if won.Load() != 1 || conflicted.Load() != scopes-1 {
		t.Fatalf("expected one winner, got won=%d conflicted=%d", won.Load(), conflicted.Load())
	}
	leases, err := env.Engine.Repo.ListLeases(env.Ctx, agentX)
	if err != nil {
		t.Fatal(err)
	}
	if len(leases) != 1 {
		t.Fatalf("expected one lease, got %d", len(leases))
	}
}

func TestConcurrentStartsFromOneScopeStartOneTask(t *testing.T) {
	env := newTestEnv(t)
	tasks := env.assignedTasks(t, agentX, 6)
	s := scope("x-phone", agentX)

	var g errgroup.Group
	for _, task := range tasks {
		id := task.ID
		g.Go(func() error {
			_, err := env.Engine.Start(env.Ctx, s, id)
			if err != nil && !apperr.Is(err, apperr.KindLeaseConflict) {
				return err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	started := 0
	for _, task := range tasks {
		cur, err := env.Engine.Repo.GetTask(env.Ctx, task.ID)
		if err != nil {
			t.Fatal(err)
		}
		if cur.State == domain.TaskStarted {
			started++
		}
	}
	if started != 1 {
		t.Fatalf("expected exactly one STARTED task for the scope, got %d", started)
	}
}

// concurrentAssignments runs several assignment batches into one bucket at
// once and checks the resulting order has no duplicates or gaps.
func concurrentAssignments(t *testing.T, env testEnv) {
	t.Helper()
	const batches, perBatch = 4, 3
	ids := make([][]string, batches)
	for b := range ids {
		for i := 0; i < perBatch; i++ {
			ids[b] = append(ids[b], env.newTask(t, fmt.Sprintf("batch-%d-%d", b, i)).ID)
		}
	}
	var g errgroup.Group
	for _, batch := range ids {
		g.Go(func() error {
			_, err := env.Engine.Assign(env.Ctx, engine.AssignRequest{TaskIDs: batch, AssigneeID: agentX, AssignerID: teamLead})
			return err
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("assign: %v", err)
	}
	all := env.workable(t, "")
	if len(all) != batches*perBatch {
		t.Fatalf("expected %d tasks, got %d", batches*perBatch, len(all))
	}
	assertWorkableOrder(t, all)
}

func TestConcurrentAssignmentsKeepOrderUnique(t *testing.T) {
	concurrentAssignments(t, newTestEnv(t))
}
