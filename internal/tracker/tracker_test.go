package tracker

import (
	"context"
	"testing"
	"time"
)

func TestAddMembersClear(t *testing.T) {
	tr := NewMemoryTracker()
	ctx := context.Background()

	if err := tr.Add(ctx, "r1", "d1", time.Minute); err != nil {
		t.Fatal(err)
	}
	if err := tr.Add(ctx, "r1", "d2", time.Minute); err != nil {
		t.Fatal(err)
	}
	if err := tr.Add(ctx, "r2", "d3", time.Minute); err != nil {
		t.Fatal(err)
	}

	members, err := tr.Members(ctx, "r1")
	if err != nil {
		t.Fatal(err)
	}
	if len(members) != 2 || !members["d1"] || !members["d2"] {
		t.Fatalf("members = %v, want d1,d2", members)
	}

	if err := tr.Clear(ctx, "r1"); err != nil {
		t.Fatal(err)
	}
	members, _ = tr.Members(ctx, "r1")
	if len(members) != 0 {
		t.Fatalf("members after clear = %v, want empty", members)
	}
	other, _ := tr.Members(ctx, "r2")
	if !other["d3"] {
		t.Fatal("clear of r1 touched r2")
	}
}

func TestEntriesExpire(t *testing.T) {
	tr := NewMemoryTracker()
	ctx := context.Background()

	if err := tr.Add(ctx, "r1", "d1", time.Millisecond); err != nil {
		t.Fatal(err)
	}
	time.Sleep(5 * time.Millisecond)
	members, _ := tr.Members(ctx, "r1")
	if len(members) != 0 {
		t.Fatalf("members = %v, want expired", members)
	}
}
