package plan

import "testing"

func TestHashIgnoresServerAssignedFields(t *testing.T) {
	local := validPlan()
	stored := validPlan()
	stored.ID = "11111111-1111-1111-1111-111111111111"
	stored.Organization = "acme"

	localHash, err := Hash(local)
	if err != nil {
		t.Fatalf("hash failed: %v", err)
	}
	storedHash, err := Hash(stored)
	if err != nil {
		t.Fatalf("hash failed: %v", err)
	}
	if localHash != storedHash {
		t.Error("id and organization should not affect the content hash")
	}
}

func TestHashChangesWithContent(t *testing.T) {
	a := validPlan()
	b := validPlan()
	node := b.Nodes[0].(HTTPRequestNode)
	node.Path = "/health/v2"
	b.Nodes[0] = node

	hashA, err := Hash(a)
	if err != nil {
		t.Fatalf("hash failed: %v", err)
	}
	hashB, err := Hash(b)
	if err != nil {
		t.Fatalf("hash failed: %v", err)
	}
	if hashA == hashB {
		t.Error("different documents produced the same hash")
	}
}

func TestHashIsStable(t *testing.T) {
	p := validPlan()
	first, err := Hash(p)
	if err != nil {
		t.Fatalf("hash failed: %v", err)
	}
	for i := 0; i < 5; i++ {
		again, err := Hash(p)
		if err != nil {
			t.Fatalf("hash failed: %v", err)
		}
		if again != first {
			t.Fatal("hash is not deterministic")
		}
	}
}
