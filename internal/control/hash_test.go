package control

import "testing"

// TestKnownVerbHashesStable exercises spec §8's testable property: the
// precomputed hash table and a fresh runtime hash of the same lowercase
// verb always agree.
func TestKnownVerbHashesStable(t *testing.T) {
	for _, v := range knownVerbs {
		h := verbHash(v)
		canon, ok := verbHashTable[h]
		if !ok {
			t.Fatalf("verb %q hash %d missing from table", v, h)
		}
		if canon != v {
			t.Fatalf("verb %q hash %d maps to %q", v, h, canon)
		}
	}
}

func TestVerbHashCaseInsensitive(t *testing.T) {
	if verbHash("START") != verbHash("start") {
		t.Fatal("verbHash should be case-insensitive")
	}
}

func TestUnknownVerbNotInTable(t *testing.T) {
	if _, ok := verbHashTable[verbHash("bogus")]; ok {
		t.Fatal("unexpected hash collision for unknown verb")
	}
}
