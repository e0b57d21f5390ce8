package capsule_test

import (
	"testing"

	"capsule-go/internal/capsule"
	"capsule-go/internal/testutil"
)

func TestChangeDetector_Decide(t *testing.T) {
	stored := &capsule.Fingerprint{NodeID: "p1", LastEdited: t1, ContentHash: "sha256:aa"}

	tests := []struct {
		name string
		node capsule.Node
		prev *capsule.Fingerprint
		full bool
		want capsule.Action
	}{
		{"never seen", testutil.Page("p1", "", t1), nil, false, capsule.ActionRefresh},
		{"never seen full", testutil.Page("p1", "", t1), nil, true, capsule.ActionRefresh},
		{"unchanged timestamp", testutil.Page("p1", "", t1), stored, false, capsule.ActionSkip},
		{"unchanged timestamp full", testutil.Page("p1", "", t1), stored, true, capsule.ActionRefresh},
		{"changed timestamp", testutil.Page("p1", "", t2), stored, false, capsule.ActionVerify},
		{"same instant other zone", testutil.Page("p1", "", t1.In(testZone(t))), stored, false, capsule.ActionSkip},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := capsule.ChangeDetector{}.Decide(tt.node, tt.prev, tt.full)
			if got.Action != tt.want {
				t.Errorf("Decide() = %s (%s), want %s", got.Action, got.Reason, tt.want)
			}
		})
	}
}

func TestChangeDetector_Confirm(t *testing.T) {
	prev := &capsule.Fingerprint{ContentHash: "sha256:aa"}
	d := capsule.ChangeDetector{}

	if got := d.Confirm(prev, "sha256:aa").Action; got != capsule.ActionTouch {
		t.Errorf("Confirm(equal) = %s, want touch", got)
	}
	if got := d.Confirm(prev, "sha256:bb").Action; got != capsule.ActionRefresh {
		t.Errorf("Confirm(different) = %s, want refresh", got)
	}
	if got := d.Confirm(nil, "sha256:aa").Action; got != capsule.ActionRefresh {
		t.Errorf("Confirm(nil) = %s, want refresh", got)
	}
}
