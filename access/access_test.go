package access

import (
	"context"
	"testing"
)

func TestWorkspaceAccessControl(t *testing.T) {
	ac := NewWorkspaceAccessControl()
	ac.Grant(1, map[string]string{"ws-owner": "owner", "ws-view": "viewer", "ws-bad": "superuser"})
	ctx := context.Background()

	tests := []struct {
		name      string
		uid       int64
		workspace string
		canRead   bool
		canWrite  bool
	}{
		{"owner", 1, "ws-owner", true, true},
		{"viewer", 1, "ws-view", true, false},
		{"unknown role ignored", 1, "ws-bad", false, false},
		{"no role", 1, "ws-other", false, false},
		{"unknown user", 2, "ws-owner", false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			read, err := ac.CanReadCollab(ctx, tt.workspace, tt.uid, "doc-1")
			if err != nil || read != tt.canRead {
				t.Errorf("CanReadCollab() = %v, %v, want %v", read, err, tt.canRead)
			}
			write, err := ac.CanWriteCollab(ctx, tt.workspace, tt.uid, "doc-1")
			if err != nil || write != tt.canWrite {
				t.Errorf("CanWriteCollab() = %v, %v, want %v", write, err, tt.canWrite)
			}
		})
	}
}

func TestWorkspaceAccessControl_GrantReplacesAndRevoke(t *testing.T) {
	ac := NewWorkspaceAccessControl()
	ctx := context.Background()

	ac.Grant(1, map[string]string{"ws-1": "member"})
	ac.Grant(1, map[string]string{"ws-2": "member"})
	if ok, _ := ac.CanReadCollab(ctx, "ws-1", 1, "doc"); ok {
		t.Error("earlier grant should be replaced")
	}

	ac.Revoke(1)
	if ok, _ := ac.CanReadCollab(ctx, "ws-2", 1, "doc"); ok {
		t.Error("revoked user can still read")
	}
}
