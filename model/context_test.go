package model

import (
	"context"
	"testing"
)

func TestRequestContext_Validate(t *testing.T) {
	tests := []struct {
		name    string
		rc      *RequestContext
		wantErr bool
	}{
		{name: "valid context", rc: &RequestContext{SubjectID: "user-1"}},
		{name: "missing SubjectID", rc: &RequestContext{Email: "a@example.com"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.rc.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestRequestContext_HasRole(t *testing.T) {
	rc := &RequestContext{SubjectID: "u", Roles: []string{"checker", "approver"}}
	if !rc.HasRole("checker") {
		t.Error("HasRole(checker) = false")
	}
	if rc.HasRole("admin") {
		t.Error("HasRole(admin) = true")
	}
}

func TestRequestContext_Claim(t *testing.T) {
	rc := &RequestContext{Claims: map[string]any{"lab": "chem"}}
	if rc.Claim("lab") != "chem" {
		t.Errorf("Claim(lab) = %v", rc.Claim("lab"))
	}
	if (&RequestContext{}).Claim("lab") != nil {
		t.Error("Claim on nil map should be nil")
	}
}

func TestActorFrom(t *testing.T) {
	ctx := WithRequestContext(context.Background(), &RequestContext{SubjectID: "user-alice"})
	actor, err := ActorFrom(ctx)
	if err != nil {
		t.Fatalf("ActorFrom() error = %v", err)
	}
	if actor != "user-alice" {
		t.Errorf("actor = %q", actor)
	}

	_, err = ActorFrom(context.Background())
	if !IsCode(err, ErrUnauthorized) {
		t.Errorf("ActorFrom(empty) error = %v, want UNAUTHORIZED", err)
	}
}
