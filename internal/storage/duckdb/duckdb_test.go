// CIM - OpenID Connect Provider and Policy Engine
// Copyright 2026 The CIM Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cimidp/cim

package duckdb

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cimidp/cim/internal/models"
	"github.com/cimidp/cim/internal/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open in-memory store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func mustPut(t *testing.T, s *Store, obj models.Object) {
	t.Helper()
	if obj.GetCreatedAt().IsZero() {
		obj.SetCreatedAt(time.Now())
	}
	if err := s.Put(context.Background(), obj, 0); err != nil {
		t.Fatalf("put %s %q: %v", obj.Kind(), obj.GetID(), err)
	}
}

func TestPutGetRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	in := &models.User{
		Meta:      models.Meta{ID: "u1", CreatedAt: time.Now()},
		AccountID: "A",
		Claim:     models.Claim{Sub: "u1", Email: "jane@example.com"},
		Secret:    "salt",
		Password:  "hash",
	}
	if err := s.Put(ctx, in, 0); err != nil {
		t.Fatalf("put: %v", err)
	}

	out := &models.User{}
	if err := s.Get(ctx, out, "u1"); err != nil {
		t.Fatalf("get: %v", err)
	}
	if out.Claim.Email != "jane@example.com" || out.Password != "hash" {
		t.Errorf("round-trip lost fields: %+v", out)
	}

	// Upsert replaces the row.
	in.Claim.Email = "jane@new.example.com"
	if err := s.Put(ctx, in, 0); err != nil {
		t.Fatalf("second put: %v", err)
	}
	if err := s.Get(ctx, out, "u1"); err != nil {
		t.Fatalf("get after upsert: %v", err)
	}
	if out.Claim.Email != "jane@new.example.com" {
		t.Errorf("upsert did not replace: %q", out.Claim.Email)
	}
}

func TestGetMissing(t *testing.T) {
	s := newTestStore(t)
	err := s.Get(context.Background(), &models.Group{}, "absent")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestListFilterOrderPage(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	for i, id := range []string{"g1", "g2", "g3", "g4"} {
		acct := "A"
		if id == "g4" {
			acct = "B"
		}
		mustPut(t, s, &models.Group{
			Meta:      models.Meta{ID: id, CreatedAt: base.Add(time.Duration(i) * time.Minute)},
			AccountID: acct,
			Name:      "grp-" + id,
		})
	}

	items, err := s.List(ctx, models.KindGroup, models.ListOpts{
		Filter: map[string]string{"account_id": "A"},
	})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("filtered rows = %d, want 3", len(items))
	}
	if items[0].GetID() != "g3" || items[2].GetID() != "g1" {
		t.Errorf("order wrong: %q .. %q", items[0].GetID(), items[2].GetID())
	}

	page, err := s.List(ctx, models.KindGroup, models.ListOpts{
		Filter: map[string]string{"account_id": "A"},
		Limit:  1,
		Offset: 1,
	})
	if err != nil {
		t.Fatalf("list page: %v", err)
	}
	if len(page) != 1 || page[0].GetID() != "g2" {
		t.Errorf("page = %+v, want [g2]", page)
	}

	byID, err := s.List(ctx, models.KindGroup, models.ListOpts{
		Filter: map[string]string{"id": "g4"},
	})
	if err != nil {
		t.Fatalf("list by id: %v", err)
	}
	if len(byID) != 1 || byID[0].GetID() != "g4" {
		t.Errorf("id filter = %+v, want [g4]", byID)
	}
}

func TestBindingTypeFilterIsNumeric(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mustPut(t, s, &models.PolicyBinding{
		Meta: models.Meta{ID: "pb1"}, PolicyID: "p1",
		BindingsType: models.BindingGroup, BindingsID: "g1",
	})
	mustPut(t, s, &models.PolicyBinding{
		Meta: models.Meta{ID: "pb2"}, PolicyID: "p1",
		BindingsType: models.BindingUser, BindingsID: "u1",
	})

	n, err := s.Count(ctx, models.KindPolicyBinding, models.ListOpts{
		Filter: map[string]string{"bindings_type": "2", "bindings_id": "g1"},
	}, false)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Errorf("count = %d, want 1", n)
	}

	// A malformed numeric filter matches nothing rather than erroring.
	n, err = s.Count(ctx, models.KindPolicyBinding, models.ListOpts{
		Filter: map[string]string{"bindings_type": "bogus"},
	}, false)
	if err != nil {
		t.Fatalf("count with bad value: %v", err)
	}
	if n != 0 {
		t.Errorf("count = %d, want 0", n)
	}
}

func TestListExcludesDeletedCountUnscoped(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	live := &models.Role{Meta: models.Meta{ID: "live", CreatedAt: time.Now()}, Name: "live"}
	dead := &models.Role{Meta: models.Meta{ID: "dead", CreatedAt: time.Now()}, Name: "dead"}
	dead.MarkDeleted(time.Now())
	mustPut(t, s, live)
	mustPut(t, s, dead)

	items, err := s.List(ctx, models.KindRole, models.ListOpts{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(items) != 1 || items[0].GetID() != "live" {
		t.Fatalf("list returned deleted rows: %+v", items)
	}

	// Get still returns the deleted row as stored.
	out := &models.Role{}
	if err := s.Get(ctx, out, "dead"); err != nil {
		t.Fatalf("get deleted: %v", err)
	}
	if !out.IsDeleted() {
		t.Error("deleted marker lost")
	}

	scoped, err := s.Count(ctx, models.KindRole, models.ListOpts{}, false)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	unscoped, err := s.Count(ctx, models.KindRole, models.ListOpts{}, true)
	if err != nil {
		t.Fatalf("count unscoped: %v", err)
	}
	if scoped != 1 || unscoped != 2 {
		t.Errorf("scoped=%d unscoped=%d, want 1 and 2", scoped, unscoped)
	}
}

func TestRowTTLExpires(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	code := &models.AuthCode{Meta: models.Meta{ID: "ac1", CreatedAt: time.Now()}, ClientID: "c1"}
	if err := s.Put(ctx, code, 20*time.Millisecond); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.Get(ctx, &models.AuthCode{}, "ac1"); err != nil {
		t.Fatalf("get before expiry: %v", err)
	}

	time.Sleep(40 * time.Millisecond)
	if err := s.Get(ctx, &models.AuthCode{}, "ac1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expired row still readable: %v", err)
	}
	n, err := s.Count(ctx, models.KindAuthCode, models.ListOpts{}, true)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 0 {
		t.Errorf("expired row still counted: %d", n)
	}
}

func TestUpdateKeysBootstrapAndGuardedUpdate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	next := time.Now().Add(time.Hour).Truncate(time.Microsecond)
	err := s.UpdateKeys(ctx, func(old *models.Keys, found bool) (*models.Keys, error) {
		if found || old != nil {
			t.Fatal("fresh store reported existing keys")
		}
		return &models.Keys{
			Meta:         models.Meta{ID: models.KeysID, CreatedAt: time.Now()},
			NextRotation: next,
		}, nil
	})
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}

	err = s.UpdateKeys(ctx, func(old *models.Keys, found bool) (*models.Keys, error) {
		if !found {
			t.Fatal("existing keys not found")
		}
		if !old.NextRotation.Equal(next) {
			t.Errorf("next_rotation = %v, want %v", old.NextRotation, next)
		}
		old.NextRotation = old.NextRotation.Add(time.Hour)
		return old, nil
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	keys := &models.Keys{}
	if err := s.Get(ctx, keys, models.KeysID); err != nil {
		t.Fatalf("get keys: %v", err)
	}
	if !keys.NextRotation.Equal(next.Add(time.Hour)) {
		t.Errorf("next_rotation = %v, want %v", keys.NextRotation, next.Add(time.Hour))
	}
}

func TestUpdateKeysConflictOnInterleavedWrite(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seed := &models.Keys{
		Meta:         models.Meta{ID: models.KeysID, CreatedAt: time.Now()},
		NextRotation: time.Now().Truncate(time.Microsecond),
	}
	mustPut(t, s, seed)

	// Advance next_rotation out of band between the read and the
	// guarded write, as a racing instance would.
	err := s.UpdateKeys(ctx, func(old *models.Keys, found bool) (*models.Keys, error) {
		_, execErr := s.conn.ExecContext(ctx,
			`UPDATE "keys" SET next_rotation = ? WHERE id = ?`,
			old.NextRotation.Add(time.Minute).UTC(), models.KeysID)
		if execErr != nil {
			t.Fatalf("out-of-band update: %v", execErr)
		}
		old.NextRotation = old.NextRotation.Add(2 * time.Hour)
		return old, nil
	})
	if !errors.Is(err, storage.ErrKeysConflict) {
		t.Fatalf("err = %v, want ErrKeysConflict", err)
	}
}

func TestUpdateKeysNilSkipsWrite(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.UpdateKeys(ctx, func(old *models.Keys, found bool) (*models.Keys, error) {
		return nil, nil
	})
	if err != nil {
		t.Fatalf("no-op update: %v", err)
	}
	if err := s.Get(ctx, &models.Keys{}, models.KeysID); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("no-op persisted a row: %v", err)
	}
}

func TestPoliciesForUserUnionPaths(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// u1 is in g1; r1 is bound to u1 directly, r2 to g1.
	mustPut(t, s, &models.GroupUser{Meta: models.Meta{ID: "gu1"}, GroupID: "g1", UserID: "u1"})
	mustPut(t, s, &models.RoleBinding{Meta: models.Meta{ID: "rb1"}, RoleID: "r1", UserType: models.BindingUser, UserID: "u1"})
	mustPut(t, s, &models.RoleBinding{Meta: models.Meta{ID: "rb2"}, RoleID: "r2", UserType: models.BindingGroup, UserID: "g1"})

	policies := []string{"p-direct", "p-group", "p-role-user", "p-role-group", "p-other"}
	for _, id := range policies {
		mustPut(t, s, &models.Policy{Meta: models.Meta{ID: id}, Statements: []models.Statement{
			{Effect: models.EffectAllow, Subjects: []string{"<.*>"}, Actions: []string{"<.*>"}, Resources: []string{"<.*>"}},
		}})
	}

	bindings := []*models.PolicyBinding{
		{Meta: models.Meta{ID: "b1"}, PolicyID: "p-direct", BindingsType: models.BindingUser, BindingsID: "u1"},
		{Meta: models.Meta{ID: "b2"}, PolicyID: "p-group", BindingsType: models.BindingGroup, BindingsID: "g1"},
		{Meta: models.Meta{ID: "b3"}, PolicyID: "p-role-user", BindingsType: models.BindingRole, BindingsID: "r1"},
		{Meta: models.Meta{ID: "b4"}, PolicyID: "p-role-group", BindingsType: models.BindingRole, BindingsID: "r2"},
		{Meta: models.Meta{ID: "b5"}, PolicyID: "p-other", BindingsType: models.BindingUser, BindingsID: "someone-else"},
	}
	for _, b := range bindings {
		mustPut(t, s, b)
	}

	got, err := s.PoliciesForUser(ctx, "u1")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	want := map[string]bool{"p-direct": true, "p-group": true, "p-role-user": true, "p-role-group": true}
	if len(got) != len(want) {
		t.Fatalf("resolved %d policies, want %d", len(got), len(want))
	}
	for _, p := range got {
		if !want[p.ID] {
			t.Errorf("unexpected policy %q", p.ID)
		}
		if len(p.Statements) != 1 {
			t.Errorf("policy %q lost statements", p.ID)
		}
	}
}

func TestPoliciesForUserSkipsDeletedBindings(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mustPut(t, s, &models.Policy{Meta: models.Meta{ID: "p1"}})
	gone := &models.PolicyBinding{Meta: models.Meta{ID: "b1"}, PolicyID: "p1", BindingsType: models.BindingUser, BindingsID: "u1"}
	gone.MarkDeleted(time.Now())
	mustPut(t, s, gone)

	got, err := s.PoliciesForUser(ctx, "u1")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("deleted binding still grants policies: %+v", got)
	}
}
