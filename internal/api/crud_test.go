// CIM - OpenID Connect Provider and Policy Engine
// Copyright 2026 The CIM Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cimidp/cim

package api

import (
	"bufio"
	"bytes"
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/cimidp/cim/internal/models"
	"github.com/cimidp/cim/internal/storage"
)

// postJSON posts a JSON body.
func (f *apiFixture) postJSON(t *testing.T, url string, v any) *http.Response {
	t.Helper()
	payload, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("encoding body: %v", err)
	}
	resp, err := f.client.Post(url, "application/json", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("POST %s failed: %v", url, err)
	}
	return resp
}

// do sends a bodyless or JSON request with an arbitrary method.
func (f *apiFixture) do(t *testing.T, method, url string, v any) *http.Response {
	t.Helper()
	var body *bytes.Reader
	if v != nil {
		payload, err := json.Marshal(v)
		if err != nil {
			t.Fatalf("encoding body: %v", err)
		}
		body = bytes.NewReader(payload)
	} else {
		body = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, body)
	if err != nil {
		t.Fatalf("building request: %v", err)
	}
	if v != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := f.client.Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, url, err)
	}
	return resp
}

func TestGroupCRUDLifecycle(t *testing.T) {
	f := newAPIFixture(t, nil)

	resp := f.postJSON(t, f.issuer+"/v1/groups", map[string]string{
		"account_id": "acct-1",
		"name":       "Engineering",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d", resp.StatusCode)
	}
	var created models.Group
	decodeBody(t, resp, &created)
	if created.ID == "" {
		t.Fatal("created group has no id")
	}
	if created.Name != "Engineering" {
		t.Errorf("name = %q", created.Name)
	}

	resp = f.get(t, f.issuer+"/v1/groups/"+created.ID)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d", resp.StatusCode)
	}
	var fetched models.Group
	decodeBody(t, resp, &fetched)
	if fetched.ID != created.ID {
		t.Errorf("fetched id = %q", fetched.ID)
	}

	fetched.Desc = "platform team"
	resp = f.do(t, http.MethodPut, f.issuer+"/v1/groups/"+created.ID, fetched)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("update status = %d", resp.StatusCode)
	}
	var updated models.Group
	decodeBody(t, resp, &updated)
	if updated.Desc != "platform team" {
		t.Errorf("desc = %q", updated.Desc)
	}

	resp = f.get(t, f.issuer+"/v1/groups?account_id=acct-1")
	var page models.List[*models.Group]
	decodeBody(t, resp, &page)
	if len(page.Data) != 1 || page.Data[0].ID != created.ID {
		t.Errorf("filtered list = %+v", page.Data)
	}
	resp = f.get(t, f.issuer+"/v1/groups?account_id=acct-other")
	var empty models.List[*models.Group]
	decodeBody(t, resp, &empty)
	if len(empty.Data) != 0 {
		t.Errorf("foreign-account list = %+v", empty.Data)
	}

	resp = f.do(t, http.MethodDelete, f.issuer+"/v1/groups/"+created.ID, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}
	resp = f.get(t, f.issuer+"/v1/groups/"+created.ID)
	env := wantEnvelope(t, resp, http.StatusNotFound)
	if env.Code == "" {
		t.Error("not-found envelope has no code")
	}
}

func TestUpdateRejectsMismatchedID(t *testing.T) {
	f := newAPIFixture(t, nil)
	role := &models.Role{Meta: models.Meta{ID: "r1"}, Name: "admin"}
	if err := storage.Roles(f.reg).Put(context.Background(), role, 0); err != nil {
		t.Fatalf("seeding role: %v", err)
	}

	resp := f.do(t, http.MethodPut, f.issuer+"/v1/roles/r1", map[string]string{
		"id":   "r2",
		"name": "other",
	})
	wantEnvelope(t, resp, http.StatusBadRequest)

	resp = f.do(t, http.MethodPut, f.issuer+"/v1/roles/absent", map[string]string{"name": "x"})
	wantEnvelope(t, resp, http.StatusNotFound)
}

func TestCreateUserHashesPassword(t *testing.T) {
	f := newAPIFixture(t, nil)

	resp := f.postJSON(t, f.issuer+"/v1/users?bootstrap=false", map[string]any{
		"claim":    map[string]any{"email": "new@example.com"},
		"password": "plaintext-secret",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d", resp.StatusCode)
	}
	var created models.User
	decodeBody(t, resp, &created)

	stored, err := storage.Users(f.reg).Get(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("reading stored user: %v", err)
	}
	if stored.Password == "plaintext-secret" || stored.Password == "" {
		t.Error("password stored without hashing")
	}
	if stored.Secret == "" {
		t.Error("user has no salt")
	}
}

func TestUserBootstrapProvisionsAccount(t *testing.T) {
	f := newAPIFixture(t, nil)
	ctx := context.Background()

	resp := f.postJSON(t, f.issuer+"/v1/users", map[string]any{
		"claim":    map[string]any{"email": "root@example.com"},
		"password": "plaintext-secret",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d", resp.StatusCode)
	}
	var user models.User
	decodeBody(t, resp, &user)

	if user.AccountID != user.ID {
		t.Errorf("root user account = %q, want own id %q", user.AccountID, user.ID)
	}

	groups, err := storage.Groups(f.reg).List(ctx, models.ListOpts{
		Filter: map[string]string{"account_id": user.ID, "name": "Admin"},
	})
	if err != nil || len(groups.Data) != 1 {
		t.Fatalf("admin group = %+v (err %v)", groups.Data, err)
	}
	memberships, err := storage.GroupUsers(f.reg).List(ctx, models.ListOpts{
		Filter: map[string]string{"group_id": groups.Data[0].ID, "user_id": user.ID},
	})
	if err != nil || len(memberships.Data) != 1 {
		t.Fatalf("membership = %+v (err %v)", memberships.Data, err)
	}

	policies, err := storage.Policies(f.reg).List(ctx, models.ListOpts{
		Filter: map[string]string{"account_id": user.ID},
	})
	if err != nil || len(policies.Data) != 1 {
		t.Fatalf("policies = %+v (err %v)", policies.Data, err)
	}
	bindings, err := storage.PolicyBindings(f.reg).List(ctx, models.ListOpts{
		Filter: map[string]string{"policy_id": policies.Data[0].ID},
	})
	if err != nil || len(bindings.Data) != 1 {
		t.Fatalf("bindings = %+v (err %v)", bindings.Data, err)
	}
	if bindings.Data[0].BindingsType != models.BindingGroup {
		t.Errorf("binding type = %q", bindings.Data[0].BindingsType)
	}

	clients, err := storage.Clients(f.reg).List(ctx, models.ListOpts{
		Filter: map[string]string{"account_id": user.ID},
	})
	if err != nil || len(clients.Data) != 1 {
		t.Fatalf("clients = %+v (err %v)", clients.Data, err)
	}
	connectors, err := storage.Connectors(f.reg).List(ctx, models.ListOpts{
		Filter: map[string]string{"connector_type": models.ConnectorTypeCim},
	})
	if err != nil || len(connectors.Data) != 1 {
		t.Fatalf("connectors = %+v (err %v)", connectors.Data, err)
	}

	// The bootstrapped policy makes the root user an account admin.
	resp = f.postJSON(t, f.issuer+"/v1/authorize", map[string]any{
		"subject":  user.ID,
		"action":   "delete",
		"resource": "anything/at/all",
	})
	if resp.StatusCode != http.StatusOK {
		t.Errorf("bootstrapped admin denied: status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	// A second root user reuses the shared password connector.
	resp = f.postJSON(t, f.issuer+"/v1/users", map[string]any{
		"claim":    map[string]any{"email": "second@example.com"},
		"password": "plaintext-secret",
	})
	resp.Body.Close()
	connectors, err = storage.Connectors(f.reg).List(ctx, models.ListOpts{
		Filter: map[string]string{"connector_type": models.ConnectorTypeCim},
	})
	if err != nil || len(connectors.Data) != 1 {
		t.Errorf("connectors after second bootstrap = %d (err %v)", len(connectors.Data), err)
	}
}

func TestListPagination(t *testing.T) {
	f := newAPIFixture(t, nil)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		role := &models.Role{Name: "role"}
		if err := storage.Roles(f.reg).Put(ctx, role, 0); err != nil {
			t.Fatalf("seeding role: %v", err)
		}
	}

	resp := f.get(t, f.issuer+"/v1/roles?limit=2&offset=1")
	var page models.List[*models.Role]
	decodeBody(t, resp, &page)
	if len(page.Data) != 2 {
		t.Errorf("page size = %d, want 2", len(page.Data))
	}
	if page.Total != 5 {
		t.Errorf("total = %d, want 5", page.Total)
	}

	resp = f.get(t, f.issuer+"/v1/roles?limit=junk")
	wantEnvelope(t, resp, http.StatusBadRequest)
}

func TestAuditEventsAreReadOnly(t *testing.T) {
	f := newAPIFixture(t, nil)
	ctx := context.Background()
	event := &models.AuditEvent{Subject: "u1", Action: "login", Outcome: models.AuditOutcomeAllow}
	if err := storage.AuditEvents(f.reg).Put(ctx, event, 0); err != nil {
		t.Fatalf("seeding audit event: %v", err)
	}

	resp := f.get(t, f.issuer+"/v1/audit_events?subject=u1")
	var page models.List[*models.AuditEvent]
	decodeBody(t, resp, &page)
	if len(page.Data) != 1 || page.Data[0].Action != "login" {
		t.Errorf("audit list = %+v", page.Data)
	}

	resp = f.postJSON(t, f.issuer+"/v1/audit_events", map[string]string{"action": "forged"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("audit create status = %d, want 405", resp.StatusCode)
	}
	resp = f.do(t, http.MethodDelete, f.issuer+"/v1/audit_events/"+event.ID, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("audit delete status = %d, want 405", resp.StatusCode)
	}
}

// TestWatchFilterStreamsMatchingEvents subscribes to the user stream
// with an account filter and expects exactly the matching write.
func TestWatchFilterStreamsMatchingEvents(t *testing.T) {
	f := newAPIFixture(t, nil)
	ctx := context.Background()

	resp, err := f.client.Get(f.issuer + "/v1/users?watch=1&account_id=A")
	if err != nil {
		t.Fatalf("watch request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("watch status = %d", resp.StatusCode)
	}

	// Headers arrive after the subscription is registered, so these
	// writes are observable.
	u2 := &models.User{Meta: models.Meta{ID: "u2"}, AccountID: "B"}
	if err := storage.Users(f.reg).Put(ctx, u2, 0); err != nil {
		t.Fatalf("writing u2: %v", err)
	}
	u3 := &models.User{Meta: models.Meta{ID: "u3"}, AccountID: "A"}
	if err := storage.Users(f.reg).Put(ctx, u3, 0); err != nil {
		t.Fatalf("writing u3: %v", err)
	}

	type frame struct {
		Type string       `json:"type"`
		Data *models.User `json:"data"`
	}
	frames := make(chan frame, 2)
	go func() {
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			var fr frame
			if err := json.Unmarshal(scanner.Bytes(), &fr); err != nil {
				continue
			}
			frames <- fr
		}
	}()

	select {
	case fr := <-frames:
		if fr.Data == nil || fr.Data.ID != "u3" {
			t.Fatalf("frame = %+v, want u3", fr)
		}
		if fr.Type != "create" {
			t.Errorf("frame type = %q, want create", fr.Type)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("matching event never arrived")
	}

	// The filtered-out write must not produce a second frame.
	select {
	case fr := <-frames:
		t.Fatalf("unexpected extra frame %+v", fr)
	case <-time.After(200 * time.Millisecond):
	}
}
