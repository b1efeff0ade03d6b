// CIM - OpenID Connect Provider and Policy Engine
// Copyright 2026 The CIM Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cimidp/cim

package api

import (
	"net/http"

	"github.com/cimidp/cim/internal/connector"
	"github.com/cimidp/cim/internal/logging"
	"github.com/cimidp/cim/internal/models"
	"github.com/cimidp/cim/internal/storage"
)

// prepareUser turns the plaintext password of an incoming user into a
// salted hash before the object reaches the store.
func (s *Server) prepareUser(_ *http.Request, user *models.User) error {
	if user.Password != "" {
		user.Secret = models.NewID()
		user.Password = connector.HashPassword(user.Secret, user.Password)
	}
	return nil
}

// bootstrapUser provisions the self-account around a freshly created
// root user: an Admin group holding the user, an allow-everything
// policy bound to that group, a password connector and a client
// credential. Sub-users (or callers passing bootstrap=false) skip it.
func (s *Server) bootstrapUser(r *http.Request, user *models.User) error {
	if r.URL.Query().Get("bootstrap") == "false" {
		return nil
	}

	ctx := r.Context()
	account := user.AccountID
	if account == "" {
		// A root user is its own account.
		account = user.ID
		user.AccountID = account
		if err := storage.Users(s.reg).Put(ctx, user, 0); err != nil {
			return err
		}
	}

	group := &models.Group{AccountID: account, Name: "Admin"}
	if err := storage.Groups(s.reg).Put(ctx, group, 0); err != nil {
		return err
	}
	membership := &models.GroupUser{GroupID: group.ID, UserID: user.ID}
	if err := storage.GroupUsers(s.reg).Put(ctx, membership, 0); err != nil {
		return err
	}

	adminPolicy := &models.Policy{
		AccountID: account,
		Desc:      "account admin: full access",
		Statements: []models.Statement{{
			Effect:    models.EffectAllow,
			Subjects:  []string{"<.*>"},
			Actions:   []string{"<.*>"},
			Resources: []string{"<.*>"},
		}},
	}
	if err := storage.Policies(s.reg).Put(ctx, adminPolicy, 0); err != nil {
		return err
	}
	binding := &models.PolicyBinding{
		PolicyID:     adminPolicy.ID,
		BindingsType: models.BindingGroup,
		BindingsID:   group.ID,
	}
	if err := storage.PolicyBindings(s.reg).Put(ctx, binding, 0); err != nil {
		return err
	}

	// One shared password connector serves every account.
	existing, err := storage.Connectors(s.reg).List(ctx, models.ListOpts{
		Filter:       map[string]string{"connector_type": models.ConnectorTypeCim},
		CountDisable: true,
	})
	if err != nil {
		return err
	}
	if len(existing.Data) == 0 {
		conn := &models.Connector{
			ConnectorType: models.ConnectorTypeCim,
			Name:          "Password",
		}
		if err := storage.Connectors(s.reg).Put(ctx, conn, 0); err != nil {
			return err
		}
	}

	client := &models.Client{
		Secret:    models.NewID(),
		Name:      "default",
		AccountID: account,
	}
	if err := storage.Clients(s.reg).Put(ctx, client, 0); err != nil {
		return err
	}

	logging.Ctx(ctx).Info().
		Str("user_id", user.ID).
		Str("account_id", account).
		Str("group_id", group.ID).
		Str("client_id", client.ID).
		Msg("bootstrapped account")
	return nil
}
