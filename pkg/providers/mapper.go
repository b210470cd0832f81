package providers

import (
	"context"
	"fmt"
	"sync"

	"github.com/nimbusfed/nimbus/pkg/engine"
)

// Credential is the identity a provider uses at a cloud.
type Credential struct {
	UserID   string            `yaml:"user_id" validate:"required"`
	UserName string            `yaml:"user_name,omitempty"`
	Token    string            `yaml:"token,omitempty"`
	Options  map[string]string `yaml:"options,omitempty"`
}

// CloudCredentials maps federated users to cloud credentials at one cloud.
type CloudCredentials struct {
	// Default is used for every user without an explicit mapping.
	Default *Credential `yaml:"default,omitempty"`

	// Users maps "user@identity-provider" keys to dedicated credentials.
	Users map[string]Credential `yaml:"users,omitempty" validate:"dive"`
}

// StaticUserMapper maps federated users to cloud users from configuration.
type StaticUserMapper struct {
	mu     sync.RWMutex
	clouds map[string]CloudCredentials
}

// NewStaticUserMapper creates a mapper from per-cloud credentials.
func NewStaticUserMapper(clouds map[string]CloudCredentials) *StaticUserMapper {
	m := &StaticUserMapper{clouds: make(map[string]CloudCredentials, len(clouds))}
	for name, creds := range clouds {
		m.clouds[name] = creds
	}
	return m
}

// SetCloud replaces the credentials of one cloud.
func (m *StaticUserMapper) SetCloud(cloudName string, creds CloudCredentials) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clouds[cloudName] = creds
}

// Map returns the cloud user acting on behalf of user at cloudName.
func (m *StaticUserMapper) Map(_ context.Context, user engine.SystemUser, cloudName string) (*engine.CloudUser, error) {
	m.mu.RLock()
	creds, ok := m.clouds[cloudName]
	m.mu.RUnlock()

	if !ok {
		return nil, engine.NewUnauthenticatedError(
			fmt.Sprintf("no credentials configured for cloud %s", cloudName), nil)
	}

	if cred, ok := creds.Users[user.String()]; ok {
		return toCloudUser(cred), nil
	}
	if creds.Default != nil {
		return toCloudUser(*creds.Default), nil
	}

	return nil, engine.NewUnauthenticatedError(
		fmt.Sprintf("user %s has no credentials at cloud %s", user, cloudName), nil)
}

func toCloudUser(cred Credential) *engine.CloudUser {
	u := &engine.CloudUser{
		ID:          cred.UserID,
		Name:        cred.UserName,
		Token:       cred.Token,
		Credentials: make(map[string]string, len(cred.Options)),
	}
	for k, v := range cred.Options {
		u.Credentials[k] = v
	}
	return u
}

var _ engine.CloudUserMapper = (*StaticUserMapper)(nil)
