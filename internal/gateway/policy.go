// Marginalia - Collaborative Document Annotation Platform
// Copyright 2026 Marginalia Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/marginalia-app/marginalia

package gateway

import (
	"context"
	"sync"

	"github.com/marginalia-app/marginalia/internal/models"
)

// MemoryPolicyProvider holds resource policies in memory. The full platform
// fronts the relational store; the standalone gateway seeds policies through
// the admin API and this provider.
type MemoryPolicyProvider struct {
	mu       sync.RWMutex
	policies map[string]models.ResourcePolicy
	fallback models.ResourcePolicy
}

// NewMemoryPolicyProvider creates a provider. Resources without an explicit
// policy get the fallback.
func NewMemoryPolicyProvider(fallback models.ResourcePolicy) *MemoryPolicyProvider {
	return &MemoryPolicyProvider{
		policies: make(map[string]models.ResourcePolicy),
		fallback: fallback,
	}
}

// DefaultPolicy is the fallback for resources never configured: open reading,
// public view mode, no guest access.
func DefaultPolicy() models.ResourcePolicy {
	return models.ResourcePolicy{
		ViewMode:   models.ViewModePublic,
		Visibility: models.VisibilityPublic,
	}
}

// Policy implements PolicyProvider.
func (p *MemoryPolicyProvider) Policy(_ context.Context, resourceID string) (*models.ResourcePolicy, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	policy, ok := p.policies[resourceID]
	if !ok {
		policy = p.fallback
	}
	policy.ResourceID = resourceID
	return &policy, nil
}

// Set stores the policy for a resource.
func (p *MemoryPolicyProvider) Set(resourceID string, policy models.ResourcePolicy) {
	p.mu.Lock()
	defer p.mu.Unlock()
	policy.ResourceID = resourceID
	p.policies[resourceID] = policy
}

// SetViewMode updates only the view mode, creating the policy from the
// fallback when absent. Returns the updated policy.
func (p *MemoryPolicyProvider) SetViewMode(resourceID string, mode models.ViewMode) models.ResourcePolicy {
	p.mu.Lock()
	defer p.mu.Unlock()

	policy, ok := p.policies[resourceID]
	if !ok {
		policy = p.fallback
	}
	policy.ResourceID = resourceID
	policy.ViewMode = mode
	p.policies[resourceID] = policy
	return policy
}
