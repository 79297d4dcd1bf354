// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

//go:build !windows

package resolve

import "go.uber.org/zap"

// Native returns the resolver for the host loader.
func Native(logger *zap.Logger) Resolver {
	return NewELF(logger)
}
