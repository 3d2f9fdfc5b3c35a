// Copyright 2023 The Cockroach Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"

	"github.com/pkg/errors"
)

// ReferralError is returned by a Transport operation in place of its
// normal error when the directory responded with one or more referral
// URIs instead of completing the operation (§9 supplemented feature 1).
type ReferralError struct {
	URIs []string
}

func (e *ReferralError) Error() string {
	if len(e.URIs) == 0 {
		return "referral with no URIs"
	}
	return "referral to " + e.URIs[0]
}

// Redialer is the optional Transport capability referral chasing needs:
// tear down the current connection, if any, and connect to a different
// URI. A Transport that doesn't implement it simply never has its
// referrals chased.
type Redialer interface {
	Redial(ctx context.Context, uri string) error
}

// ChaseSearch tries every referral URI in order until one redials
// successfully, mirroring chain.c's search-referral chasing.
func ChaseSearch(ctx context.Context, r Redialer, uris []string) error {
	if len(uris) == 0 {
		return errors.New("referral chasing: no URIs")
	}
	var lastErr error
	for _, uri := range uris {
		if err := r.Redial(ctx, uri); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return errors.Wrap(lastErr, "referral chasing: all URIs failed")
}

// ChaseWrite follows only the first referral URI, preserving chain.c's
// asymmetry between search-referral chasing (try every URI) and
// write-operation referral chasing (try only uris[0]); see §9
// supplemented feature 2. Bind's single retry-once semantics also use
// this, since bind is not the search operation the asymmetry exempts.
func ChaseWrite(ctx context.Context, r Redialer, uris []string) error {
	if len(uris) == 0 {
		return errors.New("referral chasing: no URIs")
	}
	return r.Redial(ctx, uris[0])
}

// asReferral unwraps err to a *ReferralError, if any is present in its
// chain.
func asReferral(err error) (*ReferralError, bool) {
	var ref *ReferralError
	if errors.As(err, &ref) {
		return ref, true
	}
	return nil, false
}
