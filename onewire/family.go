// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package onewire

import "sync"

// FamilyFilter restricts which device families a search reports. It is an
// explicit, shareable object rather than process-wide state: a search engine
// owns one by default, and a daemon may inject the same instance into its
// monitor and its remote protocol host so both see the same view.
//
// An empty filter admits every family. A target set restricts results to
// the listed families; excludes are subtracted afterwards.
type FamilyFilter struct {
	mu      sync.Mutex
	target  map[byte]struct{}
	exclude map[byte]struct{}
}

// Target restricts the filter to the given families, replacing any previous
// target set.
func (f *FamilyFilter) Target(families ...byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.target = make(map[byte]struct{}, len(families))
	for _, fam := range families {
		f.target[fam] = struct{}{}
	}
}

// Exclude adds the given families to the exclusion set.
func (f *FamilyFilter) Exclude(families ...byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.exclude == nil {
		f.exclude = make(map[byte]struct{}, len(families))
	}
	for _, fam := range families {
		f.exclude[fam] = struct{}{}
	}
}

// TargetAll clears both the target and exclusion sets.
func (f *FamilyFilter) TargetAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.target = nil
	f.exclude = nil
}

// Allowed reports whether devices of the given family pass the filter.
func (f *FamilyFilter) Allowed(family byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.target != nil {
		if _, ok := f.target[family]; !ok {
			return false
		}
	}
	if f.exclude != nil {
		if _, ok := f.exclude[family]; ok {
			return false
		}
	}
	return true
}
