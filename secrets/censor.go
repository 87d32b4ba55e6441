/*
Copyright 2024 The MCI Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package secrets

import (
	"encoding/base64"
	"strings"
	"sync"

	"go4.org/bytereplacer"
)

// Censorer removes sensitive data from input. Implementations are safe
// for concurrent use, mutate the input in place and never change its
// size.
type Censorer interface {
	Censor(input *[]byte)
}

// NewCensorer returns an empty ReloadingCensorer.
func NewCensorer() *ReloadingCensorer {
	return &ReloadingCensorer{
		RWMutex:  &sync.RWMutex{},
		Replacer: bytereplacer.New(),
	}
}

// ReloadingCensorer censors a reloadable set of secret values. Both
// the plaintext and the base64 encoding of every secret are masked, so
// secrets smuggled through encoded job output still disappear from
// logs and streamed chunks.
type ReloadingCensorer struct {
	*sync.RWMutex
	*bytereplacer.Replacer
	largestSecret int
}

var _ Censorer = &ReloadingCensorer{}

// Censor masks every registered secret in the input. Replacements are
// the same size as what they replace, so Replace never reallocates and
// the return value can be discarded.
func (c *ReloadingCensorer) Censor(input *[]byte) {
	c.RLock()
	c.Replacer.Replace(*input)
	c.RUnlock()
}

// LargestSecret returns the size of the largest registered secret,
// which bounds how much overlap a chunked censoring reader needs.
func (c *ReloadingCensorer) LargestSecret() int {
	c.RLock()
	defer c.RUnlock()
	return c.largestSecret
}

// RefreshBytes replaces the set of censored secrets.
func (c *ReloadingCensorer) RefreshBytes(secrets ...[]byte) {
	asStrings := make([]string, 0, len(secrets))
	for _, secret := range secrets {
		asStrings = append(asStrings, string(secret))
	}
	c.Refresh(asStrings...)
}

// Refresh replaces the set of censored secrets.
func (c *ReloadingCensorer) Refresh(secrets ...string) {
	var largestSecret int
	var replacements []string
	addReplacement := func(s string) {
		replacements = append(replacements, s, strings.Repeat(`*`, len(s)))
		if len(s) > largestSecret {
			largestSecret = len(s)
		}
	}
	for _, secret := range secrets {
		secret = strings.TrimSpace(secret)
		if secret == "" {
			continue
		}
		addReplacement(secret)
		addReplacement(base64.StdEncoding.EncodeToString([]byte(secret)))
	}
	c.Lock()
	c.Replacer = bytereplacer.New(replacements...)
	c.largestSecret = largestSecret
	c.Unlock()
}
