/*
Copyright 2025.

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

package store

import "github.com/google/uuid"

// idNamespace is the fixed UUIDv5 namespace for deterministic entity ids.
// Changing it changes every deterministic id; it is part of the data format.
var idNamespace = uuid.MustParse("97f1e306-9e74-5c2b-8f6a-1d2e4b7a9c31")

// DeterministicID derives a stable id from (table, key, userID). Seeding and
// moment building rely on independent processes agreeing on row identity.
func DeterministicID(table, key, userID string) string {
	return uuid.NewSHA1(idNamespace, []byte(table+":"+key+":"+userID)).String()
}

// NewID returns a random entity id.
func NewID() string {
	return uuid.NewString()
}
