// Copyright The NRI Plugins Authors. All Rights Reserved.
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

// Package mbm estimates memory bandwidth from raw hardware byte counters.
//
// Bandwidth counters are monotonic and wrap at a fixed ceiling. Every
// (MID, socket, direction) triple has a Sample which turns successive
// counter readings into a per-second rate smoothed over a sliding window
// of the most recent rates. Samples are reset whenever their MID leaves
// or enters active use so that stale data never leaks to a new owner.
package mbm
