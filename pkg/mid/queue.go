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

package mid

// queue is a FIFO of MIDs. Entries are inserted at the tail and removed
// from the head. Only the stabilization pass scans it as a whole.
type queue struct {
	ids []ID
}

func (q *queue) push(id ID) {
	q.ids = append(q.ids, id)
}

func (q *queue) pop() (ID, bool) {
	if len(q.ids) == 0 {
		return InvalidID, false
	}
	id := q.ids[0]
	q.ids = q.ids[1:]
	return id, true
}

func (q *queue) len() int {
	return len(q.ids)
}

// drain removes and returns all entries in queue order.
func (q *queue) drain() []ID {
	ids := q.ids
	q.ids = make([]ID, 0, len(ids))
	return ids
}

func (q *queue) items() []ID {
	return append([]ID(nil), q.ids...)
}
