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

import "fmt"

var (
	ErrNoMem          = fmt.Errorf("mid: failed to allocate MID table")
	ErrInvalidID      = fmt.Errorf("mid: invalid MID")
	ErrInvalidOption  = fmt.Errorf("mid: invalid allocator option")
	ErrInvalidScope   = fmt.Errorf("mid: invalid monitoring scope")
	ErrUnknownClient  = fmt.Errorf("mid: unknown client")
	ErrNoEvents       = fmt.Errorf("mid: client has no events")
	ErrStaleRead      = fmt.Errorf("mid: MID changed during read")
	ErrNotAssigned    = fmt.Errorf("mid: no MID assigned")
	ErrBroadcast      = fmt.Errorf("mid: broadcast failed")
	ErrInternalError  = fmt.Errorf("mid: internal error")
	ErrInvalidSetting = fmt.Errorf("mid: invalid setting")
)
