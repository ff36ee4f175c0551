// SPDX-License-Identifier: Apache-2.0

package domain

import "errors"

var ErrRunStateNotFound = errors.New("run state not found")
var ErrEngineClosed = errors.New("engine is shut down")
var ErrMissingEventType = errors.New("event has no type field")
