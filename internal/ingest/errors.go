// Copyright (C) 2025-2026 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

package ingest

import (
	"fmt"
	"net/http"
)

// Kind classifies pipeline failures. Devices only ever see the mapped
// status code, never the underlying cause.
type Kind int

const (
	KindNoCredential Kind = iota + 1
	KindBadCredential
	KindDeviceNotFound
	KindOwnershipMismatch
	KindProcessingFailed
	KindUnexpected
)

func (k Kind) String() string {
	switch k {
	case KindNoCredential:
		return "no credential"
	case KindBadCredential:
		return "bad credential"
	case KindDeviceNotFound:
		return "device not found"
	case KindOwnershipMismatch:
		return "ownership mismatch"
	case KindProcessingFailed:
		return "processing failed"
	case KindUnexpected:
		return "unexpected failure"
	default:
		return "unknown"
	}
}

// HTTPStatus maps a failure kind to the coarse status code constrained
// devices branch on. Authorization failures are deliberately
// indistinguishable from each other beyond 403 vs 404.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindNoCredential, KindBadCredential, KindOwnershipMismatch:
		return http.StatusForbidden
	case KindDeviceNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// Error is the pipeline's failure type.
type Error struct {
	Kind  Kind
	cause error
}

func newError(kind Kind, cause error) *Error {
	return &Error{Kind: kind, cause: cause}
}

// NewError builds a pipeline error of the given kind. cause may be nil.
func NewError(kind Kind, cause error) *Error {
	return newError(kind, cause)
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("ingest: %s: %v", e.Kind, e.cause)
	}
	return fmt.Sprintf("ingest: %s", e.Kind)
}

func (e *Error) Unwrap() error {
	return e.cause
}
