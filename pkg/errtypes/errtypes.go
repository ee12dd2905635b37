// Copyright 2018-2019 CERN
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
// In applying this license, CERN does not waive the privileges and immunities
// granted to it by virtue of its status as an Intergovernmental Organization
// or submit itself to any jurisdiction.

// Package errtypes contains the sentinel error kinds returned by the
// remote timeline client and the wal-redo coordinator. It would have been
// nice to call this package errors, err or error, but errors clashes with
// github.com/pkg/errors, err is used for any error variable, and error is
// a reserved word.
package errtypes

import "time"

// QueueUninitialized is returned when a schedule_* method or stop() is
// called on an upload queue before init/init_empty/init_stopped_for_deletion.
type QueueUninitialized string

func (e QueueUninitialized) Error() string { return "error: queue uninitialized: " + string(e) }

// IsQueueUninitialized implements IsQueueUninitialized.
func (e QueueUninitialized) IsQueueUninitialized() {}

// AlreadyInProgress is returned by persist_index_with_deleted_flag when
// the delete marker is already advancing, carrying the timestamp of the
// in-progress deletion attempt.
type AlreadyInProgress time.Time

func (e AlreadyInProgress) Error() string {
	return "error: delete already in progress since " + time.Time(e).String()
}

// IsAlreadyInProgress implements IsAlreadyInProgress.
func (e AlreadyInProgress) IsAlreadyInProgress() {}

// AlreadyDeleted is returned by persist_index_with_deleted_flag once the
// timeline has already been marked deleted, carrying the timestamp of
// that deletion.
type AlreadyDeleted time.Time

func (e AlreadyDeleted) Error() string {
	return "error: already deleted at " + time.Time(e).String()
}

// IsAlreadyDeleted implements IsAlreadyDeleted.
func (e AlreadyDeleted) IsAlreadyDeleted() {}

// InvalidRequest is returned by the wal-redo coordinator when a request's
// shape violates an invariant (e.g. an empty records list).
type InvalidRequest string

func (e InvalidRequest) Error() string { return "error: invalid request: " + string(e) }

// IsInvalidRequest implements IsInvalidRequest.
func (e InvalidRequest) IsInvalidRequest() {}

// InvalidRecord is returned when a WAL record itself is malformed or
// does not fit the request (e.g. a native record whose derived segment
// and block do not match the request key).
type InvalidRecord string

func (e InvalidRecord) Error() string { return "error: invalid record: " + string(e) }

// IsInvalidRecord implements IsInvalidRecord.
func (e InvalidRecord) IsInvalidRecord() {}

// InvalidState is returned when an operation is attempted against a
// queue or coordinator in a state that forbids it (e.g. init on a queue
// that is not Uninitialized).
type InvalidState string

func (e InvalidState) Error() string { return "error: invalid state: " + string(e) }

// IsInvalidState implements IsInvalidState.
func (e InvalidState) IsInvalidState() {}

// BrokenPipe is returned when the wal-redo child's stdin/stdout pipe has
// failed, typically because the child exited or was replaced.
type BrokenPipe string

func (e BrokenPipe) Error() string { return "error: broken pipe: " + string(e) }

// IsBrokenPipe implements IsBrokenPipe.
func (e BrokenPipe) IsBrokenPipe() {}

// Timeout is returned when a wal-redo request exceeds its configured
// deadline without a response.
type Timeout string

func (e Timeout) Error() string { return "error: timeout: " + string(e) }

// IsTimeout implements IsTimeout.
func (e Timeout) IsTimeout() {}

// Aborted is returned by wait_completion when the queue is stopped while
// the caller is parked waiting for in-flight tasks to drain.
type Aborted string

func (e Aborted) Error() string { return "error: aborted: " + string(e) }

// IsAborted implements IsAborted.
func (e Aborted) IsAborted() {}

// IsQueueUninitialized is the interface to implement to specify that the
// queue has not been initialized.
type IsQueueUninitialized interface{ IsQueueUninitialized() }

// IsAlreadyInProgress is the interface to implement to specify that a
// delete is already in progress.
type IsAlreadyInProgress interface{ IsAlreadyInProgress() }

// IsAlreadyDeleted is the interface to implement to specify that a
// timeline is already deleted.
type IsAlreadyDeleted interface{ IsAlreadyDeleted() }

// IsInvalidRequest is the interface to implement to specify that a
// request violates an invariant.
type IsInvalidRequest interface{ IsInvalidRequest() }

// IsInvalidRecord is the interface to implement to specify that a WAL
// record violates an invariant.
type IsInvalidRecord interface{ IsInvalidRecord() }

// IsInvalidState is the interface to implement to specify that an
// operation was attempted in a state that forbids it.
type IsInvalidState interface{ IsInvalidState() }

// IsBrokenPipe is the interface to implement to specify that the child
// process's pipe has failed.
type IsBrokenPipe interface{ IsBrokenPipe() }

// IsTimeout is the interface to implement to specify that an operation
// exceeded its deadline.
type IsTimeout interface{ IsTimeout() }

// IsAborted is the interface to implement to specify that an operation
// was aborted by a concurrent shutdown.
type IsAborted interface{ IsAborted() }
