// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package onewire

import "errors"

// IOError reports a failure of the physical bus: no presence pulse, a short
// circuit or a timeout. It is never retried by the primitive layer.
type IOError string

func (e IOError) Error() string  { return string(e) }
func (e IOError) BusError() bool { return true }

// ShortedError reports that the data line is shorted to ground.
type ShortedError string

func (e ShortedError) Error() string   { return string(e) }
func (e ShortedError) BusError() bool  { return true }
func (e ShortedError) IsShorted() bool { return true }

// IntegrityError reports a CRC8 or CRC16 mismatch. The corrupted data has
// been discarded; the operation may be retried by the caller.
type IntegrityError string

func (e IntegrityError) Error() string   { return string(e) }
func (e IntegrityError) Integrity() bool { return true }
func (e IntegrityError) Temporary() bool { return true }

// ProtocolError reports a version mismatch, failed authentication or a
// malformed reply on a remote adapter connection. It is fatal to the
// connection that produced it.
type ProtocolError string

func (e ProtocolError) Error() string  { return string(e) }
func (e ProtocolError) Protocol() bool { return true }

// ContentionError reports that exclusive access to the bus was denied,
// locally or by a remote host. The caller is expected to back off and retry.
type ContentionError string

func (e ContentionError) Error() string   { return string(e) }
func (e ContentionError) Temporary() bool { return true }
func (e ContentionError) Busy() bool      { return true }

// IsBusError reports whether err is a bus I/O failure.
func IsBusError(err error) bool {
	var t interface{ BusError() bool }
	return errors.As(err, &t) && t.BusError()
}

// IsIntegrityError reports whether err is a CRC mismatch.
func IsIntegrityError(err error) bool {
	var t interface{ Integrity() bool }
	return errors.As(err, &t) && t.Integrity()
}

// IsProtocolError reports whether err is fatal to a remote connection.
func IsProtocolError(err error) bool {
	var t interface{ Protocol() bool }
	return errors.As(err, &t) && t.Protocol()
}

// IsContentionError reports whether err means exclusive access was denied.
func IsContentionError(err error) bool {
	var t interface{ Busy() bool }
	return errors.As(err, &t) && t.Busy()
}
