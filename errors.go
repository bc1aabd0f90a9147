// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package bvm

import "fmt"

// Kind classifies a loader error into the closed taxonomy the core
// commits to. Callers that need to react differently to different
// failure modes should switch on Kind rather than compare error
// values.
type Kind int

const (
	// KindInternal marks a violated invariant: a bug in the loader
	// itself rather than a malformed input or a kernel rejection.
	KindInternal Kind = iota

	// KindLibelf is a failure reading the underlying relocatable
	// object with the external reader.
	KindLibelf

	// KindFormat is a structural violation of the input: a
	// mis-sized section, a duplicate symbol table, an unrecognized
	// class or type.
	KindFormat

	// KindEndian is a byte-order mismatch between the object and
	// the host.
	KindEndian

	// KindReloc is an ill-formed or unresolvable relocation entry.
	KindReloc

	// KindVerify is a program load rejected by the kernel verifier
	// with a non-empty log.
	KindVerify

	// KindProg2Big is a program whose instruction count reached the
	// kernel's hard maximum.
	KindProg2Big

	// KindProgType is a program whose declared kind was wrong; the
	// loader confirmed this with a kprobe-kind probe retry.
	KindProgType

	// KindKVer is a kernel-version related load failure that could
	// not be classified more precisely.
	KindKVer

	// KindKVersion is a required kernel-version tag missing from
	// the object.
	KindKVersion

	// KindLoad is a program submission failure with no more
	// specific classification.
	KindLoad

	// KindInvalid mirrors EINVAL: a caller or object error that
	// doesn't fit a more specific kind.
	KindInvalid

	// KindNoMem mirrors ENOMEM.
	KindNoMem

	// KindNotExist mirrors ENOENT.
	KindNotExist

	// KindNameTooLong mirrors ENAMETOOLONG.
	KindNameTooLong

	// KindErrno wraps an otherwise unclassified errno from a kernel
	// call.
	KindErrno
)

func (k Kind) String() string {
	switch k {
	case KindInternal:
		return "INTERNAL"
	case KindLibelf:
		return "LIBELF"
	case KindFormat:
		return "FORMAT"
	case KindEndian:
		return "ENDIAN"
	case KindReloc:
		return "RELOC"
	case KindVerify:
		return "VERIFY"
	case KindProg2Big:
		return "PROG2BIG"
	case KindProgType:
		return "PROGTYPE"
	case KindKVer:
		return "KVER"
	case KindKVersion:
		return "KVERSION"
	case KindLoad:
		return "LOAD"
	case KindInvalid:
		return "EINVAL"
	case KindNoMem:
		return "ENOMEM"
	case KindNotExist:
		return "ENOENT"
	case KindNameTooLong:
		return "ENAMETOOLONG"
	case KindErrno:
		return "errno"
	}
	return "UNKNOWN"
}

// Error is the error type every exported loader operation returns.
// Op names the failing operation (e.g. "bvm.Open", "Object.Load"),
// and Log carries a verifier log when Kind is KindVerify.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Log  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %s: %v", e.Op, e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

func errf(op string, kind Kind, format string, args ...interface{}) *Error {
	return &Error{Op: op, Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

func wrapf(op string, kind Kind, err error, format string, args ...interface{}) *Error {
	return &Error{Op: op, Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}
