// Package mdcerrors implements the Mail Delivery Core error taxonomy
// (spec.md §7): typed error kinds carrying structured fields, in the same
// style as the teacher's framework/exterrors (fields wrapping + Unwrap
// chains), extended with named Kinds so the HTTP edge (out of scope here)
// can map them onto status codes without string-matching messages.
package mdcerrors

import (
	"errors"
	"fmt"
)

// Kind is one of the seven error kinds from spec.md §7.
type Kind string

const (
	KindParse      Kind = "parse_error"
	KindValidation Kind = "validation_error"
	KindPermission Kind = "permission_denied"
	KindNotFound   Kind = "not_found"
	KindConflict   Kind = "conflict"
	KindTransport  Kind = "transport_error"
	KindDKIM       Kind = "dkim_error"
)

// Error is a taxonomy-tagged error with optional structured fields, mirroring
// exterrors.WithFields but additionally carrying a Kind for edge-code
// mapping.
type Error struct {
	Kind   Kind
	Msg    string
	Fields map[string]interface{}
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) FieldsMap() map[string]interface{} {
	return e.Fields
}

func new_(kind Kind, msg string, err error, fields map[string]interface{}) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err, Fields: fields}
}

func ParseError(msg string, err error) *Error {
	return new_(KindParse, msg, err, nil)
}

func Validation(msg string, fields map[string]interface{}) *Error {
	return new_(KindValidation, msg, nil, fields)
}

func PermissionDenied(msg string, fields map[string]interface{}) *Error {
	return new_(KindPermission, msg, nil, fields)
}

func NotFound(msg string, fields map[string]interface{}) *Error {
	return new_(KindNotFound, msg, nil, fields)
}

func Conflict(msg string, fields map[string]interface{}) *Error {
	return new_(KindConflict, msg, nil, fields)
}

func Transport(msg string, err error, fields map[string]interface{}) *Error {
	return new_(KindTransport, msg, err, fields)
}

func DKIM(msg string, err error) *Error {
	return new_(KindDKIM, msg, err, nil)
}

// Is reports whether err is (or wraps) an *Error of the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// Fields walks the Unwrap chain and merges structured fields, outer errors
// winning over inner ones — same merge policy as exterrors.Fields.
func Fields(err error) map[string]interface{} {
	out := make(map[string]interface{}, 5)
	for err != nil {
		if e, ok := err.(*Error); ok {
			for k, v := range e.Fields {
				if _, ok := out[k]; !ok {
					out[k] = v
				}
			}
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return out
}
